package klv

import (
	"bytes"

	"go.uber.org/atomic"

	elog "github.com/eluv-io/log-go"

	"github.com/eluv-io/klvsnap/geo"
)

var log = elog.Get("/eluvio/klvsnap/klv")

// maxPacketSize bounds a single ST 0601 packet. Anything claiming more is
// treated as a corrupt length prefix.
const maxPacketSize = 64 * 1024

// Parser consumes an append-only metadata byte stream and keeps the most
// recent geoposition found in it. It is not safe for concurrent Feed calls;
// the counters may be read from any goroutine.
type Parser struct {
	buf     []byte
	current geo.Position
	valid   bool

	// OnSet, when set, is called with every successfully decoded local set.
	OnSet func(ls *LocalSet)

	parsed   atomic.Uint64
	rejected atomic.Uint64
}

// NewParser creates a parser with no geoposition.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends b to the pending stream and decodes every complete packet.
// Malformed packets are dropped and the parser resynchronises on the next
// universal key; they never update the current geoposition.
func (p *Parser) Feed(b []byte) {
	if len(b) == 0 {
		return
	}
	p.buf = append(p.buf, b...)
	p.process()
}

// Current returns the most recently decoded geoposition. ok is false until
// one has been seen.
func (p *Parser) Current() (pos geo.Position, ok bool) {
	return p.current, p.valid
}

// Parsed is the number of packets decoded successfully.
func (p *Parser) Parsed() uint64 {
	return p.parsed.Load()
}

// Rejected is the number of malformed packets dropped.
func (p *Parser) Rejected() uint64 {
	return p.rejected.Load()
}

// Pending is the number of buffered bytes not yet consumed.
func (p *Parser) Pending() int {
	return len(p.buf)
}

func (p *Parser) process() {
	keyLen := len(UASLocalSetKey)
	data := p.buf
	defer func() {
		// keep only the unconsumed tail, reusing the buffer storage
		p.buf = p.buf[:copy(p.buf, data)]
	}()

	for {
		i := bytes.Index(data, UASLocalSetKey)
		if i < 0 {
			// keep a possible partial key at the tail
			data = data[max(0, len(data)-(keyLen-1)):]
			return
		}
		data = data[i:]

		length, n, err := readLength(data[keyLen:])
		if err == errShort {
			return
		}
		if err != nil || length > maxPacketSize {
			log.Debug("bad KLV length, resynchronising", "err", err, "length", length)
			data = p.reject(data)
			continue
		}

		total := keyLen + n + length
		if len(data) < total {
			// another key inside the claimed value means this one was cut short
			if j := bytes.Index(data[keyLen+n:], UASLocalSetKey); j >= 0 {
				log.Debug("truncated KLV packet, resynchronising", "length", length, "available", j)
				data = p.reject(data)
				continue
			}
			return
		}

		ls, err := Decode(data[:total])
		if err != nil {
			log.Debug("malformed KLV packet, resynchronising", "err", err)
			data = p.reject(data)
			continue
		}
		data = data[total:]
		p.accept(ls)
	}
}

// reject counts a malformed packet and skips its first byte so the next
// search starts past the bad key.
func (p *Parser) reject(data []byte) []byte {
	p.rejected.Inc()
	return data[1:]
}

func (p *Parser) accept(ls *LocalSet) {
	p.parsed.Inc()
	if pos, ok := ls.Position(); ok && pos.InRange() {
		p.current = pos
		p.valid = true
	}
	if p.OnSet != nil {
		p.OnSet(ls)
	}
}
