package mpegts

import (
	"bufio"
	"io"
	"sync"

	"github.com/Comcast/gots/v2/packet"
	"github.com/Eyevinn/mp4ff/avc"

	"github.com/eluv-io/errors-go"
)

const syncByte = 0x47

// maxProbeBytes bounds the video data searched for an SPS.
const maxProbeBytes = 2 << 20

// spsProbe collects video PES payload until an H.264 SPS declares the
// picture size.
type spsProbe struct {
	pid        int
	streamType uint8

	buf     []byte
	started bool

	mu       sync.Mutex
	finished bool
	width    int
	height   int
}

func newSpsProbe(pid int, streamType uint8) *spsProbe {
	return &spsProbe{
		pid:        pid,
		streamType: streamType,
		// only H.264 is probed, other codecs report their size once decoded
		finished: streamType != TsStreamTypeH264,
	}
}

func (p *spsProbe) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func (p *spsProbe) dimensions() (width, height int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height, p.width > 0 && p.height > 0
}

func (p *spsProbe) handle(pkt packet.Packet) {
	if !pkt.HasPayload() {
		return
	}
	payload, err := pkt.Payload()
	if err != nil {
		return
	}
	if pkt.PayloadUnitStartIndicator() {
		if p.started && p.search() {
			return
		}
		es, err := StripPESHeader(payload)
		if err != nil {
			return
		}
		p.started = true
		p.buf = append(p.buf[:0], es...)
		return
	}
	if p.started {
		p.buf = append(p.buf, payload...)
	}
	if len(p.buf) > maxProbeBytes {
		p.search()
		p.buf = p.buf[:0]
		p.started = false
	}
}

// search looks for an SPS in the access unit collected so far.
func (p *spsProbe) search() bool {
	for _, nalu := range avc.ExtractNalusFromByteStream(p.buf) {
		if len(nalu) == 0 || avc.GetNaluType(nalu[0]) != avc.NALU_SPS {
			continue
		}
		sps, err := avc.ParseSPSNALUnit(nalu, false)
		if err != nil {
			log.Debug("bad SPS", "err", err, "pid", p.pid)
			continue
		}
		p.mu.Lock()
		p.width, p.height = int(sps.Width), int(sps.Height)
		p.finished = true
		p.mu.Unlock()
		p.buf = nil
		log.Debug("SPS found", "pid", p.pid, "width", sps.Width, "height", sps.Height, "profile", sps.Profile, "level", sps.Level)
		return true
	}
	return false
}

// ProbeResult is what Probe learns about a stream without decoding it.
type ProbeResult struct {
	Streams  []StreamInfo  `json:"streams"`
	VideoPid int           `json:"video_pid"`
	KlvPid   int           `json:"klv_pid"`
	Width    int           `json:"width,omitempty"`
	Height   int           `json:"height,omitempty"`
	KlvPes   uint64        `json:"klv_pes"`
	Stats    StatsSnapshot `json:"stats"`
}

// Probe demuxes up to maxPackets packets of r and reports the announced
// streams and the declared video size. It stops early once both are known
// and at least one KLV PES was seen, or the stream has no KLV.
func Probe(r io.Reader, maxPackets int) (*ProbeResult, error) {
	e := errors.Template("mpegts.Probe", errors.K.Invalid)

	d := NewDemuxer()
	pr := NewPacketReader(r)
	for i := 0; i < maxPackets; i++ {
		pkt, err := pr.Next()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return nil, errors.E("mpegts.Probe", errors.K.IO, err)
		}
		d.HandlePacket(pkt)

		_, _, dims := d.Dimensions()
		if len(d.Streams()) > 0 && dims && (d.KlvPid() < 0 || d.Stats.KlvPesCount.Load() > 0) {
			break
		}
	}
	d.Flush()

	if len(d.Streams()) == 0 {
		return nil, e("reason", "no PMT found", "packets", d.Stats.PacketsReceived.Load())
	}
	res := &ProbeResult{
		Streams:  d.Streams(),
		VideoPid: d.VideoPid(),
		KlvPid:   d.KlvPid(),
		KlvPes:   d.Stats.KlvPesCount.Load(),
		Stats:    d.Stats.Snapshot(),
	}
	res.Width, res.Height, _ = d.Dimensions()
	return res, nil
}

// PacketReader reads aligned TS packets, skipping garbage between them.
type PacketReader struct {
	br      *bufio.Reader
	Skipped int64 // bytes dropped to regain sync
}

func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{br: bufio.NewReaderSize(r, packet.PacketSize*7*64)}
}

// Buffered is the number of bytes available without reading the source.
func (pr *PacketReader) Buffered() int {
	return pr.br.Buffered()
}

// Next returns the next packet. A trailing partial packet yields
// io.ErrUnexpectedEOF.
func (pr *PacketReader) Next() (pkt packet.Packet, err error) {
	b, err := pr.br.Peek(1)
	if err != nil {
		return pkt, err
	}
	if b[0] != syncByte {
		n, err := packet.Sync(pr.br)
		pr.Skipped += n
		if err != nil {
			return pkt, err
		}
	}
	_, err = io.ReadFull(pr.br, pkt[:])
	return pkt, err
}
