package transport

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/eluv-io/errors-go"
)

const maxUDPPacketSize = 1<<16 - 1

var _ Transport = (*rtpProto)(nil)

var ErrShortRTP = errors.E("transport.rtp", errors.K.Invalid, "reason", "RTP packet too short")

type rtpProto struct {
	Url  string
	Mode TsPackagingMode
	opts Options
}

// NewRTPTransport reads RTP over UDP. With stripHeader the RTP header is
// removed and Read yields plain TS packets.
func NewRTPTransport(url string, stripHeader bool, opts Options) Transport {
	mode := RtpTs
	if stripHeader {
		mode = RawTs
	}
	return &rtpProto{Url: url, Mode: mode, opts: opts}
}

func (r *rtpProto) URL() string {
	return r.Url
}

func (r *rtpProto) Handler() string {
	return "rtp"
}

func (r *rtpProto) Live() bool {
	return true
}

func (r *rtpProto) PackagingMode() TsPackagingMode {
	return r.Mode
}

func (r *rtpProto) Open() (io.ReadCloser, error) {
	udp := NewUDPTransport(r.Url, r.opts).(*udpProto)
	conn, err := udp.listen()
	if err != nil {
		return nil, errors.E("rtpProto.Open", errors.K.IO, err, "url", r.Url)
	}
	return newRTPHandler(conn, r.Mode), nil
}

func newRTPHandler(conn net.PacketConn, mode TsPackagingMode) *rtpHandler {
	return &rtpHandler{
		buf:  make([]byte, maxUDPPacketSize),
		Mode: mode,
		conn: conn,
	}
}

type rtpHandler struct {
	buf      []byte
	bufStart int
	bufEnd   int

	Mode TsPackagingMode

	conn net.PacketConn
}

func (h *rtpHandler) Close() error {
	if h.conn != nil {
		return h.conn.Close()
	}
	return nil
}

// Read returns one datagram, split across several calls when p is smaller.
// A new datagram is only read once the previous one was fully returned.
// Datagrams that are not valid RTP are skipped.
func (h *rtpHandler) Read(p []byte) (int, error) {
	for h.bufStart >= h.bufEnd {
		err := h.readNewPacket()
		if errors.IsKind(errors.K.Invalid, err) {
			log.Warn("dropping datagram", "err", err)
			continue
		}
		if err != nil {
			return 0, err
		}
	}

	n := copy(p, h.buf[h.bufStart:h.bufEnd])
	h.bufStart += n
	return n, nil
}

func (h *rtpHandler) readNewPacket() error {
	n, _, err := h.conn.ReadFrom(h.buf)
	h.bufStart = 0
	h.bufEnd = n
	if err != nil {
		return err
	}

	if h.Mode == RawTs {
		start, end, err := StripRTP(h.buf[:h.bufEnd])
		if err != nil {
			h.bufEnd = 0
			return err
		}
		h.bufStart, h.bufEnd = start, end
	}
	return nil
}

// StripRTP returns the bounds of the TS payload in an RTP datagram, without
// the header and any trailing padding.
func StripRTP(data []byte) (start, end int, err error) {
	e := errors.Template("StripRTP", errors.K.Invalid, "len", len(data))

	hdr, err := ParseRTPHeader(data)
	if err != nil {
		return 0, 0, err
	}
	start, end = hdr.ByteLength(), len(data)
	if hdr.Padding {
		// the last byte counts the padding bytes, itself included
		pad := int(data[end-1])
		if pad == 0 || start+pad > end {
			return 0, 0, e("reason", "invalid RTP padding", "padding", pad)
		}
		end -= pad
	}
	if end-start < 188 {
		return 0, 0, e("reason", "packet too short for RTP and TS")
	}
	return start, end, nil
}

type RTPHeader struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	// Number of bytes in the extension (header + payload), if present
	ExtensionByteCount int
}

func (h *RTPHeader) ByteLength() int {
	length := 12
	length += int(h.CSRCCount) * 4
	if h.Extension {
		length += h.ExtensionByteCount
	}
	return length
}

func ParseRTPHeader(data []byte) (*RTPHeader, error) {
	e := errors.Template("ParseRTPHeader", errors.K.Invalid)

	const baseHeaderSize = 12
	if len(data) < baseHeaderSize {
		return nil, ErrShortRTP
	}

	b0 := data[0]
	b1 := data[1]

	header := &RTPHeader{
		Version:        b0 >> 6,
		Padding:        (b0>>5)&0x01 == 1,
		Extension:      (b0>>4)&0x01 == 1,
		CSRCCount:      b0 & 0x0F,
		Marker:         (b1>>7)&0x01 == 1,
		PayloadType:    b1 & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:      binary.BigEndian.Uint32(data[4:8]),
		SSRC:           binary.BigEndian.Uint32(data[8:12]),
	}
	if header.Version != 2 {
		return nil, e("reason", "unsupported RTP version", "version", header.Version)
	}
	lenCSRC := 4 * int(header.CSRCCount)
	if len(data) < baseHeaderSize+lenCSRC {
		return nil, e("reason", "RTP packet too short for CSRCs", "expected", baseHeaderSize+lenCSRC, "len", len(data))
	}
	if header.Extension {
		extStart := baseHeaderSize + lenCSRC
		if len(data) < extStart+4 {
			return nil, e("reason", "RTP packet too short for extension header", "len", len(data))
		}
		extLen := binary.BigEndian.Uint16(data[extStart+2 : extStart+4])
		header.ExtensionByteCount = int(extLen)*4 + 4
		if len(data) < extStart+header.ExtensionByteCount {
			return nil, e("reason", "RTP packet too short for extension", "expected", extStart+header.ExtensionByteCount, "len", len(data))
		}
	}

	return header, nil
}
