package transport

import (
	"io"
	"strings"

	"github.com/datarhei/gosrt"

	"github.com/eluv-io/errors-go"
)

var _ Transport = (*srtProto)(nil)

// srtProto implements the Transport interface for SRT connections. URLs with
// mode=listener wait for a publisher to push; all others dial out and pull.
type srtProto struct {
	Url      string
	In       TsPackagingMode
	Out      TsPackagingMode
	StripRtp bool
}

func NewSRTTransport(url string, in TsPackagingMode, out TsPackagingMode) Transport {
	return &srtProto{
		Url:      url,
		In:       in,
		Out:      out,
		StripRtp: in == RtpTs && out != RtpTs,
	}
}

func (s *srtProto) URL() string {
	return s.Url
}

func (s *srtProto) Handler() string {
	return "srt"
}

func (s *srtProto) Live() bool {
	return true
}

func (s *srtProto) PackagingMode() TsPackagingMode {
	return s.Out
}

func (s *srtProto) Open() (io.ReadCloser, error) {
	e := errors.Template("srtProto.Open", errors.K.Unavailable, "url", s.Url)

	cfg := srt.DefaultConfig()
	hostPort, err := cfg.UnmarshalURL(s.Url)
	if err != nil {
		return nil, errors.E("srtProto.Open", errors.K.Invalid, err, "url", s.Url)
	}
	// message mode keeps the sender's datagram boundaries
	cfg.MessageAPI = true

	var conn srt.Conn
	if strings.Contains(s.Url, "listen") {
		conn, err = s.accept(hostPort, cfg)
	} else {
		conn, err = srt.Dial("srt", hostPort, cfg)
	}
	if err != nil {
		return nil, e(err)
	}
	log.Debug("SRT connected", "url", s.Url, "remote", conn.RemoteAddr(), "stream_id", conn.StreamId())

	if s.StripRtp {
		return &RtpDecapsulator{conn: conn}, nil
	}
	return conn, nil
}

// accept waits for exactly one publishing peer.
func (s *srtProto) accept(hostPort string, cfg srt.Config) (srt.Conn, error) {
	listener, err := srt.Listen("srt", hostPort, cfg)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	req, err := listener.Accept2()
	if err != nil {
		return nil, err
	}

	streamId := req.StreamId()
	log.Debug("new connection", "remote", req.RemoteAddr(), "srt_version", req.Version(), "stream_id", streamId)

	if req.Version() > 4 && strings.Contains(streamId, "subscribe") {
		req.Reject(srt.REJX_BAD_MODE)
		return nil, errors.E("srtProto.accept", errors.K.Invalid,
			"reason", "accepting only publish (push) connections",
			"remote", req.RemoteAddr(),
			"stream_id", streamId)
	}

	if cfg.Passphrase != "" {
		if err = req.SetPassphrase(cfg.Passphrase); err != nil {
			req.Reject(srt.REJX_UNAUTHORIZED)
			return nil, errors.E("srtProto.accept", errors.K.Permission, err, "reason", "invalid passphrase")
		}
	}

	return req.Accept()
}

// ---------------------------------------------------------------------------------------------------------------------

// RtpDecapsulator strips the RTP header from every SRT message.
type RtpDecapsulator struct {
	conn io.ReadCloser
}

func (r *RtpDecapsulator) Read(p []byte) (n int, err error) {
	n, err = r.conn.Read(p)
	if n > 0 {
		hdr, err := ParseRTPHeader(p[:n])
		if err != nil {
			return 0, err
		}
		headerLen := hdr.ByteLength()
		copy(p, p[headerLen:n])
		return n - headerLen, nil
	}
	return n, err
}

func (r *RtpDecapsulator) Close() error {
	return r.conn.Close()
}
