package transport

import (
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
)

var log = elog.Get("/eluvio/klvsnap/transport")

// Transport defines the interface for transport protocols that carry MPEGTS data.
type Transport interface {
	Open() (io.ReadCloser, error)
	URL() string
	Handler() string
	// Live reports whether the source is paced by a remote sender rather than
	// read as fast as possible. It is final once Open succeeded.
	Live() bool
}

// TsPackagingMode is how TS packets are framed inside datagrams.
type TsPackagingMode string

const (
	RawTs TsPackagingMode = "raw_ts" // plain 188 byte packets
	RtpTs TsPackagingMode = "rtp_ts" // TS packets behind an RTP header
)

// Options tune the network transports. The zero value is usable.
type Options struct {
	// Interface is the network interface used to join multicast groups.
	Interface string
	// ReadBuffer is the socket receive buffer size for udp and rtp.
	ReadBuffer int
}

// New picks a transport for a source: a filesystem path or a
// file, http(s), udp, rtp or srt URL. http URLs whose path ends in .m3u8 are
// read as HLS playlists.
func New(source string, opts Options) (Transport, error) {
	e := errors.Template("transport.New", errors.K.Invalid, "source", source)
	if source == "" {
		return nil, e("reason", "empty source")
	}

	scheme := ""
	if i := strings.Index(source, "://"); i > 0 {
		scheme = strings.ToLower(source[:i])
	}

	switch scheme {
	case "", "file":
		return NewFileTransport(source), nil
	case "http", "https":
		u, err := url.Parse(source)
		if err != nil {
			return nil, e(err)
		}
		if strings.EqualFold(path.Ext(u.Path), ".m3u8") {
			return NewHLSTransport(u), nil
		}
		return NewHTTPTransport(source), nil
	case "udp":
		return NewUDPTransport(source, opts), nil
	case "rtp":
		return NewRTPTransport(source, true, opts), nil
	case "srt":
		return NewSRTTransport(source, RawTs, RawTs), nil
	}
	return nil, e("reason", "unsupported scheme", "scheme", scheme)
}
