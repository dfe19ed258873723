package transport

import (
	"io"
	"net"
	"strings"

	"golang.org/x/net/ipv4"

	"github.com/eluv-io/errors-go"
)

const UDP_READ_BUFFER_SIZE = 16 * 1024 * 1024

var _ Transport = (*udpProto)(nil)

// udpProto implements the Transport interface for UDP connections.
type udpProto struct {
	Url  string
	opts Options
}

func NewUDPTransport(url string, opts Options) Transport {
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = UDP_READ_BUFFER_SIZE
	}
	return &udpProto{Url: url, opts: opts}
}

func (u *udpProto) URL() string {
	return u.Url
}

func (u *udpProto) Handler() string {
	return "udp"
}

func (u *udpProto) Live() bool {
	return true
}

func (u *udpProto) Open() (io.ReadCloser, error) {
	return u.listen()
}

func (u *udpProto) listen() (*net.UDPConn, error) {
	e := errors.Template("udpProto.Open", errors.K.IO, "url", u.Url)

	addr, err := net.ResolveUDPAddr("udp", stripLeadingProto(u.Url))
	if err != nil {
		return nil, errors.E("udpProto.Open", errors.K.Invalid, err, "url", u.Url)
	}

	var conn *net.UDPConn
	if addr.IP.IsMulticast() {
		conn, err = u.joinGroup(addr)
		if err != nil {
			return nil, e(err)
		}
		log.Debug("Listening on UDP multicast address", "addr", addr, "interface", u.opts.Interface)
	} else {
		conn, err = net.ListenUDP("udp", addr)
		if err != nil {
			return nil, e(err)
		}
		log.Debug("Listening on UDP address", "addr", addr)
	}

	if err = conn.SetReadBuffer(u.opts.ReadBuffer); err != nil {
		log.Warn("failed to set UDP read buffer", "err", err, "size", u.opts.ReadBuffer)
	}
	return conn, nil
}

// joinGroup binds the group port on all addresses and joins the group on the
// configured interface, or the system default one.
func (u *udpProto) joinGroup(addr *net.UDPAddr) (*net.UDPConn, error) {
	var ifi *net.Interface
	if u.opts.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(u.opts.Interface); err != nil {
			return nil, err
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err = pc.JoinGroup(ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = pc.SetMulticastLoopback(true); err != nil {
		log.Debug("failed to enable multicast loopback", "err", err)
	}
	return conn, nil
}

func stripLeadingProto(url string) string {
	s := url
	for _, prefix := range []string{"udp://", "rtp://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return s
}
