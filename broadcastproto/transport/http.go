package transport

import (
	"io"
	"net/http"

	"github.com/eluv-io/errors-go"
)

var _ Transport = (*httpProto)(nil)

// httpProto reads a progressive transport stream over HTTP.
type httpProto struct {
	Url    string
	client *http.Client
}

func NewHTTPTransport(url string) Transport {
	return &httpProto{Url: url, client: &http.Client{}}
}

func (h *httpProto) URL() string {
	return h.Url
}

func (h *httpProto) Handler() string {
	return "http"
}

// Live is false: a progressive download is read as fast as the server sends
// it, so frames are not dropped unless requested.
func (h *httpProto) Live() bool {
	return false
}

func (h *httpProto) Open() (io.ReadCloser, error) {
	e := errors.Template("httpProto.Open", errors.K.Unavailable, "url", h.Url)

	resp, err := h.client.Get(h.Url)
	if err != nil {
		return nil, e(err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, e("reason", "HTTP GET failed", "status", resp.StatusCode)
	}
	log.Debug("opened HTTP source", "url", h.Url, "content_type", resp.Header.Get("Content-Type"))
	return resp.Body, nil
}
