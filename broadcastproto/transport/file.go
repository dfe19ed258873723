package transport

import (
	"io"
	"os"
	"strings"

	"github.com/eluv-io/errors-go"
)

var _ Transport = (*fileProto)(nil)

// fileProto reads a transport stream from the local filesystem.
type fileProto struct {
	Url string
}

func NewFileTransport(url string) Transport {
	return &fileProto{Url: url}
}

func (f *fileProto) URL() string {
	return f.Url
}

func (f *fileProto) Handler() string {
	return "file"
}

func (f *fileProto) Live() bool {
	return false
}

func (f *fileProto) Path() string {
	return strings.TrimPrefix(f.Url, "file://")
}

func (f *fileProto) Open() (io.ReadCloser, error) {
	e := errors.Template("fileProto.Open", errors.K.IO, "path", f.Path())

	file, err := os.Open(f.Path())
	if os.IsNotExist(err) {
		return nil, errors.E("fileProto.Open", errors.K.NotExist, err, "path", f.Path())
	} else if err != nil {
		return nil, e(err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, e(err)
	}
	if fi.IsDir() {
		_ = file.Close()
		return nil, errors.E("fileProto.Open", errors.K.Invalid, "reason", "source is a directory", "path", f.Path())
	}
	return file, nil
}
