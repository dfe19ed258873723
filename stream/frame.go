package stream

import (
	"bufio"
	"io"
	"strconv"

	"github.com/eluv-io/errors-go"
)

// Frame is a decoded RGB picture: 3 bytes per pixel, row-major, top-left
// origin, no row padding.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	Seq    uint64 // 1-based decode order
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) *Frame {
	return &Frame{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// Valid reports whether Pix holds exactly Width x Height pixels.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*3
}

// Row returns the pixels of row y.
func (f *Frame) Row(y int) []byte {
	stride := f.Width * 3
	return f.Pix[y*stride : (y+1)*stride]
}

// maxDimension bounds PPM headers so a corrupt header cannot allocate
// unbounded memory.
const maxDimension = 16384

// ReadPPM reads one binary PPM (P6, maxval 255) image, as produced by
// ffmpeg's image2pipe muxer.
func ReadPPM(br *bufio.Reader) (*Frame, error) {
	e := errors.Template("ReadPPM", errors.K.Invalid)

	magic, err := ppmToken(br)
	if err != nil {
		return nil, err
	}
	if magic != "P6" {
		return nil, e("reason", "not a binary PPM", "magic", magic)
	}
	var vals [3]int
	for i := range vals {
		tok, err := ppmToken(br)
		if err != nil {
			return nil, e(err)
		}
		if vals[i], err = strconv.Atoi(tok); err != nil {
			return nil, e(err, "token", tok)
		}
	}
	width, height, maxval := vals[0], vals[1], vals[2]
	if width <= 0 || height <= 0 || width > maxDimension || height > maxDimension {
		return nil, e("reason", "bad dimensions", "width", width, "height", height)
	}
	if maxval != 255 {
		return nil, e("reason", "unsupported maxval", "maxval", maxval)
	}

	f := NewFrame(width, height)
	if _, err = io.ReadFull(br, f.Pix); err != nil {
		return nil, errors.E("ReadPPM", errors.K.IO, err, "width", width, "height", height)
	}
	return f, nil
}

// ppmToken returns the next header token and consumes the single whitespace
// byte that ends it. '#' comments are skipped.
func ppmToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(tok) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err = br.ReadBytes('\n'); err != nil {
				return "", err
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, c)
			if len(tok) > 16 {
				return "", errors.E("ReadPPM", errors.K.Invalid, "reason", "header token too long")
			}
		}
	}
}
