// Package snapshot writes decoded frames as baseline JPEG files, optionally
// tagged with the camera position and GPS time in an XMP APP1 segment.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"

	"github.com/eluv-io/klvsnap/geo"
)

var log = elog.Get("/eluvio/klvsnap/snapshot")

const (
	// DefaultQuality is the quality the command line uses when none is
	// configured.
	DefaultQuality = 90

	markerSOI  = 0xd8
	markerAPP1 = 0xe1
	// maxSegmentPayload is the largest payload a JPEG marker segment can
	// carry: its 16-bit length includes the two length bytes.
	maxSegmentPayload = 0xffff - 2
)

type Options struct {
	// Quality is clamped to 1..100.
	Quality int
	// LeapSeconds is the GPS-UTC offset used to reconstruct the XMP time.
	LeapSeconds int
	// MaxWidth, if positive, downscales wider frames preserving the aspect
	// ratio.
	MaxWidth int
}

func (o Options) quality() int {
	switch {
	case o.Quality < 1:
		return 1
	case o.Quality > 100:
		return 100
	}
	return o.Quality
}

// Result describes a written snapshot.
type Result struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	XMP    bool   `json:"xmp"`
	Size   int    `json:"size"`
}

// Encode compresses the packed RGB picture rgb (3 bytes per pixel, rows top
// to bottom without padding) to w. When pos is not nil and its GPS time is
// plausible the stream carries an XMP APP1 segment right after SOI. It
// reports whether the segment was written.
func Encode(w io.Writer, rgb []byte, width, height int, pos *geo.Position, opts Options) (withXMP bool, err error) {
	e := errors.Template("snapshot.Encode", errors.K.Invalid, "width", width, "height", height)

	if width <= 0 || height <= 0 {
		return false, e("reason", "empty picture")
	}
	if len(rgb) != width*height*3 {
		return false, e("reason", "buffer size mismatch", "size", len(rgb))
	}

	img := toRGBA(rgb, width, height)
	if opts.MaxWidth > 0 && width > opts.MaxWidth {
		img = downscale(img, opts.MaxWidth)
	}

	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.quality()}); err != nil {
		return false, errors.E("snapshot.Encode", errors.K.IO, err)
	}
	out := buf.Bytes()

	var xmp []byte
	if pos != nil {
		xmp, withXMP = BuildXMP(*pos, opts.LeapSeconds)
	}
	if withXMP {
		out, err = insertAPP1(out, xmp)
		if err != nil {
			return false, e(err)
		}
	}
	if _, err = w.Write(out); err != nil {
		return false, errors.E("snapshot.Encode", errors.K.IO, err)
	}
	return withXMP, nil
}

// WriteFile encodes the picture to path. The file is written under a
// temporary name and renamed into place, so a failed snapshot leaves no
// partial file. An empty picture writes nothing and returns a nil Result.
func WriteFile(path string, rgb []byte, width, height int, pos *geo.Position, opts Options) (*Result, error) {
	e := errors.Template("snapshot.WriteFile", errors.K.IO, "path", path)

	if width*height == 0 {
		log.Debug("empty picture, no snapshot written", "path", path)
		return nil, nil
	}

	tmp, err := createTemp(path)
	if err != nil {
		return nil, e(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	cw := &countingWriter{w: tmp}
	withXMP, err := Encode(cw, rgb, width, height, pos, opts)
	if err != nil {
		return nil, e(err)
	}
	if err = tmp.Close(); err != nil {
		return nil, e(err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return nil, e(err)
	}
	committed = true

	res := &Result{Path: path, Width: width, Height: height, XMP: withXMP, Size: cw.n}
	if opts.MaxWidth > 0 && width > opts.MaxWidth {
		res.Width, res.Height = scaledSize(width, height, opts.MaxWidth)
	}
	log.Info("snapshot written", "path", path, "width", res.Width, "height", res.Height, "xmp", withXMP, "size", cw.n)
	return res, nil
}

// createTemp creates a hidden file next to path. Unlike os.CreateTemp it
// requests mode 0666, so the renamed snapshot ends up with the umask applied
// like any other file the user creates.
func createTemp(path string) (*os.File, error) {
	dir, base := filepath.Dir(path), filepath.Base(path)
	for i := 0; ; i++ {
		name := filepath.Join(dir, "."+base+"."+strconv.FormatUint(rand.Uint64(), 36)+".tmp")
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if os.IsExist(err) && i < 100 {
			continue
		}
		return f, err
	}
}

func toRGBA(rgb []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := rgb[y*width*3 : (y+1)*width*3]
		dst := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	return img
}

func scaledSize(width, height, maxWidth int) (int, int) {
	h := height * maxWidth / width
	if h < 1 {
		h = 1
	}
	return maxWidth, h
}

func downscale(src *image.RGBA, maxWidth int) *image.RGBA {
	b := src.Bounds()
	w, h := scaledSize(b.Dx(), b.Dy(), maxWidth)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// insertAPP1 splices an APP1 segment carrying payload right after the SOI
// marker of a JPEG stream.
func insertAPP1(jpg []byte, payload []byte) ([]byte, error) {
	if len(jpg) < 2 || jpg[0] != 0xff || jpg[1] != markerSOI {
		return nil, errors.E("insertAPP1", errors.K.Invalid, "reason", "missing SOI marker")
	}
	if len(payload) > maxSegmentPayload {
		return nil, errors.E("insertAPP1", errors.K.Invalid, "reason", "APP1 payload too large", "size", len(payload))
	}
	out := make([]byte, 0, len(jpg)+4+len(payload))
	out = append(out, jpg[:2]...)
	out = append(out, 0xff, markerAPP1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)+2))
	out = append(out, payload...)
	return append(out, jpg[2:]...), nil
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
