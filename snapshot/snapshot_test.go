package snapshot

import (
	"bytes"
	"encoding/binary"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/klvsnap/geo"
)

func solid(width, height int, r, g, b byte) []byte {
	return bytes.Repeat([]byte{r, g, b}, width*height)
}

func gradient(width, height int) []byte {
	rgb := make([]byte, 0, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			rgb = append(rgb, byte(x*255/width), byte(y*255/height), 0x80)
		}
	}
	return rgb
}

// app1Segments returns the payloads of the APP1 segments that precede the
// first scan.
func app1Segments(t *testing.T, jpg []byte) [][]byte {
	require.True(t, len(jpg) > 4 && jpg[0] == 0xff && jpg[1] == 0xd8, "missing SOI")
	var segs [][]byte
	for off := 2; off+4 <= len(jpg); {
		require.Equal(t, byte(0xff), jpg[off], "bad marker at %d", off)
		marker := jpg[off+1]
		if marker == 0xda {
			break
		}
		n := int(binary.BigEndian.Uint16(jpg[off+2:]))
		if marker == 0xe1 {
			segs = append(segs, jpg[off+4:off+2+n])
		}
		off += 2 + n
	}
	return segs
}

func xmpSegment(t *testing.T, jpg []byte) []byte {
	prefix := append([]byte(XMPNamespace), 0)
	for _, seg := range app1Segments(t, jpg) {
		if bytes.HasPrefix(seg, prefix) {
			return seg[len(prefix):]
		}
	}
	return nil
}

func rms(t *testing.T, jpg []byte, rgb []byte, width, height int) float64 {
	img, err := jpeg.Decode(bytes.NewReader(jpg))
	require.NoError(t, err)
	require.Equal(t, width, img.Bounds().Dx())
	require.Equal(t, height, img.Bounds().Dy())

	var sum float64
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			i := (y*width + x) * 3
			for c, v := range []uint32{r >> 8, g >> 8, b >> 8} {
				d := float64(v) - float64(rgb[i+c])
				sum += d * d
			}
		}
	}
	return math.Sqrt(sum / float64(width*height*3))
}

func TestEncodeDimensionsAndError(t *testing.T) {
	tests := []struct {
		name    string
		width   int
		height  int
		rgb     []byte
		quality int
		maxRMS  float64
	}{
		{"solidGreen", 320, 240, solid(320, 240, 0, 255, 0), 90, 6},
		{"gradientQ90", 64, 48, gradient(64, 48), 90, 6},
		{"gradientQ50", 64, 48, gradient(64, 48), 50, 10},
		{"oddSize", 17, 9, gradient(17, 9), 95, 8},
		{"onePixel", 1, 1, solid(1, 1, 200, 100, 50), 100, 6},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			withXMP, err := Encode(&buf, tc.rgb, tc.width, tc.height, nil, Options{Quality: tc.quality})
			require.NoError(t, err)
			require.False(t, withXMP)
			require.Less(t, rms(t, buf.Bytes(), tc.rgb, tc.width, tc.height), tc.maxRMS)
		})
	}
}

func TestEncodeInvalid(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, nil, 0, 10, nil, Options{})
	require.True(t, errors.IsKind(errors.K.Invalid, err))
	_, err = Encode(&buf, make([]byte, 10), 2, 2, nil, Options{})
	require.True(t, errors.IsKind(errors.K.Invalid, err))
	require.Zero(t, buf.Len())
}

func TestQualityClamp(t *testing.T) {
	require.Equal(t, 1, Options{}.quality())
	require.Equal(t, 1, Options{Quality: -5}.quality())
	require.Equal(t, 100, Options{Quality: 400}.quality())
	require.Equal(t, 42, Options{Quality: 42}.quality())

	// clamped values still encode
	rgb := gradient(16, 16)
	for _, q := range []int{-1, 0, 1, 100, 101} {
		var buf bytes.Buffer
		_, err := Encode(&buf, rgb, 16, 16, nil, Options{Quality: q})
		require.NoError(t, err)
	}
}

func TestSnapshotWithoutPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot_1.jpg")
	res, err := WriteFile(path, solid(320, 240, 0, 255, 0), 320, 240, nil, Options{Quality: 90})
	require.NoError(t, err)
	require.False(t, res.XMP)

	// same mode as a file created the usual way
	plain, err := os.Create(filepath.Join(dir, "plain.jpg"))
	require.NoError(t, err)
	require.NoError(t, plain.Close())
	want, err := os.Stat(plain.Name())
	require.NoError(t, err)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, want.Mode().Perm(), fi.Mode().Perm())

	jpg, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, res.Size, len(jpg))
	require.Nil(t, xmpSegment(t, jpg))
	require.Empty(t, app1Segments(t, jpg))
}

func TestSnapshotWithPosition(t *testing.T) {
	pos := &geo.Position{
		Lat:    math.Pi / 6,
		Lon:    -math.Pi / 3,
		Alt:    1234.5,
		TimeUs: 1_700_000_000_000_000,
	}
	path := filepath.Join(t.TempDir(), "snapshot_2.jpg")
	res, err := WriteFile(path, solid(320, 240, 0, 255, 0), 320, 240, pos, Options{Quality: 90, LeapSeconds: geo.LeapSeconds})
	require.NoError(t, err)
	require.True(t, res.XMP)

	jpg, err := os.ReadFile(path)
	require.NoError(t, err)
	// APP1 comes first, right after SOI
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe1}, jpg[:4])

	xmp := string(xmpSegment(t, jpg))
	require.Contains(t, xmp, "<exif:GPSLatitude>30,0.000000N</exif:GPSLatitude>")
	require.Contains(t, xmp, "<exif:GPSLongitude>60,0.000000W</exif:GPSLongitude>")
	require.Contains(t, xmp, "<exif:GPSAltitude>1234.5</exif:GPSAltitude>")
	require.Contains(t, xmp, "<exif:GPSTimeStamp>2023:11:14 22:13:20</exif:GPSTimeStamp>")
	require.True(t, len(xmp) > 3 && xmp[:len("<?xpacket begin='")] == "<?xpacket begin='")
	require.Contains(t, xmp, "\xef\xbb\xbf")

	// still a valid picture
	img, err := jpeg.Decode(bytes.NewReader(jpg))
	require.NoError(t, err)
	require.Equal(t, 320, img.Bounds().Dx())
}

func TestSnapshotLiteralRadians(t *testing.T) {
	pos := &geo.Position{
		Lat:    0.5235988,
		Lon:    -1.0471976,
		Alt:    1234.5,
		TimeUs: 1_700_000_000_000_000,
	}
	path := filepath.Join(t.TempDir(), "snapshot_3.jpg")
	res, err := WriteFile(path, solid(32, 24, 0, 255, 0), 32, 24, pos, Options{Quality: 90, LeapSeconds: geo.LeapSeconds})
	require.NoError(t, err)
	require.True(t, res.XMP)

	jpg, err := os.ReadFile(path)
	require.NoError(t, err)
	xmp := string(xmpSegment(t, jpg))
	require.Contains(t, xmp, "<exif:GPSLatitude>30,0.000084N</exif:GPSLatitude>")
	require.Contains(t, xmp, "<exif:GPSLongitude>60,0.000168W</exif:GPSLongitude>")
	require.Contains(t, xmp, "<exif:GPSAltitude>1234.5</exif:GPSAltitude>")
}

func TestSnapshotZeroTime(t *testing.T) {
	pos := &geo.Position{Lat: 0.1, Lon: 0.2, Alt: 10}
	path := filepath.Join(t.TempDir(), "snapshot.jpg")
	res, err := WriteFile(path, solid(8, 8, 1, 2, 3), 8, 8, pos, Options{LeapSeconds: geo.LeapSeconds})
	require.NoError(t, err)
	require.False(t, res.XMP)

	jpg, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Nil(t, xmpSegment(t, jpg))
}

func TestBuildXMP(t *testing.T) {
	pos := geo.Position{Lat: -0.5, Lon: 2.5, Alt: -12.25, TimeUs: 1_700_000_000_000_000}
	payload, ok := BuildXMP(pos, geo.LeapSeconds)
	require.True(t, ok)
	require.True(t, bytes.HasPrefix(payload, []byte("http://ns.adobe.com/xap/1.0/\x00<?xpacket begin='\xef\xbb\xbf' id='W5M0MpCehiHzreSzNTczkc9d'?>\n")))
	require.True(t, bytes.HasSuffix(payload, []byte(" </rdf:Description>\n</rdf:RDF>\n</x:xmpmeta>\n")))
	require.Contains(t, string(payload), "<rdf:RDF xmlns:rdf='http://www.w3.org/1999/02/22-rdf-syntax-ns#'>\n\n <rdf:Description")

	re := regexp.MustCompile(`<exif:GPSLatitude>(\d+,\d+\.\d{6}[NS])</exif:GPSLatitude>`)
	m := re.FindStringSubmatch(string(payload))
	require.Len(t, m, 2)
	require.Equal(t, byte('S'), m[1][len(m[1])-1])
	require.Contains(t, string(payload), "E</exif:GPSLongitude>")
	require.Contains(t, string(payload), "<exif:GPSAltitude>-12.2</exif:GPSAltitude>")

	// 2012 itself is treated as uninitialised time
	pos.TimeUs = 1_356_998_399_000_000 // 2012-12-31 23:59:59 UTC
	_, ok = BuildXMP(pos, geo.LeapSeconds)
	require.False(t, ok)
	pos.TimeUs = 1_357_000_000_000_000 // 2013-01-01 00:26:40 UTC
	_, ok = BuildXMP(pos, geo.LeapSeconds)
	require.True(t, ok)
}

func TestWriteFileFailures(t *testing.T) {
	dir := t.TempDir()

	res, err := WriteFile(filepath.Join(dir, "empty.jpg"), nil, 0, 240, nil, Options{})
	require.NoError(t, err)
	require.Nil(t, res)

	_, err = WriteFile(filepath.Join(dir, "missing", "x.jpg"), solid(4, 4, 0, 0, 0), 4, 4, nil, Options{})
	require.True(t, errors.IsKind(errors.K.IO, err))

	// a short buffer fails encoding and leaves nothing behind
	_, err = WriteFile(filepath.Join(dir, "short.jpg"), make([]byte, 5), 4, 4, nil, Options{})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDownscale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.jpg")
	res, err := WriteFile(path, gradient(640, 480), 640, 480, nil, Options{MaxWidth: 160})
	require.NoError(t, err)
	require.Equal(t, 160, res.Width)
	require.Equal(t, 120, res.Height)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	require.Equal(t, 160, cfg.Width)
	require.Equal(t, 120, cfg.Height)
}

func TestInsertAPP1(t *testing.T) {
	_, err := insertAPP1([]byte{0x00, 0x01}, []byte("x"))
	require.Error(t, err)
	_, err = insertAPP1([]byte{0xff, 0xd8}, make([]byte, maxSegmentPayload+1))
	require.Error(t, err)

	out, err := insertAPP1([]byte{0xff, 0xd8, 0xff, 0xd9}, []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0xe1, 0x00, 0x05, 'a', 'b', 'c', 0xff, 0xd9}, out)
}
