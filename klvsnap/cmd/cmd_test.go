package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eluv-io/klvsnap/broadcastproto/mpegts/tstest"
	"github.com/eluv-io/klvsnap/keyboard"
	"github.com/eluv-io/klvsnap/klv"
	"github.com/eluv-io/klvsnap/stream"
)

// fakeVideo yields frames as long as input keeps arriving, one per Write.
type fakeVideo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  int
	ended  bool
	closed bool
}

func newFakeVideo() *fakeVideo {
	v := &fakeVideo{}
	v.cond = sync.NewCond(&v.mu)
	return v
}

func (v *fakeVideo) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ready++
	v.cond.Broadcast()
	return len(p), nil
}

func (v *fakeVideo) CloseInput() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ended = true
	v.cond.Broadcast()
	return nil
}

func (v *fakeVideo) Next() (*stream.Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for v.ready == 0 && !v.ended && !v.closed {
		v.cond.Wait()
	}
	if v.ready == 0 || v.closed {
		return nil, io.EOF
	}
	v.ready--
	return stream.NewFrame(32, 24), nil
}

func (v *fakeVideo) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.cond.Broadcast()
	return nil
}

func (v *fakeVideo) Wait() error {
	return nil
}

func useFakeVideo(t *testing.T) {
	newVideoDecoder = func() (stream.VideoDecoder, error) { return newFakeVideo(), nil }
	t.Cleanup(func() { newVideoDecoder = nil })
}

// script returns one key per poll; '.' means no key and an exhausted
// script keeps returning no key.
func script(keys string) keyboard.Poller {
	var mu sync.Mutex
	return keyboard.PollerFunc(func() (byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		if len(keys) == 0 {
			return 0, false
		}
		k := keys[0]
		keys = keys[1:]
		return k, k != '.'
	})
}

func testStream(t *testing.T) (string, []byte) {
	lat, lon, alt := 30.0, -60.0, 1234.5
	s := &tstest.Stream{}
	s.PSI(tstest.H264, tstest.AsyncKLV)
	s.PCR(27_000_000)
	s.Video(tstest.SPSQVGA, []byte{0x65, 0x88, 0x84})
	s.KLV(90000, klv.Encode(&klv.LocalSet{
		Timestamp:             1_700_000_000_000_000,
		SensorLatitude:        &lat,
		SensorLongitude:       &lon,
		SensorEllipsoidHeight: &alt,
	}))
	s.Video([]byte{0x41, 0x9a, 0x02})
	b := s.Bytes()
	path := filepath.Join(t.TempDir(), "in.ts")
	require.NoError(t, os.WriteFile(path, b, 0644))
	return path, b
}

func logFlag(t *testing.T) string {
	return "--log-file=" + filepath.Join(t.TempDir(), "klvsnap.log")
}

func TestUsage(t *testing.T) {
	for _, args := range [][]string{{}, {"a.ts", "rec.ts", "extra"}} {
		var out bytes.Buffer
		code := Execute(args, script(""), &out)
		require.Equal(t, 1, code)
		require.Contains(t, out.String(), "USAGE:")
	}
}

func TestOpenFailure(t *testing.T) {
	var out bytes.Buffer
	code := Execute([]string{logFlag(t), "/no/such/file.mts"}, script(""), &out)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "Failed to open video file /no/such/file.mts")
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("decoder:\n  drop_late: maybe\n"), 0644))
	in, _ := testStream(t)

	var out bytes.Buffer
	code := Execute([]string{"--config", path, in}, script(""), &out)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "drop_late")
}

func TestPlayRecordAndQuit(t *testing.T) {
	useFakeVideo(t)
	in, raw := testStream(t)
	dir := t.TempDir()
	rec := filepath.Join(dir, "rec.ts")

	var out bytes.Buffer
	// wait a few iterations so the whole file is read, snapshot, quit
	keys := script(strings.Repeat(".", 50) + "sQ")
	code := Execute([]string{logFlag(t), "--snapshot-dir", dir, in, rec}, keys, &out)
	require.Equal(t, 0, code)

	s := out.String()
	require.Contains(t, s, "Press S to capture a snapshot or Q to quit")
	require.Contains(t, s, "Captured ")
	require.Contains(t, s, "Exiting...")

	recorded, err := os.ReadFile(rec)
	require.NoError(t, err)
	require.Equal(t, raw, recorded)

	matches, err := filepath.Glob(filepath.Join(dir, "snapshot_*.jpg"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	jpg, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	// ST 0601 quantisation moves 30N a hair south and 1234.5 m to 1234.39 m
	require.Contains(t, string(jpg), "<exif:GPSLatitude>29,59.999999N</exif:GPSLatitude>")
	require.Contains(t, string(jpg), "W</exif:GPSLongitude>")
	require.Contains(t, string(jpg), "<exif:GPSAltitude>1234.4</exif:GPSAltitude>")
	require.Contains(t, string(jpg), "<exif:GPSTimeStamp>2023:11:14 22:13:20</exif:GPSTimeStamp>")
}

func TestKlvDump(t *testing.T) {
	in, _ := testStream(t)
	var out bytes.Buffer
	code := Execute([]string{"klv", logFlag(t), in}, script(""), &out)
	require.Equal(t, 0, code, out.String())

	sc := bufio.NewScanner(&out)
	var lines []klvRecord
	for sc.Scan() {
		var rec klvRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 1)
	require.EqualValues(t, 90000, lines[0].Pts)
	require.EqualValues(t, 1_700_000_000_000_000, lines[0].LocalSet.Timestamp)
	require.InDelta(t, 30, *lines[0].Lat, 1e-6)
	require.InDelta(t, -60, *lines[0].Lon, 1e-6)
	require.InDelta(t, 1234.5, *lines[0].Alt, 0.2)
}

func TestProbe(t *testing.T) {
	in, _ := testStream(t)
	var out bytes.Buffer
	code := Execute([]string{"probe", logFlag(t), in}, script(""), &out)
	require.Equal(t, 0, code, out.String())

	s := out.String()
	require.Contains(t, s, "kind: video")
	require.Contains(t, s, "kind: klv")
	require.Contains(t, s, "Video: 320x240")
	require.Contains(t, s, "KLV PES: 1")
}

func TestSubcommandErrors(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 1, Execute([]string{"probe", logFlag(t)}, script(""), &out))
	out.Reset()
	require.Equal(t, 1, Execute([]string{"klv", logFlag(t), "/no/such/file.ts"}, script(""), &out))
}
