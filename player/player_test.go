package player

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eluv-io/klvsnap/geo"
	"github.com/eluv-io/klvsnap/keyboard"
	"github.com/eluv-io/klvsnap/metrics"
	"github.com/eluv-io/klvsnap/stream"
)

type fakeSource struct {
	frames int
	seq    uint64
	frame  *stream.Frame
	closed int
}

func (s *fakeSource) Tick() bool {
	if s.frames == 0 {
		return false
	}
	s.frames--
	s.seq++
	s.frame = stream.NewFrame(320, 240)
	s.frame.Seq = s.seq
	for i := 1; i < len(s.frame.Pix); i += 3 {
		s.frame.Pix[i] = 0xff
	}
	return true
}

func (s *fakeSource) Frame() *stream.Frame {
	return s.frame
}

func (s *fakeSource) Close() error {
	s.closed++
	return nil
}

type fixedPosition struct {
	pos geo.Position
	ok  bool
}

func (p fixedPosition) Current() (geo.Position, bool) {
	return p.pos, p.ok
}

// script returns one key per poll; '.' means no key.
func script(keys string) keyboard.Poller {
	return keyboard.PollerFunc(func() (byte, bool) {
		if len(keys) == 0 {
			return 0, false
		}
		k := keys[0]
		keys = keys[1:]
		return k, k != '.'
	})
}

func testConfig(dir string) Config {
	return Config{
		SnapshotPath: func(frame int) string {
			return filepath.Join(dir, fmt.Sprintf("snapshot_%d.jpg", frame))
		},
		PollInterval: time.Millisecond,
	}
}

func TestRunSnapshotAndQuit(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{frames: 3}
	m := metrics.New()
	var out bytes.Buffer

	p := New(testConfig(dir), src, nil, script("..sxq"), &out, m)
	require.NoError(t, p.Run(context.Background()))

	require.Equal(t, 3, p.Frames())
	require.Equal(t, 1, src.closed)
	require.NoError(t, p.Close())
	require.Equal(t, 1, src.closed)

	s := out.String()
	require.Contains(t, s, "Press S to capture a snapshot or Q to quit\n")
	require.Contains(t, s, "Captured     1 frames\r")
	require.Contains(t, s, "Captured     3 frames\r")
	require.Contains(t, s, "Exiting...\n")

	_, err := os.Stat(filepath.Join(dir, "snapshot_3.jpg"))
	require.NoError(t, err)
	require.EqualValues(t, 3, m.FramesCaptured.Load())
	require.EqualValues(t, 1, m.SnapshotsWritten.Load())
	require.Zero(t, m.SnapshotsXMP.Load())
}

func TestRunUpperCaseKeys(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{frames: 1}
	p := New(testConfig(dir), src, nil, script("SQs"), &bytes.Buffer{}, nil)
	require.NoError(t, p.Run(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "snapshot_1.jpg", entries[0].Name())
}

func TestRunCancel(t *testing.T) {
	src := &fakeSource{frames: 2}
	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	p := New(testConfig(t.TempDir()), src, nil, script(""), &out, nil)

	done := make(chan error)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("player did not stop")
	}
	require.Equal(t, 1, src.closed)
	require.Contains(t, out.String(), "Exiting...")
}

func TestSnapshotWithPosition(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{frames: 1}
	pos := fixedPosition{ok: true, pos: geo.Position{
		Lat: 0.5, Lon: -1, Alt: 100, TimeUs: 1_700_000_000_000_000,
	}}
	m := metrics.New()
	cfg := testConfig(dir)
	cfg.Snapshot.LeapSeconds = geo.LeapSeconds
	p := New(cfg, src, pos, script(".sq"), &bytes.Buffer{}, m)

	// nothing to capture before the first frame
	require.Nil(t, p.Snapshot())

	require.NoError(t, p.Run(context.Background()))
	require.EqualValues(t, 1, m.SnapshotsWritten.Load())
	require.EqualValues(t, 1, m.SnapshotsXMP.Load())

	jpg, err := os.ReadFile(filepath.Join(dir, "snapshot_1.jpg"))
	require.NoError(t, err)
	require.Contains(t, string(jpg), "<exif:GPSAltitude>100.0</exif:GPSAltitude>")
	require.Contains(t, string(jpg), "<exif:GPSTimeStamp>2023:11:14 22:13:20</exif:GPSTimeStamp>")
}

func TestSnapshotFailureKeepsRunning(t *testing.T) {
	src := &fakeSource{frames: 2}
	m := metrics.New()
	cfg := testConfig(filepath.Join(t.TempDir(), "missing"))
	p := New(cfg, src, nil, script("s.sq"), &bytes.Buffer{}, m)

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, 2, p.Frames())
	require.EqualValues(t, 2, m.SnapshotsFailed.Load())
	require.Zero(t, m.SnapshotsWritten.Load())
	require.Equal(t, 1, src.closed)
}

func TestDefaultSnapshotPath(t *testing.T) {
	p := New(Config{}, &fakeSource{}, nil, script(""), &bytes.Buffer{}, nil)
	require.Equal(t, "snapshot_12.jpg", p.cfg.SnapshotPath(12))
	require.Equal(t, 5*time.Millisecond, p.cfg.PollInterval)
}
