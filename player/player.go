// Package player runs the interactive capture loop: it ticks the stream
// decoder, polls the keyboard and writes geotagged snapshots on request.
package player

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	elog "github.com/eluv-io/log-go"

	"github.com/eluv-io/klvsnap/geo"
	"github.com/eluv-io/klvsnap/keyboard"
	"github.com/eluv-io/klvsnap/metrics"
	"github.com/eluv-io/klvsnap/snapshot"
	"github.com/eluv-io/klvsnap/stream"
)

var log = elog.Get("/eluvio/klvsnap/player")

// Source produces decoded frames. *stream.Decoder implements it.
type Source interface {
	Tick() bool
	Frame() *stream.Frame
	Close() error
}

// Positioner reports the latest camera position. *klv.Parser implements it.
type Positioner interface {
	Current() (geo.Position, bool)
}

type Config struct {
	Snapshot snapshot.Options
	// SnapshotPath names the snapshot taken at the given frame count.
	SnapshotPath func(frame int) string
	// PollInterval is the pause between loop iterations.
	PollInterval time.Duration
}

type Player struct {
	cfg     Config
	src     Source
	pos     Positioner
	keys    keyboard.Poller
	out     io.Writer
	metrics *metrics.Metrics

	frames  int
	current *stream.Frame

	closeOnce sync.Once
	closeErr  error
}

// New creates a player. pos and m may be nil.
func New(cfg Config, src Source, pos Positioner, keys keyboard.Poller, out io.Writer, m *metrics.Metrics) *Player {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.SnapshotPath == nil {
		cfg.SnapshotPath = func(frame int) string { return fmt.Sprintf("snapshot_%d.jpg", frame) }
	}
	if m == nil {
		m = metrics.New()
	}
	return &Player{cfg: cfg, src: src, pos: pos, keys: keys, out: out, metrics: m}
}

// Frames is the number of frames received so far.
func (p *Player) Frames() int {
	return p.frames
}

// Run loops until a quit key is pressed or ctx is done, then tears down the
// source. Both endings are a clean exit.
func (p *Player) Run(ctx context.Context) error {
	defer func() { _ = p.Close() }()

	_, _ = fmt.Fprintln(p.out, "Press S to capture a snapshot or Q to quit")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if p.src.Tick() {
			p.frames++
			p.current = p.src.Frame()
			p.metrics.FramesCaptured.Inc()
			_, _ = fmt.Fprintf(p.out, "Captured %5d frames\r", p.frames)
		}

		if key, ok := p.keys.Poll(); ok {
			switch key {
			case 's', 'S':
				p.Snapshot()
			case 'q', 'Q':
				_, _ = fmt.Fprintln(p.out, "Exiting...")
				log.Info("quit requested", "frames", p.frames)
				return p.Close()
			}
		}

		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintln(p.out, "Exiting...")
			log.Info("interrupted", "frames", p.frames, "cause", context.Cause(ctx))
			return p.Close()
		case <-ticker.C:
		}
	}
}

// Snapshot writes the current frame, tagged with the latest position. It
// returns nil when no frame was received yet or the write failed; failures
// are logged and the loop carries on.
func (p *Player) Snapshot() *snapshot.Result {
	f := p.current
	if !f.Valid() {
		log.Warn("no frame to capture yet")
		return nil
	}

	var pos *geo.Position
	if p.pos != nil {
		if cur, ok := p.pos.Current(); ok {
			pos = &cur
		}
	}

	path := p.cfg.SnapshotPath(p.frames)
	res, err := snapshot.WriteFile(path, f.Pix, f.Width, f.Height, pos, p.cfg.Snapshot)
	if err != nil {
		p.metrics.SnapshotsFailed.Inc()
		log.Error("snapshot failed", "path", path, "err", err)
		return nil
	}
	if res == nil {
		return nil
	}
	p.metrics.SnapshotsWritten.Inc()
	if res.XMP {
		p.metrics.SnapshotsXMP.Inc()
	}
	return res
}

// Close releases the source. Further calls return the first result.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.src.Close()
		log.Debug("player closed", "frames", p.frames, "err", p.closeErr)
	})
	return p.closeErr
}
