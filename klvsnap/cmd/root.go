// Package cmd implements the klvsnap command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eluv-io/errors-go"
	"github.com/eluv-io/log-go"

	"github.com/eluv-io/klvsnap/broadcastproto/transport"
	"github.com/eluv-io/klvsnap/config"
	"github.com/eluv-io/klvsnap/keyboard"
	"github.com/eluv-io/klvsnap/klv"
	"github.com/eluv-io/klvsnap/metrics"
	"github.com/eluv-io/klvsnap/player"
	"github.com/eluv-io/klvsnap/snapshot"
	"github.com/eluv-io/klvsnap/stream"
)

const usage = "USAGE: klvsnap <video_source> [<record_path>]"

// newVideoDecoder overrides the ffmpeg decoder in tests.
var newVideoDecoder func() (stream.VideoDecoder, error)

// exitError carries a message for the operator and the process exit code.
type exitError struct {
	msg  string
	code int
}

func (e *exitError) Error() string {
	return e.msg
}

// Execute runs the command line and returns the process exit code. Key
// presses are read from keys and operator messages go to out.
func Execute(args []string, keys keyboard.Poller, out io.Writer) int {
	root := newRoot(keys, out)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exitError); ok {
		if ee.msg != "" {
			_, _ = fmt.Fprintln(out, ee.msg)
		}
		return ee.code
	}
	_, _ = fmt.Fprintln(out, err)
	return 1
}

func newRoot(keys keyboard.Poller, out io.Writer) *cobra.Command {
	cmdRoot := &cobra.Command{
		Use:   "klvsnap <video_source> [<record_path>]",
		Short: "Geotagged snapshots from KLV video streams",
		Long: "Play an MPEG transport stream carrying MISB ST 0601 metadata, optionally record it, " +
			"and capture JPEG snapshots tagged with the camera position on key press.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPlay(cmd, args, keys, out)
		},
	}
	cmdRoot.SetOut(out)
	cmdRoot.SetErr(out)

	flags := cmdRoot.PersistentFlags()
	flags.String("config", "", "(optional) YAML configuration file")
	flags.String("log-level", "", "log level: trace, debug, info, warn or error")
	flags.String("log-file", "", "log file")
	flags.String("ffmpeg", "", "ffmpeg binary used for video decoding")
	flags.String("interface", "", "network interface for multicast sources")

	play := cmdRoot.Flags()
	play.Int("quality", 0, "JPEG quality, 1..100")
	play.String("snapshot-dir", "", "directory receiving snapshots")
	play.Int("max-width", 0, "downscale snapshots wider than this")
	play.Int("leap-seconds", 0, "GPS-UTC leap seconds")
	play.Uint64("segment-sec", 0, "split the recording into segments of this duration")
	play.String("drop-late", "", "auto, true or false: keep only the newest decoded frame")
	play.String("metrics-addr", "", "serve Prometheus metrics on this address")

	addKlv(cmdRoot, out)
	addProbe(cmdRoot, out)
	return cmdRoot
}

// loadConfig reads --config and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	str("log-level", &cfg.Log.Level)
	str("log-file", &cfg.Log.File)
	str("ffmpeg", &cfg.Decoder.FFmpeg)
	str("interface", &cfg.UDP.Interface)
	str("snapshot-dir", &cfg.Snapshot.Dir)
	str("drop-late", &cfg.Decoder.DropLate)
	str("metrics-addr", &cfg.Metrics.Addr)
	num("quality", &cfg.Snapshot.Quality)
	num("max-width", &cfg.Snapshot.MaxWidth)
	num("leap-seconds", &cfg.GPS.LeapSeconds)
	if flags.Changed("segment-sec") {
		cfg.Record.SegmentSec, _ = flags.GetUint64("segment-sec")
	}

	if err = cfg.Validate(); err != nil {
		return cfg, err
	}

	log.SetDefault(&log.Config{
		Level:   cfg.Log.Level,
		Handler: "text",
		File: &log.LumberjackConfig{
			Filename:  cfg.Log.File,
			LocalTime: true,
		},
	})
	return cfg, nil
}

func streamConfig(cfg config.Config, source, recordPath string) stream.Config {
	return stream.Config{
		Source:     source,
		RecordPath: recordPath,
		SegmentSec: cfg.Record.SegmentSec,
		FFmpeg:     cfg.Decoder.FFmpeg,
		KlvQueue:   cfg.Decoder.KlvQueue,
		DropLate:   stream.DropLate(cfg.Decoder.DropLate),
		Transport: transport.Options{
			Interface:  cfg.UDP.Interface,
			ReadBuffer: cfg.UDP.ReadBuffer,
		},
		StatsInterval:   cfg.StatsInterval,
		NewVideoDecoder: newVideoDecoder,
	}
}

func doPlay(cmd *cobra.Command, args []string, keys keyboard.Poller, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return &exitError{msg: usage, code: 1}
	}
	source := args[0]
	recordPath := ""
	if len(args) == 2 {
		recordPath = args[1]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return &exitError{msg: err.Error(), code: 1}
	}
	log.Info("starting klvsnap", "source", source, "record", recordPath)

	parser := klv.NewParser()
	dec, err := stream.Open(streamConfig(cfg, source, recordPath), parser)
	if err != nil {
		log.Error("failed to open video source", "source", source, "err", err)
		return &exitError{msg: "Failed to open video file " + source, code: 1}
	}

	m := metrics.New()
	m.Attach(dec.Stats, parser)
	if cfg.Metrics.Addr != "" {
		srv, err := m.Serve(cfg.Metrics.Addr)
		if err != nil {
			_ = dec.Close()
			return &exitError{msg: err.Error(), code: 1}
		}
		defer func() { _ = srv.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := player.New(player.Config{
		Snapshot: snapshot.Options{
			Quality:     cfg.Snapshot.Quality,
			LeapSeconds: cfg.GPS.LeapSeconds,
			MaxWidth:    cfg.Snapshot.MaxWidth,
		},
		SnapshotPath: cfg.SnapshotPath,
		PollInterval: cfg.PollInterval,
	}, dec, parser, keys, out, m)

	if err = p.Run(ctx); err != nil {
		// teardown problems do not change the outcome of a requested quit
		log.Warn("teardown failed", "err", err)
	}
	log.Info("klvsnap stopped", "frames", p.Frames(), "stats", dec.Stats())
	return nil
}

func sourceArg(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.E("sourceArg", errors.K.Invalid, "reason", "expected exactly one source", "args", len(args))
	}
	return args[0], nil
}
