package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/eluv-io/errors-go"
)

// VideoDecoder turns transport stream bytes into RGB frames. Write and
// CloseInput are called from one goroutine, Next from another.
type VideoDecoder interface {
	io.Writer
	// CloseInput signals the end of the transport stream.
	CloseInput() error
	// Next blocks until the next frame is decoded. It returns io.EOF once
	// the input ended and every frame was returned, or after Close.
	Next() (*Frame, error)
	// Close stops the decoder and unblocks Next. It is safe to call more
	// than once.
	Close() error
	// Wait releases what is left of the decoder after Close. It is called
	// once Next is no longer running.
	Wait() error
}

// FindFFmpeg locates the ffmpeg binary: explicit if set, else
// $FFMPEG_DIST/bin/ffmpeg, else ffmpeg from PATH.
func FindFFmpeg(explicit string) (string, error) {
	e := errors.Template("FindFFmpeg", errors.K.NotExist)

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", e(err, "command", explicit)
		}
		return explicit, nil
	}

	if toolchain, ok := os.LookupEnv("FFMPEG_DIST"); ok {
		ffmpeg := filepath.Join(toolchain, "bin/ffmpeg")
		if _, err := os.Stat(ffmpeg); err == nil {
			log.Debug("using ffmpeg from FFMPEG_DIST", "command", ffmpeg)
			return ffmpeg, nil
		}
		log.Warn("ffmpeg in FFMPEG_DIST not found", "command", ffmpeg)
	}

	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", e(err, "reason", "failed to find ffmpeg binary, set FFMPEG_DIST or decoder.ffmpeg")
	}
	log.Debug("using system ffmpeg", "command", ffmpeg)
	return ffmpeg, nil
}

// FFmpegArgs decodes the first video stream of an MPEG-TS on stdin into a
// sequence of PPM images on stdout.
func FFmpegArgs() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-fflags", "+discardcorrupt",
		"-f", "mpegts",
		"-i", "pipe:0",
		"-map", "0:v:0",
		"-an", "-sn", "-dn",
		"-f", "image2pipe",
		"-vcodec", "ppm",
		"pipe:1",
	}
}

// ffmpegDecoder runs ffmpeg as a subprocess.
type ffmpegDecoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pid    int

	closeOnce sync.Once
	waitOnce  sync.Once
}

// NewFFmpegDecoder starts ffmpeg. ffmpeg is the binary path, see FindFFmpeg.
func NewFFmpegDecoder(ffmpeg string) (VideoDecoder, error) {
	e := errors.Template("NewFFmpegDecoder", errors.K.IO, "command", ffmpeg)

	cmd := exec.Command(ffmpeg, FFmpegArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, e(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, e(err)
	}
	cmd.Stderr = &stderrLogger{}

	if err = cmd.Start(); err != nil {
		return nil, e(err)
	}
	d := &ffmpegDecoder{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		pid:    cmd.Process.Pid,
	}
	log.Debug("ffmpeg started", "pid", d.pid, "cmd", fmt.Sprintf("%s %s", cmd.Path, cmd.Args))
	return d, nil
}

func (d *ffmpegDecoder) Write(p []byte) (int, error) {
	return d.stdin.Write(p)
}

func (d *ffmpegDecoder) CloseInput() error {
	return d.stdin.Close()
}

func (d *ffmpegDecoder) Next() (*Frame, error) {
	return ReadPPM(d.stdout)
}

func (d *ffmpegDecoder) Close() error {
	d.closeOnce.Do(func() {
		_ = d.stdin.Close()
		if err := d.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			log.Debug("ffmpeg kill", "err", err, "pid", d.pid)
		}
	})
	return nil
}

// Wait reaps ffmpeg. The stdout pipe is closed by cmd.Wait, so it must not
// run while Next reads.
func (d *ffmpegDecoder) Wait() error {
	d.waitOnce.Do(func() {
		// killed on purpose, the exit status carries no information
		_ = d.cmd.Wait()
		log.Debug("ffmpeg stopped", "pid", d.pid)
	})
	return nil
}

// stderrLogger logs ffmpeg error output line by line.
type stderrLogger struct {
	buf []byte
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(s.buf[:i]); len(line) > 0 {
			log.Warn("ffmpeg", "msg", string(line))
		}
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}
