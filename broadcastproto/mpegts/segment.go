package mpegts

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Comcast/gots/v2/packet"
	"go.uber.org/atomic"

	"github.com/eluv-io/errors-go"
)

type RecorderConfig struct {
	// Path of the recording. With segmenting it is the name pattern base:
	// rec.ts becomes rec_0001.ts, rec_0002.ts...
	Path string
	// DurationSec splits the recording on PCR duration; 0 keeps one file.
	DurationSec uint64
}

// Recorder is the recording sink: it appends raw TS packets to a file,
// optionally split into segments by PCR. It is safe for concurrent use.
type Recorder struct {
	Cfg RecorderConfig

	mu            sync.Mutex
	numSegs       int64
	segStartPcr   uint64
	currentPcr    uint64
	currentFile   *os.File
	currentWriter *bufio.Writer
	closed        bool

	BytesWritten atomic.Uint64
	ErrorsWrite  atomic.Uint64
}

// NewRecorder creates (or truncates) the first recording file.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, errors.E("NewRecorder", errors.K.Invalid, "reason", "empty record path")
	}
	r := &Recorder{Cfg: cfg}
	if err := r.openSegment(); err != nil {
		return nil, err
	}
	return r, nil
}

// SegmentName is the file name of segment n (1-based).
func (r *Recorder) SegmentName(n int64) string {
	if r.Cfg.DurationSec == 0 {
		return r.Cfg.Path
	}
	ext := filepath.Ext(r.Cfg.Path)
	return fmt.Sprintf("%s_%04d%s", strings.TrimSuffix(r.Cfg.Path, ext), n, ext)
}

// Segments is the number of files opened so far.
func (r *Recorder) Segments() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numSegs
}

// WritePacket appends pkt. pcr is the last PCR seen (0 if none yet) and
// drives segmenting.
func (r *Recorder) WritePacket(pkt packet.Packet, pcr uint64) (bytesWritten int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.currentFile == nil {
		return 0, errors.E("Recorder.WritePacket", errors.K.Invalid, "reason", "recorder closed")
	}
	if pcr != 0 {
		if r.segStartPcr == 0 {
			r.segStartPcr = pcr
		}
		if r.Cfg.DurationSec > 0 && r.segmentDone(pcr) {
			log.Debug("segment end", "pcr", pcr, "start_pcr", r.segStartPcr, "segment", r.numSegs)
			if err = r.openSegment(); err != nil {
				return 0, err
			}
			r.segStartPcr = pcr
		}
		r.currentPcr = pcr
	}

	bytesWritten, err = r.currentWriter.Write(pkt[:])
	r.BytesWritten.Add(uint64(bytesWritten))
	if err != nil {
		r.ErrorsWrite.Inc()
		return bytesWritten, errors.E("Recorder.WritePacket", errors.K.IO, err, "file", r.currentFile.Name())
	}
	return bytesWritten, nil
}

func (r *Recorder) segmentDone(pcr uint64) bool {
	curCloseToZero := PcrTs*30 > pcr
	prevCloseToMax := PcrMax-(PcrTs*60) < r.segStartPcr
	if prevCloseToMax && curCloseToZero {
		return true
	}
	return pcr > r.segStartPcr && pcr-r.segStartPcr > r.Cfg.DurationSec*PcrTs
}

// Flush pushes buffered packets to the current file.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentWriter == nil {
		return nil
	}
	return r.currentWriter.Flush()
}

// Close flushes and closes the current file. Further calls do nothing.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closeSegment()
}

func (r *Recorder) openSegment() error {
	if err := r.closeSegment(); err != nil {
		log.Warn("failed to close segment", "err", err)
	}
	r.numSegs++
	fileName := r.SegmentName(r.numSegs)
	if dir := filepath.Dir(fileName); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.E("Recorder.openSegment", errors.K.IO, err, "dir", dir)
		}
	}
	f, err := os.Create(fileName)
	if err != nil {
		return errors.E("Recorder.openSegment", errors.K.IO, err, "file", fileName)
	}
	log.Debug("recording", "file", fileName, "segment", r.numSegs)
	r.currentFile = f
	r.currentWriter = bufio.NewWriterSize(f, packet.PacketSize*7*16)
	return nil
}

func (r *Recorder) closeSegment() error {
	if r.currentFile == nil {
		return nil
	}
	e := errors.Template("Recorder.closeSegment", errors.K.IO, "file", r.currentFile.Name())
	ferr := r.currentWriter.Flush()
	cerr := r.currentFile.Close()
	r.currentFile = nil
	r.currentWriter = nil
	if ferr != nil {
		return e(ferr)
	}
	return e.IfNotNil(cerr)
}
