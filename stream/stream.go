package stream

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/Comcast/gots/v2/packet"
	"go.uber.org/atomic"

	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/klvsnap/broadcastproto/mpegts"
	"github.com/eluv-io/klvsnap/broadcastproto/transport"
)

// KLVSink consumes the metadata byte stream. klv.Parser implements it.
type KLVSink interface {
	Feed(b []byte)
}

// DropLate selects how frames are handed to Tick.
type DropLate string

const (
	// DropLateAuto drops late frames for live sources only.
	DropLateAuto DropLate = "auto"
	// DropLateOn keeps only the most recent frame; older undelivered ones are dropped.
	DropLateOn DropLate = "true"
	// DropLateOff delivers every frame, pausing decoding until Tick takes it.
	DropLateOff DropLate = "false"
)

type Config struct {
	// Source is a filesystem path or URL, see transport.New.
	Source string
	// RecordPath, if set, receives the raw transport stream.
	RecordPath string
	// SegmentSec splits the recording on PCR duration; 0 keeps one file.
	SegmentSec uint64
	// FFmpeg is an explicit ffmpeg binary, see FindFFmpeg.
	FFmpeg string
	// KlvQueue is the number of KLV payloads buffered between the demuxer
	// and Tick.
	KlvQueue  int
	DropLate  DropLate
	Transport transport.Options
	// StatsInterval enables periodic demuxer stats logging.
	StatsInterval time.Duration

	// NewVideoDecoder replaces the ffmpeg decoder, mainly for tests.
	NewVideoDecoder func() (VideoDecoder, error)
}

// Stats counts decoder activity.
type Stats struct {
	FramesDecoded   uint64 `json:"frames_decoded"`
	FramesDelivered uint64 `json:"frames_delivered"`
	FramesDropped   uint64 `json:"frames_dropped"`
	KlvPayloads     uint64 `json:"klv_payloads"`
	KlvBytes        uint64 `json:"klv_bytes"`
	KlvDropped      uint64 `json:"klv_dropped"`
	KlvQueued       uint64 `json:"klv_queued"`
	RecordedBytes   uint64 `json:"recorded_bytes"`

	Demux mpegts.StatsSnapshot `json:"demux"`
}

var lastHandle atomic.Int32

// Decoder is an open stream: it reads the source, tees the raw transport
// stream to the recording sink, decodes video to RGB frames and extracts the
// KLV metadata. Tick, Frame and Close are called from the driver goroutine.
type Decoder struct {
	handle   int32
	cfg      Config
	live     bool
	dropLate bool

	tr    transport.Transport
	rc    io.ReadCloser
	rec   *mpegts.Recorder
	demux *mpegts.Demuxer
	video VideoDecoder
	sink  KLVSink

	klvCh   chan []byte
	frameCh chan *Frame
	frame   *Frame

	framesDecoded   atomic.Uint64
	framesDelivered atomic.Uint64
	framesDropped   atomic.Uint64
	klvPayloads     atomic.Uint64
	klvBytes        atomic.Uint64
	klvDropped      atomic.Uint64
	inputDone       atomic.Bool
	videoDone       atomic.Bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open establishes the source and, if configured, creates or truncates the
// recording sink, then starts decoding. sink receives the KLV byte stream
// during Tick and may be nil.
func Open(cfg Config, sink KLVSink) (*Decoder, error) {
	e := errors.Template("stream.Open", errors.K.IO, "source", cfg.Source)

	if cfg.KlvQueue <= 0 {
		cfg.KlvQueue = 64
	}
	tr, err := transport.New(cfg.Source, cfg.Transport)
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		handle:  lastHandle.Inc(),
		cfg:     cfg,
		tr:      tr,
		demux:   mpegts.NewDemuxer(),
		sink:    sink,
		klvCh:   make(chan []byte, cfg.KlvQueue),
		frameCh: make(chan *Frame, 1),
		done:    make(chan struct{}),
	}
	d.demux.OnKLV = d.pushKlv

	if d.rc, err = tr.Open(); err != nil {
		log.Warn("failed to open source", "source", cfg.Source, "handler", tr.Handler(), "err", err)
		return nil, err
	}
	// some transports only know whether they are live once opened
	d.live = tr.Live()
	switch cfg.DropLate {
	case DropLateOn:
		d.dropLate = true
	case DropLateOff:
		d.dropLate = false
	default:
		d.dropLate = d.live
	}
	if cfg.RecordPath != "" {
		d.rec, err = mpegts.NewRecorder(mpegts.RecorderConfig{Path: cfg.RecordPath, DurationSec: cfg.SegmentSec})
		if err != nil {
			_ = d.rc.Close()
			return nil, e(err, "record_path", cfg.RecordPath)
		}
	}

	newVideo := cfg.NewVideoDecoder
	if newVideo == nil {
		newVideo = func() (VideoDecoder, error) {
			ffmpeg, err := FindFFmpeg(cfg.FFmpeg)
			if err != nil {
				return nil, err
			}
			return NewFFmpegDecoder(ffmpeg)
		}
	}
	if d.video, err = newVideo(); err != nil {
		_ = d.rc.Close()
		if d.rec != nil {
			_ = d.rec.Close()
		}
		return nil, err
	}

	if cfg.StatsInterval > 0 {
		d.demux.StartReportingStats(cfg.StatsInterval)
	}
	d.wg.Add(2)
	go d.readLoop()
	go d.decodeLoop()

	log.Info("stream opened", "decoder", d.handle, "source", cfg.Source, "handler", tr.Handler(),
		"live", d.live, "drop_late", d.dropLate, "record", cfg.RecordPath)
	return d, nil
}

// Handle identifies the decoder in logs.
func (d *Decoder) Handle() int32 {
	return d.handle
}

// Live reports whether the source is a live one.
func (d *Decoder) Live() bool {
	return d.live
}

// Tick forwards pending KLV payloads to the sink and takes the next decoded
// frame, if any. It never blocks. It returns false when no new frame is
// available, including indefinitely after the end of a file source.
func (d *Decoder) Tick() bool {
	select {
	case <-d.done:
		return false
	default:
	}
	d.drainKlv()

	select {
	case f := <-d.frameCh:
		d.frame = f
		d.framesDelivered.Inc()
		return true
	default:
		return false
	}
}

// Frame is the frame returned by the last successful Tick. It stays valid
// until the next Tick.
func (d *Decoder) Frame() *Frame {
	return d.frame
}

// Ended reports whether the source reached its end and every decoded frame
// was delivered.
func (d *Decoder) Ended() bool {
	return d.inputDone.Load() && d.videoDone.Load() && len(d.frameCh) == 0
}

// Dimensions returns the picture size declared by the stream, once known.
func (d *Decoder) Dimensions() (width, height int, ok bool) {
	return d.demux.Dimensions()
}

func (d *Decoder) Stats() Stats {
	s := Stats{
		FramesDecoded:   d.framesDecoded.Load(),
		FramesDelivered: d.framesDelivered.Load(),
		FramesDropped:   d.framesDropped.Load(),
		KlvPayloads:     d.klvPayloads.Load(),
		KlvBytes:        d.klvBytes.Load(),
		KlvDropped:      d.klvDropped.Load(),
		KlvQueued:       uint64(len(d.klvCh)),
		Demux:           d.demux.Stats.Snapshot(),
	}
	if d.rec != nil {
		s.RecordedBytes = d.rec.BytesWritten.Load()
	}
	return s
}

// Close stops decoding, flushes and closes the recording sink and releases
// the source. Further calls do nothing and return the first result.
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)

		var errs []error
		if err := d.rc.Close(); err != nil {
			log.Debug("source close", "err", err)
		}
		if err := d.video.Close(); err != nil {
			errs = append(errs, err)
		}
		d.wg.Wait()
		if err := d.video.Wait(); err != nil {
			errs = append(errs, err)
		}
		d.demux.Stop()
		if d.rec != nil {
			if err := d.rec.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			d.closeErr = errors.E("Decoder.Close", errors.K.IO, errs[0], "errors", len(errs))
		}
		log.Info("stream closed", "decoder", d.handle, "stats", d.Stats())
	})
	return d.closeErr
}

func (d *Decoder) drainKlv() {
	for {
		select {
		case b := <-d.klvCh:
			if d.sink != nil {
				d.sink.Feed(b)
			}
		default:
			return
		}
	}
}

// pushKlv runs on the read goroutine. With dropLate a full queue loses its
// oldest payload so the newest position always reaches the sink.
func (d *Decoder) pushKlv(payload []byte, _ uint64) {
	b := append([]byte(nil), payload...)
	d.klvPayloads.Inc()
	d.klvBytes.Add(uint64(len(b)))
	if d.dropLate {
		for {
			select {
			case d.klvCh <- b:
				return
			default:
			}
			select {
			case <-d.klvCh:
				d.klvDropped.Inc()
			default:
			}
		}
	}
	select {
	case d.klvCh <- b:
	case <-d.done:
	}
}

func (d *Decoder) readLoop() {
	defer d.wg.Done()
	associateGIDWithHandle(d.handle)
	defer dissociateGIDWithHandle()
	defer d.inputDone.Store(true)

	pr := mpegts.NewPacketReader(d.rc)
	w := bufio.NewWriterSize(d.video, packet.PacketSize*7*8)
	videoOK := true
	var recErrs uint64

	for {
		pkt, err := pr.Next()
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF && !d.closing() {
				log.Warn("source read failed", "err", err)
			}
			break
		}
		d.demux.HandlePacket(pkt)

		if d.rec != nil {
			if _, err = d.rec.WritePacket(pkt, d.demux.PCR()); err != nil {
				if recErrs == 0 {
					log.Error("recording failed", "err", err)
				}
				recErrs++
			}
		}

		if videoOK {
			if _, err = w.Write(pkt[:]); err == nil && pr.Buffered() == 0 {
				// about to block on the source
				err = w.Flush()
			}
			if err != nil {
				videoOK = false
				if !d.closing() {
					log.Warn("video decoder input failed", "err", err)
				}
			}
		}
	}

	d.demux.Flush()
	if pr.Skipped > 0 {
		log.Debug("bytes skipped to regain sync", "skipped", pr.Skipped)
	}
	if videoOK {
		_ = w.Flush()
	}
	_ = d.video.CloseInput()
	if d.rec != nil {
		if err := d.rec.Flush(); err != nil {
			log.Warn("recording flush failed", "err", err)
		}
	}
	log.Debug("source ended", "packets", d.demux.Stats.PacketsReceived.Load())
}

func (d *Decoder) decodeLoop() {
	defer d.wg.Done()
	associateGIDWithHandle(d.handle)
	defer dissociateGIDWithHandle()
	defer d.videoDone.Store(true)

	checked := false
	for {
		f, err := d.video.Next()
		if err != nil {
			if err != io.EOF && !d.closing() {
				log.Warn("video decoding stopped", "err", err)
			}
			return
		}
		seq := d.framesDecoded.Inc()
		f.Seq = seq

		if !checked {
			if w, h, ok := d.demux.Dimensions(); ok {
				checked = true
				if w != f.Width || h != f.Height {
					log.Warn("decoded size differs from SPS", "width", f.Width, "height", f.Height, "sps_width", w, "sps_height", h)
				}
			}
		}
		if !d.deliver(f) {
			return
		}
	}
}

// deliver hands f to Tick. With dropLate an undelivered older frame is
// replaced, otherwise it waits for Tick to take the previous one.
func (d *Decoder) deliver(f *Frame) bool {
	if !d.dropLate {
		select {
		case d.frameCh <- f:
			return true
		case <-d.done:
			return false
		}
	}
	for {
		select {
		case d.frameCh <- f:
			return true
		case <-d.done:
			return false
		default:
		}
		select {
		case <-d.frameCh:
			d.framesDropped.Inc()
		default:
		}
	}
}

func (d *Decoder) closing() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
