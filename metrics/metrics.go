// Package metrics exposes klvsnap counters to Prometheus.
package metrics

import (
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"

	"github.com/eluv-io/klvsnap/klv"
	"github.com/eluv-io/klvsnap/stream"
)

var log = elog.Get("/eluvio/klvsnap/metrics")

// Metrics counts driver activity and reads decoder and parser counters on
// scrape.
type Metrics struct {
	FramesCaptured   atomic.Uint64
	SnapshotsWritten atomic.Uint64
	SnapshotsXMP     atomic.Uint64
	SnapshotsFailed  atomic.Uint64

	mu      sync.Mutex
	decoder func() stream.Stats
	parser  *klv.Parser

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.register()
	return m
}

// Attach sets the decoder stats and parser read on each scrape. Either may
// be nil.
func (m *Metrics) Attach(decoder func() stream.Stats, parser *klv.Parser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decoder = decoder
	m.parser = parser
}

func (m *Metrics) decoderStat(get func(s *stream.Stats) uint64) func() float64 {
	return func() float64 {
		m.mu.Lock()
		decoder := m.decoder
		m.mu.Unlock()
		if decoder == nil {
			return 0
		}
		s := decoder()
		return float64(get(&s))
	}
}

func (m *Metrics) parserStat(get func(p *klv.Parser) uint64) func() float64 {
	return func() float64 {
		m.mu.Lock()
		parser := m.parser
		m.mu.Unlock()
		if parser == nil {
			return 0
		}
		return float64(get(parser))
	}
}

func counter(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

func (m *Metrics) register() {
	counters := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"klvsnap_frames_captured_total", "Frames handed to the driver loop", counter(&m.FramesCaptured)},
		{"klvsnap_snapshots_written_total", "Snapshots written", counter(&m.SnapshotsWritten)},
		{"klvsnap_snapshots_xmp_total", "Snapshots tagged with a geoposition", counter(&m.SnapshotsXMP)},
		{"klvsnap_snapshots_failed_total", "Snapshots that could not be written", counter(&m.SnapshotsFailed)},

		{"klvsnap_frames_decoded_total", "Frames decoded from the source",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.FramesDecoded })},
		{"klvsnap_frames_dropped_total", "Decoded frames replaced before delivery",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.FramesDropped })},
		{"klvsnap_klv_payloads_total", "KLV PES payloads extracted",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.KlvPayloads })},
		{"klvsnap_klv_dropped_total", "KLV payloads dropped on queue overflow",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.KlvDropped })},
		{"klvsnap_recorded_bytes_total", "Bytes written to the recording sink",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.RecordedBytes })},
		{"klvsnap_ts_packets_total", "Transport stream packets received",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.Demux.PacketsReceived })},
		{"klvsnap_ts_cc_errors_total", "Continuity counter errors",
			m.decoderStat(func(s *stream.Stats) uint64 { return s.Demux.ErrorsCC })},

		{"klvsnap_klv_parsed_total", "ST 0601 packets decoded",
			m.parserStat(func(p *klv.Parser) uint64 { return p.Parsed() })},
		{"klvsnap_klv_rejected_total", "Malformed ST 0601 packets dropped",
			m.parserStat(func(p *klv.Parser) uint64 { return p.Rejected() })},
	}
	for _, c := range counters {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: c.name, Help: c.help}, c.fn))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "klvsnap_klv_queued",
		Help: "KLV payloads waiting for the driver loop",
	}, m.decoderStat(func(s *stream.Stats) uint64 { return s.KlvQueued })))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather returns the current values by metric name.
func (m *Metrics) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, errors.E("Metrics.Gather", errors.K.Invalid, err)
	}
	res := make(map[string]float64, len(families))
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				res[f.GetName()] = c.GetValue()
			} else {
				res[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}
	return res, nil
}

// Serve starts the /metrics endpoint on addr. The listener is bound before
// returning; call Close on the result to stop it.
func (m *Metrics) Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.E("Metrics.Serve", errors.K.IO, err, "addr", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "addr", srv.Addr, "err", err)
		}
	}()
	log.Info("metrics endpoint started", "addr", srv.Addr)
	return srv, nil
}
