package mpegts

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/Comcast/gots/v2/packet"
	"github.com/Comcast/gots/v2/pes"
	"github.com/Comcast/gots/v2/psi"
	"go.uber.org/atomic"

	"github.com/eluv-io/errors-go"
	elog "github.com/eluv-io/log-go"
)

var log = elog.Get("/eluvio/klvsnap/mpegts")

const PcrTs uint64 = 27_000_000
const PcrMax uint64 = (1 << 33) * 300

// TS stream and descriptor types not defined in 'gots'
const (
	TsStreamTypeMpeg2Video  = 0x02
	TsStreamTypePrivatePes  = 0x06 // asynchronous KLV, with a "KLVA" registration descriptor
	TsStreamTypeMetadataPes = 0x15 // synchronous metadata carried in PES
	TsStreamTypeH264        = 0x1b
	TsStreamTypeHevc        = 0x24

	TsDescriptorRegistration = 0x05
	TsDescriptorMetadata     = 0x26
)

// maxPesSize bounds PES accumulation for streams without a PES length.
const maxPesSize = 1 << 20

// StreamInfo describes one elementary stream announced in the PMT.
type StreamInfo struct {
	Pid         int    `json:"pid"`
	StreamType  uint8  `json:"stream_type"`
	Description string `json:"description"`
	Video       bool   `json:"video,omitempty"`
	KLV         bool   `json:"klv,omitempty"`
}

// Stats counts demuxer activity. Fields may be read from any goroutine.
type Stats struct {
	PacketsReceived  atomic.Uint64
	BytesReceived    atomic.Uint64
	BadPackets       atomic.Uint64
	VideoPacketCount atomic.Uint64
	DataPacketCount  atomic.Uint64
	KlvPesCount      atomic.Uint64
	FirstPCR         atomic.Uint64
	LastPCR          atomic.Uint64

	ErrorsCC             atomic.Uint64
	ErrorsAdapationField atomic.Uint64
	ErrorsPES            atomic.Uint64
}

// StatsSnapshot is a plain copy of Stats, suitable for logging.
type StatsSnapshot struct {
	PacketsReceived      uint64 `json:"packets_received"`
	BytesReceived        uint64 `json:"bytes_received"`
	BadPackets           uint64 `json:"bad_packets"`
	VideoPacketCount     uint64 `json:"video_packets"`
	DataPacketCount      uint64 `json:"data_packets"`
	KlvPesCount          uint64 `json:"klv_pes"`
	FirstPCR             uint64 `json:"first_pcr"`
	LastPCR              uint64 `json:"last_pcr"`
	ErrorsCC             uint64 `json:"errors_cc"`
	ErrorsAdapationField uint64 `json:"errors_adaptation_field"`
	ErrorsPES            uint64 `json:"errors_pes"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsReceived:      s.PacketsReceived.Load(),
		BytesReceived:        s.BytesReceived.Load(),
		BadPackets:           s.BadPackets.Load(),
		VideoPacketCount:     s.VideoPacketCount.Load(),
		DataPacketCount:      s.DataPacketCount.Load(),
		KlvPesCount:          s.KlvPesCount.Load(),
		FirstPCR:             s.FirstPCR.Load(),
		LastPCR:              s.LastPCR.Load(),
		ErrorsCC:             s.ErrorsCC.Load(),
		ErrorsAdapationField: s.ErrorsAdapationField.Load(),
		ErrorsPES:            s.ErrorsPES.Load(),
	}
}

// Demuxer follows PAT and PMT to find the video and KLV streams of the first
// program, reassembles KLV PES packets and probes the video dimensions.
// HandlePacket must be called from a single goroutine.
type Demuxer struct {
	// OnKLV receives the payload of every complete KLV PES packet and its PTS
	// (0 when absent). The payload is only valid during the call.
	OnKLV func(payload []byte, pts uint64)

	Stats Stats

	mu        sync.Mutex
	pmtPid    int
	videoPid  int
	videoType uint8
	klvPid    int
	streams   []StreamInfo

	continuityMap map[int]uint8
	pcr           uint64

	klvPes          []byte
	klvAccumulating bool

	probe *spsProbe

	closeCh   chan struct{}
	closeOnce sync.Once
}

func NewDemuxer() *Demuxer {
	return &Demuxer{
		pmtPid:        -1,
		videoPid:      -1,
		klvPid:        -1,
		continuityMap: make(map[int]uint8),
		closeCh:       make(chan struct{}),
	}
}

// ProcessPackets handles every whole packet in packets.
func (d *Demuxer) ProcessPackets(packets []byte) {
	for offset := 0; offset+packet.PacketSize <= len(packets); offset += packet.PacketSize {
		var pkt packet.Packet
		copy(pkt[:], packets[offset:offset+packet.PacketSize])
		d.HandlePacket(pkt)
	}
}

func (d *Demuxer) HandlePacket(pkt packet.Packet) {
	d.Stats.PacketsReceived.Inc()
	d.Stats.BytesReceived.Add(packet.PacketSize)

	if err := pkt.CheckErrors(); err != nil {
		d.Stats.BadPackets.Inc()
		return
	}
	if pkt.IsNull() {
		return
	}

	d.checkContinuityCounter(pkt)
	d.updatePCR(pkt)

	pid := pkt.PID()
	switch {
	case pid == 0 && pkt.PayloadUnitStartIndicator():
		d.parsePAT(pkt)
	case pid == d.pmtPid && pkt.PayloadUnitStartIndicator():
		d.parsePMT(pkt)
	case pid == d.klvPid:
		d.Stats.DataPacketCount.Inc()
		d.processKlvPacket(pkt)
	case pid == d.videoPid:
		d.Stats.VideoPacketCount.Inc()
		if d.probe != nil && !d.probe.done() {
			d.probe.handle(pkt)
		}
	}
}

// Flush emits a KLV PES still being accumulated, e.g. at end of stream.
func (d *Demuxer) Flush() {
	if d.klvAccumulating && len(d.klvPes) > 0 {
		d.emitKlv(d.klvPes)
	}
	d.klvPes = d.klvPes[:0]
	d.klvAccumulating = false
}

// PCR is the last program clock reference seen, in 27MHz ticks.
func (d *Demuxer) PCR() uint64 {
	return d.pcr
}

// Streams returns the elementary streams of the last PMT parsed.
func (d *Demuxer) Streams() []StreamInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]StreamInfo(nil), d.streams...)
}

// VideoPid and KlvPid return -1 until the PMT announced such a stream.
func (d *Demuxer) VideoPid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.videoPid
}

func (d *Demuxer) KlvPid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.klvPid
}

// Dimensions returns the picture size declared by the H.264 SPS, once seen.
func (d *Demuxer) Dimensions() (width, height int, ok bool) {
	d.mu.Lock()
	p := d.probe
	d.mu.Unlock()
	if p == nil {
		return 0, 0, false
	}
	return p.dimensions()
}

// StartReportingStats periodically logs the demuxer stats until Stop.
func (d *Demuxer) StartReportingStats(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				v, _ := json.Marshal(d.Stats.Snapshot())
				log.Debug("mpegts stats", "stats", string(v))
			case <-d.closeCh:
				return
			}
		}
	}()
}

func (d *Demuxer) Stop() {
	d.closeOnce.Do(func() { close(d.closeCh) })
}

func (d *Demuxer) checkContinuityCounter(pkt packet.Packet) {
	if !pkt.HasPayload() {
		// continuity counter only increments on packets with payload
		return
	}
	pid := pkt.PID()
	cc := uint8(pkt.ContinuityCounter())

	lastCC, exists := d.continuityMap[pid]
	d.continuityMap[pid] = cc
	if exists && cc != (lastCC+1)&0x0f && cc != lastCC {
		d.Stats.ErrorsCC.Inc()
		if pid == d.klvPid {
			// a gap inside a KLV PES corrupts it
			d.klvAccumulating = false
		}
	}
}

func (d *Demuxer) updatePCR(pkt packet.Packet) {
	if !pkt.HasAdaptationField() {
		return
	}
	a, err := pkt.AdaptationField()
	if err != nil {
		d.Stats.ErrorsAdapationField.Inc()
		return
	}
	hasPcr, err := a.HasPCR()
	if err != nil {
		d.Stats.ErrorsAdapationField.Inc()
		return
	} else if !hasPcr {
		return
	}
	pcr, err := a.PCR()
	if err != nil {
		d.Stats.ErrorsAdapationField.Inc()
		return
	}
	d.pcr = pcr
	d.Stats.FirstPCR.CompareAndSwap(0, pcr)
	d.Stats.LastPCR.Store(pcr)
}

func (d *Demuxer) parsePAT(pkt packet.Packet) {
	payload, err := pkt.Payload()
	if err != nil {
		return
	}
	pat, err := psi.NewPAT(payload)
	if err != nil {
		log.Debug("bad PAT", "err", err)
		return
	}
	// only the first program is followed
	first := -1
	for program, pmtPid := range pat.ProgramMap() {
		if program == 0 {
			continue // network PID
		}
		if first < 0 || program < first {
			first = program
			d.pmtPid = pmtPid
		}
	}
}

func (d *Demuxer) parsePMT(pkt packet.Packet) {
	payload, err := pkt.Payload()
	if err != nil {
		return
	}
	pmt, err := psi.NewPMT(payload)
	if err != nil {
		log.Debug("bad PMT", "err", err)
		return
	}

	var streams []StreamInfo
	videoPid, klvPid := -1, -1
	var videoType uint8
	for _, es := range pmt.ElementaryStreams() {
		si := StreamInfo{
			Pid:         es.ElementaryPid(),
			StreamType:  es.StreamType(),
			Description: es.StreamTypeDescription(),
		}
		if videoPid < 0 && (es.IsVideoContent() || si.StreamType == TsStreamTypeHevc) {
			si.Video = true
			videoPid, videoType = si.Pid, si.StreamType
		}
		if klvPid < 0 && isKlvStream(es) {
			si.KLV = true
			klvPid = si.Pid
		}
		streams = append(streams, si)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if videoPid != d.videoPid || klvPid != d.klvPid {
		log.Info("PMT", "pmt_pid", d.pmtPid, "video_pid", videoPid, "video_type", videoType, "klv_pid", klvPid, "streams", len(streams))
	}
	if videoPid != d.videoPid {
		d.probe = newSpsProbe(videoPid, videoType)
	}
	d.streams = streams
	d.videoPid, d.videoType, d.klvPid = videoPid, videoType, klvPid
}

func isKlvStream(es psi.PmtElementaryStream) bool {
	switch es.StreamType() {
	case TsStreamTypeMetadataPes:
		return true
	case TsStreamTypePrivatePes:
		for _, desc := range es.Descriptors() {
			if desc.Tag() == TsDescriptorRegistration || desc.Tag() == TsDescriptorMetadata {
				return true
			}
		}
	}
	return false
}

func (d *Demuxer) processKlvPacket(pkt packet.Packet) {
	if !pkt.HasPayload() {
		return
	}
	payload, err := pkt.Payload()
	if err != nil {
		d.Stats.ErrorsPES.Inc()
		return
	}

	if pkt.PayloadUnitStartIndicator() {
		d.Flush()
		d.klvAccumulating = true
	}
	if !d.klvAccumulating {
		// wait for the start of the next PES
		return
	}
	d.klvPes = append(d.klvPes, payload...)

	if len(d.klvPes) >= 6 {
		pesLen := int(binary.BigEndian.Uint16(d.klvPes[4:6]))
		if pesLen > 0 && len(d.klvPes) >= pesLen+6 {
			d.emitKlv(d.klvPes[:pesLen+6])
			d.klvPes = d.klvPes[:0]
			d.klvAccumulating = false
			return
		}
	}
	if len(d.klvPes) > maxPesSize {
		d.Stats.ErrorsPES.Inc()
		d.klvPes = d.klvPes[:0]
		d.klvAccumulating = false
	}
}

func (d *Demuxer) emitKlv(pesData []byte) {
	ph, err := pes.NewPESHeader(pesData)
	if err != nil {
		d.Stats.ErrorsPES.Inc()
		return
	}
	var pts uint64
	if ph.HasPTS() {
		pts = ph.PTS()
	}
	payload, err := StripPESHeader(pesData)
	if err != nil {
		d.Stats.ErrorsPES.Inc()
		log.Debug("bad KLV PES", "err", err)
		return
	}
	d.Stats.KlvPesCount.Inc()
	if d.OnKLV != nil && len(payload) > 0 {
		d.OnKLV(payload, pts)
	}
}

// StripPESHeader returns the payload of a PES packet with an optional header.
func StripPESHeader(pes []byte) ([]byte, error) {
	e := errors.Template("StripPESHeader", errors.K.Invalid)
	if len(pes) < 9 {
		return nil, e("reason", "PES too short", "len", len(pes))
	}
	if pes[0] != 0x00 || pes[1] != 0x00 || pes[2] != 0x01 {
		return nil, e("reason", "invalid PES start code")
	}
	skip := 9 + int(pes[8]) // header_data_length
	if len(pes) < skip {
		return nil, e("reason", "PES header length invalid", "header_len", skip)
	}
	return pes[skip:], nil
}
