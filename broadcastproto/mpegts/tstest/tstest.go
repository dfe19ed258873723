// Package tstest builds small synthetic MPEG transport streams for tests:
// one program with a PAT, a PMT, H.264 video and an optional KLV stream.
package tstest

import (
	"encoding/binary"

	"github.com/Comcast/gots/v2/packet"
)

const (
	PmtPid   = 0x1000
	VideoPid = 0x100
	KlvPid   = 0x101
)

// SPSQVGA is an H.264 baseline SPS declaring 320x240.
var SPSQVGA = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x05, 0x07, 0xe4}

// ES is an elementary stream entry of the PMT.
type ES struct {
	StreamType byte
	Pid        int
	Desc       []byte
}

var (
	H264         = ES{StreamType: 0x1b, Pid: VideoPid}
	AsyncKLV     = ES{StreamType: 0x06, Pid: KlvPid, Desc: []byte{0x05, 4, 'K', 'L', 'V', 'A'}}
	SyncKLV      = ES{StreamType: 0x15, Pid: KlvPid}
	PlainPrivate = ES{StreamType: 0x06, Pid: KlvPid}
)

// CRC32 is the MPEG-2 CRC used by PSI sections.
func CRC32(b []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, c := range b {
		crc ^= uint32(c) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04c11db7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// section wraps body (the bytes after last_section_number) into a long-form
// section with CRC, preceded by a pointer field.
func section(tableID byte, ext uint16, body []byte) []byte {
	sectionLen := 5 + len(body) + 4
	s := []byte{tableID, 0xb0 | byte(sectionLen>>8), byte(sectionLen)}
	s = binary.BigEndian.AppendUint16(s, ext)
	s = append(s, 0xc1, 0x00, 0x00)
	s = append(s, body...)
	s = binary.BigEndian.AppendUint32(s, CRC32(s))
	return append([]byte{0x00}, s...)
}

// PAT maps program 1 to PmtPid.
func PAT() []byte {
	return section(0x00, 1, []byte{0x00, 0x01, 0xe0 | byte(PmtPid>>8), byte(PmtPid & 0xff)})
}

// PMT lists streams for program 1, with the PCR on VideoPid.
func PMT(streams ...ES) []byte {
	body := []byte{0xe0 | byte(VideoPid>>8), byte(VideoPid & 0xff), 0xf0, 0x00}
	for _, es := range streams {
		body = append(body, es.StreamType, 0xe0|byte(es.Pid>>8), byte(es.Pid), 0xf0|byte(len(es.Desc)>>8), byte(len(es.Desc)))
		body = append(body, es.Desc...)
	}
	return section(0x02, 1, body)
}

// Packet builds one packet. Short payloads are padded with adaptation field
// stuffing; pcr >= 0 adds a PCR in 27MHz ticks.
func Packet(pid int, pusi bool, cc int, pcr int64, payload []byte) packet.Packet {
	var pkt packet.Packet
	pkt[0] = 0x47
	pkt[1] = byte(pid>>8) & 0x1f
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)

	n := len(payload)
	if n > 184 {
		panic("payload too large")
	}
	if n == 184 && pcr < 0 {
		pkt[3] = 0x10 | byte(cc&0x0f)
		copy(pkt[4:], payload)
		return pkt
	}

	afLen := 183 - n
	if pcr >= 0 && afLen < 7 {
		panic("no room for PCR")
	}
	pkt[3] = 0x30 | byte(cc&0x0f)
	if n == 0 {
		pkt[3] = 0x20 | byte(cc&0x0f)
	}
	pkt[4] = byte(afLen)
	if afLen > 0 {
		i := 6
		pkt[5] = 0x00
		if pcr >= 0 {
			pkt[5] = 0x10
			base, ext := uint64(pcr)/300, uint64(pcr)%300
			pkt[6] = byte(base >> 25)
			pkt[7] = byte(base >> 17)
			pkt[8] = byte(base >> 9)
			pkt[9] = byte(base >> 1)
			pkt[10] = byte(base&1)<<7 | 0x7e | byte(ext>>8)
			pkt[11] = byte(ext)
			i = 12
		}
		for ; i < 5+afLen; i++ {
			pkt[i] = 0xff
		}
	}
	copy(pkt[5+afLen:], payload)
	return pkt
}

// PES builds a PES packet with a PTS.
func PES(streamID byte, pts uint64, data []byte) []byte {
	p := []byte{0x00, 0x00, 0x01, streamID}
	p = binary.BigEndian.AppendUint16(p, uint16(3+5+len(data)))
	p = append(p, 0x80, 0x80, 0x05,
		0x21|byte(pts>>29)&0x0e,
		byte(pts>>22),
		byte(pts>>14)|0x01,
		byte(pts>>7),
		byte(pts<<1)|0x01)
	return append(p, data...)
}

// Stream accumulates packets with per-PID continuity counters.
type Stream struct {
	Packets []packet.Packet

	cc map[int]int
}

func (s *Stream) next(pid int) int {
	if s.cc == nil {
		s.cc = map[int]int{}
	}
	cc := s.cc[pid]
	s.cc[pid] = cc + 1
	return cc
}

// Split appends pes on pid as a sequence of packets.
func (s *Stream) Split(pid int, pes []byte) {
	for first := true; len(pes) > 0 || first; first = false {
		n := min(len(pes), 184)
		s.Packets = append(s.Packets, Packet(pid, first, s.next(pid), -1, pes[:n]))
		pes = pes[n:]
	}
}

// PSI appends a PAT and a PMT announcing streams.
func (s *Stream) PSI(streams ...ES) {
	s.Packets = append(s.Packets, Packet(0, true, s.next(0), -1, PAT()))
	s.Packets = append(s.Packets, Packet(PmtPid, true, s.next(PmtPid), -1, PMT(streams...)))
}

// PCR appends an adaptation-only packet carrying pcr on VideoPid.
func (s *Stream) PCR(pcr uint64) {
	cc := 0
	if s.cc != nil {
		cc = s.cc[VideoPid]
	}
	s.Packets = append(s.Packets, Packet(VideoPid, false, cc, int64(pcr), nil))
}

// Video appends an access unit of Annex B NAL units.
func (s *Stream) Video(nalus ...[]byte) {
	var es []byte
	for _, n := range nalus {
		es = append(es, 0x00, 0x00, 0x00, 0x01)
		es = append(es, n...)
	}
	s.Split(VideoPid, PES(0xe0, 9000, es))
}

// KLV appends a private stream PES carrying data.
func (s *Stream) KLV(pts uint64, data []byte) {
	s.Split(KlvPid, PES(0xbd, pts, data))
}

// Bytes returns the stream as contiguous packets.
func (s *Stream) Bytes() []byte {
	var b []byte
	for _, p := range s.Packets {
		b = append(b, p[:]...)
	}
	return b
}
