// Package klv decodes MISB ST 0601 (UAS Datalink Local Set) metadata carried
// alongside motion imagery in MPEG transport streams.
package klv

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/eluv-io/errors-go"

	"github.com/eluv-io/klvsnap/geo"
)

// UASLocalSetKey is the 16-byte SMPTE universal label of the ST 0601 local set.
var UASLocalSetKey = []byte{
	0x06, 0x0e, 0x2b, 0x34, 0x02, 0x0b, 0x01, 0x01,
	0x0e, 0x01, 0x03, 0x01, 0x01, 0x00, 0x00, 0x00,
}

// ST 0601 tags understood by this package. Every other tag is skipped.
const (
	TagChecksum              = 1
	TagPrecisionTimeStamp    = 2
	TagMissionID             = 3
	TagPlatformHeading       = 5
	TagSensorLatitude        = 13
	TagSensorLongitude       = 14
	TagSensorTrueAltitude    = 15
	TagFrameCenterLatitude   = 23
	TagFrameCenterLongitude  = 24
	TagUASLSVersion          = 65
	TagSensorEllipsoidHeight = 75
)

// outOfRange is the reserved int32 value ST 0601 uses to flag an unusable
// latitude or longitude.
const outOfRange = math.MinInt32

// LocalSet is one decoded ST 0601 packet. Optional items are nil when absent.
type LocalSet struct {
	Timestamp             uint64   `json:"timestamp"` // microseconds since the POSIX epoch, 0 if absent
	MissionID             string   `json:"mission_id,omitempty"`
	Version               *uint8   `json:"version,omitempty"`
	PlatformHeading       *float64 `json:"platform_heading,omitempty"`        // degrees
	SensorLatitude        *float64 `json:"sensor_latitude,omitempty"`         // degrees
	SensorLongitude       *float64 `json:"sensor_longitude,omitempty"`        // degrees
	SensorTrueAltitude    *float64 `json:"sensor_true_altitude,omitempty"`    // metres MSL
	SensorEllipsoidHeight *float64 `json:"sensor_ellipsoid_height,omitempty"` // metres HAE
	FrameCenterLatitude   *float64 `json:"frame_center_latitude,omitempty"`   // degrees
	FrameCenterLongitude  *float64 `json:"frame_center_longitude,omitempty"`  // degrees
	Skipped               []uint64 `json:"skipped,omitempty"`                 // tags present but not decoded
}

// Position returns the sensor geoposition carried by the set. ok is false when
// latitude or longitude is missing. Altitude prefers the ellipsoid height and
// falls back to the MSL altitude.
func (ls *LocalSet) Position() (pos geo.Position, ok bool) {
	if ls.SensorLatitude == nil || ls.SensorLongitude == nil {
		return geo.Position{}, false
	}
	pos = geo.Position{
		Lat:    geo.Radians(*ls.SensorLatitude),
		Lon:    geo.Radians(*ls.SensorLongitude),
		TimeUs: ls.Timestamp,
	}
	switch {
	case ls.SensorEllipsoidHeight != nil:
		pos.Alt = *ls.SensorEllipsoidHeight
	case ls.SensorTrueAltitude != nil:
		pos.Alt = *ls.SensorTrueAltitude
	}
	return pos, true
}

// Decode parses a complete ST 0601 packet: universal key, BER length and the
// local set value. The checksum is verified when the packet carries one.
func Decode(pkt []byte) (*LocalSet, error) {
	e := errors.Template("klv.Decode", errors.K.Invalid)

	if len(pkt) < len(UASLocalSetKey) || !bytes.Equal(pkt[:len(UASLocalSetKey)], UASLocalSetKey) {
		return nil, e("reason", "not a UAS local set")
	}
	length, n, err := readLength(pkt[len(UASLocalSetKey):])
	if err != nil {
		return nil, e(err)
	}
	start := len(UASLocalSetKey) + n
	if len(pkt) < start+length {
		return nil, e("reason", "truncated value", "length", length, "available", len(pkt)-start)
	}
	value := pkt[start : start+length]

	ls := &LocalSet{}
	for off := 0; off < len(value); {
		tag, tn, err := readTag(value[off:])
		if err != nil {
			return nil, e(err, "offset", off)
		}
		vlen, ln, err := readLength(value[off+tn:])
		if err != nil {
			return nil, e(err, "tag", tag)
		}
		vstart := off + tn + ln
		if vstart+vlen > len(value) {
			return nil, e("reason", "item overruns local set", "tag", tag, "length", vlen)
		}
		item := value[vstart : vstart+vlen]

		if tag == TagChecksum {
			if vlen != 2 {
				return nil, e("reason", "bad checksum length", "length", vlen)
			}
			want := binary.BigEndian.Uint16(item)
			got := Checksum(pkt[:start+vstart])
			if want != got {
				return nil, e("reason", "checksum mismatch", "want", want, "got", got)
			}
		} else if err = ls.decodeItem(tag, item); err != nil {
			return nil, e(err)
		}
		off = vstart + vlen
	}
	return ls, nil
}

func (ls *LocalSet) decodeItem(tag uint64, item []byte) error {
	e := errors.Template("klv.decodeItem", errors.K.Invalid, "tag", tag)

	need := func(n int) error {
		if len(item) != n {
			return e("reason", "bad item length", "length", len(item), "expected", n)
		}
		return nil
	}

	switch tag {
	case TagPrecisionTimeStamp:
		if err := need(8); err != nil {
			return err
		}
		ls.Timestamp = binary.BigEndian.Uint64(item)
	case TagMissionID:
		ls.MissionID = string(item)
	case TagUASLSVersion:
		if err := need(1); err != nil {
			return err
		}
		v := item[0]
		ls.Version = &v
	case TagPlatformHeading:
		if err := need(2); err != nil {
			return err
		}
		ls.PlatformHeading = ptr(float64(binary.BigEndian.Uint16(item)) * 360 / math.MaxUint16)
	case TagSensorLatitude, TagFrameCenterLatitude, TagSensorLongitude, TagFrameCenterLongitude:
		if err := need(4); err != nil {
			return err
		}
		raw := int32(binary.BigEndian.Uint32(item))
		if raw == outOfRange {
			// reported as "out of range" by the platform; leave the item absent
			return nil
		}
		var v float64
		if tag == TagSensorLatitude || tag == TagFrameCenterLatitude {
			v = float64(raw) * 180 / (math.MaxUint32 - 1)
		} else {
			v = float64(raw) * 360 / (math.MaxUint32 - 1)
		}
		switch tag {
		case TagSensorLatitude:
			ls.SensorLatitude = &v
		case TagSensorLongitude:
			ls.SensorLongitude = &v
		case TagFrameCenterLatitude:
			ls.FrameCenterLatitude = &v
		case TagFrameCenterLongitude:
			ls.FrameCenterLongitude = &v
		}
	case TagSensorTrueAltitude, TagSensorEllipsoidHeight:
		if err := need(2); err != nil {
			return err
		}
		v := float64(binary.BigEndian.Uint16(item))*19900/math.MaxUint16 - 900
		if tag == TagSensorTrueAltitude {
			ls.SensorTrueAltitude = &v
		} else {
			ls.SensorEllipsoidHeight = &v
		}
	default:
		ls.Skipped = append(ls.Skipped, tag)
	}
	return nil
}

// Encode serialises the set as a complete ST 0601 packet with the timestamp
// first and a trailing checksum.
func Encode(ls *LocalSet) []byte {
	var value []byte
	item := func(tag uint64, v []byte) {
		value = appendTag(value, tag)
		value = appendLength(value, len(v))
		value = append(value, v...)
	}

	item(TagPrecisionTimeStamp, binary.BigEndian.AppendUint64(nil, ls.Timestamp))
	if ls.MissionID != "" {
		item(TagMissionID, []byte(ls.MissionID))
	}
	if ls.PlatformHeading != nil {
		item(TagPlatformHeading, binary.BigEndian.AppendUint16(nil, uint16(math.Round(*ls.PlatformHeading*math.MaxUint16/360))))
	}
	if ls.SensorLatitude != nil {
		item(TagSensorLatitude, encodeAngle(*ls.SensorLatitude, 180))
	}
	if ls.SensorLongitude != nil {
		item(TagSensorLongitude, encodeAngle(*ls.SensorLongitude, 360))
	}
	if ls.SensorTrueAltitude != nil {
		item(TagSensorTrueAltitude, encodeAltitude(*ls.SensorTrueAltitude))
	}
	if ls.FrameCenterLatitude != nil {
		item(TagFrameCenterLatitude, encodeAngle(*ls.FrameCenterLatitude, 180))
	}
	if ls.FrameCenterLongitude != nil {
		item(TagFrameCenterLongitude, encodeAngle(*ls.FrameCenterLongitude, 360))
	}
	if ls.Version != nil {
		item(TagUASLSVersion, []byte{*ls.Version})
	}
	if ls.SensorEllipsoidHeight != nil {
		item(TagSensorEllipsoidHeight, encodeAltitude(*ls.SensorEllipsoidHeight))
	}

	// checksum item: tag, length, then two bytes covering everything before them
	value = append(value, TagChecksum, 2)

	pkt := append([]byte{}, UASLocalSetKey...)
	pkt = appendLength(pkt, len(value)+2)
	pkt = append(pkt, value...)
	return binary.BigEndian.AppendUint16(pkt, Checksum(pkt))
}

// Checksum is the ST 0601 16-bit running sum: even-offset bytes land in the
// high byte, odd-offset bytes in the low byte.
func Checksum(b []byte) uint16 {
	var sum uint16
	for i, c := range b {
		sum += uint16(c) << (8 * ((i + 1) % 2))
	}
	return sum
}

func encodeAngle(deg float64, span float64) []byte {
	raw := int32(math.Round(deg * (math.MaxUint32 - 1) / span))
	return binary.BigEndian.AppendUint32(nil, uint32(raw))
}

func encodeAltitude(m float64) []byte {
	v := math.Round((m + 900) * math.MaxUint16 / 19900)
	v = math.Max(0, math.Min(math.MaxUint16, v))
	return binary.BigEndian.AppendUint16(nil, uint16(v))
}

func ptr[T any](v T) *T {
	return &v
}
