package klv

import (
	"encoding/hex"
	"testing"

	"github.com/eluv-io/errors-go"
	"github.com/stretchr/testify/require"
)

func sampleSet() *LocalSet {
	return &LocalSet{
		Timestamp:             1700000000000000,
		MissionID:             "MISSION01",
		Version:               ptr(uint8(17)),
		PlatformHeading:       ptr(159.97436),
		SensorLatitude:        ptr(30.0),
		SensorLongitude:       ptr(-60.0),
		SensorTrueAltitude:    ptr(1200.0),
		SensorEllipsoidHeight: ptr(1234.5),
		FrameCenterLatitude:   ptr(29.9),
		FrameCenterLongitude:  ptr(-60.1),
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sampleSet()
	pkt := Encode(in)
	require.Equal(t, UASLocalSetKey, pkt[:16])

	out, err := Decode(pkt)
	require.NoError(t, err)
	require.Equal(t, in.Timestamp, out.Timestamp)
	require.Equal(t, in.MissionID, out.MissionID)
	require.Equal(t, *in.Version, *out.Version)
	require.InDelta(t, *in.PlatformHeading, *out.PlatformHeading, 0.01)
	require.InDelta(t, *in.SensorLatitude, *out.SensorLatitude, 1e-7)
	require.InDelta(t, *in.SensorLongitude, *out.SensorLongitude, 1e-7)
	require.InDelta(t, *in.SensorTrueAltitude, *out.SensorTrueAltitude, 0.31)
	require.InDelta(t, *in.SensorEllipsoidHeight, *out.SensorEllipsoidHeight, 0.31)
	require.InDelta(t, *in.FrameCenterLatitude, *out.FrameCenterLatitude, 1e-7)
	require.InDelta(t, *in.FrameCenterLongitude, *out.FrameCenterLongitude, 1e-7)
	require.Empty(t, out.Skipped)
}

// Example local set from MISB ST 0601.8 appendix (timestamp, mission id,
// platform heading and a trailing checksum).
func TestDecodeReferencePacket(t *testing.T) {
	pkt, err := hex.DecodeString(
		"060e2b34020b01010e01030101000000" + // key
			"1d" + // length
			"0208" + "0004ca14289b1c4b" + // precision time stamp
			"0309" + "4d495353494f4e3031" + // mission id
			"0502" + "71c2" + // platform heading
			"0d04" + "5595b66d" + // sensor latitude
			"0102") // checksum tag and length
	require.NoError(t, err)
	pkt[16] = byte(len(pkt) - 17 + 2)
	pkt = append(pkt, byte(Checksum(pkt)>>8), byte(Checksum(pkt)))

	ls, err := Decode(pkt)
	require.NoError(t, err)
	require.EqualValues(t, 0x0004ca14289b1c4b, ls.Timestamp)
	require.Equal(t, "MISSION01", ls.MissionID)
	require.InDelta(t, 159.9744, *ls.PlatformHeading, 1e-3)
	require.InDelta(t, 60.1768, *ls.SensorLatitude, 1e-3)
	require.Nil(t, ls.SensorLongitude)

	_, ok := ls.Position()
	require.False(t, ok)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	pkt := Encode(sampleSet())
	pkt[len(pkt)-1] ^= 0xff

	_, err := Decode(pkt)
	require.Error(t, err)
	require.True(t, errors.IsKind(errors.K.Invalid, err))
}

func TestDecodeErrors(t *testing.T) {
	good := Encode(sampleSet())

	tests := []struct {
		name string
		pkt  []byte
	}{
		{"empty", nil},
		{"wrongKey", append([]byte{0x07}, good[1:]...)},
		{"truncated", good[:len(good)-5]},
		{"badLengthForm", append(append([]byte{}, good[:16]...), 0x85, 0, 0, 0, 0, 1)},
		{"itemOverrun", append(append([]byte{}, UASLocalSetKey...), 0x03, TagSensorLatitude, 0x04, 0x00)},
		{"shortTimestamp", append(append([]byte{}, UASLocalSetKey...), 0x03, TagPrecisionTimeStamp, 0x01, 0x00)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.pkt)
			require.Error(t, err)
		})
	}
}

func TestDecodeSkipsUnknownTags(t *testing.T) {
	value := []byte{
		TagPrecisionTimeStamp, 8, 0, 0, 0, 0, 0, 0, 0, 1,
		0x30, 3, 1, 2, 3, // tag 48: security local set, not decoded
		0x81, 0x01, 1, 9, // tag 129 in two-byte BER-OID
	}
	pkt := append(append([]byte{}, UASLocalSetKey...), byte(len(value)))
	pkt = append(pkt, value...)

	ls, err := Decode(pkt)
	require.NoError(t, err)
	require.EqualValues(t, 1, ls.Timestamp)
	require.Equal(t, []uint64{48, 129}, ls.Skipped)
}

func TestDecodeOutOfRangeLatitude(t *testing.T) {
	value := []byte{
		TagSensorLatitude, 4, 0x80, 0, 0, 0,
		TagSensorLongitude, 4, 0, 0, 0, 0,
	}
	pkt := append(append([]byte{}, UASLocalSetKey...), byte(len(value)))
	pkt = append(pkt, value...)

	ls, err := Decode(pkt)
	require.NoError(t, err)
	require.Nil(t, ls.SensorLatitude)
	require.NotNil(t, ls.SensorLongitude)
	_, ok := ls.Position()
	require.False(t, ok)
}

func TestPositionAltitudePreference(t *testing.T) {
	ls := &LocalSet{SensorLatitude: ptr(1.0), SensorLongitude: ptr(2.0), SensorTrueAltitude: ptr(100.0)}
	pos, ok := ls.Position()
	require.True(t, ok)
	require.Equal(t, 100.0, pos.Alt)

	ls.SensorEllipsoidHeight = ptr(130.0)
	pos, _ = ls.Position()
	require.Equal(t, 130.0, pos.Alt)

	ls.SensorTrueAltitude, ls.SensorEllipsoidHeight = nil, nil
	pos, _ = ls.Position()
	require.Equal(t, 0.0, pos.Alt)
}

func TestBERLength(t *testing.T) {
	for _, l := range []int{0, 1, 127, 128, 255, 256, 65535, 1 << 20} {
		b := appendLength(nil, l)
		got, n, err := readLength(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, l, got)
	}
	_, _, err := readLength([]byte{0x82, 0x01})
	require.Equal(t, errShort, err)
}

func TestBERTag(t *testing.T) {
	for _, tag := range []uint64{1, 65, 127, 128, 129, 16383, 16384} {
		b := appendTag(nil, tag)
		got, n, err := readTag(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		require.Equal(t, tag, got)
	}
}
