package klv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eluv-io/klvsnap/geo"
)

func packet(lat, lon float64) []byte {
	return Encode(&LocalSet{
		Timestamp:       1700000000000000,
		SensorLatitude:  ptr(lat),
		SensorLongitude: ptr(lon),
	})
}

func TestParserEmpty(t *testing.T) {
	p := NewParser()
	p.Feed(nil)
	p.Feed([]byte{})

	_, ok := p.Current()
	require.False(t, ok)
	require.Zero(t, p.Pending())
	require.Zero(t, p.Parsed())
}

func TestParserSinglePacket(t *testing.T) {
	p := NewParser()
	var sets []*LocalSet
	p.OnSet = func(ls *LocalSet) { sets = append(sets, ls) }

	p.Feed(packet(30, -60))

	pos, ok := p.Current()
	require.True(t, ok)
	require.InDelta(t, 30, geo.Degrees(pos.Lat), 1e-6)
	require.InDelta(t, -60, geo.Degrees(pos.Lon), 1e-6)
	require.EqualValues(t, 1700000000000000, pos.TimeUs)
	require.Len(t, sets, 1)
	require.EqualValues(t, 1, p.Parsed())
	require.Zero(t, p.Pending())
}

func TestParserSplitFeeds(t *testing.T) {
	stream := append(packet(10, 20), packet(11, 21)...)

	for _, chunk := range []int{1, 3, 7, 16, 17, 50} {
		p := NewParser()
		for off := 0; off < len(stream); off += chunk {
			p.Feed(stream[off:min(off+chunk, len(stream))])
		}
		pos, ok := p.Current()
		require.True(t, ok, "chunk %d", chunk)
		require.InDelta(t, 11, geo.Degrees(pos.Lat), 1e-6, "chunk %d", chunk)
		require.InDelta(t, 21, geo.Degrees(pos.Lon), 1e-6, "chunk %d", chunk)
		require.EqualValues(t, 2, p.Parsed(), "chunk %d", chunk)
		require.Zero(t, p.Rejected(), "chunk %d", chunk)
	}
}

func TestParserIncompleteKeepsPrevious(t *testing.T) {
	p := NewParser()
	p.Feed(packet(10, 20))

	next := packet(40, 50)
	p.Feed(next[:len(next)-3])

	pos, _ := p.Current()
	require.InDelta(t, 10, geo.Degrees(pos.Lat), 1e-6)
	require.Equal(t, len(next)-3, p.Pending())

	p.Feed(next[len(next)-3:])
	pos, _ = p.Current()
	require.InDelta(t, 40, geo.Degrees(pos.Lat), 1e-6)
	require.Zero(t, p.Pending())
}

func TestParserResyncAfterGarbage(t *testing.T) {
	p := NewParser()
	stream := []byte{0xde, 0xad, 0xbe, 0xef, 0x06, 0x0e, 0x2b}
	stream = append(stream, packet(12, 34)...)
	stream = append(stream, 0x00, 0x01, 0x02)

	p.Feed(stream)

	pos, ok := p.Current()
	require.True(t, ok)
	require.InDelta(t, 12, geo.Degrees(pos.Lat), 1e-6)
	require.EqualValues(t, 1, p.Parsed())
	// trailing garbage shorter than a key is retained
	require.LessOrEqual(t, p.Pending(), len(UASLocalSetKey)-1)
}

func TestParserChecksumMismatchRejected(t *testing.T) {
	p := NewParser()
	p.Feed(packet(10, 20))

	bad := packet(45, 45)
	bad[len(bad)-2] ^= 0x55
	p.Feed(bad)

	pos, _ := p.Current()
	require.InDelta(t, 10, geo.Degrees(pos.Lat), 1e-6)
	require.EqualValues(t, 1, p.Rejected())

	p.Feed(packet(-5, 6))
	pos, _ = p.Current()
	require.InDelta(t, -5, geo.Degrees(pos.Lat), 1e-6)
	require.EqualValues(t, 2, p.Parsed())
}

func TestParserTruncatedPacketFollowedByKey(t *testing.T) {
	p := NewParser()
	cut := packet(10, 20)
	cut = cut[:len(cut)-10]

	stream := append(cut, packet(33, 44)...)
	p.Feed(stream)

	pos, ok := p.Current()
	require.True(t, ok)
	require.InDelta(t, 33, geo.Degrees(pos.Lat), 1e-6)
	require.EqualValues(t, 1, p.Parsed())
	require.GreaterOrEqual(t, p.Rejected(), uint64(1))
	require.Zero(t, p.Pending())
}

func TestParserBadLength(t *testing.T) {
	p := NewParser()
	stream := append([]byte{}, UASLocalSetKey...)
	stream = append(stream, 0x88, 0xff) // eight length bytes
	stream = append(stream, packet(1, 2)...)

	p.Feed(stream)

	pos, ok := p.Current()
	require.True(t, ok)
	require.InDelta(t, 1, geo.Degrees(pos.Lat), 1e-6)
	require.EqualValues(t, 1, p.Rejected())
}

func TestParserOversizedLength(t *testing.T) {
	p := NewParser()
	stream := append([]byte{}, UASLocalSetKey...)
	stream = append(stream, 0x83, 0x10, 0x00, 0x00) // 1 MiB
	stream = append(stream, packet(3, 4)...)

	p.Feed(stream)

	pos, ok := p.Current()
	require.True(t, ok)
	require.InDelta(t, 3, geo.Degrees(pos.Lat), 1e-6)
}

func TestParserIgnoresSetWithoutPosition(t *testing.T) {
	p := NewParser()
	p.Feed(packet(10, 20))
	p.Feed(Encode(&LocalSet{Timestamp: 5, MissionID: "X"}))

	pos, ok := p.Current()
	require.True(t, ok)
	require.InDelta(t, 10, geo.Degrees(pos.Lat), 1e-6)
	require.EqualValues(t, 2, p.Parsed())
}
