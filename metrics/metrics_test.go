package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eluv-io/klvsnap/broadcastproto/mpegts"
	"github.com/eluv-io/klvsnap/klv"
	"github.com/eluv-io/klvsnap/stream"
)

func TestGather(t *testing.T) {
	m := New()
	m.FramesCaptured.Add(12)
	m.SnapshotsWritten.Inc()

	values, err := m.Gather()
	require.NoError(t, err)
	require.EqualValues(t, 12, values["klvsnap_frames_captured_total"])
	require.EqualValues(t, 1, values["klvsnap_snapshots_written_total"])
	require.Zero(t, values["klvsnap_frames_decoded_total"])

	parser := klv.NewParser()
	lat, lon := 1.0, 2.0
	parser.Feed(klv.Encode(&klv.LocalSet{SensorLatitude: &lat, SensorLongitude: &lon}))
	parser.Feed(append(append([]byte{}, klv.UASLocalSetKey...), 0x83, 0xff, 0xff, 0xff))

	m.Attach(func() stream.Stats {
		return stream.Stats{
			FramesDecoded: 40,
			FramesDropped: 3,
			KlvQueued:     2,
			RecordedBytes: 188 * 10,
			Demux:         mpegts.StatsSnapshot{PacketsReceived: 10},
		}
	}, parser)

	values, err = m.Gather()
	require.NoError(t, err)
	require.EqualValues(t, 40, values["klvsnap_frames_decoded_total"])
	require.EqualValues(t, 3, values["klvsnap_frames_dropped_total"])
	require.EqualValues(t, 1880, values["klvsnap_recorded_bytes_total"])
	require.EqualValues(t, 10, values["klvsnap_ts_packets_total"])
	require.EqualValues(t, 1, values["klvsnap_klv_parsed_total"])
	require.EqualValues(t, 1, values["klvsnap_klv_rejected_total"])
	require.EqualValues(t, 2, values["klvsnap_klv_queued"])
}

func TestHandler(t *testing.T) {
	m := New()
	m.SnapshotsFailed.Add(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "klvsnap_snapshots_failed_total 2")
	require.Contains(t, string(body), "# TYPE klvsnap_snapshots_failed_total counter")
	require.Contains(t, string(body), "# TYPE klvsnap_frames_decoded_total counter")
	require.Contains(t, string(body), "# TYPE klvsnap_klv_queued gauge")
}

func TestServe(t *testing.T) {
	m := New()
	srv, err := m.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = m.Serve(srv.Addr)
	require.Error(t, err)
}
