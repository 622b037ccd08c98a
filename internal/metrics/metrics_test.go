package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIsolatedPerInstance(t *testing.T) {
	a := New()
	b := New()

	a.EventsDropped.WithLabelValues("process", ReasonCap).Add(50)
	assert.Equal(t, 50.0, testutil.ToFloat64(a.EventsDropped.WithLabelValues("process", ReasonCap)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.EventsDropped.WithLabelValues("process", ReasonCap)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MissedCycles.WithLabelValues("filesystem").Inc()
	m.SinkRecordsLost.WithLabelValues("event").Add(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `xdr_sensor_missed_cycles_total{source="filesystem"} 1`)
	assert.Contains(t, string(body), `xdr_sensor_sink_records_lost_total{kind="event"} 3`)
}

func TestServeStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, addr, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
