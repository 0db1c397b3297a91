package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesReceived.WithLabelValues("MESH_SIGNIN").Inc()
	m.FramesDropped.WithLabelValues(DropMalformed).Add(2)
	m.UplinkSessions.Set(3)

	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues(DropMalformed)); got != 2 {
		t.Errorf("frames dropped = %v, want 2", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`meshrelay_frames_received_total{type="MESH_SIGNIN"} 1`,
		`meshrelay_frames_dropped_total{reason="malformed"} 2`,
		`meshrelay_uplink_sessions 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.OwnershipTransfers.Inc()
	if got := testutil.ToFloat64(b.OwnershipTransfers); got != 0 {
		t.Errorf("second instance saw %v transfers", got)
	}
}
