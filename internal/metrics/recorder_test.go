package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestRecorderCounters tests that each event lands in its series
func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := New(reg, nil)

	r.UnknownRoute("route", "c1", "10.0.0.1", "bogus", "x")
	r.UnknownRoute("action", "c1", "10.0.0.1", "game", "fly")
	r.RejectedPayload("c1", "10.0.0.1", "game", "submitmove", make([]byte, 4096), errors.New("bad"))
	r.HandlerFault("c1", "game", "submitmove", errors.New("boom"), nil)
	r.Admitted()
	r.Admitted()
	r.Rejected("IP_LIMIT_EXCEEDED")
	r.Closed("c1", "10.0.0.1", 4004, "echo timeout")
	r.EchoTimeout()
	r.ObserveRTT(40 * time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"unknown route", testutil.ToFloat64(r.unknownRoutes.WithLabelValues("route")), 1},
		{"unknown action", testutil.ToFloat64(r.unknownRoutes.WithLabelValues("action")), 1},
		{"rejected payload", testutil.ToFloat64(r.rejectedPayloads.WithLabelValues("game", "submitmove")), 1},
		{"handler fault", testutil.ToFloat64(r.handlerFaults.WithLabelValues("game", "submitmove")), 1},
		{"accepted", testutil.ToFloat64(r.admissions.WithLabelValues("accepted")), 2},
		{"rejected", testutil.ToFloat64(r.admissions.WithLabelValues("IP_LIMIT_EXCEEDED")), 1},
		{"closes", testutil.ToFloat64(r.closes.WithLabelValues("4004")), 1},
		{"connections", testutil.ToFloat64(r.connections), 1},
		{"echo timeouts", testutil.ToFloat64(r.echoTimeouts), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(r.rtt); n != 1 {
		t.Errorf("rtt series = %d, want 1", n)
	}
}
