package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed(CloseReasonIdleTimeout, 1.5)
	m.Forwarded(DirectionLocalToRelay, 64)
	m.Forwarded(DirectionLocalToRelay, 36)
	m.IOError(ErrorLocalSend)
	m.PortExhausted()
	m.SignalRejected(RejectRateLimited)
	m.LocalOversizeDropped(3)

	if got := testutil.ToFloat64(m.localOversized); got != 3 {
		t.Fatalf("local_oversize_dropped_total=%v, want 3", got)
	}
	if got := testutil.ToFloat64(m.signalsRejected.WithLabelValues(RejectRateLimited)); got != 1 {
		t.Fatalf("signals_rejected_total{rate_limited}=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connectionsActive); got != 1 {
		t.Fatalf("connections_active=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bytes.WithLabelValues(DirectionLocalToRelay)); got != 100 {
		t.Fatalf("bytes_total{local_to_relay}=%v, want 100", got)
	}
	if got := testutil.ToFloat64(m.datagrams.WithLabelValues(DirectionLocalToRelay)); got != 2 {
		t.Fatalf("datagrams_total{local_to_relay}=%v, want 2", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`coplay_relay_connections_closed_total{reason="idle_timeout"} 1`,
		`coplay_relay_io_errors_total{op="local_send"} 1`,
		`coplay_relay_port_exhaustion_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, body)
		}
	}
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ConnectionClosed(CloseReasonRequested, 0)
	m.Forwarded(DirectionRelayToLocal, 1)
	m.IOError(ErrorRelaySend)
	m.RelayInboxDropped()
	m.PortExhausted()
	m.SignalRejected(RejectUnauthorized)
	m.LocalOversizeDropped(1)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
