package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/protosnap/protosnap/internal/refresher"
	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
)

type fakeSource struct {
	stats    store.Stats
	cfg      store.Config
	counters repository.Counters
}

func (f fakeSource) Stats() store.Stats            { return f.stats }
func (f fakeSource) Config() store.Config          { return f.cfg }
func (f fakeSource) Counters() repository.Counters { return f.counters }

func TestHandler_Exposition(t *testing.T) {
	cachedAt := time.Unix(1_700_000_000, 0)
	src := fakeSource{
		stats: store.Stats{
			Size:            42,
			CachedAt:        &cachedAt,
			RemainingTTL:    90 * time.Second,
			DataSizeBytes:   2048,
			RefreshInFlight: true,
		},
		cfg:      store.Config{TTL: 5 * time.Minute, MaxDataSizeBytes: 10 << 20},
		counters: repository.Counters{Calls: 9, Flights: 4, Succeeded: 3, Failed: 1},
	}
	h := Handler(src, WithRefresherStatus(func() refresher.Status {
		return refresher.Status{SuccessPct: 75, ConsecutiveFailures: 2}
	}))

	mfs := scrape(t, h)

	checks := map[string]float64{
		"protosnap_snapshot_records":                     42,
		"protosnap_snapshot_data_bytes":                  2048,
		"protosnap_snapshot_max_data_bytes":              10 << 20,
		"protosnap_snapshot_ttl_seconds":                 300,
		"protosnap_snapshot_ttl_remaining_seconds":       90,
		"protosnap_snapshot_expired":                     0,
		"protosnap_snapshot_refresh_in_flight":           1,
		"protosnap_snapshot_calls_total":                 9,
		"protosnap_snapshot_flights_total":               4,
		"protosnap_snapshot_cached_at_timestamp_seconds": 1_700_000_000,
		"protosnap_refresher_success_ratio":              0.75,
		"protosnap_refresher_consecutive_failures":       2,
	}
	for name, want := range checks {
		mf, ok := mfs[name]
		if !ok {
			t.Errorf("%s: missing", name)
			continue
		}
		if got := value(mf.GetMetric()[0]); got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}

	outcomes := mfs["protosnap_snapshot_flight_outcomes_total"]
	if outcomes == nil || len(outcomes.GetMetric()) != 2 {
		t.Fatalf("flight outcomes: got %v", outcomes)
	}
	for _, m := range outcomes.GetMetric() {
		label := m.GetLabel()[0].GetValue()
		want := map[string]float64{"success": 3, "failure": 1}[label]
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("outcome %s: got %v, want %v", label, got, want)
		}
	}
}

func TestHandler_EmptySnapshotOmitsCachedAt(t *testing.T) {
	mfs := scrape(t, Handler(fakeSource{stats: store.Stats{IsExpired: true}}))

	if _, ok := mfs["protosnap_snapshot_cached_at_timestamp_seconds"]; ok {
		t.Error("cached_at exported for an empty snapshot")
	}
	if _, ok := mfs["protosnap_refresher_success_ratio"]; ok {
		t.Error("refresher gauges exported without a refresher")
	}
	if got := value(mfs["protosnap_snapshot_expired"].GetMetric()[0]); got != 1 {
		t.Errorf("expired: got %v, want 1", got)
	}
}

func TestHandler_ContentType(t *testing.T) {
	rr := httptest.NewRecorder()
	Handler(fakeSource{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type: got %q", ct)
	}
}

// --- helpers ---

func scrape(t *testing.T, h http.Handler) map[string]*dto.MetricFamily {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(rr.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v\n%s", err, rr.Body.String())
	}
	return mfs
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	default:
		return m.GetUntyped().GetValue()
	}
}
