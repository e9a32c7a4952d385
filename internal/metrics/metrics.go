package metrics

import (
	"bytes"
	"log/slog"
	"net/http"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/protosnap/protosnap/internal/refresher"
	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
)

const namespace = "protosnap_"

// Source supplies the values exported on each scrape.
type Source interface {
	Stats() store.Stats
	Config() store.Config
	Counters() repository.Counters
}

// Option configures the handler.
type Option func(*handler)

// WithRefresherStatus adds background refresh gauges.
func WithRefresherStatus(fn func() refresher.Status) Option {
	return func(h *handler) { h.refreshStatus = fn }
}

// WithLogger sets the logger for encoding failures.
func WithLogger(l *slog.Logger) Option {
	return func(h *handler) {
		if l != nil {
			h.log = l
		}
	}
}

type handler struct {
	source        Source
	refreshStatus func() refresher.Status
	log           *slog.Logger
}

// Handler returns the /metrics handler for source.
func Handler(source Source, opts ...Option) http.Handler {
	h := &handler{source: source, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	for _, mf := range h.Collect() {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			h.log.Error("metrics: encode family", "name", mf.GetName(), "err", err)
			http.Error(w, "encode metrics", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	_, _ = w.Write(buf.Bytes())
}

// Collect builds the metric families for the current state, sorted by name.
func (h *handler) Collect() []*dto.MetricFamily {
	st := h.source.Stats()
	cfg := h.source.Config()
	c := h.source.Counters()

	fams := []*dto.MetricFamily{
		gauge("snapshot_records", "Number of prototypes in the snapshot.", float64(st.Size)),
		gauge("snapshot_data_bytes", "Estimated serialized size of the snapshot.", float64(st.DataSizeBytes)),
		gauge("snapshot_max_data_bytes", "Configured snapshot size ceiling.", float64(cfg.MaxDataSizeBytes)),
		gauge("snapshot_ttl_seconds", "Configured snapshot TTL; 0 means no expiry.", cfg.TTL.Seconds()),
		gauge("snapshot_ttl_remaining_seconds", "Seconds until the snapshot expires.", st.RemainingTTL.Seconds()),
		gauge("snapshot_expired", "1 if the snapshot is past its TTL.", boolValue(st.IsExpired)),
		gauge("snapshot_refresh_in_flight", "1 while an upstream fetch is outstanding.", boolValue(st.RefreshInFlight)),
		counter("snapshot_calls_total", "Setup and refresh calls, including coalesced ones.", float64(c.Calls)),
		counter("snapshot_flights_total", "Upstream fetches dispatched.", float64(c.Flights)),
		{
			Name: proto.String(namespace + "snapshot_flight_outcomes_total"),
			Help: proto.String("Settled fetches by outcome."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{
				labeledCounter("outcome", "success", float64(c.Succeeded)),
				labeledCounter("outcome", "failure", float64(c.Failed)),
			},
		},
	}
	if st.CachedAt != nil {
		fams = append(fams, gauge("snapshot_cached_at_timestamp_seconds",
			"Unix time of the last successful replace.",
			float64(st.CachedAt.UnixNano())/1e9))
	}
	if h.refreshStatus != nil {
		rs := h.refreshStatus()
		fams = append(fams,
			gauge("refresher_success_ratio", "Share of recent background refreshes that succeeded.", rs.SuccessPct/100),
			gauge("refresher_consecutive_failures", "Background refresh failures since the last success.", float64(rs.ConsecutiveFailures)),
		)
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
	}
}

func counter(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(v)}}},
	}
}

func labeledCounter(label, value string, v float64) *dto.Metric {
	return &dto.Metric{
		Label:   []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(value)}},
		Counter: &dto.Counter{Value: proto.Float64(v)},
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
