package repository

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/pkg/types"
)

// flightKey is the single singleflight key: any outstanding fetch is joined
// regardless of its parameters.
const flightKey = "snapshot"

// FetchFunc retrieves normalized prototypes. upstream.Client.Fetch is the
// production implementation.
type FetchFunc func(ctx context.Context, params upstream.ListParams) ([]types.Prototype, error)

// Counters are cumulative snapshot operation counts.
type Counters struct {
	Calls     uint64 `json:"calls"`
	Flights   uint64 `json:"flights"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

// IDRange is the smallest and largest prototype ID in the snapshot. Both are
// nil when the snapshot is empty.
type IDRange struct {
	Min *int `json:"min"`
	Max *int `json:"max"`
}

// Option configures a Repository.
type Option func(*Repository)

// WithDefaults sets the list parameters every fetch starts from.
func WithDefaults(p upstream.ListParams) Option {
	return func(r *Repository) { r.defaults = p }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.log = l
		}
	}
}

// WithRand replaces the random source used by the random reads. intn must
// return a uniformly distributed value in [0, n).
func WithRand(intn func(n int) int) Option {
	return func(r *Repository) { r.intn = intn }
}

// WithTracer sets the tracer for flight spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Repository) { r.tracer = t }
}

// Repository owns the fetch coordination around a snapshot store.
type Repository struct {
	store  *store.Store[types.Prototype]
	fetch  FetchFunc
	log    *slog.Logger
	tracer trace.Tracer
	intn   func(n int) int

	group singleflight.Group

	mu         sync.RWMutex
	defaults   upstream.ListParams
	lastParams *upstream.ListParams

	calls, flights, succeeded, failed atomic.Uint64
}

// New returns a Repository over st that fetches with fetch.
func New(st *store.Store[types.Prototype], fetch FetchFunc, opts ...Option) *Repository {
	r := &Repository{
		store:  st,
		fetch:  fetch,
		log:    slog.New(slog.DiscardHandler),
		tracer: otel.Tracer("protosnap/repository"),
		intn:   rand.IntN,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetupSnapshot fetches params merged over the defaults and replaces the
// snapshot. If a fetch is already in flight the call joins it instead.
func (r *Repository) SetupSnapshot(ctx context.Context, params upstream.ListParams) (store.Stats, error) {
	return r.do(ctx, "setup", func() upstream.ListParams {
		return r.Defaults().Merge(params)
	})
}

// RefreshSnapshot repeats the last successful fetch, or the defaults if
// there has been none. If a fetch is already in flight the call joins it.
func (r *Repository) RefreshSnapshot(ctx context.Context) (store.Stats, error) {
	return r.do(ctx, "refresh", func() upstream.ListParams {
		if p, ok := r.LastFetchParams(); ok {
			return p
		}
		return r.Defaults()
	})
}

// do runs one flight or joins the outstanding one. params is only evaluated
// by the call that starts the flight.
func (r *Repository) do(ctx context.Context, op string, params func() upstream.ListParams) (store.Stats, error) {
	r.calls.Add(1)
	v, err, shared := r.group.Do(flightKey, func() (any, error) {
		// The flight outlives any single caller's cancellation.
		st, f := r.flight(context.WithoutCancel(ctx), op, params())
		if f != nil {
			return st, f
		}
		return st, nil
	})
	if shared {
		r.log.Debug("repository: joined in-flight fetch", "op", op)
	}
	return v.(store.Stats), err
}

// flight performs one fetch and replace. It never panics and reports every
// failure as a *Failure.
func (r *Repository) flight(ctx context.Context, op string, params upstream.ListParams) (st store.Stats, fail *Failure) {
	id := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "Repository."+op, trace.WithAttributes(
		attribute.String("flight.id", id),
		attribute.Int("params.offset", params.Offset),
		attribute.Int("params.limit", params.Limit),
	))
	defer span.End()

	log := r.log.With("flight_id", id, "op", op)
	start := time.Now()
	r.flights.Add(1)
	r.store.SetRefreshInFlight(true)

	defer func() {
		r.store.SetRefreshInFlight(false)
		if p := recover(); p != nil {
			fail = unknownFailure(fmt.Errorf("panic during snapshot %s: %v", op, p))
			st = store.Stats{}
		}
		if fail != nil {
			r.failed.Add(1)
			span.RecordError(fail)
			span.SetStatus(codes.Error, fail.Code)
			return
		}
		r.succeeded.Add(1)
		log.Info("repository: snapshot replaced",
			"size", st.Size, "data_size_bytes", st.DataSizeBytes,
			"duration_ms", time.Since(start).Milliseconds())
	}()

	records, err := r.fetch(ctx, params)
	if err != nil {
		f := fetchFailure(err)
		log.Error("repository: fetch failed",
			"error_name", errorName(err), "data_state", string(store.DataStateUnchanged),
			"origin", f.Origin, "kind", f.Kind, "code", f.Code, "status", f.Status, "err", err)
		return store.Stats{}, f
	}
	// The fetch has settled; the replace below does not suspend.
	r.store.SetRefreshInFlight(false)
	r.setLastFetchParams(params)

	st, err = r.store.ReplaceAll(records)
	if err != nil {
		f := storeFailure(err)
		log.Error("repository: store rejected snapshot",
			"error_name", errorName(err), "data_state", string(f.DataState),
			"code", f.Code, "err", err)
		return store.Stats{}, f
	}
	span.SetAttributes(attribute.Int("snapshot.size", st.Size))
	return st, nil
}

// Defaults returns the parameters fetches start from.
func (r *Repository) Defaults() upstream.ListParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetDefaults replaces the default parameters. It does not affect
// LastFetchParams or any flight already running.
func (r *Repository) SetDefaults(p upstream.ListParams) {
	r.mu.Lock()
	r.defaults = p
	r.mu.Unlock()
}

// LastFetchParams returns the parameters of the last successful fetch.
func (r *Repository) LastFetchParams() (upstream.ListParams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastParams == nil {
		return upstream.ListParams{}, false
	}
	return *r.lastParams, true
}

func (r *Repository) setLastFetchParams(p upstream.ListParams) {
	r.mu.Lock()
	r.lastParams = &p
	r.mu.Unlock()
}

// Stats returns the store statistics.
func (r *Repository) Stats() store.Stats { return r.store.Stats() }

// Config returns the store configuration.
func (r *Repository) Config() store.Config { return r.store.Config() }

// Counters returns cumulative operation counts.
func (r *Repository) Counters() Counters {
	return Counters{
		Calls:     r.calls.Load(),
		Flights:   r.flights.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
	}
}

// PrototypeFromSnapshot returns the prototype with the given ID.
func (r *Repository) PrototypeFromSnapshot(id int) (types.Prototype, bool) {
	return r.store.GetByID(id)
}

// PrototypesFromSnapshot returns the whole snapshot in fetch order. The slice
// is shared with the store and must not be modified.
func (r *Repository) PrototypesFromSnapshot() []types.Prototype {
	return r.store.GetAll()
}

// PrototypeIDsFromSnapshot returns the snapshot IDs in fetch order. The slice
// is shared with the store and must not be modified.
func (r *Repository) PrototypeIDsFromSnapshot() []int {
	return r.store.GetKeys()
}

// RandomPrototypeFromSnapshot returns one uniformly chosen prototype, or false
// when the snapshot is empty.
func (r *Repository) RandomPrototypeFromSnapshot() (types.Prototype, bool) {
	all := r.store.GetAll()
	if len(all) == 0 {
		return types.Prototype{}, false
	}
	return all[r.intn(len(all))], true
}

// RandomSampleFromSnapshot returns min(k, size) distinct prototypes in random
// order. k <= 0 yields an empty slice.
func (r *Repository) RandomSampleFromSnapshot(k int) []types.Prototype {
	all := r.store.GetAll()
	n := len(all)
	if k <= 0 || n == 0 {
		return []types.Prototype{}
	}
	k = min(k, n)

	// Dense samples shuffle; sparse samples draw and reject repeats.
	if 2*k >= n {
		shuffled := slices.Clone(all)
		for i := n - 1; i > 0; i-- {
			j := r.intn(i + 1)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		return shuffled[:k]
	}

	seen := make(map[int]struct{}, k)
	out := make([]types.Prototype, 0, k)
	for len(out) < k {
		i := r.intn(n)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, all[i])
	}
	return out
}

// AnalyzePrototypes returns the ID range of the snapshot.
func (r *Repository) AnalyzePrototypes() IDRange {
	ids := r.store.GetKeys()
	if len(ids) == 0 {
		return IDRange{}
	}
	lo, hi := ids[0], ids[0]
	for _, id := range ids[1:] {
		lo = min(lo, id)
		hi = max(hi, id)
	}
	return IDRange{Min: &lo, Max: &hi}
}
