package repository

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/pkg/types"
)

func TestSetupSnapshot_Success(t *testing.T) {
	f := &fakeFetcher{result: protos(1, 2)}
	r := New(newStore(t, store.Config{TTL: time.Minute}), f.fetch,
		WithDefaults(upstream.ListParams{Limit: 10, TagNm: "IoT"}))

	stats, err := r.SetupSnapshot(context.Background(), upstream.ListParams{Limit: 50})
	if err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	if stats.Size != 2 {
		t.Errorf("Size: got %d, want 2", stats.Size)
	}
	if stats.RefreshInFlight {
		t.Error("RefreshInFlight: got true after the fetch settled")
	}

	want := upstream.ListParams{Limit: 50, TagNm: "IoT"}
	if diff := cmp.Diff(want, f.lastParams()); diff != "" {
		t.Errorf("fetched params (-want +got):\n%s", diff)
	}
	got, ok := r.LastFetchParams()
	if !ok {
		t.Fatal("LastFetchParams: not recorded")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LastFetchParams (-want +got):\n%s", diff)
	}
}

func TestRefreshSnapshot_UsesDefaultsThenLastParams(t *testing.T) {
	f := &fakeFetcher{result: protos(1)}
	r := New(newStore(t, store.Config{}), f.fetch,
		WithDefaults(upstream.ListParams{Limit: 10}))

	if _, err := r.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if got := f.lastParams(); got.Limit != 10 {
		t.Errorf("first refresh params: got %+v, want defaults", got)
	}

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{UserNm: "alice"}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	if _, err := r.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if got := f.lastParams(); got.UserNm != "alice" || got.Limit != 10 {
		t.Errorf("refresh params: got %+v, want last setup params", got)
	}
}

func TestCoalescing_MixedCallsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{result: protos(1, 2, 3), gate: release}
	r := New(newStore(t, store.Config{}), f.fetch)

	const n = 10
	type outcome struct {
		stats store.Stats
		err   error
	}
	results := make([]outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var o outcome
			if i%2 == 0 {
				o.stats, o.err = r.SetupSnapshot(context.Background(), upstream.ListParams{Offset: i})
			} else {
				o.stats, o.err = r.RefreshSnapshot(context.Background())
			}
			results[i] = o
		}(i)
	}

	waitForCalls(t, r, n)
	close(release)
	wg.Wait()

	if got := f.count(); got != 1 {
		t.Fatalf("fetch calls: got %d, want 1", got)
	}
	for i := 1; i < n; i++ {
		if results[i].err != nil {
			t.Fatalf("call %d: unexpected error %v", i, results[i].err)
		}
		if diff := cmp.Diff(results[0].stats, results[i].stats); diff != "" {
			t.Errorf("call %d stats differ (-first +this):\n%s", i, diff)
		}
	}
	if c := r.Counters(); c.Flights != 1 || c.Calls != n || c.Succeeded != 1 {
		t.Errorf("Counters: got %+v", c)
	}
}

func TestCoalescing_FailureShared(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{
		err:  &upstream.FetchFailure{Kind: upstream.KindHTTP, Code: upstream.CodeServerUnavailable, Status: 503, Message: "down"},
		gate: release,
	}
	r := New(newStore(t, store.Config{}), f.fetch)

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.RefreshSnapshot(context.Background())
		}(i)
	}
	waitForCalls(t, r, n)
	close(release)
	wg.Wait()

	if got := f.count(); got != 1 {
		t.Fatalf("fetch calls: got %d, want 1", got)
	}
	first := asFailure(t, errs[0])
	for i := 1; i < n; i++ {
		if asFailure(t, errs[i]) != first {
			t.Errorf("call %d: got a different *Failure than call 0", i)
		}
	}
}

func TestCoalescing_OriginatingParamsApplied(t *testing.T) {
	release := make(chan struct{})
	f := &fakeFetcher{result: protos(1), gate: release}
	r := New(newStore(t, store.Config{}), f.fetch)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.SetupSnapshot(context.Background(), upstream.ListParams{TagNm: "first"})
	}()
	waitForCalls(t, r, 1)
	f.waitStarted(t)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.SetupSnapshot(context.Background(), upstream.ListParams{TagNm: "second"})
	}()
	waitForCalls(t, r, 2)
	close(release)
	wg.Wait()

	if got := f.count(); got != 1 {
		t.Fatalf("fetch calls: got %d, want 1", got)
	}
	if got, _ := r.LastFetchParams(); got.TagNm != "first" {
		t.Errorf("LastFetchParams.TagNm: got %q, want first", got.TagNm)
	}
}

func TestNonCoalescingAfterSettlement(t *testing.T) {
	f := &fakeFetcher{result: protos(1)}
	r := New(newStore(t, store.Config{}), f.fetch)

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	if _, err := r.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if got := f.count(); got != 2 {
		t.Errorf("fetch calls: got %d, want 2", got)
	}
}

func TestReadsNeverFetch(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	st := newStore(t, store.Config{TTL: time.Second},
		store.WithClock[types.Prototype](func() time.Time { return now }))
	f := &fakeFetcher{result: protos(4, 9, 2)}
	r := New(st, f.fetch)

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	now = base.Add(time.Hour)
	if !r.Stats().IsExpired {
		t.Fatal("snapshot should be expired")
	}

	r.PrototypeFromSnapshot(4)
	r.PrototypesFromSnapshot()
	r.RandomPrototypeFromSnapshot()
	r.RandomSampleFromSnapshot(2)
	r.PrototypeIDsFromSnapshot()
	r.AnalyzePrototypes()
	r.Config()

	if got := f.count(); got != 1 {
		t.Errorf("fetch calls: got %d, want 1", got)
	}
	if p, ok := r.PrototypeFromSnapshot(9); !ok || p.ID != 9 {
		t.Errorf("expired snapshot read: got %+v, %v", p, ok)
	}
}

func TestRandomSampleFromSnapshot(t *testing.T) {
	f := &fakeFetcher{result: protos(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}
	rng := rand.New(rand.NewPCG(1, 2))
	r := New(newStore(t, store.Config{}), f.fetch, WithRand(rng.IntN))
	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}

	tests := []struct {
		k    int
		want int
	}{
		{-1, 0},
		{0, 0},
		{1, 1},
		{3, 3},
		{5, 5},
		{9, 9},
		{10, 10},
		{25, 10},
	}
	for _, tc := range tests {
		got := r.RandomSampleFromSnapshot(tc.k)
		if got == nil {
			t.Errorf("k=%d: got nil slice, want empty", tc.k)
		}
		if len(got) != tc.want {
			t.Errorf("k=%d: got %d records, want %d", tc.k, len(got), tc.want)
		}
		seen := make(map[int]bool)
		for _, p := range got {
			if seen[p.ID] {
				t.Errorf("k=%d: duplicate id %d", tc.k, p.ID)
			}
			seen[p.ID] = true
		}
	}
}

func TestRandomSampleFromSnapshot_EmptyAndDoesNotMutate(t *testing.T) {
	f := &fakeFetcher{result: protos(1, 2, 3, 4)}
	r := New(newStore(t, store.Config{}), f.fetch)
	if got := r.RandomSampleFromSnapshot(3); len(got) != 0 {
		t.Errorf("empty snapshot sample: got %d records", len(got))
	}

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	for i := 0; i < 20; i++ {
		r.RandomSampleFromSnapshot(4)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4}, r.PrototypeIDsFromSnapshot()); diff != "" {
		t.Errorf("snapshot order changed by sampling (-want +got):\n%s", diff)
	}
}

func TestRandomPrototypeFromSnapshot(t *testing.T) {
	f := &fakeFetcher{result: protos(5, 6, 7)}
	r := New(newStore(t, store.Config{}), f.fetch, WithRand(func(n int) int { return n - 1 }))

	if _, ok := r.RandomPrototypeFromSnapshot(); ok {
		t.Error("empty snapshot: expected no prototype")
	}
	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	p, ok := r.RandomPrototypeFromSnapshot()
	if !ok || p.ID != 7 {
		t.Errorf("RandomPrototypeFromSnapshot: got %+v, %v, want id 7", p, ok)
	}
}

func TestAnalyzePrototypes(t *testing.T) {
	f := &fakeFetcher{result: protos(40, 3, 17, 99, 8)}
	r := New(newStore(t, store.Config{}), f.fetch)

	if got := r.AnalyzePrototypes(); got.Min != nil || got.Max != nil {
		t.Errorf("empty: got %+v, want nil range", got)
	}
	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	got := r.AnalyzePrototypes()
	if got.Min == nil || *got.Min != 3 || got.Max == nil || *got.Max != 99 {
		t.Errorf("range: got min=%v max=%v, want 3..99", deref(got.Min), deref(got.Max))
	}
}

func TestFailureIsolation_SetupOnEmpty(t *testing.T) {
	f := &fakeFetcher{err: &upstream.FetchFailure{
		Kind: upstream.KindHTTP, Code: upstream.CodeNotFound, Status: 404,
		Message: "Not Found", Details: map[string]any{"url": "x"},
	}}
	r := New(newStore(t, store.Config{}), f.fetch)

	_, err := r.SetupSnapshot(context.Background(), upstream.ListParams{Limit: 3})
	fail := asFailure(t, err)
	want := &Failure{
		Origin: OriginFetcher, Kind: upstream.KindHTTP, Code: upstream.CodeNotFound,
		Status: 404, Message: "Not Found", Details: map[string]any{"url": "x"},
	}
	if diff := cmp.Diff(want, fail, cmpFailure); diff != "" {
		t.Errorf("Failure (-want +got):\n%s", diff)
	}
	if n := r.Stats().Size; n != 0 {
		t.Errorf("Size: got %d, want 0", n)
	}
	if _, ok := r.LastFetchParams(); ok {
		t.Error("LastFetchParams recorded after a failed fetch")
	}
	if c := r.Counters(); c.Failed != 1 || c.Succeeded != 0 {
		t.Errorf("Counters: got %+v", c)
	}
}

func TestScenario_FailedRefreshKeepsSnapshot(t *testing.T) {
	f := &fakeFetcher{result: protos(1, 2)}
	r := New(newStore(t, store.Config{}), f.fetch)

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{Limit: 2}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	if n := r.Stats().Size; n != 2 {
		t.Fatalf("Size: got %d, want 2", n)
	}
	before, _ := r.PrototypeFromSnapshot(1)

	f.set(nil, errors.New("connection reset"))
	_, err := r.RefreshSnapshot(context.Background())
	if fail := asFailure(t, err); fail.Origin != OriginUnknown {
		t.Errorf("Origin: got %q, want %q", fail.Origin, OriginUnknown)
	}
	after, ok := r.PrototypeFromSnapshot(1)
	if !ok {
		t.Fatal("id 1 lost after failed refresh")
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("id 1 changed (-before +after):\n%s", diff)
	}

	f.set(protos(3), nil)
	if _, err := r.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("RefreshSnapshot: %v", err)
	}
	if _, ok := r.PrototypeFromSnapshot(1); ok {
		t.Error("id 1 still present after full replace")
	}
	if _, ok := r.PrototypeFromSnapshot(3); !ok {
		t.Error("id 3 missing after refresh")
	}
	if got := f.lastParams(); got.Limit != 2 {
		t.Errorf("refresh params: got %+v, want last setup params", got)
	}
}

func TestScenario_CapacityExceeded(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	st := newStore(t, store.Config{MaxDataSizeBytes: 10_000_000},
		store.WithSizeEstimator[types.Prototype](func([]types.Prototype) (int64, error) {
			return 50_000_000, nil
		}))
	f := &fakeFetcher{result: protos(1, 2)}
	r := New(st, f.fetch, WithLogger(logger))

	_, err := r.SetupSnapshot(context.Background(), upstream.ListParams{})
	fail := asFailure(t, err)
	if fail.Origin != OriginStore || fail.Kind != KindStorageLimit || fail.Code != CodeStoreCapacityExceeded {
		t.Errorf("Failure: got %s/%s/%s", fail.Origin, fail.Kind, fail.Code)
	}
	if fail.DataState != store.DataStateUnchanged {
		t.Errorf("DataState: got %q, want UNCHANGED", fail.DataState)
	}
	if fail.Details["attempted_size_bytes"] != int64(50_000_000) || fail.Details["max_size_bytes"] != int64(10_000_000) {
		t.Errorf("Details: got %v", fail.Details)
	}
	var de *store.DataSizeExceededError
	if !errors.As(err, &de) {
		t.Error("Failure should unwrap to *store.DataSizeExceededError")
	}
	if n := r.Stats().Size; n != 0 {
		t.Errorf("Size: got %d, want 0", n)
	}

	logged := logBuf.String()
	for _, want := range []string{`"level":"ERROR"`, `"error_name":"DataSizeExceededError"`, `"data_state":"UNCHANGED"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %s:\n%s", want, logged)
		}
	}
}

func TestSerializationFailure(t *testing.T) {
	st := newStore(t, store.Config{},
		store.WithSizeEstimator[types.Prototype](func([]types.Prototype) (int64, error) {
			return 0, errors.New("cycle")
		}))
	f := &fakeFetcher{result: protos(1)}
	r := New(st, f.fetch)

	_, err := r.SetupSnapshot(context.Background(), upstream.ListParams{})
	fail := asFailure(t, err)
	if fail.Kind != KindSerialization || fail.Code != CodeStoreSerialization {
		t.Errorf("Failure: got %s/%s", fail.Kind, fail.Code)
	}
	if fail.DataState != store.DataStateUnchanged {
		t.Errorf("DataState: got %q, want UNCHANGED", fail.DataState)
	}
}

func TestStorePanicBecomesStoreFailure(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	st := newStore(t, store.Config{},
		store.WithSizeEstimator[types.Prototype](func([]types.Prototype) (int64, error) {
			panic("estimator bug")
		}))
	r := New(st, (&fakeFetcher{result: protos(1)}).fetch, WithLogger(logger))

	_, err := r.SetupSnapshot(context.Background(), upstream.ListParams{})
	fail := asFailure(t, err)
	if fail.Origin != OriginStore || fail.Kind != KindUnknown || fail.Code != CodeStoreUnknown {
		t.Errorf("Failure: got %s/%s/%s, want store/unknown/STORE_UNKNOWN", fail.Origin, fail.Kind, fail.Code)
	}
	if fail.DataState != store.DataStateUnchanged {
		t.Errorf("DataState: got %q, want UNCHANGED", fail.DataState)
	}
	var se *store.StoreError
	if !errors.As(err, &se) {
		t.Error("Failure should unwrap to *store.StoreError")
	}
	if !strings.Contains(logBuf.String(), `"error_name":"StoreError"`) {
		t.Errorf("log output missing error_name:\n%s", logBuf.String())
	}
}

func TestFetchFailureLogged(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	f := &fakeFetcher{err: &upstream.FetchFailure{
		Kind: upstream.KindHTTP, Code: upstream.CodeServerError, Status: 500, Message: "boom",
	}}
	r := New(newStore(t, store.Config{}), f.fetch, WithLogger(logger))

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err == nil {
		t.Fatal("SetupSnapshot: expected error")
	}
	logged := logBuf.String()
	for _, want := range []string{`"level":"ERROR"`, `"error_name":"FetchFailure"`, `"data_state":"UNCHANGED"`, `"origin":"fetcher"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %s:\n%s", want, logged)
		}
	}
}

func TestFetchPanicBecomesFailure(t *testing.T) {
	r := New(newStore(t, store.Config{}), func(context.Context, upstream.ListParams) ([]types.Prototype, error) {
		panic("boom")
	})

	_, err := r.RefreshSnapshot(context.Background())
	fail := asFailure(t, err)
	if fail.Origin != OriginUnknown || !strings.Contains(fail.Message, "boom") {
		t.Errorf("Failure: got %+v", fail)
	}
	if r.Stats().RefreshInFlight {
		t.Error("RefreshInFlight left set after a panic")
	}
}

func TestRefreshInFlightDuringFetch(t *testing.T) {
	var r *Repository
	var during bool
	r = New(newStore(t, store.Config{}), func(context.Context, upstream.ListParams) ([]types.Prototype, error) {
		during = r.Stats().RefreshInFlight
		return protos(1), nil
	})

	if _, err := r.SetupSnapshot(context.Background(), upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	if !during {
		t.Error("RefreshInFlight: got false while fetching")
	}
	if r.Stats().RefreshInFlight {
		t.Error("RefreshInFlight: got true after settling")
	}
}

func TestCallerCancellationDoesNotCancelFlight(t *testing.T) {
	var fetchCtxErr error
	r := New(newStore(t, store.Config{}), func(ctx context.Context, _ upstream.ListParams) ([]types.Prototype, error) {
		fetchCtxErr = ctx.Err()
		return protos(1), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.SetupSnapshot(ctx, upstream.ListParams{}); err != nil {
		t.Fatalf("SetupSnapshot: %v", err)
	}
	if fetchCtxErr != nil {
		t.Errorf("fetch context: got %v, want live context", fetchCtxErr)
	}
}

// --- helpers ---

var cmpFailure = cmp.FilterPath(func(p cmp.Path) bool {
	return p.String() == "Err"
}, cmp.Ignore())

// fakeFetcher is a FetchFunc double that counts calls and can block until gate
// is closed.
type fakeFetcher struct {
	mu      sync.Mutex
	result  []types.Prototype
	err     error
	params  []upstream.ListParams
	gate    chan struct{}
	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
}

func (f *fakeFetcher) fetch(_ context.Context, p upstream.ListParams) ([]types.Prototype, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.params = append(f.params, p)
	result, err, gate := f.result, f.err, f.gate
	f.mu.Unlock()

	f.signalStarted()
	if gate != nil {
		<-gate
	}
	return result, err
}

func (f *fakeFetcher) set(result []types.Prototype, err error) {
	f.mu.Lock()
	f.result, f.err = result, err
	f.mu.Unlock()
}

func (f *fakeFetcher) count() int { return int(f.calls.Load()) }

func (f *fakeFetcher) lastParams() upstream.ListParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.params) == 0 {
		return upstream.ListParams{}
	}
	return f.params[len(f.params)-1]
}

func (f *fakeFetcher) startedCh() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started == nil {
		f.started = make(chan struct{})
	}
	return f.started
}

func (f *fakeFetcher) signalStarted() {
	ch := f.startedCh()
	f.once.Do(func() { close(ch) })
}

func (f *fakeFetcher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.startedCh():
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}
}

// waitForCalls blocks until n snapshot calls have been made, then gives the
// callers a moment to reach the singleflight group.
func waitForCalls(t *testing.T, r *Repository, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Counters().Calls < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d calls arrived", r.Counters().Calls, n)
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
}

func newStore(t *testing.T, cfg store.Config, opts ...store.Option[types.Prototype]) *store.Store[types.Prototype] {
	t.Helper()
	st, err := store.New(cfg, opts...)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func protos(ids ...int) []types.Prototype {
	out := make([]types.Prototype, len(ids))
	for i, id := range ids {
		out[i] = types.Prototype{ID: id, Name: "proto", Tags: []string{"t"}}
	}
	return out
}

func asFailure(t *testing.T, err error) *Failure {
	t.Helper()
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("error: got %v (%T), want *Failure", err, err)
	}
	return f
}

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
