package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Size limits applied when the configuration leaves them unset or sets them
// out of range.
const (
	DefaultMaxDataSizeBytes int64 = 10 * 1024 * 1024
	HardMaxDataSizeBytes    int64 = 30 * 1024 * 1024
)

// Keyed is implemented by records the store can index.
type Keyed interface {
	RecordID() int
}

// Config holds the store options that are visible to callers.
type Config struct {
	// TTL is how long a snapshot counts as fresh after a successful replace.
	// Zero means the snapshot never expires.
	TTL time.Duration `json:"ttl"`

	// MaxDataSizeBytes is the ceiling on the estimated serialized size of a
	// snapshot. Zero selects DefaultMaxDataSizeBytes.
	MaxDataSizeBytes int64 `json:"max_data_size_bytes"`
}

// Stats describes the current snapshot. It is a pure read of store state.
type Stats struct {
	Size            int           `json:"size"`
	CachedAt        *time.Time    `json:"cached_at"`
	IsExpired       bool          `json:"is_expired"`
	RemainingTTL    time.Duration `json:"remaining_ttl"`
	DataSizeBytes   int64         `json:"data_size_bytes"`
	RefreshInFlight bool          `json:"refresh_in_flight"`
}

// Option configures a Store at construction time.
type Option[T Keyed] func(*Store[T])

// WithClock replaces time.Now, for deterministic tests.
func WithClock[T Keyed](now func() time.Time) Option[T] {
	return func(s *Store[T]) { s.now = now }
}

// WithSizeEstimator replaces EstimateJSONSize.
func WithSizeEstimator[T Keyed](est SizeEstimator[T]) Option[T] {
	return func(s *Store[T]) { s.estimate = est }
}

// WithLogger sets the logger used for debug output.
func WithLogger[T Keyed](l *slog.Logger) Option[T] {
	return func(s *Store[T]) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is a thread-safe in-memory snapshot of records keyed by RecordID.
type Store[T Keyed] struct {
	cfg      Config
	now      func() time.Time
	estimate SizeEstimator[T]
	log      *slog.Logger

	mu        sync.RWMutex
	byID      map[int]T
	all       []T
	ids       []int
	cachedAt  time.Time
	dataSize  int64
	refreshOn bool
}

// New creates an empty Store. Invalid configuration returns a
// *ConfigurationError and no store.
func New[T Keyed](cfg Config, opts ...Option[T]) (*Store[T], error) {
	if cfg.TTL < 0 {
		return nil, &ConfigurationError{Field: "ttl", Reason: "must not be negative"}
	}
	if cfg.MaxDataSizeBytes < 0 {
		return nil, &ConfigurationError{Field: "max_data_size_bytes", Reason: "must not be negative"}
	}
	if cfg.MaxDataSizeBytes > HardMaxDataSizeBytes {
		return nil, &ConfigurationError{
			Field:  "max_data_size_bytes",
			Reason: "must not exceed " + formatBytes(HardMaxDataSizeBytes),
		}
	}
	if cfg.MaxDataSizeBytes == 0 {
		cfg.MaxDataSizeBytes = DefaultMaxDataSizeBytes
	}

	s := &Store[T]{
		cfg:      cfg,
		now:      time.Now,
		estimate: EstimateJSONSize[T],
		log:      slog.New(slog.DiscardHandler),
		byID:     make(map[int]T),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ReplaceAll swaps the whole snapshot for records. If the size estimate fails
// or exceeds the configured ceiling, or preparing the set panics, the snapshot
// is left untouched and a Failure with DataStateUnchanged is returned.
//
// Records sharing an ID collapse to the last one; it keeps the position of
// the first.
func (s *Store[T]) ReplaceAll(records []T) (Stats, error) {
	next, err := s.prepare(records)
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	s.byID = next.byID
	s.all = next.all
	s.ids = next.ids
	s.cachedAt = s.now()
	s.dataSize = next.size
	st := s.statsLocked()
	s.mu.Unlock()

	s.log.Debug("store: snapshot replaced", "size", len(next.all), "data_size_bytes", next.size)
	return st, nil
}

// pending is a fully indexed record set waiting to be swapped in.
type pending[T Keyed] struct {
	byID map[int]T
	all  []T
	ids  []int
	size int64
}

// prepare sizes and indexes records without touching the current snapshot.
// A panic from the estimator or from RecordID is returned as a *StoreError.
func (s *Store[T]) prepare(records []T) (next pending[T], err error) {
	defer func() {
		if p := recover(); p != nil {
			next = pending[T]{}
			err = &StoreError{
				Message:   fmt.Sprintf("prepare snapshot: %v", p),
				DataState: DataStateUnchanged,
			}
		}
	}()

	size, err := s.estimate(records)
	if err != nil {
		return pending[T]{}, &SizeEstimationError{DataState: DataStateUnchanged, Err: err}
	}
	if size > s.cfg.MaxDataSizeBytes {
		return pending[T]{}, &DataSizeExceededError{
			DataState:          DataStateUnchanged,
			AttemptedSizeBytes: size,
			MaxSizeBytes:       s.cfg.MaxDataSizeBytes,
		}
	}

	next = pending[T]{
		byID: make(map[int]T, len(records)),
		all:  make([]T, 0, len(records)),
		ids:  make([]int, 0, len(records)),
		size: size,
	}
	pos := make(map[int]int, len(records))
	for _, r := range records {
		id := r.RecordID()
		if i, dup := pos[id]; dup {
			next.all[i] = r
		} else {
			pos[id] = len(next.all)
			next.all = append(next.all, r)
			next.ids = append(next.ids, id)
		}
		next.byID[id] = r
	}
	return next, nil
}

// GetByID returns the record with the given ID and whether it was found.
func (s *Store[T]) GetByID(id int) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

// GetAll returns the current record set. The slice is shared with the store
// and must not be modified; a later ReplaceAll swaps in a new slice rather
// than writing to this one.
func (s *Store[T]) GetAll() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.all
}

// GetKeys returns the IDs of the current record set in snapshot order. The
// slice is shared with the store and must not be modified.
func (s *Store[T]) GetKeys() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids
}

// Len returns the number of records in the current snapshot.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

// Stats returns a description of the current snapshot.
func (s *Store[T]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

// Config returns the effective store options.
func (s *Store[T]) Config() Config {
	return s.cfg
}

// SetRefreshInFlight records whether a snapshot fetch is outstanding. It is
// reported through Stats and has no effect on reads.
func (s *Store[T]) SetRefreshInFlight(v bool) {
	s.mu.Lock()
	s.refreshOn = v
	s.mu.Unlock()
}

func (s *Store[T]) statsLocked() Stats {
	st := Stats{
		Size:            len(s.all),
		DataSizeBytes:   s.dataSize,
		RefreshInFlight: s.refreshOn,
	}
	if s.cachedAt.IsZero() {
		// Nothing cached yet: stale unless the snapshot never expires.
		st.IsExpired = s.cfg.TTL > 0
		return st
	}
	cachedAt := s.cachedAt
	st.CachedAt = &cachedAt
	if s.cfg.TTL == 0 {
		return st
	}
	elapsed := s.now().Sub(s.cachedAt)
	st.IsExpired = elapsed > s.cfg.TTL
	if remaining := s.cfg.TTL - elapsed; remaining > 0 {
		st.RemainingTTL = remaining
	}
	return st
}

func formatBytes(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%d MiB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
