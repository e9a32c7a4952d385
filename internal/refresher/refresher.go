package refresher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/protosnap/protosnap/internal/config"
	"github.com/protosnap/protosnap/internal/store"
)

// outcomeWindow is the number of recent refresh outcomes tracked for SuccessPct.
const outcomeWindow = 20

// Snapshotter is the part of the repository the refresher drives.
type Snapshotter interface {
	RefreshSnapshot(ctx context.Context) (store.Stats, error)
}

// Status summarizes recent background refresh activity.
type Status struct {
	SuccessPct          float64    `json:"success_pct"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	NextAttempt         *time.Time `json:"next_attempt,omitempty"`
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock replaces time.Now and time.After, for deterministic tests.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(r *Refresher) {
		r.now = now
		r.after = after
	}
}

// Refresher periodically refreshes a snapshot.
type Refresher struct {
	snap     Snapshotter
	interval time.Duration
	bo       *backoff
	log      *slog.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time

	mu          sync.Mutex
	history     []bool // newest last
	consecutive int
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     string
	nextAttempt time.Time
}

// New returns a Refresher for snap using the interval and backoff bounds in cfg.
func New(snap Snapshotter, cfg config.RefreshConfig, opts ...Option) *Refresher {
	r := &Refresher{
		snap:     snap,
		interval: cfg.Interval,
		bo:       newBackoff(cfg.BackoffInitial, cfg.BackoffMax),
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		after:    time.After,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refreshes until ctx is cancelled. The first refresh happens one
// interval after Run starts; the initial snapshot is the caller's job.
func (r *Refresher) Run(ctx context.Context) {
	wait := r.interval
	for {
		r.setNext(r.now().Add(wait))
		select {
		case <-ctx.Done():
			return
		case <-r.after(wait):
		}

		_, err := r.snap.RefreshSnapshot(ctx)
		r.record(err)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			wait = r.bo.next()
			r.log.Warn("refresher: refresh failed, will retry",
				"err", err, "retry_in", wait)
			continue
		}
		r.bo.reset()
		wait = r.interval
		r.log.Debug("refresher: snapshot refreshed", "next_in", wait)
	}
}

// Status returns a summary of recent refresh outcomes.
func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		SuccessPct:          r.successPctLocked(),
		ConsecutiveFailures: r.consecutive,
		LastError:           r.lastErr,
	}
	st.LastAttempt = timePtr(r.lastAttempt)
	st.LastSuccess = timePtr(r.lastSuccess)
	st.NextAttempt = timePtr(r.nextAttempt)
	return st
}

func (r *Refresher) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastAttempt = now
	if len(r.history) >= outcomeWindow {
		r.history = r.history[1:]
	}
	r.history = append(r.history, err == nil)

	if err != nil {
		r.consecutive++
		r.lastErr = err.Error()
		return
	}
	r.consecutive = 0
	r.lastErr = ""
	r.lastSuccess = now
}

func (r *Refresher) setNext(t time.Time) {
	r.mu.Lock()
	r.nextAttempt = t
	r.mu.Unlock()
}

func (r *Refresher) successPctLocked() float64 {
	if len(r.history) == 0 {
		return 100 // assume healthy before the first attempt
	}
	var ok int
	for _, s := range r.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(r.history)) * 100
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
