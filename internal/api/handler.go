package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/protosnap/protosnap/internal/refresher"
	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/pkg/types"
)

// maxSampleSize bounds ?size= on the sample route.
const maxSampleSize = 1000

// Repository is the snapshot surface the API serves.
type Repository interface {
	SetupSnapshot(ctx context.Context, params upstream.ListParams) (store.Stats, error)
	RefreshSnapshot(ctx context.Context) (store.Stats, error)
	PrototypeFromSnapshot(id int) (types.Prototype, bool)
	PrototypesFromSnapshot() []types.Prototype
	PrototypeIDsFromSnapshot() []int
	RandomPrototypeFromSnapshot() (types.Prototype, bool)
	RandomSampleFromSnapshot(k int) []types.Prototype
	AnalyzePrototypes() repository.IDRange
	Stats() store.Stats
	Config() store.Config
	Counters() repository.Counters
	Defaults() upstream.ListParams
	LastFetchParams() (upstream.ListParams, bool)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithRefresherStatus adds background refresh status to /api/v1/stats.
func WithRefresherStatus(fn func() refresher.Status) Option {
	return func(h *Handler) { h.refreshStatus = fn }
}

// WithAuth enables API key checks on /api/ routes. See APIKey.
func WithAuth(mode, header, key string) Option {
	return func(h *Handler) { h.auth = APIKey(mode, header, key) }
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	repo          Repository
	router        *chi.Mux
	log           *slog.Logger
	auth          func(http.Handler) http.Handler
	refreshStatus func() refresher.Status
}

// New creates a Handler wired to repo and registers all routes.
func New(repo Repository, opts ...Option) *Handler {
	h := &Handler{
		repo:   repo,
		router: chi.NewRouter(),
		log:    slog.New(slog.DiscardHandler),
		auth:   func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(h)
	}

	h.router.Use(middleware.RequestID)
	h.router.Use(middleware.RealIP)
	h.router.Use(requestLogger(h.log))
	h.router.Use(middleware.Recoverer)

	h.router.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth)
		r.Get("/health", h.health)
		r.Get("/stats", h.stats)
		r.Get("/config", h.config)
		r.Get("/prototypes", h.listPrototypes)
		r.Get("/prototypes/ids", h.prototypeIDs)
		r.Get("/prototypes/random", h.randomPrototype)
		r.Get("/prototypes/sample", h.samplePrototypes)
		r.Get("/prototypes/{id}", h.getPrototype)
		r.Get("/analysis", h.analysis)
		r.Post("/snapshot/refresh", h.refresh)
	})
	h.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	h.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return h
}

// Mount attaches an extra handler (WebSocket hub, /metrics) outside /api/v1.
func (h *Handler) Mount(pattern string, handler http.Handler) {
	h.router.Handle(pattern, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: whether the snapshot can serve reads.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	st := h.repo.Stats()
	resp := HealthResponse{Size: st.Size, IsExpired: st.IsExpired}
	if st.CachedAt != nil {
		resp.CachedAt = st.CachedAt.UTC().Format(time.RFC3339)
	}
	switch {
	case st.CachedAt == nil:
		resp.Status = "empty"
	case st.IsExpired:
		resp.Status = "stale"
	default:
		resp.Status = "ok"
	}
	jsonResp(w, http.StatusOK, resp)
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Snapshot: h.repo.Stats(),
		Flights:  h.repo.Counters(),
	}
	if h.refreshStatus != nil {
		rs := h.refreshStatus()
		resp.Refresher = &rs
	}
	jsonResp(w, http.StatusOK, resp)
}

// config returns GET /api/v1/config.
func (h *Handler) config(w http.ResponseWriter, _ *http.Request) {
	cfg := h.repo.Config()
	resp := ConfigResponse{
		TTLSeconds:       cfg.TTL.Seconds(),
		MaxDataSizeBytes: cfg.MaxDataSizeBytes,
		Defaults:         h.repo.Defaults(),
	}
	if p, ok := h.repo.LastFetchParams(); ok {
		resp.LastFetchParams = &p
	}
	jsonResp(w, http.StatusOK, resp)
}

// listPrototypes returns GET /api/v1/prototypes: one page of the snapshot.
// limit=0 (the default) returns everything after offset.
func (h *Handler) listPrototypes(w http.ResponseWriter, r *http.Request) {
	offset, err := intQuery(r, "offset", 0)
	if err != nil || offset < 0 {
		jsonErr(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil || limit < 0 {
		jsonErr(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	all := h.repo.PrototypesFromSnapshot()
	start := min(offset, len(all))
	end := len(all)
	if limit > 0 {
		end = start + min(limit, len(all)-start)
	}
	items := all[start:end]
	if items == nil {
		items = []types.Prototype{}
	}
	jsonResp(w, http.StatusOK, ListResponse{
		Total:  len(all),
		Offset: offset,
		Limit:  limit,
		Items:  items,
	})
}

// prototypeIDs returns GET /api/v1/prototypes/ids.
func (h *Handler) prototypeIDs(w http.ResponseWriter, _ *http.Request) {
	ids := h.repo.PrototypeIDsFromSnapshot()
	if ids == nil {
		ids = []int{}
	}
	jsonResp(w, http.StatusOK, IDsResponse{IDs: ids})
}

// randomPrototype returns GET /api/v1/prototypes/random.
func (h *Handler) randomPrototype(w http.ResponseWriter, _ *http.Request) {
	p, ok := h.repo.RandomPrototypeFromSnapshot()
	if !ok {
		jsonErr(w, http.StatusNotFound, "snapshot is empty")
		return
	}
	jsonResp(w, http.StatusOK, p)
}

// samplePrototypes returns GET /api/v1/prototypes/sample?size=k.
func (h *Handler) samplePrototypes(w http.ResponseWriter, r *http.Request) {
	size, err := intQuery(r, "size", 1)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "size must be an integer")
		return
	}
	if size > maxSampleSize {
		jsonErr(w, http.StatusBadRequest, "size must not exceed "+strconv.Itoa(maxSampleSize))
		return
	}
	jsonResp(w, http.StatusOK, h.repo.RandomSampleFromSnapshot(size))
}

// getPrototype returns GET /api/v1/prototypes/{id}.
func (h *Handler) getPrototype(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	p, ok := h.repo.PrototypeFromSnapshot(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "prototype not found")
		return
	}
	jsonResp(w, http.StatusOK, p)
}

// analysis returns GET /api/v1/analysis.
func (h *Handler) analysis(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, h.repo.AnalyzePrototypes())
}

// refresh handles POST /api/v1/snapshot/refresh. An empty body repeats the
// last fetch; a ListParams body sets the snapshot up with those parameters.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var stats store.Stats
	if len(body) == 0 {
		stats, err = h.repo.RefreshSnapshot(r.Context())
	} else {
		var params upstream.ListParams
		if err := json.Unmarshal(body, &params); err != nil {
			jsonErr(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		stats, err = h.repo.SetupSnapshot(r.Context(), params)
	}

	if err != nil {
		var f *repository.Failure
		if !errors.As(err, &f) {
			jsonErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		jsonResp(w, failureStatus(f), errorResponse{Error: f.Message, Failure: f})
		return
	}
	jsonResp(w, http.StatusOK, RefreshResponse{Stats: stats})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// failureStatus maps a snapshot failure to an HTTP status.
func failureStatus(f *repository.Failure) int {
	switch f.Origin {
	case repository.OriginFetcher:
		if f.Kind == upstream.KindTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case repository.OriginStore:
		if f.Kind == repository.KindStorageLimit {
			return http.StatusInsufficientStorage
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// intQuery parses an integer query parameter, returning def when absent.
func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// requestLogger logs one line per request at debug level.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("api: request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
