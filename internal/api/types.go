package api

import (
	"github.com/protosnap/protosnap/internal/refresher"
	"github.com/protosnap/protosnap/internal/repository"
	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
	"github.com/protosnap/protosnap/pkg/types"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"` // ok | empty | stale
	Size      int    `json:"size"`
	CachedAt  string `json:"cached_at,omitempty"` // RFC3339
	IsExpired bool   `json:"is_expired"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	Snapshot  store.Stats         `json:"snapshot"`
	Flights   repository.Counters `json:"flights"`
	Refresher *refresher.Status   `json:"refresher,omitempty"`
}

// ConfigResponse is the payload for GET /api/v1/config.
type ConfigResponse struct {
	TTLSeconds       float64              `json:"ttl_seconds"`
	MaxDataSizeBytes int64                `json:"max_data_size_bytes"`
	Defaults         upstream.ListParams  `json:"defaults"`
	LastFetchParams  *upstream.ListParams `json:"last_fetch_params,omitempty"`
}

// ListResponse is the payload for GET /api/v1/prototypes.
type ListResponse struct {
	Total  int               `json:"total"`
	Offset int               `json:"offset"`
	Limit  int               `json:"limit"`
	Items  []types.Prototype `json:"items"`
}

// IDsResponse is the payload for GET /api/v1/prototypes/ids.
type IDsResponse struct {
	IDs []int `json:"ids"`
}

// RefreshResponse is the payload of a successful POST /api/v1/snapshot/refresh.
type RefreshResponse struct {
	Stats store.Stats `json:"stats"`
}

// errorResponse is a generic JSON error body. Failure is set when a snapshot
// operation failed.
type errorResponse struct {
	Error   string              `json:"error"`
	Failure *repository.Failure `json:"failure,omitempty"`
}
