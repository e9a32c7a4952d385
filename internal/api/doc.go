// Package api implements the protosnap REST API.
//
// All routes are under /api/v1/ and return JSON:
//
//	GET  /api/v1/health                : snapshot readiness (ok | empty | stale)
//	GET  /api/v1/stats                 : store stats, flight counters, refresher status
//	GET  /api/v1/config                : store config, default and last fetch params
//	GET  /api/v1/prototypes            : snapshot records, paged with ?offset=&limit=
//	GET  /api/v1/prototypes/ids        : snapshot IDs in fetch order
//	GET  /api/v1/prototypes/random     : one random record
//	GET  /api/v1/prototypes/sample     : ?size=k distinct random records
//	GET  /api/v1/prototypes/{id}       : one record by ID
//	GET  /api/v1/analysis              : ID range of the snapshot
//	POST /api/v1/snapshot/refresh      : refresh, or setup with a ListParams body
//
// Reads never reach the upstream API. Only the refresh route fetches, and
// concurrent refresh requests share one upstream call.
//
// When auth mode is "apikey" every /api/ route requires the configured header.
package api
