package repository

import (
	"errors"
	"fmt"

	"github.com/protosnap/protosnap/internal/store"
	"github.com/protosnap/protosnap/internal/upstream"
)

// Failure origins.
const (
	OriginFetcher = "fetcher"
	OriginStore   = "store"
	OriginUnknown = "unknown"
)

// Store failure kinds and codes. Fetcher failures keep the kind and code the
// upstream client assigned.
const (
	KindStorageLimit  = "storage_limit"
	KindSerialization = "serialization"
	KindUnknown       = "unknown"

	CodeStoreCapacityExceeded = "STORE_CAPACITY_EXCEEDED"
	CodeStoreSerialization    = "STORE_SERIALIZATION_FAILED"
	CodeStoreUnknown          = "STORE_UNKNOWN"
	CodeUnknown               = "UNKNOWN"
)

// Failure is the structured outcome of a failed SetupSnapshot or
// RefreshSnapshot. All callers coalesced into one flight receive the same
// *Failure value.
type Failure struct {
	Origin    string          `json:"origin"`
	Kind      string          `json:"kind"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Status    int             `json:"status,omitempty"`
	DataState store.DataState `json:"data_state,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
	Err       error           `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("repository: %s %s: %s", f.Origin, f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// fetchFailure wraps an error returned by the FetchFunc.
func fetchFailure(err error) *Failure {
	var ff *upstream.FetchFailure
	if errors.As(err, &ff) {
		return &Failure{
			Origin:  OriginFetcher,
			Kind:    ff.Kind,
			Code:    ff.Code,
			Message: ff.Message,
			Status:  ff.Status,
			Details: ff.Details,
			Err:     err,
		}
	}
	return unknownFailure(err)
}

// storeFailure wraps an error returned by Store.ReplaceAll.
func storeFailure(err error) *Failure {
	f := &Failure{
		Origin:    OriginStore,
		Kind:      KindUnknown,
		Code:      CodeStoreUnknown,
		Message:   err.Error(),
		DataState: store.DataStateUnknown,
		Err:       err,
	}
	var (
		sf store.Failure
		de *store.DataSizeExceededError
		se *store.SizeEstimationError
	)
	if errors.As(err, &sf) {
		f.DataState = sf.State()
	}
	switch {
	case errors.As(err, &de):
		f.Kind, f.Code = KindStorageLimit, CodeStoreCapacityExceeded
		f.Details = map[string]any{
			"attempted_size_bytes": de.AttemptedSizeBytes,
			"max_size_bytes":       de.MaxSizeBytes,
		}
	case errors.As(err, &se):
		f.Kind, f.Code = KindSerialization, CodeStoreSerialization
	}
	return f
}

func unknownFailure(err error) *Failure {
	return &Failure{
		Origin:  OriginUnknown,
		Kind:    KindUnknown,
		Code:    CodeUnknown,
		Message: err.Error(),
		Err:     err,
	}
}

// errorName is the stable type name of a fetch or store error for logs.
func errorName(err error) string {
	var (
		sf store.Failure
		ff *upstream.FetchFailure
	)
	switch {
	case errors.As(err, &sf):
		return sf.Name()
	case errors.As(err, &ff):
		return "FetchFailure"
	}
	return fmt.Sprintf("%T", err)
}
