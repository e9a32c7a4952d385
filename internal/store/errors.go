package store

import "fmt"

// DataState tells the caller whether a failed operation is known to have left
// the previous snapshot intact.
type DataState string

const (
	// DataStateUnchanged means the snapshot is exactly what it was before the call.
	DataStateUnchanged DataState = "UNCHANGED"
	// DataStateUnknown means the store cannot attest to its prior state.
	DataStateUnknown DataState = "UNKNOWN"
)

// Failure is implemented by every error the store returns.
type Failure interface {
	error
	// Name is the stable error type name used in logs.
	Name() string
	// State reports the snapshot state after the failure.
	State() DataState
}

// ConfigurationError is returned by New when the store options are invalid.
// No store is created.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("store: invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Name() string     { return "ConfigurationError" }
func (e *ConfigurationError) State() DataState { return DataStateUnknown }

// DataSizeExceededError is returned by ReplaceAll when the candidate set's
// estimated size is above the configured ceiling.
type DataSizeExceededError struct {
	DataState          DataState
	AttemptedSizeBytes int64
	MaxSizeBytes       int64
}

func (e *DataSizeExceededError) Error() string {
	return fmt.Sprintf("store: data size %d bytes exceeds limit of %d bytes",
		e.AttemptedSizeBytes, e.MaxSizeBytes)
}

func (e *DataSizeExceededError) Name() string     { return "DataSizeExceededError" }
func (e *DataSizeExceededError) State() DataState { return e.DataState }

// SizeEstimationError is returned by ReplaceAll when the size estimator fails,
// for example because a record cannot be serialized.
type SizeEstimationError struct {
	DataState DataState
	Err       error
}

func (e *SizeEstimationError) Error() string {
	return fmt.Sprintf("store: estimate data size: %v", e.Err)
}

func (e *SizeEstimationError) Unwrap() error    { return e.Err }
func (e *SizeEstimationError) Name() string     { return "SizeEstimationError" }
func (e *SizeEstimationError) State() DataState { return e.DataState }

// StoreError is the catch-all for unexpected internal failures.
type StoreError struct {
	Message   string
	DataState DataState
}

func (e *StoreError) Error() string    { return "store: " + e.Message }
func (e *StoreError) Name() string     { return "StoreError" }
func (e *StoreError) State() DataState { return e.DataState }
