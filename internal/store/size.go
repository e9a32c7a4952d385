package store

import "encoding/json"

// SizeEstimator returns the serialized byte size of a candidate record set.
type SizeEstimator[T any] func(records []T) (int64, error)

// EstimateJSONSize is the default SizeEstimator: the length of the JSON
// encoding of records. It fails for values encoding/json rejects (channels,
// functions, NaN floats, cyclic pointers).
func EstimateJSONSize[T any](records []T) (int64, error) {
	b, err := json.Marshal(records)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}
