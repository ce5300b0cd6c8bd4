// pkg/model/delta.go
package model

import (
	"reflect"

	"dario.cat/mergo"
)

// DeltaEntry pairs the desired value of a capability with whatever the
// device last reported for it (nil when the device never reported it).
type DeltaEntry struct {
	Desired  interface{} `json:"desired"`
	Reported interface{} `json:"reported,omitempty"`
}

// Diff computes the pending delta between a reported and a desired state map.
// The result contains only capabilities where a desired value exists and
// differs from, or is absent from, the reported value. Pure function: no
// side effects, inputs are never modified.
func Diff(reported, desired map[string]interface{}) map[string]DeltaEntry {
	delta := map[string]DeltaEntry{}
	for capability, want := range desired {
		have, ok := reported[capability]
		if ok && reflect.DeepEqual(have, want) {
			continue
		}
		entry := DeltaEntry{Desired: want}
		if ok {
			entry.Reported = have
		}
		delta[capability] = entry
	}
	return delta
}

// MergeFragment applies a fragment to a state map key-wise: capabilities in
// the fragment overwrite, unspecified capabilities stay untouched. With deep
// set, capability values that are both objects are merged recursively via
// mergo instead of replaced wholesale. Returns a new map; neither input is
// modified.
func MergeFragment(state, fragment map[string]interface{}, deep bool) (map[string]interface{}, error) {
	merged := CopyState(state)
	for capability, value := range fragment {
		if deep {
			dst, dstOK := merged[capability].(map[string]interface{})
			src, srcOK := value.(map[string]interface{})
			if dstOK && srcOK {
				if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
					return nil, err
				}
				merged[capability] = dst
				continue
			}
		}
		merged[capability] = copyValue(value)
	}
	return merged, nil
}

// CopyState deep-copies a state map. A nil input yields an empty map so
// callers never hand out shared or nil state.
func CopyState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state))
	for k, v := range state {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, inner := range tv {
			out[k] = copyValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, inner := range tv {
			out[i] = copyValue(inner)
		}
		return out
	default:
		// Scalars from JSON decoding (string, float64, bool, nil) are immutable.
		return v
	}
}
