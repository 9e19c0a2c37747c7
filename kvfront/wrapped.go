package kvfront

import (
	"encoding/json"
	"time"
)

// Wrapped is the LWW envelope stored at the replicas. The timestamp is
// wall-clock seconds assigned by the coordinator at write time; replicas
// treat the whole envelope opaquely.
type Wrapped struct {
	TS   float64         `json:"_ts"`
	Data json.RawMessage `json:"data"`
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// unwrap parses a raw replica value into its envelope. Malformed values
// sort below every well-formed one.
func unwrap(raw json.RawMessage) (Wrapped, bool) {
	var w Wrapped
	if err := json.Unmarshal(raw, &w); err != nil {
		return Wrapped{TS: -1}, false
	}
	return w, true
}
