package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RequestKey identifies a tier-1 cached response: method, URL, and the
// normalized parameter set.
type RequestKey struct {
	// Method is the HTTP method (GET for all current callers).
	Method string

	// URL is the full request URL.
	URL string

	// Params are extra request parameters not already encoded in the URL
	// (e.g. negotiated headers that change the payload).
	Params map[string]string
}

// String generates a deterministic key string.
// Format: method:url:param1=val1:param2=val2 with params sorted.
func (k RequestKey) String() string {
	parts := []string{strings.ToUpper(k.Method), k.URL}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.Params[name]))
		}
	}

	return strings.Join(parts, ":")
}

// Hash returns the sha256 hex digest of the normalized key, used as the
// primary key in the response store.
func (k RequestKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// ResultKey identifies a tier-2 processed artifact. Every field that affects
// the final artifact must be present: two parameter sets differing in any
// single field must produce distinct keys, otherwise different processing
// modes collide on one cached artifact.
type ResultKey struct {
	// DataflowID is the dataflow identifier.
	DataflowID string `json:"dataflow_id"`

	// DataflowVersion is the resolved dataflow version.
	DataflowVersion string `json:"dataflow_version"`

	// URL is the resolved request URL, which encodes filters and the time
	// period.
	URL string `json:"url"`

	// PreProcess reports whether schema preprocessing was applied.
	PreProcess bool `json:"pre_process"`

	// DotStatCodes reports whether code translation was applied.
	DotStatCodes bool `json:"dotstat_codes"`

	// Extra carries any additional caller-supplied parameters.
	Extra map[string]string `json:"extra,omitempty"`
}

// Hash returns a deterministic digest over the complete canonical parameter
// set. JSON marshaling sorts map keys, so equal keys always produce equal
// digests.
func (k ResultKey) Hash() string {
	canonical, err := json.Marshal(k)
	if err != nil {
		// Only map values can fail to marshal, and Extra is string-to-string.
		panic(fmt.Sprintf("marshal result key: %v", err))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}
