// Package version implements dataflow version negotiation against a remote
// service whose schema versioning changes without notice. A bounded ladder of
// candidate versions is tried in strictly descending order until one yields
// data, with failures classified by response content rather than by transport
// status code alone.
package version

import "net/http"

// Response is the raw result of one remote fetch, as consumed by the
// resolver and the response cache. Transport construction is external; the
// core only inspects status, body, and headers.
type Response struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Body is the full response body.
	Body []byte

	// Header holds the response headers.
	Header http.Header

	// URL is the final request URL, after any version substitution.
	URL string

	// FromCache reports whether the response was served by the response
	// cache rather than the network.
	FromCache bool
}

// Outcome classifies the result of a single fetch attempt.
type Outcome string

const (
	// OutcomeSuccess means the version exists and returned data.
	OutcomeSuccess Outcome = "success"

	// OutcomeNotFound means the schema/version does not exist.
	OutcomeNotFound Outcome = "not_found"

	// OutcomeNoDataYet means the version exists and the query is valid, but
	// publication lag means zero rows. Treated like not_found: an older
	// version may already carry the data.
	OutcomeNoDataYet Outcome = "no_data_yet"

	// OutcomeTransient means a retryable network or server failure.
	OutcomeTransient Outcome = "transient_error"

	// OutcomeFatal means a non-retryable failure such as a malformed or
	// unauthorized request.
	OutcomeFatal Outcome = "fatal_error"
)

// Attempt records one rung of the version ladder.
type Attempt struct {
	// Version is the dataflow version that was tried.
	Version string

	// Outcome is the classification of the fetch result.
	Outcome Outcome

	// Err is the underlying error, if any.
	Err error
}
