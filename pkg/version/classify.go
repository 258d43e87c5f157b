package version

import (
	"bytes"
	"net/http"
)

// Sentinels the remote service embeds in response bodies. The service
// signals "no records" on a 200 status for some endpoints and on a 404 for
// others, so classification must look at content, not just the status code.
var (
	noRecordsSentinel = []byte("NoRecordsFound")
	hostQuirkSentinel = []byte("not set to")
)

// Classifier maps a fetch result to an Outcome. The default is Classify;
// callers targeting a different remote can supply their own.
type Classifier func(resp *Response, err error) Outcome

// Classify is the default content-based classification.
//
// Rules, in order:
//   - transport error: transient
//   - 404: version absent
//   - 200 carrying the no-records sentinel: version exists, data not yet
//     published
//   - 500 carrying the "not set to" host quirk: transient (the service
//     intermittently answers from a misconfigured node)
//   - other 5xx and 429: transient
//   - remaining 4xx: fatal (auth or malformed request; retrying wastes calls)
func Classify(resp *Response, err error) Outcome {
	if err != nil {
		return OutcomeTransient
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return OutcomeNotFound

	case resp.StatusCode == http.StatusOK:
		if bytes.Contains(resp.Body, noRecordsSentinel) {
			return OutcomeNoDataYet
		}
		return OutcomeSuccess

	case resp.StatusCode == http.StatusInternalServerError && bytes.Contains(resp.Body, hostQuirkSentinel):
		return OutcomeTransient

	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeTransient

	case resp.StatusCode >= 500:
		return OutcomeTransient

	case resp.StatusCode >= 400:
		return OutcomeFatal

	default:
		// 2xx/3xx without a recognized sentinel.
		return OutcomeSuccess
	}
}
