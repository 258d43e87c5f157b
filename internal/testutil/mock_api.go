// Package testutil provides testing utilities for the data retrieval
// client.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockAPI is a configurable mock SDMX server for testing.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	RequestedPaths    []string
	LastRequestHeader http.Header
}

// NewMockAPI creates a new mock server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.RequestedPaths = append(mock.RequestedPaths, r.URL.Path)
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.RequestedPaths = nil
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// DataPath builds the SDMX data path for a dataflow at a version, the form
// the client requests.
func DataPath(dataflowID, version, filters string) string {
	return fmt.Sprintf("/data/OECD.DCD.FSD,%s,%s/%s", dataflowID, version, filters)
}

// SetDataflow configures the data endpoint for one dataflow version.
func (m *MockAPI) SetDataflow(dataflowID, version, filters string, resp MockResponse) {
	m.SetResponse(DataPath(dataflowID, version, filters), resp)
}

// SetVersionLadder scripts a fallback sequence: every version above
// available answers 404, available answers 200 with body.
func (m *MockAPI) SetVersionLadder(dataflowID, filters string, versions []string, available string, body string) {
	for _, v := range versions {
		if v == available {
			m.SetDataflow(dataflowID, v, filters, NewCSVResponse(body))
		} else {
			m.SetDataflow(dataflowID, v, filters, NewNotFoundResponse())
		}
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetRequestedPaths returns the paths requested so far, in order.
func (m *MockAPI) GetRequestedPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.RequestedPaths...)
}

func (m *MockAPI) defaultHandler(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/vnd.sdmx.data+csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("STRUCTURE,STRUCTURE_ID,ACTION\n"))
}

// NewCSVResponse creates a standard 200 OK response with a CSV payload.
func NewCSVResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/vnd.sdmx.data+csv; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates the 404 the service answers for versions
// without any records.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       "NoRecordsFound",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewNoRecordsResponse creates the 200-with-sentinel answer some hosts give
// for a version that exists but has no data yet.
func NewNoRecordsResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       "NoRecordsFound",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewHostQuirkResponse creates the 500 answer carrying the "not set to"
// message some hosts give for valid but unprepared versions.
func NewHostQuirkResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "The requested dataflow is not set to an available version",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "internal server error",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       "rate limit exceeded",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}
