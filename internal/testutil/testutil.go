// Package testutil provides common test utilities and helpers for Helena tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mapagov/helena/internal/api"
	"github.com/mapagov/helena/internal/flow"
	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/orchestrator"
	"github.com/mapagov/helena/internal/store"
)

// T is the subset of testing.T used by the assertion helpers.
type T interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// TestServer bundles an API server with the in-memory dependencies behind it.
type TestServer struct {
	Server       *api.Server
	Store        *store.InMemoryStore
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Collector
}

// NewTestServer creates a test API server with in-memory dependencies.
// llm may be nil.
func NewTestServer(t *testing.T, llm flow.Completer, opts ...api.Option) *TestServer {
	t.Helper()
	st := store.NewInMemoryStore()
	reg, err := flow.NewTestRegistry(st, llm)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	orch, err := orchestrator.New(st, reg, flow.NewStoreBasedStateManager(st, nil))
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	m := metrics.NewCollector("")
	opts = append([]api.Option{api.WithMetrics(m)}, opts...)
	return &TestServer{
		Server:       api.NewServer(orch, opts...),
		Store:        st,
		Orchestrator: orch,
		Metrics:      m,
	}
}

// Do serves req and returns the recorded response.
func (ts *TestServer) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.Server.Handler().ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
