package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Operation keys for the non-collection endpoints of the mock Web API. Entity
// set queries are keyed by the set name, e.g. "workflows".
const (
	OpMetadata   = "metadata"
	OpActivePath = "active_path"
)

const serviceRootPath = "/api/data/v9.2/"

// MockPlatform is an httptest server speaking the subset of the host
// platform's OData Web API the resolver uses. Responses are configured per
// operation and every request is recorded for later assertion.
type MockPlatform struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures one request received by the mock platform.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	ReceivedAt  time.Time
}

type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock configures the responses of one operation.
type OperationMock struct {
	platform *MockPlatform
	op       string
}

func newMockPlatform(t *testing.T) *MockPlatform {
	t.Helper()

	mp := &MockPlatform{
		t:            t,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}
	mp.server = httptest.NewServer(http.HandlerFunc(mp.serve))
	t.Cleanup(mp.server.Close)
	return mp
}

// URL returns the base URL of the mock platform, without the service root.
func (mp *MockPlatform) URL() string {
	return mp.server.URL
}

// OnOperation returns a builder for the responses of op.
func (mp *MockPlatform) OnOperation(op string) *OperationMock {
	return &OperationMock{platform: mp, op: op}
}

// RespondWith queues a response. The last queued response repeats.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.platform.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError queues an OData error response.
func (om *OperationMock) RespondWithError(status int, code, message string) *OperationMock {
	return om.RespondWith(status, ErrorFixture(code, message))
}

// RespondWithDelay queues a response that is sent after delay, or not at
// all if the client gives up first.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.platform.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a response that drops the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.platform.addResponse(om.op, &mockResponse{connError: true})
	return om
}

func (mp *MockPlatform) addResponse(op string, resp *mockResponse) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	cfg, ok := mp.operations[op]
	if !ok {
		cfg = &operationConfig{}
		mp.operations[op] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

// operationOf maps a request path to its operation key.
func operationOf(path string) string {
	rest, ok := strings.CutPrefix(path, serviceRootPath)
	if !ok {
		return ""
	}
	switch {
	case strings.HasPrefix(rest, "EntityDefinitions("):
		return OpMetadata
	case strings.HasPrefix(rest, "RetrieveActivePath("):
		return OpActivePath
	case strings.Contains(rest, "/"), strings.Contains(rest, "("):
		return ""
	default:
		return rest
	}
}

func (mp *MockPlatform) serve(w http.ResponseWriter, r *http.Request) {
	op := operationOf(r.URL.Path)
	if op == "" || r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorFixture("0x80060888", "Resource not found for the segment "+r.URL.Path))
		return
	}

	rec := &RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryParams: make(map[string]string),
		Headers:     r.Header.Clone(),
		ReceivedAt:  time.Now(),
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			rec.QueryParams[key] = values[0]
		}
	}
	mp.mu.Lock()
	mp.receivedByOp[op] = append(mp.receivedByOp[op], rec)
	mp.mu.Unlock()

	resp := mp.nextResponse(op)
	if resp == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ValueFixture())
		return
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}

func (mp *MockPlatform) nextResponse(op string) *mockResponse {
	mp.mu.RLock()
	cfg, ok := mp.operations[op]
	mp.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// Calls returns how many requests op has received.
func (mp *MockPlatform) Calls(op string) int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.receivedByOp[op])
}

// AssertCalled verifies that op was called exactly expected times.
func (mp *MockPlatform) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if actual := mp.Calls(op); actual != expected {
		t.Errorf("mock platform: %q called %d times, want %d", op, actual, expected)
	}
}

// AssertNotCalled verifies that op was never called.
func (mp *MockPlatform) AssertNotCalled(t *testing.T, op string) {
	t.Helper()
	mp.AssertCalled(t, op, 0)
}

// LastRequest returns the last request received for op, or nil.
func (mp *MockPlatform) LastRequest(op string) *RecordedRequest {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	reqs := mp.receivedByOp[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every request received for op.
func (mp *MockPlatform) AllRequests(op string) []*RecordedRequest {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	reqs := mp.receivedByOp[op]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears the recorded requests and queued responses of op.
func (mp *MockPlatform) ResetOperation(op string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.operations, op)
	delete(mp.receivedByOp, op)
}

// Reset clears everything.
func (mp *MockPlatform) Reset() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.operations = make(map[string]*operationConfig)
	mp.receivedByOp = make(map[string][]*RecordedRequest)
}
