// Package integration provides a reusable test harness for end-to-end
// integration testing of the bpfstage server. It starts the full HTTP stack
// against a mock platform Web API and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/bpfstage/internal/bpf"
	"github.com/pitabwire/bpfstage/internal/config"
	"github.com/pitabwire/bpfstage/internal/controller"
	"github.com/pitabwire/bpfstage/internal/observability"
	"github.com/pitabwire/bpfstage/internal/platform"
	"github.com/pitabwire/bpfstage/internal/transport"
	"github.com/pitabwire/bpfstage/model"
)

// Default definition served by the harness.
const (
	DefaultEntity = "opportunitysalesprocess"
	DefaultLookup = "opportunityid"

	// DefaultEntitySet is the Web API collection of DefaultEntity.
	DefaultEntitySet = "opportunitysalesprocesses"

	// ServiceToken is the platform token used when a request carries none.
	ServiceToken = "service-account-token"
)

// TestHarness encapsulates a fully wired server instance with a mock
// platform for integration testing.
type TestHarness struct {
	t        *testing.T
	server   *httptest.Server
	issuer   *tokenIssuer
	platform *MockPlatform

	// Internal components exposed for advanced test scenarios.
	PlatformClient *platform.Client
	Resolver       *bpf.Client
	Views          *controller.Views
	Metrics        *observability.Metrics
	Registry       *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    []model.Definition
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
	callTimeout    time.Duration
	handlerTimeout time.Duration
	authDisabled   bool
}

// WithDefinitions replaces the configured definitions.
func WithDefinitions(defs ...model.Definition) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = defs
	}
}

// WithCircuitBreaker sets the platform circuit breaker configuration.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = &cb
	}
}

// WithRetry sets the platform retry configuration. The harness default is a
// single attempt.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &r
	}
}

// WithCallTimeout sets the per-call timeout of the resolver.
func WithCallTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.callTimeout = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithoutAuth disables bearer token verification.
func WithoutAuth() HarnessOption {
	return func(c *harnessConfig) {
		c.authDisabled = true
	}
}

// NewTestHarness creates and starts a full server instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitions:    []model.Definition{{EntityName: DefaultEntity, LookupField: DefaultLookup}},
		callTimeout:    5 * time.Second,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		platform: newMockPlatform(t),
		Registry: prometheus.NewRegistry(),
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Platform.BaseURL = h.platform.URL()
	cfg.Platform.Token = ServiceToken
	cfg.Platform.Timeout = 5 * time.Second
	cfg.Platform.Retry = config.RetryConfig{MaxAttempts: 1}
	if hc.retry != nil {
		cfg.Platform.Retry = *hc.retry
	}
	if hc.breaker != nil {
		cfg.Platform.CircuitBreaker = *hc.breaker
	}
	cfg.Resolver.CallTimeout = hc.callTimeout
	cfg.Definitions = hc.definitions
	if !hc.authDisabled {
		cfg.Identity.Secret = h.issuer.Secret()
		cfg.Identity.Issuer = h.issuer.Issuer()
		cfg.Identity.Audience = h.issuer.Audience()
	}
	h.cfg = cfg

	logger := zap.NewNop()
	h.Metrics = observability.InitMetrics(h.Registry)

	var err error
	h.PlatformClient, err = platform.NewClient(cfg.Platform,
		platform.WithLogger(logger),
		platform.WithRecorder(h.Metrics),
	)
	if err != nil {
		t.Fatalf("create platform client: %v", err)
	}

	h.Resolver = bpf.NewClient(h.PlatformClient,
		bpf.WithLogger(logger),
		bpf.WithRecorder(h.Metrics),
		bpf.WithCacheObserver(h.Metrics),
		bpf.WithCallTimeout(cfg.Resolver.CallTimeout),
		bpf.WithCacheTTL(cfg.Resolver.CacheTTL),
		bpf.WithBatchSize(cfg.Resolver.BatchSize),
	)
	h.Views = controller.NewViews(h.Resolver, logger, h.Metrics)

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Metrics:  h.Metrics,
		Views:    h.Views,
		Resolver: h.Resolver,
		Readiness: observability.ReadinessChecks{
			Definitions: func() int { return len(cfg.Definitions) },
			Platform:    h.PlatformClient,
		},
		Authenticate:   transport.JWTAuthenticator(cfg.Identity),
		MetricsHandler: observability.HandlerFor(h.Registry),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		h.Views.DestroyAll()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Platform returns the mock platform.
func (h *TestHarness) Platform() *MockPlatform {
	return h.platform
}

// Config returns the configuration the server was built with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// UserClaims returns TestClaims for an ordinary signed-in user.
func UserClaims() TestClaims {
	return TestClaims{SubjectID: "user-1", Locale: "en-GB"}
}

// --- Fixtures ---

// WorkflowID is the id of the process definition served by WorkflowFixture.
const WorkflowID = "40000000-0000-0000-0000-000000000001"

// RecordID returns the n-th fixture record id.
func RecordID(n int) string {
	return fmt.Sprintf("10000000-0000-0000-0000-%012d", n)
}

// InstanceID returns the n-th fixture instance id.
func InstanceID(n int) string {
	return fmt.Sprintf("20000000-0000-0000-0000-%012d", n)
}

// StageID returns the n-th fixture stage id.
func StageID(n int) string {
	return fmt.Sprintf("30000000-0000-0000-0000-%012d", n)
}

// ValueFixture wraps records in an OData collection response.
func ValueFixture(records ...map[string]any) map[string]any {
	if records == nil {
		records = []map[string]any{}
	}
	return map[string]any{"value": records}
}

// InstanceFixture returns a process instance of DefaultEntity attached to
// recordID.
func InstanceFixture(recordID, instanceID, activeStageID, traversedPath string, statusCode int) map[string]any {
	return map[string]any{
		"businessprocessflowinstanceid":  instanceID,
		"name":                           "Opportunity Sales Process",
		"_activestageid_value":           activeStageID,
		"traversedpath":                  traversedPath,
		"statuscode":                     float64(statusCode),
		"statecode":                      float64(0),
		"createdon":                      "2026-01-15T10:30:00Z",
		"_" + DefaultLookup + "_value": recordID,
	}
}

// StageFixture returns a stage entry as both processstages and
// RetrieveActivePath return it.
func StageFixture(id, name string, category int) map[string]any {
	return map[string]any{
		"processstageid": id,
		"stagename":      name,
		"stagecategory":  float64(category),
	}
}

// DefaultStages returns the three stages of the fixture process.
func DefaultStages() []map[string]any {
	return []map[string]any{
		StageFixture(StageID(1), "qualify", 0),
		StageFixture(StageID(2), "develop", 1),
		StageFixture(StageID(3), "propose", 2),
	}
}

// WorkflowFixture returns a process definition record.
func WorkflowFixture(id, uniqueName string) map[string]any {
	return map[string]any{
		"workflowid": id,
		"uniquename": uniqueName,
		"name":       uniqueName,
	}
}

// CategoryMetadataFixture returns the stagecategory option set metadata
// carrying labels.
func CategoryMetadataFixture(labels map[int]string) map[string]any {
	options := make([]map[string]any, 0, len(labels))
	for value, label := range labels {
		options = append(options, map[string]any{
			"Value": float64(value),
			"Label": map[string]any{
				"UserLocalizedLabel": map[string]any{"Label": label},
			},
		})
	}
	return map[string]any{
		"LogicalName": "stagecategory",
		"OptionSet":   map[string]any{"Options": options},
	}
}

// ErrorFixture returns an OData error body.
func ErrorFixture(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// --- Response shapes ---

// StageView is a stage as the API returns it.
type StageView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	CategoryLabel string `json:"category_label"`
	Order         int    `json:"order"`
	IsActive      bool   `json:"is_active"`
	IsCompleted   bool   `json:"is_completed"`
}

// InstanceView is a process instance as the API returns it.
type InstanceView struct {
	ID            string      `json:"id"`
	EntityName    string      `json:"entity_name"`
	ActiveStageID string      `json:"active_stage_id"`
	StatusCode    int         `json:"status_code"`
	Stages        []StageView `json:"stages"`
}

// RecordState is one row of a view snapshot.
type RecordState struct {
	RecordID string        `json:"record_id"`
	State    string        `json:"state"`
	Instance *InstanceView `json:"instance"`
}

// SnapshotView is a view snapshot as the API returns it.
type SnapshotView struct {
	ViewID      string        `json:"view_id"`
	Generation  uint64        `json:"generation"`
	Records     []RecordState `json:"records"`
	Superseded  bool          `json:"superseded"`
	MessageKind string        `json:"message_kind"`
	Message     string        `json:"message"`
}

// Record returns the row for recordID, or nil.
func (s SnapshotView) Record(recordID string) *RecordState {
	for i := range s.Records {
		if s.Records[i].RecordID == recordID {
			return &s.Records[i]
		}
	}
	return nil
}

// ErrorBody is the error envelope as the API returns it.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
