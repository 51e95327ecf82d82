// Package integration provides a reusable test harness for end-to-end
// testing of the signet server. It starts a full HTTP server with in-memory
// stores, a local PKI adapter, and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/signet/internal/agent"
	"github.com/pitabwire/signet/internal/blob"
	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/internal/idempotency"
	"github.com/pitabwire/signet/internal/notify"
	"github.com/pitabwire/signet/internal/pki"
	"github.com/pitabwire/signet/internal/signreq"
	"github.com/pitabwire/signet/internal/transport"
	"github.com/pitabwire/signet/internal/workflow"
	"github.com/pitabwire/signet/model"
)

// TestHarness encapsulates a fully wired signet instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	clock  *Clock

	// Internal components exposed for advanced test scenarios.
	Store    *workflow.MemoryStore
	Engine   *workflow.Engine
	Signing  *signreq.Issuer
	Attempts *agent.MemoryAttemptStore
	Blobs    blob.Store
	Notifier *notify.Recorder
	Config   *config.Config
}

// Clock is a settable clock shared by every time-dependent component.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	rateLimit      int
	handlerTimeout time.Duration
	signingWindow  time.Duration
}

// WithRateLimit enables per-IP rate limiting of signing routes.
func WithRateLimit(perMinute int) HarnessOption {
	return func(c *harnessConfig) {
		c.rateLimit = perMinute
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithSigningWindow sets the default lifetime of signature request tokens.
func WithSigningWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.signingWindow = d
	}
}

// NewTestHarness creates and starts a full signet test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		signingWindow:  72 * time.Hour,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:     t,
		clock: &Clock{now: time.Now().UTC().Truncate(time.Second)},
	}

	// Step 1: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 2: Build config.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Identity.Mode = "jwks"
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.Algorithms = []string{"RS256"}
	cfg.Signing.DefaultWindow = hc.signingWindow
	cfg.RateLimit.Enabled = hc.rateLimit > 0
	if hc.rateLimit > 0 {
		cfg.RateLimit.Limit = hc.rateLimit
	}
	h.Config = cfg

	// Step 3: Build in-memory stores.
	h.Store = workflow.NewMemoryStore()
	h.Attempts = agent.NewMemoryAttemptStore()
	h.Blobs = blob.NewMemStore()
	h.Notifier = &notify.Recorder{}

	// Step 4: Build the signing agent.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	adapter := pki.NewLocalAdapter(pki.WithSigner(key, "integration"), pki.WithClock(h.clock.Now))
	coord := agent.NewCoordinator(h.Attempts, adapter, h.Blobs,
		agent.WithDefaultPayload(agent.Payload{RequestTimestamp: false}),
		agent.WithRetryPolicy(agent.RetryPolicy{MaxAttempts: 1, BackoffInitial: time.Millisecond}),
		agent.WithClock(h.clock.Now),
	)

	// Step 5: Build engine and issuer.
	minter := signreq.NewMinter(cfg.Signing.DefaultWindow).WithClock(h.clock.Now)
	h.Engine = workflow.NewEngine(h.Store, minter,
		workflow.WithNotifier(h.Notifier),
		workflow.WithClock(h.clock.Now),
	)
	h.Signing = signreq.NewIssuer(h.Engine, minter,
		signreq.WithCertificateSigner(coord),
		signreq.WithClock(h.clock.Now),
	)

	// Step 6: Build router with full middleware chain.
	keys, err := transport.NewKeySource(cfg.Identity, nil)
	if err != nil {
		t.Fatalf("key source: %v", err)
	}
	deps := transport.Dependencies{
		Config:       cfg,
		Engine:       h.Engine,
		Issuer:       h.Signing,
		Coordinator:  coord,
		Blobs:        h.Blobs,
		Idempotency:  &transport.Idempotency{Store: idempotency.NewMemoryStore(), TTL: time.Hour},
		Authenticate: transport.JWTAuthenticator(cfg.Identity, keys),
	}
	if cfg.RateLimit.Enabled {
		lim, err := transport.NewLimiter(cfg.RateLimit, nil)
		if err != nil {
			t.Fatalf("rate limiter: %v", err)
		}
		deps.Limiter = lim
	}

	// Step 7: Start test server.
	h.server = httptest.NewServer(transport.NewRouter(deps))
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Clock returns the harness clock.
func (h *TestHarness) Clock() *Clock {
	return h.clock
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// OperatorToken returns a token carrying the operator role.
func (h *TestHarness) OperatorToken() string {
	return h.issuer.GenerateToken(OperatorClaims(h.Config.Identity.OperatorRole))
}

// --- HTTP client helpers ---

// GET performs a GET request. An empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
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

	client := &http.Client{Timeout: 10 * time.Second}
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

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a workflow operator.
func OperatorClaims(role string) TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		Roles:     []string{role},
	}
}

// ViewerClaims returns TestClaims for an authenticated user without the
// operator role.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		Roles:     []string{"viewer"},
	}
}

// --- Fixtures ---

// BuildResponse is the body returned by POST /v1/workflows.
type BuildResponse struct {
	Instance model.WorkflowInstance `json:"instance"`
	Steps    []model.WorkflowStep   `json:"steps"`
	Tokens   map[string]string      `json:"tokens"`
}

// Step returns the step for partyID.
func (b BuildResponse) Step(partyID string) model.WorkflowStep {
	for _, s := range b.Steps {
		if s.PartyID == partyID {
			return s
		}
	}
	return model.WorkflowStep{}
}

// Token returns the token issued for partyID at build time.
func (b BuildResponse) Token(partyID string) string {
	return b.Tokens[b.Step(partyID).ID]
}

// PartyFixture returns a party permitted to sign with a typed name.
func PartyFixture(id string, phase, order int) map[string]any {
	return map[string]any{
		"id":               id,
		"name":             "Party " + id,
		"phase_index":      phase,
		"order_index":      order,
		"allow_typed_name": true,
	}
}

// WorkflowFixture returns a create-workflow body over a small PDF.
func WorkflowFixture(parties ...map[string]any) map[string]any {
	return map[string]any{
		"document": map[string]any{
			"id":         "contract-42",
			"version_id": "v3",
			"content":    []byte("%PDF-1.7 integration contract"),
		},
		"parties": parties,
	}
}

// CreateWorkflow posts body and returns the decoded build response.
func (h *TestHarness) CreateWorkflow(t *testing.T, body map[string]any) BuildResponse {
	t.Helper()
	var res BuildResponse
	h.AssertJSON(t, h.POST("/v1/workflows", body, h.OperatorToken()), http.StatusCreated, &res)
	return res
}

// LatestToken returns the most recent token delivered to partyID.
func (h *TestHarness) LatestToken(t *testing.T, partyID string) string {
	t.Helper()
	notes := h.Notifier.OfType(model.NotifyStepActivated)
	for i := len(notes) - 1; i >= 0; i-- {
		if notes[i].PartyID == partyID {
			return notes[i].Token
		}
	}
	t.Fatalf("no token delivered to %s", partyID)
	return ""
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
