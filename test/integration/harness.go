// Package integration provides a reusable test harness for end-to-end
// testing of the approvals server. It starts the full HTTP stack with a
// test JWT issuer, a Redis-backed instance lock, the in-process event bus
// and a webhook receiver.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/approvals/internal/capability"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/notify"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
)

// TestHarness encapsulates a fully wired server for integration testing.
type TestHarness struct {
	t        *testing.T
	server   *httptest.Server
	issuer   *tokenIssuer
	receiver *WebhookReceiver

	// Internal components exposed for advanced test scenarios.
	Registry        *definition.Registry
	WorkflowStore   *workflow.MemoryWorkflowStore
	WorkflowEngine  *workflow.Engine
	PubSub          *gochannel.GoChannel
	MetricsRegistry *prometheus.Registry
	Redis           *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	handlerTimeout time.Duration
	lockWait       time.Duration
	breaker        config.CircuitBreakerConfig
}

// WithDefinitions sets the definition template directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithLockWait sets how long requests wait for a busy instance lock.
func WithLockWait(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.lockWait = d
	}
}

// WithBreaker sets the webhook circuit breaker thresholds.
func WithBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// NewTestHarness creates and starts a full server instance. Everything is
// torn down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		lockWait:       5 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	dataDir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(dataDir, "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(dataDir, "policies.yaml")
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		receiver: newWebhookReceiver(t),
	}

	// Definitions are templates; point their webhooks at the receiver.
	defDirs := make([]string, len(hc.definitionDirs))
	for i, dir := range hc.definitionDirs {
		defDirs[i] = renderDefinitions(t, dir, map[string]string{"{{WEBHOOK_URL}}": h.receiver.URL()})
	}

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
	}
	h.cfg.Notify.Timeout = 5 * time.Second
	h.cfg.Notify.CircuitBreaker = hc.breaker

	h.MetricsRegistry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.MetricsRegistry)

	h.PubSub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, observability.NewWatermillLogger(logger))
	t.Cleanup(func() { _ = h.PubSub.Close() })

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	require.NoError(t, err, "load policy file")
	caps := capability.NewResolver(evaluator, 0) // no caching in tests
	caps.SetMetrics(metrics)
	assignments := capability.NewAssignments()

	behaviors := workflow.DefaultBehaviors(h.PubSub)
	notify.NewWebhookBehavior(h.cfg.Notify, metrics, logger).Register(behaviors)
	guards := workflow.DefaultGuards(caps, assignments)
	hooks := workflow.DefaultHooks(logger, h.PubSub, h.cfg.Workflow.Events.TransitionTopic)

	defs, err := definition.NewLoader().LoadAll(defDirs)
	require.NoError(t, err, "load definitions")
	known := &definition.KnownTypes{Behaviors: behaviors.Names(), Guards: guards.Names(), Hooks: hooks.Names()}
	verrs := definition.NewValidator(known).Validate(defs)
	require.Empty(t, verrs, "invalid test definitions")
	h.Registry = definition.NewRegistry(defs)

	h.Redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := workflow.NewRedisLocker(client, 30*time.Second, hc.lockWait)

	h.WorkflowStore = workflow.NewMemoryWorkflowStore()
	h.WorkflowEngine = workflow.NewEngine(h.Registry, h.WorkflowStore,
		workflow.WithBehaviors(behaviors),
		workflow.WithGuards(guards),
		workflow.WithHooks(hooks),
		workflow.WithLocker(locker),
		workflow.WithAssignments(assignments),
		workflow.WithCapabilities(caps),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithChainLimit(h.cfg.Workflow.ChainLimit),
		workflow.WithChoiceRevalidation(true),
	)

	// Target-changed events re-execute bound instances.
	eventRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, observability.NewWatermillLogger(logger))
	require.NoError(t, err, "event router")
	eventRouter.AddMiddleware(middleware.Recoverer)
	workflow.NewTrigger(h.WorkflowEngine, h.WorkflowStore, logger).
		Register(eventRouter, h.PubSub, h.cfg.Workflow.Events.TargetTopic)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eventRouter.Run(ctx) }()
	<-eventRouter.Running()
	t.Cleanup(func() {
		cancel()
		_ = eventRouter.Close()
	})

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.WorkflowEngine,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, transport.JWKSKeyFunc(jwks)),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			WorkflowStore:     h.WorkflowStore,
			Locker:            locker,
			IdentityProvider:  jwks,
		},
		MetricsHandler: promhttp.HandlerFor(h.MetricsRegistry, promhttp.HandlerOpts{}),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// renderDefinitions copies every definition file under dir into a temporary
// directory with the placeholders replaced.
func renderDefinitions(t *testing.T, dir string, replacements map[string]string) string {
	t.Helper()

	out := t.TempDir()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err, "read definitions %s", dir)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err, "read definition %s", e.Name())
		content := string(data)
		for placeholder, value := range replacements {
			content = strings.ReplaceAll(content, placeholder, value)
		}
		require.NoError(t, os.WriteFile(filepath.Join(out, e.Name()), []byte(content), 0o600), "write definition")
	}
	return out
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Receiver returns the webhook receiver the test definitions notify.
func (h *TestHarness) Receiver() *WebhookReceiver {
	return h.receiver
}

// Config returns the configuration the server runs with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// Do performs an authenticated request with additional headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err, "marshal request body")
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	require.NoError(h.t, err, "create request")
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
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err, "read response body")
	require.NoError(h.t, json.Unmarshal(data, target), "body: %s", data)
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, expected, resp.StatusCode, "body: %s", body)
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Equal(t, expected, resp.StatusCode, "body: %s", body)
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// AuthorClaims returns TestClaims for a member of the legal desk who drafts
// contracts.
func AuthorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-author",
		TenantID:  "acme-corp",
		Email:     "author@acme.example.com",
		Groups:    []string{"legal-desk"},
	}
}

// ApproverClaims returns TestClaims for a contract approver outside the
// legal desk.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		TenantID:  "acme-corp",
		Email:     "approver@acme.example.com",
		Roles:     []string{"contract_approver"},
	}
}

// OutsiderClaims returns TestClaims for a user of the same tenant with no
// assignment and no capabilities.
func OutsiderClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-outsider",
		TenantID:  "acme-corp",
		Email:     "outsider@acme.example.com",
	}
}

// --- Helpers ---

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
