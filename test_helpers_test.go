package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"go-self-verifier/events"
	"go-self-verifier/flow"
	"go-self-verifier/selfapp"
	"go-self-verifier/storage"
	"go-self-verifier/verification"

	"github.com/stretchr/testify/require"
)

const baseURL = "http://localhost:8081"

var testConfig = ServerConfig{
	Host:           "localhost",
	Port:           8081,
	UseTls:         false,
	TlsCertPath:    "",
	TlsPrivKeyPath: "",
}

// testEnv holds everything behind a test server so tests can seed the store
// before starting it and inspect side effects afterwards.
type testEnv struct {
	store      *storage.MemoryStore
	clock      *fakeClock
	cache      *verification.Cache
	provider   *countingProvider
	publisher  *recordingPublisher
	signer     ReportSigner
	controller *flow.Controller
}

func newTestEnv(provider flow.SessionProvider) *testEnv {
	store := storage.NewMemoryStore()
	clock := &fakeClock{now: testNow}
	return &testEnv{
		store:     store,
		clock:     clock,
		cache:     verification.NewCache(store, clock),
		provider:  &countingProvider{inner: provider},
		publisher: &recordingPublisher{},
	}
}

func selfProvider() flow.SessionProvider {
	config := selfapp.DefaultAppConfig()
	config.Endpoint = "https://verifier.example.org/api/verify"
	return selfapp.NewProvider(config)
}

func startTestServer(t *testing.T, env *testEnv) *Server {
	t.Helper()

	env.controller = flow.NewController(env.cache, env.provider, env.publisher, env.clock, selfapp.ZeroAddress)
	_ = env.controller.Initialize(context.Background())

	testState := &ServerState{
		controller: env.controller,
		cache:      env.cache,
		signer:     env.signer,
		clock:      env.clock,
	}

	srv, err := NewServer(testState, testConfig)
	require.NoError(t, err)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("server error: %v", err)
		}
	}()

	waitUntilHealthy(t, baseURL+"/api/health")
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("error shutting down server: %v", err)
		}
	})
	return srv
}

func waitUntilHealthy(t *testing.T, url string) {
	t.Helper()
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		if resp, err := http.Get(url); err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start in time")
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)

	return readResponse[T](t, resp)
}

func postRaw(t *testing.T, url string, raw string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(raw))
	require.NoError(t, err)
	resp, body, _ := readResponse[struct{}](t, resp)
	return resp, body
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return readResponse[T](t, resp)
}

func readResponse[T any](t *testing.T, resp *http.Response) (*http.Response, []byte, *T) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

// test doubles

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type countingProvider struct {
	inner flow.SessionProvider
	mutex sync.Mutex
	calls int
}

func (p *countingProvider) NewSession(ctx context.Context) (*selfapp.Session, error) {
	p.mutex.Lock()
	p.calls++
	p.mutex.Unlock()
	return p.inner.NewSession(ctx)
}

func (p *countingProvider) Calls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls
}

type failingProvider struct{}

func (failingProvider) NewSession(context.Context) (*selfapp.Session, error) {
	return nil, errors.New("self sdk unavailable")
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []events.VerificationCompleted
}

func (p *recordingPublisher) PublishVerified(_ context.Context, event events.VerificationCompleted) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	return nil
}

func (p *recordingPublisher) Published() []events.VerificationCompleted {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]events.VerificationCompleted(nil), p.events...)
}

func testDisclosure() verification.Disclosure {
	return verification.Disclosure{
		Name:           "ALICE JOHNSON",
		Nationality:    "NLD",
		Gender:         "F",
		DateOfBirth:    "1990-06-15",
		IssuingState:   "NLD",
		PassportNumber: "X1234567",
		ExpiryDate:     "2030-06-15",
	}
}
