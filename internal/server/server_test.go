package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/pointsync/internal/auth"
	"github.com/mbd888/pointsync/internal/config"
	"github.com/mbd888/pointsync/internal/ledger"
	"github.com/mbd888/pointsync/internal/logging"
	"github.com/mbd888/pointsync/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		StoreTimeout:      time.Second,
		MaxDelta:          1000,
		MaxReasonLength:   200,
		RateLimitRPS:      1000,
		ReconcileInterval: time.Minute,
	}
}

// newTestServer creates an in-memory server with an open gate.
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, WithVersion("1.2.3"))

	w := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, map[string]string{
		"ledger":         "healthy",
		"realtime":       "healthy",
		"reconciliation": "healthy",
	}, resp.Checks)
}

type downStore struct {
	*ledger.MemoryStore
}

func (downStore) Ping(context.Context) error {
	return ledger.ErrStoreUnavailable
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	s := newTestServer(t, WithStore(downStore{ledger.NewMemoryStore()}))

	w := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.True(t, strings.HasPrefix(resp.Checks["ledger"], "unhealthy"))
	assert.Equal(t, "healthy", resp.Checks["realtime"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run has not been called
	w := do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	do(s, http.MethodGet, "/v1/balances", "", nil)
	w := do(s, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pointsync_http_requests_total")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/mutate-points",
		"GET:/v1/balances",
		"GET:/v1/history",
		"GET:/v1/ws",
		"GET:/v1/admin/reconcile",
		"GET:/v1/admin/realtime",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Ledger API through the full middleware chain
// ---------------------------------------------------------------------------

func TestMutateAndReadBack(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"mia","delta":12,"reason":"chores","direction":"credit"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"mia","delta":20,"reason":"broke a vase","direction":"debit"}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ledger.MutateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(0), res.NewTotal)
	assert.True(t, res.Clamped)
	assert.Equal(t, ledger.NoteUnderflowClamped, res.Note)
	assert.Equal(t, int64(-20), res.Record.Delta)
	assert.Equal(t, int64(-12), res.Record.AppliedDelta)

	w = do(s, http.MethodGet, "/v1/balances", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(0), snap.Balances["mia"])
	assert.Equal(t, int64(2), snap.LastSequenceID)

	w = do(s, http.MethodGet, "/v1/history?childKey=mia", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page ledger.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Records, 2)
	assert.Equal(t, int64(2), page.Records[0].SequenceID)
}

func TestMutate_ValidationError(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"mia","delta":0,"reason":"nothing","direction":"credit"}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_error", body["error"])
	assert.Equal(t, "delta", body["field"])
}

func TestMutate_LimitsFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDelta = 10
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	w := do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"mia","delta":11,"reason":"too much","direction":"credit"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t)

	do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"leo","delta":7,"reason":"homework","direction":"credit"}`, nil)

	w := do(s, http.MethodGet, "/v1/admin/reconcile", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Healthy bool `json:"healthy"`
		Report  struct {
			Children int `json:"children"`
			Records  int `json:"records"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, 1, body.Report.Children)
	assert.Equal(t, 1, body.Report.Records)
}

func TestRealtimeStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/admin/realtime", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "connectedSessions")
}

// ---------------------------------------------------------------------------
// Access gate
// ---------------------------------------------------------------------------

func TestAccessGate(t *testing.T) {
	parentHash, err := auth.HashPassword("parent-secret")
	require.NoError(t, err)
	viewerHash, err := auth.HashPassword("viewer-secret")
	require.NoError(t, err)

	s := newTestServer(t, WithGate(auth.NewStaticGate(parentHash, viewerHash)))
	mutate := `{"childKey":"mia","delta":1,"reason":"tidy","direction":"credit"}`
	as := func(pw string) http.Header {
		return http.Header{auth.PasswordHeader: []string{pw}}
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header http.Header
		want   int
	}{
		{"anonymous read", http.MethodGet, "/v1/balances", "", nil, http.StatusUnauthorized},
		{"wrong password", http.MethodGet, "/v1/balances", "", as("nope"), http.StatusUnauthorized},
		{"viewer read", http.MethodGet, "/v1/balances", "", as("viewer-secret"), http.StatusOK},
		{"viewer mutate", http.MethodPost, "/v1/mutate-points", mutate, as("viewer-secret"), http.StatusForbidden},
		{"viewer admin", http.MethodGet, "/v1/admin/reconcile", "", as("viewer-secret"), http.StatusForbidden},
		{"parent mutate", http.MethodPost, "/v1/mutate-points", mutate, as("parent-secret"), http.StatusOK},
		{"parent admin", http.MethodGet, "/v1/admin/reconcile", "", as("parent-secret"), http.StatusOK},
		{"health stays open", http.MethodGet, "/health/live", "", nil, http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := do(s, tc.method, tc.path, tc.body, tc.header)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/balances", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = do(s, http.MethodGet, "/v1/balances", "", http.Header{requestIDHeader: []string{"req-abc"}})
	assert.Equal(t, "req-abc", w.Header().Get(requestIDHeader))
}

func TestMiddleware_RequestTooLarge(t *testing.T) {
	s := newTestServer(t)

	reason := strings.Repeat("x", 70<<10)
	w := do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"mia","delta":1,"reason":"`+reason+`","direction":"credit"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddleware_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/v1/balances", "", nil).Code)
	w := do(s, http.MethodGet, "/v1/balances", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMiddleware_RecoversPanics(t *testing.T) {
	s := newTestServer(t)
	s.Router().GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := do(s, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
}

func TestRateLimitConfig(t *testing.T) {
	cfg := rateLimitConfig(5)
	assert.Equal(t, 300, cfg.RequestsPerMinute)
	assert.Equal(t, 5, cfg.BurstSize)

	def := rateLimitConfig(0)
	assert.Equal(t, 120, def.RequestsPerMinute)
}

// ---------------------------------------------------------------------------
// Push fan-out
// ---------------------------------------------------------------------------

func TestCommittedMutationReachesOtherSessions(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?sessionId=tablet"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	read := func() realtime.Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, _, err := realtime.Decode(data)
		require.NoError(t, err)
		return ev
	}

	first := read()
	assert.Equal(t, realtime.TypeResyncRequired, first.Type())

	w := do(s, http.MethodPost, "/v1/mutate-points",
		`{"childKey":"mia","delta":5,"reason":"helped cook","direction":"credit","clientOpId":"op-1"}`,
		http.Header{ledger.SessionHeader: []string{"phone"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	ev := read()
	applied, ok := ev.(realtime.MutationApplied)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "mia", applied.ChildKey)
	assert.Equal(t, int64(5), applied.NewTotal)
	assert.Equal(t, int64(1), applied.SequenceID)
	assert.Equal(t, "op-1", applied.ClientOpID)
	assert.Equal(t, "phone", applied.OriginSessionID)
}

func TestMutationNoticesCheckedAgainstLedger(t *testing.T) {
	store := ledger.NewMemoryStore()
	s := newTestServer(t, WithStore(store))

	// Committed behind the hub's back, so no broadcast has gone out yet.
	_, err := store.Apply(context.Background(), ledger.Mutation{
		ChildKey: "mia", Delta: 12, Direction: ledger.Credit, Reason: "chores",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	dialSession := func(id string) *websocket.Conn {
		t.Helper()
		conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws?sessionId="+id, nil)
		require.NoError(t, err)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	}
	readEvent := func(conn *websocket.Conn, wait time.Duration) (realtime.Event, error) {
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		ev, _, err := realtime.Decode(data)
		return ev, err
	}
	sendNotice := func(conn *websocket.Conn, ev realtime.MutationApplied) {
		t.Helper()
		raw, err := realtime.Encode(realtime.MutationNotice{MutationApplied: ev}, time.Now())
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
	}

	viewer := dialSession("viewer")
	tablet := dialSession("tablet")
	for _, conn := range []*websocket.Conn{viewer, tablet} {
		ev, err := readEvent(conn, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, realtime.TypeResyncRequired, ev.Type())
	}

	sendNotice(viewer, realtime.MutationApplied{SequenceID: 999999, ChildKey: "mia", NewTotal: 1000000})
	sendNotice(viewer, realtime.MutationApplied{SequenceID: 1, ChildKey: "mia", NewTotal: 1000000})

	// Notices are handled in order, so the first thing the tablet sees is
	// the one that matches the ledger, relayed with the stored values.
	sendNotice(viewer, realtime.MutationApplied{SequenceID: 1, ChildKey: "mia", NewTotal: 12})
	ev, err := readEvent(tablet, 5*time.Second)
	require.NoError(t, err)
	applied, ok := ev.(realtime.MutationApplied)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, int64(1), applied.SequenceID)
	assert.Equal(t, int64(12), applied.NewTotal)
	assert.Equal(t, "chores", applied.Reason)
	assert.Equal(t, "viewer", applied.OriginSessionID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://points:***@db:5432/points",
		maskDSN("postgres://points:hunter2@db:5432/points"))
	assert.Equal(t, "postgres://db/points", maskDSN("postgres://db/points"))
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.Shutdown(nil))
	w := do(s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
