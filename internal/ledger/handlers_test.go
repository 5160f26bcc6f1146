package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/pointsync/internal/logging"
)

func setupRouter(t *testing.T, store Store) (*gin.Engine, *recordingPublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pub := &recordingPublisher{}
	svc := NewService(store, logging.Discard(), WithPublisher(pub))
	h := NewHandler(svc, logging.Discard())

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterReadRoutes(v1)
	h.RegisterMutateRoutes(v1)
	return r, pub
}

func doJSON(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_MutatePoints(t *testing.T) {
	r, pub := setupRouter(t, NewMemoryStore())

	w := doJSON(r, http.MethodPost, "/v1/mutate-points", MutateRequest{
		ChildKey: "Mia", Delta: 5, Reason: "helped cook", Direction: Credit, ClientOpID: "op_1",
	}, map[string]string{SessionHeader: "ses_tab1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp MutateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.NewTotal)
	assert.False(t, resp.Clamped)
	assert.Empty(t, resp.Note)
	assert.Equal(t, "mia", resp.Record.ChildKey)
	assert.Equal(t, "op_1", resp.Record.ClientOpID)

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "ses_tab1", sent[0].origin)
}

func TestHandler_MutatePoints_Clamped(t *testing.T) {
	r, _ := setupRouter(t, NewMemoryStore())

	w := doJSON(r, http.MethodPost, "/v1/mutate-points", MutateRequest{
		ChildKey: "leo", Delta: 10, Reason: "screen time", Direction: Debit,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["newTotal"])
	assert.Equal(t, true, body["clamped"])
	assert.Equal(t, NoteUnderflowClamped, body["note"])
}

func TestHandler_MutatePoints_Duplicate(t *testing.T) {
	r, pub := setupRouter(t, NewMemoryStore())
	req := MutateRequest{ChildKey: "mia", Delta: 2, Reason: "reading", Direction: Credit, ClientOpID: "op_dup"}

	doJSON(r, http.MethodPost, "/v1/mutate-points", req, nil)
	w := doJSON(r, http.MethodPost, "/v1/mutate-points", req, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp MutateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, int64(2), resp.NewTotal)
	assert.Len(t, pub.all(), 1)
}

func TestHandler_MutatePoints_ValidationErrors(t *testing.T) {
	r, _ := setupRouter(t, NewMemoryStore())

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing child", MutateRequest{Delta: 1, Reason: "x", Direction: Credit}, "childKey"},
		{"zero delta", MutateRequest{ChildKey: "mia", Reason: "x", Direction: Credit}, "delta"},
		{"huge delta", MutateRequest{ChildKey: "mia", Delta: 5000, Reason: "x", Direction: Credit}, "delta"},
		{"missing reason", MutateRequest{ChildKey: "mia", Delta: 1, Direction: Credit}, "reason"},
		{"bad direction", MutateRequest{ChildKey: "mia", Delta: 1, Reason: "x", Direction: "up"}, "direction"},
		{"fractional delta", map[string]any{"childKey": "mia", "delta": 1.5, "reason": "x", "direction": "credit"}, "body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/mutate-points", tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "validation_error", body["error"])
			assert.Equal(t, tt.field, body["field"])
		})
	}
}

func TestHandler_MutatePoints_StoreUnavailable(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	r, pub := setupRouter(t, store)

	w := doJSON(r, http.MethodPost, "/v1/mutate-points", MutateRequest{
		ChildKey: "mia", Delta: 1, Reason: "x", Direction: Credit,
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store_unavailable")
	assert.Empty(t, pub.all())
}

func TestHandler_GetBalances(t *testing.T) {
	r, _ := setupRouter(t, NewMemoryStore())
	doJSON(r, http.MethodPost, "/v1/mutate-points", MutateRequest{ChildKey: "mia", Delta: 4, Reason: "x", Direction: Credit}, nil)
	doJSON(r, http.MethodPost, "/v1/mutate-points", MutateRequest{ChildKey: "leo", Delta: 1, Reason: "x", Direction: Credit}, nil)

	w := doJSON(r, http.MethodGet, "/v1/balances", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, map[string]int64{"mia": 4, "leo": 1}, snap.Balances)
	assert.Equal(t, int64(2), snap.LastSequenceID)
}

func TestHandler_GetBalances_StoreUnavailable(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	r, _ := setupRouter(t, store)

	w := doJSON(r, http.MethodGet, "/v1/balances", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_GetHistory(t *testing.T) {
	r, _ := setupRouter(t, NewMemoryStore())
	for i := 0; i < 3; i++ {
		doJSON(r, http.MethodPost, "/v1/mutate-points", MutateRequest{ChildKey: "mia", Delta: 1, Reason: "x", Direction: Credit}, nil)
	}

	w := doJSON(r, http.MethodGet, "/v1/history?childKey=mia&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
	assert.Equal(t, int64(3), page.Records[0].SequenceID)

	w = doJSON(r, http.MethodGet, "/v1/history?childKey=mia&limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
}

func TestHandler_GetHistory_BadParams(t *testing.T) {
	r, _ := setupRouter(t, NewMemoryStore())

	w := doJSON(r, http.MethodGet, "/v1/history?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"limit"`)

	w = doJSON(r, http.MethodGet, "/v1/history?cursor=garbage", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"cursor"`)
}
