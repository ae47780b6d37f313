package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/clawsync/internal/app"
	"github.com/lazypower/clawsync/internal/config"
	"github.com/lazypower/clawsync/internal/netmon"
	"github.com/lazypower/clawsync/internal/remote"
	"github.com/lazypower/clawsync/internal/store"
	"github.com/lazypower/clawsync/internal/txn"
)

type fixture struct {
	srv  *Server
	app  *app.App
	mock *remote.Mock
	sw   *netmon.Switch
}

func testServer(t *testing.T, online bool) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{mock: &remote.Mock{}, sw: netmon.NewSwitch(online)}
	f.app = app.New(config.Default(), zaptest.NewLogger(t), app.Options{DB: db, Sender: f.mock, Connectivity: f.sw})
	require.NoError(t, f.app.Init(context.Background()))
	t.Cleanup(func() { f.app.Shutdown() })
	f.srv = New(f.app, "test-version", zaptest.NewLogger(t))
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, content string) txn.Transaction {
	t.Helper()
	body, _ := json.Marshal(CreateRequest{Type: txn.TypeCapture, Payload: json.RawMessage(`{"content":"` + content + `"}`)})
	w := f.do(t, "POST", "/api/transactions", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tx txn.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))
	return tx
}

func (f *fixture) status(t *testing.T) StatusResponse {
	t.Helper()
	w := f.do(t, "GET", "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	f := testServer(t, true)

	w := f.do(t, "GET", "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, true, body["db"])
	assert.Equal(t, true, body["online"])
	assert.Equal(t, f.app.DeviceID, body["device"])
}

func TestCreateSyncsAndShowsItem(t *testing.T) {
	f := testServer(t, true)

	tx := f.create(t, "water the plants")
	assert.Equal(t, txn.StatusPending, tx.Status)

	require.Eventually(t, func() bool { return f.app.Ledger.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.status(t).Pending)

	w := f.do(t, "GET", "/api/items/"+tx.EntityKey, "")
	require.Equal(t, http.StatusOK, w.Code)
	var it store.Item
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &it))
	assert.Equal(t, "water the plants", it.Content)
	assert.Equal(t, "srv-"+tx.ID, it.ServerID)

	w = f.do(t, "GET", "/api/items?status=active", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestCreateRejects(t *testing.T) {
	f := testServer(t, false)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"unknown type", `{"type":"snooze","entity_key":"k"}`, http.StatusUnprocessableEntity},
		{"empty content", `{"type":"capture","payload":{"content":""}}`, http.StatusUnprocessableEntity},
		{"missing item", `{"type":"strike","entity_key":"local-nope"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, "POST", "/api/transactions", tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, 0, f.app.Ledger.Len())
}

func TestOfflineQueueAndConnectivity(t *testing.T) {
	f := testServer(t, false)
	f.create(t, "one")
	f.create(t, "two")

	st := f.status(t)
	assert.Equal(t, 2, st.Pending)
	assert.False(t, st.Online)

	w := f.do(t, "GET", "/api/transactions?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var txs []txn.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	assert.Len(t, txs, 2)

	w = f.do(t, "POST", "/api/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return f.app.Ledger.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.mock.Calls(), 2)

	w = f.do(t, "POST", "/api/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailedRetryAndDiscard(t *testing.T) {
	f := testServer(t, false)
	keep := f.create(t, "rejected then retried")
	drop := f.create(t, "rejected then discarded")

	f.mock.FailNext(&txn.ValidationError{Msg: "nope"}, &txn.ValidationError{Msg: "nope"})
	w := f.do(t, "POST", "/api/flush", "")
	require.Equal(t, http.StatusOK, w.Code)
	// offline: nothing dispatched
	assert.Empty(t, f.mock.Calls())

	f.sw.Set(true)
	require.Eventually(t, func() bool { return f.app.Publisher.GetStatus().Failed == 2 }, 2*time.Second, 10*time.Millisecond)

	w = f.do(t, "GET", "/api/failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var failed []txn.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	require.Len(t, failed, 2)
	assert.Equal(t, keep.ID, failed[0].ID, "failed list is in creation order")
	assert.Equal(t, txn.KindValidation, failed[0].ErrorKind)

	w = f.do(t, "POST", "/api/transactions/"+keep.ID+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Eventually(t, func() bool {
		_, ok := f.app.Engine.Get(keep.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	w = f.do(t, "POST", "/api/transactions/"+drop.ID+"/discard?rollback=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, "POST", "/api/transactions/"+drop.ID+"/discard", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, "GET", "/api/items/"+drop.EntityKey, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "rollback removed the optimistic capture")
	w = f.do(t, "GET", "/api/items/"+keep.EntityKey, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "DELETE", "/api/transactions/"+drop.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, f.status(t).Failed)
}

func TestDiscardRequiresFailed(t *testing.T) {
	f := testServer(t, false)
	tx := f.create(t, "still pending")

	w := f.do(t, "POST", "/api/transactions/"+tx.ID+"/discard", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "GET", "/api/transactions/"+tx.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "GET", "/api/transactions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLifecycle(t *testing.T) {
	f := testServer(t, true)

	w := f.do(t, "POST", "/api/lifecycle", `{"state":"background"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.status(t).Ticking, "ticking continues during the grace period")

	w = f.do(t, "POST", "/api/lifecycle", `{"state":"foreground"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.status(t).Ticking)

	w = f.do(t, "POST", "/api/lifecycle", `{"state":"asleep"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectivityRejectedWhenProbed(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer health.Close()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	defer db.Close()
	cfg := config.Default()
	cfg.Remote.URL = health.URL
	a := app.New(cfg, zaptest.NewLogger(t), app.Options{DB: db})
	require.NoError(t, a.Init(context.Background()))
	defer a.Shutdown()

	srv := New(a, "test", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("POST", "/api/connectivity", strings.NewReader(`{"online":false}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := testServer(t, false)
	f.create(t, "counted")

	w := f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `clawsync_transactions{status="pending"} 1`)
	assert.Contains(t, body, `clawsync_events_total{type="created"} 1`)
}

func TestEventsStream(t *testing.T) {
	f := testServer(t, false)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event: ") {
				return strings.TrimPrefix(l, "event: ")
			}
		}
		return ""
	}
	require.Equal(t, "status", next())

	tx := f.create(t, "streamed")
	require.Equal(t, "created", next())
	require.True(t, lines.Scan())
	data := strings.TrimPrefix(lines.Text(), "data: ")
	var ev struct {
		Type string          `json:"type"`
		Tx   txn.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, tx.ID, ev.Tx.ID)
}
