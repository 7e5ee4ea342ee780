package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattfrayser/boardrelay/internal/board"
	"github.com/mattfrayser/boardrelay/internal/handlers"
	"github.com/mattfrayser/boardrelay/internal/hub"
	"github.com/mattfrayser/boardrelay/internal/logging"
	"github.com/mattfrayser/boardrelay/internal/metrics"
	"github.com/mattfrayser/boardrelay/internal/middleware"
	"github.com/mattfrayser/boardrelay/internal/object"
	"github.com/mattfrayser/boardrelay/internal/protocol"
	"github.com/mattfrayser/boardrelay/internal/retry"
	"github.com/mattfrayser/boardrelay/internal/storage/memory"
)

type testServer struct {
	*httptest.Server
	srv   *Server
	store *memory.Store
}

func newTestServer(t *testing.T, origins []string) *testServer {
	t.Helper()

	store := memory.New()
	require.NoError(t, store.CreateBoard(context.Background(), "b1"))

	logger := logging.Discard()
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	clock := clockwork.NewFakeClock()
	limits := &middleware.Limits{
		MaxBoardSubscribers: 10,
		MaxMessageSize:      4096,
		MaxObjectDepth:      4,
		MaxObjectElements:   50,
		MessagesPerSecond:   100,
		BurstSize:           100,
	}

	boards := board.NewManager(store, board.Options{
		MaxObjects: 100,
		IdleTTL:    time.Hour,
		Persist:    retry.Policy{MaxAttempts: 1},
	}, clock, logger, m)
	dispatcher := handlers.NewDispatcher(boards, hub.NewRegistry(logger, m), object.NewValidator(),
		handlers.Options{Limits: limits}, logger, m)

	// the fake clock never refills, so each test gets five dials
	ipLimiter := middleware.NewIPRateLimit(clock)
	ws := NewBoardHandler(dispatcher, limits, ipLimiter, origins, logger)
	srv := NewServer("127.0.0.1:0", boards, ws, reg, logger)

	ts := &testServer{Server: httptest.NewServer(srv.Handler()), srv: srv, store: store}
	t.Cleanup(func() {
		ws.CloseAll()
		ts.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T, boardID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/board/" + boardID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (protocol.Envelope, map[string]any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return env, data
}

func addObjectFrame(id string) map[string]any {
	return map[string]any{
		"type": "ADD_OBJECT",
		"data": map[string]any{
			"object": map[string]any{"id": id, "type": "rect", "x": 1, "y": 2, "width": 3, "height": 4},
		},
	}
}

func TestBoardSocket_InitialDataAndFanOut(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.dial(t, "b1")
	env, data := readFrame(t, a)
	require.Equal(t, protocol.KindInitialData, env.Type)
	assert.Equal(t, "b1", data["boardId"])
	assert.Equal(t, 0.0, data["version"])
	assert.Empty(t, data["objects"])

	b := ts.dial(t, "b1")
	env, _ = readFrame(t, b)
	require.Equal(t, protocol.KindInitialData, env.Type)

	require.NoError(t, a.WriteJSON(addObjectFrame("o1")))

	env, data = readFrame(t, b)
	require.Equal(t, protocol.KindObjectAdded, env.Type)
	assert.Equal(t, "o1", data["id"])
	assert.Equal(t, 1.0, data["version"])

	// a late joiner sees the object in its snapshot
	c := ts.dial(t, "b1")
	_, data = readFrame(t, c)
	assert.Equal(t, 1.0, data["version"])
	assert.Len(t, data["objects"], 1)
}

func TestBoardSocket_DuplicateIsRejectedOnlyToSender(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.dial(t, "b1")
	readFrame(t, a)

	require.NoError(t, a.WriteJSON(addObjectFrame("o1")))
	require.NoError(t, a.WriteJSON(addObjectFrame("o1")))

	env, data := readFrame(t, a)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, "conflict", data["code"])

	// the connection survives a rejected frame
	require.NoError(t, a.WriteJSON(addObjectFrame("o2")))
	require.NoError(t, a.WriteJSON(map[string]any{"type": "ADD_OBJECT", "data": map[string]any{}}))
	env, data = readFrame(t, a)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, "validation", data["code"])
}

func TestBoardSocket_UnknownBoardGetsErrorAndClose(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := ts.dial(t, "missing")
	env, data := readFrame(t, conn)
	require.Equal(t, protocol.KindError, env.Type)
	assert.Equal(t, "not_found", data["code"])

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestBoardSocket_RejectsDisallowedOrigin(t *testing.T) {
	ts := newTestServer(t, []string{"https://boards.example.com"})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/board/b1"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://boards.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows anything", nil, "https://a.example", true},
		{"empty list allows no origin", nil, "", true},
		{"exact match", []string{"https://a.example"}, "https://a.example", true},
		{"no match", []string{"https://a.example"}, "https://b.example", false},
		{"prefix is not a match", []string{"https://a.example"}, "https://a.example.evil", false},
		{"missing origin", []string{"https://a.example"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/board/b1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestCreateBoard(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/boards/b2", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "b2", body["boardId"])

	conn := ts.dial(t, "b2")
	env, _ := readFrame(t, conn)
	assert.Equal(t, protocol.KindInitialData, env.Type)
}

func TestCreateBoard_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		id     string
		status int
		code   string
	}{
		{"already exists", "b1", http.StatusConflict, "conflict"},
		{"too long", strings.Repeat("x", board.MaxIDLength+1), http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/boards/"+tt.id, "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.dial(t, "b1")
	readFrame(t, a)

	scrape := func() string {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(), "boardrelay_websocket_active_connections 1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownClosesSockets(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := ts.dial(t, "b1")
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
