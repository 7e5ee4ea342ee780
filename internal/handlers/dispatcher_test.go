package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattfrayser/boardrelay/internal/board"
	apperrors "github.com/mattfrayser/boardrelay/internal/errors"
	"github.com/mattfrayser/boardrelay/internal/hub"
	"github.com/mattfrayser/boardrelay/internal/logging"
	"github.com/mattfrayser/boardrelay/internal/metrics"
	"github.com/mattfrayser/boardrelay/internal/middleware"
	"github.com/mattfrayser/boardrelay/internal/object"
	"github.com/mattfrayser/boardrelay/internal/protocol"
	"github.com/mattfrayser/boardrelay/internal/retry"
	"github.com/mattfrayser/boardrelay/internal/storage/memory"
)

type recordingConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Envelope
	closed bool
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(msg []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) received() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *recordingConn) last(t *testing.T) protocol.Envelope {
	t.Helper()
	frames := c.received()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type failingAppendStore struct {
	*memory.Store
}

func (failingAppendStore) AppendObject(context.Context, object.Object) error {
	return apperrors.UnavailableError("db down", errors.New("connection refused"))
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *hub.Registry
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, store board.Store, echo bool) *fixture {
	t.Helper()
	require.NoError(t, store.CreateBoard(context.Background(), "b1"))

	m := metrics.NewUnregistered()
	logger := logging.Discard()
	limits := &middleware.Limits{
		MaxBoardSubscribers: 3,
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
	}, clockwork.NewFakeClock(), logger, m)
	registry := hub.NewRegistry(logger, m)

	return &fixture{
		dispatcher: NewDispatcher(boards, registry, object.NewValidator(), Options{
			Limits:           limits,
			EchoToOriginator: echo,
		}, logger, m),
		registry: registry,
		metrics:  m,
	}
}

func (f *fixture) open(t *testing.T, id string) (*Connection, *recordingConn) {
	t.Helper()
	rc := &recordingConn{id: id}
	c, err := f.dispatcher.Open(context.Background(), "b1", rc)
	require.NoError(t, err)
	return c, rc
}

func addObject(t *testing.T, key string, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type": "ADD_OBJECT",
		"data": map[string]any{key: payload},
	})
	require.NoError(t, err)
	return raw
}

func rect(id string) map[string]any {
	return map[string]any{"id": id, "type": "rect", "x": 10, "y": 20, "width": 30, "height": 40}
}

func decode(t *testing.T, env protocol.Envelope) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func TestOpen_SendsInitialData(t *testing.T) {
	f := newFixture(t, memory.New(), false)

	c, rc := f.open(t, "viewer-a")

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, f.registry.Count("b1"))

	frames := rc.received()
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.KindInitialData, frames[0].Type)

	data := decode(t, frames[0])
	assert.Equal(t, "b1", data["boardId"])
	assert.Equal(t, 0.0, data["version"])
	assert.Equal(t, []any{}, data["objects"])
	v := data["viewer"].(map[string]any)
	assert.Equal(t, "viewer-a", v["id"])
	assert.Regexp(t, `^#[0-9a-f]{6}$`, v["color"])
}

func TestOpen_UnknownBoard(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	rc := &recordingConn{id: "viewer-a"}

	c, err := f.dispatcher.Open(context.Background(), "nope", rc)

	assert.Nil(t, c)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, rc.received())
	assert.Equal(t, 0, f.registry.Count("nope"))

	var frame protocol.Envelope
	require.NoError(t, json.Unmarshal(ErrorFrame(err), &frame))
	assert.Equal(t, protocol.KindError, frame.Type)
	assert.Equal(t, "not_found", decode(t, frame)["code"])
}

func TestOpen_ViewerLimit(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	for i := 0; i < 3; i++ {
		f.open(t, fmt.Sprintf("v%d", i))
	}

	_, err := f.dispatcher.Open(context.Background(), "b1", &recordingConn{id: "v3"})
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 3, f.registry.Count("b1"))
}

// A, B and C watch b1; A adds o1. B and C see it at version 1, A does not,
// and a repeat from A is a conflict that only A hears about.
func TestHandle_AddObjectFanOut(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, ra := f.open(t, "a")
	_, rb := f.open(t, "b")
	_, rc := f.open(t, "c")
	ra.reset()
	rb.reset()
	rc.reset()

	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o1"))))

	assert.Empty(t, ra.received())
	for _, r := range []*recordingConn{rb, rc} {
		frames := r.received()
		require.Len(t, frames, 1)
		assert.Equal(t, protocol.KindObjectAdded, frames[0].Type)
		data := decode(t, frames[0])
		assert.Equal(t, "o1", data["id"])
		assert.Equal(t, "rect", data["type"])
		assert.Equal(t, 1.0, data["version"])
	}

	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o1"))))

	frame := ra.last(t)
	assert.Equal(t, protocol.KindError, frame.Type)
	assert.Equal(t, "conflict", decode(t, frame)["code"])
	assert.Len(t, rb.received(), 1)
	assert.Len(t, rc.received(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesRejected.WithLabelValues("conflict")))
}

func TestHandle_EchoToOriginator(t *testing.T) {
	f := newFixture(t, memory.New(), true)
	a, ra := f.open(t, "a")
	_, rb := f.open(t, "b")
	ra.reset()
	rb.reset()

	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o1"))))

	assert.Equal(t, protocol.KindObjectAdded, ra.last(t).Type)
	assert.Equal(t, protocol.KindObjectAdded, rb.last(t).Type)
}

func TestHandle_LowercaseObjectKey(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, _ := f.open(t, "a")
	_, rb := f.open(t, "b")

	require.NoError(t, a.Handle(context.Background(), addObject(t, "object", map[string]any{"id": "o9", "kind": "sticky"})))

	frame := rb.last(t)
	assert.Equal(t, protocol.KindObjectAdded, frame.Type)
	assert.Equal(t, "sticky", decode(t, frame)["kind"])
}

func TestHandle_LateJoinerSeesSnapshot(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, _ := f.open(t, "a")
	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o1"))))
	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o2"))))

	_, late := f.open(t, "late")

	data := decode(t, late.last(t))
	assert.Equal(t, 2.0, data["version"])
	objects := data["objects"].([]any)
	require.Len(t, objects, 2)
	assert.Equal(t, "o1", objects[0].(map[string]any)["id"])
	assert.Equal(t, 1.0, objects[0].(map[string]any)["version"])
	assert.Equal(t, "o2", objects[1].(map[string]any)["id"])
}

func TestHandle_InvalidFramesKeepConnectionOpen(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"malformed json", []byte(`{"type":`)},
		{"missing type", []byte(`{"data":{}}`)},
		{"missing object", []byte(`{"type":"ADD_OBJECT","data":{}}`)},
		{"object not a map", []byte(`{"type":"ADD_OBJECT","data":{"Object":"o1"}}`)},
		{"numeric id", []byte(`{"type":"ADD_OBJECT","data":{"Object":{"id":7,"type":"rect"}}}`)},
		{"empty id", []byte(`{"type":"ADD_OBJECT","data":{"Object":{"id":""}}}`)},
		{"bad schema", []byte(`{"type":"ADD_OBJECT","data":{"Object":{"id":"o1","type":"circle","cx":0,"cy":0,"radius":-5}}}`)},
		{"too deep", []byte(`{"type":"ADD_OBJECT","data":{"Object":{"id":"o1","a":{"b":{"c":{"d":{"e":{"f":1}}}}}}}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, memory.New(), false)
			a, ra := f.open(t, "a")
			_, rb := f.open(t, "b")
			rb.reset()

			require.NoError(t, a.Handle(context.Background(), tt.raw))

			frame := ra.last(t)
			assert.Equal(t, protocol.KindError, frame.Type)
			assert.Equal(t, "validation", decode(t, frame)["code"])
			assert.Equal(t, StateConnected, a.State())
			assert.Empty(t, rb.received())
		})
	}
}

func TestHandle_ValidationErrorNamesTheProblem(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, ra := f.open(t, "a")

	require.NoError(t, a.Handle(context.Background(), []byte(`{"type":"ADD_OBJECT","data":{"Object":{"id":""}}}`)))

	data := decode(t, ra.last(t))
	assert.Equal(t, "validation", data["code"])
	assert.Contains(t, data["message"], "object rejected")
	assert.Contains(t, data["message"], "'id' is required")
}

func TestHandle_IDsAreNotRewritten(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, ra := f.open(t, "a")
	_, rb := f.open(t, "b")
	ra.reset()
	rb.reset()

	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("a&b"))))
	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("a&amp;b"))))

	assert.Empty(t, ra.received(), "neither add is a conflict")
	frames := rb.received()
	require.Len(t, frames, 2)
	assert.Equal(t, "a&b", decode(t, frames[0])["id"])
	assert.Equal(t, "a&amp;b", decode(t, frames[1])["id"])
	assert.Equal(t, 2.0, decode(t, frames[1])["version"])
}

func TestHandle_AssignsIDWhenClientSendsNone(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, ra := f.open(t, "a")
	_, rb := f.open(t, "b")
	ra.reset()
	rb.reset()

	raw := []byte(`{"type":"ADD_OBJECT","data":{"object":{"type":"path","points":[[1,2],[3,4]]}}}`)
	require.NoError(t, a.Handle(context.Background(), raw))

	assert.Empty(t, ra.received())
	added := decode(t, rb.last(t))
	id, ok := added["id"].(string)
	require.True(t, ok)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, added["version"])
	assert.Equal(t, []any{[]any{1.0, 2.0}, []any{3.0, 4.0}}, added["points"])

	_, late := f.open(t, "late")
	objects := decode(t, late.last(t))["objects"].([]any)
	require.Len(t, objects, 1)
	assert.Equal(t, id, objects[0].(map[string]any)["id"])
}

func TestHandle_IgnoresUnknownAndServerKinds(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, ra := f.open(t, "a")
	_, rb := f.open(t, "b")
	ra.reset()
	rb.reset()

	require.NoError(t, a.Handle(context.Background(), []byte(`{"type":"CURSOR_MOVED","data":{"x":1}}`)))
	require.NoError(t, a.Handle(context.Background(), []byte(`{"type":"OBJECT_ADDED","data":{"id":"x"}}`)))
	require.NoError(t, a.Handle(context.Background(), []byte(`{"type":"INITIAL_DATA","data":{}}`)))

	assert.Empty(t, ra.received())
	assert.Empty(t, rb.received())
}

func TestHandle_SanitizesStrings(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, _ := f.open(t, "a")
	_, rb := f.open(t, "b")

	payload := map[string]any{"id": "t1", "type": "text", "x": 1, "y": 1, "text": "<b>hello</b>"}
	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", payload)))

	assert.Equal(t, "hello", decode(t, rb.last(t))["text"])
}

func TestHandle_PersistFailureWarnsOriginator(t *testing.T) {
	f := newFixture(t, failingAppendStore{memory.New()}, false)
	a, ra := f.open(t, "a")
	_, rb := f.open(t, "b")

	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o1"))))

	assert.Equal(t, protocol.KindObjectAdded, rb.last(t).Type, "accepted objects are still broadcast")
	frame := ra.last(t)
	assert.Equal(t, protocol.KindError, frame.Type)
	assert.Equal(t, "unavailable", decode(t, frame)["code"])

	_, late := f.open(t, "late")
	assert.Equal(t, 1.0, decode(t, late.last(t))["version"])
}

func TestConnection_Close(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	a, ra := f.open(t, "a")
	b, _ := f.open(t, "b")
	ra.reset()

	a.Close()
	a.Close()

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 1, f.registry.Count("b1"))

	require.NoError(t, a.Handle(context.Background(), addObject(t, "Object", rect("o1"))))
	require.NoError(t, b.Handle(context.Background(), addObject(t, "Object", rect("o2"))))
	assert.Empty(t, ra.received(), "closed connections receive nothing")
}

func TestHandle_ConcurrentWritersStayOrdered(t *testing.T) {
	f := newFixture(t, memory.New(), false)
	writers := make([]*Connection, 2)
	for i := range writers {
		writers[i], _ = f.open(t, fmt.Sprintf("w%d", i))
	}
	_, watcher := f.open(t, "watcher")
	watcher.reset()

	const perWriter = 20
	var wg sync.WaitGroup
	for i, w := range writers {
		wg.Add(1)
		go func(i int, w *Connection) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, w.Handle(context.Background(), addObject(t, "Object", rect(fmt.Sprintf("w%d-o%d", i, j)))))
			}
		}(i, w)
	}
	wg.Wait()

	frames := watcher.received()
	require.Len(t, frames, 2*perWriter)
	for i, frame := range frames {
		assert.Equal(t, float64(i+1), decode(t, frame)["version"])
	}
}
