package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialflow/internal/domain"
)

type fakeConn struct {
	id     string
	fail   bool
	mu     sync.Mutex
	got    [][]byte
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func itemEvent(t *testing.T) domain.Event {
	ev, err := domain.NewEvent(domain.ActionItemUpdate, domain.DispatchItem{ID: "itm_1", Status: domain.ItemPublished}, time.Now())
	require.NoError(t, err)
	return ev
}

func TestBroadcast_FailingConnectionDoesNotBlockOthers(t *testing.T) {
	h := New()
	good := []*fakeConn{{id: "a"}, {id: "b"}, {id: "c"}}
	bad := &fakeConn{id: "x", fail: true}
	for _, c := range good {
		h.Register(c)
	}
	h.Register(bad)

	h.Broadcast(itemEvent(t))

	for _, c := range good {
		require.Len(t, c.got, 1, c.id)
		var env map[string]any
		require.NoError(t, json.Unmarshal(c.got[0], &env))
		assert.Equal(t, "item.update", env["action"])
		assert.Contains(t, env, "emitted_at")
	}
	assert.True(t, bad.closed)
	assert.Equal(t, 3, h.Count())

	h.Broadcast(itemEvent(t))
	assert.Len(t, good[0].got, 2)
}

func TestBroadcast_NoConnections(t *testing.T) {
	assert.NotPanics(t, func() { New().Broadcast(itemEvent(t)) })
}

func TestUnregister_IgnoresReplacedConnection(t *testing.T) {
	h := New()
	old := &fakeConn{id: "a"}
	h.Register(old)
	h.Register(&fakeConn{id: "a"})

	assert.False(t, h.Unregister(old))
	assert.Equal(t, 1, h.Count())
}

func TestCloseAll(t *testing.T) {
	h := New()
	c := &fakeConn{id: "a"}
	h.Register(c)
	h.CloseAll()
	assert.True(t, c.closed)
	assert.Equal(t, 0, h.Count())
}

func TestServeWS_DeliversBroadcast(t *testing.T) {
	h := New()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	h.Broadcast(itemEvent(t))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"action":"item.update"`)
	assert.Contains(t, string(msg), `"id":"itm_1"`)

	conn.Close()
	require.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClient_SendQueueFull(t *testing.T) {
	c := &Client{id: "q", sendChan: make(chan []byte, 1), done: make(chan struct{})}
	require.NoError(t, c.Send([]byte("1")))
	assert.ErrorIs(t, c.Send([]byte("2")), ErrSlowClient)
}
