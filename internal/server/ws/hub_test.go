package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

type streamBus struct {
	mu      sync.Mutex
	lastIDs []string
	msgs    []domain.StreamMessage
	err     error
}

func (b *streamBus) Publish(context.Context, string, []byte) error { return nil }

func (b *streamBus) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *streamBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *streamBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastIDs = append(b.lastIDs, stream+"|"+lastID)
	if b.err != nil {
		return nil, b.err
	}
	if count < len(b.msgs) {
		return b.msgs[:count], nil
	}
	return b.msgs, nil
}

func (b *streamBus) reads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lastIDs...)
}

func startHub(t *testing.T, bus *streamBus, window time.Duration) (*Hub, string) {
	t.Helper()
	hub := NewHub(bus, "positions", func(context.Context) (any, error) {
		return map[string]int{"positions": 1}, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil))).WithReplay("positions:history", window, 10)
	hub.replay.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestReplayFollowsSnapshot(t *testing.T) {
	bus := &streamBus{msgs: []domain.StreamMessage{
		{ID: "1699999990000-0", Payload: []byte(`{"type":"position.opened","position":{"id":"p1"}}`)},
		{ID: "1699999995000-0", Payload: []byte(`{"type":"position.rolled","position":{"id":"p1"}}`)},
	}}
	_, url := startHub(t, bus, time.Minute)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "snapshot", readMessage(t, conn)["type"])

	first := readMessage(t, conn)
	assert.Equal(t, "replay", first["type"])
	assert.Equal(t, "1699999990000-0", first["id"])
	assert.Equal(t, "position.opened", first["payload"].(map[string]any)["type"])

	second := readMessage(t, conn)
	assert.Equal(t, "1699999995000-0", second["id"])

	assert.Equal(t, []string{"positions:history|1699999940000-0"}, bus.reads(), "one minute before now")
}

func TestReplaySinceID(t *testing.T) {
	bus := &streamBus{}
	hub, url := startHub(t, bus, time.Minute)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?since=1699999995000-3", nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "snapshot", readMessage(t, conn)["type"])
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"positions:history|1699999995000-3"}, bus.reads())
}

func TestReplayFailureStillConnects(t *testing.T) {
	bus := &streamBus{err: errors.New("redis down")}
	hub, url := startHub(t, bus, time.Minute)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "snapshot", readMessage(t, conn)["type"])
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast([]byte(`{"type":"position.exited"}`))
	assert.Equal(t, "position.exited", readMessage(t, conn)["type"])
}
