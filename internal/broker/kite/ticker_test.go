package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// frame builds a binary ticker frame of ltp-mode packets.
func frame(ticks ...domain.Tick) []byte {
	buf := make([]byte, 2, 2+len(ticks)*10)
	binary.BigEndian.PutUint16(buf, uint16(len(ticks)))
	for _, tk := range ticks {
		pkt := make([]byte, 10)
		binary.BigEndian.PutUint16(pkt[0:2], 8)
		binary.BigEndian.PutUint32(pkt[2:6], tk.Token)
		binary.BigEndian.PutUint32(pkt[6:10], uint32(int32(math.Round(tk.LastPrice * 100))))
		buf = append(buf, pkt...)
	}
	return buf
}

func TestParseTicks(t *testing.T) {
	ticks, err := ParseTicks(frame(
		domain.Tick{Token: 256265, LastPrice: 24512.35},
		domain.Tick{Token: 11, LastPrice: 80.5},
	))
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, uint32(256265), ticks[0].Token)
	assert.InDelta(t, 24512.35, ticks[0].LastPrice, 1e-9)
	assert.InDelta(t, 80.5, ticks[1].LastPrice, 1e-9)

	hb, err := ParseTicks([]byte{0})
	require.NoError(t, err)
	assert.Empty(t, hb, "heartbeat")

	_, err = ParseTicks(frame(domain.Tick{Token: 11, LastPrice: 1})[:7])
	assert.Error(t, err)
}

func TestParseTicksSkipsShortPackets(t *testing.T) {
	buf := []byte{0, 2, 0, 2, 0xAA, 0xBB}
	buf = append(buf, frame(domain.Tick{Token: 12, LastPrice: 30})[2:]...)
	ticks, err := ParseTicks(buf)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, uint32(12), ticks[0].Token)
}

func TestTickerSubscribesAndStreams(t *testing.T) {
	commands := make(chan command, 8)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd command
			if json.Unmarshal(msg, &cmd) != nil {
				continue
			}
			commands <- cmd
			if cmd.Action == "mode" {
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0})
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order"}`))
				_ = conn.WriteMessage(websocket.BinaryMessage, frame(
					domain.Tick{Token: 256265, LastPrice: 24500},
					domain.Tick{Token: 11, LastPrice: 82},
				))
			}
		}
	}))
	defer srv.Close()

	tk := NewTicker(TickerConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:      "key",
		AccessToken: "tok",
	}, discardLogger())

	got := make(chan []domain.Tick, 1)
	tk.OnTicks(func(ticks []domain.Tick) { got <- ticks })

	ctx := context.Background()
	require.NoError(t, tk.Subscribe(ctx, []uint32{256265, 11}), "tracked before connect")
	require.NoError(t, tk.Connect(ctx))
	defer tk.Close()

	select {
	case cmd := <-commands:
		assert.Equal(t, "subscribe", cmd.Action)
	case <-time.After(3 * time.Second):
		t.Fatal("no subscribe command")
	}
	select {
	case cmd := <-commands:
		assert.Equal(t, "mode", cmd.Action)
	case <-time.After(3 * time.Second):
		t.Fatal("no mode command")
	}

	select {
	case ticks := <-got:
		require.Len(t, ticks, 2)
		assert.Equal(t, 82.0, ticks[1].LastPrice)
	case <-time.After(3 * time.Second):
		t.Fatal("no ticks")
	}

	require.NoError(t, tk.Unsubscribe(ctx, []uint32{11}))
	assert.Equal(t, []uint32{256265}, tk.Subscribed())
}
