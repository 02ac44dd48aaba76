package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

const (
	tickerWriteWait = 10 * time.Second
	// Kite sends a one-byte heartbeat every second, so a silent socket
	// for this long is dead.
	tickerReadWait       = 30 * time.Second
	tickerPingPeriod     = (tickerReadWait * 9) / 10
	tickerReconnectDelay = 2 * time.Second
	tickerMaxReconnect   = 60 * time.Second
)

// Exchange segments encoded in the low byte of an instrument token whose
// prices use a divisor other than 100.
const (
	segmentCDS = 3
	segmentBCD = 6
)

// TickerConfig holds the ticker endpoint and session.
type TickerConfig struct {
	URL         string
	APIKey      string
	AccessToken string
	// OnReconnect, if set, is called after every successful reconnect.
	OnReconnect func()
}

// Ticker streams last-traded prices from the Kite websocket. Subscriptions
// are tracked and restored after a reconnect.
type Ticker struct {
	cfg    TickerConfig
	logger *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	closed     bool
	subscribed map[uint32]struct{}

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  []domain.TickHandler

	done chan struct{}
}

// NewTicker creates a Ticker. Call Connect to open the socket.
func NewTicker(cfg TickerConfig, logger *slog.Logger) *Ticker {
	return &Ticker{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "kite_ticker")),
		subscribed: make(map[uint32]struct{}),
		done:       make(chan struct{}),
	}
}

// Connect opens the websocket and re-sends any tracked subscriptions.
func (t *Ticker) Connect(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("kite/ticker: parse url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", t.cfg.APIKey)
	q.Set("access_token", t.cfg.AccessToken)
	u.RawQuery = q.Encode()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("kite/ticker: closed")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("kite/ticker: connect: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(tickerReadWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tickerReadWait))
	})
	t.conn = conn

	go t.readLoop(conn)
	go t.pingLoop(conn)

	if tokens := t.trackedLocked(); len(tokens) > 0 {
		if err := t.sendSubscribe(conn, tokens); err != nil {
			return fmt.Errorf("kite/ticker: restore subscriptions: %w", err)
		}
	}
	t.logger.Info("ticker connected", slog.Int("tokens", len(t.subscribed)))
	return nil
}

// Subscribe streams LTP for tokens. Tokens are tracked even while
// disconnected and sent on the next connect.
func (t *Ticker) Subscribe(_ context.Context, tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		t.subscribed[tok] = struct{}{}
	}
	if t.conn == nil {
		return nil
	}
	if err := t.sendSubscribe(t.conn, tokens); err != nil {
		return fmt.Errorf("kite/ticker: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe stops streaming tokens.
func (t *Ticker) Unsubscribe(_ context.Context, tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		delete(t.subscribed, tok)
	}
	if t.conn == nil {
		return nil
	}
	if err := t.writeJSON(t.conn, command{Action: "unsubscribe", Value: tokens}); err != nil {
		return fmt.Errorf("kite/ticker: unsubscribe: %w", err)
	}
	return nil
}

// OnTicks registers a handler called with every decoded tick batch.
func (t *Ticker) OnTicks(h domain.TickHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Subscribed returns the tracked tokens in ascending order.
func (t *Ticker) Subscribed() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackedLocked()
}

// Close shuts the socket down and stops reconnecting.
func (t *Ticker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	if t.conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *Ticker) trackedLocked() []uint32 {
	out := make([]uint32, 0, len(t.subscribed))
	for tok := range t.subscribed {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type command struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

func (t *Ticker) sendSubscribe(conn *websocket.Conn, tokens []uint32) error {
	if err := t.writeJSON(conn, command{Action: "subscribe", Value: tokens}); err != nil {
		return err
	}
	return t.writeJSON(conn, command{Action: "mode", Value: []any{"ltp", tokens}})
}

func (t *Ticker) writeJSON(conn *websocket.Conn, cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Action, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(tickerWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Ticker) readLoop(conn *websocket.Conn) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warn("ticker disconnected", slog.String("error", err.Error()))
			t.reconnect()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(tickerReadWait))

		if mt != websocket.BinaryMessage {
			// Text frames carry order updates and errors, not prices.
			continue
		}
		ticks, err := ParseTicks(msg)
		if err != nil {
			t.logger.Debug("bad tick frame", slog.String("error", err.Error()))
			continue
		}
		if len(ticks) == 0 {
			continue
		}
		t.handlerMu.RLock()
		handlers := t.handlers
		t.handlerMu.RUnlock()
		for _, h := range handlers {
			h(ticks)
		}
	}
}

func (t *Ticker) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(tickerPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(tickerWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// reconnect re-dials with exponential backoff until it succeeds or the
// ticker is closed.
func (t *Ticker) reconnect() {
	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	delay := tickerReconnectDelay
	for {
		select {
		case <-t.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := t.Connect(ctx)
		cancel()
		if err == nil {
			if t.cfg.OnReconnect != nil {
				t.cfg.OnReconnect()
			}
			return
		}
		t.logger.Warn("ticker reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		delay *= 2
		if delay > tickerMaxReconnect {
			delay = tickerMaxReconnect
		}
	}
}

// ParseTicks decodes a binary ticker frame: a two-byte packet count, then
// each packet prefixed by its two-byte length. Every packet mode starts with
// the instrument token and the last traded price, which is all this reads.
// One-byte heartbeat frames decode to no ticks.
func ParseTicks(frame []byte) ([]domain.Tick, error) {
	if len(frame) < 2 {
		return nil, nil
	}
	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]domain.Tick, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(frame) {
			return ticks, fmt.Errorf("kite/ticker: truncated frame at packet %d", i)
		}
		n := int(binary.BigEndian.Uint16(frame[off : off+2]))
		off += 2
		if off+n > len(frame) {
			return ticks, fmt.Errorf("kite/ticker: packet %d overruns frame", i)
		}
		pkt := frame[off : off+n]
		off += n
		if n < 8 {
			continue
		}
		token := binary.BigEndian.Uint32(pkt[0:4])
		raw := int32(binary.BigEndian.Uint32(pkt[4:8]))
		ticks = append(ticks, domain.Tick{Token: token, LastPrice: float64(raw) / priceDivisor(token)})
	}
	return ticks, nil
}

func priceDivisor(token uint32) float64 {
	switch token & 0xff {
	case segmentCDS:
		return 10000000
	case segmentBCD:
		return 10000
	}
	return 100
}

var _ domain.TickStream = (*Ticker)(nil)
