package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/condorbot/internal/cache/memory"
	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/store/memory"
	"github.com/alanyoungcy/condorbot/internal/store/storetest"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type chanMirror struct {
	batches chan []domain.Tick
}

func (m *chanMirror) SetPrices(_ context.Context, ticks []domain.Tick) error {
	m.batches <- ticks
	return nil
}

func TestPumpCoalescesSignals(t *testing.T) {
	cache := cachemem.NewPriceCache()
	p := NewPump(cache, nil, discard())

	p.HandleTicks([]domain.Tick{{Token: 1, LastPrice: 10}})
	p.HandleTicks([]domain.Tick{{Token: 1, LastPrice: 11}, {Token: 2, LastPrice: 5}})
	p.HandleTicks([]domain.Tick{{Token: 1, LastPrice: 12}})

	select {
	case <-p.Signal():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-p.Signal():
		t.Fatal("bursts collapse into one signal")
	default:
	}

	price, ok := cache.Get(1)
	require.True(t, ok)
	assert.Equal(t, 12.0, price)
}

func TestPumpIgnoresEmptyBatch(t *testing.T) {
	p := NewPump(cachemem.NewPriceCache(), nil, discard())
	p.HandleTicks(nil)

	select {
	case <-p.Signal():
		t.Fatal("no signal for an empty batch")
	default:
	}
}

func TestPumpMirrorsBatches(t *testing.T) {
	mirror := &chanMirror{batches: make(chan []domain.Tick, 4)}
	p := NewPump(cachemem.NewPriceCache(), mirror, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	in := []domain.Tick{{Token: 7, LastPrice: 101.5}}
	p.HandleTicks(in)
	in[0].LastPrice = 0 // the pump must have copied the batch

	select {
	case got := <-mirror.batches:
		assert.Equal(t, []domain.Tick{{Token: 7, LastPrice: 101.5}}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("mirror never received the batch")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type fakeStream struct {
	mu          sync.Mutex
	subscribed  [][]uint32
	unsubscribe [][]uint32
}

func (s *fakeStream) Subscribe(_ context.Context, tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, tokens)
	return nil
}

func (s *fakeStream) Unsubscribe(_ context.Context, tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe = append(s.unsubscribe, tokens)
	return nil
}

func (s *fakeStream) OnTicks(domain.TickHandler) {}

func TestSubscriptionsFollowOpenPositions(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	stream := &fakeStream{}
	subs := NewSubscriptions(ledger, stream, []uint32{256265, 265}, time.Minute, discard())

	require.NoError(t, subs.Refresh(ctx))
	require.Len(t, stream.subscribed, 1)
	assert.Equal(t, []uint32{265, 256265}, stream.subscribed[0])

	pos := storetest.NewCondor("NIFTY")
	require.NoError(t, ledger.Create(ctx, pos))
	require.NoError(t, subs.Refresh(ctx))
	require.Len(t, stream.subscribed, 2)
	assert.Equal(t, []uint32{11, 12, 21, 22}, stream.subscribed[1])

	require.NoError(t, subs.Refresh(ctx))
	assert.Len(t, stream.subscribed, 2, "no change, no command")

	require.NoError(t, ledger.TransitionStatus(ctx, pos.ID, domain.StatusActive, domain.StatusExiting))
	require.NoError(t, subs.Refresh(ctx))
	require.Len(t, stream.unsubscribe, 1)
	assert.Equal(t, []uint32{11, 12, 21, 22}, stream.unsubscribe[0])
}
