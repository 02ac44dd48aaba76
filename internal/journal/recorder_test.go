package journal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/store/memory"
	"github.com/alanyoungcy/condorbot/internal/store/storetest"
)

type blobCall struct {
	path string
	body []byte
}

type fakeBlob struct {
	calls []blobCall
	err   error
}

func (b *fakeBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.err != nil {
		return b.err
	}
	body, _ := io.ReadAll(data)
	b.calls = append(b.calls, blobCall{path: path, body: body})
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRealizedPnL(t *testing.T) {
	pos := storetest.NewCondor("NIFTY") // call entry 50, put entry 40, qty 75
	quote := map[uint32]float64{
		pos.Call.Sell.Token: 30, pos.Call.Buy.Token: 10, // close cost 20
		pos.Put.Sell.Token: 120, pos.Put.Buy.Token: 20, // close cost 100
	}

	pnl, missing := RealizedPnL(pos, []domain.Side{domain.SideCall}, quote)
	assert.Empty(t, missing)
	assert.InDelta(t, 2250.0, pnl, 1e-9)

	pnl, _ = RealizedPnL(pos, []domain.Side{domain.SideCall, domain.SidePut}, quote)
	assert.InDelta(t, 2250.0-4500.0, pnl, 1e-9)

	delete(quote, pos.Put.Buy.Token)
	pnl, missing = RealizedPnL(pos, []domain.Side{domain.SideCall, domain.SidePut}, quote)
	assert.Equal(t, []string{"PUT"}, missing)
	assert.InDelta(t, 2250.0, pnl, 1e-9)
}

func TestRecordPersistsAndMirrors(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPerformanceStore()
	blob := &fakeBlob{}
	r := NewRecorder(store, blob, discard())

	pos := storetest.NewCondor("NIFTY")
	at := time.Date(2025, 1, 14, 10, 30, 0, 0, time.UTC)
	rec, err := r.Record(ctx, Outcome{
		Position:    pos,
		Side:        domain.SideAll,
		Reason:      domain.ExitStopLoss,
		FinalStatus: domain.StatusExited,
		ExitedSides: []domain.Side{domain.SideCall, domain.SidePut},
		Quote:       map[uint32]float64{},
		At:          at,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "no quote for CALL, PUT", rec.Notes)

	rows, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pos.ID, rows[0].PositionID)
	assert.Equal(t, domain.ExitStopLoss, rows[0].ExitReason)

	require.Len(t, blob.calls, 1)
	assert.Equal(t, "trades/2025-01-14/NIFTY/"+rec.ID+".json", blob.calls[0].path)
	assert.True(t, bytes.Contains(blob.calls[0].body, []byte(`"exit_reason":"STOP_LOSS_HIT"`)))
}

func TestRecordFailedExitKeepsReason(t *testing.T) {
	store := memory.NewPerformanceStore()
	r := NewRecorder(store, &fakeBlob{err: errors.New("bucket gone")}, discard())

	rec, err := r.Record(context.Background(), Outcome{
		Position:    storetest.NewCondor("SENSEX"),
		Side:        domain.SideCall,
		Reason:      domain.ExitStopLoss,
		FinalStatus: domain.StatusFailedExit,
		Err:         errors.New("insufficient margin"),
	})
	require.NoError(t, err, "mirror failures are not fatal")
	assert.Equal(t, domain.StatusFailedExit, rec.FinalStatus)
	assert.Equal(t, "exit failed: insufficient margin", rec.Notes)
	assert.Zero(t, rec.RealizedPnL)
}
