// Package storetest holds the behavioural suite every domain.PositionLedger
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
)

// NewCondor returns a valid ACTIVE iron condor on underlying with a fresh ID.
func NewCondor(underlying string) domain.Position {
	return domain.Position{
		ID:         uuid.NewString(),
		Underlying: underlying,
		Status:     domain.StatusActive,
		TradeType:  domain.TradeIronCondor,
		Call: &domain.SpreadSide{
			Sell:         domain.Leg{Token: 11, Symbol: underlying + "24D1224500CE", Strike: 24500, EntryPrice: 80},
			Buy:          domain.Leg{Token: 12, Symbol: underlying + "24D1224700CE", Strike: 24700, EntryPrice: 30},
			EntryPremium: 50,
		},
		Put: &domain.SpreadSide{
			Sell:         domain.Leg{Token: 21, Symbol: underlying + "24D1223500PE", Strike: 23500, EntryPrice: 70},
			Buy:          domain.Leg{Token: 22, Symbol: underlying + "24D1223300PE", Strike: 23300, EntryPrice: 30},
			EntryPremium: 40,
		},
		TotalEntryPremium: 90,
		LotSize:           75,
		Lots:              1,
		SpotToken:         256265,
		Exchange:          "NFO",
		LastFillAt:        time.Date(2024, 12, 9, 9, 20, 0, 0, time.UTC),
		OpenedAfter:       time.Date(2024, 12, 9, 9, 5, 0, 0, time.UTC),
	}
}

// RunLedgerSuite exercises the conditional-write contract of a ledger.
// newLedger must return an empty ledger for each call.
func RunLedgerSuite(t *testing.T, newLedger func(t *testing.T) domain.PositionLedger) {
	ctx := context.Background()

	t.Run("create and find active", func(t *testing.T) {
		l := newLedger(t)
		p := NewCondor("NIFTY")
		require.NoError(t, l.Create(ctx, p))

		got, err := l.FindActive(ctx, "NIFTY")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, int64(1), got.Version)
		require.NotNil(t, got.Call)
		require.NotNil(t, got.Put)
		assert.Equal(t, "NIFTY24D1224500CE", got.Call.Sell.Symbol)
		assert.Equal(t, uint32(22), got.Put.Buy.Token)
		assert.True(t, got.OpenedAfter.Equal(p.OpenedAfter))
		assert.Equal(t, uint32(256265), got.SpotToken)

		_, err = l.FindActive(ctx, "SENSEX")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("one active per underlying", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Create(ctx, NewCondor("NIFTY")))
		err := l.Create(ctx, NewCondor("NIFTY"))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		require.NoError(t, l.Create(ctx, NewCondor("SENSEX")))
	})

	t.Run("create rejects inconsistent legs", func(t *testing.T) {
		l := newLedger(t)
		p := NewCondor("NIFTY")
		p.Put = nil
		assert.ErrorIs(t, l.Create(ctx, p), domain.ErrInvalidPosition)
	})

	t.Run("save is conditional on status and version", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Create(ctx, NewCondor("NIFTY")))
		p, err := l.FindActive(ctx, "NIFTY")
		require.NoError(t, err)

		stale := p.Clone()

		p.Alerts.Call70Decay = true
		require.NoError(t, l.Save(ctx, &p, domain.StatusActive))
		assert.Equal(t, int64(2), p.Version)

		stale.BufferPremium = 35
		assert.ErrorIs(t, l.Save(ctx, &stale, domain.StatusActive), domain.ErrStatusConflict)

		p.IsIronButterfly = true
		assert.ErrorIs(t, l.Save(ctx, &p, domain.StatusManualOverride), domain.ErrStatusConflict)

		got, err := l.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, got.Alerts.Call70Decay)
		assert.Zero(t, got.BufferPremium)
		assert.False(t, got.IsIronButterfly)
	})

	t.Run("save round-trips roll fields", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.Create(ctx, NewCondor("NIFTY")))
		p, err := l.FindActive(ctx, "NIFTY")
		require.NoError(t, err)

		p.Call.Sell.Symbol = "NIFTY24D1224600CE"
		p.Call.EntryPremium = 45
		p.BufferPremium = 35
		p.RetiredSymbols = []string{"NIFTY24D1224500CE", "NIFTY24D1224700CE"}
		p.LastFillAt = p.LastFillAt.Add(time.Hour)
		p.RecomputeTotal()
		require.NoError(t, l.Save(ctx, &p, domain.StatusActive))

		got, err := l.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "NIFTY24D1224600CE", got.Call.Sell.Symbol)
		assert.Equal(t, 85.0, got.TotalEntryPremium)
		assert.Equal(t, 35.0, got.BufferPremium)
		assert.Equal(t, p.RetiredSymbols, got.RetiredSymbols)
		assert.True(t, got.LastFillAt.Equal(p.LastFillAt))
	})

	t.Run("save missing position", func(t *testing.T) {
		l := newLedger(t)
		p := NewCondor("NIFTY")
		assert.ErrorIs(t, l.Save(ctx, &p, domain.StatusActive), domain.ErrNotFound)
	})

	t.Run("transition only from the expected status", func(t *testing.T) {
		l := newLedger(t)
		p := NewCondor("NIFTY")
		require.NoError(t, l.Create(ctx, p))

		require.NoError(t, l.TransitionStatus(ctx, p.ID, domain.StatusActive, domain.StatusExiting))
		assert.ErrorIs(t, l.TransitionStatus(ctx, p.ID, domain.StatusActive, domain.StatusExiting), domain.ErrStatusConflict)
		assert.ErrorIs(t, l.TransitionStatus(ctx, p.ID, domain.StatusExiting, domain.StatusActive), domain.ErrStatusConflict,
			"illegal transitions are rejected")
		require.NoError(t, l.TransitionStatus(ctx, p.ID, domain.StatusExiting, domain.StatusExited))

		_, err := l.FindActive(ctx, "NIFTY")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		latest, err := l.FindLatest(ctx, "NIFTY")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExited, latest.Status)

		assert.ErrorIs(t, l.TransitionStatus(ctx, "missing", domain.StatusActive, domain.StatusExiting), domain.ErrNotFound)
	})

	t.Run("find latest prefers the newest record", func(t *testing.T) {
		l := newLedger(t)
		old := NewCondor("NIFTY")
		require.NoError(t, l.Create(ctx, old))
		require.NoError(t, l.TransitionStatus(ctx, old.ID, domain.StatusActive, domain.StatusExiting))
		require.NoError(t, l.TransitionStatus(ctx, old.ID, domain.StatusExiting, domain.StatusFailedExit))

		time.Sleep(10 * time.Millisecond)
		fresh := NewCondor("NIFTY")
		require.NoError(t, l.Create(ctx, fresh))

		latest, err := l.FindLatest(ctx, "NIFTY")
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, latest.ID)

		_, err = l.FindLatest(ctx, "SENSEX")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("find all by status", func(t *testing.T) {
		l := newLedger(t)
		a := NewCondor("NIFTY")
		b := NewCondor("SENSEX")
		require.NoError(t, l.Create(ctx, a))
		require.NoError(t, l.Create(ctx, b))
		require.NoError(t, l.TransitionStatus(ctx, b.ID, domain.StatusActive, domain.StatusManualOverride))

		active, err := l.FindAll(ctx, domain.StatusActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		all, err := l.FindAll(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("override and resume", func(t *testing.T) {
		l := newLedger(t)
		p := NewCondor("NIFTY")
		require.NoError(t, l.Create(ctx, p))
		require.NoError(t, l.TransitionStatus(ctx, p.ID, domain.StatusActive, domain.StatusManualOverride))
		require.NoError(t, l.TransitionStatus(ctx, p.ID, domain.StatusManualOverride, domain.StatusActive))

		got, err := l.FindActive(ctx, "NIFTY")
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
	})
}
