package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/store/memory"
)

type fakeBroker struct {
	mu     sync.Mutex
	orders []domain.CompletedOrder
}

func (b *fakeBroker) add(o ...domain.CompletedOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, o...)
}

func (b *fakeBroker) CompletedOrders(context.Context) ([]domain.CompletedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.CompletedOrder(nil), b.orders...), nil
}

func (b *fakeBroker) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

var tokenSeq uint32 = 1000

func fill(sym string, tx domain.TransactionType, price float64, qty int, at time.Time) domain.CompletedOrder {
	tokenSeq++
	opt := domain.OptionType(sym[len(sym)-2:])
	return domain.CompletedOrder{
		OrderID:         sym + string(tx),
		Symbol:          sym,
		Exchange:        "NFO",
		Underlying:      "NIFTY",
		OptionType:      opt,
		Strike:          strikeOf(sym),
		TransactionType: tx,
		AvgPrice:        price,
		FilledQty:       qty,
		Token:           tokenSeq,
		Status:          domain.OrderStatusComplete,
		Timestamp:       at,
	}
}

// strikeOf reads the five digits before the option type.
func strikeOf(sym string) float64 {
	digits := sym[len(sym)-7 : len(sym)-2]
	var v float64
	for _, c := range digits {
		v = v*10 + float64(c-'0')
	}
	return v
}

type scanFixture struct {
	broker  *fakeBroker
	ledger  *memory.Ledger
	audit   *memory.AuditStore
	scanner *Scanner
	t0      time.Time
}

func newScanFixture() *scanFixture {
	f := &scanFixture{
		broker: &fakeBroker{},
		ledger: memory.NewLedger(),
		audit:  memory.NewAuditStore(),
		t0:     time.Now().Add(-time.Hour).UTC(),
	}
	f.scanner = NewScanner(Config{
		Schedule: map[time.Weekday]string{time.Monday: "NIFTY", time.Tuesday: "NIFTY", time.Wednesday: "SENSEX"},
		Underlyings: map[string]Underlying{
			"NIFTY": {LotSize: 75, SpotToken: 256265, Exchange: "NFO"},
		},
		RollCarryRatio: 0.7,
	}, f.broker, f.ledger, nil, f.audit, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *scanFixture) at(min int) time.Time {
	return f.t0.Add(time.Duration(min) * time.Minute)
}

// enterCondor books a 4-leg entry: call 24500/24700 for 50, put 23500/23300 for 40.
func (f *scanFixture) enterCondor() {
	f.broker.add(
		fill("NIFTY24D1224500CE", domain.TransactionSell, 80, 75, f.at(1)),
		fill("NIFTY24D1224700CE", domain.TransactionBuy, 30, 75, f.at(2)),
		fill("NIFTY24D1223500PE", domain.TransactionSell, 70, 75, f.at(3)),
		fill("NIFTY24D1223300PE", domain.TransactionBuy, 30, 75, f.at(4)),
	)
}

func (f *scanFixture) reconcile(t *testing.T) Result {
	t.Helper()
	res, err := f.scanner.Reconcile(context.Background(), "NIFTY")
	require.NoError(t, err)
	return res
}

func (f *scanFixture) active(t *testing.T) domain.Position {
	t.Helper()
	p, err := f.ledger.FindActive(context.Background(), "NIFTY")
	require.NoError(t, err)
	return p
}

func TestReconcileNoFills(t *testing.T) {
	f := newScanFixture()
	assert.Equal(t, ResultNoFills, f.reconcile(t))
}

func TestReconcileLoneSellCreatesNothing(t *testing.T) {
	f := newScanFixture()
	f.broker.add(fill("NIFTY24D1224500CE", domain.TransactionSell, 80, 75, f.at(1)))

	assert.Equal(t, ResultDeferred, f.reconcile(t))
	_, err := f.ledger.FindActive(context.Background(), "NIFTY")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	f.broker.add(fill("NIFTY24D1223300PE", domain.TransactionBuy, 30, 75, f.at(2)))
	assert.Equal(t, ResultDeferred, f.reconcile(t), "a sell and a buy on different sides are not a spread")
}

func TestReconcileCreatesCondor(t *testing.T) {
	f := newScanFixture()
	f.enterCondor()

	assert.Equal(t, ResultCreated, f.reconcile(t))

	p := f.active(t)
	assert.Equal(t, domain.TradeIronCondor, p.TradeType)
	assert.Equal(t, 50.0, p.Call.EntryPremium)
	assert.Equal(t, 40.0, p.Put.EntryPremium)
	assert.Equal(t, 90.0, p.TotalEntryPremium)
	assert.Equal(t, 24500.0, p.Call.Sell.Strike)
	assert.Zero(t, p.BufferPremium)
	assert.Equal(t, domain.AlertFlags{}, p.Alerts)
	assert.Equal(t, 75, p.LotSize)
	assert.Equal(t, 1, p.Lots)
	assert.Equal(t, uint32(256265), p.SpotToken)
	assert.Equal(t, f.at(4), p.LastFillAt)

	assert.Equal(t, ResultNoFills, f.reconcile(t), "the entry fills are not new on the next pass")
}

func TestReconcileCreatesVerticalWithWeightedPrice(t *testing.T) {
	f := newScanFixture()
	f.broker.add(
		fill("NIFTY24D1223500PE", domain.TransactionSell, 70, 75, f.at(1)),
		fill("NIFTY24D1223500PE", domain.TransactionSell, 74, 225, f.at(2)),
		fill("NIFTY24D1223300PE", domain.TransactionBuy, 30, 300, f.at(3)),
	)

	assert.Equal(t, ResultCreated, f.reconcile(t))
	p := f.active(t)
	assert.Equal(t, domain.TradePutSpread, p.TradeType)
	assert.Nil(t, p.Call)
	assert.Equal(t, 73.0, p.Put.Sell.EntryPrice)
	assert.Equal(t, 43.0, p.Put.EntryPremium)
	assert.Equal(t, 4, p.Lots)
}

func TestReconcileMostRecentFillWinsRole(t *testing.T) {
	f := newScanFixture()
	f.broker.add(
		fill("NIFTY24D1224400CE", domain.TransactionSell, 95, 75, f.at(1)),
		fill("NIFTY24D1224500CE", domain.TransactionSell, 80, 75, f.at(2)),
		fill("NIFTY24D1224700CE", domain.TransactionBuy, 30, 75, f.at(3)),
	)

	require.Equal(t, ResultCreated, f.reconcile(t))
	assert.Equal(t, "NIFTY24D1224500CE", f.active(t).Call.Sell.Symbol)
}

func TestReconcileRollCarriesBuffer(t *testing.T) {
	f := newScanFixture()
	f.enterCondor()
	require.Equal(t, ResultCreated, f.reconcile(t))

	ctx := context.Background()
	p := f.active(t)
	p.Alerts = domain.AlertFlags{Call70Decay: true, Put70Decay: true, Firefight: true}
	p.IsIronButterfly = true
	require.NoError(t, f.ledger.Save(ctx, &p, domain.StatusActive))

	f.broker.add(
		// close the old call side
		fill("NIFTY24D1224500CE", domain.TransactionBuy, 10, 75, f.at(10)),
		fill("NIFTY24D1224700CE", domain.TransactionSell, 2, 75, f.at(11)),
		// open the new short first
		fill("NIFTY24D1224300CE", domain.TransactionSell, 60, 75, f.at(12)),
	)
	// The buy-back fills match current legs; the new short alone is incomplete.
	assert.Equal(t, ResultDeferred, f.reconcile(t))

	f.broker.add(fill("NIFTY24D1224550CE", domain.TransactionBuy, 18, 75, f.at(14)))
	assert.Equal(t, ResultRolled, f.reconcile(t))

	got := f.active(t)
	assert.Equal(t, 35.0, got.BufferPremium, "0 + 0.7 x 50")
	assert.Equal(t, 42.0, got.Call.EntryPremium)
	assert.Equal(t, 24300.0, got.Call.Sell.Strike)
	assert.Equal(t, "NIFTY24D1224550CE", got.Call.Buy.Symbol)
	assert.Equal(t, 40.0, got.Put.EntryPremium, "put side untouched")
	assert.Equal(t, 82.0, got.TotalEntryPremium)
	assert.Equal(t, domain.AlertFlags{}, got.Alerts)
	assert.False(t, got.IsIronButterfly)
	assert.ElementsMatch(t, []string{"NIFTY24D1224500CE", "NIFTY24D1224700CE"}, got.RetiredSymbols)

	assert.Equal(t, ResultNoFills, f.reconcile(t), "closing fills of retired legs are never read as entries")

	entries, err := f.audit.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "position.rolled", entries[0].Event)
}

func TestReconcileSecondRollAddsAgain(t *testing.T) {
	f := newScanFixture()
	f.enterCondor()
	require.Equal(t, ResultCreated, f.reconcile(t))

	f.broker.add(
		fill("NIFTY24D1223400PE", domain.TransactionSell, 50, 75, f.at(10)),
		fill("NIFTY24D1223200PE", domain.TransactionBuy, 20, 75, f.at(11)),
	)
	require.Equal(t, ResultRolled, f.reconcile(t))
	assert.Equal(t, 28.0, f.active(t).BufferPremium)

	f.broker.add(
		fill("NIFTY24D1223350PE", domain.TransactionSell, 45, 75, f.at(20)),
		fill("NIFTY24D1223150PE", domain.TransactionBuy, 15, 75, f.at(21)),
	)
	require.Equal(t, ResultRolled, f.reconcile(t))
	assert.Equal(t, 49.0, f.active(t).BufferPremium, "28 + 0.7 x 30")
}

func TestReconcileVerticalBecomesCondor(t *testing.T) {
	f := newScanFixture()
	f.broker.add(
		fill("NIFTY24D1224500CE", domain.TransactionSell, 80, 75, f.at(1)),
		fill("NIFTY24D1224700CE", domain.TransactionBuy, 30, 75, f.at(2)),
	)
	require.Equal(t, ResultCreated, f.reconcile(t))
	require.Equal(t, domain.TradeCallSpread, f.active(t).TradeType)

	f.broker.add(
		fill("NIFTY24D1223500PE", domain.TransactionSell, 70, 75, f.at(10)),
		fill("NIFTY24D1223300PE", domain.TransactionBuy, 30, 75, f.at(11)),
	)
	require.Equal(t, ResultRolled, f.reconcile(t))

	got := f.active(t)
	assert.Equal(t, domain.TradeIronCondor, got.TradeType)
	assert.Zero(t, got.BufferPremium)
	assert.Equal(t, 90.0, got.TotalEntryPremium)
	assert.Empty(t, got.RetiredSymbols)
}

func TestReconcilePendingSideCompletesAfterOtherRoll(t *testing.T) {
	f := newScanFixture()
	f.enterCondor()
	require.Equal(t, ResultCreated, f.reconcile(t))

	f.broker.add(
		fill("NIFTY24D1223400PE", domain.TransactionSell, 50, 75, f.at(10)),
		fill("NIFTY24D1224300CE", domain.TransactionSell, 60, 75, f.at(11)),
		fill("NIFTY24D1224550CE", domain.TransactionBuy, 18, 75, f.at(12)),
	)
	require.Equal(t, ResultRolled, f.reconcile(t))
	got := f.active(t)
	assert.Equal(t, "NIFTY24D1224300CE", got.Call.Sell.Symbol)
	assert.Equal(t, "NIFTY24D1223500PE", got.Put.Sell.Symbol, "the lone put sell waits for its buy")
	assert.Equal(t, f.at(12), got.LastFillAt)

	f.broker.add(fill("NIFTY24D1223200PE", domain.TransactionBuy, 20, 75, f.at(13)))
	require.Equal(t, ResultRolled, f.reconcile(t))

	got = f.active(t)
	assert.Equal(t, "NIFTY24D1223400PE", got.Put.Sell.Symbol)
	assert.Equal(t, "NIFTY24D1223200PE", got.Put.Buy.Symbol)
	assert.Equal(t, 30.0, got.Put.EntryPremium)
	assert.Equal(t, 63.0, got.BufferPremium, "0.7 x 50 + 0.7 x 40")
	assert.Equal(t, ResultNoFills, f.reconcile(t))
}

func TestReconcileLoneEntryFillCompletesLater(t *testing.T) {
	f := newScanFixture()
	f.broker.add(
		fill("NIFTY24D1224500CE", domain.TransactionSell, 80, 75, f.at(1)),
		fill("NIFTY24D1224700CE", domain.TransactionBuy, 30, 75, f.at(2)),
		fill("NIFTY24D1223500PE", domain.TransactionSell, 70, 75, f.at(3)),
	)
	require.Equal(t, ResultCreated, f.reconcile(t))
	p := f.active(t)
	require.Equal(t, domain.TradeCallSpread, p.TradeType)
	assert.Equal(t, f.at(2), p.LastFillAt, "the pending put sell is not folded in yet")

	assert.Equal(t, ResultDeferred, f.reconcile(t))

	f.broker.add(fill("NIFTY24D1223300PE", domain.TransactionBuy, 30, 75, f.at(4)))
	require.Equal(t, ResultRolled, f.reconcile(t))

	got := f.active(t)
	assert.Equal(t, domain.TradeIronCondor, got.TradeType)
	require.NotNil(t, got.Put)
	assert.Equal(t, 40.0, got.Put.EntryPremium)
	assert.Equal(t, 90.0, got.TotalEntryPremium)
	assert.Zero(t, got.BufferPremium)
}

func TestReconcileDefersWhileOverridden(t *testing.T) {
	f := newScanFixture()
	f.enterCondor()
	require.Equal(t, ResultCreated, f.reconcile(t))
	ctx := context.Background()
	require.NoError(t, f.ledger.TransitionStatus(ctx, f.active(t).ID, domain.StatusActive, domain.StatusManualOverride))

	f.broker.add(
		fill("NIFTY24D1224000CE", domain.TransactionSell, 80, 75, f.at(10)),
		fill("NIFTY24D1224200CE", domain.TransactionBuy, 30, 75, f.at(11)),
	)
	assert.Equal(t, ResultDeferred, f.reconcile(t))

	all, err := f.ledger.FindAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcileAfterExitIgnoresExitFills(t *testing.T) {
	f := newScanFixture()
	f.enterCondor()
	require.Equal(t, ResultCreated, f.reconcile(t))

	ctx := context.Background()
	id := f.active(t).ID
	require.NoError(t, f.ledger.TransitionStatus(ctx, id, domain.StatusActive, domain.StatusExiting))
	require.NoError(t, f.ledger.TransitionStatus(ctx, id, domain.StatusExiting, domain.StatusExited))

	later := time.Now().Add(time.Minute)
	f.broker.add(
		fill("NIFTY24D1224500CE", domain.TransactionBuy, 200, 75, later),
		fill("NIFTY24D1224700CE", domain.TransactionSell, 60, 75, later.Add(time.Second)),
		fill("NIFTY24D1223500PE", domain.TransactionBuy, 5, 75, later.Add(2*time.Second)),
		fill("NIFTY24D1223300PE", domain.TransactionSell, 1, 75, later.Add(3*time.Second)),
	)
	assert.Equal(t, ResultNoFills, f.reconcile(t))

	f.broker.add(
		fill("NIFTY24D1224800CE", domain.TransactionSell, 40, 75, later.Add(time.Minute)),
		fill("NIFTY24D1225000CE", domain.TransactionBuy, 15, 75, later.Add(2*time.Minute)),
	)
	assert.Equal(t, ResultCreated, f.reconcile(t))
	p := f.active(t)
	assert.NotEqual(t, id, p.ID)
	assert.Equal(t, domain.TradeCallSpread, p.TradeType)
	assert.Equal(t, 25.0, p.TotalEntryPremium)
	assert.False(t, p.OpenedAfter.IsZero())

	assert.Equal(t, ResultNoFills, f.reconcile(t), "the previous position's fills are not a roll")

	f.broker.add(fill("NIFTY24D1224700CE", domain.TransactionSell, 55, 75, later.Add(3*time.Minute)))
	assert.Equal(t, ResultNoFills, f.reconcile(t), "a late close of an old leg is ignored")
}

func TestReconcileSkipsWhenLocked(t *testing.T) {
	f := newScanFixture()
	f.scanner.locks = heldLock{}
	f.enterCondor()

	assert.Equal(t, ResultLocked, f.reconcile(t))
}

func TestReconcileUnknownUnderlying(t *testing.T) {
	f := newScanFixture()
	res, err := f.scanner.Reconcile(context.Background(), "FINNIFTY")
	assert.Error(t, err)
	assert.Equal(t, ResultFailed, res)
}

func TestActiveUnderlyingSchedule(t *testing.T) {
	f := newScanFixture()
	ist := time.FixedZone("IST", 5*3600+1800)
	f.scanner.cfg.Location = ist

	monday := time.Date(2025, 1, 13, 10, 0, 0, 0, ist)
	assert.Equal(t, "NIFTY", f.scanner.ActiveUnderlying(monday))
	assert.Equal(t, "SENSEX", f.scanner.ActiveUnderlying(monday.AddDate(0, 0, 2)))
	assert.Equal(t, "", f.scanner.ActiveUnderlying(monday.AddDate(0, 0, 4)))

	// 20:00 UTC on Sunday is already Monday in Kolkata.
	assert.Equal(t, "NIFTY", f.scanner.ActiveUnderlying(time.Date(2025, 1, 12, 20, 0, 0, 0, time.UTC)))

	f.scanner.now = func() time.Time { return monday.AddDate(0, 0, 4) }
	assert.Equal(t, ResultIdle, f.scanner.ScanOnce(context.Background()))
}
