package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/store/storetest"
)

// testClient connects to CONDORBOT_TEST_POSTGRES_DSN, applies migrations and
// empties the tables. Tests are skipped when the variable is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("CONDORBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONDORBOT_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))))
	_, err = c.Pool().Exec(ctx, `TRUNCATE trade_performance, audit_log, positions`)
	require.NoError(t, err)
	return c
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5433/risk?sslmode=disable",
		DSN(ClientConfig{Host: "db", Port: 5433, Database: "risk", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestPositionStoreContract(t *testing.T) {
	storetest.RunLedgerSuite(t, func(t *testing.T) domain.PositionLedger {
		return NewPositionStore(testClient(t).Pool())
	})
}

func TestAuditAndPerformanceStores(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	audit := NewAuditStore(c.Pool())
	require.NoError(t, audit.Log(ctx, "exit_completed", map[string]any{"position_id": "p1"}))
	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].Detail["position_id"])

	pos := storetest.NewCondor("NIFTY")
	require.NoError(t, NewPositionStore(c.Pool()).Create(ctx, pos))

	perf := NewPerformanceStore(c.Pool())
	require.NoError(t, perf.Insert(ctx, domain.TradePerformance{
		ID: "t1", PositionID: pos.ID, Underlying: "NIFTY", Side: domain.SideCall,
		ExitReason: domain.ExitStopLoss, FinalStatus: domain.StatusExited,
		RealizedPnL: -1250.5, CreatedAt: time.Now().UTC(),
	}))
	rows, err := perf.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.ExitStopLoss, rows[0].ExitReason)
	assert.InDelta(t, -1250.5, rows[0].RealizedPnL, 1e-9)
}
