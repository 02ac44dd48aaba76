package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemem "github.com/alanyoungcy/condorbot/internal/cache/memory"
	"github.com/alanyoungcy/condorbot/internal/domain"
	"github.com/alanyoungcy/condorbot/internal/executor"
	"github.com/alanyoungcy/condorbot/internal/risk"
	"github.com/alanyoungcy/condorbot/internal/server/handler"
	"github.com/alanyoungcy/condorbot/internal/server/ws"
	"github.com/alanyoungcy/condorbot/internal/service"
	"github.com/alanyoungcy/condorbot/internal/store/memory"
	"github.com/alanyoungcy/condorbot/internal/store/storetest"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// failingExiter mimics an executor whose first order is rejected.
type failingExiter struct{ ledger domain.PositionLedger }

func (f failingExiter) Exit(ctx context.Context, req executor.ExitRequest) error {
	_ = f.ledger.TransitionStatus(ctx, req.Position.ID, domain.StatusActive, domain.StatusExiting)
	_ = f.ledger.TransitionStatus(ctx, req.Position.ID, domain.StatusExiting, domain.StatusFailedExit)
	return &domain.OrderPlacementError{PositionID: req.Position.ID, Symbol: "X", Side: domain.TransactionBuy, Err: errors.New("rejected")}
}

type okExiter struct{ ledger domain.PositionLedger }

func (o okExiter) Exit(ctx context.Context, req executor.ExitRequest) error {
	if err := o.ledger.TransitionStatus(ctx, req.Position.ID, domain.StatusActive, domain.StatusExiting); err != nil {
		return err
	}
	return o.ledger.TransitionStatus(ctx, req.Position.ID, domain.StatusExiting, domain.StatusExited)
}

type testEnv struct {
	ledger *memory.Ledger
	perf   *memory.PerformanceStore
	audit  *memory.AuditStore
	prices *cachemem.PriceCache
	pos    domain.Position
	srv    *httptest.Server
}

func newEnv(t *testing.T, apiKey string, exits service.Exiter, hub *ws.Hub) *testEnv {
	t.Helper()
	e := &testEnv{
		ledger: memory.NewLedger(),
		perf:   memory.NewPerformanceStore(),
		audit:  memory.NewAuditStore(),
		prices: cachemem.NewPriceCache(),
	}
	if exits == nil {
		exits = okExiter{ledger: e.ledger}
	}
	if fe, ok := exits.(failingExiter); ok {
		fe.ledger = e.ledger
		exits = fe
	}
	e.pos = storetest.NewCondor("NIFTY")
	require.NoError(t, e.ledger.Create(context.Background(), e.pos))

	logger := discard()
	positions := service.NewPositionService(e.ledger, e.prices, risk.NewPercentStopPolicy(risk.DefaultThresholds()),
		exits, e.audit, nil, nil, logger)
	status := service.NewStatusService(service.StatusConfig{Mode: "paper", Policy: "percent_stop"})

	h := NewHandler(Config{APIKey: apiKey}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"postgres": func(context.Context) error { return nil },
		}, logger),
		Status:    handler.NewStatusHandler(status),
		Positions: handler.NewPositionHandler(positions, logger),
		Journal:   handler.NewJournalHandler(e.perf, e.audit, logger),
		Archive:   handler.NewArchiveHandler(logger),
	}, hub, nil, logger)
	e.srv = httptest.NewServer(h)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &body))
	}
	return resp, body
}

func TestHealthAndStatus(t *testing.T) {
	e := newEnv(t, "", nil, nil)

	resp, body := e.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = e.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paper", body["mode"])
	assert.Equal(t, "percent_stop", body["policy"])
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	e := newEnv(t, "secret", nil, nil)

	resp, _ := e.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/positions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/positions", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/positions", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActivePositionsIncludesStats(t *testing.T) {
	e := newEnv(t, "", nil, nil)
	e.prices.UpdateBatch([]domain.Tick{
		{Token: 256265, LastPrice: 24000},
		{Token: 11, LastPrice: 60}, {Token: 12, LastPrice: 20},
		{Token: 21, LastPrice: 50}, {Token: 22, LastPrice: 20},
	})

	resp, body := e.do(t, http.MethodGet, "/api/positions/active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	p := positions[0].(map[string]any)
	assert.Equal(t, e.pos.ID, p["id"])
	assert.Equal(t, true, p["complete"])
	// call (50-40)*75 + put (40-30)*75
	assert.Equal(t, 1500.0, body["total_pnl"])

	sides := p["sides"].([]any)
	call := sides[0].(map[string]any)
	assert.Equal(t, 200.0, call["stop_level"])
	assert.Equal(t, 160.0, call["distance_to_stop"])
}

func TestListAndGetPositions(t *testing.T) {
	e := newEnv(t, "", nil, nil)

	resp, body := e.do(t, http.MethodGet, "/api/positions?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["positions"], 1)

	resp, body = e.do(t, http.MethodGet, "/api/positions?status=EXITED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["positions"], 0)

	resp, _ = e.do(t, http.MethodGet, "/api/positions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/positions/"+e.pos.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NIFTY", body["underlying"])

	resp, _ = e.do(t, http.MethodGet, "/api/positions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOverrideResumeAndConflicts(t *testing.T) {
	e := newEnv(t, "", nil, nil)
	base := "/api/positions/" + e.pos.ID

	resp, body := e.do(t, http.MethodPost, base+"/override", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MANUAL_OVERRIDE", body["status"])

	resp, _ = e.do(t, http.MethodPost, base+"/override", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, base+"/exit", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "overridden positions are not exited")

	resp, body = e.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACTIVE", body["status"])

	resp, body = e.do(t, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 2)
}

func TestManualExit(t *testing.T) {
	e := newEnv(t, "", nil, nil)
	base := "/api/positions/" + e.pos.ID

	resp, _ := e.do(t, http.MethodPost, base+"/exit?side=straddle", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, base+"/exit?side=CALL", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "EXITED", body["status"])
}

func TestManualExitFailureReturnsBadGateway(t *testing.T) {
	e := newEnv(t, "", failingExiter{}, nil)

	resp, body := e.do(t, http.MethodPost, "/api/positions/"+e.pos.ID+"/exit", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "rejected")
	assert.Equal(t, "FAILED_EXIT", body["position"].(map[string]any)["status"])
}

func TestPerformanceListing(t *testing.T) {
	e := newEnv(t, "", nil, nil)
	ctx := context.Background()
	require.NoError(t, e.perf.Insert(ctx, domain.TradePerformance{ID: "a", RealizedPnL: 100, CreatedAt: time.Date(2024, 12, 9, 10, 0, 0, 0, time.UTC)}))
	require.NoError(t, e.perf.Insert(ctx, domain.TradePerformance{ID: "b", RealizedPnL: -40, CreatedAt: time.Date(2024, 12, 10, 10, 0, 0, 0, time.UTC)}))

	resp, body := e.do(t, http.MethodGet, "/api/performance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["trades"], 2)
	assert.Equal(t, 60.0, body["realized_pnl"])

	resp, body = e.do(t, http.MethodGet, "/api/performance?since=2024-12-10T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["trades"], 1)

	resp, _ = e.do(t, http.MethodGet, "/api/performance?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArchiveTriggerDisabled(t *testing.T) {
	e := newEnv(t, "", nil, nil)
	resp, _ := e.do(t, http.MethodPost, "/api/archive/trigger", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, "secret", nil, nil)
	resp, _ := e.do(t, http.MethodOptions, "/api/positions", map[string]string{"Origin": "http://dash.local"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://dash.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketSnapshotAndBroadcast(t *testing.T) {
	hub := ws.NewHub(nil, "positions", func(context.Context) (any, error) {
		return map[string]string{"mode": "paper"}, nil
	}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	e := newEnv(t, "secret", nil, hub)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?api_key=secret"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first["type"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast([]byte(`{"type":"position.exited"}`))

	var evt map[string]any
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "position.exited", evt["type"])
}

type stubBrokerBook struct {
	out service.BrokerPositions
	err error
}

func (b stubBrokerBook) NetPositions(context.Context) (service.BrokerPositions, error) {
	return b.out, b.err
}

func brokerServer(t *testing.T, book handler.BrokerBook) *httptest.Server {
	t.Helper()
	logger := discard()
	ledger := memory.NewLedger()
	audit := memory.NewAuditStore()
	positions := service.NewPositionService(ledger, cachemem.NewPriceCache(), nil, nil, audit, nil, nil, logger)
	h := NewHandler(Config{}, Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Status:    handler.NewStatusHandler(service.NewStatusService(service.StatusConfig{Mode: "live"})),
		Positions: handler.NewPositionHandler(positions, logger),
		Journal:   handler.NewJournalHandler(memory.NewPerformanceStore(), audit, logger),
		Broker:    handler.NewBrokerHandler(book, logger),
	}, nil, nil, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestBrokerPositionsRoute(t *testing.T) {
	srv := brokerServer(t, stubBrokerBook{out: service.BrokerPositions{
		Active:              []domain.BrokerPosition{{Symbol: "NIFTY24D1224500CE", Quantity: -75}},
		Closed:              []domain.BrokerPosition{},
		IntradayRealizedPnL: -240,
	}})

	code, body := getJSON(t, srv.URL+"/api/broker/positions")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["active"], 1)
	assert.Len(t, body["closed"], 0)
	assert.Equal(t, -240.0, body["intraday_realized_pnl"])
}

func TestBrokerPositionsWithoutSession(t *testing.T) {
	srv := brokerServer(t, nil)
	code, body := getJSON(t, srv.URL+"/api/broker/positions")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEmpty(t, body["error"])

	srv = brokerServer(t, stubBrokerBook{err: errors.New("token expired")})
	code, _ = getJSON(t, srv.URL+"/api/broker/positions")
	assert.Equal(t, http.StatusBadGateway, code)
}
