package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"Shellback/pkg/broker"
	"Shellback/strategy"
	"Shellback/utilities"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker is an in-memory Broker for exercising the order lifecycle.
type fakeBroker struct {
	orders     map[string]broker.Order
	nextID     int
	submitErr  error
	lookupErrs map[string]error
	canceled   []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		orders:     make(map[string]broker.Order),
		lookupErrs: make(map[string]error),
	}
}

func (f *fakeBroker) SubmitStopLimit(ctx context.Context, req broker.StopLimitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("order-%d", f.nextID)
	f.orders[id] = broker.Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Ticker:        req.Ticker,
		Side:          req.Side,
		Type:          "stop_limit",
		Status:        broker.StatusNew,
		Qty:           float64(req.Qty),
		StopPrice:     req.StopPrice,
		LimitPrice:    req.LimitPrice,
		CreatedAt:     time.Now(),
	}
	return id, nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, orderID string) (broker.Order, error) {
	if err, ok := f.lookupErrs[orderID]; ok {
		return broker.Order{}, err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return broker.Order{}, errors.New("order not found")
	}
	return o, nil
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	if o, ok := f.orders[orderID]; ok {
		o.Status = broker.StatusCanceled
		f.orders[orderID] = o
	}
	return nil
}

func (f *fakeBroker) ListOpenOrders(ctx context.Context) ([]broker.Order, error) {
	var open []broker.Order
	for _, o := range f.orders {
		if !broker.IsTerminal(o.Status) {
			open = append(open, o)
		}
	}
	return open, nil
}

func (f *fakeBroker) GetAccount(ctx context.Context) (broker.Account, error) {
	return broker.Account{Cash: 100000, BuyingPower: 100000, Equity: 100000}, nil
}

func (f *fakeBroker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	return nil, nil
}

func (f *fakeBroker) fill(orderID string, qty, price float64) {
	o := f.orders[orderID]
	o.Status = broker.StatusFilled
	o.FilledQty = qty
	o.FilledAvgPrice = price
	f.orders[orderID] = o
}

func testOrderManager(t *testing.T, b broker.Broker) (*OrderManager, *BotState, string) {
	t.Helper()
	cfg := utilities.OrdersConfig{
		PollIntervalSec:  1,
		EntrySlippagePct: 0.005,
		ExitSlippagePct:  0.02,
	}
	logger := utilities.NewLogger(utilities.Error)
	return NewOrderManager(b, logger, cfg), NewBotState(), filepath.Join(t.TempDir(), "state.json")
}

func TestPlaceRecordsPendingOrder(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{
		Ticker: "AAPL", Side: strategy.SideLong, System: strategy.System1,
		Purpose: PurposeEntry, Qty: 50, Price: 100, N: 2,
	}
	require.NoError(t, mgr.Place(context.Background(), state, path, po))

	require.Len(t, state.PendingOrders, 1)
	assert.Empty(t, state.PlacingMarkers, "marker must be cleared once the submit resolves")

	tracked, ok := state.PendingOrders["order-1"]
	require.True(t, ok)
	assert.Equal(t, "AAPL", tracked.Ticker)
	assert.NotEmpty(t, tracked.ClientOrderID)

	submitted := fb.orders["order-1"]
	assert.Equal(t, "buy", submitted.Side)
	assert.InDelta(t, 100.0, submitted.StopPrice, 1e-9)
	assert.InDelta(t, 100.5, submitted.LimitPrice, 1e-9) // 0.5% entry slippage band
}

func TestPlaceExitUsesWideSlippageAndOppositeSide(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{
		Ticker: "AAPL", Side: strategy.SideLong, System: strategy.System1,
		Purpose: PurposeExit, Qty: 50, Price: 96, Reason: strategy.ExitReasonStop,
	}
	require.NoError(t, mgr.Place(context.Background(), state, path, po))

	submitted := fb.orders["order-1"]
	assert.Equal(t, "sell", submitted.Side)
	assert.InDelta(t, 96*0.98, submitted.LimitPrice, 1e-9) // 2% exit band below the stop
}

func TestPlaceFailureLeavesNoResidue(t *testing.T) {
	fb := newFakeBroker()
	fb.submitErr = errors.New("alpaca is down")
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{Ticker: "AAPL", Side: strategy.SideLong, Purpose: PurposeEntry, Qty: 10, Price: 100}
	err := mgr.Place(context.Background(), state, path, po)
	require.Error(t, err)
	assert.Empty(t, state.PendingOrders)
	assert.Empty(t, state.PlacingMarkers)
}

func TestResolvePendingReturnsTerminalFills(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{Ticker: "AAPL", Side: strategy.SideLong, Purpose: PurposeEntry, Qty: 50, Price: 100, N: 2}
	require.NoError(t, mgr.Place(context.Background(), state, path, po))

	// Still working: nothing resolves.
	assert.Empty(t, mgr.ResolvePending(context.Background(), state))
	assert.Len(t, state.PendingOrders, 1)

	fb.fill("order-1", 50, 100.2)
	resolved := mgr.ResolvePending(context.Background(), state)
	require.Len(t, resolved, 1)
	assert.Equal(t, 50, resolved[0].FilledQty)
	assert.InDelta(t, 100.2, resolved[0].AvgPrice, 1e-9)
	assert.Equal(t, broker.StatusFilled, resolved[0].Status)
	assert.Empty(t, state.PendingOrders)
}

func TestResolvePendingPartialFillOnCancel(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{Ticker: "AAPL", Side: strategy.SideLong, Purpose: PurposeEntry, Qty: 50, Price: 100, N: 2}
	require.NoError(t, mgr.Place(context.Background(), state, path, po))

	o := fb.orders["order-1"]
	o.Status = broker.StatusCanceled
	o.FilledQty = 20
	o.FilledAvgPrice = 100.1
	fb.orders["order-1"] = o

	resolved := mgr.ResolvePending(context.Background(), state)
	require.Len(t, resolved, 1)
	assert.Equal(t, 20, resolved[0].FilledQty, "a partial fill on a canceled order still counts")
}

func TestResolvePendingLookupFailureCancelsAndDrops(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{Ticker: "AAPL", Side: strategy.SideLong, Purpose: PurposeEntry, Qty: 50, Price: 100}
	require.NoError(t, mgr.Place(context.Background(), state, path, po))
	fb.lookupErrs["order-1"] = errors.New("504 gateway timeout")

	resolved := mgr.ResolvePending(context.Background(), state)
	require.Len(t, resolved, 1)
	assert.Equal(t, 0, resolved[0].FilledQty)
	assert.Contains(t, fb.canceled, "order-1")
	assert.Empty(t, state.PendingOrders)
}

func TestResolvePendingTimesOutStaleOrders(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, path := testOrderManager(t, fb)

	po := PendingOrder{Ticker: "AAPL", Side: strategy.SideLong, Purpose: PurposeEntry, Qty: 50, Price: 100}
	require.NoError(t, mgr.Place(context.Background(), state, path, po))

	// Backdate the placement beyond two poll cycles.
	stale := state.PendingOrders["order-1"]
	stale.PlacedAt = time.Now().Add(-time.Minute)
	state.PendingOrders["order-1"] = stale

	mgr.ResolvePending(context.Background(), state)
	assert.Contains(t, fb.canceled, "order-1", "an unfilled order past the timeout is canceled")
}

func TestResolvePendingDropsExpiredSentinel(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, _ := testOrderManager(t, fb)

	// A submit that never returned: its sentinel and marker outlived the
	// placing timeout without gaining a broker order ID.
	state.PendingOrders["client-1"] = PendingOrder{
		OrderID: PlacingSentinel, ClientOrderID: "client-1",
		Ticker: "AAPL", Purpose: PurposeEntry, Qty: 50, Price: 100,
		PlacedAt: time.Now().Add(-time.Minute),
	}
	state.PlacingMarkers["client-1"] = time.Now().Add(-time.Minute).UnixMilli()

	state.PendingOrders["client-2"] = PendingOrder{
		OrderID: PlacingSentinel, ClientOrderID: "client-2",
		Ticker: "MSFT", Purpose: PurposeEntry, Qty: 10, Price: 400,
		PlacedAt: time.Now(),
	}
	state.PlacingMarkers["client-2"] = time.Now().UnixMilli()

	resolved := mgr.ResolvePending(context.Background(), state)
	assert.Empty(t, resolved)
	assert.NotContains(t, state.PendingOrders, "client-1")
	assert.NotContains(t, state.PlacingMarkers, "client-1")
	assert.Contains(t, state.PendingOrders, "client-2", "a fresh sentinel is left for its in-flight submit")
}

func TestReconcileStartupCancelsZombies(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, _ := testOrderManager(t, fb)

	// An order at the broker that this bot does not track.
	zombieID, err := fb.SubmitStopLimit(context.Background(), broker.StopLimitRequest{
		Ticker: "MSFT", Side: "buy", Qty: 10, StopPrice: 400, LimitPrice: 402, ClientOrderID: "someone-else",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.ReconcileStartup(context.Background(), state))
	assert.Contains(t, fb.canceled, zombieID)
}

func TestReconcileStartupAdoptsLiveSubmit(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, _ := testOrderManager(t, fb)

	// A crash after the submit went out: the sentinel entry and marker are
	// still in the state, and the broker holds the live order.
	clientID := "crashed-client-id"
	orderID, err := fb.SubmitStopLimit(context.Background(), broker.StopLimitRequest{
		Ticker: "AAPL", Side: "buy", Qty: 50, StopPrice: 100, LimitPrice: 100.5, ClientOrderID: clientID,
	})
	require.NoError(t, err)
	state.PendingOrders[clientID] = PendingOrder{
		OrderID: PlacingSentinel, ClientOrderID: clientID,
		Ticker: "AAPL", Side: strategy.SideLong, System: strategy.System1,
		Purpose: PurposeEntry, Qty: 50, Price: 100, N: 2,
		PlacedAt: time.Now().Add(-30 * time.Second),
	}
	state.PlacingMarkers[clientID] = time.Now().Add(-30 * time.Second).UnixMilli()

	require.NoError(t, mgr.ReconcileStartup(context.Background(), state))

	adopted, ok := state.PendingOrders[orderID]
	require.True(t, ok, "the in-flight submit is adopted under its broker ID")
	assert.Equal(t, "AAPL", adopted.Ticker)
	assert.Equal(t, PurposeEntry, adopted.Purpose)
	assert.Empty(t, state.PlacingMarkers)
	assert.NotContains(t, fb.canceled, orderID)
}

func TestReconcileStartupDropsDeadSentinel(t *testing.T) {
	fb := newFakeBroker()
	mgr, state, _ := testOrderManager(t, fb)

	clientID := "never-made-it"
	state.PendingOrders[clientID] = PendingOrder{
		OrderID: PlacingSentinel, ClientOrderID: clientID,
		Ticker: "AAPL", Purpose: PurposeEntry, Qty: 50, Price: 100,
	}
	state.PlacingMarkers[clientID] = time.Now().UnixMilli()

	require.NoError(t, mgr.ReconcileStartup(context.Background(), state))
	assert.Empty(t, state.PendingOrders)
	assert.Empty(t, state.PlacingMarkers)
}
