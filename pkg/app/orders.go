// File: pkg/app/orders.go
package app

import (
	"Shellback/pkg/broker"
	"Shellback/strategy"
	"Shellback/utilities"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderManager places stop-limit orders and resolves their outcomes. All
// mutation happens on the engine goroutine; the state mutex in TradingState
// only guards readers like the metrics handler.
type OrderManager struct {
	broker broker.Broker
	logger *utilities.Logger
	cfg    utilities.OrdersConfig
}

func NewOrderManager(b broker.Broker, logger *utilities.Logger, cfg utilities.OrdersConfig) *OrderManager {
	return &OrderManager{broker: b, logger: logger, cfg: cfg}
}

func (m *OrderManager) timeInForce() string {
	if m.cfg.TimeInForce == "" {
		return "day"
	}
	return m.cfg.TimeInForce
}

func (m *OrderManager) placingTimeout() time.Duration {
	if m.cfg.PlacingTimeoutSec > 0 {
		return time.Duration(m.cfg.PlacingTimeoutSec) * time.Second
	}
	// Roughly two poll cycles.
	poll := m.cfg.PollIntervalSec
	if poll <= 0 {
		poll = 60
	}
	return 2 * time.Duration(poll) * time.Second
}

// limitPrice pads the stop price with slippage allowance so a fast market
// still fills. Entries use a tight band, exits a wide one because getting
// out matters more than the price.
func (m *OrderManager) limitPrice(purpose string, side strategy.Side, stop float64) float64 {
	slip := m.cfg.EntrySlippagePct
	if purpose == PurposeExit {
		slip = m.cfg.ExitSlippagePct
		if slip <= 0 {
			slip = 0.02
		}
	} else if slip <= 0 {
		slip = 0.005
	}

	buying := side == strategy.SideLong && purpose != PurposeExit ||
		side == strategy.SideShort && purpose == PurposeExit
	if buying {
		return stop * (1 + slip)
	}
	return stop * (1 - slip)
}

func orderSide(purpose string, side strategy.Side) string {
	buying := side == strategy.SideLong && purpose != PurposeExit ||
		side == strategy.SideShort && purpose == PurposeExit
	if buying {
		return "buy"
	}
	return "sell"
}

// Place submits a stop-limit order and records it in the state. The full
// order context is persisted under the Placing sentinel before the network
// call so a crash mid-submit can be reconciled against the broker on
// restart.
func (m *OrderManager) Place(ctx context.Context, state *BotState, statePath string, po PendingOrder) error {
	po.ClientOrderID = uuid.NewString()
	po.OrderID = PlacingSentinel
	po.PlacedAt = time.Now().UTC()
	state.PendingOrders[po.ClientOrderID] = po
	state.PlacingMarkers[po.ClientOrderID] = po.PlacedAt.UnixMilli()
	if err := SaveState(statePath, state); err != nil {
		delete(state.PendingOrders, po.ClientOrderID)
		delete(state.PlacingMarkers, po.ClientOrderID)
		return fmt.Errorf("could not persist placing marker for %s: %w", po.Ticker, err)
	}

	req := broker.StopLimitRequest{
		Ticker:        po.Ticker,
		Side:          orderSide(po.Purpose, po.Side),
		Qty:           po.Qty,
		StopPrice:     po.Price,
		LimitPrice:    m.limitPrice(po.Purpose, po.Side, po.Price),
		TimeInForce:   m.timeInForce(),
		ClientOrderID: po.ClientOrderID,
	}
	orderID, err := m.broker.SubmitStopLimit(ctx, req)
	delete(state.PendingOrders, po.ClientOrderID)
	delete(state.PlacingMarkers, po.ClientOrderID)
	if err != nil {
		if saveErr := SaveState(statePath, state); saveErr != nil {
			m.logger.LogError("OrderManager: failed to persist state after rejected submit: %v", saveErr)
		}
		return fmt.Errorf("submit %s %s for %s failed: %w", po.Purpose, po.Side, po.Ticker, err)
	}

	po.OrderID = orderID
	state.PendingOrders[orderID] = po
	m.logger.LogInfo("OrderManager: placed %s %s order for %d %s at stop %.2f (order %s).",
		po.Purpose, po.Side, po.Qty, po.Ticker, po.Price, orderID)
	return SaveState(statePath, state)
}

// FillResult describes a resolved pending order.
type FillResult struct {
	Order     PendingOrder
	FilledQty int
	AvgPrice  float64
	Status    string
}

// ResolvePending polls every tracked order and returns those that reached
// a terminal status, removing them from the pending map. Orders the broker
// no longer knows about get a cancel request and are dropped.
func (m *OrderManager) ResolvePending(ctx context.Context, state *BotState) []FillResult {
	var resolved []FillResult
	for orderID, po := range state.PendingOrders {
		if po.OrderID == PlacingSentinel {
			// A sentinel normally resolves inside the Place call that wrote
			// it; one still here past the timeout is a submit that never
			// returned, and ReconcileStartup is not coming to clean it up.
			if time.Since(po.PlacedAt) > m.placingTimeout() {
				m.logger.LogWarn("OrderManager: placing marker for %s expired without a broker order ID, dropping.", po.Ticker)
				delete(state.PendingOrders, orderID)
				delete(state.PlacingMarkers, po.ClientOrderID)
			}
			continue
		}
		order, err := m.broker.GetOrder(ctx, orderID)
		if err != nil {
			m.logger.LogWarn("OrderManager: lookup for order %s (%s %s) failed: %v. Canceling and dropping.",
				orderID, po.Purpose, po.Ticker, err)
			if cancelErr := m.broker.CancelOrder(ctx, orderID); cancelErr != nil {
				m.logger.LogWarn("OrderManager: cancel of unknown order %s also failed: %v", orderID, cancelErr)
			}
			delete(state.PendingOrders, orderID)
			resolved = append(resolved, FillResult{Order: po, Status: broker.StatusCanceled})
			continue
		}

		if !broker.IsTerminal(order.Status) {
			if time.Since(po.PlacedAt) > m.placingTimeout() {
				m.logger.LogWarn("OrderManager: order %s for %s unfilled after %s, canceling.",
					orderID, po.Ticker, m.placingTimeout())
				if err := m.broker.CancelOrder(ctx, orderID); err != nil {
					m.logger.LogWarn("OrderManager: timeout cancel of %s failed: %v. Will retry next cycle.", orderID, err)
				}
			}
			continue
		}

		delete(state.PendingOrders, orderID)
		resolved = append(resolved, FillResult{
			Order:     po,
			FilledQty: int(order.FilledQty),
			AvgPrice:  order.FilledAvgPrice,
			Status:    order.Status,
		})
	}
	return resolved
}

// ReconcileStartup cleans up after a crash or unclean shutdown: stale
// placing markers are resolved against the broker's open orders, and any
// broker order this bot does not track is canceled as a zombie.
func (m *OrderManager) ReconcileStartup(ctx context.Context, state *BotState) error {
	open, err := m.broker.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: could not list open orders: %w", err)
	}
	openByClientID := make(map[string]broker.Order, len(open))
	for _, o := range open {
		openByClientID[o.ClientOrderID] = o
	}

	for clientID := range state.PlacingMarkers {
		po, tracked := state.PendingOrders[clientID]
		if o, ok := openByClientID[clientID]; ok && tracked {
			// The submit actually went through before the crash.
			m.logger.LogWarn("Reconciliation: placing marker %s matches live order %s, adopting it.", clientID, o.ID)
			po.OrderID = o.ID
			state.PendingOrders[o.ID] = po
		} else {
			m.logger.LogInfo("Reconciliation: placing marker %s has no live order, clearing.", clientID)
		}
		delete(state.PendingOrders, clientID)
		delete(state.PlacingMarkers, clientID)
	}

	for _, o := range open {
		if _, tracked := state.PendingOrders[o.ID]; tracked {
			continue
		}
		m.logger.LogWarn("Reconciliation: canceling zombie order %s (%s %s qty %.0f).",
			o.ID, o.Side, o.Ticker, o.Qty)
		if err := m.broker.CancelOrder(ctx, o.ID); err != nil {
			m.logger.LogError("Reconciliation: failed to cancel zombie order %s: %v", o.ID, err)
		}
	}
	return nil
}
