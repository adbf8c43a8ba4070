// File: pkg/app/state.go
package app

import (
	"Shellback/strategy"
	"Shellback/utilities"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Order purposes, used to route a fill back to the right state change.
const (
	PurposeEntry   = "entry"
	PurposePyramid = "pyramid"
	PurposeExit    = "exit"
)

// PlacingSentinel marks an order slot whose submission was in flight when
// the state was last written. On restart these are verified against the
// broker before the slot is reused.
const PlacingSentinel = "PLACING"

// PendingOrder tracks an order submitted to the broker that has not yet
// reached a terminal status.
type PendingOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Ticker        string          `json:"ticker"`
	Side          strategy.Side   `json:"side"`
	System        strategy.System `json:"system"`
	Purpose       string          `json:"purpose"`
	Qty           int             `json:"qty"`
	Price         float64         `json:"price"`
	N             float64         `json:"n"`
	Reason        string          `json:"reason,omitempty"`
	PlacedAt      time.Time       `json:"placed_at"`
}

// QueuedSignal is an entry candidate awaiting capital and a price check.
// The queue is regenerated every cycle; persisting it only preserves the
// operator's view of what the bot was about to do.
type QueuedSignal struct {
	Ticker    string          `json:"ticker"`
	Side      strategy.Side   `json:"side"`
	System    strategy.System `json:"system"`
	Price     float64         `json:"price"`
	N         float64         `json:"n"`
	Proximity float64         `json:"proximity"`
}

// BotState is the whole persisted live-trading state. It is rewritten
// wholesale after every mutation so a crash never leaves a partial file.
type BotState struct {
	LongPositions   map[string]*strategy.Position `json:"long_positions"`
	ShortPositions  map[string]*strategy.Position `json:"short_positions"`
	PendingOrders   map[string]PendingOrder       `json:"pending_orders"`
	PlacingMarkers  map[string]int64              `json:"placing_marker_timestamps"`
	EntryQueue      []QueuedSignal                `json:"entry_queue"`
	LastTradeWasWin map[string]bool               `json:"last_trade_was_win"`
	LastUpdated     time.Time                     `json:"last_updated"`
}

func NewBotState() *BotState {
	return &BotState{
		LongPositions:   make(map[string]*strategy.Position),
		ShortPositions:  make(map[string]*strategy.Position),
		PendingOrders:   make(map[string]PendingOrder),
		PlacingMarkers:  make(map[string]int64),
		LastTradeWasWin: make(map[string]bool),
	}
}

// LoadState reads the persisted state file, returning a fresh state when
// the file does not exist yet.
func LoadState(path string) (*BotState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewBotState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	state := NewBotState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt: %w", path, err)
	}
	// Maps omitted from an older file come back nil.
	if state.LongPositions == nil {
		state.LongPositions = make(map[string]*strategy.Position)
	}
	if state.ShortPositions == nil {
		state.ShortPositions = make(map[string]*strategy.Position)
	}
	if state.PendingOrders == nil {
		state.PendingOrders = make(map[string]PendingOrder)
	}
	if state.PlacingMarkers == nil {
		state.PlacingMarkers = make(map[string]int64)
	}
	if state.LastTradeWasWin == nil {
		state.LastTradeWasWin = make(map[string]bool)
	}
	return state, nil
}

// SaveState atomically rewrites the state file.
func SaveState(path string, state *BotState) error {
	state.LastUpdated = time.Now().UTC()
	return utilities.WriteJSONAtomic(path, state)
}

// PositionFor returns the open position for the ticker on the given side.
func (s *BotState) PositionFor(ticker string, side strategy.Side) (*strategy.Position, bool) {
	if side == strategy.SideLong {
		pos, ok := s.LongPositions[ticker]
		return pos, ok
	}
	pos, ok := s.ShortPositions[ticker]
	return pos, ok
}

func (s *BotState) SetPosition(pos *strategy.Position) {
	if pos.Side == strategy.SideLong {
		s.LongPositions[pos.Ticker] = pos
	} else {
		s.ShortPositions[pos.Ticker] = pos
	}
}

func (s *BotState) RemovePosition(ticker string, side strategy.Side) {
	if side == strategy.SideLong {
		delete(s.LongPositions, ticker)
	} else {
		delete(s.ShortPositions, ticker)
	}
}

// OpenPositionCount counts positions across both sides.
func (s *BotState) OpenPositionCount() int {
	return len(s.LongPositions) + len(s.ShortPositions)
}

// HasPendingFor reports whether any pending order targets the ticker,
// which blocks placing a second order for it in the same cycle.
func (s *BotState) HasPendingFor(ticker string) bool {
	for _, po := range s.PendingOrders {
		if po.Ticker == ticker {
			return true
		}
	}
	return false
}
