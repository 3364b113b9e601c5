// Package orderstate implements the Order State Machine (C5): the allowed
// transition table of §4.3 and the single entry point every other
// component uses to move an Order between states, with an append-only
// TransitionLog row written in the same transaction as the state change.
package orderstate

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

// terminal states admit no further transitions. CANCELLED is the only one
// (glossary: "Terminal state: CANCELLED"); DELIVERED, FAILED, and RETURNED
// all still have outgoing edges per §4.3.
var terminal = map[store.OrderState]bool{
	store.StateCancelled: true,
}

// allowed is the transition table of §4.3: fromState -> set of toStates
// reachable directly from it.
var allowed = map[store.OrderState]map[store.OrderState]bool{
	store.StateCreated: set(store.StatePendingBids, store.StateCancelled),
	store.StatePendingBids: set(
		store.StateCreditApproved, store.StateStockReserved, store.StateWholesalerAccepted,
		store.StateCancelled, store.StateFailed,
	),
	store.StateCreditApproved: set(
		store.StateStockReserved, store.StateWholesalerAccepted,
		store.StateCancelled, store.StateFailed,
	),
	store.StateStockReserved: set(
		store.StateWholesalerAccepted, store.StatePendingBids, // re-award loop
		store.StateCancelled, store.StateFailed,
	),
	store.StateWholesalerAccepted: set(
		store.StateConfirmed, store.StatePendingBids, // confirmation timeout re-award
		store.StateCancelled, store.StateFailed,
	),
	store.StateConfirmed:      set(store.StateProcessing, store.StateCancelled, store.StateFailed),
	store.StateProcessing:     set(store.StatePacked, store.StateCancelled, store.StateFailed),
	store.StatePacked:         set(store.StateOutForDelivery, store.StateCancelled, store.StateFailed),
	store.StateOutForDelivery: set(store.StateShipped, store.StateDelivered, store.StateCancelled, store.StateFailed),
	store.StateShipped:        set(store.StateDelivered, store.StateReturned, store.StateCancelled, store.StateFailed),
	store.StateDelivered:      set(store.StateReturned),
	store.StateFailed:         set(store.StateCancelled, store.StatePendingBids),
	store.StateReturned:       set(store.StateCancelled, store.StatePendingBids),
}

func set(states ...store.OrderState) map[store.OrderState]bool {
	m := make(map[store.OrderState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// Transition moves orderID from its current state to target, recording a
// TransitionLog entry, all inside tx. Returns INVALID_TRANSITION if target
// is not reachable from the current state, or TERMINAL_STATE if the order
// is already in a terminal state (§4.3).
func Transition(tx *gorm.DB, orderID string, target store.OrderState, actor, reason string) (*store.Order, error) {
	var order store.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.Newf(apperr.InvalidInput, "order %s not found", orderID)
		}
		return nil, apperr.Wrap(apperr.Internal, "lock order for transition", err)
	}

	if terminal[order.State] {
		return nil, apperr.Newf(apperr.TerminalState, "order %s is in terminal state %s", orderID, order.State)
	}

	next, ok := allowed[order.State]
	if !ok || !next[target] {
		return nil, apperr.Newf(apperr.InvalidTransition, "order %s cannot move from %s to %s", orderID, order.State, target)
	}

	from := order.State
	now := time.Now()

	updates := map[string]any{"state": target, "updated_at": now}
	if target == store.StateConfirmed {
		updates["confirmed_at"] = now
	}
	if target == store.StateDelivered {
		updates["delivered_at"] = now
	}
	if err := tx.Model(&store.Order{}).Where("id = ?", orderID).Updates(updates).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "apply order state update", err)
	}

	logEntry := &store.TransitionLog{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		FromState: from,
		ToState:   target,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := tx.Create(logEntry).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "write transition log", err)
	}

	order.State = target
	return &order, nil
}

// CanTransition reports whether target is reachable from from without
// mutating anything; used by callers that want to branch without attempting
// (and failing) a Transition call.
func CanTransition(from, target store.OrderState) bool {
	if terminal[from] {
		return false
	}
	next, ok := allowed[from]
	return ok && next[target]
}

// IsTerminal reports whether state admits no further transitions.
func IsTerminal(state store.OrderState) bool {
	return terminal[state]
}
