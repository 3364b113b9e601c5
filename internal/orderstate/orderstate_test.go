package orderstate

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, state store.OrderState) string {
	t.Helper()
	id := uuid.NewString()
	order := store.Order{
		ID:         id,
		RetailerID: "R1",
		State:      state,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, db.Create(&order).Error)
	return id
}

func TestTransition_ValidMove(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateCreated)

	updated, err := Transition(db, orderID, store.StatePendingBids, "system", "opened for bids")
	require.NoError(t, err)
	require.Equal(t, store.StatePendingBids, updated.State)

	var logEntry store.TransitionLog
	require.NoError(t, db.First(&logEntry, "order_id = ?", orderID).Error)
	require.Equal(t, store.StateCreated, logEntry.FromState)
	require.Equal(t, store.StatePendingBids, logEntry.ToState)
}

func TestTransition_InvalidMoveRejected(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateCreated)

	_, err := Transition(db, orderID, store.StateDelivered, "system", "")
	require.Error(t, err)
	require.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err))
}

func TestTransition_TerminalStateRejected(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateCancelled)

	_, err := Transition(db, orderID, store.StatePendingBids, "system", "")
	require.Error(t, err)
	require.Equal(t, apperr.TerminalState, apperr.CodeOf(err))
}

func TestTransition_Monotonicity_CancelledNeverLeaves(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateCancelled)

	for _, target := range []store.OrderState{
		store.StateCreated, store.StatePendingBids, store.StateConfirmed, store.StateDelivered,
	} {
		_, err := Transition(db, orderID, target, "system", "")
		require.Error(t, err)
	}
}

func TestCanTransition_MatchesTransitionOutcome(t *testing.T) {
	require.True(t, CanTransition(store.StateCreated, store.StatePendingBids))
	require.False(t, CanTransition(store.StateCreated, store.StateDelivered))
	require.False(t, CanTransition(store.StateCancelled, store.StatePendingBids))
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(store.StateCancelled), "CANCELLED is the only terminal state per the glossary")
	require.False(t, IsTerminal(store.StateFailed), "FAILED can still be re-driven to PENDING_BIDS or CANCELLED")
	require.False(t, IsTerminal(store.StateReturned), "RETURNED can still move to PENDING_BIDS or CANCELLED")
	require.False(t, IsTerminal(store.StateDelivered), "DELIVERED can still move to RETURNED")
	require.False(t, IsTerminal(store.StatePendingBids))
}

func TestTransition_DeliveredToReturnedAllowed(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateDelivered)

	updated, err := Transition(db, orderID, store.StateReturned, "retailer", "damaged goods")
	require.NoError(t, err)
	require.Equal(t, store.StateReturned, updated.State)
}

func TestTransition_FailedCanBeRedrivenToPendingBids(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateFailed)

	updated, err := Transition(db, orderID, store.StatePendingBids, "system", "retrying after no eligible winner")
	require.NoError(t, err)
	require.Equal(t, store.StatePendingBids, updated.State)
}

func TestTransition_FailedCanBeCancelled(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateFailed)

	updated, err := Transition(db, orderID, store.StateCancelled, "retailer", "giving up after failure")
	require.NoError(t, err)
	require.Equal(t, store.StateCancelled, updated.State)
}

func TestTransition_ReturnedCanBeRedrivenToPendingBids(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateReturned)

	updated, err := Transition(db, orderID, store.StatePendingBids, "system", "re-ordering returned goods")
	require.NoError(t, err)
	require.Equal(t, store.StatePendingBids, updated.State)
}

func TestTransition_PendingBidsAndCreditApprovedCanReachWholesalerAccepted(t *testing.T) {
	db := openTestDB(t)

	pendingOrder := seedOrder(t, db, store.StatePendingBids)
	updated, err := Transition(db, pendingOrder, store.StateWholesalerAccepted, "system", "decision engine award")
	require.NoError(t, err)
	require.Equal(t, store.StateWholesalerAccepted, updated.State)

	creditApprovedOrder := seedOrder(t, db, store.StateCreditApproved)
	updated, err = Transition(db, creditApprovedOrder, store.StateWholesalerAccepted, "system", "decision engine award")
	require.NoError(t, err)
	require.Equal(t, store.StateWholesalerAccepted, updated.State)
}

func TestTransition_OutForDeliveryCanReachDeliveredOrCancelled(t *testing.T) {
	db := openTestDB(t)

	deliveredOrder := seedOrder(t, db, store.StateOutForDelivery)
	updated, err := Transition(db, deliveredOrder, store.StateDelivered, "system", "delivery confirmed")
	require.NoError(t, err)
	require.Equal(t, store.StateDelivered, updated.State)

	cancelledOrder := seedOrder(t, db, store.StateOutForDelivery)
	updated, err = Transition(db, cancelledOrder, store.StateCancelled, "retailer", "cancelled in transit")
	require.NoError(t, err)
	require.Equal(t, store.StateCancelled, updated.State)
}

func TestTransition_ShippedCanReachReturnedOrCancelled(t *testing.T) {
	db := openTestDB(t)

	returnedOrder := seedOrder(t, db, store.StateShipped)
	updated, err := Transition(db, returnedOrder, store.StateReturned, "retailer", "refused at door")
	require.NoError(t, err)
	require.Equal(t, store.StateReturned, updated.State)

	cancelledOrder := seedOrder(t, db, store.StateShipped)
	updated, err = Transition(db, cancelledOrder, store.StateCancelled, "retailer", "cancelled in transit")
	require.NoError(t, err)
	require.Equal(t, store.StateCancelled, updated.State)
}

func TestTransition_CreatedCannotGoDirectlyToFailed(t *testing.T) {
	db := openTestDB(t)
	orderID := seedOrder(t, db, store.StateCreated)

	_, err := Transition(db, orderID, store.StateFailed, "system", "")
	require.Error(t, err)
	require.Equal(t, apperr.InvalidTransition, apperr.CodeOf(err), "CREATED only reaches PENDING_BIDS or CANCELLED per §4.3")
}
