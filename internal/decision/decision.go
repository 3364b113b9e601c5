// Package decision implements the Decision Engine (C7): award an order to
// the best eligible wholesaler, iterating candidates in score order with
// per-candidate rollback-and-retry against the next candidate (§4.7).
package decision

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/credit"
	"github.com/fulfillnet/orderengine/internal/events"
	"github.com/fulfillnet/orderengine/internal/orderstate"
	"github.com/fulfillnet/orderengine/internal/scoring"
	"github.com/fulfillnet/orderengine/internal/stock"
	"github.com/fulfillnet/orderengine/internal/store"
	"github.com/fulfillnet/orderengine/internal/txrunner"
)

// Engine wires C1/C3/C4/C5/C6 together to run the award algorithm.
type Engine struct {
	runner    *txrunner.Runner
	publisher *events.Publisher
}

// New builds an Engine.
func New(runner *txrunner.Runner, publisher *events.Publisher) *Engine {
	return &Engine{runner: runner, publisher: publisher}
}

// Award runs the §4.7 algorithm for orderID, excluding any wholesaler in
// excludedWholesalers (used by the re-award path). It returns the winning
// offer's wholesaler id on success.
func (e *Engine) Award(ctx context.Context, orderID string, excludedWholesalers []string) (string, error) {
	excluded := make(map[string]bool, len(excludedWholesalers))
	for _, w := range excludedWholesalers {
		excluded[w] = true
	}
	return e.run(ctx, orderID, excluded)
}

func (e *Engine) run(ctx context.Context, orderID string, excluded map[string]bool) (string, error) {
	ranked, err := txrunner.Run(ctx, e.runner, "decision.rank", orderID, func(tx *gorm.DB) ([]scoring.Scored, error) {
		return loadAndRank(tx, orderID, excluded)
	})
	if err != nil {
		return "", err
	}

	for _, candidate := range ranked {
		winner, attemptErr := txrunner.Run(ctx, e.runner, "decision.award", orderID, func(tx *gorm.DB) (string, error) {
			return attemptAward(tx, orderID, candidate, store.CreatorSystem, "system")
		})
		if attemptErr == nil {
			e.publisher.Publish(events.OrderStateChanged{
				OrderID:   orderID,
				NewState:  string(store.StateWholesalerAccepted),
				Timestamp: time.Now(),
			})
			return winner, nil
		}
		// (b)/(c) failure on this candidate: the transaction above has
		// already rolled back in full; move on to the next candidate in a
		// fresh transaction, per §4.7 step 3's retry instruction.
	}

	_, failErr := txrunner.Run(ctx, e.runner, "decision.no-eligible-winner", orderID, func(tx *gorm.DB) (struct{}, error) {
		_, err := orderstate.Transition(tx, orderID, store.StateFailed, "system", "no eligible winner")
		return struct{}{}, err
	})
	if failErr != nil {
		return "", failErr
	}

	e.publisher.Publish(events.OrderStateChanged{
		OrderID:   orderID,
		NewState:  string(store.StateFailed),
		Timestamp: time.Now(),
	})
	return "", apperr.Newf(apperr.NoEligibleWinner, "no eligible winner for order %s", orderID)
}

// loadAndRank implements §4.7 steps 1-3 up to (but not including) the
// per-candidate reserve/debit attempt: lock the order, verify it is still
// pre-award, load and filter offers, and rank them.
func loadAndRank(tx *gorm.DB, orderID string, excluded map[string]bool) ([]scoring.Scored, error) {
	var order store.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.Newf(apperr.InvalidInput, "order %s not found", orderID)
		}
		return nil, apperr.Wrap(apperr.Internal, "lock order for decision", err)
	}
	if order.FinalWholesalerID != nil || !isPreAward(order.State) {
		return nil, apperr.Newf(apperr.DecisionConflict, "order %s is no longer eligible for award (state %s)", orderID, order.State)
	}

	var offers []store.VendorOffer
	if err := tx.Where("order_id = ?", orderID).Find(&offers).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load offers", err)
	}

	candidates := make([]scoring.Candidate, 0, len(offers))
	for _, o := range offers {
		if o.Status == store.OfferExpired || o.Status == store.OfferRejected {
			continue
		}
		if excluded[o.WholesalerID] {
			continue
		}
		candidates = append(candidates, scoring.Candidate{
			Offer:            o,
			ReliabilityScore: o.ReliabilityScore,
			AverageRating:    o.AverageRating,
		})
	}

	return scoring.Rank(candidates), nil
}

// attemptAward implements §4.7 step 3(a)-(f) for a single ranked candidate.
// Any failure aborts the whole transaction via the returned error; txrunner
// rolls it back, and run() moves on to the next candidate. creator and actor
// are recorded on the DEBIT ledger entry and the transition log row.
func attemptAward(tx *gorm.DB, orderID string, candidate scoring.Scored, creator store.LedgerCreator, actor string) (string, error) {
	offer := candidate.Candidate.Offer

	active, err := wholesalerActive(tx, offer.WholesalerID)
	if err != nil {
		return "", err
	}
	if !active {
		return "", apperr.Newf(apperr.DecisionConflict, "wholesaler %s is inactive", offer.WholesalerID)
	}

	var order store.Order
	if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, "reload order", err)
	}

	var items []store.OrderItem
	if err := tx.Where("order_id = ?", orderID).Find(&items).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, "load order items", err)
	}
	stockItems := make([]stock.Item, 0, len(items))
	for _, it := range items {
		stockItems = append(stockItems, stock.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	if _, err := stock.Reserve(tx, orderID, offer.WholesalerID, stockItems); err != nil {
		return "", err
	}

	if _, err := credit.Append(tx, credit.AppendRequest{
		RetailerID:   order.RetailerID,
		WholesalerID: offer.WholesalerID,
		Type:         store.LedgerDebit,
		Amount:       order.TotalAmount,
		OrderID:      &order.ID,
		Creator:      creator,
	}); err != nil {
		return "", err
	}

	if err := tx.Model(&store.VendorOffer{}).Where("id = ?", offer.ID).
		Update("status", store.OfferAccepted).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, "accept winning offer", err)
	}
	if err := tx.Model(&store.VendorOffer{}).
		Where("order_id = ? AND id <> ? AND status NOT IN ?", orderID, offer.ID,
			[]store.OfferStatus{store.OfferRejected, store.OfferExpired}).
		Update("status", store.OfferRejected).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, "reject losing offers", err)
	}

	if err := tx.Model(&store.Order{}).Where("id = ?", orderID).
		Update("final_wholesaler_id", offer.WholesalerID).Error; err != nil {
		return "", apperr.Wrap(apperr.Internal, "set final wholesaler", err)
	}

	if _, err := orderstate.Transition(tx, orderID, store.StateWholesalerAccepted, actor, "decision engine award"); err != nil {
		return "", err
	}

	return offer.WholesalerID, nil
}

// Reaward implements the §4.7 re-award path: reverse the prior DEBIT,
// release the prior reservation, reopen the other offers the prior award
// rejected, then run Award excluding failedWholesaler.
func (e *Engine) Reaward(ctx context.Context, orderID, failedWholesaler string, excludedWholesalers []string) (string, error) {
	_, err := txrunner.Run(ctx, e.runner, "decision.reaward.unwind", orderID, func(tx *gorm.DB) (struct{}, error) {
		return struct{}{}, unwindAward(tx, orderID, failedWholesaler)
	})
	if err != nil {
		return "", err
	}

	allExcluded := append(append([]string{}, excludedWholesalers...), failedWholesaler)
	return e.Award(ctx, orderID, allExcluded)
}

func unwindAward(tx *gorm.DB, orderID, failedWholesaler string) error {
	var order store.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "lock order for re-award unwind", err)
	}

	var accepted store.VendorOffer
	if err := tx.Where("order_id = ? AND wholesaler_id = ? AND status = ?", orderID, failedWholesaler, store.OfferAccepted).
		First(&accepted).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return apperr.Wrap(apperr.Internal, "load accepted offer for unwind", err)
		}
	}

	if err := stock.Release(tx, orderID); err != nil {
		return err
	}

	if order.TotalAmount.GreaterThan(decimal.Zero) {
		if _, err := credit.Append(tx, credit.AppendRequest{
			RetailerID:   order.RetailerID,
			WholesalerID: failedWholesaler,
			Type:         store.LedgerCredit,
			Amount:       order.TotalAmount,
			OrderID:      &order.ID,
			Creator:      store.CreatorSystem,
		}); err != nil {
			return err
		}
	}

	if accepted.ID != "" {
		if err := tx.Model(&store.VendorOffer{}).Where("id = ?", accepted.ID).
			Update("status", store.OfferExpired).Error; err != nil {
			return apperr.Wrap(apperr.Internal, "expire timed-out offer", err)
		}
	}

	if err := tx.Model(&store.VendorOffer{}).
		Where("order_id = ? AND wholesaler_id <> ? AND status = ?", orderID, failedWholesaler, store.OfferRejected).
		Update("status", store.OfferPending).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "reopen offers rejected at award", err)
	}

	if err := tx.Model(&store.Order{}).Where("id = ?", orderID).
		Update("final_wholesaler_id", nil).Error; err != nil {
		return apperr.Wrap(apperr.Internal, "clear final wholesaler", err)
	}

	if _, err := orderstate.Transition(tx, orderID, store.StatePendingBids, "system", "winner confirmation timeout"); err != nil {
		return err
	}

	return nil
}

// ForceAward implements adminForceAwardWinner (§6): bypass ranking and
// award a specific wholesaler's existing offer directly, still running the
// full reserve/debit/transition sequence of §4.7 step 3(a)-(f) so the
// admin override leaves the same invariants intact as a normal award.
func (e *Engine) ForceAward(ctx context.Context, orderID, wholesalerID string) (string, error) {
	winner, err := txrunner.Run(ctx, e.runner, "decision.force-award", orderID, func(tx *gorm.DB) (string, error) {
		var order store.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return "", apperr.Newf(apperr.InvalidInput, "order %s not found", orderID)
			}
			return "", apperr.Wrap(apperr.Internal, "lock order for force-award", err)
		}
		if order.FinalWholesalerID != nil || !isPreAward(order.State) {
			return "", apperr.Newf(apperr.DecisionConflict, "order %s is no longer eligible for award (state %s)", orderID, order.State)
		}

		var offer store.VendorOffer
		err := tx.Where("order_id = ? AND wholesaler_id = ? AND status NOT IN ?",
			orderID, wholesalerID, []store.OfferStatus{store.OfferRejected, store.OfferExpired}).
			First(&offer).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return "", apperr.Newf(apperr.DecisionConflict, "no eligible offer from wholesaler %s for order %s", wholesalerID, orderID)
			}
			return "", apperr.Wrap(apperr.Internal, "load forced offer", err)
		}

		scored := scoring.Scored{Candidate: scoring.Candidate{
			Offer:            offer,
			ReliabilityScore: offer.ReliabilityScore,
			AverageRating:    offer.AverageRating,
		}}
		return attemptAward(tx, orderID, scored, store.CreatorAdmin, "admin")
	})
	if err != nil {
		return "", err
	}

	e.publisher.Publish(events.OrderStateChanged{
		OrderID:   orderID,
		NewState:  string(store.StateWholesalerAccepted),
		Timestamp: time.Now(),
	})
	return winner, nil
}

func isPreAward(state store.OrderState) bool {
	switch state {
	case store.StatePendingBids, store.StateCreditApproved, store.StateStockReserved:
		return true
	default:
		return false
	}
}

func wholesalerActive(tx *gorm.DB, wholesalerID string) (bool, error) {
	var count int64
	if err := tx.Model(&store.WholesalerProduct{}).
		Where("wholesaler_id = ? AND inactive = ?", wholesalerID, true).
		Count(&count).Error; err != nil {
		return false, apperr.Wrap(apperr.Internal, "check wholesaler activity", err)
	}
	return count == 0, nil
}
