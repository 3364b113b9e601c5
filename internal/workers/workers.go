// Package workers implements the Timeout/Recovery Workers (C8): a set of
// cooperatively scheduled periodic tasks, each guarded by a short-lived
// advisory lock so only one cluster instance runs it at a time (§4.8).
package workers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/fulfillnet/orderengine/internal/config"
	"github.com/fulfillnet/orderengine/internal/credit"
	"github.com/fulfillnet/orderengine/internal/decision"
	"github.com/fulfillnet/orderengine/internal/idempotency"
	"github.com/fulfillnet/orderengine/internal/orderstate"
	"github.com/fulfillnet/orderengine/internal/store"
	"github.com/fulfillnet/orderengine/internal/txrunner"
)

// Scheduler owns the cron loop and every registered periodic task.
type Scheduler struct {
	cron   *cron.Cron
	db     *gorm.DB
	runner *txrunner.Runner
	engine *decision.Engine
	idemp  *idempotency.Store
	cfg    *config.Config
}

// New builds a Scheduler wired to the rest of the engine's components.
func New(db *gorm.DB, runner *txrunner.Runner, engine *decision.Engine, idemp *idempotency.Store, cfg *config.Config) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		db:     db,
		runner: runner,
		engine: engine,
		idemp:  idemp,
		cfg:    cfg,
	}
}

// Start registers and starts every periodic task from §4.8.
func (s *Scheduler) Start() error {
	tasks := []struct {
		name string
		tick time.Duration
		run  func(ctx context.Context) error
	}{
		{"bid-window-expiry", s.cfg.WorkerTickBidding, s.bidWindowExpiry},
		{"winner-confirmation-timeout", s.cfg.WorkerTickConfirm, s.winnerConfirmationTimeout},
		{"pending-order-expiry", s.cfg.WorkerTickPending, s.pendingOrderExpiry},
		{"idempotency-gc", s.cfg.WorkerTickIdempGC, s.idempotencyGC},
		{"reconciliation", s.cfg.WorkerTickReconcile, s.reconciliation},
	}

	for _, t := range tasks {
		task := t
		spec := "@every " + task.tick.String()
		if _, err := s.cron.AddFunc(spec, s.guarded(task.name, task.run)); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop signals the cron loop to stop scheduling new runs and waits for
// in-flight task invocations to drain, or for ctx to expire, whichever
// comes first (§4.8: "tasks must observe a shutdown signal and drain").
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		log.Warn().Msg("workers: shutdown deadline reached before all tasks drained")
	}
}

// guarded wraps a task body with the per-task advisory lock and a fresh
// background context (cron does not propagate one), logging but never
// panicking on task failure so one bad tick doesn't kill the scheduler.
func (s *Scheduler) guarded(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx := context.Background()
		release, acquired, err := tryLock(s.db, name)
		if err != nil {
			log.Error().Err(err).Str("task", name).Msg("worker: lock acquisition failed")
			return
		}
		if !acquired {
			return
		}
		defer release()

		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("task", name).Msg("worker: task run failed")
		}
	}
}

// bidWindowExpiry finds PENDING_BIDS orders whose bid window has closed
// and invokes the decision engine for each (§4.8).
func (s *Scheduler) bidWindowExpiry(ctx context.Context) error {
	var orderIDs []string
	err := s.db.WithContext(ctx).Model(&store.Order{}).
		Where("state = ? AND expires_at <= ? AND final_wholesaler_id IS NULL", store.StatePendingBids, time.Now()).
		Pluck("id", &orderIDs).Error
	if err != nil {
		return err
	}

	for _, orderID := range orderIDs {
		if _, err := s.engine.Award(ctx, orderID, nil); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("worker: bid window expiry award failed")
		}
	}
	return nil
}

// winnerConfirmationTimeout finds WHOLESALER_ACCEPTED orders stuck past
// the confirmation window and re-runs the decision engine excluding the
// non-confirming wholesaler (§4.8).
func (s *Scheduler) winnerConfirmationTimeout(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.ConfirmationTimeout)

	type stale struct {
		OrderID      string
		WholesalerID string
	}
	var rows []stale
	err := s.db.WithContext(ctx).Table("orders").
		Select("orders.id as order_id, vendor_offers.wholesaler_id as wholesaler_id").
		Joins("JOIN vendor_offers ON vendor_offers.order_id = orders.id AND vendor_offers.status = ?", store.OfferAccepted).
		Where("orders.state = ? AND orders.updated_at <= ?", store.StateWholesalerAccepted, cutoff).
		Scan(&rows).Error
	if err != nil {
		return err
	}

	for _, r := range rows {
		if _, err := s.engine.Reaward(ctx, r.OrderID, r.WholesalerID, nil); err != nil {
			log.Warn().Err(err).Str("order_id", r.OrderID).Str("wholesaler_id", r.WholesalerID).
				Msg("worker: winner confirmation re-award failed")
		}
	}
	return nil
}

// pendingOrderExpiry fails orders that never left CREATED/PENDING_BIDS
// within 24h (§4.8).
func (s *Scheduler) pendingOrderExpiry(ctx context.Context) error {
	cutoff := time.Now().Add(-24 * time.Hour)
	var orderIDs []string
	err := s.db.WithContext(ctx).Model(&store.Order{}).
		Where("state IN ? AND created_at <= ?", []store.OrderState{store.StateCreated, store.StatePendingBids}, cutoff).
		Pluck("id", &orderIDs).Error
	if err != nil {
		return err
	}

	for _, orderID := range orderIDs {
		id := orderID
		_, err := txrunner.Run(ctx, s.runner, "worker.pending-expiry", id, func(tx *gorm.DB) (struct{}, error) {
			return struct{}{}, failOrder(tx, id)
		})
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("worker: pending order expiry failed")
		}
	}
	return nil
}

func failOrder(tx *gorm.DB, orderID string) error {
	_, err := orderstate.Transition(tx, orderID, store.StateFailed, "system", "pending order expired")
	return err
}

// idempotencyGC sweeps expired IdempotencyRecord rows (§4.8).
func (s *Scheduler) idempotencyGC(ctx context.Context) error {
	_, err := s.idemp.SweepExpired(ctx)
	return err
}

// reconciliation recomputes every (retailer, wholesaler) chain balance and
// logs any mismatch found by credit.VerifyChain (§4.8).
func (s *Scheduler) reconciliation(ctx context.Context) error {
	type pair struct {
		RetailerID   string
		WholesalerID string
	}
	var pairs []pair
	if err := s.db.WithContext(ctx).Model(&store.LedgerEntry{}).
		Distinct("retailer_id", "wholesaler_id").Scan(&pairs).Error; err != nil {
		return err
	}

	for _, p := range pairs {
		mismatches, err := credit.VerifyChain(s.db.WithContext(ctx), p.RetailerID, p.WholesalerID)
		if err != nil {
			log.Error().Err(err).Str("retailer_id", p.RetailerID).Str("wholesaler_id", p.WholesalerID).
				Msg("worker: reconciliation failed to verify chain")
			continue
		}
		if len(mismatches) > 0 {
			log.Error().
				Str("retailer_id", p.RetailerID).
				Str("wholesaler_id", p.WholesalerID).
				Int("mismatches", len(mismatches)).
				Msg("worker: reconciliation found ledger chain mismatches")
		}
	}
	return nil
}
