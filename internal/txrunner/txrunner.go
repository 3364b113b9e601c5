// Package txrunner implements the Transaction Runner (C1): execute a
// closure under serializable isolation with bounded deadlock retry,
// per-attempt deadlines, and failure logging that survives the rollback
// it is reporting on.
package txrunner

import (
	"context"
	"database/sql"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

const maxBackoff = time.Second

// Runner executes closures under the contract of spec.md §4.1.
type Runner struct {
	db                *gorm.DB
	maxRetries        int
	perAttemptTimeout time.Duration
}

// New builds a Runner. maxRetries and perAttemptTimeout come from
// config.Config's TRANSACTION_MAX_RETRIES / TRANSACTION_TIMEOUT_MS.
func New(db *gorm.DB, maxRetries int, perAttemptTimeout time.Duration) *Runner {
	return &Runner{db: db, maxRetries: maxRetries, perAttemptTimeout: perAttemptTimeout}
}

// Run executes fn inside a serializable transaction, retrying transient
// failures with jittered exponential backoff. operation and entityRef are
// used only for the failure log written on terminal failure; they do not
// affect retry behavior.
func Run[T any](ctx context.Context, r *Runner, operation, entityRef string, fn func(tx *gorm.DB) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := r.maxRetries + 1
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, r.perAttemptTimeout)

		var result T
		txErr := r.db.WithContext(attemptCtx).Transaction(func(tx *gorm.DB) error {
			v, err := fn(tx)
			if err != nil {
				return err
			}
			result = v
			return nil
		}, r.txOptions())
		cancel()

		if txErr == nil {
			return result, nil
		}

		lastErr = classify(attemptCtx, txErr)

		if attempt < attempts && isTransient(lastErr) {
			log.Warn().
				Str("operation", operation).
				Str("entity", entityRef).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("transaction runner: retrying transient failure")
			time.Sleep(backoff(attempt))
			continue
		}
		break
	}

	r.logFailure(operation, entityRef, lastErr, made)
	return zero, lastErr
}

// txOptions requests serializable isolation on postgres, per §4.1. The
// sqlite driver used for local development and tests rejects any
// non-default isolation level outright, so it gets the driver default
// instead of a hard failure on every transaction.
func (r *Runner) txOptions() *sql.TxOptions {
	if r.db.Dialector.Name() != "postgres" {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// classify maps raw driver/context errors onto the apperr taxonomy without
// discarding the underlying cause.
func classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperr.Wrap(apperr.Timeout, "transaction deadline exceeded", err)
	}
	if isDeadlockOrSerialization(err) {
		return apperr.Wrap(apperr.TransientTx, "transient transaction failure", err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperr.Wrap(apperr.Internal, "unclassified transaction failure", err)
}

// isDeadlockOrSerialization matches on vendor error code or message
// substring, per §4.1: "by vendor error code or message substring match on
// 'deadlock'/'serialization'".
func isDeadlockOrSerialization(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "serializ") ||
		strings.Contains(msg, "sqlstate 40001") || strings.Contains(msg, "sqlstate 40p01")
}

func isTransient(err error) bool {
	code := apperr.CodeOf(err)
	return code == apperr.TransientTx || code == apperr.Timeout
}

// backoff returns exponential backoff for the given attempt number (1-based)
// with +/-10% jitter, capped at 1s, per §4.1.
func backoff(attempt int) time.Duration {
	base := 50 * time.Millisecond
	d := base << uint(attempt-1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	jitter := float64(d) * 0.10
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) + delta)
}

// logFailure persists a WebhookFailureLog row in a fresh, independent
// transaction so its visibility never depends on the rollback of the
// transaction it describes (§4.1: "in a separate, lower-isolation
// transaction").
func (r *Runner) logFailure(operation, entityRef string, err error, attempts int) {
	if err == nil {
		return
	}
	logCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec := &store.WebhookFailureLog{
		ID:        uuid.NewString(),
		Operation: operation,
		EntityRef: entityRef,
		ErrorText: err.Error(),
		Attempts:  attempts,
		CreatedAt: time.Now(),
	}
	if dbErr := r.db.WithContext(logCtx).Create(rec).Error; dbErr != nil {
		log.Error().Err(dbErr).Str("operation", operation).Msg("failed to persist transaction failure log")
	}
}
