// Package idempotency implements the Idempotency Store (C2): a
// (key -> cached response) cache enforcing at-most-once webhook
// processing, including the insert-if-absent race described in §4.2.
package idempotency

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

// Outcome is the result of a Begin call.
type Outcome int

const (
	// Miss means no prior record exists; the caller must run its handler
	// and call Complete.
	Miss Outcome = iota
	// Hit means a prior response is available and must be replayed
	// verbatim; the handler must NOT run.
	Hit
)

// CachedResponse is the prior response replayed on a Hit.
type CachedResponse struct {
	Status int
	Body   string
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// ValidateKey rejects keys failing the format rule in §4.2 before any
// lookup is attempted.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return apperr.New(apperr.InvalidInput, "idempotency key must be 1-255 chars of [A-Za-z0-9_-]")
	}
	return nil
}

// Store wraps the IdempotencyRecord table.
type Store struct {
	db         *gorm.DB
	pollEvery  time.Duration
	waitLimit  time.Duration
}

// New builds a Store. db may be a live transaction handle or the base
// connection; Begin/Complete each manage their own short transactions.
func New(db *gorm.DB) *Store {
	return &Store{db: db, pollEvery: 25 * time.Millisecond, waitLimit: 9 * time.Second}
}

// Begin attempts to claim key for first-time processing. On Miss, the
// caller must invoke Complete with the handler's outcome before returning.
// On Hit, the caller replays the cached response and must not re-run the
// handler. Two callers racing on the same key: the loser blocks until the
// winner's Complete is visible, then observes Hit.
func (s *Store) Begin(ctx context.Context, key, webhookType, requestSnapshot string, ttl time.Duration) (Outcome, *CachedResponse, error) {
	if err := ValidateKey(key); err != nil {
		return Miss, nil, err
	}

	rec := &store.IdempotencyRecord{
		Key:             key,
		WebhookType:     webhookType,
		RequestSnapshot: requestSnapshot,
		InFlight:        true,
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(ttl),
	}

	err := s.db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return Miss, nil, nil
	}
	if !isUniqueViolation(err) {
		return Miss, nil, apperr.Wrap(apperr.Internal, "idempotency insert failed", err)
	}

	return s.waitForCompletion(ctx, key)
}

// waitForCompletion polls the existing row until the winning caller's
// Complete makes it visible, implementing the "insert-if-absent... on
// unique-violation, read and wait" strategy of §4.2.
func (s *Store) waitForCompletion(ctx context.Context, key string) (Outcome, *CachedResponse, error) {
	deadline := time.Now().Add(s.waitLimit)
	for {
		var rec store.IdempotencyRecord
		if err := s.db.WithContext(ctx).First(&rec, "\"key\" = ?", key).Error; err != nil {
			return Miss, nil, apperr.Wrap(apperr.Internal, "idempotency lookup failed", err)
		}
		if !rec.InFlight {
			return Hit, &CachedResponse{Status: rec.ResponseStatus, Body: rec.ResponseBody}, nil
		}
		if time.Now().After(deadline) {
			return Miss, nil, apperr.New(apperr.Timeout, "timed out waiting for concurrent idempotent request to complete")
		}
		select {
		case <-ctx.Done():
			return Miss, nil, apperr.Wrap(apperr.Timeout, "context cancelled waiting for idempotent request", ctx.Err())
		case <-time.After(s.pollEvery):
		}
	}
}

// Lookup is a read-only check used before deciding whether to Begin;
// returns Miss if no record exists or it is still in flight.
func (s *Store) Lookup(ctx context.Context, key string) (Outcome, *CachedResponse, error) {
	var rec store.IdempotencyRecord
	err := s.db.WithContext(ctx).First(&rec, "\"key\" = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return Miss, nil, nil
	}
	if err != nil {
		return Miss, nil, apperr.Wrap(apperr.Internal, "idempotency lookup failed", err)
	}
	if rec.InFlight {
		return Miss, nil, nil
	}
	return Hit, &CachedResponse{Status: rec.ResponseStatus, Body: rec.ResponseBody}, nil
}

// Complete stores the handler's response and flips the record out of
// in-flight state, unblocking any waiters.
func (s *Store) Complete(ctx context.Context, key string, status int, body string) error {
	res := s.db.WithContext(ctx).Model(&store.IdempotencyRecord{}).
		Where("\"key\" = ?", key).
		Updates(map[string]any{
			"in_flight":       false,
			"response_status": status,
			"response_body":   body,
		})
	if res.Error != nil {
		return apperr.Wrap(apperr.Internal, "idempotency complete failed", res.Error)
	}
	return nil
}

// SweepExpired deletes rows whose ExpiresAt has passed (§4.2, driven by C8).
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&store.IdempotencyRecord{})
	if res.Error != nil {
		return 0, apperr.Wrap(apperr.Internal, "idempotency sweep failed", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Int64("deleted", res.RowsAffected).Msg("idempotency gc: swept expired records")
	}
	return res.RowsAffected, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
