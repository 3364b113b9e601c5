// Package credit implements the Credit Ledger (C4): an append-only,
// hash-chained debit/credit log per (retailer, wholesaler) pair, with the
// credit-limit invariant enforced on every append (§4.5).
package credit

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fulfillnet/orderengine/internal/apperr"
	"github.com/fulfillnet/orderengine/internal/store"
)

// AppendRequest describes one ledger append (§4.5).
type AppendRequest struct {
	RetailerID   string
	WholesalerID string
	Type         store.LedgerEntryType
	Amount       decimal.Decimal // always a positive magnitude; §3 CHECK amount > 0
	OrderID      *string
	DueDate      *time.Time
	Creator      store.LedgerCreator
	// ReversalOf is required when Type == REVERSAL; it names the entry
	// being reversed so its sign can be inverted.
	ReversalOf *string
	// AdjustmentSign is required when Type == ADJUSTMENT: +1 increases the
	// balance like a DEBIT, -1 decreases it like a CREDIT.
	AdjustmentSign int
}

// CurrentBalance returns the balance-after of the most recent LedgerEntry
// for the pair, or zero if the chain is empty.
func CurrentBalance(tx *gorm.DB, retailerID, wholesalerID string) (decimal.Decimal, error) {
	var last store.LedgerEntry
	err := tx.Where("retailer_id = ? AND wholesaler_id = ?", retailerID, wholesalerID).
		Order("created_at DESC").First(&last).Error
	if err == gorm.ErrRecordNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.Internal, "load current balance", err)
	}
	return last.BalanceAfter, nil
}

// Append inserts a new LedgerEntry under a row lock on the pair's most
// recent entry, computing the new balance-after and content-hash, and
// enforcing CREDIT_LIMIT_EXCEEDED / CREDIT_PAUSED before the insert lands.
func Append(tx *gorm.DB, req AppendRequest) (*store.LedgerEntry, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperr.New(apperr.InvalidInput, "ledger amount must be positive")
	}

	if err := checkNotPaused(tx, req.RetailerID, req.WholesalerID); err != nil {
		return nil, err
	}

	var prev store.LedgerEntry
	hasPrev := true
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("retailer_id = ? AND wholesaler_id = ?", req.RetailerID, req.WholesalerID).
		Order("created_at DESC").First(&prev).Error
	if err == gorm.ErrRecordNotFound {
		hasPrev = false
	} else if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "lock ledger chain tail", err)
	}

	sign, err := resolveSign(tx, req)
	if err != nil {
		return nil, err
	}

	prevBalance := decimal.Zero
	var prevHash *string
	if hasPrev {
		prevBalance = prev.BalanceAfter
		h := prev.ContentHash
		prevHash = &h
	}

	delta := req.Amount
	if sign < 0 {
		delta = req.Amount.Neg()
	}
	newBalance := prevBalance.Add(delta)

	if sign > 0 {
		effectiveLimit, err := effectiveLimit(tx, req.RetailerID, req.WholesalerID)
		if err != nil {
			return nil, err
		}
		if newBalance.GreaterThan(effectiveLimit) {
			return nil, apperr.Newf(apperr.CreditLimitExceeded,
				"balance %s would exceed effective limit %s for retailer %s / wholesaler %s",
				newBalance.StringFixed(2), effectiveLimit.StringFixed(2), req.RetailerID, req.WholesalerID)
		}
	}

	now := time.Now()
	entry := &store.LedgerEntry{
		ID:             uuid.NewString(),
		RetailerID:     req.RetailerID,
		WholesalerID:   req.WholesalerID,
		Type:           req.Type,
		Amount:         req.Amount,
		BalanceAfter:   newBalance,
		OrderID:        req.OrderID,
		ReversalOfID:   req.ReversalOf,
		DueDate:        req.DueDate,
		Creator:        req.Creator,
		PreviousHash:   prevHash,
		CreatedAt:      now,
	}
	entry.ContentHash = contentHash(entry)

	if err := tx.Create(entry).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "insert ledger entry", err)
	}

	if err := adjustUsedCredit(tx, req.RetailerID, delta); err != nil {
		return nil, err
	}

	return entry, nil
}

// resolveSign determines the +1/-1 direction a given append applies to the
// running balance, per §4.5: "DEBIT=+, CREDIT=−, ADJUSTMENT=signed,
// REVERSAL=opposite of the referenced entry".
func resolveSign(tx *gorm.DB, req AppendRequest) (int, error) {
	switch req.Type {
	case store.LedgerDebit:
		return 1, nil
	case store.LedgerCredit:
		return -1, nil
	case store.LedgerAdjustment:
		if req.AdjustmentSign == 0 {
			return 0, apperr.New(apperr.InvalidInput, "adjustment requires an explicit sign")
		}
		if req.AdjustmentSign > 0 {
			return 1, nil
		}
		return -1, nil
	case store.LedgerReversal:
		if req.ReversalOf == nil {
			return 0, apperr.New(apperr.InvalidInput, "reversal requires reversal_of entry id")
		}
		var referenced store.LedgerEntry
		if err := tx.First(&referenced, "id = ?", *req.ReversalOf).Error; err != nil {
			return 0, apperr.Wrap(apperr.Internal, "load entry being reversed", err)
		}
		if referenced.Type == store.LedgerReversal {
			return 0, apperr.New(apperr.InvalidInput, "cannot reverse a reversal")
		}
		if referenced.Type == store.LedgerAdjustment {
			// An ADJUSTMENT stores no sign; recover it from its balance move.
			before := decimal.Zero
			if referenced.PreviousHash != nil {
				var prior store.LedgerEntry
				if err := tx.First(&prior, "retailer_id = ? AND wholesaler_id = ? AND content_hash = ?",
					referenced.RetailerID, referenced.WholesalerID, *referenced.PreviousHash).Error; err != nil {
					return 0, apperr.Wrap(apperr.Internal, "load entry preceding reversed adjustment", err)
				}
				before = prior.BalanceAfter
			}
			if referenced.BalanceAfter.GreaterThan(before) {
				return -1, nil
			}
			return 1, nil
		}
		baseReq := AppendRequest{Type: referenced.Type, AdjustmentSign: 1}
		baseSign, err := resolveSign(tx, baseReq)
		if err != nil {
			return 0, err
		}
		return -baseSign, nil
	default:
		return 0, apperr.Newf(apperr.InvalidInput, "unknown ledger entry type %q", req.Type)
	}
}

// contentHash computes H(type‖amount‖orderId‖prev-hash‖created-at) using
// Keccak256, the same hash primitive the teacher's ethereum dependency
// exists to provide.
func contentHash(e *store.LedgerEntry) string {
	orderID := ""
	if e.OrderID != nil {
		orderID = *e.OrderID
	}
	prevHash := ""
	if e.PreviousHash != nil {
		prevHash = *e.PreviousHash
	}
	payload := fmt.Sprintf("%s|%s|%s|%s|%d", e.Type, e.Amount.String(), orderID, prevHash, e.CreatedAt.UnixNano())
	return crypto.Keccak256Hash([]byte(payload)).Hex()
}

func checkNotPaused(tx *gorm.DB, retailerID, wholesalerID string) error {
	var override store.RetailerWholesalerCredit
	err := tx.Where("retailer_id = ? AND wholesaler_id = ?", retailerID, wholesalerID).First(&override).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load retailer-wholesaler credit override", err)
	}
	if !override.Active {
		reason := override.BlockReason
		if reason == "" {
			reason = "credit relationship inactive"
		}
		return apperr.New(apperr.CreditPaused, reason)
	}
	return nil
}

// effectiveLimit resolves the per-pair override limit if present, else the
// retailer's CreditAccount limit (§4.5).
func effectiveLimit(tx *gorm.DB, retailerID, wholesalerID string) (decimal.Decimal, error) {
	var override store.RetailerWholesalerCredit
	err := tx.Where("retailer_id = ? AND wholesaler_id = ?", retailerID, wholesalerID).First(&override).Error
	if err == nil && override.CreditLimit != nil {
		return *override.CreditLimit, nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return decimal.Zero, apperr.Wrap(apperr.Internal, "load credit override", err)
	}

	var account store.CreditAccount
	if err := tx.First(&account, "retailer_id = ?", retailerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return decimal.Zero, apperr.Newf(apperr.Internal, "no credit account for retailer %s", retailerID)
		}
		return decimal.Zero, apperr.Wrap(apperr.Internal, "load credit account", err)
	}
	return account.CreditLimit, nil
}

// adjustUsedCredit keeps the retailer's aggregate CreditAccount.UsedCredit
// roughly in sync with the signed delta just applied to a pair's chain.
// The per-pair chain balance remains the source of truth for the
// CREDIT_LIMIT_EXCEEDED decision in Append; this is bookkeeping for
// retailer-level reporting, never allowed to go negative.
func adjustUsedCredit(tx *gorm.DB, retailerID string, delta decimal.Decimal) error {
	var account store.CreditAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "retailer_id = ?", retailerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return apperr.Wrap(apperr.Internal, "lock credit account", err)
	}
	newUsed := account.UsedCredit.Add(delta)
	if newUsed.LessThan(decimal.Zero) {
		newUsed = decimal.Zero
	}
	return tx.Model(&store.CreditAccount{}).Where("retailer_id = ?", retailerID).
		Update("used_credit", newUsed).Error
}

// ChainMismatch describes one broken link found by VerifyChain.
type ChainMismatch struct {
	EntryID string
	Reason  string
}

// VerifyChain walks the (retailer, wholesaler) chain in insertion order and
// confirms each previous-hash matches the prior entry's content-hash, and
// that the final balance-after equals the signed sum of all entries (§4.5,
// §8). Used by the daily reconciliation worker (C8).
func VerifyChain(tx *gorm.DB, retailerID, wholesalerID string) ([]ChainMismatch, error) {
	var entries []store.LedgerEntry
	if err := tx.Where("retailer_id = ? AND wholesaler_id = ?", retailerID, wholesalerID).
		Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load ledger chain", err)
	}

	var mismatches []ChainMismatch
	var prevHash *string
	running := decimal.Zero

	for _, e := range entries {
		if (prevHash == nil) != (e.PreviousHash == nil) || (prevHash != nil && e.PreviousHash != nil && *prevHash != *e.PreviousHash) {
			mismatches = append(mismatches, ChainMismatch{EntryID: e.ID, Reason: "previous-hash does not match prior entry's content-hash"})
		}

		sign, verifiable, err := signOfStored(tx, e)
		switch {
		case err != nil:
			mismatches = append(mismatches, ChainMismatch{EntryID: e.ID, Reason: err.Error()})
			running = e.BalanceAfter
		case !verifiable:
			// Sign genuinely isn't recoverable from stored data for this
			// type (ADJUSTMENT); trust BalanceAfter as the new baseline so
			// this entry's ambiguity doesn't cascade into false mismatches
			// on every entry after it.
			running = e.BalanceAfter
		default:
			delta := e.Amount
			if sign < 0 {
				delta = e.Amount.Neg()
			}
			running = running.Add(delta)
			if !running.Equal(e.BalanceAfter) {
				mismatches = append(mismatches, ChainMismatch{EntryID: e.ID, Reason: "balance-after does not match recomputed running sum"})
			}
		}

		h := e.ContentHash
		prevHash = &h
	}

	return mismatches, nil
}

// signOfStored re-derives an already-persisted entry's sign. DEBIT/CREDIT
// carry it in Type alone. REVERSAL carries it indirectly via ReversalOfID:
// its sign is the opposite of whatever the reversed entry's own sign was,
// the same rule resolveSign applies at append time. ADJUSTMENT has no
// stored field recording which direction it moved the balance, so its sign
// is reported unverifiable rather than guessed.
func signOfStored(tx *gorm.DB, e store.LedgerEntry) (sign int, verifiable bool, err error) {
	switch e.Type {
	case store.LedgerDebit:
		return 1, true, nil
	case store.LedgerCredit:
		return -1, true, nil
	case store.LedgerReversal:
		if e.ReversalOfID == nil {
			return 0, false, fmt.Errorf("reversal entry %s missing reversal_of reference", e.ID)
		}
		var referenced store.LedgerEntry
		if err := tx.First(&referenced, "id = ?", *e.ReversalOfID).Error; err != nil {
			return 0, false, fmt.Errorf("load entry reversed by %s: %w", e.ID, err)
		}
		baseSign, baseVerifiable, err := signOfStored(tx, referenced)
		if err != nil {
			return 0, false, err
		}
		if !baseVerifiable {
			return 0, false, nil
		}
		return -baseSign, true, nil
	case store.LedgerAdjustment:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("unknown ledger entry type %s", e.Type)
	}
}
