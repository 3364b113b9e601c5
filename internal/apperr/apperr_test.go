package apperr

import (
	"fmt"
	"testing"

	goerrors "errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CarriesCodeAndMessage(t *testing.T) {
	err := New(InsufficientStock, "not enough widgets")
	assert.Equal(t, "INSUFFICIENT_STOCK: not enough widgets", err.Error())
	assert.Equal(t, InsufficientStock, err.Code)
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf(InvalidTransition, "cannot move from %s to %s", "CREATED", "DELIVERED")
	assert.Contains(t, err.Error(), "CREATED")
	assert.Contains(t, err.Error(), "DELIVERED")
}

func TestWrap_PreservesCauseInErrorString(t *testing.T) {
	cause := goerrors.New("connection refused")
	err := Wrap(Internal, "dial database", cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "dial database")
}

func TestUnwrap_ReturnsCause(t *testing.T) {
	cause := goerrors.New("boom")
	err := Wrap(Internal, "op failed", cause)
	require.ErrorIs(t, err, cause)
}

func TestCodeOf_ExtractsCodeFromWrappedError(t *testing.T) {
	err := fmt.Errorf("append ledger entry: %w", New(CreditLimitExceeded, "over limit"))
	assert.Equal(t, CreditLimitExceeded, CodeOf(err))
}

func TestCodeOf_DefaultsToInternalForPlainError(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(goerrors.New("some plain error")))
}

func TestCodeOf_NilIsInternal(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(nil))
}

func TestIs_MatchesAndMismatches(t *testing.T) {
	err := New(TerminalState, "already terminal")
	assert.True(t, Is(err, TerminalState))
	assert.False(t, Is(err, TransientTx))
}

func TestWithDetail_AttachesAndReturnsSameError(t *testing.T) {
	err := New(InsufficientStock, "shortfall")
	detail := map[string]int{"P1": 3}
	returned := err.WithDetail(detail)
	assert.Same(t, err, returned)
	assert.Equal(t, detail, err.Detail)
}
