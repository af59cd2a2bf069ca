package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifierSubstrings(t *testing.T) {
	tests := []struct {
		text string
		code string
	}{
		{"Transaction failed: Invalid root provided", ErrRootMismatch},
		{"merkle ROOT out of date", ErrRootMismatch},
		{"root mismatch at slot 5", ErrRootMismatch},
		{"nullifier already exists", ErrNullifierUsed},
		{"Nullifier was used before", ErrNullifierUsed},
		{"insufficient lamports for rent", ErrInsufficientBalance},
		{"Account not found", ErrInsufficientBalance},
		{"connection reset by peer", ErrRelayerUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := Classify(fmt.Errorf("%s", tt.text))
			assert.Equal(t, tt.code, got.Code)
		})
	}
}

func TestClassifyPreservesEngineErrors(t *testing.T) {
	orig := newError(KindValidation, ErrInvalidAmount, "bad", nil)
	wrapped := fmt.Errorf("outer: %w", orig)
	assert.Equal(t, ErrInvalidAmount, Classify(wrapped).Code)
}

func TestNullifierSniffNeedsBothHalves(t *testing.T) {
	// "nullifier" alone is not enough.
	got := Classify(errors.New("nullifier account pending"))
	assert.Equal(t, ErrRelayerUnreachable, got.Code)
}

func TestRetriablePolicy(t *testing.T) {
	assert.True(t, retriable(newError(KindTransaction, ErrRootMismatch, "", nil)))
	assert.True(t, retriable(newError(KindValidation, ErrNoSpendableNotes, "", nil)),
		"no spendable notes retries because the relayer may be mid-index")
	assert.True(t, retriable(newError(KindNetwork, ErrRelayerUnreachable, "", nil)))

	assert.False(t, retriable(newError(KindTransaction, ErrNullifierUsed, "", nil)))
	assert.False(t, retriable(newError(KindValidation, ErrInvalidAmount, "", nil)))
	assert.False(t, retriable(newError(KindValidation, ErrInvalidAddress, "", nil)))
	assert.False(t, retriable(newError(KindTransaction, ErrInvalidState, "", nil)))
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	e := newError(KindProof, ErrWitnessFailed, "witness assembly failed", cause)
	assert.Contains(t, e.Error(), "WITNESS_FAILED")
	assert.Contains(t, e.Error(), "boom")
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, ErrWitnessFailed, CodeOf(e))
	assert.Equal(t, "", CodeOf(errors.New("foreign")))
}
