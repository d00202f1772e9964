package keel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochValidity(t *testing.T) {
	assert.False(t, EpochInvalid.Valid())
	assert.True(t, EpochInitialDurable.Valid())
	assert.True(t, EpochInitialCurrent.Valid())
}

func TestEpochOneMore(t *testing.T) {
	assert.Equal(t, Epoch(3), Epoch(2).OneMore())

	// wrap skips the invalid value
	last := Epoch(math.MaxUint32)
	require.True(t, last.Valid())
	assert.Equal(t, Epoch(1), last.OneMore())
	assert.True(t, last.Before(last.OneMore()))
}

func TestEpochOrder(t *testing.T) {
	assert.True(t, Epoch(5).Before(Epoch(6)))
	assert.False(t, Epoch(6).Before(Epoch(5)))
	assert.False(t, Epoch(5).Before(Epoch(5)))
	assert.True(t, Epoch(6).After(Epoch(5)))

	// wrap-aware over the half range
	high := Epoch(math.MaxUint32 - 10)
	low := Epoch(100)
	assert.True(t, high.Before(low))
	assert.False(t, low.Before(high))
}

func TestMaxEpoch(t *testing.T) {
	assert.Equal(t, Epoch(7), MaxEpoch(Epoch(3), Epoch(7)))
	assert.Equal(t, Epoch(7), MaxEpoch(Epoch(7), Epoch(3)))
	assert.Equal(t, Epoch(7), MaxEpoch(EpochInvalid, Epoch(7)))
	assert.Equal(t, Epoch(7), MaxEpoch(Epoch(7), EpochInvalid))
	assert.Equal(t, EpochInvalid, MaxEpoch(EpochInvalid, EpochInvalid))
}
