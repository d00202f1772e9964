package keel

import "fmt"

// Epoch is the coarse logical clock that serializes transactions. It is a
// wrapping 32-bit counter; comparisons are only defined between epochs within
// half the value range of each other, which in practice means within the live
// window of the system.
type Epoch uint32

const (
	// EpochInvalid never identifies a real epoch. The zero value is invalid
	// on purpose so that forgotten initialization is caught early.
	EpochInvalid Epoch = 0
	// EpochInitialDurable is the durable epoch of a freshly created engine.
	EpochInitialDurable Epoch = 1
	// EpochInitialCurrent is the first epoch new transactions run in.
	EpochInitialCurrent Epoch = 2
)

// Valid reports whether e identifies a real epoch.
func (e Epoch) Valid() bool { return e != EpochInvalid }

// OneMore returns the successor epoch, skipping the invalid value on wrap.
func (e Epoch) OneMore() Epoch {
	next := Epoch(uint32(e) + 1)
	if next == EpochInvalid {
		next = Epoch(1)
	}
	return next
}

// Before reports whether e precedes other in wrap-aware order. Both epochs
// must be valid and within half the range of each other.
func (e Epoch) Before(other Epoch) bool {
	return int32(uint32(other)-uint32(e)) > 0
}

// After is the mirror of Before.
func (e Epoch) After(other Epoch) bool {
	return other.Before(e)
}

func (e Epoch) String() string {
	if !e.Valid() {
		return "Epoch(invalid)"
	}
	return fmt.Sprintf("Epoch(%d)", uint32(e))
}

// MaxEpoch returns the later of a and b in wrap-aware order, preferring the
// valid one when only one side is valid.
func MaxEpoch(a, b Epoch) Epoch {
	if !a.Valid() {
		return b
	}
	if !b.Valid() {
		return a
	}
	if a.Before(b) {
		return b
	}
	return a
}
