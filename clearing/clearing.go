// Package clearing resolves which checkpoint source is authoritative
// for a given auction phase. While the auction is in progress the
// on-chain checkpoint reflects real-time consensus state; once it
// ends (or before it starts) the contract stops emitting updates and
// the backend-simulated checkpoint is the only trustworthy source.
// The two must never be blended: mixing sources makes the in-range
// determination inconsistent with the price shown elsewhere.
package clearing

import (
	"math/big"

	"github.com/toucanlabs/auction-client/auction"
)

// Pick returns the authoritative checkpoint for the phase, or nil when
// none exists yet. Callers deriving several values for one display must
// draw all of them from the returned checkpoint.
func Pick(phase auction.Phase, onchain, simulated *auction.Checkpoint) *auction.Checkpoint {
	if phase == auction.PhaseInProgress {
		return onchain
	}
	return simulated
}

// Resolve returns the clearing price for the phase, or a zero sentinel
// when no authoritative checkpoint exists yet.
func Resolve(phase auction.Phase, onchain, simulated *auction.Checkpoint) *big.Int {
	cp := Pick(phase, onchain, simulated)
	if cp == nil || cp.ClearingPrice == nil {
		return big.NewInt(0)
	}
	return cp.ClearingPrice
}
