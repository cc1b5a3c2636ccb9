package ticks

import "math/big"

// Grid is the auction's price grid: valid prices are Floor + n*Size
// for integer n >= 0, except bids, which must land strictly above the
// clearing price and therefore snap against the Clearing + Size anchor.
type Grid struct {
	Floor    *big.Int // Q96
	Clearing *big.Int // Q96
	Size     *big.Int // Q96, > 0 on a usable grid
}

// usable reports whether snapping is possible at all. A zero or absent
// tick size makes snapping a no-op, never a division by zero.
func (g Grid) usable() bool {
	return g.Size != nil && g.Size.Sign() > 0
}

// Snap returns the grid price nearest to value, anchored at the floor.
// Returns nil when the grid is unusable or inputs are absent.
func (g Grid) Snap(value *big.Int) *big.Int {
	return g.snap(value, g.Floor)
}

// SnapAboveClearing returns the valid bid price nearest to value.
// Contract rules require bids strictly above the clearing price, so
// the grid is anchored one tick above it. Returns nil when the grid is
// unusable or inputs are absent.
func (g Grid) SnapAboveClearing(value *big.Int) *big.Int {
	anchor := g.MinValidBid()
	if anchor == nil {
		return nil
	}
	return g.snap(value, anchor)
}

// MinValidBid returns the lowest price a bid may carry: one tick above
// the clearing price. Returns nil when the grid is unusable.
func (g Grid) MinValidBid() *big.Int {
	if !g.usable() || g.Clearing == nil {
		return nil
	}
	return new(big.Int).Add(g.Clearing, g.Size)
}

// SnapGrouped snaps value onto a coarser grid whose spacing is
// groupSizeTicks ticks. Used only for coarser display placement; the
// value submitted on-chain must come from Snap or SnapAboveClearing
// unless the caller explicitly wants grouped snapping.
func (g Grid) SnapGrouped(value *big.Int, groupSizeTicks int64) *big.Int {
	if !g.usable() || groupSizeTicks <= 0 {
		return nil
	}
	group := Grid{
		Floor:    g.Floor,
		Clearing: g.Clearing,
		Size:     new(big.Int).Mul(g.Size, big.NewInt(groupSizeTicks)),
	}
	return group.snap(value, group.Floor)
}

// snap computes n = round((value-anchor)/size), clamps n >= 0 and
// returns anchor + n*size. Rounding is half-up on the tick midpoint.
func (g Grid) snap(value, anchor *big.Int) *big.Int {
	if !g.usable() || anchor == nil {
		return nil
	}
	if value == nil || value.Cmp(anchor) <= 0 {
		return new(big.Int).Set(anchor)
	}
	delta := new(big.Int).Sub(value, anchor)
	// Half-up rounding: n = (delta + size/2) / size.
	half := new(big.Int).Rsh(g.Size, 1)
	n := delta.Add(delta, half)
	n.Div(n, g.Size)
	n.Mul(n, g.Size)
	return n.Add(n, anchor)
}
