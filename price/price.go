package price

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Q96 prices encode the raw bid-token amount paid per raw auction-token
// unit, scaled by 2^96. All arithmetic stays on big integers; decimals
// appear only at the display edge, never in comparisons or validity
// checks.

// q96Shift is the fixed-point scale of Q96 prices.
const q96Shift = 96

// decimalDivPrecision is the digit count kept when dividing out the
// 2^96 scale for display. 2^96 has 29 decimal digits, so this keeps
// full information for any realistic token decimal spread.
const decimalDivPrecision = 40

var (
	// ErrNegativePrice indicates a negative Q96 value, which the
	// encoding doesn't admit.
	ErrNegativePrice = errors.New("price cannot be negative")

	two96 = new(big.Int).Lsh(big.NewInt(1), q96Shift)
)

// ToDecimal converts a Q96 price into the human price of one whole
// auction token expressed in whole bid tokens.
func ToDecimal(q96 *big.Int, bidTokenDecimals, auctionTokenDecimals uint8) decimal.Decimal {
	if q96 == nil || q96.Sign() == 0 {
		return decimal.Zero
	}
	// q96 / 2^96 * 10^(auctionDecimals-bidDecimals)
	num := decimal.NewFromBigInt(new(big.Int).Set(q96), int32(auctionTokenDecimals)-int32(bidTokenDecimals))
	den := decimal.NewFromBigInt(two96, 0)
	return num.DivRound(den, decimalDivPrecision)
}

// FromDecimal converts a human price (whole bid tokens per whole
// auction token) into its Q96 encoding, rounding to the nearest
// representable value. Decimal round-tripping loses precision, so
// callers must snap the result onto the tick grid before using it.
func FromDecimal(d decimal.Decimal, bidTokenDecimals, auctionTokenDecimals uint8) (*big.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativePrice
	}
	scaled := d.Mul(decimal.NewFromBigInt(two96, 0)).Shift(int32(bidTokenDecimals) - int32(auctionTokenDecimals))
	return scaled.Round(0).BigInt(), nil
}

// ComputeFdv returns the fully-diluted valuation in raw bid-token
// units: the total supply priced at the given Q96 price. Under the
// raw-per-raw Q96 convention the two token-decimal adjustments cancel,
// so only the 2^96 scale is divided out.
func ComputeFdv(priceQ96, totalSupplyRaw *big.Int) *big.Int {
	if priceQ96 == nil || totalSupplyRaw == nil {
		return big.NewInt(0)
	}
	fdv := new(big.Int).Mul(totalSupplyRaw, priceQ96)
	return fdv.Rsh(fdv, q96Shift)
}
