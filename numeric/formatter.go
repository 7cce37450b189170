// Package numeric quantizes prices and quantities to per-instrument tick
// sizes. Everything here operates on shopspring/decimal; binary floats never
// appear on this path.
package numeric

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction controls which way a raw value is pushed to land on a tick
// boundary.
type Direction int

const (
	RoundDown Direction = iota
	RoundUp
)

// ErrQuantityBelowMin is returned by NormalizeQuantity when the quantized
// result is smaller than the instrument's minimum tradable quantity.
type ErrQuantityBelowMin struct {
	Quantized decimal.Decimal
	MinQty    decimal.Decimal
}

func (e ErrQuantityBelowMin) Error() string {
	return fmt.Sprintf("quantity %s below minimum %s", e.Quantized, e.MinQty)
}

// NormalizePrice quantizes raw to a multiple of tick in the given direction
// and formats it as a canonical decimal string with exactly decimals digits
// (trailing zeros preserved, no scientific notation, no thousands
// separators).
func NormalizePrice(raw, tick decimal.Decimal, direction Direction, decimals int32) string {
	return quantize(raw, tick, direction).StringFixed(decimals)
}

// NormalizePriceDecimal is NormalizePrice without the final string
// formatting step, for callers that need to keep computing on the value
// (e.g. the Protection Manager comparing SL/TP against the fill price).
func NormalizePriceDecimal(raw, tick decimal.Decimal, direction Direction) decimal.Decimal {
	return quantize(raw, tick, direction)
}

// NormalizeQuantity quantizes raw to a multiple of step, always rounding
// down, and fails if the result is below minQty.
func NormalizeQuantity(raw, step, minQty decimal.Decimal, decimals int32) (string, error) {
	q := quantize(raw, step, RoundDown)
	if q.LessThan(minQty) {
		return "", ErrQuantityBelowMin{Quantized: q, MinQty: minQty}
	}
	return q.StringFixed(decimals), nil
}

// quantize pushes raw to the nearest multiple of tick in the requested
// direction. A raw value exactly on a tick multiple returns itself,
// regardless of direction (spec boundary behavior).
func quantize(raw, tick decimal.Decimal, direction Direction) decimal.Decimal {
	if tick.IsZero() {
		return raw
	}
	ratio := raw.Div(tick)
	var steps decimal.Decimal
	switch direction {
	case RoundUp:
		steps = ratio.Ceil()
	default:
		steps = ratio.Floor()
	}
	return steps.Mul(tick)
}

// TriggerDirection indicates which comparator a trigger condition uses.
type TriggerDirection int

const (
	TriggerGTE TriggerDirection = iota
	TriggerLTE
)

// FormatTriggerCondition emits a canonical condition string, e.g.
// ">= 2984.41" for a TP on a long, "<= 2659.37" for an SL on a long. variant
// selects among the spacing/comparator forms exchanges have been observed to
// require on retry (see placer's submitWithFormattingRetry).
func FormatTriggerCondition(dir TriggerDirection, price string, variant int) string {
	comparator := map[TriggerDirection][]string{
		TriggerGTE: {">= ", ">=", "gte:"},
		TriggerLTE: {"<= ", "<=", "lte:"},
	}[dir]
	idx := variant
	if idx < 0 || idx >= len(comparator) {
		idx = 0
	}
	return comparator[idx] + price
}

// VariantCount is the number of distinct formatting variants
// FormatTriggerCondition can produce. The Order Placer's single retry uses
// variant 1 directly and does not consult this constant.
const VariantCount = 3

// EntryRounding returns the rounding direction for an entry LIMIT order per
// the table in spec.md §4.7.
func EntryRounding(side string) Direction {
	if side == "SELL" {
		return RoundUp
	}
	return RoundDown
}

// ProtectionRounding returns the rounding direction for a protection order
// (role STOP_LOSS or TAKE_PROFIT) given the entry side it closes out, per
// spec.md §4.7's table. entrySide is the side of the position being
// protected ("BUY" for a long, "SELL" for a short).
func ProtectionRounding(entrySide string, role string) Direction {
	buySideClose := entrySide == "BUY"
	switch role {
	case "STOP_LOSS":
		if buySideClose {
			return RoundDown
		}
		return RoundUp
	case "TAKE_PROFIT":
		if buySideClose {
			return RoundUp
		}
		return RoundDown
	default:
		return RoundDown
	}
}
