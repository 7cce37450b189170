// Package signal computes a candidate Signal from a market snapshot and a
// strategy's rules. Indicator mathematics (RSI, EMA, MA) are assumed
// available from the market-data provider; this package only evaluates the
// stable, ordered rule set spec.md §4.2 names.
package signal

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/types"
)

// Evaluate computes a Signal for symbol given its latest snapshot, the
// resolved strategy rules, and an optional manual override. rsiHistory is
// the last N RSI readings (most recent last), consulted only when the rules
// require RSI-cross-up evidence; callers that don't track history may pass
// nil, in which case the cross-up check is treated as unmet.
func Evaluate(snapshot types.MarketSnapshot, rules types.StrategyRules, manualOverride *types.Side, rsiHistory []decimal.Decimal) types.Signal {
	b := types.NewSignal(snapshot.Symbol).At(snapshot.Timestamp)

	if manualOverride != nil {
		b.Side(*manualOverride).Reason(fmt.Sprintf("MANUAL_OVERRIDE_%s", *manualOverride))
		return b.Build()
	}

	if snapshot.RSI == nil {
		b.Reason("MISSING_INDICATOR_RSI")
		return b.Build()
	}
	if rules.RequireMA200 && snapshot.MA200 == nil {
		b.Reason("MISSING_INDICATOR_MA200")
		return b.Build()
	}
	if rules.RequireMAReversal && (snapshot.MA50 == nil || snapshot.EMA10 == nil) {
		b.Reason("MISSING_INDICATOR_MA_REVERSAL")
		return b.Build()
	}
	if snapshot.Volume == nil || snapshot.AvgVolume == nil || snapshot.AvgVolume.IsZero() {
		b.Reason("MISSING_INDICATOR_VOLUME")
		return b.Build()
	}

	volumeRatio := snapshot.Volume.Div(*snapshot.AvgVolume)
	volumeOK := volumeRatio.GreaterThanOrEqual(rules.VolumeMinRatio)

	if evaluateBuy(snapshot, rules, volumeOK, rsiHistory, b) {
		return b.Build()
	}
	if evaluateSell(snapshot, rules, volumeOK, b) {
		return b.Build()
	}

	b.Reason("NO_SIGNAL_CONDITIONS_MET")
	return b.Build()
}

func evaluateBuy(snapshot types.MarketSnapshot, rules types.StrategyRules, volumeOK bool, rsiHistory []decimal.Decimal, b *types.Builder) bool {
	if !snapshot.RSI.LessThan(rules.RSIBuyBelow) {
		return false
	}
	b.Reason(fmt.Sprintf("RSI_BELOW_%s", rules.RSIBuyBelow.String()))

	if rules.RequireMA200 {
		if !snapshot.Price.GreaterThan(*snapshot.MA200) {
			b.Reason("PRICE_BELOW_MA200_BLOCKED")
			return false
		}
		b.Reason("PRICE_ABOVE_MA200")
	}

	if !volumeOK {
		b.Reason("VOLUME_RATIO_INSUFFICIENT")
		return false
	}
	b.Reason("VOLUME_RATIO_CONFIRMED")

	if rules.RSICrossUpRequired {
		if !rsiCrossedUp(rsiHistory, rules.RSICrossUpFloor, rules.RSICrossUpCandles) {
			b.Reason("RSI_CROSS_UP_NOT_CONFIRMED")
			return false
		}
		b.Reason("RSI_CROSS_UP_CONFIRMED")
	}

	b.Side(types.SideBuy)
	return true
}

func evaluateSell(snapshot types.MarketSnapshot, rules types.StrategyRules, volumeOK bool, b *types.Builder) bool {
	if !snapshot.RSI.GreaterThan(rules.RSISellAbove) {
		return false
	}
	b.Reason(fmt.Sprintf("RSI_ABOVE_%s", rules.RSISellAbove.String()))

	if rules.RequireMAReversal {
		fiftyBelowEma := decimal.NewFromFloat(0.995)
		reversal := snapshot.MA50.LessThan(snapshot.EMA10.Mul(fiftyBelowEma))
		altReversal := snapshot.MA10w != nil && snapshot.Price.LessThan(*snapshot.MA10w)
		if !reversal && !altReversal {
			b.Reason("MA_REVERSAL_NOT_CONFIRMED")
			return false
		}
		b.Reason("MA_REVERSAL_CONFIRMED")
	}

	if !volumeOK {
		b.Reason("VOLUME_RATIO_INSUFFICIENT")
		return false
	}
	b.Reason("VOLUME_RATIO_CONFIRMED")

	b.Side(types.SideSell)
	return true
}

// rsiCrossedUp reports whether RSI re-entered above floor at any point in
// the last n readings, after having been at or below it earlier in the
// window.
func rsiCrossedUp(history []decimal.Decimal, floor decimal.Decimal, n int) bool {
	if len(history) < 2 || n <= 0 {
		return false
	}
	window := history
	if len(window) > n {
		window = window[len(window)-n:]
	}
	wasBelow := false
	for _, v := range window {
		if v.LessThanOrEqual(floor) {
			wasBelow = true
			continue
		}
		if wasBelow && v.GreaterThan(floor) {
			return true
		}
	}
	return false
}
