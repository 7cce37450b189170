package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/oakridge-systems/signalpipeline/types"
)

// ruleDoc is the on-disk YAML shape; yaml.v3's KnownFields-equivalent
// strictness is enforced in NewAccessor by decoding through
// yaml.Decoder.KnownFields(true), rejecting unknown keys at load time per
// spec.md §9's "dynamic dict-shaped config" redesign note.
type ruleDoc struct {
	Presets map[string]map[string]ruleEntry `yaml:"presets"`
}

type ruleEntry struct {
	RSIBuyBelow        float64 `yaml:"rsi_buy_below"`
	RSISellAbove       float64 `yaml:"rsi_sell_above"`
	RequireMA200       bool    `yaml:"require_ma200"`
	RequireMAReversal  bool    `yaml:"require_ma_reversal"`
	VolumeMinRatio     float64 `yaml:"volume_min_ratio"`
	MinPriceChangePct  float64 `yaml:"min_price_change_pct"`
	AlertCooldownMin   int     `yaml:"alert_cooldown_minutes"`
	ATRMultSL          float64 `yaml:"atr_mult_sl"`
	FixedPctSL         float64 `yaml:"fixed_pct_sl"`
	RiskReward         float64 `yaml:"risk_reward"`
	RSICrossUpRequired bool    `yaml:"rsi_cross_up_required"`
	RSICrossUpFloor    float64 `yaml:"rsi_cross_up_floor"`
	RSICrossUpCandles  int     `yaml:"rsi_cross_up_candles"`
}

// Accessor is the single reader of the strategy-rules document, shared by
// UI and runtime reads per spec.md §6. Construct with NewAccessor; callers
// never parse the YAML file themselves.
type Accessor struct {
	rules map[string]map[string]types.StrategyRules
}

// NewAccessor loads and validates the strategy-rules document at path.
// Unknown keys fail the load rather than being silently ignored.
func NewAccessor(path string) (*Accessor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open strategy rules %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var doc ruleDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse strategy rules %s: %w", path, err)
	}

	a := &Accessor{rules: make(map[string]map[string]types.StrategyRules)}
	for preset, modes := range doc.Presets {
		a.rules[preset] = make(map[string]types.StrategyRules)
		for mode, e := range modes {
			a.rules[preset][mode] = types.StrategyRules{
				Preset:             preset,
				RiskMode:           mode,
				RSIBuyBelow:        decimal.NewFromFloat(e.RSIBuyBelow),
				RSISellAbove:       decimal.NewFromFloat(e.RSISellAbove),
				RequireMA200:       e.RequireMA200,
				RequireMAReversal:  e.RequireMAReversal,
				VolumeMinRatio:     decimal.NewFromFloat(e.VolumeMinRatio),
				MinPriceChangePct:  decimal.NewFromFloat(e.MinPriceChangePct),
				AlertCooldownMin:   e.AlertCooldownMin,
				ATRMultSL:          decimal.NewFromFloat(e.ATRMultSL),
				FixedPctSL:         decimal.NewFromFloat(e.FixedPctSL),
				RiskReward:         decimal.NewFromFloat(e.RiskReward),
				RSICrossUpRequired: e.RSICrossUpRequired,
				RSICrossUpFloor:    decimal.NewFromFloat(e.RSICrossUpFloor),
				RSICrossUpCandles:  e.RSICrossUpCandles,
			}
		}
	}
	return a, nil
}

// Rules resolves a strategy_key of the form "preset/risk_mode" into its
// StrategyRules.
func (a *Accessor) Rules(strategyKey string) (types.StrategyRules, error) {
	preset, mode, err := splitStrategyKey(strategyKey)
	if err != nil {
		return types.StrategyRules{}, err
	}
	modes, ok := a.rules[preset]
	if !ok {
		return types.StrategyRules{}, fmt.Errorf("unknown strategy preset %q", preset)
	}
	rules, ok := modes[mode]
	if !ok {
		return types.StrategyRules{}, fmt.Errorf("unknown risk mode %q for preset %q", mode, preset)
	}
	return rules, nil
}

func splitStrategyKey(key string) (preset, mode string, err error) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed strategy_key %q, expected preset/risk_mode", key)
}
