package kernel

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeSection parses cfg[name] into out via mapstructure, matching
// the "parse once into a typed, per-kernel configuration record at
// initialize time" design note. Returns a ConfigError-shaped error on
// the first missing section or decode failure.
func decodeSection(cfg map[string]any, name string, out any) error {
	section, err := configSection(cfg, name)
	if err != nil {
		return err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: false,
		Result:      out,
		TagName:     "config",
	})
	if err != nil {
		return fmt.Errorf("config: build decoder for %q: %w", name, err)
	}
	if err := decoder.Decode(section); err != nil {
		return fmt.Errorf("config: decode %q: %w", name, err)
	}
	return nil
}

// TradingConfig is the `trading` section common to every kernel.
type TradingConfig struct {
	Symbol           string `config:"symbol"`
	Side             string `config:"side"`
	Leverage         int    `config:"leverage"`
	ReconcileOnStart string `config:"reconcileOnStart"`
}

func decodeTradingConfig(cfg map[string]any) (TradingConfig, error) {
	var tc TradingConfig
	if err := decodeSection(cfg, "trading", &tc); err != nil {
		return TradingConfig{}, err
	}
	if tc.Symbol == "" {
		return TradingConfig{}, fmt.Errorf("config: trading.symbol is required")
	}
	if tc.Side != "long" && tc.Side != "short" {
		return TradingConfig{}, fmt.Errorf("config: trading.side must be long or short")
	}
	return tc, nil
}

// MartingaleConfig is the `martingale` + `trigger` sections.
type MartingaleConfig struct {
	InitialPosition  float64 `config:"initialPosition"`
	Multiplier       float64 `config:"multiplier"`
	MaxAdditions     int     `config:"maxAdditions"`
	PriceDropPercent float64 `config:"priceDropPercent"`
	StartImmediately bool    `config:"startImmediately"`
}

// DCAConfig is the `dca` section.
type DCAConfig struct {
	IntervalSeconds int     `config:"intervalSeconds"`
	Notional        float64 `config:"notional"`
	PriceCeiling    float64 `config:"priceCeiling"`
	MaxInvestment   float64 `config:"maxInvestment"`
}

// GridConfig is the `grid` section.
type GridConfig struct {
	PriceLow     float64 `config:"priceLow"`
	PriceHigh    float64 `config:"priceHigh"`
	Levels       int     `config:"levels"`
	UnitNotional float64 `config:"unitNotional"`
}

// TrendConfig is the `trend` section.
type TrendConfig struct {
	FastWindow int     `config:"fastWindow"`
	SlowWindow int     `config:"slowWindow"`
	Notional   float64 `config:"notional"`
}

// MeanReversionConfig is the `meanReversion` section.
type MeanReversionConfig struct {
	Window       int     `config:"window"`
	DeviationPct float64 `config:"deviationPct"`
	Notional     float64 `config:"notional"`
}

// MLConfig is the `ml` section.
type MLConfig struct {
	ConfidenceThreshold   float64 `config:"confidenceThreshold"`
	RetrainIntervalBars   int     `config:"retrainIntervalBars"`
	BufferSize            int     `config:"bufferSize"`
	Notional              float64 `config:"notional"`
	TreeCount             int     `config:"treeCount"`
}

// LLMConfig is the `llm` section.
type LLMConfig struct {
	ConfidenceThreshold float64 `config:"confidenceThreshold"`
	CallIntervalSeconds int     `config:"callIntervalSeconds"`
	Notional            float64 `config:"notional"`
}
