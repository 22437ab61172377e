package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/oracle"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// LLMSignal formats a factor summary from recent price action into a
// prompt, calls an external text-completion oracle no more often than
// callIntervalSeconds, and trades when the returned confidence clears
// confidenceThreshold. A malformed oracle response is reported as a
// recoverable error; no trade is emitted for that tick.
type LLMSignal struct {
	trading   TradingConfig
	cfg       LLMConfig
	predictor oracle.Predictor
	lastCall  time.Time
}

// NewLLMSignal wires an already-constructed predictor (an
// oracle.LLMPredictor in production, a stub in tests) into the kernel.
func NewLLMSignal(predictor oracle.Predictor) *LLMSignal {
	return &LLMSignal{predictor: predictor}
}

func (k *LLMSignal) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg LLMConfig
	if err := decodeSection(sc.Config, "llm", &cfg); err != nil {
		return err
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: llm.confidenceThreshold must be in (0, 1]")
	}
	if cfg.CallIntervalSeconds <= 0 {
		return fmt.Errorf("config: llm.callIntervalSeconds must be positive")
	}
	if cfg.Notional <= 0 {
		return fmt.Errorf("config: llm.notional must be positive")
	}
	if k.predictor == nil {
		return fmt.Errorf("config: llm kernel requires a predictor")
	}
	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	k.trading = trading
	k.cfg = cfg
	k.lastCall = time.Time{}
	return nil
}

func (k *LLMSignal) RunOnce(ctx context.Context, sc *StrategyContext) error {
	now := sc.now()
	if !k.lastCall.IsZero() && now.Sub(k.lastCall) < time.Duration(k.cfg.CallIntervalSeconds)*time.Second {
		return nil
	}

	bars, err := sc.Adapter.FetchBars(ctx, k.trading.Symbol, market.Timeframe1h, 30)
	if err != nil {
		return Recoverable(err)
	}
	if len(bars) < 20 {
		return nil
	}

	features := map[string]float64{
		"sma_fast":   market.SMA(bars, 10),
		"sma_slow":   market.SMA(bars, 20),
		"rsi":        market.RSI(bars, 14),
		"macd":       market.MACD(bars),
		"return":     market.PctChange(bars, 1),
		"volatility": market.StdDev(bars, 14),
	}

	prediction, err := k.predictor.Predict(ctx, features)
	k.lastCall = now
	if err != nil {
		return Recoverable(err)
	}
	if prediction.Confidence < k.cfg.ConfidenceThreshold {
		return nil
	}

	pos := sc.Position()
	switch prediction.Direction {
	case oracle.DirectionLong:
		if pos != nil {
			return nil
		}
		action := risk.ProposedAction{Kind: risk.ActionOpen, Side: sideOf("long"), Symbol: k.trading.Symbol, Notional: k.cfg.Notional}
		return nilOrRecoverable(sc.RequestTrade(ctx, action))
	case oracle.DirectionShort:
		if pos != nil {
			return nil
		}
		action := risk.ProposedAction{Kind: risk.ActionOpen, Side: sideOf("short"), Symbol: k.trading.Symbol, Notional: k.cfg.Notional}
		return nilOrRecoverable(sc.RequestTrade(ctx, action))
	default:
		return nil
	}
}

func (k *LLMSignal) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error {
	return nil
}

func (k *LLMSignal) OnTrade(trade TradeInfo) {}
