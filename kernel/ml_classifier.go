package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/oracle"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// trainWindow is how many trailing bars are fetched to build the
// training set each time the model retrains.
const trainWindow = 200

// forecastHorizon is how many bars ahead a training sample's label
// looks, to decide whether that bar's feature vector preceded a rise
// or a fall.
const forecastHorizon = 3

// MLClassifier trades on the direction predicted by a bagged
// decision-tree forest, built from a fixed technical feature vector.
// A still-usable model is retained across retrains: a new forest only
// replaces the active one once training completes successfully.
type MLClassifier struct {
	trading TradingConfig
	cfg     MLConfig

	mu           sync.Mutex
	active       oracle.Predictor
	barsSeen     int
	forceRetrain bool
}

func NewMLClassifier() *MLClassifier { return &MLClassifier{} }

func (k *MLClassifier) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg MLConfig
	if err := decodeSection(sc.Config, "ml", &cfg); err != nil {
		return err
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: ml.confidenceThreshold must be in (0, 1]")
	}
	if cfg.Notional <= 0 {
		return fmt.Errorf("config: ml.notional must be positive")
	}
	if cfg.RetrainIntervalBars <= 0 {
		return fmt.Errorf("config: ml.retrainIntervalBars must be positive")
	}
	if cfg.TreeCount <= 0 {
		cfg.TreeCount = 25
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = trainWindow
	}
	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	k.trading = trading
	k.cfg = cfg
	k.barsSeen = 0
	k.active = nil
	return nil
}

// ForceRetrain marks the model stale, so the next RunOnce retrains
// regardless of the bar cadence. Exposed for the supervisor's
// force-retrain command.
func (k *MLClassifier) ForceRetrain() {
	k.mu.Lock()
	k.forceRetrain = true
	k.mu.Unlock()
}

func (k *MLClassifier) RunOnce(ctx context.Context, sc *StrategyContext) error {
	bars, err := sc.Adapter.FetchBars(ctx, k.trading.Symbol, market.Timeframe1h, k.cfg.BufferSize)
	if err != nil {
		return Recoverable(err)
	}
	if len(bars) < 50 {
		return nil
	}

	k.mu.Lock()
	needsTrain := k.active == nil || k.forceRetrain || k.barsSeen%k.cfg.RetrainIntervalBars == 0
	k.mu.Unlock()

	if needsTrain {
		candidate := oracle.NewForestPredictor(uint64(len(bars)))
		samples := buildTrainingSamples(bars)
		if len(samples) > 0 {
			if err := candidate.Fit(samples, k.cfg.TreeCount, 6); err == nil {
				k.mu.Lock()
				k.active = candidate
				k.forceRetrain = false
				k.mu.Unlock()
			}
		}
	}
	k.mu.Lock()
	k.barsSeen++
	predictor := k.active
	k.mu.Unlock()

	if predictor == nil {
		return nil
	}

	features := featureVector(bars)
	prediction, err := predictor.Predict(ctx, features)
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

func (k *MLClassifier) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error {
	return nil
}

func (k *MLClassifier) OnTrade(trade TradeInfo) {}

// buildTrainingSamples walks the bar history, building one labeled
// sample per bar that has enough trailing history for features and
// enough leading history to know the outcome.
func buildTrainingSamples(bars []market.Bar) []oracle.LabeledSample {
	const minHistory = 30
	samples := make([]oracle.LabeledSample, 0, len(bars))
	for i := minHistory; i < len(bars)-forecastHorizon; i++ {
		window := bars[:i+1]
		features := featureVector(window)
		future := bars[i+forecastHorizon].Close
		current := bars[i].Close
		label := oracle.DirectionFlat
		if future > current {
			label = oracle.DirectionLong
		} else if future < current {
			label = oracle.DirectionShort
		}
		samples = append(samples, oracle.LabeledSample{Features: features, Label: label})
	}
	return samples
}

// featureVector computes the fixed technical feature set: multi-period
// SMA, EMA, RSI, MACD, Bollinger position, return, and volatility.
func featureVector(bars []market.Bar) map[string]float64 {
	return map[string]float64{
		"sma_fast":   market.SMA(bars, 10),
		"sma_slow":   market.SMA(bars, 30),
		"ema_fast":   market.EMA(bars, 12),
		"ema_slow":   market.EMA(bars, 26),
		"rsi":        market.RSI(bars, 14),
		"macd":       market.MACD(bars),
		"bollinger":  market.BollingerPosition(bars, 20, 2.0),
		"return":     market.PctChange(bars, 1),
		"volatility": market.StdDev(bars, 14),
	}
}
