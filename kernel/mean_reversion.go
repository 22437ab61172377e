package kernel

import (
	"context"
	"fmt"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// MeanReversion opens counter-trend when price deviates from a moving
// average baseline by deviationPct, closing on return to baseline.
type MeanReversion struct {
	trading TradingConfig
	cfg     MeanReversionConfig
}

func NewMeanReversion() *MeanReversion { return &MeanReversion{} }

func (m *MeanReversion) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg MeanReversionConfig
	if err := decodeSection(sc.Config, "meanReversion", &cfg); err != nil {
		return err
	}
	if cfg.Window <= 0 {
		return fmt.Errorf("config: meanReversion.window must be positive")
	}
	if cfg.DeviationPct <= 0 {
		return fmt.Errorf("config: meanReversion.deviationPct must be positive")
	}
	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	m.trading = trading
	m.cfg = cfg
	return nil
}

func (m *MeanReversion) RunOnce(ctx context.Context, sc *StrategyContext) error {
	bars, err := sc.Adapter.FetchBars(ctx, m.trading.Symbol, market.Timeframe1h, m.cfg.Window+1)
	if err != nil {
		return Recoverable(err)
	}
	if len(bars) < m.cfg.Window {
		return nil
	}

	baseline := market.SMA(bars, m.cfg.Window)
	if baseline == 0 {
		return nil
	}
	price := bars[len(bars)-1].Close
	deviationPct := (price - baseline) / baseline * 100

	pos := sc.Position()
	if pos != nil {
		returned := (pos.Side == exchange.SideLong && price >= baseline) ||
			(pos.Side == exchange.SideShort && price <= baseline)
		if returned {
			action := risk.ProposedAction{Kind: risk.ActionClose, Side: pos.Side, Symbol: m.trading.Symbol}
			return nilOrRecoverable(sc.RequestTrade(ctx, action))
		}
		return nil
	}

	if deviationPct <= -m.cfg.DeviationPct {
		action := risk.ProposedAction{Kind: risk.ActionOpen, Side: exchange.SideLong, Symbol: m.trading.Symbol, Notional: m.cfg.Notional}
		return nilOrRecoverable(sc.RequestTrade(ctx, action))
	}
	if deviationPct >= m.cfg.DeviationPct {
		action := risk.ProposedAction{Kind: risk.ActionOpen, Side: exchange.SideShort, Symbol: m.trading.Symbol, Notional: m.cfg.Notional}
		return nilOrRecoverable(sc.RequestTrade(ctx, action))
	}
	return nil
}

func (m *MeanReversion) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error {
	return nil
}

func (m *MeanReversion) OnTrade(trade TradeInfo) {}

func nilOrRecoverable(err error) error {
	if err == nil {
		return nil
	}
	return Recoverable(err)
}
