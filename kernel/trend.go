package kernel

import (
	"context"
	"fmt"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// TrendFollowing opens long when a fast SMA crosses above a slow SMA
// and short on the reverse cross, closing any open position on the
// opposite signal.
type TrendFollowing struct {
	trading      TradingConfig
	cfg          TrendConfig
	wasFastAbove *bool
}

func NewTrendFollowing() *TrendFollowing { return &TrendFollowing{} }

func (t *TrendFollowing) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg TrendConfig
	if err := decodeSection(sc.Config, "trend", &cfg); err != nil {
		return err
	}
	if cfg.FastWindow <= 0 || cfg.SlowWindow <= cfg.FastWindow {
		return fmt.Errorf("config: trend.slowWindow must exceed trend.fastWindow, both positive")
	}
	if cfg.Notional <= 0 {
		return fmt.Errorf("config: trend.notional must be positive")
	}
	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	t.trading = trading
	t.cfg = cfg
	t.wasFastAbove = nil
	return nil
}

func (t *TrendFollowing) RunOnce(ctx context.Context, sc *StrategyContext) error {
	bars, err := sc.Adapter.FetchBars(ctx, t.trading.Symbol, market.Timeframe1h, t.cfg.SlowWindow+1)
	if err != nil {
		return Recoverable(err)
	}
	if len(bars) < t.cfg.SlowWindow {
		return nil
	}

	fast := market.SMA(bars, t.cfg.FastWindow)
	slow := market.SMA(bars, t.cfg.SlowWindow)
	if fast == 0 || slow == 0 {
		return nil
	}
	fastAbove := fast > slow

	defer func() { t.wasFastAbove = &fastAbove }()

	if t.wasFastAbove == nil {
		return nil
	}
	if *t.wasFastAbove == fastAbove {
		return nil
	}

	pos := sc.Position()
	if pos != nil {
		closeAction := risk.ProposedAction{Kind: risk.ActionClose, Side: pos.Side, Symbol: t.trading.Symbol}
		if err := sc.RequestTrade(ctx, closeAction); err != nil {
			return Recoverable(err)
		}
	}

	side := exchange.SideShort
	if fastAbove {
		side = exchange.SideLong
	}
	openAction := risk.ProposedAction{Kind: risk.ActionOpen, Side: side, Symbol: t.trading.Symbol, Notional: t.cfg.Notional}
	if err := sc.RequestTrade(ctx, openAction); err != nil {
		return Recoverable(err)
	}
	return nil
}

func (t *TrendFollowing) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error {
	return nil
}

func (t *TrendFollowing) OnTrade(trade TradeInfo) {}
