package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/nofx-labs/futuresupervisor/risk"
)

// DCA adds a fixed notional to the position every interval, as long
// as price stays at or below a ceiling, until maxInvestment is reached.
type DCA struct {
	trading       TradingConfig
	cfg           DCAConfig
	lastInvestAt  time.Time
	totalInvested float64
}

func NewDCA() *DCA { return &DCA{} }

func (d *DCA) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg DCAConfig
	if err := decodeSection(sc.Config, "dca", &cfg); err != nil {
		return err
	}
	if cfg.Notional <= 0 {
		return fmt.Errorf("config: dca.notional must be positive")
	}
	if cfg.IntervalSeconds <= 0 {
		return fmt.Errorf("config: dca.intervalSeconds must be positive")
	}
	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	d.trading = trading
	d.cfg = cfg
	d.totalInvested = 0
	d.lastInvestAt = time.Time{}
	return nil
}

func (d *DCA) RunOnce(ctx context.Context, sc *StrategyContext) error {
	if d.cfg.MaxInvestment > 0 && d.totalInvested+d.cfg.Notional > d.cfg.MaxInvestment {
		return nil
	}

	now := sc.now()
	if !d.lastInvestAt.IsZero() && now.Sub(d.lastInvestAt) < time.Duration(d.cfg.IntervalSeconds)*time.Second {
		return nil
	}

	ticker, err := sc.Adapter.FetchTicker(ctx, d.trading.Symbol)
	if err != nil {
		return Recoverable(err)
	}
	if d.cfg.PriceCeiling > 0 && ticker.Mark > d.cfg.PriceCeiling {
		return nil
	}

	pos := sc.Position()
	kind := risk.ActionOpen
	if pos != nil {
		kind = risk.ActionAdd
	}

	action := risk.ProposedAction{Kind: kind, Side: sideOf(d.trading.Side), Symbol: d.trading.Symbol, Notional: d.cfg.Notional}
	if err := sc.RequestTrade(ctx, action); err != nil {
		return Recoverable(err)
	}
	d.lastInvestAt = now
	d.totalInvested += d.cfg.Notional
	return nil
}

func (d *DCA) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error { return nil }

func (d *DCA) OnTrade(trade TradeInfo) {
	if trade.Kind == risk.ActionClose {
		d.totalInvested = 0
		d.lastInvestAt = time.Time{}
	}
}
