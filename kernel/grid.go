package kernel

import (
	"context"
	"fmt"

	"github.com/nofx-labs/futuresupervisor/risk"
)

// Grid divides [priceLow, priceHigh] into N levels. Crossing a level
// downward opens a long unit at that level (if not already open);
// crossing upward closes the nearest open unit below for profit.
// The ledger models at most one position per run, so distinct grid
// units are tracked internally as an open-level count; the aggregate
// position is only actually closed (via a Close action) when the last
// open unit is released — intermediate unit closes just shrink the
// internal count, matching a quantity-weighted aggregate position.
type Grid struct {
	trading     TradingConfig
	cfg         GridConfig
	levels      []float64
	levelOpen   []bool
	openCount   int
	lastPrice   float64
	initialized bool
}

func NewGrid() *Grid { return &Grid{} }

func (g *Grid) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg GridConfig
	if err := decodeSection(sc.Config, "grid", &cfg); err != nil {
		return err
	}
	if cfg.Levels < 2 {
		return fmt.Errorf("config: grid.levels must be >= 2")
	}
	if cfg.PriceHigh <= cfg.PriceLow {
		return fmt.Errorf("config: grid.priceHigh must exceed priceLow")
	}
	if cfg.UnitNotional <= 0 {
		return fmt.Errorf("config: grid.unitNotional must be positive")
	}
	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	step := (cfg.PriceHigh - cfg.PriceLow) / float64(cfg.Levels)
	levels := make([]float64, cfg.Levels+1)
	for i := range levels {
		levels[i] = cfg.PriceLow + step*float64(i)
	}

	g.trading = trading
	g.cfg = cfg
	g.levels = levels
	g.levelOpen = make([]bool, len(levels))
	g.openCount = 0
	g.initialized = false
	return nil
}

func (g *Grid) RunOnce(ctx context.Context, sc *StrategyContext) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, g.trading.Symbol)
	if err != nil {
		return Recoverable(err)
	}
	price := ticker.Mark

	if !g.initialized {
		g.lastPrice = price
		g.initialized = true
		return nil
	}
	prev := g.lastPrice
	g.lastPrice = price

	if price == prev {
		return nil
	}

	for i, level := range g.levels {
		crossedDown := prev > level && price <= level
		crossedUp := prev < level && price >= level

		if crossedDown && !g.levelOpen[i] {
			kind := risk.ActionOpen
			if g.openCount > 0 {
				kind = risk.ActionAdd
			}
			action := risk.ProposedAction{Kind: kind, Side: sideOf(g.trading.Side), Symbol: g.trading.Symbol, Notional: g.cfg.UnitNotional}
			if err := sc.RequestTrade(ctx, action); err != nil {
				return Recoverable(err)
			}
			g.levelOpen[i] = true
			g.openCount++
			return nil
		}

		if crossedUp && g.levelOpen[i] {
			g.levelOpen[i] = false
			g.openCount--
			if g.openCount <= 0 {
				action := risk.ProposedAction{Kind: risk.ActionClose, Side: sideOf(g.trading.Side), Symbol: g.trading.Symbol}
				if err := sc.RequestTrade(ctx, action); err != nil {
					return Recoverable(err)
				}
				g.openCount = 0
			}
			return nil
		}
	}
	return nil
}

func (g *Grid) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error { return nil }

func (g *Grid) OnTrade(trade TradeInfo) {
	if trade.Kind == risk.ActionClose {
		g.openCount = 0
		for i := range g.levelOpen {
			g.levelOpen[i] = false
		}
	}
}
