package kernel

import (
	"context"
	"fmt"
	"math"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// Martingale opens an initial position, then adds to it each time
// price drifts `priceDropPercent` away from the extreme price reached
// since the last trigger (highest-since-open for long, lowest for
// short), sizing the Nth add as initialPosition * multiplier^N,
// bounded by maxAdditions.
type Martingale struct {
	trading    TradingConfig
	cfg        MartingaleConfig
	extreme    float64
	additions  int
	haveOpened bool
}

func NewMartingale() *Martingale { return &Martingale{} }

func (m *Martingale) Initialize(ctx context.Context, sc *StrategyContext) error {
	trading, err := decodeTradingConfig(sc.Config)
	if err != nil {
		return err
	}
	var cfg MartingaleConfig
	if err := decodeSection(sc.Config, "martingale", &cfg); err != nil {
		return err
	}
	var trigger struct {
		PriceDropPercent float64 `config:"priceDropPercent"`
		StartImmediately bool    `config:"startImmediately"`
	}
	if err := decodeSection(sc.Config, "trigger", &trigger); err != nil {
		return err
	}
	cfg.PriceDropPercent = trigger.PriceDropPercent
	cfg.StartImmediately = trigger.StartImmediately

	if cfg.InitialPosition <= 0 {
		return fmt.Errorf("config: martingale.initialPosition must be positive")
	}
	if cfg.Multiplier <= 0 {
		return fmt.Errorf("config: martingale.multiplier must be positive")
	}
	if cfg.PriceDropPercent <= 0 {
		return fmt.Errorf("config: trigger.priceDropPercent must be positive")
	}

	if err := sc.Adapter.ConfigureLeverage(ctx, trading.Symbol, trading.Leverage); err != nil {
		return err
	}

	m.trading = trading
	m.cfg = cfg
	m.additions = 0
	m.haveOpened = false
	return nil
}

func (m *Martingale) RunOnce(ctx context.Context, sc *StrategyContext) error {
	ticker, err := sc.Adapter.FetchTicker(ctx, m.trading.Symbol)
	if err != nil {
		return Recoverable(err)
	}
	price := ticker.Mark

	pos := sc.Position()
	if pos == nil {
		if !m.haveOpened {
			action := risk.ProposedAction{
				Kind: risk.ActionOpen, Side: sideOf(m.trading.Side),
				Symbol: m.trading.Symbol, Notional: m.cfg.InitialPosition,
			}
			if err := sc.RequestTrade(ctx, action); err != nil {
				return Recoverable(err)
			}
			m.haveOpened = true
			m.extreme = price
			m.additions = 0
		}
		return nil
	}

	if m.extreme == 0 {
		m.extreme = price
	}
	if pos.Side == exchange.SideLong {
		if price > m.extreme {
			m.extreme = price
		}
	} else if price < m.extreme {
		m.extreme = price
	}

	moveFromExtreme := math.Abs(price-m.extreme) / m.extreme * 100
	adverse := (pos.Side == exchange.SideLong && price < m.extreme) || (pos.Side == exchange.SideShort && price > m.extreme)
	if !adverse || moveFromExtreme < m.cfg.PriceDropPercent {
		return nil
	}

	// maxAdditions bounds how large the add's notional can grow; it does
	// not stop a proposal from reaching the risk gate, which is where an
	// exhausted addition budget is actually enforced and denied.
	step := m.additions + 1
	if m.cfg.MaxAdditions > 0 && step > m.cfg.MaxAdditions {
		step = m.cfg.MaxAdditions
	}
	notional := m.cfg.InitialPosition * math.Pow(m.cfg.Multiplier, float64(step))
	action := risk.ProposedAction{Kind: risk.ActionAdd, Side: pos.Side, Symbol: m.trading.Symbol, Notional: notional}
	m.extreme = price
	if err := sc.RequestTrade(ctx, action); err != nil {
		return Recoverable(err)
	}
	m.additions++
	return nil
}

func (m *Martingale) Shutdown(ctx context.Context, sc *StrategyContext, reason string) error {
	return nil
}

func (m *Martingale) OnTrade(trade TradeInfo) {
	if trade.Kind == risk.ActionClose {
		m.haveOpened = false
		m.additions = 0
		m.extreme = 0
	}
}

func sideOf(s string) exchange.Side {
	if s == "short" {
		return exchange.SideShort
	}
	return exchange.SideLong
}
