package backtest

import (
	"context"
	"time"

	"github.com/nofx-labs/futuresupervisor/errs"
	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/market"
)

// simFillPrecision is the contract-quantity rounding precision applied
// to every simulated fill. Backtests have no venue-declared precision
// table, so a single fixed precision stands in for it.
const simFillPrecision = 6

// SimAdapter is the exchange.Adapter backing a backtest run: it serves
// historical bars without ever exposing a bar past the current
// cursor, and fills market orders at the *next* bar's open so a
// strategy can never trade on information it couldn't have seen yet.
// It carries no position or balance state of its own — the Engine is
// the sole authority over the simulated position and account, the
// same split of responsibility the live BinanceAdapter has with the
// Supervisor, just pushed one step further since there is no venue to
// ask.
type SimAdapter struct {
	symbol string
	bars   []market.Bar
	cursor int
}

// NewSimAdapter builds an adapter over bars, a contiguous, oldest-first
// series at one symbol and timeframe.
func NewSimAdapter(symbol string, bars []market.Bar) *SimAdapter {
	return &SimAdapter{symbol: symbol, bars: bars}
}

// SetCursor advances the adapter's notion of "now" to bars[i]. The
// Engine calls this once per simulated tick, before driving the
// kernel.
func (a *SimAdapter) SetCursor(i int) { a.cursor = i }

// CurrentTime is the close time of the bar currently visible to the
// kernel.
func (a *SimAdapter) CurrentTime() time.Time {
	return time.UnixMilli(a.bars[a.cursor].CloseTime)
}

// fillPrice is the next bar's open, or the current bar's close if
// there is no further bar (the last tick in the range).
func (a *SimAdapter) fillPrice() float64 {
	if a.cursor+1 < len(a.bars) {
		return a.bars[a.cursor+1].Open
	}
	return a.bars[a.cursor].Close
}

func (a *SimAdapter) fillTimestamp() time.Time {
	if a.cursor+1 < len(a.bars) {
		return time.UnixMilli(a.bars[a.cursor+1].OpenTime)
	}
	return a.CurrentTime()
}

func (a *SimAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (a *SimAdapter) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	bar := a.bars[a.cursor]
	return &exchange.Ticker{
		Symbol:    a.symbol,
		Bid:       bar.Close,
		Ask:       bar.Close,
		Last:      bar.Close,
		Mark:      bar.Close,
		Timestamp: a.CurrentTime(),
	}, nil
}

// FetchBars returns at most the last limit bars visible up to and
// including the cursor — never a bar that hasn't "closed" yet from
// the kernel's point of view.
func (a *SimAdapter) FetchBars(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Bar, error) {
	visible := a.bars[:a.cursor+1]
	return market.Window(visible, limit), nil
}

func (a *SimAdapter) OpenMarket(ctx context.Context, symbol string, side exchange.Side, notional float64) (*exchange.Fill, error) {
	price := a.fillPrice()
	if price <= 0 {
		return nil, errs.New(errs.KindVenuePermanent, "simulated fill price unavailable")
	}
	qty := exchange.NotionalToQuantity(notional, price, simFillPrecision)
	if qty <= 0 {
		return nil, errs.New(errs.KindVenuePermanent, "notional too small to size a contract")
	}
	return &exchange.Fill{Price: price, Qty: qty, Timestamp: a.fillTimestamp()}, nil
}

// CloseMarket reports only the fill price: the Engine, not the
// adapter, knows the standing position's quantity and computes the
// realized pnl against it.
func (a *SimAdapter) CloseMarket(ctx context.Context, symbol string, side exchange.Side) (*exchange.Fill, error) {
	return &exchange.Fill{Price: a.fillPrice(), Timestamp: a.fillTimestamp()}, nil
}

// FetchPosition and FetchBalance are unused by every kernel in this
// module (they read position through StrategyContext.Position and
// never call the adapter for balance), so they are stubbed rather
// than duplicating Engine's bookkeeping here.
func (a *SimAdapter) FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	return nil, nil
}

func (a *SimAdapter) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{}, nil
}
