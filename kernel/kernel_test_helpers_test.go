package kernel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// stubAdapter is a minimal exchange.Adapter double: bars and ticker
// price are set directly by the test, orders are recorded rather than
// sent anywhere.
type stubAdapter struct {
	bars     []market.Bar
	mark     float64
	leverage map[string]int
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{leverage: map[string]int{}}
}

func (s *stubAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	s.leverage[symbol] = leverage
	return nil
}

func (s *stubAdapter) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Bid: s.mark, Ask: s.mark, Last: s.mark, Mark: s.mark}, nil
}

func (s *stubAdapter) FetchBars(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Bar, error) {
	return market.Window(s.bars, limit), nil
}

func (s *stubAdapter) OpenMarket(ctx context.Context, symbol string, side exchange.Side, notional float64) (*exchange.Fill, error) {
	return &exchange.Fill{Price: s.mark, Qty: notional / s.mark}, nil
}

func (s *stubAdapter) CloseMarket(ctx context.Context, symbol string, side exchange.Side) (*exchange.Fill, error) {
	return &exchange.Fill{Price: s.mark}, nil
}

func (s *stubAdapter) FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	return nil, nil
}

func (s *stubAdapter) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{}, nil
}

// recordedAction is a captured requestTrade call, for assertions.
type recordedAction struct {
	kind     string
	side     exchange.Side
	notional float64
}

// newTestContext builds a StrategyContext whose RequestTrade appends
// to recorded and whose Position reflects the caller-supplied pointer,
// updated in place by the test as trades "land".
func newTestContext(adapter *stubAdapter, cfg map[string]any, position **exchange.Position, recorded *[]recordedAction) *StrategyContext {
	return &StrategyContext{
		StrategyID: "strat-1",
		RunID:      "run-1",
		Config:     cfg,
		Position:   func() *exchange.Position { return *position },
		Adapter:    adapter,
		Log:        zerolog.Nop(),
		RequestTrade: func(ctx context.Context, action risk.ProposedAction) error {
			*recorded = append(*recorded, recordedAction{kind: string(action.Kind), side: action.Side, notional: action.Notional})
			return nil
		},
	}
}
