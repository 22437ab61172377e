package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nofx-labs/futuresupervisor/errs"
	"github.com/nofx-labs/futuresupervisor/eventbus"
	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/kernel"
	"github.com/nofx-labs/futuresupervisor/ledger"
	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// progressThrottle bounds how often TopicBacktestProgress is
// published, regardless of how many bars the engine steps through
// between two wall-clock samples.
const progressThrottle = 200 * time.Millisecond

// Config is everything one backtest run needs beyond the Ledger and
// Event Bus the Engine was built with. Result must already be
// persisted (status pending) by the caller; Start transitions it
// through running to its terminal status.
type Config struct {
	Result         *ledger.BacktestResult
	Kernel         kernel.Kernel
	Bars           []market.Bar
	Policy         risk.Policy
	FeePct         float64
	StrategyConfig map[string]any
}

// Engine replays a single kernel against a historical bar stream with
// a SimAdapter, driving it synchronously one bar at a time exactly as
// the live Supervisor drives one tick at a time, but with two
// deliberate differences: there is no wall-clock sleep between steps,
// and any non-recoverable kernel error ends the backtest immediately
// rather than counting toward a tolerance threshold.
type Engine struct {
	led *ledger.Ledger
	bus *eventbus.Bus
	log zerolog.Logger

	mu     sync.Mutex
	status ledger.BacktestStatus

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEngine builds an Engine for one backtest run. Construct a fresh
// Engine per run; it is not reusable across Config values.
func NewEngine(led *ledger.Ledger, bus *eventbus.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		led:    led,
		bus:    bus,
		log:    log,
		status: ledger.BacktestPending,
		stopCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
}

// btRun is the mutable state one backtest owns exclusively while its
// single driving goroutine runs — no lock of its own, mirroring
// supervisor.runContext.
type btRun struct {
	strategyID string
	runID      string
	symbol     string
	policy     risk.Policy
	feePct     float64

	state      risk.RunState
	position   *exchange.Position
	terminated bool

	trades  []ledger.Trade
	equity  []ledger.EquityPoint
	kernel  kernel.Kernel
	adapter *SimAdapter
}

// Status returns the engine's current lifecycle status.
func (e *Engine) Status() ledger.BacktestStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setStatus(st ledger.BacktestStatus) {
	e.mu.Lock()
	e.status = st
	e.mu.Unlock()
}

// Stop requests cancellation of the in-flight backtest. It is
// cooperative: the current bar's step completes before the request is
// observed.
func (e *Engine) Stop() {
	select {
	case e.stopCh <- struct{}{}:
	default:
	}
}

// Wait blocks until the backtest has reached a terminal status.
func (e *Engine) Wait() { <-e.doneCh }

// Start rejects an empty bar range, persists the Running status, and
// launches the replay in a background goroutine. It returns without
// waiting for the kernel: Initialize, the replay, and persistence of
// the terminal result all happen in that goroutine.
func (e *Engine) Start(ctx context.Context, cfg Config) error {
	if len(cfg.Bars) == 0 {
		return errs.New(errs.KindBacktest, "no bars in the requested range")
	}

	cfg.Result.Status = ledger.BacktestRunning
	if err := e.led.UpdateBacktest(cfg.Result); err != nil {
		return errs.Wrap(errs.KindBacktest, err, "persist running status")
	}
	e.setStatus(ledger.BacktestRunning)

	go e.run(ctx, cfg)
	return nil
}

func (e *Engine) run(ctx context.Context, cfg Config) {
	defer close(e.doneCh)

	adapter := NewSimAdapter(cfg.Result.Symbol, cfg.Bars)
	run := &btRun{
		strategyID: cfg.Result.StrategyID,
		runID:      cfg.Result.ID,
		symbol:     cfg.Result.Symbol,
		policy:     cfg.Policy,
		feePct:     cfg.FeePct,
		state:      risk.RunState{StartingBalance: cfg.Result.InitialBalance},
		kernel:     cfg.Kernel,
		adapter:    adapter,
	}

	sc := &kernel.StrategyContext{
		StrategyID: cfg.Result.StrategyID,
		RunID:      cfg.Result.ID,
		Config:     cfg.StrategyConfig,
		Position:   func() *exchange.Position { return run.position },
		Adapter:    adapter,
		Log:        e.log.With().Str("backtest_id", cfg.Result.ID).Logger(),
		Now:        adapter.CurrentTime,
	}
	sc.RequestTrade = e.requestTrade(run)

	if err := cfg.Kernel.Initialize(ctx, sc); err != nil {
		e.fail(cfg.Result, run, errs.Wrap(errs.KindConfig, err, "kernel initialize"))
		return
	}

	var lastProgress time.Time
	for i := range cfg.Bars {
		select {
		case <-ctx.Done():
			e.fail(cfg.Result, run, errs.Wrap(errs.KindBacktest, ctx.Err(), "context canceled"))
			return
		case <-e.stopCh:
			e.fail(cfg.Result, run, errs.New(errs.KindBacktest, "backtest stopped"))
			return
		default:
		}

		adapter.SetCursor(i)
		if run.position != nil {
			run.position.MarkPrice = cfg.Bars[i].Close
		}

		e.checkForceClose(run)

		if !run.terminated {
			if err := cfg.Kernel.RunOnce(ctx, sc); err != nil {
				var recoverable *kernel.ErrRecoverable
				if !errors.As(err, &recoverable) {
					e.fail(cfg.Result, run, errs.Wrap(errs.KindBacktest, err, "kernel runOnce"))
					return
				}
				e.log.Warn().Err(recoverable.Cause).Str("backtest_id", cfg.Result.ID).Msg("recoverable kernel error during backtest")
			}
			e.checkForceClose(run)
		}

		equity := run.state.StartingBalance + run.state.RealizedPnL + run.position.UnrealizedPnL()
		run.equity = append(run.equity, ledger.EquityPoint{Timestamp: adapter.CurrentTime(), Equity: equity})

		last := i == len(cfg.Bars)-1
		if last || time.Since(lastProgress) >= progressThrottle {
			e.bus.Publish(eventbus.TopicBacktestProgress, eventbus.BacktestProgressEvent{
				BacktestID:     cfg.Result.ID,
				Current:        i + 1,
				Total:          len(cfg.Bars),
				Percentage:     float64(i+1) / float64(len(cfg.Bars)) * 100,
				CurrentBalance: equity,
			})
			lastProgress = time.Now()
		}
	}

	if err := cfg.Kernel.Shutdown(context.Background(), sc, "backtest completed"); err != nil {
		e.log.Warn().Err(err).Str("backtest_id", cfg.Result.ID).Msg("kernel shutdown error at backtest completion")
	}

	cfg.Result.EquityCurve = run.equity
	cfg.Result.Trades = run.trades
	cfg.Result.Stats = computeStats(cfg.Result.InitialBalance, run.equity, run.trades, cfg.Result.Timeframe)
	cfg.Result.Status = ledger.BacktestCompleted
	if err := e.led.UpdateBacktest(cfg.Result); err != nil {
		e.log.Error().Err(err).Str("backtest_id", cfg.Result.ID).Msg("failed to persist completed backtest result")
	}
	e.setStatus(ledger.BacktestCompleted)
}

func (e *Engine) fail(result *ledger.BacktestResult, run *btRun, err error) {
	result.EquityCurve = run.equity
	result.Trades = run.trades
	result.Status = ledger.BacktestFailed
	result.ErrorMessage = err.Error()
	if uerr := e.led.UpdateBacktest(result); uerr != nil {
		e.log.Error().Err(uerr).Str("backtest_id", result.ID).Msg("failed to persist failed backtest result")
	}
	e.setStatus(ledger.BacktestFailed)
}

// checkForceClose evaluates the risk gate against the standing
// position with no proposed action, exactly as the live Supervisor's
// per-tick check does, and executes the forced close if warranted.
func (e *Engine) checkForceClose(run *btRun) {
	if run.terminated || run.position == nil {
		return
	}
	verdict := risk.Evaluate(run.policy, run.position, run.state, risk.ProposedAction{Symbol: run.symbol}, run.adapter.CurrentTime())
	if verdict.Outcome != risk.ForceClose {
		return
	}
	fill, err := run.adapter.CloseMarket(context.Background(), run.symbol, run.position.Side)
	if err != nil {
		e.log.Error().Err(err).Str("backtest_id", run.runID).Msg("simulated force-close failed")
		return
	}
	e.recordClose(run, fill)
	if verdict.TerminalRun {
		run.terminated = true
	}
}

// requestTrade is the backtest's RequestTradeFunc: it re-evaluates the
// risk gate against the kernel's proposed action and, on Allow,
// dispatches to the SimAdapter and records the resulting trade.
func (e *Engine) requestTrade(run *btRun) kernel.RequestTradeFunc {
	return func(ctx context.Context, action risk.ProposedAction) error {
		verdict := risk.Evaluate(run.policy, run.position, run.state, action, run.adapter.CurrentTime())
		switch verdict.Outcome {
		case risk.Deny:
			return errs.New(errs.KindRiskDenied, verdict.Reason)
		case risk.ForceClose:
			e.checkForceClose(run)
			return errs.New(errs.KindRiskDenied, "force close pending: "+verdict.Reason)
		}

		switch action.Kind {
		case risk.ActionOpen, risk.ActionAdd:
			fill, err := run.adapter.OpenMarket(ctx, action.Symbol, action.Side, action.Notional)
			if err != nil {
				return err
			}
			e.recordOpenOrAdd(run, action, fill)
		case risk.ActionClose:
			fill, err := run.adapter.CloseMarket(ctx, action.Symbol, action.Side)
			if err != nil {
				return err
			}
			e.recordClose(run, fill)
		default:
			return fmt.Errorf("backtest: unknown action kind %q", action.Kind)
		}
		return nil
	}
}

func (e *Engine) recordOpenOrAdd(run *btRun, action risk.ProposedAction, fill *exchange.Fill) {
	fee := fill.Price * fill.Qty * run.feePct / 100
	kind := ledger.TradeOpen
	if run.position == nil {
		run.position = &exchange.Position{
			Symbol:     action.Symbol,
			Side:       action.Side,
			EntryPrice: fill.Price,
			Quantity:   fill.Qty,
			Notional:   fill.Price * fill.Qty,
			OpenTime:   fill.Timestamp,
			MarkPrice:  fill.Price,
		}
	} else {
		kind = ledger.TradeAdd
		totalQty := run.position.Quantity + fill.Qty
		run.position.EntryPrice = (run.position.EntryPrice*run.position.Quantity + fill.Price*fill.Qty) / totalQty
		run.position.Quantity = totalQty
		run.position.Notional = run.position.EntryPrice * totalQty
		run.position.MarkPrice = fill.Price
		run.state.PriorAdds++
	}
	run.state.RealizedPnL -= fee
	run.state.LastTradeAt = fill.Timestamp

	run.trades = append(run.trades, ledger.Trade{
		ID:         uuid.NewString(),
		StrategyID: run.strategyID,
		RunID:      run.runID,
		Kind:       kind,
		Side:       ledger.TradeSide(action.Side),
		Symbol:     action.Symbol,
		FillPrice:  fill.Price,
		Quantity:   fill.Qty,
		Timestamp:  fill.Timestamp,
	})

	run.kernel.OnTrade(kernel.TradeInfo{
		Kind: action.Kind, Side: action.Side, Symbol: action.Symbol,
		FillPrice: fill.Price, Quantity: fill.Qty, Timestamp: fill.Timestamp,
	})
}

func (e *Engine) recordClose(run *btRun, fill *exchange.Fill) {
	if run.position == nil {
		return
	}
	run.position.MarkPrice = fill.Price
	pnl := run.position.UnrealizedPnL()
	fee := fill.Price * run.position.Quantity * run.feePct / 100
	pnl -= fee

	trade := ledger.Trade{
		ID:          uuid.NewString(),
		StrategyID:  run.strategyID,
		RunID:       run.runID,
		Kind:        ledger.TradeClose,
		Side:        ledger.TradeSide(run.position.Side),
		Symbol:      run.position.Symbol,
		FillPrice:   fill.Price,
		Quantity:    run.position.Quantity,
		RealizedPnL: &pnl,
		Timestamp:   fill.Timestamp,
	}
	side, symbol, qty := run.position.Side, run.position.Symbol, run.position.Quantity

	run.state.RealizedPnL += pnl
	run.state.LastTradeAt = fill.Timestamp
	run.trades = append(run.trades, trade)
	run.position = nil

	run.kernel.OnTrade(kernel.TradeInfo{
		Kind: risk.ActionClose, Side: side, Symbol: symbol,
		FillPrice: fill.Price, Quantity: qty, RealizedPnL: &pnl, Timestamp: fill.Timestamp,
	})
}
