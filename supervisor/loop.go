package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nofx-labs/futuresupervisor/audit"
	"github.com/nofx-labs/futuresupervisor/errs"
	"github.com/nofx-labs/futuresupervisor/eventbus"
	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/kernel"
	"github.com/nofx-labs/futuresupervisor/ledger"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// runContext is the mutable state one strategy run's tick goroutine
// owns exclusively. Apart from ForceRetrain reading the kernel field,
// which never changes after Start, nothing outside drive/tick/
// buildRequestTrade touches it, so it carries no lock of its own.
type runContext struct {
	strategyID    string
	runID         string
	symbol        string
	policy        risk.Policy
	checkInterval time.Duration

	state             risk.RunState
	position          *exchange.Position
	kernel            kernel.Kernel
	sc                *kernel.StrategyContext
	consecutiveErrors int
}

// drive is the per-strategy control loop: a ticker drives periodic
// risk evaluation and kernel ticks, with stop requests and outer
// cancellation handled cooperatively between ticks.
func (s *Supervisor) drive(ctx context.Context, loop *strategyLoop, run *runContext) {
	ticker := time.NewTicker(run.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abortRun(run, loop)
			return
		case req := <-loop.stopCh:
			err := s.handleStop(context.Background(), loop, run, req.closePositions)
			req.result <- err
			return
		case <-ticker.C:
			if stop := s.tick(ctx, run, loop); stop {
				return
			}
		}
	}
}

// tick runs one periodic cycle: refresh mark price, evaluate the risk
// gate against the standing position, force-close if the gate calls
// for it, otherwise hand control to the kernel. Returns true if the
// run has ended (terminal or fatal) and drive should stop.
func (s *Supervisor) tick(ctx context.Context, run *runContext, loop *strategyLoop) bool {
	tk, err := s.adapter.FetchTicker(ctx, run.symbol)
	if err != nil {
		return s.handleRunError(run, loop, err)
	}
	if run.position != nil {
		run.position.MarkPrice = tk.Mark
		_ = s.ledger.UpsertPosition(run.runID, toLedgerPosition(run.position))
	}

	verdict := risk.Evaluate(run.policy, run.position, run.state, risk.ProposedAction{Symbol: run.symbol}, time.Now())
	s.writeAudit(audit.Record{
		Timestamp: time.Now(), StrategyID: run.strategyID, RunID: run.runID,
		Position: positionSnapshot(run.position), RiskOutcome: string(verdict.Outcome), RiskReason: verdict.Reason,
	})
	if verdict.Outcome == risk.ForceClose {
		if run.position != nil {
			fill, err := s.adapter.CloseMarket(ctx, run.symbol, run.position.Side)
			if err != nil {
				return s.handleRunError(run, loop, err)
			}
			s.recordClose(run, risk.ProposedAction{Kind: risk.ActionClose, Side: run.position.Side, Symbol: run.symbol}, fill)
			s.publishError(run.strategyID, errs.KindRiskDenied, "force close: "+verdict.Reason)
		}
		if verdict.TerminalRun {
			s.closeRunTerminal(run, loop, "max-loss")
			return true
		}
		return false
	}

	err = run.kernel.RunOnce(ctx, run.sc)
	return s.handleKernelResult(run, loop, err)
}

func (s *Supervisor) handleRunError(run *runContext, loop *strategyLoop, err error) bool {
	if errs.Is(err, errs.KindVenueTransient) {
		run.consecutiveErrors++
		s.publishError(run.strategyID, errs.KindVenueTransient, err.Error())
		if run.consecutiveErrors >= maxConsecutiveKernelErrors {
			s.closeRunTerminal(run, loop, "error")
			return true
		}
		return false
	}
	s.publishError(run.strategyID, errs.KindVenuePermanent, err.Error())
	s.closeRunTerminal(run, loop, "error")
	return true
}

func (s *Supervisor) handleKernelResult(run *runContext, loop *strategyLoop, err error) bool {
	if err == nil {
		run.consecutiveErrors = 0
		return false
	}
	var rec *kernel.ErrRecoverable
	if errors.As(err, &rec) {
		run.consecutiveErrors++
		s.publishError(run.strategyID, errs.KindKernelRecoverable, rec.Error())
		if run.consecutiveErrors >= maxConsecutiveKernelErrors {
			s.closeRunTerminal(run, loop, "error")
			return true
		}
		return false
	}
	s.publishError(run.strategyID, errs.KindKernelRecoverable, err.Error())
	s.closeRunTerminal(run, loop, "error")
	return true
}

func (s *Supervisor) closeRunTerminal(run *runContext, loop *strategyLoop, terminalStatus string) {
	balance := run.state.StartingBalance + run.state.RealizedPnL
	_ = s.ledger.CloseRun(run.runID, balance, terminalStatus)
	finalState := StateStopped
	if terminalStatus == "error" {
		finalState = StateError
	}
	loop.setState(finalState)
	s.publishStatus(run.strategyID, finalState)
	s.mu.Lock()
	delete(s.loops, run.strategyID)
	s.mu.Unlock()
	close(loop.doneCh)
}

// handleStop runs a clean shutdown: optionally flattening the open
// position, notifying the kernel, and closing the run with a stopped
// terminal status. Best-effort on the position close — a failure to
// flatten does not block the strategy transitioning to Stopped, since
// the position still exists and reconcileOnStart will see it on any
// future restart.
func (s *Supervisor) handleStop(ctx context.Context, loop *strategyLoop, run *runContext, closePositions bool) error {
	if closePositions && run.position != nil {
		if fill, err := s.adapter.CloseMarket(ctx, run.symbol, run.position.Side); err == nil {
			s.recordClose(run, risk.ProposedAction{Kind: risk.ActionClose, Side: run.position.Side, Symbol: run.symbol}, fill)
		} else {
			s.log.Warn().Err(err).Str("strategy_id", run.strategyID).Msg("failed to flatten position on stop")
		}
	}

	if err := run.kernel.Shutdown(ctx, run.sc, "stop"); err != nil {
		s.log.Warn().Err(err).Str("strategy_id", run.strategyID).Msg("kernel shutdown reported an error")
	}

	balance := run.state.StartingBalance + run.state.RealizedPnL
	if b, err := s.adapter.FetchBalance(ctx); err == nil {
		balance = b.Total
	}
	if err := s.ledger.CloseRun(run.runID, balance, "stopped"); err != nil {
		loop.setState(StateError)
		s.publishStatus(run.strategyID, StateError)
		close(loop.doneCh)
		return err
	}

	loop.setState(StateStopped)
	s.publishStatus(run.strategyID, StateStopped)
	close(loop.doneCh)
	return nil
}

// abortRun is the outer-cancellation path: Stop's timeout fired, or
// the process is shutting down. Unlike handleStop it does not attempt
// to flatten the position — the cancellation itself means there is no
// more time budget for a venue round trip.
func (s *Supervisor) abortRun(run *runContext, loop *strategyLoop) {
	_ = run.kernel.Shutdown(context.Background(), run.sc, "canceled")
	balance := run.state.StartingBalance + run.state.RealizedPnL
	_ = s.ledger.CloseRun(run.runID, balance, "error")
	loop.setState(StateError)
	s.publishStatus(run.strategyID, StateError)
	s.mu.Lock()
	delete(s.loops, run.strategyID)
	s.mu.Unlock()
	close(loop.doneCh)
}

// buildRequestTrade closes over one run's mutable state to give the
// kernel a single entry point for proposing trades: every proposal is
// re-evaluated against the risk gate before anything reaches the
// exchange.
func (s *Supervisor) buildRequestTrade(run *runContext, _ *kernel.StrategyContext) kernel.RequestTradeFunc {
	return func(ctx context.Context, action risk.ProposedAction) error {
		verdict := risk.Evaluate(run.policy, run.position, run.state, action, time.Now())
		s.writeAudit(audit.Record{
			Timestamp: time.Now(), StrategyID: run.strategyID, RunID: run.runID,
			Position: positionSnapshot(run.position), Proposed: string(action.Kind),
			RiskOutcome: string(verdict.Outcome), RiskReason: verdict.Reason,
		})
		switch verdict.Outcome {
		case risk.Deny:
			s.publishError(run.strategyID, errs.KindRiskDenied, verdict.Reason)
			return errs.New(errs.KindRiskDenied, verdict.Reason)
		case risk.ForceClose:
			s.publishError(run.strategyID, errs.KindRiskDenied, "force close pending: "+verdict.Reason)
			return errs.New(errs.KindRiskDenied, "force close pending: "+verdict.Reason)
		}

		switch action.Kind {
		case risk.ActionOpen, risk.ActionAdd:
			fill, err := s.adapter.OpenMarket(ctx, action.Symbol, action.Side, action.Notional)
			if err != nil {
				return err
			}
			s.recordOpenOrAdd(run, action, fill)
			return nil
		case risk.ActionClose:
			fill, err := s.adapter.CloseMarket(ctx, action.Symbol, action.Side)
			if err != nil {
				return err
			}
			s.recordClose(run, action, fill)
			return nil
		default:
			return fmt.Errorf("supervisor: unknown action kind %q", action.Kind)
		}
	}
}

func (s *Supervisor) recordOpenOrAdd(run *runContext, action risk.ProposedAction, fill *exchange.Fill) {
	kind := ledger.TradeOpen
	if action.Kind == risk.ActionAdd {
		kind = ledger.TradeAdd
	}
	now := time.Now()
	tradeID := uuid.NewString()

	if run.position == nil {
		run.position = &exchange.Position{
			Symbol:     action.Symbol,
			Side:       action.Side,
			EntryPrice: fill.Price,
			Quantity:   fill.Qty,
			Notional:   action.Notional,
			MarkPrice:  fill.Price,
			OpenTime:   now,
		}
	} else {
		totalQty := run.position.Quantity + fill.Qty
		run.position.EntryPrice = (run.position.EntryPrice*run.position.Quantity + fill.Price*fill.Qty) / totalQty
		run.position.Quantity = totalQty
		run.position.Notional += action.Notional
		run.position.MarkPrice = fill.Price
		run.state.PriorAdds++
	}

	trade := ledger.Trade{
		ID: tradeID, StrategyID: run.strategyID, RunID: run.runID,
		Kind: kind, Side: ledger.TradeSide(action.Side), Symbol: action.Symbol,
		FillPrice: fill.Price, Quantity: fill.Qty, Timestamp: now,
	}
	if err := s.ledger.AppendTrade(trade); err != nil {
		s.log.Error().Err(err).Str("strategy_id", run.strategyID).Msg("failed to append trade")
	}
	_ = s.ledger.UpsertPosition(run.runID, toLedgerPosition(run.position))

	run.state.LastTradeAt = now
	run.kernel.OnTrade(kernel.TradeInfo{Kind: action.Kind, Side: action.Side, Symbol: action.Symbol, FillPrice: fill.Price, Quantity: fill.Qty, Timestamp: now})
	s.bus.Publish(eventbus.TopicTrade, eventbus.TradeEvent{
		TradeID: tradeID, StrategyID: run.strategyID, RunID: run.runID,
		Kind: string(kind), Side: string(action.Side), Symbol: action.Symbol,
		FillPrice: fill.Price, Quantity: fill.Qty,
	})
}

func (s *Supervisor) recordClose(run *runContext, action risk.ProposedAction, fill *exchange.Fill) {
	now := time.Now()
	tradeID := uuid.NewString()

	var pnl float64
	var quantity float64
	if run.position != nil {
		run.position.MarkPrice = fill.Price
		pnl = run.position.UnrealizedPnL()
		quantity = run.position.Quantity
	}

	trade := ledger.Trade{
		ID: tradeID, StrategyID: run.strategyID, RunID: run.runID,
		Kind: ledger.TradeClose, Side: ledger.TradeSide(action.Side), Symbol: action.Symbol,
		FillPrice: fill.Price, Quantity: quantity, RealizedPnL: &pnl, Timestamp: now,
	}
	if err := s.ledger.AppendTrade(trade); err != nil {
		s.log.Error().Err(err).Str("strategy_id", run.strategyID).Msg("failed to append trade")
	}
	_ = s.ledger.UpsertPosition(run.runID, nil)

	run.state.RealizedPnL += pnl
	run.state.LastTradeAt = now
	run.position = nil
	run.kernel.OnTrade(kernel.TradeInfo{Kind: risk.ActionClose, Side: action.Side, Symbol: action.Symbol, FillPrice: fill.Price, Quantity: quantity, RealizedPnL: &pnl, Timestamp: now})
	s.bus.Publish(eventbus.TopicTrade, eventbus.TradeEvent{
		TradeID: tradeID, StrategyID: run.strategyID, RunID: run.runID,
		Kind: string(ledger.TradeClose), Side: string(action.Side), Symbol: action.Symbol,
		FillPrice: fill.Price, Quantity: quantity,
	})
}

// reconcileOnStart inspects the venue for a pre-existing position on
// the strategy's symbol and either adopts it into the fresh run or
// closes it flat, per the strategy's reconcileOnStart config.
func (s *Supervisor) reconcileOnStart(ctx context.Context, strategy *ledger.Strategy, run *runContext) error {
	pos, err := s.adapter.FetchPosition(ctx, run.symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	switch reconcileModeOf(strategy.Config) {
	case exchange.ReconcileClose:
		fill, err := s.adapter.CloseMarket(ctx, run.symbol, pos.Side)
		if err != nil {
			return err
		}
		pnl := pos.UnrealizedPnL()
		trade := ledger.Trade{
			ID: uuid.NewString(), StrategyID: run.strategyID, RunID: run.runID,
			Kind: ledger.TradeClose, Side: ledger.TradeSide(pos.Side), Symbol: run.symbol,
			FillPrice: fill.Price, Quantity: pos.Quantity, RealizedPnL: &pnl, Timestamp: time.Now(),
		}
		if err := s.ledger.AppendTrade(trade); err != nil {
			return err
		}
		run.state.RealizedPnL += pnl
		return nil
	default: // exchange.ReconcileAdopt
		run.position = pos
		return s.ledger.UpsertPosition(run.runID, toLedgerPosition(pos))
	}
}

func toLedgerPosition(p *exchange.Position) *ledger.Position {
	if p == nil {
		return nil
	}
	return &ledger.Position{
		Symbol: p.Symbol, Side: ledger.TradeSide(p.Side), EntryPrice: p.EntryPrice,
		Quantity: p.Quantity, Notional: p.Notional, Leverage: p.Leverage,
		OpenedAt: p.OpenTime, MarkPrice: p.MarkPrice,
	}
}

// writeAudit appends one decision-trail record, if an audit logger was
// configured. Logging failures are recorded but never interrupt the
// tick loop.
func (s *Supervisor) writeAudit(rec audit.Record) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Log(rec); err != nil {
		s.log.Warn().Err(err).Str("strategy_id", rec.StrategyID).Msg("failed to append audit record")
	}
}

func positionSnapshot(p *exchange.Position) *audit.PositionSnapshot {
	if p == nil {
		return nil
	}
	return &audit.PositionSnapshot{
		Symbol: p.Symbol, Side: string(p.Side), Quantity: p.Quantity,
		EntryPrice: p.EntryPrice, MarkPrice: p.MarkPrice, UnrealizedPnL: p.UnrealizedPnL(),
	}
}
