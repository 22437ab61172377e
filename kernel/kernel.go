// Package kernel is the Strategy Kernel (C4): the pluggable decision
// unit the Supervisor drives. A Kernel is a small capability set —
// Initialize, RunOnce, Shutdown, OnTrade — with per-kernel state held
// in the concrete type's fields rather than in any shared global, per
// the "kernel polymorphism" design note.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// Kernel is the capability set every concrete strategy implements.
type Kernel interface {
	// Initialize loads and validates configuration, configures
	// leverage, and primes any internal state. Called once per run
	// before any RunOnce.
	Initialize(ctx context.Context, sc *StrategyContext) error

	// RunOnce performs exactly one decision step. Implementations
	// must be idempotent with respect to exchange state: two
	// back-to-back calls without a price change must not double-trade.
	RunOnce(ctx context.Context, sc *StrategyContext) error

	// Shutdown releases internal resources. Position liquidation is
	// handled by the supervisor, not the kernel.
	Shutdown(ctx context.Context, sc *StrategyContext, reason string) error

	// OnTrade notifies the kernel a trade was recorded, so kernels
	// that track state like "prior adds" or "extreme price" can reset.
	OnTrade(trade TradeInfo)
}

// TradeInfo is the subset of a recorded trade a kernel needs to react to.
type TradeInfo struct {
	Kind        risk.ActionKind
	Side        exchange.Side
	Symbol      string
	FillPrice   float64
	Quantity    float64
	RealizedPnL *float64
	Timestamp   time.Time
}

// RequestTradeFunc is how a kernel asks the supervisor to place a
// trade. The supervisor re-evaluates the Risk Gate against the
// proposed action inline; a non-nil error means the action was
// denied or failed, not that the kernel errored.
type RequestTradeFunc func(ctx context.Context, action risk.ProposedAction) error

// StrategyContext is passed to every Kernel call. It is the kernel's
// only channel to the outside world, per the "config documents" and
// "coroutine control flow" design notes: no implicit globals, no raw
// hierarchical config map threaded past Initialize.
type StrategyContext struct {
	StrategyID string
	RunID      string
	Config     map[string]any
	Position   func() *exchange.Position
	Adapter    exchange.Adapter
	Log        zerolog.Logger
	Now        func() time.Time

	RequestTrade RequestTradeFunc
}

// now returns sc.Now() if set, else time.Now(). Backtest contexts
// inject a simulated clock; live contexts leave Now nil.
func (sc *StrategyContext) now() time.Time {
	if sc.Now != nil {
		return sc.Now()
	}
	return time.Now()
}

// ErrRecoverable wraps a kernel error that should be logged and
// counted but must not end the run.
type ErrRecoverable struct {
	Cause error
}

func (e *ErrRecoverable) Error() string { return fmt.Sprintf("kernel: recoverable: %v", e.Cause) }
func (e *ErrRecoverable) Unwrap() error { return e.Cause }

// Recoverable wraps err as an ErrRecoverable.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &ErrRecoverable{Cause: err}
}

// configSection reads a required section out of a kernel's config
// map, failing with errs.KindConfig semantics (via a plain error; the
// supervisor wraps it) when the section is missing or not a map, per
// the "config documents" design note.
func configSection(cfg map[string]any, name string) (map[string]any, error) {
	raw, ok := cfg[name]
	if !ok {
		return nil, fmt.Errorf("config: missing section %q", name)
	}
	section, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("config: section %q is not a map", name)
	}
	return section, nil
}
