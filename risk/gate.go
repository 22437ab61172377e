// Package risk implements the Risk Gate (C2): a stateless evaluator
// that, given a proposed trading action and the current position,
// decides whether the action proceeds, is denied, or must be preceded
// by a forced close.
package risk

import (
	"time"

	"github.com/nofx-labs/futuresupervisor/exchange"
)

// ActionKind is the kind of trade a kernel is proposing.
type ActionKind string

const (
	ActionOpen  ActionKind = "open"
	ActionAdd   ActionKind = "add"
	ActionClose ActionKind = "close"
)

// ProposedAction is what a kernel asks the supervisor to execute.
type ProposedAction struct {
	Kind     ActionKind
	Side     exchange.Side
	Symbol   string
	Notional float64
}

// Policy is the risk configuration shared by every tick of a run.
type Policy struct {
	StopLossPct   float64
	TakeProfitPct float64
	MaxLossPct    float64
	MaxAdditions  int
	Cooldown      time.Duration
}

// RunState is the subset of a strategy run's bookkeeping the gate
// needs: realized pnl so far, how many `add` trades have happened,
// and when the last trade landed (for the cooldown check).
type RunState struct {
	StartingBalance float64
	RealizedPnL     float64
	PriorAdds       int
	LastTradeAt     time.Time
}

// Outcome is the gate's verdict.
type Outcome string

const (
	Allow      Outcome = "allow"
	Deny       Outcome = "deny"
	ForceClose Outcome = "force_close"
)

// Reason codes, used both for logging and for the `error`/informational
// event payloads the supervisor publishes.
const (
	ReasonStopLoss      = "stop-loss"
	ReasonTakeProfit    = "take-profit"
	ReasonMaxLoss       = "max-loss"
	ReasonMaxAdditions  = "max-additions"
	ReasonCooldown      = "cooldown"
)

// Verdict is the gate's decision. TerminalRun is set only alongside a
// ForceClose(max-loss) verdict: the supervisor must mark the run
// terminal in addition to closing the position.
type Verdict struct {
	Outcome     Outcome
	Reason      string
	TerminalRun bool
}

// Evaluate applies a fixed evaluation order, first match wins:
// stop-loss, take-profit, max-loss, max-additions, cooldown, allow.
func Evaluate(policy Policy, position *exchange.Position, run RunState, action ProposedAction, now time.Time) Verdict {
	if position != nil {
		pnlPct := position.UnrealizedPnLPercent()
		if pnlPct <= -policy.StopLossPct && policy.StopLossPct > 0 {
			return Verdict{Outcome: ForceClose, Reason: ReasonStopLoss}
		}
		if pnlPct >= policy.TakeProfitPct && policy.TakeProfitPct > 0 {
			return Verdict{Outcome: ForceClose, Reason: ReasonTakeProfit}
		}
	}

	if policy.MaxLossPct > 0 && run.StartingBalance > 0 {
		unrealized := position.UnrealizedPnL()
		totalPnL := run.RealizedPnL + unrealized
		if totalPnL < 0 {
			lossPct := (-totalPnL / run.StartingBalance) * 100
			if lossPct >= policy.MaxLossPct {
				return Verdict{Outcome: ForceClose, Reason: ReasonMaxLoss, TerminalRun: true}
			}
		}
	}

	if action.Kind == ActionAdd && policy.MaxAdditions > 0 && run.PriorAdds >= policy.MaxAdditions {
		return Verdict{Outcome: Deny, Reason: ReasonMaxAdditions}
	}

	if policy.Cooldown > 0 && !run.LastTradeAt.IsZero() && now.Sub(run.LastTradeAt) < policy.Cooldown {
		return Verdict{Outcome: Deny, Reason: ReasonCooldown}
	}

	return Verdict{Outcome: Allow}
}
