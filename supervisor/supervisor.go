package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nofx-labs/futuresupervisor/audit"
	"github.com/nofx-labs/futuresupervisor/errs"
	"github.com/nofx-labs/futuresupervisor/eventbus"
	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/kernel"
	"github.com/nofx-labs/futuresupervisor/ledger"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// maxConsecutiveKernelErrors is the count of back-to-back recoverable
// errors (recoverable kernel errors and transient venue errors share
// one counter) at which a run is marked Error.
const maxConsecutiveKernelErrors = 5

// defaultStopTimeout bounds how long Stop waits for the in-flight tick
// to finish before canceling the loop outright.
const defaultStopTimeout = 30 * time.Second

// defaultReconcileMode applies when a strategy's trading config omits
// the reconcileOnStart field.
const defaultReconcileMode = exchange.ReconcileAdopt

// PolicyLookup resolves a strategy's risk.Policy from its definition.
// Kept as a function rather than a fixed struct field so the caller
// can source policy from strategy config without this package parsing
// the risk config section itself.
type PolicyLookup func(strategy ledger.Strategy) (risk.Policy, error)

// Supervisor owns one independent control loop per running strategy.
// Commands on the same strategy id are serialized; strategies run in
// parallel with respect to each other.
type Supervisor struct {
	ledger   *ledger.Ledger
	bus      *eventbus.Bus
	adapter  exchange.Adapter
	kernels  *KernelRegistry
	auditLog *audit.Logger
	policies PolicyLookup
	log      zerolog.Logger

	mu    sync.Mutex
	loops map[string]*strategyLoop
}

// New builds a Supervisor over the given ledger, event bus, and
// shared exchange adapter. auditLog may be nil to skip decision-trail
// persistence.
func New(led *ledger.Ledger, bus *eventbus.Bus, adapter exchange.Adapter, kernels *KernelRegistry, auditLog *audit.Logger, policies PolicyLookup, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		ledger:   led,
		bus:      bus,
		adapter:  adapter,
		kernels:  kernels,
		auditLog: auditLog,
		policies: policies,
		log:      log,
		loops:    make(map[string]*strategyLoop),
	}
}

// strategyLoop is the per-strategy concurrency unit: cooperative and
// single-threaded internally (kernel, risk gate, and ledger writes for
// one tick run sequentially), with its own cancellation and state.
type strategyLoop struct {
	strategyID string

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	doneCh chan struct{}
	stopCh chan stopRequest

	// run is set once in Start before the drive goroutine launches and
	// never reassigned afterward, so reading it from another goroutine
	// (e.g. ForceRetrain) needs no further synchronization. Its kernel
	// field is likewise set before launch and never reassigned, which is
	// what ForceRetrain reads; the other fields inside it are drive's
	// exclusively.
	run *runContext
}

type stopRequest struct {
	closePositions bool
	result         chan error
}

func (l *strategyLoop) setState(st State) {
	l.mu.Lock()
	l.state = st
	l.mu.Unlock()
}

// Status returns a running strategy's current state, or StateStopped
// if it has no active loop.
func (s *Supervisor) Status(strategyID string) State {
	s.mu.Lock()
	loop, ok := s.loops[strategyID]
	s.mu.Unlock()
	if !ok {
		return StateStopped
	}
	loop.mu.Lock()
	defer loop.mu.Unlock()
	return loop.state
}

// Wait blocks until strategyID's loop has torn down (Stopped or
// Error), or returns immediately if it has no active loop. Intended
// for tests and for a cmd-level shutdown sequence that waits out every
// running strategy before the process exits.
func (s *Supervisor) Wait(strategyID string) {
	s.mu.Lock()
	loop, ok := s.loops[strategyID]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-loop.doneCh
}

// Start transitions a stopped strategy to Running: it opens a run in
// the ledger, reconciles any pre-existing exchange position per the
// strategy's reconcileOnStart config, initializes the kernel, and
// begins the tick loop. Start blocks until the kernel's Initialize
// call completes (success or failure); it does not wait for ticks.
func (s *Supervisor) Start(ctx context.Context, strategyID string, kt KernelType, checkInterval time.Duration) error {
	s.mu.Lock()
	if _, exists := s.loops[strategyID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: strategy %s already has an active loop", strategyID)
	}
	loop := &strategyLoop{
		strategyID: strategyID,
		state:      StateStarting,
		doneCh:     make(chan struct{}),
		stopCh:     make(chan stopRequest, 1),
	}
	s.loops[strategyID] = loop
	s.mu.Unlock()

	strategy, err := s.ledger.GetStrategy(strategyID)
	if err != nil {
		s.abortStart(strategyID, loop)
		return err
	}

	policy, err := s.policies(*strategy)
	if err != nil {
		s.abortStart(strategyID, loop)
		return errs.Wrap(errs.KindConfig, err, "resolve risk policy")
	}

	k, err := s.kernels.Build(kt)
	if err != nil {
		s.abortStart(strategyID, loop)
		return errs.Wrap(errs.KindConfig, err, "build kernel")
	}

	balance, err := s.adapter.FetchBalance(ctx)
	if err != nil {
		s.abortStart(strategyID, loop)
		return err
	}

	runID := uuid.NewString()
	if err := s.ledger.OpenRun(strategyID, runID, balance.Total); err != nil {
		s.abortStart(strategyID, loop)
		return err
	}

	symbol := symbolOf(strategy.Config)
	run := &runContext{
		strategyID:    strategyID,
		runID:         runID,
		symbol:        symbol,
		policy:        policy,
		checkInterval: checkInterval,
		state: risk.RunState{
			StartingBalance: balance.Total,
		},
	}

	if err := s.reconcileOnStart(ctx, strategy, run); err != nil {
		s.ledger.CloseRun(runID, balance.Total, "error")
		s.abortStart(strategyID, loop)
		return err
	}

	sc := &kernel.StrategyContext{
		StrategyID: strategyID,
		RunID:      runID,
		Config:     strategy.Config,
		Position:   func() *exchange.Position { return run.position },
		Adapter:    s.adapter,
		Log:        s.log.With().Str("strategy_id", strategyID).Logger(),
	}
	sc.RequestTrade = s.buildRequestTrade(run, sc)
	run.kernel = k
	run.sc = sc

	if err := k.Initialize(ctx, sc); err != nil {
		s.ledger.CloseRun(runID, balance.Total, "error")
		s.abortStart(strategyID, loop)
		return errs.Wrap(errs.KindConfig, err, "kernel initialize")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	loop.cancel = cancel
	loop.run = run
	loop.setState(StateRunning)
	s.publishStatus(strategyID, StateRunning)

	go s.drive(runCtx, loop, run)
	return nil
}

func (s *Supervisor) abortStart(strategyID string, loop *strategyLoop) {
	loop.setState(StateError)
	s.publishStatus(strategyID, StateError)
	s.mu.Lock()
	delete(s.loops, strategyID)
	s.mu.Unlock()
	close(loop.doneCh)
}

// Stop requests a running strategy stop. It blocks until the loop
// reaches Stopped, or until defaultStopTimeout elapses, after which
// the loop is canceled outright and the strategy marked Error.
func (s *Supervisor) Stop(strategyID string, closePositions bool) error {
	s.mu.Lock()
	loop, ok := s.loops[strategyID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: strategy %s has no active loop", strategyID)
	}

	loop.setState(StateStopping)
	s.publishStatus(strategyID, StateStopping)

	result := make(chan error, 1)
	select {
	case loop.stopCh <- stopRequest{closePositions: closePositions, result: result}:
	default:
		return fmt.Errorf("supervisor: strategy %s already has a stop in flight", strategyID)
	}

	select {
	case err := <-result:
		s.mu.Lock()
		delete(s.loops, strategyID)
		s.mu.Unlock()
		return err
	case <-time.After(defaultStopTimeout):
		loop.cancel()
		loop.setState(StateError)
		s.publishStatus(strategyID, StateError)
		s.mu.Lock()
		delete(s.loops, strategyID)
		s.mu.Unlock()
		return errs.New(errs.KindCancellationTimeout, "stop did not complete within the bound")
	}
}

// ForceRetrain marks a running strategy's ML-Classifier kernel stale,
// so its next tick retrains regardless of bar cadence. A no-op, not an
// error, if the strategy is running some other kernel type: callers
// that don't track which kernel a strategy uses can call this
// unconditionally.
func (s *Supervisor) ForceRetrain(strategyID string) error {
	s.mu.Lock()
	loop, ok := s.loops[strategyID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: strategy %s has no active loop", strategyID)
	}
	ml, ok := loop.run.kernel.(*kernel.MLClassifier)
	if !ok {
		return nil
	}
	ml.ForceRetrain()
	return nil
}

func symbolOf(cfg map[string]any) string {
	trading, ok := cfg["trading"].(map[string]any)
	if !ok {
		return ""
	}
	symbol, _ := trading["symbol"].(string)
	return symbol
}

func reconcileModeOf(cfg map[string]any) exchange.ReconcileMode {
	trading, ok := cfg["trading"].(map[string]any)
	if !ok {
		return defaultReconcileMode
	}
	mode, ok := trading["reconcileOnStart"].(string)
	if !ok {
		return defaultReconcileMode
	}
	switch exchange.ReconcileMode(mode) {
	case exchange.ReconcileAdopt, exchange.ReconcileClose:
		return exchange.ReconcileMode(mode)
	default:
		return defaultReconcileMode
	}
}

func (s *Supervisor) publishStatus(strategyID string, state State) {
	s.bus.Publish(eventbus.TopicStrategyStatus, eventbus.StrategyStatusEvent{
		StrategyID: strategyID,
		Status:     string(state),
	})
}

func (s *Supervisor) publishError(strategyID string, kind errs.Kind, message string) {
	s.bus.Publish(eventbus.TopicError, eventbus.ErrorEvent{
		StrategyID: strategyID,
		Kind:       string(kind),
		Message:    message,
	})
}
