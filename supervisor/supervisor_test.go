package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nofx-labs/futuresupervisor/audit"
	"github.com/nofx-labs/futuresupervisor/eventbus"
	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/ledger"
	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/risk"
)

// fakeAdapter is a hand-held exchange.Adapter for driving the
// supervisor's tick loop deterministically from a test goroutine: the
// price only moves when the test calls SetPrice, never on a timer.
type fakeAdapter struct {
	mu         sync.Mutex
	price      float64
	position   *exchange.Position
	balance    exchange.Balance
	openCalls  int
	closeCalls int
}

func newFakeAdapter(price float64) *fakeAdapter {
	return &fakeAdapter{price: price, balance: exchange.Balance{Total: 10_000, Free: 10_000}}
}

func newFakeAdapterWithBalance(price, balance float64) *fakeAdapter {
	return &fakeAdapter{price: price, balance: exchange.Balance{Total: balance, Free: balance}}
}

func (a *fakeAdapter) SetPrice(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.price = p
}

func (a *fakeAdapter) Counts() (open, close_ int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openCalls, a.closeCalls
}

func (a *fakeAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (a *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &exchange.Ticker{Symbol: symbol, Bid: a.price, Ask: a.price, Last: a.price, Mark: a.price, Timestamp: time.Now()}, nil
}

func (a *fakeAdapter) FetchBars(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Bar, error) {
	return nil, nil
}

func (a *fakeAdapter) OpenMarket(ctx context.Context, symbol string, side exchange.Side, notional float64) (*exchange.Fill, error) {
	a.mu.Lock()
	a.openCalls++
	price := a.price
	a.mu.Unlock()
	return &exchange.Fill{Price: price, Qty: notional / price, Timestamp: time.Now()}, nil
}

func (a *fakeAdapter) CloseMarket(ctx context.Context, symbol string, side exchange.Side) (*exchange.Fill, error) {
	a.mu.Lock()
	a.closeCalls++
	price := a.price
	a.mu.Unlock()
	return &exchange.Fill{Price: price, Timestamp: time.Now()}, nil
}

func (a *fakeAdapter) FetchPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position, nil
}

func (a *fakeAdapter) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.balance
	return &b, nil
}

func martingaleStrategyConfig() map[string]any {
	return map[string]any{
		"trading":    map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 10},
		"martingale": map[string]any{"initialPosition": 200.0, "multiplier": 2.0, "maxAdditions": 5},
		"trigger":    map[string]any{"priceDropPercent": 5.0, "startImmediately": false},
	}
}

func newTestSupervisor(t *testing.T, adapter exchange.Adapter, policy risk.Policy) (*Supervisor, *ledger.Ledger, *eventbus.Bus) {
	t.Helper()
	led, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	require.NoError(t, led.CreateStrategy(&ledger.Strategy{
		ID: "strat-1", Name: "test", Kind: ledger.KindConfig,
		Config: martingaleStrategyConfig(), Status: ledger.StatusStopped,
	}))

	bus := eventbus.New()
	kernels := NewKernelRegistry(nil)
	auditLog, err := audit.NewLogger(t.TempDir())
	require.NoError(t, err)

	policyFn := func(ledger.Strategy) (risk.Policy, error) { return policy, nil }
	sup := New(led, bus, adapter, kernels, auditLog, policyFn, zerolog.Nop())
	return sup, led, bus
}

func TestSupervisorStartOpensPositionAndStopFlattens(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 15*time.Millisecond))
	require.Eventually(t, func() bool {
		open, _ := adapter.Counts()
		return open >= 1
	}, time.Second, 5*time.Millisecond, "martingale should open its initial position on the first tick")

	require.NoError(t, sup.Stop("strat-1", true))
	_, closeCalls := adapter.Counts()
	require.GreaterOrEqual(t, closeCalls, 1, "Stop(closePositions=true) must flatten the open position")
	require.Equal(t, StateStopped, sup.Status("strat-1"))
}

func TestSupervisorStopWithoutClosingLeavesPosition(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 15*time.Millisecond))
	require.Eventually(t, func() bool {
		open, _ := adapter.Counts()
		return open >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Stop("strat-1", false))
	_, closeCalls := adapter.Counts()
	require.Equal(t, 0, closeCalls, "Stop(closePositions=false) must not flatten the position")
	require.Equal(t, StateStopped, sup.Status("strat-1"))
}

func TestSupervisorStopLossForcesClose(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{StopLossPct: 10})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 10*time.Millisecond))
	require.Eventually(t, func() bool {
		open, _ := adapter.Counts()
		return open >= 1
	}, time.Second, 5*time.Millisecond)

	adapter.SetPrice(44_000) // -12%, past a 10% stop-loss on a long
	require.Eventually(t, func() bool {
		_, closeCalls := adapter.Counts()
		return closeCalls >= 1
	}, time.Second, 5*time.Millisecond, "a breach past StopLossPct must force-close the position")

	// Stop-loss is not a terminal-run reason (only max-loss is), so the
	// run keeps ticking rather than transitioning to Error.
	require.Equal(t, StateRunning, sup.Status("strat-1"))
	require.NoError(t, sup.Stop("strat-1", false))
}

func TestSupervisorMaxLossTerminatesRun(t *testing.T) {
	// A starting balance equal to the initial position's notional (200)
	// means a 5% max-loss is a $10 unrealized move, i.e. a 5% price
	// drop; the policy sets no stop-loss, so max-loss is what fires.
	adapter := newFakeAdapterWithBalance(50_000, 200)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{MaxLossPct: 5})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 10*time.Millisecond))
	require.Eventually(t, func() bool {
		open, _ := adapter.Counts()
		return open >= 1
	}, time.Second, 5*time.Millisecond)

	adapter.SetPrice(47_500) // qty=200/50000=0.004 BTC; unrealized = (47500-50000)*0.004 = -10, exactly 5% of the 200 starting balance
	require.Eventually(t, func() bool {
		return sup.Status("strat-1") == StateStopped
	}, 2*time.Second, 5*time.Millisecond, "max-loss must be terminal and stop the run")
}

func TestSupervisorReconcileAdoptsPreexistingPosition(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	adapter.position = &exchange.Position{
		Symbol: "BTCUSDT", Side: exchange.SideLong, EntryPrice: 49_000,
		Quantity: 0.01, Notional: 490, MarkPrice: 49_000, OpenTime: time.Now(),
	}
	sup, led, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 15*time.Millisecond))
	require.Eventually(t, func() bool {
		return sup.Status("strat-1") == StateRunning
	}, time.Second, 5*time.Millisecond)

	// Give a few ticks a chance to run; martingale must not re-open a
	// position that reconcile already adopted.
	time.Sleep(60 * time.Millisecond)
	open, _ := adapter.Counts()
	require.Equal(t, 0, open, "martingale must not re-open a position that reconcile already adopted")

	page, err := led.ListTrades("strat-1", "", 0, 10)
	require.NoError(t, err)
	require.Empty(t, page.Items, "adopting a position is not itself a trade")

	require.NoError(t, sup.Stop("strat-1", false))
}

func TestSupervisorRejectsDoubleStart(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 50*time.Millisecond))
	err := sup.Start(context.Background(), "strat-1", KernelMartingale, 50*time.Millisecond)
	require.Error(t, err)
	require.NoError(t, sup.Stop("strat-1", false))
}

func mlStrategyConfig() map[string]any {
	return map[string]any{
		"trading": map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 5},
		"ml":      map[string]any{"confidenceThreshold": 0.65, "retrainIntervalBars": 6, "bufferSize": 500, "notional": 200.0, "treeCount": 25},
	}
}

func TestSupervisorForceRetrainOnMLStrategy(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, led, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.NoError(t, led.CreateStrategy(&ledger.Strategy{
		ID: "strat-ml", Name: "ml-test", Kind: ledger.KindConfig,
		Config: mlStrategyConfig(), Status: ledger.StatusStopped,
	}))

	require.NoError(t, sup.Start(context.Background(), "strat-ml", KernelML, 15*time.Millisecond))
	require.Eventually(t, func() bool {
		return sup.Status("strat-ml") == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.ForceRetrain("strat-ml"), "force-retrain on a running ML-Classifier strategy must succeed")
	// Idempotent: calling it again before the next tick consumes the
	// flag must not error either.
	require.NoError(t, sup.ForceRetrain("strat-ml"))

	require.NoError(t, sup.Stop("strat-ml", false))
}

func TestSupervisorForceRetrainIsNoOpOnNonMLStrategy(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 15*time.Millisecond))
	require.Eventually(t, func() bool {
		return sup.Status("strat-1") == StateRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.ForceRetrain("strat-1"), "force-retrain on a non-ML kernel must be a no-op, not an error")

	require.NoError(t, sup.Stop("strat-1", false))
}

func TestSupervisorForceRetrainUnknownStrategyErrors(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, _ := newTestSupervisor(t, adapter, risk.Policy{})

	require.Error(t, sup.ForceRetrain("no-such-strategy"))
}

func TestSupervisorPublishesStatusEvents(t *testing.T) {
	adapter := newFakeAdapter(50_000)
	sup, _, bus := newTestSupervisor(t, adapter, risk.Policy{})

	sub := bus.Subscribe(eventbus.TopicStrategyStatus)
	t.Cleanup(sub.Unsubscribe)

	require.NoError(t, sup.Start(context.Background(), "strat-1", KernelMartingale, 15*time.Millisecond))

	select {
	case evt := <-sub.Events():
		payload, ok := evt.Payload.(eventbus.StrategyStatusEvent)
		require.True(t, ok)
		require.Equal(t, "strat-1", payload.StrategyID)
	case <-time.After(time.Second):
		t.Fatal("expected a strategy_status event on Start")
	}

	require.NoError(t, sup.Stop("strat-1", false))
}
