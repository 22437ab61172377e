package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/oracle"
)

func llmConfig() map[string]any {
	return map[string]any{
		"trading": map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 1},
		"llm": map[string]any{
			"confidenceThreshold": 0.65,
			"callIntervalSeconds": 3600,
			"notional":            100.0,
		},
	}
}

func TestLLMSignalTradesAboveConfidenceThreshold(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.bars = barsOf([]float64{100, 101, 99, 102, 103, 104, 98, 97, 99, 101, 103, 105, 104, 106, 108, 107, 109, 110, 111, 112})
	predictor := &stubPredictor{confidences: []float64{0.8}, direction: oracle.DirectionLong}
	k := NewLLMSignal(predictor)
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, llmConfig(), &pos, &recorded)

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(recorded) != 1 || recorded[0].kind != "open" {
		t.Fatalf("expected a single open trade, got %+v", recorded)
	}
}

func TestLLMSignalDoesNotCallMoreOftenThanInterval(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.bars = barsOf([]float64{100, 101, 99, 102, 103, 104, 98, 97, 99, 101, 103, 105, 104, 106, 108, 107, 109, 110, 111, 112})
	predictor := &stubPredictor{confidences: []float64{0.8, 0.9}, direction: oracle.DirectionLong}
	k := NewLLMSignal(predictor)
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, llmConfig(), &pos, &recorded)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	sc.Now = func() time.Time { return now }

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	pos = &exchange.Position{Side: exchange.SideLong}

	now = base.Add(time.Minute)
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	if predictor.calls != 1 {
		t.Fatalf("expected the oracle called once within the interval, got %d calls", predictor.calls)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected no additional trade within the interval, got %+v", recorded)
	}
}

func TestLLMSignalNoTradeBelowThreshold(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.bars = barsOf([]float64{100, 101, 99, 102, 103, 104, 98, 97, 99, 101, 103, 105, 104, 106, 108, 107, 109, 110, 111, 112})
	predictor := &stubPredictor{confidences: []float64{0.4}, direction: oracle.DirectionShort}
	k := NewLLMSignal(predictor)
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, llmConfig(), &pos, &recorded)

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(recorded) != 0 {
		t.Fatalf("expected no trade below threshold, got %+v", recorded)
	}
}
