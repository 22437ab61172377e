package kernel

import (
	"context"
	"testing"

	"github.com/nofx-labs/futuresupervisor/exchange"
	"github.com/nofx-labs/futuresupervisor/market"
	"github.com/nofx-labs/futuresupervisor/oracle"
)

// stubPredictor returns a fixed, scripted sequence of predictions, one
// per call, so the confidence-gating behavior can be tested without
// exercising the forest's own training.
type stubPredictor struct {
	calls       int
	confidences []float64
	direction   oracle.Direction
}

func (s *stubPredictor) Predict(ctx context.Context, features map[string]float64) (oracle.Prediction, error) {
	c := s.confidences[s.calls]
	s.calls++
	return oracle.Prediction{Direction: s.direction, Confidence: c}, nil
}

func mlConfig() map[string]any {
	return map[string]any{
		"trading": map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 1},
		"ml": map[string]any{
			"confidenceThreshold": 0.65,
			"retrainIntervalBars": 1000000,
			"notional":            100.0,
			"treeCount":           5,
		},
	}
}

func flatBars200(price float64) []market.Bar {
	bars := make([]market.Bar, 200)
	for i := range bars {
		bars[i] = market.Bar{Open: price, High: price, Low: price, Close: price}
	}
	return bars
}

// S6: probabilities 0.55, 0.72, 0.61 over three ticks with
// threshold=0.65 -> exactly one open trade, on the second tick.
func TestMLClassifierConfidenceGateOpensOnlyAboveThreshold(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.bars = flatBars200(100)
	k := NewMLClassifier()
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, mlConfig(), &pos, &recorded)

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	stub := &stubPredictor{confidences: []float64{0.55, 0.72, 0.61}, direction: oracle.DirectionLong}
	k.active = stub
	k.barsSeen = 1 // avoid landing on the retrain-interval modulus during the test

	for i := 0; i < 3; i++ {
		if err := k.RunOnce(ctx, sc); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if len(recorded) != 1 {
		t.Fatalf("expected exactly one trade across the three ticks, got %+v", recorded)
	}
	if recorded[0].kind != "open" {
		t.Fatalf("expected the trade to be an open, got %+v", recorded[0])
	}
	if stub.calls != 3 {
		t.Fatalf("expected the predictor consulted on every tick, got %d calls", stub.calls)
	}
}

func TestMLClassifierNoTradeBelowConfidenceThreshold(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.bars = flatBars200(100)
	k := NewMLClassifier()
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, mlConfig(), &pos, &recorded)

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	stub := &stubPredictor{confidences: []float64{0.1, 0.2}, direction: oracle.DirectionShort}
	k.active = stub
	k.barsSeen = 1

	for i := 0; i < 2; i++ {
		if err := k.RunOnce(ctx, sc); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if len(recorded) != 0 {
		t.Fatalf("expected no trade below threshold, got %+v", recorded)
	}
}
