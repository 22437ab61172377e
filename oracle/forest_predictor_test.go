package oracle

import (
	"context"
	"testing"
)

func linearlySeparableSamples() []LabeledSample {
	var samples []LabeledSample
	for i := 0; i < 40; i++ {
		x := float64(i)
		label := DirectionShort
		if x > 20 {
			label = DirectionLong
		}
		samples = append(samples, LabeledSample{
			Features: map[string]float64{"momentum": x, "rsi": 50 + x/2},
			Label:    label,
		})
	}
	return samples
}

func TestForestPredictorFitsLinearlySeparableData(t *testing.T) {
	f := NewForestPredictor(42)
	samples := linearlySeparableSamples()
	if err := f.Fit(samples, 15, 5); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	pred, err := f.Predict(context.Background(), map[string]float64{"momentum": 35, "rsi": 67})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Direction != DirectionLong {
		t.Errorf("Direction = %v, want long", pred.Direction)
	}
	if pred.Confidence <= 0 || pred.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0,1]", pred.Confidence)
	}
}

func TestForestPredictorDeterministicAcrossSameSeed(t *testing.T) {
	samples := linearlySeparableSamples()
	f1 := NewForestPredictor(7)
	f2 := NewForestPredictor(7)
	if err := f1.Fit(samples, 10, 4); err != nil {
		t.Fatalf("Fit f1: %v", err)
	}
	if err := f2.Fit(samples, 10, 4); err != nil {
		t.Fatalf("Fit f2: %v", err)
	}

	features := map[string]float64{"momentum": 10, "rsi": 55}
	p1, _ := f1.Predict(context.Background(), features)
	p2, _ := f2.Predict(context.Background(), features)
	if p1.Direction != p2.Direction || p1.Confidence != p2.Confidence {
		t.Fatalf("predictions differ across identical seeds: %+v vs %+v", p1, p2)
	}
}

func TestForestPredictorErrorsBeforeFit(t *testing.T) {
	f := NewForestPredictor(1)
	if _, err := f.Predict(context.Background(), map[string]float64{"x": 1}); err == nil {
		t.Fatal("Predict before Fit succeeded, want error")
	}
}

func TestFitRejectsEmptySamples(t *testing.T) {
	f := NewForestPredictor(1)
	if err := f.Fit(nil, 10, 4); err == nil {
		t.Fatal("Fit(nil) succeeded, want error")
	}
}
