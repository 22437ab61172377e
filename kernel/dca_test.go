package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/nofx-labs/futuresupervisor/exchange"
)

func dcaConfig() map[string]any {
	return map[string]any{
		"trading": map[string]any{"symbol": "BTCUSDT", "side": "long", "leverage": 1},
		"dca": map[string]any{
			"intervalSeconds": 3600,
			"notional":        100.0,
			"priceCeiling":    60000.0,
			"maxInvestment":   250.0,
		},
	}
}

func TestDCAInvestsOnIntervalUntilMaxInvestment(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.mark = 50000
	k := NewDCA()
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, dcaConfig(), &pos, &recorded)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	sc.Now = func() time.Time { return now }

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if len(recorded) != 1 || recorded[0].kind != "open" {
		t.Fatalf("expected one open trade, got %+v", recorded)
	}
	pos = &exchange.Position{Side: exchange.SideLong}

	// Before the interval elapses, no further trade.
	now = base.Add(30 * time.Minute)
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("mid-interval tick: %v", err)
	}
	if len(recorded) != 1 {
		t.Fatalf("expected no trade before interval elapses, got %+v", recorded)
	}

	// After the interval, a second add lands (total invested 200).
	now = base.Add(61 * time.Minute)
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("second interval tick: %v", err)
	}
	if len(recorded) != 2 || recorded[1].kind != "add" {
		t.Fatalf("expected a second add trade, got %+v", recorded)
	}

	// A third add would push total invested to 300, over the 250 cap.
	now = base.Add(122 * time.Minute)
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("third interval tick: %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("expected investment to stop at the cap, got %+v", recorded)
	}
}

func TestDCASkipsWhenPriceAboveCeiling(t *testing.T) {
	ctx := context.Background()
	adapter := newStubAdapter()
	adapter.mark = 70000
	k := NewDCA()
	var pos *exchange.Position
	var recorded []recordedAction
	sc := newTestContext(adapter, dcaConfig(), &pos, &recorded)

	if err := k.Initialize(ctx, sc); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := k.RunOnce(ctx, sc); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(recorded) != 0 {
		t.Fatalf("expected no trade above the price ceiling, got %+v", recorded)
	}
}
