package ledger

import (
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func seedStrategy(t *testing.T, l *Ledger, id string) {
	t.Helper()
	err := l.CreateStrategy(&Strategy{
		ID:     id,
		Name:   "test strategy",
		Kind:   KindConfig,
		Config: map[string]any{"symbol": "BTCUSDT"},
		Status: StatusStopped,
	})
	if err != nil {
		t.Fatalf("CreateStrategy: %v", err)
	}
}

func TestOpenRunRejectsSecondOpenRun(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")

	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("first OpenRun: %v", err)
	}
	if err := l.OpenRun("s1", "r2", 1000); err == nil {
		t.Fatal("second OpenRun succeeded, want error (invariant: one open run per strategy)")
	}
}

func TestOpenRunAllowedAfterClose(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")

	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := l.CloseRun("r1", 1000, "stopped"); err != nil {
		t.Fatalf("CloseRun: %v", err)
	}
	if err := l.OpenRun("s1", "r2", 1000); err != nil {
		t.Fatalf("OpenRun after close: %v", err)
	}
}

func TestDeleteStrategyForbiddenWithOpenRun(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")
	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := l.DeleteStrategy("s1"); err == nil {
		t.Fatal("DeleteStrategy succeeded with an open run, want error")
	}
}

func TestAppendTradeUpdatesRunCounters(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")
	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}

	win := 10.0
	loss := -4.0
	trades := []Trade{
		{ID: "t1", StrategyID: "s1", RunID: "r1", Kind: TradeOpen, Side: TradeSideLong, Symbol: "BTCUSDT", FillPrice: 50000, Quantity: 0.01, Timestamp: time.Now()},
		{ID: "t2", StrategyID: "s1", RunID: "r1", Kind: TradeClose, Side: TradeSideLong, Symbol: "BTCUSDT", FillPrice: 51000, Quantity: 0.01, RealizedPnL: &win, Timestamp: time.Now()},
		{ID: "t3", StrategyID: "s1", RunID: "r1", Kind: TradeOpen, Side: TradeSideShort, Symbol: "BTCUSDT", FillPrice: 51000, Quantity: 0.01, Timestamp: time.Now()},
		{ID: "t4", StrategyID: "s1", RunID: "r1", Kind: TradeClose, Side: TradeSideShort, Symbol: "BTCUSDT", FillPrice: 51400, Quantity: 0.01, RealizedPnL: &loss, Timestamp: time.Now()},
	}
	for _, tr := range trades {
		if err := l.AppendTrade(tr); err != nil {
			t.Fatalf("AppendTrade(%s): %v", tr.ID, err)
		}
	}

	run, err := l.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.TotalTrades != 4 {
		t.Errorf("TotalTrades = %d, want 4", run.TotalTrades)
	}
	if run.WinTrades != 1 || run.LossTrades != 1 {
		t.Errorf("WinTrades=%d LossTrades=%d, want 1 and 1", run.WinTrades, run.LossTrades)
	}
	if run.RealizedPnL != 6 {
		t.Errorf("RealizedPnL = %v, want 6", run.RealizedPnL)
	}
}

func TestAppendTradeRejectedAfterRunClosed(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")
	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if err := l.CloseRun("r1", 1000, "stopped"); err != nil {
		t.Fatalf("CloseRun: %v", err)
	}
	err := l.AppendTrade(Trade{ID: "t1", StrategyID: "s1", RunID: "r1", Kind: TradeOpen, Side: TradeSideLong, Symbol: "BTCUSDT", FillPrice: 50000, Quantity: 0.01, Timestamp: time.Now()})
	if err == nil {
		t.Fatal("AppendTrade after run closed succeeded, want error")
	}
}

func TestAppendTradeUnknownRunRejected(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")
	err := l.AppendTrade(Trade{ID: "t1", StrategyID: "s1", RunID: "does-not-exist", Kind: TradeOpen, Side: TradeSideLong, Symbol: "BTCUSDT", FillPrice: 50000, Quantity: 0.01, Timestamp: time.Now()})
	if err == nil {
		t.Fatal("AppendTrade against unknown run succeeded, want error")
	}
}

func TestUpsertPositionThenClear(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")
	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}

	pos := &Position{RunID: "r1", Symbol: "BTCUSDT", Side: TradeSideLong, EntryPrice: 50000, Quantity: 0.01, Notional: 500, Leverage: 5, OpenedAt: time.Now(), MarkPrice: 50500}
	if err := l.UpsertPosition("r1", pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}
	got, err := l.GetPosition("r1")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got == nil || got.Symbol != "BTCUSDT" {
		t.Fatalf("GetPosition = %+v, want a BTCUSDT position", got)
	}

	if err := l.UpsertPosition("r1", nil); err != nil {
		t.Fatalf("UpsertPosition(nil): %v", err)
	}
	got, err = l.GetPosition("r1")
	if err != nil {
		t.Fatalf("GetPosition after clear: %v", err)
	}
	if got != nil {
		t.Fatalf("GetPosition after clear = %+v, want nil", got)
	}
}

func TestListTradesFiltersAndPaginates(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")
	if err := l.OpenRun("s1", "r1", 1000); err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	for i := 0; i < 5; i++ {
		err := l.AppendTrade(Trade{
			ID: string(rune('a' + i)), StrategyID: "s1", RunID: "r1",
			Kind: TradeOpen, Side: TradeSideLong, Symbol: "BTCUSDT",
			FillPrice: 50000, Quantity: 0.01, Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendTrade: %v", err)
		}
	}

	page, err := l.ListTrades("s1", "", 0, 3)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Items) != 3 {
		t.Errorf("len(Items) = %d, want 3", len(page.Items))
	}

	page2, err := l.ListTrades("s1", "", 3, 3)
	if err != nil {
		t.Fatalf("ListTrades page2: %v", err)
	}
	if len(page2.Items) != 2 {
		t.Errorf("len(Items) page2 = %d, want 2", len(page2.Items))
	}
}

func TestSnapshotAndPruneAccountSnapshots(t *testing.T) {
	l := openTestLedger(t)
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	if err := l.SnapshotAccount(AccountSnapshot{Timestamp: old, TotalBalance: 900}); err != nil {
		t.Fatalf("SnapshotAccount(old): %v", err)
	}
	if err := l.SnapshotAccount(AccountSnapshot{Timestamp: recent, TotalBalance: 1000}); err != nil {
		t.Fatalf("SnapshotAccount(recent): %v", err)
	}

	if err := l.PruneSnapshots(time.Now().Add(-24 * time.Hour)); err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}

	snaps, err := l.QuerySnapshots(time.Now().Add(-72 * time.Hour))
	if err != nil {
		t.Fatalf("QuerySnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].TotalBalance != 1000 {
		t.Fatalf("QuerySnapshots = %+v, want only the recent snapshot", snaps)
	}
}

func TestBacktestResultCRUD(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")

	r := &BacktestResult{
		ID: "bt1", StrategyID: "s1", Symbol: "BTCUSDT", Timeframe: "1h",
		Start: time.Now().Add(-24 * time.Hour), End: time.Now(), InitialBalance: 1000,
		Status: BacktestPending,
	}
	if err := l.CreateBacktest(r); err != nil {
		t.Fatalf("CreateBacktest: %v", err)
	}

	r.Status = BacktestCompleted
	r.Stats = BacktestStats{TotalReturn: 12.5, WinRate: 60}
	r.EquityCurve = []EquityPoint{{Timestamp: time.Now(), Equity: 1125}}
	if err := l.UpdateBacktest(r); err != nil {
		t.Fatalf("UpdateBacktest: %v", err)
	}

	got, err := l.GetBacktest("bt1")
	if err != nil {
		t.Fatalf("GetBacktest: %v", err)
	}
	if got.Status != BacktestCompleted || got.Stats.TotalReturn != 12.5 {
		t.Fatalf("GetBacktest = %+v, want completed with stats", got)
	}
	if len(got.EquityCurve) != 1 {
		t.Fatalf("EquityCurve = %+v, want 1 point", got.EquityCurve)
	}

	list, err := l.ListBacktests("s1")
	if err != nil {
		t.Fatalf("ListBacktests: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListBacktests = %d results, want 1", len(list))
	}

	if err := l.DeleteBacktest("bt1"); err != nil {
		t.Fatalf("DeleteBacktest: %v", err)
	}
	if _, err := l.GetBacktest("bt1"); err == nil {
		t.Fatal("GetBacktest after delete succeeded, want error")
	}
}

func TestUpdateStrategyForbiddenWhileRunning(t *testing.T) {
	l := openTestLedger(t)
	seedStrategy(t, l, "s1")

	_, err := l.GetStrategy("s1")
	if err != nil {
		t.Fatalf("GetStrategy: %v", err)
	}
	running := &Strategy{ID: "s1", Name: "renamed", Kind: KindConfig, Config: map[string]any{}, Status: StatusRunning}
	// Force status to running directly via update path: simulate the
	// supervisor flipping status without going through UpdateStrategy.
	if _, err := l.db.Exec(`UPDATE strategies SET status=? WHERE id=?`, string(StatusRunning), "s1"); err != nil {
		t.Fatalf("force running: %v", err)
	}
	if err := l.UpdateStrategy(running); err == nil {
		t.Fatal("UpdateStrategy succeeded while running, want error")
	}
}
