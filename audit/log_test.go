package audit

import (
	"testing"
	"time"
)

func TestLogAndRecordsForDateRoundTrip(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	now := time.Now().UTC()
	rec := Record{
		Timestamp:  now,
		StrategyID: "s1",
		RunID:      "r1",
		Account:    AccountSnapshot{TotalBalance: 1000},
		Proposed:   "open",
	}
	if err := l.Log(rec); err != nil {
		t.Fatalf("Log: %v", err)
	}

	recs, err := l.RecordsForDate(now)
	if err != nil {
		t.Fatalf("RecordsForDate: %v", err)
	}
	if len(recs) != 1 || recs[0].StrategyID != "s1" {
		t.Fatalf("RecordsForDate = %+v, want one s1 record", recs)
	}
}

func TestRecordsForDateMissingFileReturnsEmpty(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	recs, err := l.RecordsForDate(time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("RecordsForDate: %v", err)
	}
	if recs != nil {
		t.Fatalf("RecordsForDate = %+v, want nil", recs)
	}
}

func TestLatestRecordsCapsToN(t *testing.T) {
	l, err := NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Log(Record{Timestamp: time.Now().UTC(), StrategyID: "s1"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	recs, err := l.LatestRecords(3, 7)
	if err != nil {
		t.Fatalf("LatestRecords: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(LatestRecords) = %d, want 3", len(recs))
	}
}

func TestCleanOlderThanRemovesOldDayFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -10)
	if err := l.Log(Record{Timestamp: old, StrategyID: "s1"}); err != nil {
		t.Fatalf("Log(old): %v", err)
	}
	if err := l.Log(Record{Timestamp: time.Now().UTC(), StrategyID: "s1"}); err != nil {
		t.Fatalf("Log(recent): %v", err)
	}

	if err := l.CleanOlderThan(time.Now().UTC().AddDate(0, 0, -5)); err != nil {
		t.Fatalf("CleanOlderThan: %v", err)
	}

	oldRecs, err := l.RecordsForDate(old)
	if err != nil {
		t.Fatalf("RecordsForDate(old): %v", err)
	}
	if oldRecs != nil {
		t.Fatalf("RecordsForDate(old) after clean = %+v, want nil", oldRecs)
	}
}
