// Package ledger is the persistent store (C3): strategies, strategy
// runs, trades, positions, account snapshots, and backtest results,
// with atomic append and aggregate queries. Backed by
// modernc.org/sqlite, a pure-Go sqlite driver.
package ledger

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nofx-labs/futuresupervisor/errs"
)

// Ledger is safe for concurrent use. CreateStrategy, UpdateStrategy,
// DeleteStrategy, OpenRun and AppendTrade are additionally serialized
// per strategy id through a per-strategy mutex, on top of sqlite's own
// single-writer semantics; the other writes rely on sqlite alone.
type Ledger struct {
	db *sql.DB

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// Open opens (creating if needed) a sqlite database at path and
// applies the schema migration. path may be ":memory:" for tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindLedgerConsistency, err, "open database")
	}
	db.SetMaxOpenConns(1) // single-writer, matches sqlite's own concurrency model
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindLedgerConsistency, err, "apply schema")
	}
	return &Ledger{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) strategyLock(strategyID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[strategyID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[strategyID] = lock
	}
	return lock
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// CreateStrategy inserts a new strategy definition.
func (l *Ledger) CreateStrategy(s *Strategy) error {
	lock := l.strategyLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	cfgJSON, err := json.Marshal(s.Config)
	if err != nil {
		return errs.Wrap(errs.KindConfig, err, "marshal strategy config")
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err = l.db.Exec(
		`INSERT INTO strategies (id, name, description, kind, config_json, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Description, string(s.Kind), string(cfgJSON), string(s.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "create strategy")
	}
	return nil
}

// UpdateStrategy updates an existing, stopped strategy's fields.
func (l *Ledger) UpdateStrategy(s *Strategy) error {
	lock := l.strategyLock(s.ID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := l.getStrategyLocked(s.ID)
	if err != nil {
		return err
	}
	if existing.Status != StatusStopped {
		return errs.New(errs.KindConfig, "strategy must be stopped to edit")
	}

	cfgJSON, err := json.Marshal(s.Config)
	if err != nil {
		return errs.Wrap(errs.KindConfig, err, "marshal strategy config")
	}
	now := time.Now().UTC()
	_, err = l.db.Exec(
		`UPDATE strategies SET name=?, description=?, config_json=?, updated_at=? WHERE id=?`,
		s.Name, s.Description, string(cfgJSON), formatTime(now), s.ID,
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "update strategy")
	}
	return nil
}

// DeleteStrategy removes a strategy. Forbidden while any run is open.
func (l *Ledger) DeleteStrategy(strategyID string) error {
	lock := l.strategyLock(strategyID)
	lock.Lock()
	defer lock.Unlock()

	open, err := l.hasOpenRunLocked(strategyID)
	if err != nil {
		return err
	}
	if open {
		return errs.New(errs.KindLedgerConsistency, "cannot delete strategy with an open run")
	}
	if _, err := l.db.Exec(`DELETE FROM strategies WHERE id=?`, strategyID); err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "delete strategy")
	}
	return nil
}

func (l *Ledger) getStrategyLocked(id string) (*Strategy, error) {
	row := l.db.QueryRow(
		`SELECT id, name, description, kind, config_json, status, created_at, updated_at
		 FROM strategies WHERE id=?`, id)
	var s Strategy
	var kind, cfgJSON, status, createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &kind, &cfgJSON, &status, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindLedgerConsistency, "strategy not found: "+id)
		}
		return nil, errs.Wrap(errs.KindLedgerConsistency, err, "read strategy")
	}
	s.Kind = StrategyKind(kind)
	s.Status = StrategyStatus(status)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(cfgJSON), &s.Config)
	return &s, nil
}

// GetStrategy reads one strategy definition by id.
func (l *Ledger) GetStrategy(id string) (*Strategy, error) {
	return l.getStrategyLocked(id)
}

func (l *Ledger) hasOpenRunLocked(strategyID string) (bool, error) {
	row := l.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE strategy_id=? AND stopped_at IS NULL`, strategyID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, errs.Wrap(errs.KindLedgerConsistency, err, "check open run")
	}
	return count > 0, nil
}

// OpenRun opens a new run for strategyID. Fails if one is already
// open, upholding invariant 1 (at most one open run per strategy).
func (l *Ledger) OpenRun(strategyID string, runID string, startBalance float64) error {
	lock := l.strategyLock(strategyID)
	lock.Lock()
	defer lock.Unlock()

	open, err := l.hasOpenRunLocked(strategyID)
	if err != nil {
		return err
	}
	if open {
		return errs.New(errs.KindLedgerConsistency, "strategy already has an open run: "+strategyID)
	}
	_, err = l.db.Exec(
		`INSERT INTO runs (id, strategy_id, started_at, start_balance) VALUES (?, ?, ?, ?)`,
		runID, strategyID, formatTime(time.Now()), startBalance,
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "open run")
	}
	return nil
}

// CloseRun stops an open run, recording the ending balance and
// terminal status.
func (l *Ledger) CloseRun(runID string, endBalance float64, terminalStatus string) error {
	res, err := l.db.Exec(
		`UPDATE runs SET stopped_at=?, end_balance=?, terminal_status=? WHERE id=? AND stopped_at IS NULL`,
		formatTime(time.Now()), endBalance, terminalStatus, runID,
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "close run")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.KindLedgerConsistency, "run already closed or not found: "+runID)
	}
	return nil
}

// GetRun reads one run by id.
func (l *Ledger) GetRun(runID string) (*Run, error) {
	row := l.db.QueryRow(
		`SELECT id, strategy_id, started_at, stopped_at, start_balance, end_balance,
		        total_trades, win_trades, loss_trades, realized_pnl, terminal_status
		 FROM runs WHERE id=?`, runID)
	var r Run
	var startedAt string
	var stoppedAt, terminalStatus sql.NullString
	var endBalance sql.NullFloat64
	if err := row.Scan(&r.ID, &r.StrategyID, &startedAt, &stoppedAt, &r.StartBalance, &endBalance,
		&r.TotalTrades, &r.WinTrades, &r.LossTrades, &r.RealizedPnL, &terminalStatus); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindLedgerConsistency, "run not found: "+runID)
		}
		return nil, errs.Wrap(errs.KindLedgerConsistency, err, "read run")
	}
	r.StartedAt = parseTime(startedAt)
	if stoppedAt.Valid {
		t := parseTime(stoppedAt.String)
		r.StoppedAt = &t
	}
	if endBalance.Valid {
		v := endBalance.Float64
		r.EndBalance = &v
	}
	r.TerminalStatus = terminalStatus.String
	return &r, nil
}

// AppendTrade atomically inserts a trade and updates the parent run's
// aggregate counters. The run referenced by trade.RunID must still be
// open at the instant of append — if it has just closed, the trade is
// rejected as a reconciliation anomaly.
func (l *Ledger) AppendTrade(trade Trade) error {
	lock := l.strategyLock(trade.StrategyID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "begin append trade")
	}
	defer tx.Rollback()

	var stoppedAt sql.NullString
	if err := tx.QueryRow(`SELECT stopped_at FROM runs WHERE id=?`, trade.RunID).Scan(&stoppedAt); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.KindLedgerConsistency, "trade references unknown run: "+trade.RunID)
		}
		return errs.Wrap(errs.KindLedgerConsistency, err, "check run state")
	}
	if stoppedAt.Valid {
		return errs.New(errs.KindLedgerConsistency, "run closed before trade could be appended: "+trade.RunID)
	}

	var realizedPnL sql.NullFloat64
	if trade.RealizedPnL != nil {
		realizedPnL = sql.NullFloat64{Float64: *trade.RealizedPnL, Valid: true}
	}
	_, err = tx.Exec(
		`INSERT INTO trades (id, strategy_id, run_id, kind, side, symbol, fill_price, quantity, realized_pnl, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, trade.StrategyID, trade.RunID, string(trade.Kind), string(trade.Side), trade.Symbol,
		trade.FillPrice, trade.Quantity, realizedPnL, formatTime(trade.Timestamp),
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "append trade")
	}

	winInc, lossInc := 0, 0
	pnlDelta := 0.0
	if trade.RealizedPnL != nil {
		pnlDelta = *trade.RealizedPnL
		if pnlDelta > 0 {
			winInc = 1
		} else if pnlDelta < 0 {
			lossInc = 1
		}
	}
	_, err = tx.Exec(
		`UPDATE runs SET total_trades = total_trades + 1,
		                 win_trades = win_trades + ?,
		                 loss_trades = loss_trades + ?,
		                 realized_pnl = realized_pnl + ?
		 WHERE id=?`,
		winInc, lossInc, pnlDelta, trade.RunID,
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "update run counters")
	}

	return tx.Commit()
}

// UpsertPosition replaces the position row for a run, or deletes it
// when pos is nil (a close trade landed).
func (l *Ledger) UpsertPosition(runID string, pos *Position) error {
	if pos == nil {
		_, err := l.db.Exec(`DELETE FROM positions WHERE run_id=?`, runID)
		if err != nil {
			return errs.Wrap(errs.KindLedgerConsistency, err, "clear position")
		}
		return nil
	}
	_, err := l.db.Exec(
		`INSERT INTO positions (run_id, symbol, side, entry_price, quantity, notional, leverage, opened_at, mark_price)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   symbol=excluded.symbol, side=excluded.side, entry_price=excluded.entry_price,
		   quantity=excluded.quantity, notional=excluded.notional, leverage=excluded.leverage,
		   mark_price=excluded.mark_price`,
		runID, pos.Symbol, string(pos.Side), pos.EntryPrice, pos.Quantity, pos.Notional,
		pos.Leverage, formatTime(pos.OpenedAt), pos.MarkPrice,
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "upsert position")
	}
	return nil
}

// GetPosition returns the current position for a run, or nil.
func (l *Ledger) GetPosition(runID string) (*Position, error) {
	row := l.db.QueryRow(
		`SELECT run_id, symbol, side, entry_price, quantity, notional, leverage, opened_at, mark_price
		 FROM positions WHERE run_id=?`, runID)
	var p Position
	var side, openedAt string
	if err := row.Scan(&p.RunID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity, &p.Notional, &p.Leverage, &openedAt, &p.MarkPrice); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindLedgerConsistency, err, "read position")
	}
	p.Side = TradeSide(side)
	p.OpenedAt = parseTime(openedAt)
	return &p, nil
}

// SnapshotAccount persists a periodic account capture.
func (l *Ledger) SnapshotAccount(snap AccountSnapshot) error {
	_, err := l.db.Exec(
		`INSERT INTO account_snapshots (timestamp, total_balance, free_balance, used_balance, unrealized_pnl)
		 VALUES (?, ?, ?, ?, ?)`,
		formatTime(snap.Timestamp), snap.TotalBalance, snap.FreeBalance, snap.UsedBalance, snap.UnrealizedPnL,
	)
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "snapshot account")
	}
	return nil
}

// PruneSnapshots deletes account snapshots older than the retention
// window.
func (l *Ledger) PruneSnapshots(olderThan time.Time) error {
	_, err := l.db.Exec(`DELETE FROM account_snapshots WHERE timestamp < ?`, formatTime(olderThan))
	if err != nil {
		return errs.Wrap(errs.KindLedgerConsistency, err, "prune snapshots")
	}
	return nil
}

// QuerySnapshots returns all snapshots at or after since, oldest first.
func (l *Ledger) QuerySnapshots(since time.Time) ([]AccountSnapshot, error) {
	rows, err := l.db.Query(
		`SELECT timestamp, total_balance, free_balance, used_balance, unrealized_pnl
		 FROM account_snapshots WHERE timestamp >= ? ORDER BY timestamp ASC`, formatTime(since))
	if err != nil {
		return nil, errs.Wrap(errs.KindLedgerConsistency, err, "query snapshots")
	}
	defer rows.Close()

	var out []AccountSnapshot
	for rows.Next() {
		var s AccountSnapshot
		var ts string
		if err := rows.Scan(&ts, &s.TotalBalance, &s.FreeBalance, &s.UsedBalance, &s.UnrealizedPnL); err != nil {
			return nil, errs.Wrap(errs.KindLedgerConsistency, err, "scan snapshot")
		}
		s.Timestamp = parseTime(ts)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListTrades pages through trades, optionally filtered by strategy or
// run id. Passing "" skips that filter.
func (l *Ledger) ListTrades(strategyID, runID string, offset, limit int) (TradeListPage, error) {
	where := "WHERE 1=1"
	args := []any{}
	if strategyID != "" {
		where += " AND strategy_id=?"
		args = append(args, strategyID)
	}
	if runID != "" {
		where += " AND run_id=?"
		args = append(args, runID)
	}

	var total int
	countArgs := append([]any{}, args...)
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM trades `+where, countArgs...).Scan(&total); err != nil {
		return TradeListPage{}, errs.Wrap(errs.KindLedgerConsistency, err, "count trades")
	}

	pageArgs := append(args, limit, offset)
	rows, err := l.db.Query(
		`SELECT id, strategy_id, run_id, kind, side, symbol, fill_price, quantity, realized_pnl, timestamp
		 FROM trades `+where+` ORDER BY timestamp ASC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return TradeListPage{}, errs.Wrap(errs.KindLedgerConsistency, err, "list trades")
	}
	defer rows.Close()

	var items []Trade
	for rows.Next() {
		var tr Trade
		var kind, side, ts string
		var pnl sql.NullFloat64
		if err := rows.Scan(&tr.ID, &tr.StrategyID, &tr.RunID, &kind, &side, &tr.Symbol, &tr.FillPrice, &tr.Quantity, &pnl, &ts); err != nil {
			return TradeListPage{}, errs.Wrap(errs.KindLedgerConsistency, err, "scan trade")
		}
		tr.Kind = TradeKind(kind)
		tr.Side = TradeSide(side)
		tr.Timestamp = parseTime(ts)
		if pnl.Valid {
			v := pnl.Float64
			tr.RealizedPnL = &v
		}
		items = append(items, tr)
	}
	return TradeListPage{Items: items, Total: total}, rows.Err()
}

// CreateBacktest inserts a pending backtest result row.
func (l *Ledger) CreateBacktest(r *BacktestResult) error {
	r.CreatedAt = time.Now().UTC()
	equityJSON, _ := json.Marshal(r.EquityCurve)
	tradesJSON, _ := json.Marshal(r.Trades)
	statsJSON, _ := json.Marshal(r.Stats)
	_, err := l.db.Exec(
		`INSERT INTO backtest_results (id, strategy_id, symbol, timeframe, start_time, end_time, initial_balance,
		                                status, equity_curve, trades_json, stats_json, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StrategyID, r.Symbol, r.Timeframe, formatTime(r.Start), formatTime(r.End), r.InitialBalance,
		string(r.Status), string(equityJSON), string(tradesJSON), string(statsJSON), r.ErrorMessage, formatTime(r.CreatedAt),
	)
	if err != nil {
		return errs.Wrap(errs.KindBacktest, err, "create backtest result")
	}
	return nil
}

// UpdateBacktest overwrites a backtest result's mutable fields
// (status, equity curve, trades, stats, error message).
func (l *Ledger) UpdateBacktest(r *BacktestResult) error {
	equityJSON, _ := json.Marshal(r.EquityCurve)
	tradesJSON, _ := json.Marshal(r.Trades)
	statsJSON, _ := json.Marshal(r.Stats)
	_, err := l.db.Exec(
		`UPDATE backtest_results SET status=?, equity_curve=?, trades_json=?, stats_json=?, error_message=? WHERE id=?`,
		string(r.Status), string(equityJSON), string(tradesJSON), string(statsJSON), r.ErrorMessage, r.ID,
	)
	if err != nil {
		return errs.Wrap(errs.KindBacktest, err, "update backtest result")
	}
	return nil
}

// GetBacktest reads one backtest result by id.
func (l *Ledger) GetBacktest(id string) (*BacktestResult, error) {
	row := l.db.QueryRow(
		`SELECT id, strategy_id, symbol, timeframe, start_time, end_time, initial_balance,
		        status, equity_curve, trades_json, stats_json, error_message, created_at
		 FROM backtest_results WHERE id=?`, id)
	return scanBacktest(row)
}

// ListBacktests returns all backtest results for a strategy, newest first.
func (l *Ledger) ListBacktests(strategyID string) ([]*BacktestResult, error) {
	rows, err := l.db.Query(
		`SELECT id, strategy_id, symbol, timeframe, start_time, end_time, initial_balance,
		        status, equity_curve, trades_json, stats_json, error_message, created_at
		 FROM backtest_results WHERE strategy_id=? ORDER BY created_at DESC`, strategyID)
	if err != nil {
		return nil, errs.Wrap(errs.KindBacktest, err, "list backtest results")
	}
	defer rows.Close()

	var out []*BacktestResult
	for rows.Next() {
		r, err := scanBacktest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBacktest removes a backtest result by id.
func (l *Ledger) DeleteBacktest(id string) error {
	_, err := l.db.Exec(`DELETE FROM backtest_results WHERE id=?`, id)
	if err != nil {
		return errs.Wrap(errs.KindBacktest, err, "delete backtest result")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBacktest(row rowScanner) (*BacktestResult, error) {
	var r BacktestResult
	var status, startTime, endTime, createdAt, equityJSON, tradesJSON, statsJSON string
	if err := row.Scan(&r.ID, &r.StrategyID, &r.Symbol, &r.Timeframe, &startTime, &endTime, &r.InitialBalance,
		&status, &equityJSON, &tradesJSON, &statsJSON, &r.ErrorMessage, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.KindBacktest, "backtest result not found")
		}
		return nil, errs.Wrap(errs.KindBacktest, err, "read backtest result")
	}
	r.Status = BacktestStatus(status)
	r.Start = parseTime(startTime)
	r.End = parseTime(endTime)
	r.CreatedAt = parseTime(createdAt)
	_ = json.Unmarshal([]byte(equityJSON), &r.EquityCurve)
	_ = json.Unmarshal([]byte(tradesJSON), &r.Trades)
	_ = json.Unmarshal([]byte(statsJSON), &r.Stats)
	return &r, nil
}
