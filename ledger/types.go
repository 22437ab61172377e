package ledger

import "time"

// StrategyKind distinguishes parameter-driven kernels from
// user-supplied code kernels.
type StrategyKind string

const (
	KindConfig StrategyKind = "config"
	KindCode   StrategyKind = "code"
)

// StrategyStatus is the strategy's lifecycle status as persisted
// alongside its definition (distinct from the supervisor's in-memory
// state machine, which the Supervisor owns exclusively).
type StrategyStatus string

const (
	StatusStopped StrategyStatus = "stopped"
	StatusRunning StrategyStatus = "running"
	StatusPaused  StrategyStatus = "paused"
	StatusError   StrategyStatus = "error"
)

// Strategy is a strategy definition: identity, a configuration
// document, and a lifecycle status. Created once, edited while
// stopped, deleted only when stopped.
type Strategy struct {
	ID          string
	Name        string
	Description string
	Kind        StrategyKind
	Config      map[string]any
	Status      StrategyStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Run is one start-stop episode of a strategy.
type Run struct {
	ID              string
	StrategyID      string
	StartedAt       time.Time
	StoppedAt       *time.Time
	StartBalance    float64
	EndBalance      *float64
	TotalTrades     int
	WinTrades       int
	LossTrades      int
	RealizedPnL     float64
	TerminalStatus  string
}

// TradeKind is the kind of trade appended to a run.
type TradeKind string

const (
	TradeOpen  TradeKind = "open"
	TradeAdd   TradeKind = "add"
	TradeClose TradeKind = "close"
)

// TradeSide mirrors exchange.Side without importing the exchange
// package, keeping the Ledger free of any venue dependency.
type TradeSide string

const (
	TradeSideLong  TradeSide = "long"
	TradeSideShort TradeSide = "short"
)

// Trade is an append-only, immutable record of one fill.
type Trade struct {
	ID          string
	StrategyID  string
	RunID       string
	Kind        TradeKind
	Side        TradeSide
	Symbol      string
	FillPrice   float64
	Quantity    float64
	RealizedPnL *float64 // set only on close
	Timestamp   time.Time
}

// Position is the persisted view of at most one open position per
// active run.
type Position struct {
	RunID         string
	Symbol        string
	Side          TradeSide
	EntryPrice    float64
	Quantity      float64
	Notional      float64
	Leverage      int
	OpenedAt      time.Time
	MarkPrice     float64
}

// AccountSnapshot is a periodic capture of account state.
type AccountSnapshot struct {
	Timestamp     time.Time
	TotalBalance  float64
	FreeBalance   float64
	UsedBalance   float64
	UnrealizedPnL float64
}

// BacktestStatus is the lifecycle status of a backtest result.
type BacktestStatus string

const (
	BacktestPending   BacktestStatus = "pending"
	BacktestRunning   BacktestStatus = "running"
	BacktestCompleted BacktestStatus = "completed"
	BacktestFailed    BacktestStatus = "failed"
)

// EquityPoint is one sample of the backtest's equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// BacktestStats are the derived statistics computed at completion.
type BacktestStats struct {
	TotalReturn  float64
	WinRate      float64
	MaxDrawdown  float64
	SharpeRatio  float64
	ProfitFactor float64
	MeanWin      float64
	MeanLoss     float64
}

// BacktestResult is a persisted backtest run: parameters, status, the
// equity curve, the simulated trade log, and derived statistics.
type BacktestResult struct {
	ID             string
	StrategyID     string
	Symbol         string
	Timeframe      string
	Start          time.Time
	End            time.Time
	InitialBalance float64
	Status         BacktestStatus
	EquityCurve    []EquityPoint
	Trades         []Trade
	Stats          BacktestStats
	ErrorMessage   string
	CreatedAt      time.Time
}

// TradeListPage is a page of trades plus the total matching count,
// returned by ListTrades.
type TradeListPage struct {
	Items []Trade
	Total int
}
