package exchange

import (
	"context"
	"strings"

	"github.com/nofx-labs/futuresupervisor/market"
)

// Adapter is the contract every venue backend (live or simulated)
// implements. Every operation fails with a typed error from package
// errs. Implementations normalize the symbol and enforce venue
// precision before placing orders.
type Adapter interface {
	// ConfigureLeverage is idempotent: it returns success even if the
	// requested leverage is already set for symbol.
	ConfigureLeverage(ctx context.Context, symbol string, leverage int) error

	// FetchTicker returns the current market snapshot for symbol.
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)

	// FetchBars returns the most recent limit bars for symbol at the
	// given timeframe, oldest first.
	FetchBars(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Bar, error)

	// OpenMarket places a market order sized in quote-currency
	// notional, converting to contract quantity via the current mark.
	OpenMarket(ctx context.Context, symbol string, side Side, notional float64) (*Fill, error)

	// CloseMarket flattens the position on symbol+side to zero.
	CloseMarket(ctx context.Context, symbol string, side Side) (*Fill, error)

	// FetchPosition returns the current position for symbol, or nil
	// if there is none.
	FetchPosition(ctx context.Context, symbol string) (*Position, error)

	// FetchBalance returns the account's margin balance.
	FetchBalance(ctx context.Context) (*Balance, error)
}

// Normalize upper-cases symbol and appends the USDT quote suffix if
// missing, mirroring the venue's contract naming.
func Normalize(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasSuffix(s, "USDT") {
		return s
	}
	return s + "USDT"
}
