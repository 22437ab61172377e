package exchange

import (
	"context"
	"sync"
	"time"

	hl "github.com/sonirico/go-hyperliquid"
	"github.com/rs/zerolog"

	"github.com/nofx-labs/futuresupervisor/errs"
	"github.com/nofx-labs/futuresupervisor/market"
)

// HyperliquidAdapter is the second concrete Adapter, giving the
// supervisor a venue choice beyond Binance.
type HyperliquidAdapter struct {
	client *hl.Client
	log    zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewHyperliquidAdapter builds an adapter against the mainnet or
// testnet Hyperliquid API depending on testnet.
func NewHyperliquidAdapter(walletAddress, privateKey string, testnet bool, log zerolog.Logger) *HyperliquidAdapter {
	cfg := hl.ClientConfig{
		WalletAddress: walletAddress,
		PrivateKey:    privateKey,
		Testnet:       testnet,
	}
	return &HyperliquidAdapter{
		client: hl.NewClient(cfg),
		log:    log.With().Str("component", "exchange.hyperliquid").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (a *HyperliquidAdapter) symbolLock(symbol string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		a.locks[symbol] = l
	}
	return l
}

func classifyHyperliquidErr(err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.KindVenueTransient, err, "hyperliquid request failed")
}

func (a *HyperliquidAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	symbol = Normalize(symbol)
	return WithRetry(ctx, func() error {
		if err := a.client.Exchange.UpdateLeverage(ctx, symbol, leverage, false); err != nil {
			return classifyHyperliquidErr(err)
		}
		return nil
	})
}

func (a *HyperliquidAdapter) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	symbol = Normalize(symbol)
	var out *Ticker
	err := WithRetry(ctx, func() error {
		mids, err := a.client.Info.AllMids(ctx)
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		mid, ok := mids[symbol]
		if !ok {
			return errs.New(errs.KindVenuePermanent, "unknown symbol: "+symbol)
		}
		out = &Ticker{Symbol: symbol, Bid: mid, Ask: mid, Last: mid, Mark: mid, Timestamp: time.Now().UTC()}
		return nil
	})
	return out, err
}

func (a *HyperliquidAdapter) FetchBars(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Bar, error) {
	if !market.ValidTimeframe(tf) {
		return nil, errs.Newf(errs.KindConfig, "unsupported timeframe %q", tf)
	}
	symbol = Normalize(symbol)
	var bars []market.Bar
	err := WithRetry(ctx, func() error {
		candles, err := a.client.Info.Candles(ctx, symbol, string(tf), limit)
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		bars = make([]market.Bar, len(candles))
		for i, c := range candles {
			bars[i] = market.Bar{
				OpenTime:  c.OpenTimeMs,
				CloseTime: c.CloseTimeMs,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			}
		}
		return nil
	})
	return bars, err
}

func (a *HyperliquidAdapter) OpenMarket(ctx context.Context, symbol string, side Side, notional float64) (*Fill, error) {
	symbol = Normalize(symbol)
	lock := a.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	ticker, err := a.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := NotionalToQuantity(notional, ticker.Mark, 4)
	if qty <= 0 {
		return nil, errs.New(errs.KindVenuePermanent, "notional too small to size a contract")
	}

	isBuy := side == SideLong
	var fill *Fill
	err = WithRetry(ctx, func() error {
		res, err := a.client.Exchange.MarketOrder(ctx, symbol, isBuy, qty)
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		fill = &Fill{Price: res.AvgPrice, Qty: qty, Timestamp: time.Now().UTC()}
		return nil
	})
	return fill, err
}

func (a *HyperliquidAdapter) CloseMarket(ctx context.Context, symbol string, side Side) (*Fill, error) {
	symbol = Normalize(symbol)
	lock := a.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, err := a.FetchPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errs.New(errs.KindVenuePermanent, "no open position to close on "+symbol)
	}

	isBuy := side == SideShort
	var fill *Fill
	err = WithRetry(ctx, func() error {
		res, err := a.client.Exchange.MarketOrder(ctx, symbol, isBuy, pos.Quantity)
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		fill = &Fill{Price: res.AvgPrice, Qty: pos.Quantity, Timestamp: time.Now().UTC()}
		return nil
	})
	return fill, err
}

func (a *HyperliquidAdapter) FetchPosition(ctx context.Context, symbol string) (*Position, error) {
	symbol = Normalize(symbol)
	var out *Position
	err := WithRetry(ctx, func() error {
		positions, err := a.client.Info.UserState(ctx, a.client.WalletAddress())
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		for _, p := range positions.AssetPositions {
			if p.Symbol != symbol || p.Size == 0 {
				continue
			}
			side := SideLong
			size := p.Size
			if size < 0 {
				side = SideShort
				size = -size
			}
			out = &Position{
				Symbol:     symbol,
				Side:       side,
				EntryPrice: p.EntryPrice,
				Quantity:   size,
				Notional:   p.EntryPrice * size,
				Leverage:   p.Leverage,
				MarkPrice:  p.MarkPrice,
				OpenTime:   time.Now().UTC(),
			}
		}
		return nil
	})
	return out, err
}

func (a *HyperliquidAdapter) FetchBalance(ctx context.Context) (*Balance, error) {
	var out *Balance
	err := WithRetry(ctx, func() error {
		state, err := a.client.Info.UserState(ctx, a.client.WalletAddress())
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		out = &Balance{
			Total: state.MarginSummary.AccountValue,
			Free:  state.MarginSummary.AccountValue - state.MarginSummary.TotalMarginUsed,
			Used:  state.MarginSummary.TotalMarginUsed,
		}
		return nil
	})
	return out, err
}
