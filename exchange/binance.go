package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"

	"github.com/nofx-labs/futuresupervisor/errs"
	"github.com/nofx-labs/futuresupervisor/market"
)

// BinanceAdapter is the Adapter implementation backed by Binance
// USDⓈ-M futures. Orders on distinct symbols run concurrently; orders
// on the same symbol are serialized through symbolLock.
type BinanceAdapter struct {
	client *futures.Client
	log    zerolog.Logger

	precisionMu sync.RWMutex
	precision   map[string]Precision

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBinanceAdapter builds a live or testnet adapter depending on
// testnet. Credentials are supplied at construction, never read from
// process-wide state.
func NewBinanceAdapter(apiKey, apiSecret string, testnet bool, log zerolog.Logger) *BinanceAdapter {
	futures.UseTestnet = testnet
	return &BinanceAdapter{
		client:    futures.NewClient(apiKey, apiSecret),
		log:       log.With().Str("component", "exchange.binance").Logger(),
		precision: make(map[string]Precision),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (a *BinanceAdapter) symbolLock(symbol string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		a.locks[symbol] = l
	}
	return l
}

func classifyBinanceErr(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case -1003, -1021, -1016:
			return errs.Wrap(errs.KindVenueTransient, err, "rate limited or clock skew")
		case -2010, -2019, -1121, -2015:
			return errs.Wrap(errs.KindVenuePermanent, err, "order or auth rejected")
		}
	}
	return errs.Wrap(errs.KindVenueTransient, err, "transient venue error")
}

func (a *BinanceAdapter) ConfigureLeverage(ctx context.Context, symbol string, leverage int) error {
	symbol = Normalize(symbol)
	return WithRetry(ctx, func() error {
		_, err := a.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		return nil
	})
}

func (a *BinanceAdapter) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	symbol = Normalize(symbol)
	var out *Ticker
	err := WithRetry(ctx, func() error {
		prices, err := a.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		if len(prices) == 0 {
			return errs.New(errs.KindVenuePermanent, "unknown symbol: "+symbol)
		}
		premium, err := a.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		bid, _ := strconv.ParseFloat(prices[0].BidPrice, 64)
		ask, _ := strconv.ParseFloat(prices[0].AskPrice, 64)
		var mark float64
		if len(premium) > 0 {
			mark, _ = strconv.ParseFloat(premium[0].MarkPrice, 64)
		}
		last := (bid + ask) / 2
		out = &Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: last, Mark: mark, Timestamp: time.Now().UTC()}
		return nil
	})
	return out, err
}

func (a *BinanceAdapter) FetchBars(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Bar, error) {
	if !market.ValidTimeframe(tf) {
		return nil, errs.Newf(errs.KindConfig, "unsupported timeframe %q", tf)
	}
	symbol = Normalize(symbol)
	var bars []market.Bar
	err := WithRetry(ctx, func() error {
		klines, err := a.client.NewKlinesService().
			Symbol(symbol).
			Interval(string(tf)).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		bars = make([]market.Bar, len(klines))
		for i, k := range klines {
			open, _ := strconv.ParseFloat(k.Open, 64)
			high, _ := strconv.ParseFloat(k.High, 64)
			low, _ := strconv.ParseFloat(k.Low, 64)
			close, _ := strconv.ParseFloat(k.Close, 64)
			volume, _ := strconv.ParseFloat(k.Volume, 64)
			bars[i] = market.Bar{
				OpenTime:  k.OpenTime,
				CloseTime: k.CloseTime,
				Open:      open,
				High:      high,
				Low:       low,
				Close:     close,
				Volume:    volume,
			}
		}
		return nil
	})
	return bars, err
}

func (a *BinanceAdapter) OpenMarket(ctx context.Context, symbol string, side Side, notional float64) (*Fill, error) {
	symbol = Normalize(symbol)
	lock := a.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	ticker, err := a.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	precision := a.precisionFor(symbol)
	qty := NotionalToQuantity(notional, ticker.Mark, precision.AmountPrecision)
	if qty <= 0 {
		return nil, errs.New(errs.KindVenuePermanent, "notional too small to size a contract")
	}

	orderSide := futures.SideTypeBuy
	if side == SideShort {
		orderSide = futures.SideTypeSell
	}

	var fill *Fill
	err = WithRetry(ctx, func() error {
		order, err := a.client.NewCreateOrderService().
			Symbol(symbol).
			Side(orderSide).
			Type(futures.OrderTypeMarket).
			Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
			Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
		if avgPrice == 0 {
			avgPrice = ticker.Mark
		}
		executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
		if executedQty == 0 {
			executedQty = qty
		}
		fill = &Fill{Price: avgPrice, Qty: executedQty, Timestamp: time.Now().UTC()}
		return nil
	})
	return fill, err
}

func (a *BinanceAdapter) CloseMarket(ctx context.Context, symbol string, side Side) (*Fill, error) {
	symbol = Normalize(symbol)
	lock := a.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, err := a.fetchPositionLocked(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, errs.New(errs.KindVenuePermanent, "no open position to close on "+symbol)
	}

	closeSide := futures.SideTypeSell
	if side == SideShort {
		closeSide = futures.SideTypeBuy
	}

	var fill *Fill
	err = WithRetry(ctx, func() error {
		order, err := a.client.NewCreateOrderService().
			Symbol(symbol).
			Side(closeSide).
			Type(futures.OrderTypeMarket).
			ReduceOnly(true).
			Quantity(strconv.FormatFloat(pos.Quantity, 'f', -1, 64)).
			Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
		if avgPrice == 0 {
			avgPrice = pos.MarkPrice
		}
		fill = &Fill{Price: avgPrice, Qty: pos.Quantity, Timestamp: time.Now().UTC()}
		return nil
	})
	return fill, err
}

func (a *BinanceAdapter) FetchPosition(ctx context.Context, symbol string) (*Position, error) {
	return a.fetchPositionLocked(ctx, Normalize(symbol))
}

func (a *BinanceAdapter) fetchPositionLocked(ctx context.Context, symbol string) (*Position, error) {
	var out *Position
	err := WithRetry(ctx, func() error {
		risks, err := a.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		for _, r := range risks {
			amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
			if amt == 0 {
				continue
			}
			entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
			mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
			leverage, _ := strconv.Atoi(r.Leverage)
			side := SideLong
			if amt < 0 {
				side = SideShort
				amt = -amt
			}
			out = &Position{
				Symbol:     symbol,
				Side:       side,
				EntryPrice: entry,
				Quantity:   amt,
				Notional:   entry * amt,
				Leverage:   leverage,
				MarkPrice:  mark,
				OpenTime:   time.Now().UTC(),
			}
		}
		return nil
	})
	return out, err
}

func (a *BinanceAdapter) FetchBalance(ctx context.Context) (*Balance, error) {
	var out *Balance
	err := WithRetry(ctx, func() error {
		balances, err := a.client.NewGetBalanceService().Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		for _, b := range balances {
			if b.Asset != "USDT" {
				continue
			}
			total, _ := strconv.ParseFloat(b.Balance, 64)
			free, _ := strconv.ParseFloat(b.AvailableBalance, 64)
			out = &Balance{Total: total, Free: free, Used: total - free}
		}
		if out == nil {
			out = &Balance{}
		}
		return nil
	})
	return out, err
}

// precisionFor returns the cached precision for symbol, fetching and
// caching it from the venue's exchange info on first use. Falls back
// to a conservative default if the lookup fails.
func (a *BinanceAdapter) precisionFor(symbol string) Precision {
	a.precisionMu.RLock()
	p, ok := a.precision[symbol]
	a.precisionMu.RUnlock()
	if ok {
		return p
	}

	p = Precision{PricePrecision: 2, AmountPrecision: 3}
	info, err := a.client.NewExchangeInfoService().Do(context.Background())
	if err == nil {
		for _, s := range info.Symbols {
			if s.Symbol == symbol {
				p = Precision{PricePrecision: s.PricePrecision, AmountPrecision: s.QuantityPrecision}
				break
			}
		}
	}
	a.precisionMu.Lock()
	a.precision[symbol] = p
	a.precisionMu.Unlock()
	return p
}
