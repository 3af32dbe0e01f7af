// Package mexc implements spot and linear perpetual market data
// connectors for MEXC. The spot stream polls REST because the public
// spot socket speaks protobuf only; contracts stream over the edge
// websocket.
package mexc

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

type base struct {
	kind    connector.Kind
	log     zerolog.Logger
	rest    *restClient
	symbols *connector.SymbolMap
	core    *connector.StreamCore
	now     func() time.Time
}

// Spot is the MEXC spot connector.
type Spot struct {
	*base
	poller *spotPoller
}

// Perpetual is the MEXC USDT-margined perpetual connector.
type Perpetual struct {
	*base
	stream *marketStream
}

// NewSpot builds the spot connector.
func NewSpot(opts connector.Options) *Spot {
	b := newBase(connector.KindSpot, opts)
	poller := newSpotPoller(opts, b.rest, b.symbols)
	b.core = connector.NewStreamCore(connector.MEXC, connector.KindSpot, opts, connector.StreamHooks{
		AllSymbols:       b.symbols.Canonicals,
		Open:             poller.open,
		Close:            poller.close,
		Alive:            poller.alive,
		ApplySubscribe:   poller.applySubscribe,
		ApplyUnsubscribe: poller.applyUnsubscribe,
	})
	poller.deliver = b.core.Deliver
	return &Spot{base: b, poller: poller}
}

// NewPerpetual builds the linear perpetual connector.
func NewPerpetual(opts connector.Options) *Perpetual {
	b := newBase(connector.KindPerpetual, opts)
	stream := newMarketStream(opts, b.symbols)
	b.core = connector.NewStreamCore(connector.MEXC, connector.KindPerpetual, opts, connector.StreamHooks{
		AllSymbols:       b.symbols.Canonicals,
		Open:             stream.open,
		Close:            stream.close,
		Alive:            stream.alive,
		ApplySubscribe:   stream.applySubscribe,
		ApplyUnsubscribe: stream.applyUnsubscribe,
	})
	stream.deliver = b.core.Deliver
	return &Perpetual{base: b, stream: stream}
}

func newBase(kind connector.Kind, opts connector.Options) *base {
	b := &base{
		kind: kind,
		log:  opts.Log().With().Str("exchange", string(connector.MEXC)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	return b
}

func (b *base) loadSymbols(ctx context.Context) (map[string]string, error) {
	instruments, err := b.rest.fetchInstruments(ctx)
	if err != nil {
		return nil, err
	}
	table := make(map[string]string, len(instruments))
	for _, in := range instruments {
		table[connector.JoinSymbol(in.Base, in.Quote)] = in.Native
	}
	return table, nil
}

// Exchange implements connector.Common.
func (b *base) Exchange() connector.ExchangeID {
	return connector.MEXC
}

// Kind implements connector.Common.
func (b *base) Kind() connector.Kind {
	return b.kind
}

// GetPrice implements connector.Common.
func (b *base) GetPrice(ctx context.Context, symbol string) (*connector.CurrencyPair, error) {
	native, ok, err := b.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var price float64
	if b.kind == connector.KindPerpetual {
		tick, err := b.rest.fetchContractTicker(ctx, native)
		if err != nil {
			return nil, err
		}
		price = tick.LastPrice
	} else {
		price, err = b.rest.fetchSpotPrice(ctx, native)
		if err != nil {
			return nil, err
		}
	}
	return b.pair(ctx, native, price)
}

// GetPairs implements connector.Common. Both markets expose full price
// tables in one call.
func (b *base) GetPairs(ctx context.Context, symbols []string) ([]connector.CurrencyPair, error) {
	want := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := b.symbols.Native(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if ok {
			want[native] = struct{}{}
		}
	}
	if len(want) == 0 {
		return nil, nil
	}

	prices := make(map[string]float64, len(want))
	if b.kind == connector.KindPerpetual {
		rows, err := b.rest.fetchAllContractTickers(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			prices[row.Symbol] = row.LastPrice
		}
	} else {
		all, err := b.rest.fetchAllSpotPrices(ctx)
		if err != nil {
			return nil, err
		}
		prices = all
	}

	out := make([]connector.CurrencyPair, 0, len(want))
	for native := range want {
		price, ok := prices[native]
		if !ok {
			continue
		}
		pair, err := b.pair(ctx, native, price)
		if err != nil {
			return nil, err
		}
		if pair != nil {
			out = append(out, *pair)
		}
	}
	return out, nil
}

// GetDepth implements connector.Common.
func (b *base) GetDepth(ctx context.Context, symbol string, limit int) (*connector.BookDepth, error) {
	if limit <= 0 {
		return nil, nil
	}
	native, ok, err := b.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var depth *connector.BookDepth
	if b.kind == connector.KindPerpetual {
		depth, err = b.rest.fetchPerpDepth(ctx, native, limit)
	} else {
		depth, err = b.rest.fetchSpotDepth(ctx, native, limit)
	}
	if err != nil {
		return nil, err
	}
	canonical, _, _ := b.symbols.Canonical(ctx, native)
	depth.Symbol = canonical
	if depth.UTC == 0 {
		depth.UTC = b.now().UTC().Unix()
	}
	return depth, nil
}

// GetKlines implements connector.Common.
func (b *base) GetKlines(ctx context.Context, symbol string, limit int) ([]connector.CandleStick, error) {
	if limit <= 0 {
		return nil, nil
	}
	native, ok, err := b.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	canonical, _, _ := b.symbols.Canonical(ctx, native)
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	var candles []connector.CandleStick
	if b.kind == connector.KindPerpetual {
		bars, err := b.rest.fetchPerpKlines(ctx, native, limit, b.now())
		if err != nil {
			return nil, err
		}
		candles = make([]connector.CandleStick, 0, len(bars))
		for _, bar := range bars {
			candle := connector.CandleStick{
				Symbol:      canonical,
				UTCOpenTime: bar.Time,
				Open:        bar.Open,
				High:        bar.High,
				Low:         bar.Low,
				Close:       bar.Close,
				CoinVolume:  bar.Vol,
			}
			if usdQuote {
				candle.USDVolume = bar.Amount
			}
			candles = append(candles, candle)
		}
	} else {
		rows, err := b.rest.fetchSpotKlines(ctx, native, limit)
		if err != nil {
			return nil, err
		}
		candles = make([]connector.CandleStick, 0, len(rows))
		for _, row := range rows {
			// [openTimeMs, open, high, low, close, volume, closeTimeMs, quoteVolume]
			if len(row) < 8 {
				continue
			}
			candle := connector.CandleStick{
				Symbol:      canonical,
				UTCOpenTime: asInt64(row[0]) / 1000,
				Open:        asFloat(row[1]),
				High:        asFloat(row[2]),
				Low:         asFloat(row[3]),
				Close:       asFloat(row[4]),
				CoinVolume:  asFloat(row[5]),
			}
			if usdQuote {
				candle.USDVolume = asFloat(row[7])
			}
			candles = append(candles, candle)
		}
	}
	connector.SortCandles(candles)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (b *base) pair(ctx context.Context, native string, ratio float64) (*connector.CurrencyPair, error) {
	canonical, ok, err := b.symbols.Canonical(ctx, native)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	base, quote, ok := connector.SplitSymbol(canonical)
	if !ok {
		return nil, nil
	}
	return &connector.CurrencyPair{
		Base:  base,
		Quote: quote,
		Ratio: ratio,
		UTC:   b.now().UTC().Unix(),
	}, nil
}

// Start implements connector.Common.
func (b *base) Start(handler connector.StreamHandler, symbols []string, depth int) error {
	return b.core.Start(handler, symbols, depth)
}

// Stop implements connector.Common.
func (b *base) Stop() {
	b.core.Stop()
}

// Subscribe implements connector.Common.
func (b *base) Subscribe(symbols []string) {
	b.core.Subscribe(symbols)
}

// Unsubscribe implements connector.Common.
func (b *base) Unsubscribe(symbols []string) {
	b.core.Unsubscribe(symbols)
}

// Connected implements connector.Common.
func (b *base) Connected() bool {
	return b.core.Connected()
}

// Reconnect reopens the transport with the current subscription set.
// Stream supervisors call it when a running stream goes dead.
func (b *base) Reconnect() {
	b.core.Reconnect()
}

// GetAllTickers implements connector.Spot.
func (c *Spot) GetAllTickers(ctx context.Context) ([]connector.Ticker, error) {
	instruments, err := c.rest.fetchInstruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.Ticker, 0, len(instruments))
	for _, in := range instruments {
		out = append(out, connector.Ticker{
			Symbol:          connector.JoinSymbol(in.Base, in.Quote),
			Base:            in.Base,
			Quote:           in.Quote,
			IsSpotEnabled:   true,
			IsMarginEnabled: in.Margin,
			ExchangeSymbol:  in.Native,
		})
	}
	return out, nil
}

// GetWithdrawInfo implements connector.Spot. Coin chain metadata sits
// behind the authenticated wallet API.
func (c *Spot) GetWithdrawInfo(ctx context.Context) (map[string][]connector.WithdrawInfo, error) {
	return nil, connector.ErrNotSupported
}

// GetAllPerpetuals implements connector.Perpetual.
func (c *Perpetual) GetAllPerpetuals(ctx context.Context) ([]connector.PerpetualTicker, error) {
	instruments, err := c.rest.fetchInstruments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.PerpetualTicker, 0, len(instruments))
	for _, in := range instruments {
		out = append(out, connector.PerpetualTicker{
			Symbol:         connector.JoinSymbol(in.Base, in.Quote),
			Base:           in.Base,
			Quote:          in.Quote,
			ExchangeSymbol: in.Native,
			Settlement:     in.Settlement,
		})
	}
	return out, nil
}

// GetFundingRate implements connector.Perpetual. The settlement clock
// rides on the funding endpoint, the index price on the ticker.
func (c *Perpetual) GetFundingRate(ctx context.Context, symbol string) (*connector.FundingRate, error) {
	native, ok, err := c.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	row, err := c.rest.fetchFundingRate(ctx, native)
	if err != nil {
		return nil, err
	}
	canonical, _, _ := c.symbols.Canonical(ctx, native)
	fr := &connector.FundingRate{
		Symbol:         canonical,
		Rate:           row.FundingRate,
		NextFundingUTC: row.NextSettleTime / 1000,
		UTC:            c.now().UTC().Unix(),
	}
	if tick, err := c.rest.fetchContractTicker(ctx, native); err != nil {
		c.log.Debug().Err(err).Str("symbol", symbol).Msg("index price unavailable")
	} else {
		fr.IndexPrice = tick.IndexPrice
	}
	return fr, nil
}

// GetFundingRateHistory implements connector.Perpetual.
func (c *Perpetual) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]connector.FundingRatePoint, error) {
	if limit <= 0 {
		return nil, nil
	}
	native, ok, err := c.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.rest.fetchFundingHistory(ctx, native, limit)
}
