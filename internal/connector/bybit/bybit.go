// Package bybit implements spot and linear perpetual market data
// connectors for Bybit's v5 API.
package bybit

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

type base struct {
	kind    connector.Kind
	log     zerolog.Logger
	rest    *restClient
	symbols *connector.SymbolMap
	stream  *marketStream
	core    *connector.StreamCore
	now     func() time.Time
}

// Spot is the Bybit spot connector.
type Spot struct {
	*base
}

// Perpetual is the Bybit USDT-margined perpetual connector.
type Perpetual struct {
	*base
}

// NewSpot builds the spot connector.
func NewSpot(opts connector.Options) *Spot {
	return &Spot{base: newBase(connector.KindSpot, opts)}
}

// NewPerpetual builds the linear perpetual connector.
func NewPerpetual(opts connector.Options) *Perpetual {
	return &Perpetual{base: newBase(connector.KindPerpetual, opts)}
}

func newBase(kind connector.Kind, opts connector.Options) *base {
	b := &base{
		kind: kind,
		log:  opts.Log().With().Str("exchange", string(connector.Bybit)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost, opts.Testing),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	b.stream = newMarketStream(kind, opts, b.symbols)
	b.core = connector.NewStreamCore(connector.Bybit, kind, opts, connector.StreamHooks{
		AllSymbols:       b.symbols.Canonicals,
		Open:             b.stream.open,
		Close:            b.stream.close,
		Alive:            b.stream.alive,
		ApplySubscribe:   b.stream.applySubscribe,
		ApplyUnsubscribe: b.stream.applyUnsubscribe,
	})
	b.stream.deliver = b.core.Deliver
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
	return connector.Bybit
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
	rows, err := b.rest.fetchTickers(ctx, native)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return b.pair(ctx, native, parseFloat(rows[0].LastPrice))
}

// GetPairs implements connector.Common. The tickers endpoint has no
// multi-symbol filter, so the full table is fetched once and trimmed.
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

	rows, err := b.rest.fetchTickers(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]connector.CurrencyPair, 0, len(want))
	for _, row := range rows {
		if _, wanted := want[row.Symbol]; !wanted {
			continue
		}
		pair, err := b.pair(ctx, row.Symbol, parseFloat(row.LastPrice))
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
	depth, err := b.rest.fetchOrderbook(ctx, native, limit)
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
	rows, err := b.rest.fetchKlines(ctx, native, limit)
	if err != nil {
		return nil, err
	}

	canonical, _, _ := b.symbols.Canonical(ctx, native)
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	candles := make([]connector.CandleStick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		candle := connector.CandleStick{
			Symbol:      canonical,
			UTCOpenTime: parseMillis(row[0]),
			Open:        parseFloat(row[1]),
			High:        parseFloat(row[2]),
			Low:         parseFloat(row[3]),
			Close:       parseFloat(row[4]),
			CoinVolume:  parseFloat(row[5]),
		}
		if usdQuote {
			candle.USDVolume = parseFloat(row[6])
		}
		candles = append(candles, candle)
	}
	connector.SortCandles(candles)
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
			Base:            strings.ToUpper(in.Base),
			Quote:           strings.ToUpper(in.Quote),
			IsSpotEnabled:   true,
			IsMarginEnabled: in.Margin,
			ExchangeSymbol:  in.Native,
		})
	}
	return out, nil
}

// GetWithdrawInfo implements connector.Spot. Coin chain metadata sits
// behind the authenticated asset API.
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
			Base:           strings.ToUpper(in.Base),
			Quote:          strings.ToUpper(in.Quote),
			ExchangeSymbol: in.Native,
			Settlement:     strings.ToUpper(in.Settlement),
		})
	}
	return out, nil
}

// GetFundingRate implements connector.Perpetual. The linear ticker row
// already carries the current rate and the next settlement time.
func (c *Perpetual) GetFundingRate(ctx context.Context, symbol string) (*connector.FundingRate, error) {
	native, ok, err := c.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rows, err := c.rest.fetchTickers(ctx, native)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	canonical, _, _ := c.symbols.Canonical(ctx, native)
	return &connector.FundingRate{
		Symbol:         canonical,
		Rate:           parseFloat(rows[0].FundingRate),
		NextFundingUTC: parseMillis(rows[0].NextFundingTime),
		IndexPrice:     parseFloat(rows[0].IndexPrice),
		UTC:            c.now().UTC().Unix(),
	}, nil
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
