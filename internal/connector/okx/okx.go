// Package okx implements spot and linear swap market data connectors
// for OKX.
package okx

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

// Spot is the OKX spot connector.
type Spot struct {
	*base
}

// Perpetual is the OKX USDT-margined swap connector.
type Perpetual struct {
	*base
}

// NewSpot builds the spot connector.
func NewSpot(opts connector.Options) *Spot {
	return &Spot{base: newBase(connector.KindSpot, opts)}
}

// NewPerpetual builds the linear swap connector.
func NewPerpetual(opts connector.Options) *Perpetual {
	return &Perpetual{base: newBase(connector.KindPerpetual, opts)}
}

func newBase(kind connector.Kind, opts connector.Options) *base {
	b := &base{
		kind: kind,
		log:  opts.Log().With().Str("exchange", string(connector.OKX)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	b.stream = newMarketStream(kind, opts, b.symbols)
	b.core = connector.NewStreamCore(connector.OKX, kind, opts, connector.StreamHooks{
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
	return connector.OKX
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
	row, err := b.rest.fetchTicker(ctx, native)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return b.pair(ctx, native, parseFloat(row.Last))
}

// GetPairs implements connector.Common. OKX serves the full ticker
// table per instrument type in one call.
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

	rows, err := b.rest.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.CurrencyPair, 0, len(want))
	for _, row := range rows {
		if _, wanted := want[row.InstID]; !wanted {
			continue
		}
		pair, err := b.pair(ctx, row.InstID, parseFloat(row.Last))
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
	depth, err := b.rest.fetchBooks(ctx, native, limit)
	if err != nil {
		return nil, err
	}
	if depth == nil {
		return nil, nil
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
	rows, err := b.rest.fetchCandles(ctx, native, limit)
	if err != nil {
		return nil, err
	}

	canonical, _, _ := b.symbols.Canonical(ctx, native)
	candles := decodeCandles(canonical, rows)
	connector.SortCandles(candles)
	return candles, nil
}

// decodeCandles converts wire rows into candles, shared by REST and
// stream paths.
func decodeCandles(canonical string, rows [][]string) []connector.CandleStick {
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	candles := make([]connector.CandleStick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
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
		if usdQuote && len(row) >= 8 {
			candle.USDVolume = parseFloat(row[7])
		}
		candles = append(candles, candle)
	}
	return candles
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

// GetAllTickers implements connector.Spot. OKX does not flag margin
// eligibility on spot instruments; MARGIN is a separate instrument
// type, so the flag is resolved against that set.
func (c *Spot) GetAllTickers(ctx context.Context) ([]connector.Ticker, error) {
	instruments, err := c.rest.fetchInstruments(ctx)
	if err != nil {
		return nil, err
	}
	margined, err := c.rest.fetchMarginable(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("margin instrument set unavailable")
		margined = map[string]struct{}{}
	}
	out := make([]connector.Ticker, 0, len(instruments))
	for _, in := range instruments {
		_, margin := margined[in.Native]
		out = append(out, connector.Ticker{
			Symbol:          connector.JoinSymbol(in.Base, in.Quote),
			Base:            strings.ToUpper(in.Base),
			Quote:           strings.ToUpper(in.Quote),
			IsSpotEnabled:   true,
			IsMarginEnabled: margin,
			ExchangeSymbol:  in.Native,
		})
	}
	return out, nil
}

// GetWithdrawInfo implements connector.Spot. Currency chain data sits
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

// GetFundingRate implements connector.Perpetual. The funding endpoint
// has no index column; the index ticker supplies it when reachable.
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
	if row == nil {
		return nil, nil
	}

	canonical, _, _ := c.symbols.Canonical(ctx, native)
	fr := &connector.FundingRate{
		Symbol:         canonical,
		Rate:           parseFloat(row.FundingRate),
		NextFundingUTC: parseMillis(row.NextFundingTime),
		UTC:            c.now().UTC().Unix(),
	}
	if uly := strings.TrimSuffix(native, "-SWAP"); uly != native {
		idx, err := c.rest.fetchIndexPrice(ctx, uly)
		if err != nil {
			c.log.Debug().Err(err).Str("underlying", uly).Msg("index price unavailable")
		} else {
			fr.IndexPrice = idx
		}
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
