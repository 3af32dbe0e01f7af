// Package kucoin implements spot and linear perpetual market data
// connectors for KuCoin. Futures contracts label bitcoin XBT; the
// package folds that to BTC everywhere a canonical symbol leaves it.
package kucoin

import (
	"context"
	"strconv"
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

// Spot is the KuCoin spot connector.
type Spot struct {
	*base
}

// Perpetual is the KuCoin USDT-margined perpetual connector.
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
		log:  opts.Log().With().Str("exchange", string(connector.KuCoin)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	b.stream = newMarketStream(kind, opts, b.rest, b.symbols)
	b.core = connector.NewStreamCore(connector.KuCoin, kind, opts, connector.StreamHooks{
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
	return connector.KuCoin
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
		price, err = b.rest.fetchPerpPrice(ctx, native)
	} else {
		price, err = b.rest.fetchSpotPrice(ctx, native)
	}
	if err != nil {
		return nil, err
	}
	return b.pair(ctx, native, price)
}

// GetPairs implements connector.Common. Spot has a bulk ticker table;
// futures prices ride on the contract catalogue.
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
		instruments, err := b.rest.fetchContracts(ctx)
		if err != nil {
			return nil, err
		}
		for _, in := range instruments {
			prices[in.Native] = in.Last
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
	depth, err := b.rest.fetchDepth(ctx, native, limit)
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

	if b.kind == connector.KindPerpetual {
		rows, err := b.rest.fetchPerpKlines(ctx, native, limit, b.now())
		if err != nil {
			return nil, err
		}
		candles := make([]connector.CandleStick, 0, len(rows))
		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			candles = append(candles, connector.CandleStick{
				Symbol:      canonical,
				UTCOpenTime: toUTCSeconds(int64(row[0])),
				Open:        row[1],
				High:        row[2],
				Low:         row[3],
				Close:       row[4],
				CoinVolume:  row[5],
			})
		}
		connector.SortCandles(candles)
		if len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}
		return candles, nil
	}

	rows, err := b.rest.fetchSpotCandles(ctx, native, limit)
	if err != nil {
		return nil, err
	}
	candles := decodeSpotCandles(canonical, rows)
	connector.SortCandles(candles)
	return candles, nil
}

// decodeSpotCandles reads the spot kline row layout, which is
// [time, open, close, high, low, volume, turnover].
func decodeSpotCandles(canonical string, rows [][]string) []connector.CandleStick {
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	candles := make([]connector.CandleStick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candle := connector.CandleStick{
			Symbol:      canonical,
			UTCOpenTime: toUTCSeconds(ts),
			Open:        parseFloat(row[1]),
			Close:       parseFloat(row[2]),
			High:        parseFloat(row[3]),
			Low:         parseFloat(row[4]),
			CoinVolume:  parseFloat(row[5]),
		}
		if usdQuote {
			candle.USDVolume = parseFloat(row[6])
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

// GetWithdrawInfo implements connector.Spot. The public currency
// catalogue carries per-chain transferability and fees.
func (c *Spot) GetWithdrawInfo(ctx context.Context) (map[string][]connector.WithdrawInfo, error) {
	rows, err := c.rest.fetchCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]connector.WithdrawInfo, len(rows))
	for _, row := range rows {
		coin := canonicalCoin(row.Currency)
		infos := make([]connector.WithdrawInfo, 0, len(row.Chains))
		for _, chain := range row.Chains {
			infos = append(infos, connector.WithdrawInfo{
				ExCode:          row.Currency,
				Coin:            coin,
				NetworkNames:    []string{chain.ChainName},
				WithdrawEnabled: chain.WithdrawEnabled,
				DepositEnabled:  chain.DepositEnabled,
				WithdrawFee:     parseFloat(chain.WithdrawMinFee),
				MinWithdraw:     parseFloat(chain.WithdrawMinSize),
			})
		}
		if len(infos) > 0 {
			out[coin] = infos
		}
	}
	return out, nil
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

// GetFundingRate implements connector.Perpetual. The contract detail
// endpoint carries the live rate, the predicted next rate, the index
// price and the time remaining until settlement.
func (c *Perpetual) GetFundingRate(ctx context.Context, symbol string) (*connector.FundingRate, error) {
	native, ok, err := c.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	detail, err := c.rest.fetchContractDetail(ctx, native)
	if err != nil {
		return nil, err
	}
	canonical, _, _ := c.symbols.Canonical(ctx, native)
	now := c.now().UTC()
	fr := &connector.FundingRate{
		Symbol:     canonical,
		Rate:       detail.FundingFeeRate,
		NextRate:   detail.PredictedFundingFee,
		IndexPrice: detail.IndexPrice,
		UTC:        now.Unix(),
	}
	if detail.NextFundingTime > 0 {
		fr.NextFundingUTC = now.Unix() + detail.NextFundingTime/1000
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
	return c.rest.fetchFundingHistory(ctx, native, limit, c.now())
}
