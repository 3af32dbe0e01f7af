// Package bitfinex implements spot and perpetual market data
// connectors for Bitfinex. Natives are prefixed trading symbols
// (tBTCUST, tBTCF0:USTF0); UST is the venue's spelling of USDT.
package bitfinex

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

// Spot is the Bitfinex spot connector.
type Spot struct {
	*base
}

// Perpetual is the Bitfinex USTF0-margined perpetual connector.
type Perpetual struct {
	*base
}

// NewSpot builds the spot connector.
func NewSpot(opts connector.Options) *Spot {
	return &Spot{base: newBase(connector.KindSpot, opts)}
}

// NewPerpetual builds the perpetual connector.
func NewPerpetual(opts connector.Options) *Perpetual {
	return &Perpetual{base: newBase(connector.KindPerpetual, opts)}
}

func newBase(kind connector.Kind, opts connector.Options) *base {
	b := &base{
		kind: kind,
		log:  opts.Log().With().Str("exchange", string(connector.Bitfinex)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	b.stream = newMarketStream(kind, opts, b.symbols)
	b.core = connector.NewStreamCore(connector.Bitfinex, kind, opts, connector.StreamHooks{
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
	key := confExchangePairs
	if b.kind == connector.KindPerpetual {
		key = confFuturesPairs
	}
	lists, err := b.rest.fetchPairLists(ctx, key)
	if err != nil {
		return nil, err
	}
	table := make(map[string]string, len(lists[0]))
	for _, pair := range lists[0] {
		canonical, ok := canonicalPair(pair)
		if !ok {
			continue
		}
		table[canonical] = "t" + pair
	}
	return table, nil
}

// canonicalPair maps a listed pair onto base/quote. Pairs with long
// legs are colon separated, futures legs carry an F0 suffix, and UST
// maps to USDT.
func canonicalPair(pair string) (string, bool) {
	var base, quote string
	if i := strings.Index(pair, ":"); i > 0 && i < len(pair)-1 {
		base, quote = pair[:i], pair[i+1:]
	} else if len(pair) == 6 {
		base, quote = pair[:3], pair[3:]
	} else {
		return "", false
	}
	base = mapCoin(strings.TrimSuffix(base, "F0"))
	quote = mapCoin(strings.TrimSuffix(quote, "F0"))
	if base == "" || quote == "" {
		return "", false
	}
	return connector.JoinSymbol(base, quote), true
}

func mapCoin(coin string) string {
	if coin == "UST" {
		return "USDT"
	}
	return coin
}

// Exchange implements connector.Common.
func (b *base) Exchange() connector.ExchangeID {
	return connector.Bitfinex
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
	return b.pair(ctx, native, floatAt(row, 6))
}

// GetPairs implements connector.Common.
func (b *base) GetPairs(ctx context.Context, symbols []string) ([]connector.CurrencyPair, error) {
	natives := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := b.symbols.Native(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if ok {
			natives = append(natives, native)
		}
	}
	if len(natives) == 0 {
		return nil, nil
	}
	rows, err := b.rest.fetchTickers(ctx, natives)
	if err != nil {
		return nil, err
	}
	out := make([]connector.CurrencyPair, 0, len(rows))
	for _, row := range rows {
		native := stringAt(row, 0)
		if native == "" {
			continue
		}
		pair, err := b.pair(ctx, native, floatAt(row, 7))
		if err != nil {
			return nil, err
		}
		if pair != nil {
			out = append(out, *pair)
		}
	}
	return out, nil
}

// GetDepth implements connector.Common. The book endpoint has no
// timestamp, so the receive clock stands in.
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
	depth, err := b.rest.fetchBook(ctx, native, limit)
	if err != nil {
		return nil, err
	}
	canonical, _, _ := b.symbols.Canonical(ctx, native)
	depth.Symbol = canonical
	depth.UTC = b.now().UTC().Unix()
	if len(depth.Bids) > limit {
		depth.Bids = depth.Bids[:limit]
	}
	if len(depth.Asks) > limit {
		depth.Asks = depth.Asks[:limit]
	}
	return depth, nil
}

// GetKlines implements connector.Common. Candle rows carry no quote
// volume, so USD volume is approximated at the close.
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
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	candles := make([]connector.CandleStick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		candle := connector.CandleStick{
			Symbol:      canonical,
			UTCOpenTime: int64(row[0]) / 1000,
			Open:        row[1],
			High:        row[3],
			Low:         row[4],
			Close:       row[2],
			CoinVolume:  row[5],
		}
		if usdQuote {
			candle.USDVolume = row[5] * row[2]
		}
		candles = append(candles, candle)
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

// GetAllTickers implements connector.Spot. The margin pair list rides
// the same conf request as the exchange list.
func (c *Spot) GetAllTickers(ctx context.Context) ([]connector.Ticker, error) {
	lists, err := c.rest.fetchPairLists(ctx, confExchangePairs, confMarginPairs)
	if err != nil {
		return nil, err
	}
	margin := make(map[string]struct{}, len(lists[1]))
	for _, pair := range lists[1] {
		margin[pair] = struct{}{}
	}
	out := make([]connector.Ticker, 0, len(lists[0]))
	for _, pair := range lists[0] {
		canonical, ok := canonicalPair(pair)
		if !ok {
			continue
		}
		base, quote, _ := connector.SplitSymbol(canonical)
		_, hasMargin := margin[pair]
		out = append(out, connector.Ticker{
			Symbol:          canonical,
			Base:            base,
			Quote:           quote,
			IsSpotEnabled:   true,
			IsMarginEnabled: hasMargin,
			ExchangeSymbol:  "t" + pair,
		})
	}
	return out, nil
}

// GetWithdrawInfo implements connector.Spot. Public config maps
// payment methods to currencies, withdrawal fees and transfer status;
// minimums are not public.
func (c *Spot) GetWithdrawInfo(ctx context.Context) (map[string][]connector.WithdrawInfo, error) {
	fees, methods, status, err := c.rest.fetchTxConf(ctx)
	if err != nil {
		return nil, err
	}

	feeOf := make(map[string]float64, len(fees))
	for _, row := range fees {
		currency := stringAt(row, 0)
		if currency == "" || len(row) < 2 {
			continue
		}
		values, _ := row[1].([]any)
		feeOf[currency] = floatAt(values, 1)
	}

	type transferFlags struct {
		deposit  bool
		withdraw bool
	}
	flagsOf := make(map[string]transferFlags, len(status))
	for _, row := range status {
		method := stringAt(row, 0)
		if method == "" {
			continue
		}
		flagsOf[strings.ToUpper(method)] = transferFlags{
			deposit:  floatAt(row, 5) == 1,
			withdraw: floatAt(row, 6) == 1,
		}
	}

	out := make(map[string][]connector.WithdrawInfo)
	for _, row := range methods {
		method := stringAt(row, 0)
		if method == "" || len(row) < 2 {
			continue
		}
		currencies, _ := row[1].([]any)
		flags := flagsOf[strings.ToUpper(method)]
		for _, cell := range currencies {
			code, _ := cell.(string)
			if code == "" {
				continue
			}
			coin := mapCoin(strings.ToUpper(code))
			out[coin] = append(out[coin], connector.WithdrawInfo{
				ExCode:          code,
				Coin:            coin,
				NetworkNames:    []string{method},
				WithdrawEnabled: flags.withdraw,
				DepositEnabled:  flags.deposit,
				WithdrawFee:     feeOf[code],
			})
		}
	}
	return out, nil
}

// GetAllPerpetuals implements connector.Perpetual.
func (c *Perpetual) GetAllPerpetuals(ctx context.Context) ([]connector.PerpetualTicker, error) {
	lists, err := c.rest.fetchPairLists(ctx, confFuturesPairs)
	if err != nil {
		return nil, err
	}
	out := make([]connector.PerpetualTicker, 0, len(lists[0]))
	for _, pair := range lists[0] {
		canonical, ok := canonicalPair(pair)
		if !ok {
			continue
		}
		base, quote, _ := connector.SplitSymbol(canonical)
		out = append(out, connector.PerpetualTicker{
			Symbol:         canonical,
			Base:           base,
			Quote:          quote,
			ExchangeSymbol: "t" + pair,
			Settlement:     quote,
		})
	}
	return out, nil
}

// GetFundingRate implements connector.Perpetual, reading the deriv
// status row. The underlying spot print stands in for the index price.
func (c *Perpetual) GetFundingRate(ctx context.Context, symbol string) (*connector.FundingRate, error) {
	native, ok, err := c.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	row, err := c.rest.fetchDerivStatus(ctx, native)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	st := decodeDerivStatus(row, true)
	canonical, _, _ := c.symbols.Canonical(ctx, native)
	fr := &connector.FundingRate{
		Symbol:         canonical,
		Rate:           st.rate,
		NextFundingUTC: st.nextUTC,
		NextRate:       st.nextRate,
		IndexPrice:     st.spotPrice,
		UTC:            st.utc,
	}
	if fr.UTC == 0 {
		fr.UTC = c.now().UTC().Unix()
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
	rows, err := c.rest.fetchDerivHistory(ctx, native, limit)
	if err != nil {
		return nil, err
	}
	points := make([]connector.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		st := decodeDerivStatus(row, false)
		points = append(points, connector.FundingRatePoint{
			FundingTimeUTC: st.utc,
			Rate:           st.rate,
		})
	}
	connector.SortFundingHistory(points)
	return points, nil
}
