// Package htx implements spot and linear perpetual market data
// connectors for HTX. Spot natives are lowercase concatenations such
// as btcusdt, swap natives keep the BTC-USDT contract code.
package htx

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

// Spot is the HTX spot connector.
type Spot struct {
	*base
}

// Perpetual is the HTX USDT-margined perpetual connector.
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
		log:  opts.Log().With().Str("exchange", string(connector.HTX)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	b.stream = newMarketStream(kind, opts, b.symbols)
	b.core = connector.NewStreamCore(connector.HTX, kind, opts, connector.StreamHooks{
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
	return connector.HTX
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
	tick, err := b.rest.fetchMerged(ctx, native)
	if err != nil {
		return nil, err
	}
	return b.pair(ctx, native, float64(tick.Close))
}

// GetPairs implements connector.Common. Both markets expose full
// ticker tables, so one call covers any number of symbols.
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

	var prices map[string]float64
	var err error
	if b.kind == connector.KindPerpetual {
		prices, err = b.rest.fetchSwapPrices(ctx)
	} else {
		prices, err = b.rest.fetchSpotPrices(ctx)
	}
	if err != nil {
		return nil, err
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
	rows, err := b.rest.fetchKlines(ctx, native, limit)
	if err != nil {
		return nil, err
	}
	canonical, _, _ := b.symbols.Canonical(ctx, native)
	candles := make([]connector.CandleStick, 0, len(rows))
	for _, row := range rows {
		candles = append(candles, b.candle(canonical, row))
	}
	connector.SortCandles(candles)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// candle maps a kline row. Spot reports quote turnover in vol; swap
// reports it in trade_turnover and contract counts in vol.
func (b *base) candle(canonical string, row klineRow) connector.CandleStick {
	candle := connector.CandleStick{
		Symbol:      canonical,
		UTCOpenTime: row.ID,
		Open:        float64(row.Open),
		High:        float64(row.High),
		Low:         float64(row.Low),
		Close:       float64(row.Close),
		CoinVolume:  float64(row.Amount),
	}
	_, quote, _ := connector.SplitSymbol(canonical)
	if connector.IsUSDProxy(quote) {
		if b.kind == connector.KindPerpetual {
			candle.USDVolume = float64(row.TradeTurnover)
		} else {
			candle.USDVolume = float64(row.Vol)
		}
	}
	return candle
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

// GetWithdrawInfo implements connector.Spot. The v2 reference
// catalogue carries per-chain transferability and fees.
func (c *Spot) GetWithdrawInfo(ctx context.Context) (map[string][]connector.WithdrawInfo, error) {
	rows, err := c.rest.fetchCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]connector.WithdrawInfo, len(rows))
	for _, row := range rows {
		coin := strings.ToUpper(row.Currency)
		infos := make([]connector.WithdrawInfo, 0, len(row.Chains))
		for _, chain := range row.Chains {
			name := chain.DisplayName
			if name == "" {
				name = chain.Chain
			}
			fee := parseFloat(chain.TransactFee)
			if fee == 0 {
				// Ratio-fee chains publish a minimum instead of a flat fee.
				fee = parseFloat(chain.MinTransactFee)
			}
			infos = append(infos, connector.WithdrawInfo{
				ExCode:          row.Currency,
				Coin:            coin,
				NetworkNames:    []string{name},
				WithdrawEnabled: chain.WithdrawStatus == "allowed",
				DepositEnabled:  chain.DepositStatus == "allowed",
				WithdrawFee:     fee,
				MinWithdraw:     parseFloat(chain.MinWithdrawAmt),
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
			Base:           in.Base,
			Quote:          in.Quote,
			ExchangeSymbol: in.Native,
			Settlement:     in.Settlement,
		})
	}
	return out, nil
}

// GetFundingRate implements connector.Perpetual. The index price rides
// on a separate endpoint; its failure does not sink the rate.
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
	fundingTime, _ := strconv.ParseInt(row.FundingTime, 10, 64)
	fr := &connector.FundingRate{
		Symbol:         canonical,
		Rate:           float64(row.FundingRate),
		NextRate:       float64(row.EstimatedRate),
		NextFundingUTC: fundingTime / 1000,
		UTC:            c.now().UTC().Unix(),
	}
	if index, err := c.rest.fetchIndexPrice(ctx, native); err != nil {
		c.log.Debug().Err(err).Str("symbol", symbol).Msg("index price unavailable")
	} else {
		fr.IndexPrice = index
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
