// Package gate implements spot and linear perpetual market data
// connectors for Gate. Both markets spell natives BTC_USDT; futures
// sizes are denominated in contracts.
package gate

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

// Spot is the Gate spot connector.
type Spot struct {
	*base
}

// Perpetual is the Gate USDT-settled perpetual connector.
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
		log:  opts.Log().With().Str("exchange", string(connector.Gate)).Str("kind", string(kind)).Logger(),
		rest: newRestClient(opts.Rest(), kind, opts.RESTHost),
		now:  time.Now,
	}
	b.symbols = connector.NewSymbolMap(b.loadSymbols)
	b.stream = newMarketStream(kind, opts, b.rest, b.symbols)
	b.core = connector.NewStreamCore(connector.Gate, kind, opts, connector.StreamHooks{
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
	table := make(map[string]string)
	if b.kind == connector.KindPerpetual {
		contracts, err := b.rest.fetchContracts(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range contracts {
			if row.InDelisting {
				continue
			}
			base, quote, ok := splitContract(row.Name)
			if !ok {
				continue
			}
			table[connector.JoinSymbol(base, quote)] = row.Name
		}
		return table, nil
	}

	pairs, err := b.rest.fetchCurrencyPairs(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range pairs {
		if row.TradeStatus != "tradable" {
			continue
		}
		table[connector.JoinSymbol(row.Base, row.Quote)] = row.ID
	}
	return table, nil
}

// splitContract derives base and quote from the underscored native.
func splitContract(native string) (base, quote string, ok bool) {
	i := strings.Index(native, "_")
	if i <= 0 || i >= len(native)-1 {
		return "", "", false
	}
	return native[:i], native[i+1:], true
}

// Exchange implements connector.Common.
func (b *base) Exchange() connector.ExchangeID {
	return connector.Gate
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
		rows, err := b.rest.fetchFuturesTickers(ctx, native)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		price = parseFloat(rows[0].Last)
	} else {
		rows, err := b.rest.fetchSpotTickers(ctx, native)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		price = parseFloat(rows[0].Last)
	}
	return b.pair(ctx, native, price)
}

// GetPairs implements connector.Common. Both markets serve the whole
// ticker table in one call, so the requested set is filtered locally.
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
		rows, err := b.rest.fetchFuturesTickers(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			prices[row.Contract] = parseFloat(row.Last)
		}
	} else {
		rows, err := b.rest.fetchSpotTickers(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			prices[row.CurrencyPair] = parseFloat(row.Last)
		}
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
		depth, err = b.rest.fetchFuturesDepth(ctx, native, limit)
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

	var candles []connector.CandleStick
	if b.kind == connector.KindPerpetual {
		rows, err := b.rest.fetchFuturesCandles(ctx, native, limit)
		if err != nil {
			return nil, err
		}
		candles = make([]connector.CandleStick, 0, len(rows))
		for _, row := range rows {
			candles = append(candles, connector.CandleStick{
				Symbol:      canonical,
				UTCOpenTime: row.T,
				Open:        parseFloat(row.O),
				High:        parseFloat(row.H),
				Low:         parseFloat(row.L),
				Close:       parseFloat(row.C),
				CoinVolume:  float64(row.V), // contracts
				USDVolume:   parseFloat(row.Sum),
			})
		}
	} else {
		rows, err := b.rest.fetchSpotCandles(ctx, native, limit)
		if err != nil {
			return nil, err
		}
		candles = decodeSpotCandles(canonical, rows)
	}
	connector.SortCandles(candles)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// decodeSpotCandles reads the spot kline row layout, which is
// [time, quote volume, close, high, low, open, base volume, closed].
func decodeSpotCandles(canonical string, rows [][]string) []connector.CandleStick {
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	candles := make([]connector.CandleStick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		candle := connector.CandleStick{
			Symbol:      canonical,
			UTCOpenTime: parseInt(row[0]),
			Open:        parseFloat(row[5]),
			High:        parseFloat(row[3]),
			Low:         parseFloat(row[4]),
			Close:       parseFloat(row[2]),
			CoinVolume:  parseFloat(row[6]),
		}
		if usdQuote {
			candle.USDVolume = parseFloat(row[1])
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
	pairs, err := c.rest.fetchCurrencyPairs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.Ticker, 0, len(pairs))
	for _, row := range pairs {
		if row.TradeStatus != "tradable" {
			continue
		}
		out = append(out, connector.Ticker{
			Symbol:         connector.JoinSymbol(row.Base, row.Quote),
			Base:           strings.ToUpper(row.Base),
			Quote:          strings.ToUpper(row.Quote),
			IsSpotEnabled:  true,
			ExchangeSymbol: row.ID,
		})
	}
	return out, nil
}

// GetWithdrawInfo implements connector.Spot. The public currency
// catalogue carries per-chain transferability; fee amounts sit behind
// the authenticated wallet API and stay zero here.
func (c *Spot) GetWithdrawInfo(ctx context.Context) (map[string][]connector.WithdrawInfo, error) {
	rows, err := c.rest.fetchCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]connector.WithdrawInfo, len(rows))
	for _, row := range rows {
		if row.Delisted {
			continue
		}
		coin := strings.ToUpper(row.Currency)
		var infos []connector.WithdrawInfo
		if len(row.Chains) > 0 {
			infos = make([]connector.WithdrawInfo, 0, len(row.Chains))
			for _, chain := range row.Chains {
				infos = append(infos, connector.WithdrawInfo{
					ExCode:          row.Currency,
					Coin:            coin,
					NetworkNames:    []string{chain.Chain},
					WithdrawEnabled: chain.IsWithdrawDisabled == 0 && !row.WithdrawDisabled,
					DepositEnabled:  chain.IsDepositDisabled == 0 && !row.DepositDisabled,
				})
			}
		} else if row.Chain != "" {
			// Older catalogue rows carry one flat chain.
			infos = []connector.WithdrawInfo{{
				ExCode:          row.Currency,
				Coin:            coin,
				NetworkNames:    []string{row.Chain},
				WithdrawEnabled: !row.WithdrawDisabled,
				DepositEnabled:  !row.DepositDisabled,
			}}
		}
		if len(infos) > 0 {
			out[coin] = infos
		}
	}
	return out, nil
}

// GetAllPerpetuals implements connector.Perpetual.
func (c *Perpetual) GetAllPerpetuals(ctx context.Context) ([]connector.PerpetualTicker, error) {
	contracts, err := c.rest.fetchContracts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connector.PerpetualTicker, 0, len(contracts))
	for _, row := range contracts {
		if row.InDelisting {
			continue
		}
		base, quote, ok := splitContract(row.Name)
		if !ok {
			continue
		}
		out = append(out, connector.PerpetualTicker{
			Symbol:         connector.JoinSymbol(base, quote),
			Base:           strings.ToUpper(base),
			Quote:          strings.ToUpper(quote),
			ExchangeSymbol: row.Name,
			Settlement:     "USDT",
		})
	}
	return out, nil
}

// GetFundingRate implements connector.Perpetual. The contract detail
// row carries the live rate, the indicative next rate, the index price
// and the next settlement clock in one response.
func (c *Perpetual) GetFundingRate(ctx context.Context, symbol string) (*connector.FundingRate, error) {
	native, ok, err := c.symbols.Native(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	row, err := c.rest.fetchContract(ctx, native)
	if err != nil {
		return nil, err
	}
	canonical, _, _ := c.symbols.Canonical(ctx, native)
	return &connector.FundingRate{
		Symbol:         canonical,
		Rate:           parseFloat(row.FundingRate),
		NextRate:       parseFloat(row.FundingRateIndicative),
		NextFundingUTC: row.FundingNextApply,
		IndexPrice:     parseFloat(row.IndexPrice),
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
