package connector

import (
	"sort"
	"strings"
)

// SymbolSeparator joins base and quote into a canonical symbol ("BTC/USDT").
const SymbolSeparator = "/"

// usdProxies are quote assets treated as USD-equivalent when deriving
// a USD volume from a quote volume.
var usdProxies = map[string]struct{}{
	"USDT": {},
	"USDC": {},
	"DAI":  {},
	"UST":  {},
}

// JoinSymbol builds the canonical symbol from upper-cased base and quote.
func JoinSymbol(base, quote string) string {
	return strings.ToUpper(base) + SymbolSeparator + strings.ToUpper(quote)
}

// SplitSymbol splits a canonical symbol into base and quote.
// Returns ok=false when the separator is absent or a part is empty.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	i := strings.Index(symbol, SymbolSeparator)
	if i <= 0 || i >= len(symbol)-1 {
		return "", "", false
	}
	return strings.ToUpper(symbol[:i]), strings.ToUpper(symbol[i+1:]), true
}

// IsUSDProxy reports whether quote is close enough to USD to stand in
// for it in volume conversions.
func IsUSDProxy(quote string) bool {
	_, ok := usdProxies[strings.ToUpper(quote)]
	return ok
}

// Ticker describes one listed spot instrument.
type Ticker struct {
	Symbol          string `json:"symbol"` // canonical BASE/QUOTE
	Base            string `json:"base"`
	Quote           string `json:"quote"`
	IsSpotEnabled   bool   `json:"is_spot_enabled"`
	IsMarginEnabled bool   `json:"is_margin_enabled"`
	ExchangeSymbol  string `json:"exchange_symbol"` // native spelling
}

// PerpetualTicker describes one listed linear perpetual contract.
type PerpetualTicker struct {
	Symbol         string `json:"symbol"`
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	ExchangeSymbol string `json:"exchange_symbol"`
	Settlement     string `json:"settlement,omitempty"`
}

// BookTicker is a top-of-book quote. UTC is epoch seconds; zero means
// the source carried no timestamp.
type BookTicker struct {
	Symbol       string  `json:"symbol"`
	BidPrice     float64 `json:"bid_price"`
	BidQty       float64 `json:"bid_qty"`
	AskPrice     float64 `json:"ask_price"`
	AskQty       float64 `json:"ask_qty"`
	LastUpdateID int64   `json:"last_update_id,omitempty"`
	UTC          int64   `json:"utc,omitempty"`
}

// Mid returns the midpoint price, or the one present side when the
// book is one-sided, or zero when empty.
func (b BookTicker) Mid() float64 {
	switch {
	case b.BidPrice > 0 && b.AskPrice > 0:
		return (b.BidPrice + b.AskPrice) / 2
	case b.BidPrice > 0:
		return b.BidPrice
	default:
		return b.AskPrice
	}
}

// BidAsk is a single price level.
type BidAsk struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookDepth is an L2 snapshot. Bids are sorted descending and asks
// ascending by price; Sort enforces that after assembly.
type BookDepth struct {
	Symbol         string   `json:"symbol"`
	Bids           []BidAsk `json:"bids"`
	Asks           []BidAsk `json:"asks"`
	ExchangeSymbol string   `json:"exchange_symbol,omitempty"`
	LastUpdateID   int64    `json:"last_update_id,omitempty"`
	UTC            int64    `json:"utc,omitempty"`
}

// Sort orders bids best-first (descending) and asks best-first
// (ascending) regardless of the order the exchange delivered them in.
func (d *BookDepth) Sort() {
	sort.Slice(d.Bids, func(i, j int) bool { return d.Bids[i].Price > d.Bids[j].Price })
	sort.Slice(d.Asks, func(i, j int) bool { return d.Asks[i].Price < d.Asks[j].Price })
}

// Empty reports whether both sides are empty.
func (d *BookDepth) Empty() bool {
	return d == nil || (len(d.Bids) == 0 && len(d.Asks) == 0)
}

// CandleStick is one OHLCV bar keyed by its open time in epoch seconds.
// USDVolume is zero when the quote asset is not a USD proxy and the
// exchange reports no turnover.
type CandleStick struct {
	Symbol      string  `json:"symbol,omitempty"`
	UTCOpenTime int64   `json:"utc_open_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	CoinVolume  float64 `json:"coin_volume"`
	USDVolume   float64 `json:"usd_volume,omitempty"`
}

// SortCandles orders bars by open time ascending.
func SortCandles(candles []CandleStick) {
	sort.Slice(candles, func(i, j int) bool { return candles[i].UTCOpenTime < candles[j].UTCOpenTime })
}

// CurrencyPair is the lightweight last-price record published to the
// orchestrator. Ratio is the base price expressed in quote units.
type CurrencyPair struct {
	Base  string  `json:"base"`
	Quote string  `json:"quote"`
	Ratio float64 `json:"ratio"`
	UTC   int64   `json:"utc,omitempty"`
}

// Symbol returns the canonical BASE/QUOTE spelling.
func (p CurrencyPair) Symbol() string {
	return JoinSymbol(p.Base, p.Quote)
}

// FundingRate is the current funding state of a perpetual contract.
type FundingRate struct {
	Symbol         string  `json:"symbol"`
	Rate           float64 `json:"rate"`
	NextFundingUTC int64   `json:"next_funding_utc,omitempty"`
	NextRate       float64 `json:"next_rate,omitempty"`
	IndexPrice     float64 `json:"index_price,omitempty"`
	UTC            int64   `json:"utc,omitempty"`
}

// FundingRatePoint is one settled funding payment in a history series.
type FundingRatePoint struct {
	FundingTimeUTC int64   `json:"funding_time_utc"`
	Rate           float64 `json:"rate"`
}

// SortFundingHistory orders points by funding time ascending.
func SortFundingHistory(points []FundingRatePoint) {
	sort.Slice(points, func(i, j int) bool { return points[i].FundingTimeUTC < points[j].FundingTimeUTC })
}

// WithdrawInfo describes transferability of one coin over one or more
// networks on a spot exchange.
type WithdrawInfo struct {
	ExCode          string   `json:"ex_code"`
	Coin            string   `json:"coin"`
	NetworkNames    []string `json:"network_names,omitempty"`
	WithdrawEnabled bool     `json:"withdraw_enabled"`
	DepositEnabled  bool     `json:"deposit_enabled"`
	WithdrawFee     float64  `json:"withdraw_fee,omitempty"`
	MinWithdraw     float64  `json:"min_withdraw,omitempty"`
}

// Event is one decoded stream payload. Exactly one field is set.
type Event struct {
	Book  *BookTicker
	Depth *BookDepth
	Kline *CandleStick
}

// subject returns the throttle identity of the event: the canonical
// symbol plus a tag separating payload families so a burst of klines
// does not starve book updates for the same symbol.
func (e Event) subject() (symbol, tag string) {
	switch {
	case e.Book != nil:
		return e.Book.Symbol, "book"
	case e.Depth != nil:
		return e.Depth.Symbol, "depth"
	case e.Kline != nil:
		return e.Kline.Symbol, "kline"
	}
	return "", ""
}
