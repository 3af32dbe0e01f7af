package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

const (
	spotRESTHost = "https://api.kucoin.com"
	perpRESTHost = "https://api-futures.kucoin.com"
)

// response is the envelope shared by spot and futures endpoints.
// "200000" is the only success code.
type response struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type restClient struct {
	http *ratelimit.Client
	host string
	kind connector.Kind
}

func newRestClient(http *ratelimit.Client, kind connector.Kind, host string) *restClient {
	if host == "" {
		host = spotRESTHost
		if kind == connector.KindPerpetual {
			host = perpRESTHost
		}
	}
	return &restClient{http: http, host: host, kind: kind}
}

func (c *restClient) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	body, _, err := c.http.Get(ctx, string(connector.KuCoin), string(c.kind), c.host+path, query)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

func (c *restClient) post(ctx context.Context, path string, out interface{}) error {
	body, _, err := c.http.Post(ctx, string(connector.KuCoin), string(c.kind), c.host+path, nil)
	if err != nil {
		return err
	}
	return decodeEnvelope(body, out)
}

func decodeEnvelope(body []byte, out interface{}) error {
	var env response
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != "200000" {
		return fmt.Errorf("kucoin code %s: %s", env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

type instrument struct {
	Native     string
	Base       string
	Quote      string
	Settlement string
	Margin     bool
	Last       float64
}

// fetchInstruments reads the tradable catalogue. Futures contracts
// name bitcoin XBT; canonicalCoin folds that back to BTC.
func (c *restClient) fetchInstruments(ctx context.Context) ([]instrument, error) {
	if c.kind == connector.KindPerpetual {
		return c.fetchContracts(ctx)
	}
	var rows []struct {
		Symbol        string `json:"symbol"`
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
		EnableTrading bool   `json:"enableTrading"`
		IsMarginOK    bool   `json:"isMarginEnabled"`
	}
	if err := c.get(ctx, "/api/v2/symbols", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch symbols: %w", err)
	}
	out := make([]instrument, 0, len(rows))
	for _, row := range rows {
		if !row.EnableTrading {
			continue
		}
		out = append(out, instrument{
			Native: row.Symbol,
			Base:   canonicalCoin(row.BaseCurrency),
			Quote:  canonicalCoin(row.QuoteCurrency),
			Margin: row.IsMarginOK,
		})
	}
	return out, nil
}

func (c *restClient) fetchContracts(ctx context.Context) ([]instrument, error) {
	var rows []struct {
		Symbol         string  `json:"symbol"`
		BaseCurrency   string  `json:"baseCurrency"`
		QuoteCurrency  string  `json:"quoteCurrency"`
		SettleCurrency string  `json:"settleCurrency"`
		Status         string  `json:"status"`
		LastTradePrice float64 `json:"lastTradePrice"`
		IsInverse      bool    `json:"isInverse"`
	}
	if err := c.get(ctx, "/api/v1/contracts/active", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch contracts: %w", err)
	}
	out := make([]instrument, 0, len(rows))
	for _, row := range rows {
		if row.Status != "Open" || row.IsInverse {
			continue
		}
		out = append(out, instrument{
			Native:     row.Symbol,
			Base:       canonicalCoin(row.BaseCurrency),
			Quote:      canonicalCoin(row.QuoteCurrency),
			Settlement: canonicalCoin(row.SettleCurrency),
			Last:       row.LastTradePrice,
		})
	}
	return out, nil
}

// contractDetail is the fresh per-contract snapshot used for funding.
type contractDetail struct {
	FundingFeeRate      float64 `json:"fundingFeeRate"`
	PredictedFundingFee float64 `json:"predictedFundingFeeRate"`
	IndexPrice          float64 `json:"indexPrice"`
	NextFundingTime     int64   `json:"nextFundingRateTime"` // ms until settlement
}

func (c *restClient) fetchContractDetail(ctx context.Context, symbol string) (*contractDetail, error) {
	var row contractDetail
	if err := c.get(ctx, "/api/v1/contracts/"+symbol, nil, &row); err != nil {
		return nil, fmt.Errorf("fetch contract detail: %w", err)
	}
	return &row, nil
}

func (c *restClient) fetchSpotPrice(ctx context.Context, symbol string) (float64, error) {
	var row struct {
		Price string `json:"price"`
	}
	params := map[string]string{"symbol": symbol}
	if err := c.get(ctx, "/api/v1/market/orderbook/level1", params, &row); err != nil {
		return 0, fmt.Errorf("fetch level1: %w", err)
	}
	return parseFloat(row.Price), nil
}

func (c *restClient) fetchPerpPrice(ctx context.Context, symbol string) (float64, error) {
	var row struct {
		Price string `json:"price"`
	}
	params := map[string]string{"symbol": symbol}
	if err := c.get(ctx, "/api/v1/ticker", params, &row); err != nil {
		return 0, fmt.Errorf("fetch ticker: %w", err)
	}
	return parseFloat(row.Price), nil
}

// fetchAllSpotPrices reads the spot ticker table in one call.
func (c *restClient) fetchAllSpotPrices(ctx context.Context) (map[string]float64, error) {
	var data struct {
		Ticker []struct {
			Symbol string `json:"symbol"`
			Last   string `json:"last"`
		} `json:"ticker"`
	}
	if err := c.get(ctx, "/api/v1/market/allTickers", nil, &data); err != nil {
		return nil, fmt.Errorf("fetch all tickers: %w", err)
	}
	out := make(map[string]float64, len(data.Ticker))
	for _, row := range data.Ticker {
		out[row.Symbol] = parseFloat(row.Last)
	}
	return out, nil
}

func (c *restClient) fetchDepth(ctx context.Context, symbol string, limit int) (*connector.BookDepth, error) {
	if c.kind == connector.KindPerpetual {
		return c.fetchPerpDepth(ctx, symbol, limit)
	}
	path := "/api/v1/market/orderbook/level2_20"
	if limit > 20 {
		path = "/api/v1/market/orderbook/level2_100"
	}
	var row struct {
		Sequence string     `json:"sequence"`
		Time     int64      `json:"time"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	}
	params := map[string]string{"symbol": symbol}
	if err := c.get(ctx, path, params, &row); err != nil {
		return nil, fmt.Errorf("fetch depth: %w", err)
	}
	seq, _ := strconv.ParseInt(row.Sequence, 10, 64)
	depth := &connector.BookDepth{
		ExchangeSymbol: symbol,
		Bids:           parseStringLevels(row.Bids),
		Asks:           parseStringLevels(row.Asks),
		LastUpdateID:   seq,
		UTC:            toUTCSeconds(row.Time),
	}
	depth.Sort()
	return depth, nil
}

func (c *restClient) fetchPerpDepth(ctx context.Context, symbol string, limit int) (*connector.BookDepth, error) {
	path := "/api/v1/level2/depth20"
	if limit > 20 {
		path = "/api/v1/level2/depth100"
	}
	var row struct {
		Sequence int64       `json:"sequence"`
		TS       int64       `json:"ts"`
		Bids     [][]float64 `json:"bids"`
		Asks     [][]float64 `json:"asks"`
	}
	params := map[string]string{"symbol": symbol}
	if err := c.get(ctx, path, params, &row); err != nil {
		return nil, fmt.Errorf("fetch depth: %w", err)
	}
	depth := &connector.BookDepth{
		ExchangeSymbol: symbol,
		Bids:           parseNumberLevels(row.Bids),
		Asks:           parseNumberLevels(row.Asks),
		LastUpdateID:   row.Sequence,
		UTC:            toUTCSeconds(row.TS),
	}
	depth.Sort()
	return depth, nil
}

// fetchSpotCandles returns rows newest first. Each row is
// [time(s), open, close, high, low, volume, turnover].
func (c *restClient) fetchSpotCandles(ctx context.Context, symbol string, limit int) ([][]string, error) {
	var rows [][]string
	params := map[string]string{"symbol": symbol, "type": "1min"}
	if err := c.get(ctx, "/api/v1/market/candles", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// fetchPerpKlines returns rows oldest first. Each row is
// [time(ms), open, high, low, close, volume] as numbers.
func (c *restClient) fetchPerpKlines(ctx context.Context, symbol string, limit int, now time.Time) ([][]float64, error) {
	var rows [][]float64
	from := now.Add(-time.Duration(limit) * time.Minute).UnixMilli()
	params := map[string]string{
		"symbol":      symbol,
		"granularity": "1",
		"from":        strconv.FormatInt(from, 10),
	}
	if err := c.get(ctx, "/api/v1/kline/query", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	return rows, nil
}

func (c *restClient) fetchFundingHistory(ctx context.Context, symbol string, limit int, now time.Time) ([]connector.FundingRatePoint, error) {
	var rows []struct {
		FundingRate float64 `json:"fundingRate"`
		TimePoint   int64   `json:"timepoint"`
	}
	// Funding settles every eight hours; the window below covers limit
	// settlements with slack.
	to := now.UnixMilli()
	from := now.Add(-time.Duration(limit) * 8 * time.Hour).UnixMilli()
	params := map[string]string{
		"symbol": symbol,
		"from":   strconv.FormatInt(from, 10),
		"to":     strconv.FormatInt(to, 10),
	}
	if err := c.get(ctx, "/api/v1/contract/funding-rates", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch funding history: %w", err)
	}

	points := make([]connector.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, connector.FundingRatePoint{
			Rate:           row.FundingRate,
			FundingTimeUTC: toUTCSeconds(row.TimePoint),
		})
	}
	connector.SortFundingHistory(points)
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

type currencyChain struct {
	ChainName       string `json:"chainName"`
	WithdrawEnabled bool   `json:"isWithdrawEnabled"`
	DepositEnabled  bool   `json:"isDepositEnabled"`
	WithdrawMinFee  string `json:"withdrawalMinFee"`
	WithdrawMinSize string `json:"withdrawalMinSize"`
}

type currencyRow struct {
	Currency string          `json:"currency"`
	Chains   []currencyChain `json:"chains"`
}

func (c *restClient) fetchCurrencies(ctx context.Context) ([]currencyRow, error) {
	var rows []currencyRow
	if err := c.get(ctx, "/api/v3/currencies", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch currencies: %w", err)
	}
	return rows, nil
}

// bullet is the public websocket handshake: a POST that returns the
// endpoint, a connection token and the server's ping cadence.
type bullet struct {
	Endpoint     string
	Token        string
	PingInterval time.Duration
}

func (c *restClient) fetchBullet(ctx context.Context) (*bullet, error) {
	var data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	}
	if err := c.post(ctx, "/api/v1/bullet-public", &data); err != nil {
		return nil, fmt.Errorf("fetch bullet: %w", err)
	}
	if len(data.InstanceServers) == 0 {
		return nil, fmt.Errorf("fetch bullet: no instance servers")
	}
	srv := data.InstanceServers[0]
	interval := time.Duration(srv.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = 18 * time.Second
	}
	return &bullet{Endpoint: srv.Endpoint, Token: data.Token, PingInterval: interval}, nil
}

// canonicalCoin maps exchange coin codes to canonical ones.
func canonicalCoin(coin string) string {
	coin = strings.ToUpper(coin)
	if coin == "XBT" {
		return "BTC"
	}
	return coin
}

func parseStringLevels(rows [][]string) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		qty := parseFloat(row[1])
		if qty <= 0 {
			continue
		}
		out = append(out, connector.BidAsk{Price: parseFloat(row[0]), Quantity: qty})
	}
	return out
}

func parseNumberLevels(rows [][]float64) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 || row[1] <= 0 {
			continue
		}
		out = append(out, connector.BidAsk{Price: row[0], Quantity: row[1]})
	}
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// toUTCSeconds normalizes the mixed clock resolutions KuCoin uses:
// seconds on spot candles, milliseconds on most endpoints and
// nanoseconds on futures feeds.
func toUTCSeconds(v int64) int64 {
	switch {
	case v >= 1e17:
		return v / 1e9
	case v >= 1e11:
		return v / 1e3
	default:
		return v
	}
}
