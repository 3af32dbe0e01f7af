package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

// Spot rides the v3 API, contracts the v1 API on a separate host.
const (
	spotRESTHost = "https://api.mexc.com"
	perpRESTHost = "https://contract.mexc.com"
)

// response is the contract API envelope. Spot endpoints return bare
// payloads and signal errors through HTTP status codes instead.
type response struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
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

// getSpot fetches a bare v3 payload.
func (c *restClient) getSpot(ctx context.Context, path string, params map[string]string, out interface{}) error {
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	body, _, err := c.http.Get(ctx, string(connector.MEXC), string(c.kind), c.host+path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// getContract fetches and unwraps a contract API envelope.
func (c *restClient) getContract(ctx context.Context, path string, params map[string]string, out interface{}) error {
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	body, _, err := c.http.Get(ctx, string(connector.MEXC), string(c.kind), c.host+path, query)
	if err != nil {
		return err
	}
	var env response
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("mexc code %d: %s", env.Code, env.Message)
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
}

// fetchInstruments reads the tradable catalogue. Spot natives are
// BTCUSDT, contract natives BTC_USDT.
func (c *restClient) fetchInstruments(ctx context.Context) ([]instrument, error) {
	if c.kind == connector.KindPerpetual {
		return c.fetchContracts(ctx)
	}
	var payload struct {
		Symbols []struct {
			Symbol          string `json:"symbol"`
			BaseAsset       string `json:"baseAsset"`
			QuoteAsset      string `json:"quoteAsset"`
			Status          string `json:"status"`
			IsSpotAllowed   bool   `json:"isSpotTradingAllowed"`
			IsMarginAllowed bool   `json:"isMarginTradingAllowed"`
		} `json:"symbols"`
	}
	if err := c.getSpot(ctx, "/api/v3/exchangeInfo", nil, &payload); err != nil {
		return nil, fmt.Errorf("fetch exchangeInfo: %w", err)
	}
	out := make([]instrument, 0, len(payload.Symbols))
	for _, row := range payload.Symbols {
		// Status is "1" on current responses, "ENABLED" on older ones.
		if row.Status != "1" && row.Status != "ENABLED" {
			continue
		}
		if !row.IsSpotAllowed {
			continue
		}
		out = append(out, instrument{
			Native: row.Symbol,
			Base:   row.BaseAsset,
			Quote:  row.QuoteAsset,
			Margin: row.IsMarginAllowed,
		})
	}
	return out, nil
}

func (c *restClient) fetchContracts(ctx context.Context) ([]instrument, error) {
	var rows []struct {
		Symbol     string `json:"symbol"`
		BaseCoin   string `json:"baseCoin"`
		QuoteCoin  string `json:"quoteCoin"`
		SettleCoin string `json:"settleCoin"`
		State      int    `json:"state"`
	}
	if err := c.getContract(ctx, "/api/v1/contract/detail", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch contract detail: %w", err)
	}
	out := make([]instrument, 0, len(rows))
	for _, row := range rows {
		// State 0 is active trading.
		if row.State != 0 {
			continue
		}
		out = append(out, instrument{
			Native:     row.Symbol,
			Base:       row.BaseCoin,
			Quote:      row.QuoteCoin,
			Settlement: row.SettleCoin,
		})
	}
	return out, nil
}

func (c *restClient) fetchSpotPrice(ctx context.Context, native string) (float64, error) {
	var row struct {
		Price string `json:"price"`
	}
	if err := c.getSpot(ctx, "/api/v3/ticker/price", map[string]string{"symbol": native}, &row); err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	return parseFloat(row.Price), nil
}

// fetchAllSpotPrices reads the full price table in one call.
func (c *restClient) fetchAllSpotPrices(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.getSpot(ctx, "/api/v3/ticker/price", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		out[row.Symbol] = parseFloat(row.Price)
	}
	return out, nil
}

type bookTickerRow struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// fetchSpotBookTickers reads best bid and offer for every symbol in
// one call. The polling stream leans on this instead of a socket.
func (c *restClient) fetchSpotBookTickers(ctx context.Context) ([]bookTickerRow, error) {
	var rows []bookTickerRow
	if err := c.getSpot(ctx, "/api/v3/ticker/bookTicker", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch bookTicker: %w", err)
	}
	return rows, nil
}

func (c *restClient) fetchSpotDepth(ctx context.Context, native string, limit int) (*connector.BookDepth, error) {
	params := map[string]string{"symbol": native, "limit": strconv.Itoa(limit)}
	var payload struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := c.getSpot(ctx, "/api/v3/depth", params, &payload); err != nil {
		return nil, fmt.Errorf("fetch depth: %w", err)
	}
	depth := &connector.BookDepth{
		ExchangeSymbol: native,
		Bids:           parseStringLevels(payload.Bids),
		Asks:           parseStringLevels(payload.Asks),
		LastUpdateID:   payload.LastUpdateID,
	}
	depth.Sort()
	return depth, nil
}

// fetchSpotKlines returns v3 kline rows:
// [openTimeMs, open, high, low, close, volume, closeTimeMs, quoteVolume].
func (c *restClient) fetchSpotKlines(ctx context.Context, native string, limit int) ([][]interface{}, error) {
	params := map[string]string{
		"symbol":   native,
		"interval": "1m",
		"limit":    strconv.Itoa(limit),
	}
	var rows [][]interface{}
	if err := c.getSpot(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	return rows, nil
}

type tickerRow struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice"`
	Bid1        float64 `json:"bid1"`
	Ask1        float64 `json:"ask1"`
	IndexPrice  float64 `json:"indexPrice"`
	FairPrice   float64 `json:"fairPrice"`
	FundingRate float64 `json:"fundingRate"`
	Timestamp   int64   `json:"timestamp"`
}

func (c *restClient) fetchContractTicker(ctx context.Context, native string) (*tickerRow, error) {
	var row tickerRow
	if err := c.getContract(ctx, "/api/v1/contract/ticker", map[string]string{"symbol": native}, &row); err != nil {
		return nil, fmt.Errorf("fetch ticker: %w", err)
	}
	return &row, nil
}

func (c *restClient) fetchAllContractTickers(ctx context.Context) ([]tickerRow, error) {
	var rows []tickerRow
	if err := c.getContract(ctx, "/api/v1/contract/ticker", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	return rows, nil
}

// fetchPerpDepth reads the contract book. Levels carry a trailing
// order count column.
func (c *restClient) fetchPerpDepth(ctx context.Context, native string, limit int) (*connector.BookDepth, error) {
	params := map[string]string{"limit": strconv.Itoa(limit)}
	var payload struct {
		Bids      [][]float64 `json:"bids"`
		Asks      [][]float64 `json:"asks"`
		Version   int64       `json:"version"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := c.getContract(ctx, "/api/v1/contract/depth/"+native, params, &payload); err != nil {
		return nil, fmt.Errorf("fetch depth: %w", err)
	}
	depth := &connector.BookDepth{
		ExchangeSymbol: native,
		Bids:           parseNumberLevels(payload.Bids),
		Asks:           parseNumberLevels(payload.Asks),
		LastUpdateID:   payload.Version,
		UTC:            payload.Timestamp / 1000,
	}
	depth.Sort()
	return depth, nil
}

// klineBar is one zipped row of the columnar contract kline payload.
type klineBar struct {
	Time   int64 // seconds
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Vol    float64
	Amount float64
}

// fetchPerpKlines reads the columnar kline payload and zips it into
// rows. Contract kline clocks are in seconds.
func (c *restClient) fetchPerpKlines(ctx context.Context, native string, limit int, now time.Time) ([]klineBar, error) {
	end := now.Unix()
	start := end - int64(limit)*60
	params := map[string]string{
		"interval": "Min1",
		"start":    strconv.FormatInt(start, 10),
		"end":      strconv.FormatInt(end, 10),
	}
	var payload struct {
		Time   []int64   `json:"time"`
		Open   []float64 `json:"open"`
		High   []float64 `json:"high"`
		Low    []float64 `json:"low"`
		Close  []float64 `json:"close"`
		Vol    []float64 `json:"vol"`
		Amount []float64 `json:"amount"`
	}
	if err := c.getContract(ctx, "/api/v1/contract/kline/"+native, params, &payload); err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	bars := make([]klineBar, 0, len(payload.Time))
	for i, ts := range payload.Time {
		bar := klineBar{Time: ts}
		if i < len(payload.Open) {
			bar.Open = payload.Open[i]
		}
		if i < len(payload.High) {
			bar.High = payload.High[i]
		}
		if i < len(payload.Low) {
			bar.Low = payload.Low[i]
		}
		if i < len(payload.Close) {
			bar.Close = payload.Close[i]
		}
		if i < len(payload.Vol) {
			bar.Vol = payload.Vol[i]
		}
		if i < len(payload.Amount) {
			bar.Amount = payload.Amount[i]
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

type fundingRateData struct {
	Symbol         string  `json:"symbol"`
	FundingRate    float64 `json:"fundingRate"`
	CollectCycle   int     `json:"collectCycle"`
	NextSettleTime int64   `json:"nextSettleTime"` // ms
	Timestamp      int64   `json:"timestamp"`
}

func (c *restClient) fetchFundingRate(ctx context.Context, native string) (*fundingRateData, error) {
	var row fundingRateData
	if err := c.getContract(ctx, "/api/v1/contract/funding_rate/"+native, nil, &row); err != nil {
		return nil, fmt.Errorf("fetch funding rate: %w", err)
	}
	return &row, nil
}

func (c *restClient) fetchFundingHistory(ctx context.Context, native string, limit int) ([]connector.FundingRatePoint, error) {
	params := map[string]string{
		"symbol":    native,
		"page_num":  "1",
		"page_size": strconv.Itoa(limit),
	}
	type historyRow struct {
		FundingRate float64 `json:"fundingRate"`
		SettleTime  int64   `json:"settleTime"` // ms
	}
	var page struct {
		ResultList []historyRow `json:"resultList"`
		Data       []historyRow `json:"data"`
	}
	if err := c.getContract(ctx, "/api/v1/contract/funding_rate/history", params, &page); err != nil {
		return nil, fmt.Errorf("fetch funding history: %w", err)
	}
	rows := page.ResultList
	if len(rows) == 0 {
		rows = page.Data
	}
	points := make([]connector.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, connector.FundingRatePoint{
			Rate:           row.FundingRate,
			FundingTimeUTC: row.SettleTime / 1000,
		})
	}
	connector.SortFundingHistory(points)
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
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

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseFloat(t)
	}
	return 0
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
