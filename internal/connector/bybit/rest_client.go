package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

const (
	RESTHostMainnet = "https://api.bybit.com"
	RESTHostTestnet = "https://api-testnet.bybit.com"
)

// response is the v5 envelope every endpoint shares. A non-zero retCode
// means the request was rejected even though HTTP said 200.
type response struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type restClient struct {
	http *ratelimit.Client
	host string
	kind connector.Kind
}

func newRestClient(http *ratelimit.Client, kind connector.Kind, host string, testing bool) *restClient {
	if host == "" {
		host = RESTHostMainnet
		if testing {
			host = RESTHostTestnet
		}
	}
	return &restClient{http: http, host: host, kind: kind}
}

func (c *restClient) category() string {
	if c.kind == connector.KindPerpetual {
		return "linear"
	}
	return "spot"
}

func (c *restClient) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	body, _, err := c.http.Get(ctx, string(connector.Bybit), string(c.kind), c.host+path, query)
	if err != nil {
		return err
	}
	var env response
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.RetCode != 0 {
		return fmt.Errorf("bybit retCode %d: %s", env.RetCode, env.RetMsg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
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

func (c *restClient) fetchInstruments(ctx context.Context) ([]instrument, error) {
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			Status        string `json:"status"`
			ContractType  string `json:"contractType"`
			SettleCoin    string `json:"settleCoin"`
			MarginTrading string `json:"marginTrading"`
		} `json:"list"`
	}
	params := map[string]string{"category": c.category(), "limit": "1000"}
	if err := c.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	out := make([]instrument, 0, len(result.List))
	for _, row := range result.List {
		if row.Status != "Trading" {
			continue
		}
		if c.kind == connector.KindPerpetual && row.ContractType != "LinearPerpetual" {
			continue
		}
		out = append(out, instrument{
			Native:     row.Symbol,
			Base:       row.BaseCoin,
			Quote:      row.QuoteCoin,
			Settlement: row.SettleCoin,
			Margin:     row.MarginTrading != "" && row.MarginTrading != "none",
		})
	}
	return out, nil
}

// tickerRow carries the superset of spot and linear ticker fields; the
// funding columns stay empty for spot.
type tickerRow struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	IndexPrice      string `json:"indexPrice"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (c *restClient) fetchTickers(ctx context.Context, symbol string) ([]tickerRow, error) {
	var result struct {
		List []tickerRow `json:"list"`
	}
	params := map[string]string{"category": c.category()}
	if symbol != "" {
		params["symbol"] = symbol
	}
	if err := c.get(ctx, "/v5/market/tickers", params, &result); err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	return result.List, nil
}

func (c *restClient) fetchOrderbook(ctx context.Context, symbol string, limit int) (*connector.BookDepth, error) {
	var result struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		TS     int64      `json:"ts"`
		Update int64      `json:"u"`
	}
	params := map[string]string{
		"category": c.category(),
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}
	if err := c.get(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return nil, fmt.Errorf("fetch orderbook: %w", err)
	}

	depth := &connector.BookDepth{
		ExchangeSymbol: result.Symbol,
		Bids:           parseLevels(result.Bids),
		Asks:           parseLevels(result.Asks),
		LastUpdateID:   result.Update,
		UTC:            result.TS / 1000,
	}
	depth.Sort()
	return depth, nil
}

// fetchKlines returns rows in wire order, newest bucket first.
// Each row is [startMs, open, high, low, close, volume, turnover].
func (c *restClient) fetchKlines(ctx context.Context, symbol string, limit int) ([][]string, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	params := map[string]string{
		"category": c.category(),
		"symbol":   symbol,
		"interval": "1",
		"limit":    strconv.Itoa(limit),
	}
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	return result.List, nil
}

func (c *restClient) fetchFundingHistory(ctx context.Context, symbol string, limit int) ([]connector.FundingRatePoint, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Rate      string `json:"fundingRate"`
			Timestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    strconv.Itoa(limit),
	}
	if err := c.get(ctx, "/v5/market/funding/history", params, &result); err != nil {
		return nil, fmt.Errorf("fetch funding history: %w", err)
	}

	points := make([]connector.FundingRatePoint, 0, len(result.List))
	for _, row := range result.List {
		ms, err := strconv.ParseInt(row.Timestamp, 10, 64)
		if err != nil {
			continue
		}
		points = append(points, connector.FundingRatePoint{
			Rate:           parseFloat(row.Rate),
			FundingTimeUTC: ms / 1000,
		})
	}
	connector.SortFundingHistory(points)
	return points, nil
}

func parseLevels(rows [][]string) []connector.BidAsk {
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

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseMillis(s string) int64 {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return ms / 1000
}
