package okx

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
	RESTHost = "https://www.okx.com"
)

// response is the envelope every OKX endpoint shares. Code is a string
// and "0" means success.
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
		host = RESTHost
	}
	return &restClient{http: http, host: host, kind: kind}
}

func (c *restClient) instType() string {
	if c.kind == connector.KindPerpetual {
		return "SWAP"
	}
	return "SPOT"
}

func (c *restClient) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	body, _, err := c.http.Get(ctx, string(connector.OKX), string(c.kind), c.host+path, query)
	if err != nil {
		return err
	}
	var env response
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != "0" {
		return fmt.Errorf("okx code %s: %s", env.Code, env.Msg)
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
	Underlying string
}

func (c *restClient) fetchInstruments(ctx context.Context) ([]instrument, error) {
	var rows []struct {
		InstID     string `json:"instId"`
		BaseCcy    string `json:"baseCcy"`
		QuoteCcy   string `json:"quoteCcy"`
		CtValCcy   string `json:"ctValCcy"`
		SettleCcy  string `json:"settleCcy"`
		CtType     string `json:"ctType"`
		State      string `json:"state"`
		Underlying string `json:"uly"`
	}
	params := map[string]string{"instType": c.instType()}
	if err := c.get(ctx, "/api/v5/public/instruments", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	out := make([]instrument, 0, len(rows))
	for _, row := range rows {
		if row.State != "live" {
			continue
		}
		in := instrument{Native: row.InstID, Underlying: row.Underlying}
		if c.kind == connector.KindPerpetual {
			if row.CtType != "linear" {
				continue
			}
			// Swap rows carry the pair only through the underlying index.
			base, quote, ok := splitUnderlying(row.Underlying)
			if !ok {
				continue
			}
			in.Base = base
			in.Quote = quote
			in.Settlement = row.SettleCcy
		} else {
			in.Base = row.BaseCcy
			in.Quote = row.QuoteCcy
		}
		out = append(out, in)
	}
	return out, nil
}

// fetchMarginable lists instrument ids that also trade as MARGIN
// instruments.
func (c *restClient) fetchMarginable(ctx context.Context) (map[string]struct{}, error) {
	var rows []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
	}
	params := map[string]string{"instType": "MARGIN"}
	if err := c.get(ctx, "/api/v5/public/instruments", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch margin instruments: %w", err)
	}
	out := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.State == "live" {
			out[row.InstID] = struct{}{}
		}
	}
	return out, nil
}

type tickerRow struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
	TS     string `json:"ts"`
}

func (c *restClient) fetchTicker(ctx context.Context, instID string) (*tickerRow, error) {
	var rows []tickerRow
	params := map[string]string{"instId": instID}
	if err := c.get(ctx, "/api/v5/market/ticker", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch ticker: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *restClient) fetchTickers(ctx context.Context) ([]tickerRow, error) {
	var rows []tickerRow
	params := map[string]string{"instType": c.instType()}
	if err := c.get(ctx, "/api/v5/market/tickers", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	return rows, nil
}

func (c *restClient) fetchBooks(ctx context.Context, instID string, limit int) (*connector.BookDepth, error) {
	var rows []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		TS   string     `json:"ts"`
	}
	params := map[string]string{"instId": instID, "sz": strconv.Itoa(limit)}
	if err := c.get(ctx, "/api/v5/market/books", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch books: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	depth := &connector.BookDepth{
		ExchangeSymbol: instID,
		Bids:           parseLevels(rows[0].Bids),
		Asks:           parseLevels(rows[0].Asks),
		UTC:            parseMillis(rows[0].TS),
	}
	depth.Sort()
	return depth, nil
}

// fetchCandles returns rows newest first. Each row is
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm].
func (c *restClient) fetchCandles(ctx context.Context, instID string, limit int) ([][]string, error) {
	var rows [][]string
	params := map[string]string{
		"instId": instID,
		"bar":    "1m",
		"limit":  strconv.Itoa(limit),
	}
	if err := c.get(ctx, "/api/v5/market/candles", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch candles: %w", err)
	}
	return rows, nil
}

type fundingRow struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (c *restClient) fetchFundingRate(ctx context.Context, instID string) (*fundingRow, error) {
	var rows []fundingRow
	params := map[string]string{"instId": instID}
	if err := c.get(ctx, "/api/v5/public/funding-rate", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch funding rate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *restClient) fetchFundingHistory(ctx context.Context, instID string, limit int) ([]connector.FundingRatePoint, error) {
	var rows []struct {
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	}
	params := map[string]string{"instId": instID, "limit": strconv.Itoa(limit)}
	if err := c.get(ctx, "/api/v5/public/funding-rate-history", params, &rows); err != nil {
		return nil, fmt.Errorf("fetch funding history: %w", err)
	}

	points := make([]connector.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, connector.FundingRatePoint{
			Rate:           parseFloat(row.FundingRate),
			FundingTimeUTC: parseMillis(row.FundingTime),
		})
	}
	connector.SortFundingHistory(points)
	return points, nil
}

// fetchIndexPrice reads the index a swap settles against, e.g.
// BTC-USDT for BTC-USDT-SWAP.
func (c *restClient) fetchIndexPrice(ctx context.Context, underlying string) (float64, error) {
	var rows []struct {
		IdxPx string `json:"idxPx"`
	}
	params := map[string]string{"instId": underlying}
	if err := c.get(ctx, "/api/v5/market/index-tickers", params, &rows); err != nil {
		return 0, fmt.Errorf("fetch index price: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return parseFloat(rows[0].IdxPx), nil
}

// splitUnderlying splits an OKX index id such as BTC-USDT.
func splitUnderlying(uly string) (base, quote string, ok bool) {
	for i := 0; i < len(uly); i++ {
		if uly[i] == '-' {
			return uly[:i], uly[i+1:], i > 0 && i < len(uly)-1
		}
	}
	return "", "", false
}

// parseLevels reads OKX book rows, which carry extra columns after
// price and size.
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
