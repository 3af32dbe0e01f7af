package binance

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
	spotRESTHost     = "https://api.binance.com"
	spotTestRESTHost = "https://testnet.binance.vision"
	perpRESTHost     = "https://fapi.binance.com"
)

// Documented endpoint weights against the per-minute IP budget.
const (
	weightExchangeInfo = 20
	weightPrice        = 2
	weightPriceBatch   = 4
	weightDepth        = 5
	weightKlines       = 2
	weightPremiumIndex = 1
	weightFundingHist  = 1
)

type restClient struct {
	http *ratelimit.Client
	host string
	kind connector.Kind
}

func newRestClient(http *ratelimit.Client, kind connector.Kind, host string, testing bool) *restClient {
	if host == "" {
		switch {
		case kind == connector.KindPerpetual:
			host = perpRESTHost
		case testing:
			host = spotTestRESTHost
		default:
			host = spotRESTHost
		}
	}
	return &restClient{http: http, host: host, kind: kind}
}

func (r *restClient) get(ctx context.Context, path string, params url.Values, weight int64) ([]byte, error) {
	body, _, err := r.http.Get(ctx, string(connector.Binance), string(r.kind), r.host+path, params,
		ratelimit.WithWeight(weight))
	return body, err
}

// prefix selects the spot or futures API root.
func (r *restClient) prefix() string {
	if r.kind == connector.KindPerpetual {
		return "/fapi/v1"
	}
	return "/api/v3"
}

// instrument is the kind-independent slice of exchangeInfo that both
// the catalogue accessors and the symbol map feed from.
type instrument struct {
	Native        string
	Base          string
	Quote         string
	SpotEnabled   bool
	MarginEnabled bool
	Settlement    string
}

func (r *restClient) fetchInstruments(ctx context.Context) ([]instrument, error) {
	body, err := r.get(ctx, r.prefix()+"/exchangeInfo", nil, weightExchangeInfo)
	if err != nil {
		return nil, fmt.Errorf("fetch exchangeInfo: %w", err)
	}
	var payload struct {
		Symbols []struct {
			Symbol                 string `json:"symbol"`
			Status                 string `json:"status"`
			BaseAsset              string `json:"baseAsset"`
			QuoteAsset             string `json:"quoteAsset"`
			IsSpotTradingAllowed   bool   `json:"isSpotTradingAllowed"`
			IsMarginTradingAllowed bool   `json:"isMarginTradingAllowed"`
			ContractType           string `json:"contractType"`
			MarginAsset            string `json:"marginAsset"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	out := make([]instrument, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if r.kind == connector.KindPerpetual && s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, instrument{
			Native:        s.Symbol,
			Base:          s.BaseAsset,
			Quote:         s.QuoteAsset,
			SpotEnabled:   s.IsSpotTradingAllowed,
			MarginEnabled: s.IsMarginTradingAllowed,
			Settlement:    s.MarginAsset,
		})
	}
	return out, nil
}

type priceRow struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (r *restClient) fetchPrice(ctx context.Context, native string) (priceRow, error) {
	params := url.Values{"symbol": {native}}
	body, err := r.get(ctx, r.prefix()+"/ticker/price", params, weightPrice)
	if err != nil {
		return priceRow{}, fmt.Errorf("fetch ticker/price %s: %w", native, err)
	}
	var row priceRow
	if err := json.Unmarshal(body, &row); err != nil {
		return priceRow{}, fmt.Errorf("decode ticker/price: %w", err)
	}
	return row, nil
}

// fetchPrices fetches many last prices at once. Spot takes an explicit
// symbol list; futures only serves the full table, so callers filter.
func (r *restClient) fetchPrices(ctx context.Context, natives []string) ([]priceRow, error) {
	params := url.Values{}
	if r.kind == connector.KindSpot && len(natives) > 0 {
		list, err := json.Marshal(natives)
		if err != nil {
			return nil, err
		}
		params.Set("symbols", string(list))
	}
	body, err := r.get(ctx, r.prefix()+"/ticker/price", params, weightPriceBatch)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker/price batch: %w", err)
	}
	var rows []priceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode ticker/price batch: %w", err)
	}
	return rows, nil
}

func (r *restClient) fetchDepth(ctx context.Context, native string, limit int) (*connector.BookDepth, error) {
	params := url.Values{
		"symbol": {native},
		"limit":  {strconv.Itoa(limit)},
	}
	body, err := r.get(ctx, r.prefix()+"/depth", params, weightDepth)
	if err != nil {
		return nil, fmt.Errorf("fetch depth %s: %w", native, err)
	}
	var payload struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		EventTime    int64      `json:"E"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	depth := &connector.BookDepth{
		ExchangeSymbol: native,
		Bids:           parseLevels(payload.Bids),
		Asks:           parseLevels(payload.Asks),
		LastUpdateID:   payload.LastUpdateID,
		UTC:            payload.EventTime / 1000,
	}
	depth.Sort()
	return depth, nil
}

func (r *restClient) fetchKlines(ctx context.Context, native string, limit int) ([][]interface{}, error) {
	params := url.Values{
		"symbol":   {native},
		"interval": {"1m"},
		"limit":    {strconv.Itoa(limit)},
	}
	body, err := r.get(ctx, r.prefix()+"/klines", params, weightKlines)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", native, err)
	}
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	return rows, nil
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (r *restClient) fetchPremiumIndex(ctx context.Context, native string) (premiumIndex, error) {
	params := url.Values{"symbol": {native}}
	body, err := r.get(ctx, "/fapi/v1/premiumIndex", params, weightPremiumIndex)
	if err != nil {
		return premiumIndex{}, fmt.Errorf("fetch premiumIndex %s: %w", native, err)
	}
	var row premiumIndex
	if err := json.Unmarshal(body, &row); err != nil {
		return premiumIndex{}, fmt.Errorf("decode premiumIndex: %w", err)
	}
	return row, nil
}

func (r *restClient) fetchFundingHistory(ctx context.Context, native string, limit int) ([]connector.FundingRatePoint, error) {
	params := url.Values{
		"symbol": {native},
		"limit":  {strconv.Itoa(limit)},
	}
	body, err := r.get(ctx, "/fapi/v1/fundingRate", params, weightFundingHist)
	if err != nil {
		return nil, fmt.Errorf("fetch fundingRate %s: %w", native, err)
	}
	var rows []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode fundingRate: %w", err)
	}
	points := make([]connector.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, connector.FundingRatePoint{
			FundingTimeUTC: row.FundingTime / 1000,
			Rate:           parseFloat(row.FundingRate),
		})
	}
	connector.SortFundingHistory(points)
	return points, nil
}

func parseLevels(levels [][]string) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		price := parseFloat(level[0])
		qty := parseFloat(level[1])
		if qty > 0 {
			out = append(out, connector.BidAsk{Price: price, Quantity: qty})
		}
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
	case json.Number:
		f, _ := t.Float64()
		return f
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
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}
