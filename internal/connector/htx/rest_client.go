package htx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

const (
	spotRESTHost = "https://api.huobi.pro"
	perpRESTHost = "https://api.hbdm.com"
)

// Linear swap market data lives under /linear-swap-ex, reference data
// under /linear-swap-api.
const (
	pathContractInfo   = "/linear-swap-api/v1/swap_contract_info"
	pathSwapIndex      = "/linear-swap-api/v1/swap_index"
	pathFundingRate    = "/linear-swap-api/v1/swap_funding_rate"
	pathFundingHistory = "/linear-swap-api/v1/swap_historical_funding_rate"
	pathSwapMerged     = "/linear-swap-ex/market/detail/merged"
	pathSwapBatch      = "/linear-swap-ex/market/detail/batch_merged"
	pathSwapDepth      = "/linear-swap-ex/market/depth"
	pathSwapKline      = "/linear-swap-ex/market/history/kline"
)

// flexFloat tolerates HTX quoting numbers on some endpoints and not on
// others. The swap merged tickers and funding rates arrive as strings,
// the spot equivalents as numbers.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// response is the v1 envelope. Spot spells error fields with hyphens,
// the swap API with underscores.
type response struct {
	Status      string          `json:"status"`
	Ch          string          `json:"ch"`
	ErrCode     json.Number     `json:"err_code"`
	ErrMsg      string          `json:"err_msg"`
	SpotErrCode string          `json:"err-code"`
	SpotErrMsg  string          `json:"err-msg"`
	Tick        json.RawMessage `json:"tick"`
	Ticks       json.RawMessage `json:"ticks"`
	Data        json.RawMessage `json:"data"`
	TS          int64           `json:"ts"`
}

func (r *response) err() error {
	if r.Status == "" || r.Status == "ok" {
		return nil
	}
	code := r.SpotErrCode
	if code == "" {
		code = r.ErrCode.String()
	}
	msg := r.SpotErrMsg
	if msg == "" {
		msg = r.ErrMsg
	}
	return fmt.Errorf("htx status %s code %s: %s", r.Status, code, msg)
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

func (c *restClient) get(ctx context.Context, path string, params map[string]string) (*response, error) {
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	body, _, err := c.http.Get(ctx, string(connector.HTX), string(c.kind), c.host+path, query)
	if err != nil {
		return nil, err
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &resp, nil
}

type instrument struct {
	Native     string
	Base       string
	Quote      string
	Settlement string
	Margin     bool
}

// fetchInstruments reads the tradable catalogue. Spot natives are the
// lowercase concatenation of base and quote; swap natives keep the
// BTC-USDT contract code spelling.
func (c *restClient) fetchInstruments(ctx context.Context) ([]instrument, error) {
	if c.kind == connector.KindPerpetual {
		return c.fetchContracts(ctx)
	}
	resp, err := c.get(ctx, "/v1/common/symbols", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch symbols: %w", err)
	}
	var rows []struct {
		Symbol        string  `json:"symbol"`
		BaseCurrency  string  `json:"base-currency"`
		QuoteCurrency string  `json:"quote-currency"`
		State         string  `json:"state"`
		LeverageRatio float64 `json:"leverage-ratio"`
	}
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	out := make([]instrument, 0, len(rows))
	for _, row := range rows {
		if row.State != "online" {
			continue
		}
		out = append(out, instrument{
			Native: row.Symbol,
			Base:   strings.ToUpper(row.BaseCurrency),
			Quote:  strings.ToUpper(row.QuoteCurrency),
			Margin: row.LeverageRatio > 0,
		})
	}
	return out, nil
}

func (c *restClient) fetchContracts(ctx context.Context) ([]instrument, error) {
	resp, err := c.get(ctx, pathContractInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch contracts: %w", err)
	}
	var rows []struct {
		ContractCode   string `json:"contract_code"`
		ContractStatus int    `json:"contract_status"`
		ContractType   string `json:"contract_type"`
		BusinessType   string `json:"business_type"`
	}
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode contracts: %w", err)
	}
	out := make([]instrument, 0, len(rows))
	for _, row := range rows {
		// Status 1 is tradable. The endpoint also lists dated futures
		// under other contract types.
		if row.ContractStatus != 1 {
			continue
		}
		if row.ContractType != "" && row.ContractType != "swap" {
			continue
		}
		if row.BusinessType != "" && row.BusinessType != "swap" {
			continue
		}
		base, quote, ok := splitContractCode(row.ContractCode)
		if !ok {
			continue
		}
		out = append(out, instrument{
			Native:     row.ContractCode,
			Base:       base,
			Quote:      quote,
			Settlement: quote,
		})
	}
	return out, nil
}

// mergedTick is the single-symbol ticker. Swap quotes arrive as
// strings, spot as numbers.
type mergedTick struct {
	Close flexFloat   `json:"close"`
	Bid   []flexFloat `json:"bid"`
	Ask   []flexFloat `json:"ask"`
}

func (c *restClient) fetchMerged(ctx context.Context, native string) (*mergedTick, error) {
	path, params := "/market/detail/merged", map[string]string{"symbol": native}
	if c.kind == connector.KindPerpetual {
		path, params = pathSwapMerged, map[string]string{"contract_code": native}
	}
	resp, err := c.get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("fetch merged: %w", err)
	}
	var tick mergedTick
	if err := json.Unmarshal(resp.Tick, &tick); err != nil {
		return nil, fmt.Errorf("decode merged: %w", err)
	}
	return &tick, nil
}

// fetchSpotPrices reads the whole spot ticker table in one call.
func (c *restClient) fetchSpotPrices(ctx context.Context) (map[string]float64, error) {
	resp, err := c.get(ctx, "/market/tickers", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	var rows []struct {
		Symbol string    `json:"symbol"`
		Close  flexFloat `json:"close"`
	}
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		out[row.Symbol] = float64(row.Close)
	}
	return out, nil
}

// fetchSwapPrices reads the batched swap tickers in one call.
func (c *restClient) fetchSwapPrices(ctx context.Context) (map[string]float64, error) {
	resp, err := c.get(ctx, pathSwapBatch, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch batch merged: %w", err)
	}
	var rows []struct {
		ContractCode string    `json:"contract_code"`
		Close        flexFloat `json:"close"`
	}
	if err := json.Unmarshal(resp.Ticks, &rows); err != nil {
		return nil, fmt.Errorf("decode batch merged: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		out[row.ContractCode] = float64(row.Close)
	}
	return out, nil
}

// fetchDepth reads a step0 book snapshot. step0 carries up to 150
// levels; the caller truncates to the requested depth.
func (c *restClient) fetchDepth(ctx context.Context, native string, limit int) (*connector.BookDepth, error) {
	path := "/market/depth"
	params := map[string]string{"symbol": native, "type": "step0"}
	if c.kind == connector.KindPerpetual {
		path = pathSwapDepth
		params = map[string]string{"contract_code": native, "type": "step0"}
	}
	resp, err := c.get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("fetch depth: %w", err)
	}
	var tick struct {
		Bids    [][]flexFloat `json:"bids"`
		Asks    [][]flexFloat `json:"asks"`
		Version int64         `json:"version"`
		TS      int64         `json:"ts"`
	}
	if err := json.Unmarshal(resp.Tick, &tick); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	depth := &connector.BookDepth{
		ExchangeSymbol: native,
		Bids:           parseLevels(tick.Bids, limit),
		Asks:           parseLevels(tick.Asks, limit),
		LastUpdateID:   tick.Version,
		UTC:            tick.TS / 1000,
	}
	depth.Sort()
	return depth, nil
}

// klineRow is shared by spot and swap. Spot has no trade_turnover and
// reports quote turnover in vol; swap reports contract count in vol and
// quote turnover in trade_turnover.
type klineRow struct {
	ID            int64     `json:"id"` // bucket open, seconds
	Open          flexFloat `json:"open"`
	Close         flexFloat `json:"close"`
	Low           flexFloat `json:"low"`
	High          flexFloat `json:"high"`
	Amount        flexFloat `json:"amount"`
	Vol           flexFloat `json:"vol"`
	TradeTurnover flexFloat `json:"trade_turnover"`
}

func (c *restClient) fetchKlines(ctx context.Context, native string, limit int) ([]klineRow, error) {
	path := "/market/history/kline"
	params := map[string]string{"symbol": native, "period": "1min", "size": strconv.Itoa(limit)}
	if c.kind == connector.KindPerpetual {
		path = pathSwapKline
		params = map[string]string{"contract_code": native, "period": "1min", "size": strconv.Itoa(limit)}
	}
	resp, err := c.get(ctx, path, params)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	var rows []klineRow
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	return rows, nil
}

type fundingRow struct {
	ContractCode    string    `json:"contract_code"`
	FundingRate     flexFloat `json:"funding_rate"`
	EstimatedRate   flexFloat `json:"estimated_rate"`
	FundingTime     string    `json:"funding_time"` // ms, upcoming settlement
	NextFundingTime string    `json:"next_funding_time"`
}

func (c *restClient) fetchFundingRate(ctx context.Context, native string) (*fundingRow, error) {
	resp, err := c.get(ctx, pathFundingRate, map[string]string{"contract_code": native})
	if err != nil {
		return nil, fmt.Errorf("fetch funding rate: %w", err)
	}
	var row fundingRow
	if err := json.Unmarshal(resp.Data, &row); err != nil {
		return nil, fmt.Errorf("decode funding rate: %w", err)
	}
	return &row, nil
}

func (c *restClient) fetchFundingHistory(ctx context.Context, native string, limit int) ([]connector.FundingRatePoint, error) {
	params := map[string]string{
		"contract_code": native,
		"page_size":     strconv.Itoa(limit),
	}
	resp, err := c.get(ctx, pathFundingHistory, params)
	if err != nil {
		return nil, fmt.Errorf("fetch funding history: %w", err)
	}
	var page struct {
		Data []fundingRow `json:"data"`
	}
	if err := json.Unmarshal(resp.Data, &page); err != nil {
		return nil, fmt.Errorf("decode funding history: %w", err)
	}
	points := make([]connector.FundingRatePoint, 0, len(page.Data))
	for _, row := range page.Data {
		ts, _ := strconv.ParseInt(row.FundingTime, 10, 64)
		points = append(points, connector.FundingRatePoint{
			Rate:           float64(row.FundingRate),
			FundingTimeUTC: ts / 1000,
		})
	}
	connector.SortFundingHistory(points)
	if len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// fetchIndexPrice resolves the swap index for one contract.
func (c *restClient) fetchIndexPrice(ctx context.Context, native string) (float64, error) {
	resp, err := c.get(ctx, pathSwapIndex, map[string]string{"contract_code": native})
	if err != nil {
		return 0, fmt.Errorf("fetch index: %w", err)
	}
	var rows []struct {
		ContractCode string    `json:"contract_code"`
		IndexPrice   flexFloat `json:"index_price"`
	}
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return 0, fmt.Errorf("decode index: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("fetch index: empty response")
	}
	return float64(rows[0].IndexPrice), nil
}

type currencyChain struct {
	Chain            string `json:"chain"`
	DisplayName      string `json:"displayName"`
	DepositStatus    string `json:"depositStatus"`
	WithdrawStatus   string `json:"withdrawStatus"`
	TransactFee      string `json:"transactFeeWithdraw"`
	MinWithdrawAmt   string `json:"minWithdrawAmt"`
	WithdrawFeeType  string `json:"withdrawFeeType"`
	MinTransactFee   string `json:"minTransactFeeWithdraw"`
	MaxTransactFee   string `json:"maxTransactFeeWithdraw"`
	TransactFeeRatio string `json:"transactFeeRateWithdraw"`
}

type currencyRow struct {
	Currency string          `json:"currency"`
	Chains   []currencyChain `json:"chains"`
}

// fetchCurrencies reads the v2 reference catalogue, which uses a
// numeric code envelope instead of the v1 status field.
func (c *restClient) fetchCurrencies(ctx context.Context) ([]currencyRow, error) {
	body, _, err := c.http.Get(ctx, string(connector.HTX), string(c.kind), c.host+"/v2/reference/currencies", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Data    []currencyRow `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode currencies: %w", err)
	}
	if resp.Code != 200 {
		return nil, fmt.Errorf("htx code %d: %s", resp.Code, resp.Message)
	}
	return resp.Data, nil
}

// splitContractCode splits BTC-USDT style contract codes.
func splitContractCode(code string) (base, quote string, ok bool) {
	i := strings.IndexByte(code, '-')
	if i <= 0 || i == len(code)-1 {
		return "", "", false
	}
	return code[:i], code[i+1:], true
}

func parseLevels(rows [][]flexFloat, limit int) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 || row[1] <= 0 {
			continue
		}
		out = append(out, connector.BidAsk{Price: float64(row[0]), Quantity: float64(row[1])})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
