package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

// The futures host already pins the settlement currency in its path.
const (
	spotRESTHost = "https://api.gateio.ws/api/v4"
	perpRESTHost = "https://fx-api.gateio.ws/api/v4/futures/usdt"
)

type restClient struct {
	http *ratelimit.Client
	kind connector.Kind
	host string
}

func newRestClient(http *ratelimit.Client, kind connector.Kind, host string) *restClient {
	if host == "" {
		host = spotRESTHost
		if kind == connector.KindPerpetual {
			host = perpRESTHost
		}
	}
	return &restClient{http: http, kind: kind, host: host}
}

// get decodes a 2xx payload. Gate serves errors with non-2xx statuses,
// which the transport surfaces as *ratelimit.StatusError.
func (c *restClient) get(ctx context.Context, path string, params url.Values, out any) error {
	body, _, err := c.http.Get(ctx, string(connector.Gate), string(c.kind), c.host+path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gate: decode %s: %w", path, err)
	}
	return nil
}

type currencyPairRow struct {
	ID          string `json:"id"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
	TradeStatus string `json:"trade_status"`
}

func (c *restClient) fetchCurrencyPairs(ctx context.Context) ([]currencyPairRow, error) {
	var rows []currencyPairRow
	if err := c.get(ctx, "/spot/currency_pairs", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type contractRow struct {
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	InDelisting           bool   `json:"in_delisting"`
	LastPrice             string `json:"last_price"`
	MarkPrice             string `json:"mark_price"`
	IndexPrice            string `json:"index_price"`
	FundingRate           string `json:"funding_rate"`
	FundingRateIndicative string `json:"funding_rate_indicative"`
	FundingNextApply      int64  `json:"funding_next_apply"`
	FundingInterval       int64  `json:"funding_interval"`
}

func (c *restClient) fetchContracts(ctx context.Context) ([]contractRow, error) {
	var rows []contractRow
	if err := c.get(ctx, "/contracts", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *restClient) fetchContract(ctx context.Context, native string) (*contractRow, error) {
	var row contractRow
	if err := c.get(ctx, "/contracts/"+native, nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

type spotTickerRow struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
	HighestBid   string `json:"highest_bid"`
	LowestAsk    string `json:"lowest_ask"`
}

// fetchSpotTickers returns one row when pair is set, the whole table
// otherwise.
func (c *restClient) fetchSpotTickers(ctx context.Context, pair string) ([]spotTickerRow, error) {
	params := url.Values{}
	if pair != "" {
		params.Set("currency_pair", pair)
	}
	var rows []spotTickerRow
	if err := c.get(ctx, "/spot/tickers", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type futuresTickerRow struct {
	Contract       string `json:"contract"`
	Last           string `json:"last"`
	HighestBid     string `json:"highest_bid"`
	LowestAsk      string `json:"lowest_ask"`
	MarkPrice      string `json:"mark_price"`
	IndexPrice     string `json:"index_price"`
	FundingRate    string `json:"funding_rate"`
	Volume24hQuote string `json:"volume_24h_quote"`
}

func (c *restClient) fetchFuturesTickers(ctx context.Context, contract string) ([]futuresTickerRow, error) {
	params := url.Values{}
	if contract != "" {
		params.Set("contract", contract)
	}
	var rows []futuresTickerRow
	if err := c.get(ctx, "/tickers", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// fetchSpotDepth reads /spot/order_book, which carries millisecond
// timestamps and [price, size] string levels.
func (c *restClient) fetchSpotDepth(ctx context.Context, pair string, limit int) (*connector.BookDepth, error) {
	params := url.Values{}
	params.Set("currency_pair", pair)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("with_id", "true")

	var payload struct {
		ID     int64      `json:"id"`
		Update int64      `json:"update"`
		Asks   [][]string `json:"asks"`
		Bids   [][]string `json:"bids"`
	}
	if err := c.get(ctx, "/spot/order_book", params, &payload); err != nil {
		return nil, err
	}
	depth := &connector.BookDepth{
		Bids:           parseStringLevels(payload.Bids),
		Asks:           parseStringLevels(payload.Asks),
		ExchangeSymbol: pair,
		LastUpdateID:   payload.ID,
		UTC:            payload.Update / 1000,
	}
	depth.Sort()
	return depth, nil
}

type futuresLevel struct {
	P string  `json:"p"`
	S float64 `json:"s"`
}

// fetchFuturesDepth reads /order_book, which carries fractional second
// timestamps and {p, s} object levels sized in contracts.
func (c *restClient) fetchFuturesDepth(ctx context.Context, contract string, limit int) (*connector.BookDepth, error) {
	params := url.Values{}
	params.Set("contract", contract)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("with_id", "true")

	var payload struct {
		ID     int64          `json:"id"`
		Update float64        `json:"update"`
		Asks   []futuresLevel `json:"asks"`
		Bids   []futuresLevel `json:"bids"`
	}
	if err := c.get(ctx, "/order_book", params, &payload); err != nil {
		return nil, err
	}
	depth := &connector.BookDepth{
		Bids:           parseObjectLevels(payload.Bids),
		Asks:           parseObjectLevels(payload.Asks),
		ExchangeSymbol: contract,
		LastUpdateID:   payload.ID,
		UTC:            int64(payload.Update),
	}
	depth.Sort()
	return depth, nil
}

func (c *restClient) fetchSpotCandles(ctx context.Context, pair string, limit int) ([][]string, error) {
	params := url.Values{}
	params.Set("currency_pair", pair)
	params.Set("interval", "1m")
	params.Set("limit", strconv.Itoa(limit))

	var rows [][]string
	if err := c.get(ctx, "/spot/candlesticks", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type futuresCandleRow struct {
	T   int64  `json:"t"`
	V   int64  `json:"v"`
	C   string `json:"c"`
	H   string `json:"h"`
	L   string `json:"l"`
	O   string `json:"o"`
	Sum string `json:"sum"`
}

func (c *restClient) fetchFuturesCandles(ctx context.Context, contract string, limit int) ([]futuresCandleRow, error) {
	params := url.Values{}
	params.Set("contract", contract)
	params.Set("interval", "1m")
	params.Set("limit", strconv.Itoa(limit))

	var rows []futuresCandleRow
	if err := c.get(ctx, "/candlesticks", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *restClient) fetchFundingHistory(ctx context.Context, contract string, limit int) ([]connector.FundingRatePoint, error) {
	params := url.Values{}
	params.Set("contract", contract)
	params.Set("limit", strconv.Itoa(limit))

	var rows []struct {
		T int64  `json:"t"`
		R string `json:"r"`
	}
	if err := c.get(ctx, "/funding_rate", params, &rows); err != nil {
		return nil, err
	}
	out := make([]connector.FundingRatePoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, connector.FundingRatePoint{
			FundingTimeUTC: row.T,
			Rate:           parseFloat(row.R),
		})
	}
	connector.SortFundingHistory(out)
	return out, nil
}

type currencyChain struct {
	Chain              string `json:"chain"`
	IsWithdrawDisabled int    `json:"is_withdraw_disabled"`
	IsDepositDisabled  int    `json:"is_deposit_disabled"`
}

type currencyRow struct {
	Currency         string          `json:"currency"`
	Delisted         bool            `json:"delisted"`
	WithdrawDisabled bool            `json:"withdraw_disabled"`
	DepositDisabled  bool            `json:"deposit_disabled"`
	Chain            string          `json:"chain"`
	Chains           []currencyChain `json:"chains"`
}

func (c *restClient) fetchCurrencies(ctx context.Context) ([]currencyRow, error) {
	var rows []currencyRow
	if err := c.get(ctx, "/spot/currencies", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func parseStringLevels(rows [][]string) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, connector.BidAsk{
			Price:    parseFloat(row[0]),
			Quantity: parseFloat(row[1]),
		})
	}
	return out
}

func parseObjectLevels(rows []futuresLevel) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(rows))
	for _, row := range rows {
		out = append(out, connector.BidAsk{
			Price:    parseFloat(row.P),
			Quantity: row.S,
		})
	}
	return out
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
