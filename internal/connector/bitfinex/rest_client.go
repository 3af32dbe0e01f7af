package bitfinex

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

const restHost = "https://api-pub.bitfinex.com/v2"

// Config keys served by the /conf endpoint. Several keys can ride one
// request, comma separated; the response carries one array per key.
const (
	confExchangePairs = "pub:list:pair:exchange"
	confMarginPairs   = "pub:list:pair:margin"
	confFuturesPairs  = "pub:list:pair:futures"
	confTxKeys        = "pub:map:currency:tx:fee,pub:map:tx:method,pub:info:tx:status"
)

type restClient struct {
	http *ratelimit.Client
	kind connector.Kind
	host string
}

func newRestClient(http *ratelimit.Client, kind connector.Kind, host string) *restClient {
	if host == "" {
		host = restHost
	}
	return &restClient{http: http, kind: kind, host: host}
}

// get decodes a 2xx payload. Bitfinex serves errors with non-2xx
// statuses, which the transport surfaces as *ratelimit.StatusError.
func (c *restClient) get(ctx context.Context, path string, params url.Values, out any) error {
	body, _, err := c.http.Get(ctx, string(connector.Bitfinex), string(c.kind), c.host+path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("bitfinex: decode %s: %w", path, err)
	}
	return nil
}

func (c *restClient) fetchPairLists(ctx context.Context, keys ...string) ([][]string, error) {
	joined := strings.Join(keys, ",")
	var lists [][]string
	if err := c.get(ctx, "/conf/"+joined, nil, &lists); err != nil {
		return nil, err
	}
	if len(lists) != len(keys) {
		return nil, fmt.Errorf("bitfinex: conf %s: got %d lists", joined, len(lists))
	}
	return lists, nil
}

// fetchTxConf reads the withdrawal fee map, the method-to-currency map
// and the per-method transfer status in one request.
func (c *restClient) fetchTxConf(ctx context.Context) (fees, methods, status [][]any, err error) {
	var lists [][][]any
	if err := c.get(ctx, "/conf/"+confTxKeys, nil, &lists); err != nil {
		return nil, nil, nil, err
	}
	if len(lists) != 3 {
		return nil, nil, nil, fmt.Errorf("bitfinex: tx conf: got %d lists", len(lists))
	}
	return lists[0], lists[1], lists[2], nil
}

// fetchTicker reads one trading ticker, a flat numeric array with the
// last price at index 6.
func (c *restClient) fetchTicker(ctx context.Context, native string) ([]any, error) {
	var row []any
	if err := c.get(ctx, "/ticker/"+native, nil, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// fetchTickers reads a batch; rows repeat the ticker layout behind a
// leading symbol cell.
func (c *restClient) fetchTickers(ctx context.Context, natives []string) ([][]any, error) {
	params := url.Values{}
	params.Set("symbols", strings.Join(natives, ","))
	var rows [][]any
	if err := c.get(ctx, "/tickers", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// fetchBook reads the raw P0 book. Rows are [price, count, amount]
// with bid amounts positive and ask amounts negative.
func (c *restClient) fetchBook(ctx context.Context, native string, limit int) (*connector.BookDepth, error) {
	params := url.Values{}
	params.Set("len", bookLen(limit))

	var rows [][]float64
	if err := c.get(ctx, "/book/"+native+"/P0", params, &rows); err != nil {
		return nil, err
	}
	depth := &connector.BookDepth{ExchangeSymbol: native}
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		price, amount := row[0], row[2]
		switch {
		case amount > 0:
			depth.Bids = append(depth.Bids, connector.BidAsk{Price: price, Quantity: amount})
		case amount < 0:
			depth.Asks = append(depth.Asks, connector.BidAsk{Price: price, Quantity: -amount})
		}
	}
	depth.Sort()
	return depth, nil
}

// bookLen maps the caller's limit onto the lengths the endpoint
// accepts.
func bookLen(limit int) string {
	switch {
	case limit <= 1:
		return "1"
	case limit <= 25:
		return "25"
	default:
		return "100"
	}
}

// fetchCandles reads 1m history, newest first. Rows are
// [mts, open, close, high, low, volume].
func (c *restClient) fetchCandles(ctx context.Context, native string, limit int) ([][]float64, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	var rows [][]float64
	if err := c.get(ctx, "/candles/trade:1m:"+native+"/hist", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *restClient) fetchDerivStatus(ctx context.Context, native string) ([]any, error) {
	params := url.Values{}
	params.Set("keys", native)

	var rows [][]any
	if err := c.get(ctx, "/status/deriv", params, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (c *restClient) fetchDerivHistory(ctx context.Context, native string, limit int) ([][]any, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	var rows [][]any
	if err := c.get(ctx, "/status/deriv/"+native+"/hist", params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// derivStatus carries the cells this connector reads from a deriv
// status row.
type derivStatus struct {
	utc        int64
	derivPrice float64
	spotPrice  float64
	nextUTC    int64
	nextRate   float64
	rate       float64
	markPrice  float64
}

// decodeDerivStatus locates the status cells. Keyed rows, as served by
// /status/deriv?keys=, lead with the status key and shift everything
// by one.
func decodeDerivStatus(row []any, keyed bool) derivStatus {
	off := 0
	if keyed {
		off = 1
	}
	return derivStatus{
		utc:        int64(floatAt(row, off)) / 1000,
		derivPrice: floatAt(row, off+2),
		spotPrice:  floatAt(row, off+3),
		nextUTC:    int64(floatAt(row, off+7)) / 1000,
		nextRate:   floatAt(row, off+8),
		rate:       floatAt(row, off+11),
		markPrice:  floatAt(row, off+14),
	}
}

// floatAt reads a numeric cell, treating nulls and short rows as zero.
func floatAt(row []any, i int) float64 {
	if i < 0 || i >= len(row) {
		return 0
	}
	v, _ := row[i].(float64)
	return v
}

// stringAt reads a string cell, treating nulls and short rows as
// empty.
func stringAt(row []any, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	v, _ := row[i].(string)
	return v
}
