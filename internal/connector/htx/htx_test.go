package htx

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

func spotFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/common/symbols":
			w.Write([]byte(`{"status":"ok","data":[
				{"symbol":"btcusdt","base-currency":"btc","quote-currency":"usdt","state":"online","leverage-ratio":3},
				{"symbol":"ethusdt","base-currency":"eth","quote-currency":"usdt","state":"online"},
				{"symbol":"oldusdt","base-currency":"old","quote-currency":"usdt","state":"offline"}
			]}`))
		case "/market/detail/merged":
			w.Write([]byte(`{"status":"ok","ch":"market.btcusdt.detail.merged","ts":1700000000123,
				"tick":{"close":64000.5,"bid":[64000.0,1.1],"ask":[64001.0,0.9]}}`))
		case "/market/tickers":
			w.Write([]byte(`{"status":"ok","data":[
				{"symbol":"btcusdt","close":64000.5},
				{"symbol":"ethusdt","close":3200.25}
			]}`))
		case "/market/depth":
			w.Write([]byte(`{"status":"ok","ch":"market.btcusdt.depth.step0","ts":1700000000123,
				"tick":{"bids":[[64000.0,1.5],[63999.0,2.0]],"asks":[[64001.0,0.7],[64002.0,3.1]],"version":100,"ts":1700000000123}}`))
		case "/market/history/kline":
			w.Write([]byte(`{"status":"ok","data":[
				{"id":1700000060,"open":105,"close":107,"low":104,"high":108,"amount":10.0,"vol":1070.0},
				{"id":1700000000,"open":100,"close":105,"low":90,"high":110,"amount":12.5,"vol":1312.5}
			]}`))
		case "/v2/reference/currencies":
			w.Write([]byte(`{"code":200,"data":[
				{"currency":"usdt","chains":[
					{"chain":"trc20usdt","displayName":"TRC20","depositStatus":"allowed","withdrawStatus":"allowed","transactFeeWithdraw":"1","minWithdrawAmt":"10"},
					{"chain":"usdterc20","displayName":"ERC20","depositStatus":"allowed","withdrawStatus":"prohibited","transactFeeWithdraw":"8","minWithdrawAmt":"20"}
				]}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func perpFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/linear-swap-api/v1/swap_contract_info":
			w.Write([]byte(`{"status":"ok","data":[
				{"contract_code":"BTC-USDT","contract_status":1,"contract_type":"swap","business_type":"swap"},
				{"contract_code":"BTC-USDT-240927","contract_status":1,"contract_type":"quarter","business_type":"futures"},
				{"contract_code":"ETH-USDT","contract_status":4,"contract_type":"swap","business_type":"swap"}
			]}`))
		case "/linear-swap-ex/market/detail/merged":
			w.Write([]byte(`{"status":"ok","ch":"market.BTC-USDT.detail.merged","ts":1700000000123,
				"tick":{"close":"64100.5","bid":["64100.0","120"],"ask":["64101.0","80"]}}`))
		case "/linear-swap-ex/market/detail/batch_merged":
			w.Write([]byte(`{"status":"ok","ticks":[
				{"contract_code":"BTC-USDT","close":"64100.5"}
			]}`))
		case "/linear-swap-ex/market/depth":
			w.Write([]byte(`{"status":"ok","tick":{"bids":[[64000.0,1500],[63999.0,2000]],
				"asks":[[64001.0,700],[64002.0,3100]],"version":200,"ts":1700000000123}}`))
		case "/linear-swap-ex/market/history/kline":
			w.Write([]byte(`{"status":"ok","data":[
				{"id":1700000000,"open":100,"close":105,"low":90,"high":110,"amount":12.5,"vol":1250,"trade_turnover":1312.5},
				{"id":1700000060,"open":105,"close":107,"low":104,"high":108,"amount":10.0,"vol":1000,"trade_turnover":1070.0}
			]}`))
		case "/linear-swap-api/v1/swap_funding_rate":
			w.Write([]byte(`{"status":"ok","data":{"contract_code":"BTC-USDT","funding_rate":"0.000115",
				"estimated_rate":"0.00012","funding_time":"1700021600000","next_funding_time":"1700050400000"}}`))
		case "/linear-swap-api/v1/swap_index":
			w.Write([]byte(`{"status":"ok","data":[{"contract_code":"BTC-USDT","index_price":64005.2}]}`))
		case "/linear-swap-api/v1/swap_historical_funding_rate":
			w.Write([]byte(`{"status":"ok","data":{"total_page":1,"current_page":1,"data":[
				{"funding_rate":"0.0002","funding_time":"1700028800000"},
				{"funding_rate":"0.0001","funding_time":"1700000000000"}
			]}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func options(srvURL string) connector.Options {
	return connector.Options{
		REST:     ratelimit.New(zerolog.Nop()),
		RESTHost: srvURL,
	}
}

func TestSpotOperations(t *testing.T) {
	srv := spotFixtureServer(t)
	defer srv.Close()
	c := NewSpot(options(srv.URL))
	ctx := context.Background()

	pair, err := c.GetPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 64000.5, pair.Ratio)

	pairs, err := c.GetPairs(ctx, []string{"BTC/USDT", "ETH/USDT", "ZZZ/USDT"})
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, int64(100), depth.LastUpdateID)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, int64(1700000000), depth.UTC)

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].UTCOpenTime)
	assert.Equal(t, 12.5, candles[0].CoinVolume)
	assert.Equal(t, 1312.5, candles[0].USDVolume, "spot vol column is quote turnover")

	tickers, err := c.GetAllTickers(ctx)
	require.NoError(t, err)
	require.Len(t, tickers, 2, "offline symbols are dropped")
	for _, tk := range tickers {
		if tk.Symbol == "BTC/USDT" {
			assert.True(t, tk.IsMarginEnabled)
		}
		if tk.Symbol == "ETH/USDT" {
			assert.False(t, tk.IsMarginEnabled)
		}
	}
}

func TestSpotWithdrawInfo(t *testing.T) {
	srv := spotFixtureServer(t)
	defer srv.Close()

	info, err := NewSpot(options(srv.URL)).GetWithdrawInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info, 1)

	usdt := info["USDT"]
	require.Len(t, usdt, 2)
	assert.Equal(t, []string{"TRC20"}, usdt[0].NetworkNames)
	assert.True(t, usdt[0].WithdrawEnabled)
	assert.Equal(t, 1.0, usdt[0].WithdrawFee)
	assert.Equal(t, 10.0, usdt[0].MinWithdraw)
	assert.False(t, usdt[1].WithdrawEnabled)
}

func TestPerpetualOperations(t *testing.T) {
	srv := perpFixtureServer(t)
	defer srv.Close()
	c := NewPerpetual(options(srv.URL))
	c.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	ctx := context.Background()

	perps, err := c.GetAllPerpetuals(ctx)
	require.NoError(t, err)
	require.Len(t, perps, 1, "dated futures and halted contracts are dropped")
	assert.Equal(t, "BTC/USDT", perps[0].Symbol)
	assert.Equal(t, "BTC-USDT", perps[0].ExchangeSymbol)
	assert.Equal(t, "USDT", perps[0].Settlement)

	pair, err := c.GetPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 64100.5, pair.Ratio, "swap tickers quote prices as strings")

	pairs, err := c.GetPairs(ctx, []string{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, 64100.5, pairs[0].Ratio)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, 1500.0, depth.Bids[0].Quantity)

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 1312.5, candles[0].USDVolume, "swap turnover rides in trade_turnover")

	fr, err := c.GetFundingRate(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, fr)
	assert.Equal(t, 0.000115, fr.Rate)
	assert.Equal(t, 0.00012, fr.NextRate)
	assert.Equal(t, int64(1700021600), fr.NextFundingUTC)
	assert.Equal(t, 64005.2, fr.IndexPrice)

	points, err := c.GetFundingRateHistory(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(1700000000), points[0].FundingTimeUTC)
	assert.Equal(t, 0.0001, points[0].Rate)
}

func TestStatusErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err-code":"invalid-parameter","err-msg":"symbol not found"}`))
	}))
	defer srv.Close()

	_, err := NewSpot(options(srv.URL)).GetAllTickers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid-parameter")
}

func gz(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func testStream(kind connector.Kind, names map[string]string) *marketStream {
	s := newMarketStream(kind, connector.Options{}, nil)
	s.names = names
	return s
}

func TestOnFrameSpotBBO(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"btcusdt": "BTC/USDT"})

	frame := gz(t, `{"ch":"market.btcusdt.bbo","ts":1700000000123,
		"tick":{"seqId":101,"ask":64001.0,"askSize":0.9,"bid":64000.0,"bidSize":1.1,"quoteTime":1700000000123,"symbol":"btcusdt"}}`)
	events := s.onFrame(websocket.BinaryMessage, frame)
	require.Len(t, events, 1)
	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "BTC/USDT", book.Symbol)
	assert.Equal(t, 64000.0, book.BidPrice)
	assert.Equal(t, 0.9, book.AskQty)
	assert.Equal(t, int64(101), book.LastUpdateID)
	assert.Equal(t, int64(1700000000), book.UTC)
}

func TestOnFramePerpBBO(t *testing.T) {
	s := testStream(connector.KindPerpetual, map[string]string{"BTC-USDT": "BTC/USDT"})

	frame := gz(t, `{"ch":"market.BTC-USDT.bbo","ts":1700000000123,
		"tick":{"mrid":202,"id":1700000000,"bid":[64000.0,120],"ask":[64001.0,80],"ts":1700000000123,"version":202}}`)
	events := s.onFrame(websocket.BinaryMessage, frame)
	require.Len(t, events, 1)
	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, 120.0, book.BidQty)
	assert.Equal(t, 64001.0, book.AskPrice)
}

func TestOnFrameDepthTruncation(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"btcusdt": "BTC/USDT"})
	s.depth = 1

	frame := gz(t, `{"ch":"market.btcusdt.depth.step0","ts":1700000000123,
		"tick":{"bids":[[64000.0,1.5],[63999.0,2.0]],"asks":[[64001.0,0.7],[64002.0,3.1]],"version":300,"ts":1700000000123}}`)
	events := s.onFrame(websocket.BinaryMessage, frame)
	require.Len(t, events, 1)
	depth := events[0].Depth
	require.NotNil(t, depth)
	assert.Len(t, depth.Bids, 1)
	assert.Len(t, depth.Asks, 1)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, int64(300), depth.LastUpdateID)
}

func TestOnFrameKline(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"btcusdt": "BTC/USDT"})

	frame := gz(t, `{"ch":"market.btcusdt.kline.1min","ts":1700000012345,
		"tick":{"id":1700000000,"open":100,"close":100.5,"low":99,"high":101,"amount":7.5,"vol":753.75}}`)
	events := s.onFrame(websocket.BinaryMessage, frame)
	require.Len(t, events, 1)
	kline := events[0].Kline
	require.NotNil(t, kline)
	assert.Equal(t, int64(1700000000), kline.UTCOpenTime)
	assert.Equal(t, 100.5, kline.Close)
	assert.Equal(t, 753.75, kline.USDVolume)
}

func TestOnFrameControlFrames(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"btcusdt": "BTC/USDT"})

	// Ping with no live session is dropped without panicking.
	assert.Nil(t, s.onFrame(websocket.BinaryMessage, gz(t, `{"ping":1700000000123}`)))
	assert.Nil(t, s.onFrame(websocket.BinaryMessage, gz(t, `{"subbed":"market.btcusdt.bbo","status":"ok"}`)))
	assert.Nil(t, s.onFrame(websocket.BinaryMessage, gz(t, `{"ch":"market.zzzusdt.bbo","tick":{"bid":1}}`)))
	assert.Nil(t, s.onFrame(websocket.TextMessage, []byte(`not json`)))
}
