package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/ratelimit"
)

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		category := r.URL.Query().Get("category")
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			if category == "linear" {
				w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
					{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading","contractType":"LinearPerpetual","settleCoin":"USDT"},
					{"symbol":"BTCUSDT-29NOV24","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading","contractType":"LinearFutures","settleCoin":"USDT"}
				]}}`))
				return
			}
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading","marginTrading":"both"},
				{"symbol":"ETHUSDT","baseCoin":"ETH","quoteCoin":"USDT","status":"Trading","marginTrading":"none"},
				{"symbol":"OLDUSDT","baseCoin":"OLD","quoteCoin":"USDT","status":"Closed","marginTrading":"none"}
			]}}`))
		case "/v5/market/tickers":
			if category == "linear" {
				w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
					{"symbol":"BTCUSDT","lastPrice":"64100.5","indexPrice":"64090.1","markPrice":"64095.0",
					 "fundingRate":"0.00012","nextFundingTime":"1700028800000"}
				]}}`))
				return
			}
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"symbol":"BTCUSDT","lastPrice":"64000.5","bid1Price":"64000.0","ask1Price":"64001.0"},
				{"symbol":"ETHUSDT","lastPrice":"3200.25","bid1Price":"3200.0","ask1Price":"3200.5"}
			]}}`))
		case "/v5/market/orderbook":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{
				"s":"BTCUSDT",
				"b":[["64000.0","1.5"],["63999.0","2.0"]],
				"a":[["64001.0","0.7"],["64002.0","3.1"]],
				"ts":1700000000123,"u":42}}`))
		case "/v5/market/kline":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				["1700000060000","105","108","104","107","10.0","1070.0"],
				["1700000000000","100","110","90","105","12.5","1312.5"]
			]}}`))
		case "/v5/market/funding/history":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"symbol":"BTCUSDT","fundingRate":"0.0002","fundingRateTimestamp":"1700028800000"},
				{"symbol":"BTCUSDT","fundingRate":"0.0001","fundingRateTimestamp":"1700000000000"}
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

func TestSpotGetPriceAndPairs(t *testing.T) {
	srv := fixtureServer(t)
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
}

func TestSpotGetAllTickers(t *testing.T) {
	srv := fixtureServer(t)
	defer srv.Close()

	tickers, err := NewSpot(options(srv.URL)).GetAllTickers(context.Background())
	require.NoError(t, err)
	require.Len(t, tickers, 2, "non-trading instruments are dropped")
	assert.True(t, tickers[0].IsMarginEnabled)
	assert.False(t, tickers[1].IsMarginEnabled)
}

func TestSpotGetDepth(t *testing.T) {
	srv := fixtureServer(t)
	defer srv.Close()

	depth, err := NewSpot(options(srv.URL)).GetDepth(context.Background(), "BTC/USDT", 20)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, "BTC/USDT", depth.Symbol)
	assert.Equal(t, int64(42), depth.LastUpdateID)
	assert.Equal(t, int64(1700000000), depth.UTC)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, 64001.0, depth.Asks[0].Price)
}

func TestSpotGetKlinesReordersWire(t *testing.T) {
	srv := fixtureServer(t)
	defer srv.Close()

	candles, err := NewSpot(options(srv.URL)).GetKlines(context.Background(), "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].UTCOpenTime, "wire is newest first, result oldest first")
	assert.Equal(t, 1312.5, candles[0].USDVolume)
	assert.Equal(t, int64(1700000060), candles[1].UTCOpenTime)
}

func TestPerpetualFunding(t *testing.T) {
	srv := fixtureServer(t)
	defer srv.Close()
	c := NewPerpetual(options(srv.URL))
	ctx := context.Background()

	perps, err := c.GetAllPerpetuals(ctx)
	require.NoError(t, err)
	require.Len(t, perps, 1, "dated futures are dropped")
	assert.Equal(t, "USDT", perps[0].Settlement)

	fr, err := c.GetFundingRate(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, fr)
	assert.Equal(t, 0.00012, fr.Rate)
	assert.Equal(t, int64(1700028800), fr.NextFundingUTC)
	assert.Equal(t, 64090.1, fr.IndexPrice)

	points, err := c.GetFundingRateHistory(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(1700000000), points[0].FundingTimeUTC, "oldest first")
}

func TestRetCodeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{}}`))
	}))
	defer srv.Close()

	_, err := NewSpot(options(srv.URL)).GetAllTickers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retCode 10001")
}

func testStream(names map[string]string, depth int) *marketStream {
	s := newMarketStream(connector.KindSpot, connector.Options{}, nil)
	s.names = names
	s.depth = depth
	return s
}

func TestOnFrameBookTickerSnapshotAndDelta(t *testing.T) {
	s := testStream(map[string]string{"BTCUSDT": "BTC/USDT"}, 0)

	snapshot := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1700000000123,
		"data":{"s":"BTCUSDT","b":[["64000.0","1.5"]],"a":[["64001.0","0.7"]],"u":1}}`)
	events := s.onFrame(1, snapshot)
	require.Len(t, events, 1)
	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "BTC/USDT", book.Symbol)
	assert.Equal(t, 64000.0, book.BidPrice)
	assert.Equal(t, 0.7, book.AskQty)
	assert.Equal(t, int64(1700000000), book.UTC)

	// A delta replacing the bid moves the top of book.
	delta := []byte(`{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":1700000001123,
		"data":{"s":"BTCUSDT","b":[["64000.0","0"],["64000.5","2.0"]],"a":[],"u":2}}`)
	events = s.onFrame(1, delta)
	require.Len(t, events, 1)
	book = events[0].Book
	assert.Equal(t, 64000.5, book.BidPrice)
	assert.Equal(t, 2.0, book.BidQty)
	assert.Equal(t, 64001.0, book.AskPrice, "untouched side survives the delta")
}

func TestOnFrameDepthMaintainsBook(t *testing.T) {
	s := testStream(map[string]string{"BTCUSDT": "BTC/USDT"}, 20)

	snapshot := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000123,
		"data":{"s":"BTCUSDT","b":[["64000.0","1.0"],["63999.0","2.0"]],"a":[["64001.0","1.0"],["64002.0","2.0"]],"u":10}}`)
	events := s.onFrame(1, snapshot)
	require.Len(t, events, 1)
	depth := events[0].Depth
	require.NotNil(t, depth)
	require.Len(t, depth.Bids, 2)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)

	// Zero quantity removes the level.
	delta := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000001123,
		"data":{"s":"BTCUSDT","b":[["64000.0","0"]],"a":[],"u":11}}`)
	events = s.onFrame(1, delta)
	require.Len(t, events, 1)
	depth = events[0].Depth
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, 63999.0, depth.Bids[0].Price)
	assert.Equal(t, int64(11), depth.LastUpdateID)

	// A fresh snapshot resets accumulated state.
	reset := []byte(`{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000002123,
		"data":{"s":"BTCUSDT","b":[["63000.0","5.0"]],"a":[["63001.0","5.0"]],"u":12}}`)
	events = s.onFrame(1, reset)
	require.Len(t, events, 1)
	depth = events[0].Depth
	require.Len(t, depth.Bids, 1)
	assert.Equal(t, 63000.0, depth.Bids[0].Price)
}

func TestOnFrameKline(t *testing.T) {
	s := testStream(map[string]string{"BTCUSDT": "BTC/USDT"}, 0)

	frame := []byte(`{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":1700000012000,
		"data":[{"start":1700000000000,"end":1700000059999,"interval":"1",
		"open":"100","high":"101","low":"99","close":"100.5","volume":"7.5","turnover":"753.75","confirm":false}]}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	kline := events[0].Kline
	require.NotNil(t, kline)
	assert.Equal(t, int64(1700000000), kline.UTCOpenTime)
	assert.Equal(t, 100.5, kline.Close)
	assert.Equal(t, 753.75, kline.USDVolume)
}

func TestOnFrameIgnoresOpsAndUnknownSymbols(t *testing.T) {
	s := testStream(map[string]string{"BTCUSDT": "BTC/USDT"}, 0)

	assert.Nil(t, s.onFrame(1, []byte(`{"success":true,"op":"subscribe","conn_id":"abc"}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"success":true,"op":"pong"}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"topic":"orderbook.1.ZZZUSDT","type":"snapshot","ts":1,"data":{"b":[],"a":[]}}`)))
	assert.Nil(t, s.onFrame(1, []byte(`garbage`)))
}
