package okx

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
		instType := r.URL.Query().Get("instType")
		switch r.URL.Path {
		case "/api/v5/public/instruments":
			switch instType {
			case "SWAP":
				w.Write([]byte(`{"code":"0","msg":"","data":[
					{"instId":"BTC-USDT-SWAP","ctType":"linear","settleCcy":"USDT","state":"live","uly":"BTC-USDT"},
					{"instId":"BTC-USD-SWAP","ctType":"inverse","settleCcy":"BTC","state":"live","uly":"BTC-USD"}
				]}`))
			case "MARGIN":
				w.Write([]byte(`{"code":"0","msg":"","data":[
					{"instId":"BTC-USDT","state":"live"}
				]}`))
			default:
				w.Write([]byte(`{"code":"0","msg":"","data":[
					{"instId":"BTC-USDT","baseCcy":"BTC","quoteCcy":"USDT","state":"live"},
					{"instId":"ETH-USDT","baseCcy":"ETH","quoteCcy":"USDT","state":"live"},
					{"instId":"DEAD-USDT","baseCcy":"DEAD","quoteCcy":"USDT","state":"suspend"}
				]}`))
			}
		case "/api/v5/market/ticker":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT","last":"64000.5","bidPx":"64000.0","askPx":"64001.0","ts":"1700000000123"}
			]}`))
		case "/api/v5/market/tickers":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT","last":"64000.5","ts":"1700000000123"},
				{"instId":"ETH-USDT","last":"3200.25","ts":"1700000000123"}
			]}`))
		case "/api/v5/market/books":
			w.Write([]byte(`{"code":"0","msg":"","data":[{
				"bids":[["64000.0","1.5","0","3"],["63999.0","2.0","0","1"]],
				"asks":[["64001.0","0.7","0","2"],["64002.0","3.1","0","4"]],
				"ts":"1700000000123"}]}`))
		case "/api/v5/market/candles":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				["1700000060000","105","108","104","107","10.0","32000","1070.0","1"],
				["1700000000000","100","110","90","105","12.5","40000","1312.5","1"]
			]}`))
		case "/api/v5/public/funding-rate":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"instId":"BTC-USDT-SWAP","fundingRate":"0.00015","fundingTime":"1700000000000","nextFundingTime":"1700028800000"}
			]}`))
		case "/api/v5/public/funding-rate-history":
			w.Write([]byte(`{"code":"0","msg":"","data":[
				{"fundingRate":"0.0002","fundingTime":"1700028800000"},
				{"fundingRate":"0.0001","fundingTime":"1700000000000"}
			]}`))
		case "/api/v5/market/index-tickers":
			w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","idxPx":"64005.2"}]}`))
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
	srv := fixtureServer(t)
	defer srv.Close()
	c := NewSpot(options(srv.URL))
	ctx := context.Background()

	pair, err := c.GetPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 64000.5, pair.Ratio)

	pairs, err := c.GetPairs(ctx, []string{"BTC/USDT", "ETH/USDT"})
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, 1.5, depth.Bids[0].Quantity, "extra book columns are ignored")
	assert.Equal(t, int64(1700000000), depth.UTC)

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].UTCOpenTime)
	assert.Equal(t, 1312.5, candles[0].USDVolume, "volCcyQuote column feeds the USD volume")

	tickers, err := c.GetAllTickers(ctx)
	require.NoError(t, err)
	require.Len(t, tickers, 2, "suspended instruments are dropped")
	byNative := map[string]connector.Ticker{}
	for _, tk := range tickers {
		byNative[tk.ExchangeSymbol] = tk
	}
	assert.True(t, byNative["BTC-USDT"].IsMarginEnabled)
	assert.False(t, byNative["ETH-USDT"].IsMarginEnabled)

	_, err = c.GetWithdrawInfo(ctx)
	assert.ErrorIs(t, err, connector.ErrNotSupported)
}

func TestPerpetualOperations(t *testing.T) {
	srv := fixtureServer(t)
	defer srv.Close()
	c := NewPerpetual(options(srv.URL))
	ctx := context.Background()

	perps, err := c.GetAllPerpetuals(ctx)
	require.NoError(t, err)
	require.Len(t, perps, 1, "inverse swaps are dropped")
	assert.Equal(t, "BTC/USDT", perps[0].Symbol)
	assert.Equal(t, "BTC-USDT-SWAP", perps[0].ExchangeSymbol)

	fr, err := c.GetFundingRate(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, fr)
	assert.Equal(t, 0.00015, fr.Rate)
	assert.Equal(t, int64(1700028800), fr.NextFundingUTC)
	assert.Equal(t, 64005.2, fr.IndexPrice, "index price comes from the index ticker")

	points, err := c.GetFundingRateHistory(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(1700000000), points[0].FundingTimeUTC)
}

func TestCodeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	}))
	defer srv.Close()

	_, err := NewSpot(options(srv.URL)).GetAllTickers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "51001")
}

func testStream(names map[string]string) *marketStream {
	s := newMarketStream(connector.KindSpot, connector.Options{}, nil)
	s.names = names
	return s
}

func TestOnFrameBBO(t *testing.T) {
	s := testStream(map[string]string{"BTC-USDT": "BTC/USDT"})

	frame := []byte(`{"arg":{"channel":"bbo-tbt","instId":"BTC-USDT"},"data":[
		{"asks":[["64001.0","0.7","0","2"]],"bids":[["64000.0","1.5","0","3"]],"ts":"1700000000123"}
	]}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "BTC/USDT", book.Symbol)
	assert.Equal(t, 64000.0, book.BidPrice)
	assert.Equal(t, 0.7, book.AskQty)
	assert.Equal(t, int64(1700000000), book.UTC)
}

func TestOnFrameBooks5(t *testing.T) {
	s := testStream(map[string]string{"BTC-USDT": "BTC/USDT"})

	frame := []byte(`{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[
		{"asks":[["64002.0","3.1","0","4"],["64001.0","0.7","0","2"]],
		 "bids":[["63999.0","2.0","0","1"],["64000.0","1.5","0","3"]],
		 "ts":"1700000000123","seqId":77}
	]}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	depth := events[0].Depth
	require.NotNil(t, depth)
	assert.Equal(t, int64(77), depth.LastUpdateID)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, 64001.0, depth.Asks[0].Price)
}

func TestOnFrameCandle(t *testing.T) {
	s := testStream(map[string]string{"BTC-USDT": "BTC/USDT"})

	frame := []byte(`{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[
		["1700000000000","100","101","99","100.5","7.5","24000","753.75","0"]
	]}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	kline := events[0].Kline
	require.NotNil(t, kline)
	assert.Equal(t, int64(1700000000), kline.UTCOpenTime)
	assert.Equal(t, 100.5, kline.Close)
	assert.Equal(t, 753.75, kline.USDVolume)
}

func TestOnFrameControlTraffic(t *testing.T) {
	s := testStream(map[string]string{"BTC-USDT": "BTC/USDT"})

	assert.Nil(t, s.onFrame(1, []byte(`pong`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"event":"subscribe","arg":{"channel":"bbo-tbt","instId":"BTC-USDT"}}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"event":"error","code":"60012","msg":"Invalid request"}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"arg":{"channel":"bbo-tbt","instId":"ZZZ-USDT"},"data":[{}]}`)))
}
