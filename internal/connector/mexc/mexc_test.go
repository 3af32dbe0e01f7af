package mexc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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
		case "/api/v3/exchangeInfo":
			w.Write([]byte(`{"symbols":[
				{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","status":"1","isSpotTradingAllowed":true,"isMarginTradingAllowed":true},
				{"symbol":"ETHUSDT","baseAsset":"ETH","quoteAsset":"USDT","status":"ENABLED","isSpotTradingAllowed":true,"isMarginTradingAllowed":false},
				{"symbol":"OLDUSDT","baseAsset":"OLD","quoteAsset":"USDT","status":"3","isSpotTradingAllowed":false,"isMarginTradingAllowed":false}
			]}`))
		case "/api/v3/ticker/price":
			if r.URL.Query().Get("symbol") == "BTCUSDT" {
				w.Write([]byte(`{"symbol":"BTCUSDT","price":"64000.5"}`))
				return
			}
			w.Write([]byte(`[
				{"symbol":"BTCUSDT","price":"64000.5"},
				{"symbol":"ETHUSDT","price":"3200.25"}
			]`))
		case "/api/v3/ticker/bookTicker":
			w.Write([]byte(`[
				{"symbol":"BTCUSDT","bidPrice":"64000.0","bidQty":"1.1","askPrice":"64001.0","askQty":"0.9"},
				{"symbol":"ETHUSDT","bidPrice":"3200.0","bidQty":"5.0","askPrice":"3200.5","askQty":"4.0"}
			]`))
		case "/api/v3/depth":
			w.Write([]byte(`{"lastUpdateId":123,
				"bids":[["64000.0","1.5"],["63999.0","2.0"]],
				"asks":[["64001.0","0.7"],["64002.0","3.1"]]}`))
		case "/api/v3/klines":
			w.Write([]byte(`[
				[1700000000000,"100","110","90","105","12.5",1700000059999,"1312.5"],
				[1700000060000,"105","108","104","107","10.0",1700000119999,"1070.0"]
			]`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func perpFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/contract/detail":
			w.Write([]byte(`{"success":true,"code":0,"data":[
				{"symbol":"BTC_USDT","baseCoin":"BTC","quoteCoin":"USDT","settleCoin":"USDT","state":0},
				{"symbol":"OLD_USDT","baseCoin":"OLD","quoteCoin":"USDT","settleCoin":"USDT","state":1}
			]}`))
		case "/api/v1/contract/ticker":
			if r.URL.Query().Get("symbol") == "BTC_USDT" {
				w.Write([]byte(`{"success":true,"code":0,"data":{"symbol":"BTC_USDT","lastPrice":64100.5,
					"bid1":64100.0,"ask1":64101.0,"indexPrice":64005.2,"fairPrice":64006.0,
					"fundingRate":0.000115,"timestamp":1700000000123}}`))
				return
			}
			w.Write([]byte(`{"success":true,"code":0,"data":[
				{"symbol":"BTC_USDT","lastPrice":64100.5,"timestamp":1700000000123}
			]}`))
		case "/api/v1/contract/depth/BTC_USDT":
			w.Write([]byte(`{"success":true,"code":0,"data":{
				"bids":[[64100.0,1500,3],[64099.0,2000,4]],
				"asks":[[64101.0,700,2],[64102.0,3100,5]],
				"version":200,"timestamp":1700000000123}}`))
		case "/api/v1/contract/kline/BTC_USDT":
			w.Write([]byte(`{"success":true,"code":0,"data":{
				"time":[1700000000,1700000060],
				"open":[100,105],"high":[110,108],"low":[90,104],"close":[105,107],
				"vol":[12.5,10.0],"amount":[1312.5,1070.0]}}`))
		case "/api/v1/contract/funding_rate/BTC_USDT":
			w.Write([]byte(`{"success":true,"code":0,"data":{"symbol":"BTC_USDT","fundingRate":0.000115,
				"collectCycle":8,"nextSettleTime":1700021600000,"timestamp":1700000000000}}`))
		case "/api/v1/contract/funding_rate/history":
			w.Write([]byte(`{"success":true,"code":0,"data":{"totalPage":1,"currentPage":1,"resultList":[
				{"symbol":"BTC_USDT","fundingRate":0.0002,"settleTime":1700028800000},
				{"symbol":"BTC_USDT","fundingRate":0.0001,"settleTime":1700000000000}
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
	c.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	ctx := context.Background()

	pair, err := c.GetPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 64000.5, pair.Ratio)

	pairs, err := c.GetPairs(ctx, []string{"BTC/USDT", "ETH/USDT", "ZZZ/USDT"})
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 20)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, int64(123), depth.LastUpdateID)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, int64(1700000000), depth.UTC, "v3 depth carries no clock")

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].UTCOpenTime)
	assert.Equal(t, 110.0, candles[0].High)
	assert.Equal(t, 12.5, candles[0].CoinVolume)
	assert.Equal(t, 1312.5, candles[0].USDVolume)

	tickers, err := c.GetAllTickers(ctx)
	require.NoError(t, err)
	require.Len(t, tickers, 2, "halted symbols are dropped")
	for _, tk := range tickers {
		if tk.Symbol == "BTC/USDT" {
			assert.True(t, tk.IsMarginEnabled)
		}
	}

	_, err = c.GetWithdrawInfo(ctx)
	assert.ErrorIs(t, err, connector.ErrNotSupported, "wallet API is auth-gated")
}

func TestPerpetualOperations(t *testing.T) {
	srv := perpFixtureServer(t)
	defer srv.Close()
	c := NewPerpetual(options(srv.URL))
	c.now = func() time.Time { return time.Unix(1700000100, 0).UTC() }
	ctx := context.Background()

	perps, err := c.GetAllPerpetuals(ctx)
	require.NoError(t, err)
	require.Len(t, perps, 1, "delisted contracts are dropped")
	assert.Equal(t, "BTC/USDT", perps[0].Symbol)
	assert.Equal(t, "BTC_USDT", perps[0].ExchangeSymbol)
	assert.Equal(t, "USDT", perps[0].Settlement)

	pair, err := c.GetPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 64100.5, pair.Ratio)

	pairs, err := c.GetPairs(ctx, []string{"BTC/USDT"})
	require.NoError(t, err)
	require.Len(t, pairs, 1)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 20)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, int64(200), depth.LastUpdateID)
	assert.Equal(t, 64100.0, depth.Bids[0].Price)
	assert.Equal(t, 1500.0, depth.Bids[0].Quantity)
	assert.Equal(t, int64(1700000000), depth.UTC)

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].UTCOpenTime)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 1312.5, candles[0].USDVolume, "columnar amount is quote turnover")

	fr, err := c.GetFundingRate(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, fr)
	assert.Equal(t, 0.000115, fr.Rate)
	assert.Equal(t, int64(1700021600), fr.NextFundingUTC)
	assert.Equal(t, 64005.2, fr.IndexPrice, "index price rides on the ticker")

	points, err := c.GetFundingRateHistory(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(1700000000), points[0].FundingTimeUTC)
	assert.Equal(t, 0.0001, points[0].Rate)
}

func TestEnvelopeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"code":1002,"message":"Contract not activated"}`))
	}))
	defer srv.Close()

	_, err := NewPerpetual(options(srv.URL)).GetAllPerpetuals(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1002")
}

func TestSpotPollerDeliversSubscribedOnly(t *testing.T) {
	srv := spotFixtureServer(t)
	defer srv.Close()

	opts := options(srv.URL)
	rest := newRestClient(opts.Rest(), connector.KindSpot, srv.URL)
	symbols := connector.NewSymbolMap(func(ctx context.Context) (map[string]string, error) {
		return map[string]string{"BTC/USDT": "BTCUSDT", "ETH/USDT": "ETHUSDT"}, nil
	})

	p := newSpotPoller(opts, rest, symbols)
	p.interval = 10 * time.Millisecond
	p.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	events := make(chan connector.Event, 16)
	p.deliver = func(ev connector.Event) { events <- ev }

	require.NoError(t, p.open([]string{"BTC/USDT", "ZZZ/USDT"}, 0))
	defer p.close()
	assert.True(t, p.alive())

	select {
	case ev := <-events:
		require.NotNil(t, ev.Book)
		assert.Equal(t, "BTC/USDT", ev.Book.Symbol)
		assert.Equal(t, 64000.0, ev.Book.BidPrice)
		assert.Equal(t, 0.9, ev.Book.AskQty)
		assert.Equal(t, int64(1700000000), ev.Book.UTC)
	case <-time.After(2 * time.Second):
		t.Fatal("poller delivered nothing")
	}

	require.NoError(t, p.applyUnsubscribe([]string{"BTC/USDT"}))
	p.close()
	assert.False(t, p.alive())
}

func testStream(names map[string]string) *marketStream {
	s := newMarketStream(connector.Options{}, nil)
	s.names = names
	return s
}

func TestOnFrameTicker(t *testing.T) {
	s := testStream(map[string]string{"BTC_USDT": "BTC/USDT"})

	frame := []byte(`{"channel":"push.ticker","symbol":"BTC_USDT","ts":1700000000123,
		"data":{"symbol":"BTC_USDT","lastPrice":64100.5,"bid1":64100.0,"ask1":64101.0,"timestamp":1700000000123}}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "BTC/USDT", book.Symbol)
	assert.Equal(t, 64100.0, book.BidPrice)
	assert.Equal(t, 64101.0, book.AskPrice)
	assert.Zero(t, book.BidQty, "edge ticker pushes carry no sizes")
	assert.Equal(t, int64(1700000000), book.UTC)
}

func TestOnFrameDepthFull(t *testing.T) {
	s := testStream(map[string]string{"BTC_USDT": "BTC/USDT"})

	frame := []byte(`{"channel":"push.depth.full","symbol":"BTC_USDT","ts":1700000000123,
		"data":{"bids":[[64099.0,2000,4],[64100.0,1500,3]],"asks":[[64102.0,3100,5],[64101.0,700,2]],"version":42}}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	depth := events[0].Depth
	require.NotNil(t, depth)
	assert.Equal(t, int64(42), depth.LastUpdateID)
	assert.Equal(t, 64100.0, depth.Bids[0].Price, "bids resorted best first")
	assert.Equal(t, 64101.0, depth.Asks[0].Price)
	assert.Equal(t, int64(1700000000), depth.UTC)
}

func TestOnFrameControlFrames(t *testing.T) {
	s := testStream(map[string]string{"BTC_USDT": "BTC/USDT"})

	assert.Nil(t, s.onFrame(1, []byte(`{"channel":"pong","data":1700000000123}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"channel":"rs.sub.ticker","data":"success"}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"channel":"rs.error","data":"invalid symbol"}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"channel":"push.ticker","symbol":"ZZZ_USDT","data":{}}`)))
	assert.Nil(t, s.onFrame(1, []byte(`not json`)))
}

func TestDepthLimit(t *testing.T) {
	assert.Equal(t, 5, depthLimit(1))
	assert.Equal(t, 5, depthLimit(5))
	assert.Equal(t, 10, depthLimit(10))
	assert.Equal(t, 20, depthLimit(50))
}
