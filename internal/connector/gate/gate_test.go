package gate

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

func spotFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spot/currency_pairs":
			w.Write([]byte(`[
				{"id":"BTC_USDT","base":"BTC","quote":"USDT","trade_status":"tradable"},
				{"id":"ETH_USDT","base":"ETH","quote":"USDT","trade_status":"tradable"},
				{"id":"DEAD_USDT","base":"DEAD","quote":"USDT","trade_status":"untradable"}
			]`))
		case "/spot/tickers":
			if r.URL.Query().Get("currency_pair") != "" {
				w.Write([]byte(`[{"currency_pair":"BTC_USDT","last":"64000.5","highest_bid":"64000.0","lowest_ask":"64001.0"}]`))
				return
			}
			w.Write([]byte(`[
				{"currency_pair":"BTC_USDT","last":"64000.5"},
				{"currency_pair":"ETH_USDT","last":"3200.25"}
			]`))
		case "/spot/order_book":
			w.Write([]byte(`{"id":123,"update":1700000000123,
				"asks":[["64001.0","0.7"],["64002.0","3.1"]],
				"bids":[["63999.0","2.0"],["64000.0","1.5"]]}`))
		case "/spot/candlesticks":
			w.Write([]byte(`[
				["1700000060","753.75","100.5","101","99","100","7.5","true"],
				["1700000000","1312.5","105","110","90","100","12.5","true"]
			]`))
		case "/spot/currencies":
			w.Write([]byte(`[
				{"currency":"BTC","delisted":false,"withdraw_disabled":false,"deposit_disabled":false,
				 "chains":[{"chain":"BTC","is_withdraw_disabled":0,"is_deposit_disabled":0},
				           {"chain":"BSC","is_withdraw_disabled":1,"is_deposit_disabled":0}]},
				{"currency":"OLD","delisted":true,"chains":[{"chain":"ETH"}]},
				{"currency":"GT","delisted":false,"withdraw_disabled":false,"deposit_disabled":true,"chain":"GT"}
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
		case "/contracts":
			w.Write([]byte(`[
				{"name":"BTC_USDT","type":"direct","in_delisting":false,"last_price":"64000.5"},
				{"name":"ETH_USDT","type":"direct","in_delisting":true,"last_price":"3200.25"}
			]`))
		case "/contracts/BTC_USDT":
			w.Write([]byte(`{"name":"BTC_USDT","funding_rate":"0.00015","funding_rate_indicative":"0.0002",
				"funding_next_apply":1700028800,"index_price":"64005.2","mark_price":"64002.1"}`))
		case "/tickers":
			w.Write([]byte(`[{"contract":"BTC_USDT","last":"64000.5","index_price":"64005.2"}]`))
		case "/order_book":
			w.Write([]byte(`{"id":456,"update":1700000000.123,
				"asks":[{"p":"64001.0","s":700}],
				"bids":[{"p":"64000.0","s":1500},{"p":"63999.0","s":2000}]}`))
		case "/candlesticks":
			w.Write([]byte(`[
				{"t":1700000060,"v":500,"c":"100.5","h":"101","l":"99","o":"100","sum":"753.75"},
				{"t":1700000000,"v":1000,"c":"105","h":"110","l":"90","o":"100","sum":"1312.5"}
			]`))
		case "/funding_rate":
			w.Write([]byte(`[{"t":1700028800,"r":"0.0002"},{"t":1700000000,"r":"0.0001"}]`))
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

	pairs, err := c.GetPairs(ctx, []string{"BTC/USDT", "ETH/USDT"})
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, 64000.0, depth.Bids[0].Price, "bids are re-sorted best first")
	assert.Equal(t, int64(123), depth.LastUpdateID)
	assert.Equal(t, int64(1700000000), depth.UTC)

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].UTCOpenTime)
	assert.Equal(t, 110.0, candles[0].High, "row layout counts down from close to open")
	assert.Equal(t, 12.5, candles[0].CoinVolume)
	assert.Equal(t, 1312.5, candles[0].USDVolume)

	tickers, err := c.GetAllTickers(ctx)
	require.NoError(t, err)
	require.Len(t, tickers, 2, "untradable pairs are dropped")
	assert.False(t, tickers[0].IsMarginEnabled, "margin listing is not public")
}

func TestSpotWithdrawInfo(t *testing.T) {
	srv := spotFixtureServer(t)
	defer srv.Close()
	c := NewSpot(options(srv.URL))

	info, err := c.GetWithdrawInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info, 2, "delisted currencies are dropped")

	btc := info["BTC"]
	require.Len(t, btc, 2, "one entry per chain")
	byChain := map[string]connector.WithdrawInfo{}
	for _, row := range btc {
		byChain[row.NetworkNames[0]] = row
	}
	assert.True(t, byChain["BTC"].WithdrawEnabled)
	assert.False(t, byChain["BSC"].WithdrawEnabled)
	assert.True(t, byChain["BSC"].DepositEnabled)

	gt := info["GT"]
	require.Len(t, gt, 1, "flat rows fall back to the row-level chain")
	assert.Equal(t, "GT", gt[0].NetworkNames[0])
	assert.False(t, gt[0].DepositEnabled)
}

func TestPerpetualOperations(t *testing.T) {
	srv := perpFixtureServer(t)
	defer srv.Close()
	c := NewPerpetual(options(srv.URL))
	ctx := context.Background()

	perps, err := c.GetAllPerpetuals(ctx)
	require.NoError(t, err)
	require.Len(t, perps, 1, "delisting contracts are dropped")
	assert.Equal(t, "BTC/USDT", perps[0].Symbol)
	assert.Equal(t, "BTC_USDT", perps[0].ExchangeSymbol)
	assert.Equal(t, "USDT", perps[0].Settlement)

	pair, err := c.GetPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, 64000.5, pair.Ratio)

	depth, err := c.GetDepth(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.NotNil(t, depth)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, 1500.0, depth.Bids[0].Quantity, "futures sizes are contract counts")
	assert.Equal(t, int64(456), depth.LastUpdateID)
	assert.Equal(t, int64(1700000000), depth.UTC, "fractional second timestamps are truncated")

	candles, err := c.GetKlines(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 1000.0, candles[0].CoinVolume)
	assert.Equal(t, 1312.5, candles[0].USDVolume)

	fr, err := c.GetFundingRate(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, fr)
	assert.Equal(t, 0.00015, fr.Rate)
	assert.Equal(t, 0.0002, fr.NextRate)
	assert.Equal(t, int64(1700028800), fr.NextFundingUTC)
	assert.Equal(t, 64005.2, fr.IndexPrice)

	points, err := c.GetFundingRateHistory(ctx, "BTC/USDT", 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(1700000000), points[0].FundingTimeUTC, "history is sorted ascending")
}

func testStream(kind connector.Kind, names map[string]string) *marketStream {
	s := newMarketStream(kind, connector.Options{}, nil, nil)
	s.depth = 5
	for native, canonical := range names {
		s.names[native] = canonical
		s.books[native] = newSymbolBook()
	}
	return s
}

func TestOnFrameBookTicker(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"BTC_USDT": "BTC/USDT"})

	frame := []byte(`{"time":1700000001,"channel":"spot.book_ticker","event":"update",
		"result":{"t":1700000000123,"u":30,"s":"BTC_USDT","b":"64000.0","B":"1.5","a":"64001.0","A":"0.7"}}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	book := events[0].Book
	require.NotNil(t, book)
	assert.Equal(t, "BTC/USDT", book.Symbol)
	assert.Equal(t, 64000.0, book.BidPrice)
	assert.Equal(t, 1.5, book.BidQty)
	assert.Equal(t, int64(30), book.LastUpdateID)
	assert.Equal(t, int64(1700000000), book.UTC)

	// Futures spell sizes as bare contract counts.
	p := testStream(connector.KindPerpetual, map[string]string{"BTC_USDT": "BTC/USDT"})
	frame = []byte(`{"time":1700000001,"channel":"futures.book_ticker","event":"update",
		"result":{"t":1700000000123,"u":31,"s":"BTC_USDT","b":"64000.0","B":1500,"a":"64001.0","A":700}}`)
	events = p.onFrame(1, frame)
	require.Len(t, events, 1)
	assert.Equal(t, 1500.0, events[0].Book.BidQty)
}

func TestOnFrameBookUpdateBuffersSides(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"BTC_USDT": "BTC/USDT"})

	bidsOnly := []byte(`{"time":1700000001,"channel":"spot.order_book_update","event":"update",
		"result":{"t":1700000000123,"s":"BTC_USDT","U":5,"u":6,
			"b":[["64000.0","1.5"],["63999.0","2.0"]],"a":[]}}`)
	events := s.onFrame(1, bidsOnly)
	require.Len(t, events, 1)
	require.Len(t, events[0].Depth.Bids, 2)
	assert.Empty(t, events[0].Depth.Asks)

	asksOnly := []byte(`{"time":1700000061,"channel":"spot.order_book_update","event":"update",
		"result":{"t":1700000060123,"s":"BTC_USDT","U":7,"u":7,
			"b":[],"a":[["64001.0","0.7"]]}}`)
	events = s.onFrame(1, asksOnly)
	require.Len(t, events, 1)
	depth := events[0].Depth
	require.Len(t, depth.Bids, 2, "earlier bid levels are retained")
	require.Len(t, depth.Asks, 1)
	assert.Equal(t, 64000.0, depth.Bids[0].Price)
	assert.Equal(t, 64001.0, depth.Asks[0].Price)
	assert.Equal(t, int64(7), depth.LastUpdateID)
	assert.Equal(t, int64(1700000060), depth.UTC)

	wipesBest := []byte(`{"time":1700000062,"channel":"spot.order_book_update","event":"update",
		"result":{"t":1700000061123,"s":"BTC_USDT","U":8,"u":8,
			"b":[["64000.0","0"]],"a":[]}}`)
	events = s.onFrame(1, wipesBest)
	require.Len(t, events, 1)
	assert.Equal(t, 63999.0, events[0].Depth.Bids[0].Price, "zero sizes delete the level")
}

func TestOnFrameBookUpdateFutures(t *testing.T) {
	s := testStream(connector.KindPerpetual, map[string]string{"BTC_USDT": "BTC/USDT"})

	frame := []byte(`{"time":1700000001,"channel":"futures.order_book_update","event":"update",
		"result":{"t":1700000000123,"s":"BTC_USDT","U":5,"u":6,
			"b":[{"p":"64000.0","s":1500}],"a":[{"p":"64001.0","s":700}]}}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	depth := events[0].Depth
	assert.Equal(t, 1500.0, depth.Bids[0].Quantity)
	assert.Equal(t, 700.0, depth.Asks[0].Quantity)
}

func TestOnFrameCandles(t *testing.T) {
	s := testStream(connector.KindPerpetual, map[string]string{"BTC_USDT": "BTC/USDT"})

	frame := []byte(`{"time":1700000001,"channel":"futures.candlesticks","event":"update",
		"result":[{"t":1700000000,"v":1000,"c":"105","h":"110","l":"90","o":"100","n":"1m_BTC_USDT"}]}`)
	events := s.onFrame(1, frame)
	require.Len(t, events, 1)
	kline := events[0].Kline
	require.NotNil(t, kline)
	assert.Equal(t, "BTC/USDT", kline.Symbol)
	assert.Equal(t, int64(1700000000), kline.UTCOpenTime)
	assert.Equal(t, 1000.0, kline.CoinVolume)
}

func TestOnFrameControlTraffic(t *testing.T) {
	s := testStream(connector.KindSpot, map[string]string{"BTC_USDT": "BTC/USDT"})

	assert.Nil(t, s.onFrame(1, []byte(`{"time":1700000001,"channel":"spot.pong"}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"time":1700000001,"channel":"spot.book_ticker","event":"subscribe","result":{"status":"success"}}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"time":1700000001,"channel":"spot.book_ticker","event":"subscribe","error":{"code":2,"message":"unknown contract"}}`)))
	assert.Nil(t, s.onFrame(1, []byte(`{"time":1700000001,"channel":"spot.book_ticker","event":"update",
		"result":{"t":1700000000123,"s":"ZZZ_USDT","b":"1","B":"1","a":"2","A":"1"}}`)), "unknown natives are dropped")
}
