package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	redismock "github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/store"
)

type fakeSnapshots struct {
	upserts     []store.CurrencyPairSnapshot
	upsertErr   error
	latest      *store.CurrencyPairSnapshot
	latestErr   error
	latestCalls int
}

func (f *fakeSnapshots) Upsert(_ context.Context, snap store.CurrencyPairSnapshot) error {
	f.upserts = append(f.upserts, snap)
	return f.upsertErr
}

func (f *fakeSnapshots) Latest(_ context.Context, _, _, _ string, _ int) (*store.CurrencyPairSnapshot, error) {
	f.latestCalls++
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	return f.latest, nil
}

func newTestPublisher(t *testing.T) (*Publisher, redismock.ClientMock, *fakeSnapshots) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	snaps := &fakeSnapshots{}
	pub := NewPublisher(connector.Binance, connector.KindSpot, db, snaps, Config{}, zerolog.Nop())
	return pub, mock, snaps
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return string(payload)
}

func TestPublishPriceCachesAndSnapshots(t *testing.T) {
	pub, mock, snaps := newTestPublisher(t)
	pub.now = func() time.Time { return time.Unix(1700000123, 0) }

	pair := connector.CurrencyPair{Base: "BTC", Quote: "USDT", Ratio: 43000.5, UTC: 1700000123}
	key := "arbitrage:orchestrator:price:binance:spot:BTC/USDT"
	mock.ExpectSet(key, mustJSON(t, pair), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishPrice(context.Background(), pair))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, snaps.upserts, 1)
	snap := snaps.upserts[0]
	assert.Equal(t, "binance", snap.ExchangeID)
	assert.Equal(t, "spot", snap.Kind)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Equal(t, 5, snap.AlignToMinutes)
	assert.Equal(t, int64(1700000100), snap.AlignedTimestamp)
	assert.Equal(t, 43000.5, snap.Ratio)
	assert.Equal(t, int64(1700000123), snap.UTC)
}

func TestPublishPriceDedupesSnapshotWrites(t *testing.T) {
	pub, mock, snaps := newTestPublisher(t)
	base := time.Unix(1700000000, 0)
	now := base
	pub.now = func() time.Time { return now }

	pair := connector.CurrencyPair{Base: "ETH", Quote: "USDT", Ratio: 2200, UTC: 1700000000}
	key := "arbitrage:orchestrator:price:binance:spot:ETH/USDT"
	payload := mustJSON(t, pair)

	// Every publish refreshes the cache; only the first lands a row.
	mock.ExpectSet(key, payload, time.Minute).SetVal("OK")
	mock.ExpectSet(key, payload, time.Minute).SetVal("OK")
	require.NoError(t, pub.PublishPrice(context.Background(), pair))
	now = base.Add(time.Minute)
	require.NoError(t, pub.PublishPrice(context.Background(), pair))
	require.Len(t, snaps.upserts, 1)

	mock.ExpectSet(key, payload, time.Minute).SetVal("OK")
	now = base.Add(6 * time.Minute)
	require.NoError(t, pub.PublishPrice(context.Background(), pair))
	require.Len(t, snaps.upserts, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishPriceSnapshotFailureSurfaces(t *testing.T) {
	pub, mock, snaps := newTestPublisher(t)
	snaps.upsertErr = errors.New("db down")

	pair := connector.CurrencyPair{Base: "BTC", Quote: "USDT", Ratio: 43000, UTC: 1700000123}
	mock.ExpectSet("arbitrage:orchestrator:price:binance:spot:BTC/USDT", mustJSON(t, pair), time.Minute).SetVal("OK")

	err := pub.PublishPrice(context.Background(), pair)
	require.ErrorIs(t, err, snaps.upsertErr)
}

func TestPublishBookDepthReplaceSkipsRead(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)

	depth := connector.BookDepth{
		Symbol: "BTC/USDT",
		Bids:   []connector.BidAsk{{Price: 100, Quantity: 1}, {Price: 101, Quantity: 2}},
		Asks:   []connector.BidAsk{{Price: 103, Quantity: 1}, {Price: 102, Quantity: 2}},
		UTC:    1700000123,
	}
	want := connector.BookDepth{
		Symbol: "BTC/USDT",
		Bids:   []connector.BidAsk{{Price: 101, Quantity: 2}, {Price: 100, Quantity: 1}},
		Asks:   []connector.BidAsk{{Price: 102, Quantity: 2}, {Price: 103, Quantity: 1}},
		UTC:    1700000123,
	}
	mock.ExpectSet("arbitrage:orchestrator:depth:binance:spot:BTC/USDT", mustJSON(t, want), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishBookDepth(context.Background(), depth, Replace))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBookDepthMergeKeepsOppositeSide(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)
	key := "arbitrage:orchestrator:depth:binance:spot:BTC/USDT"

	cached := connector.BookDepth{
		Symbol: "BTC/USDT",
		Bids:   []connector.BidAsk{{Price: 99, Quantity: 3}},
		Asks:   []connector.BidAsk{{Price: 102, Quantity: 2}},
		UTC:    1700000100,
	}
	update := connector.BookDepth{
		Symbol: "BTC/USDT",
		Bids:   []connector.BidAsk{{Price: 100, Quantity: 1}},
		UTC:    1700000123,
	}
	want := connector.BookDepth{
		Symbol: "BTC/USDT",
		Bids:   []connector.BidAsk{{Price: 100, Quantity: 1}},
		Asks:   []connector.BidAsk{{Price: 102, Quantity: 2}},
		UTC:    1700000123,
	}
	mock.ExpectGet(key).SetVal(mustJSON(t, cached))
	mock.ExpectSet(key, mustJSON(t, want), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishBookDepth(context.Background(), update, Merge))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishBookDepthMergeWithEmptyCache(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)
	key := "arbitrage:orchestrator:depth:binance:spot:BTC/USDT"

	update := connector.BookDepth{
		Symbol: "BTC/USDT",
		Bids:   []connector.BidAsk{{Price: 100, Quantity: 1}},
		Asks:   []connector.BidAsk{{Price: 101, Quantity: 1}},
	}
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, mustJSON(t, update), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishBookDepth(context.Background(), update, Merge))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishCandlesticksMergeIsIdempotentByOpenTime(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)
	key := "arbitrage:orchestrator:kline:binance:spot:BTC/USDT"

	history := []connector.CandleStick{
		{Symbol: "BTC/USDT", UTCOpenTime: 60, Close: 1},
		{Symbol: "BTC/USDT", UTCOpenTime: 120, Close: 2},
	}
	update := []connector.CandleStick{
		{Symbol: "BTC/USDT", UTCOpenTime: 120, Close: 2.5},
		{Symbol: "BTC/USDT", UTCOpenTime: 180, Close: 3},
	}
	want := []connector.CandleStick{
		{Symbol: "BTC/USDT", UTCOpenTime: 60, Close: 1},
		{Symbol: "BTC/USDT", UTCOpenTime: 120, Close: 2.5},
		{Symbol: "BTC/USDT", UTCOpenTime: 180, Close: 3},
	}
	mock.ExpectGet(key).SetVal(mustJSON(t, history))
	mock.ExpectSet(key, mustJSON(t, want), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishCandlesticks(context.Background(), update, Merge))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishCandlesticksReplaceDropsHistory(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)
	key := "arbitrage:orchestrator:kline:binance:spot:BTC/USDT"

	update := []connector.CandleStick{
		{Symbol: "BTC/USDT", UTCOpenTime: 180, Close: 3},
		{Symbol: "BTC/USDT", UTCOpenTime: 60, Close: 1},
	}
	want := []connector.CandleStick{
		{Symbol: "BTC/USDT", UTCOpenTime: 60, Close: 1},
		{Symbol: "BTC/USDT", UTCOpenTime: 180, Close: 3},
	}
	mock.ExpectSet(key, mustJSON(t, want), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishCandlesticks(context.Background(), update, Replace))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishCandlesticksEmptyIsNoOp(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)
	require.NoError(t, pub.PublishCandlesticks(context.Background(), nil, Merge))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeCandlesCapsHistory(t *testing.T) {
	history := make([]connector.CandleStick, klineCap)
	for i := range history {
		history[i] = connector.CandleStick{UTCOpenTime: int64((i + 1) * 60)}
	}
	update := []connector.CandleStick{{UTCOpenTime: int64((klineCap + 1) * 60)}}

	merged := mergeCandles(history, update)
	require.Len(t, merged, klineCap)
	assert.Equal(t, int64(120), merged[0].UTCOpenTime, "oldest bar falls off")
	assert.Equal(t, update[0].UTCOpenTime, merged[len(merged)-1].UTCOpenTime)
}

func TestPublishFundingRate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewPublisher(connector.Bybit, connector.KindPerpetual, db, &fakeSnapshots{}, Config{}, zerolog.Nop())

	rate := connector.FundingRate{Symbol: "BTC/USDT", Rate: 0.0001, NextFundingUTC: 1700008000, UTC: 1700000123}
	mock.ExpectSet("arbitrage:orchestrator:funding:bybit:perpetual:BTC/USDT", mustJSON(t, rate), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishFundingRate(context.Background(), rate))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishFundingHistorySortsAscending(t *testing.T) {
	db, mock := redismock.NewClientMock()
	pub := NewPublisher(connector.Bybit, connector.KindPerpetual, db, &fakeSnapshots{}, Config{}, zerolog.Nop())

	points := []connector.FundingRatePoint{
		{FundingTimeUTC: 1700028800, Rate: 0.0002},
		{FundingTimeUTC: 1700000000, Rate: 0.0001},
	}
	want := []connector.FundingRatePoint{
		{FundingTimeUTC: 1700000000, Rate: 0.0001},
		{FundingTimeUTC: 1700028800, Rate: 0.0002},
	}
	mock.ExpectSet("arbitrage:orchestrator:funding_history:bybit:perpetual:BTC/USDT", mustJSON(t, want), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishFundingHistory(context.Background(), "BTC/USDT", points))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishWithdrawInfoKeyHasNoSymbol(t *testing.T) {
	pub, mock, _ := newTestPublisher(t)

	info := map[string][]connector.WithdrawInfo{
		"BTC": {{ExCode: "BTC", Coin: "BTC", WithdrawEnabled: true}},
	}
	mock.ExpectSet("arbitrage:orchestrator:withdraw:binance:spot", mustJSON(t, info), time.Minute).SetVal("OK")

	require.NoError(t, pub.PublishWithdrawInfo(context.Background(), info))
	require.NoError(t, mock.ExpectationsWereMet())
}

func newTestRetriever(t *testing.T) (*Retriever, redismock.ClientMock, *fakeSnapshots) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	snaps := &fakeSnapshots{}
	ret := NewRetriever(connector.Binance, connector.KindSpot, db, snaps, Config{}, zerolog.Nop())
	return ret, mock, snaps
}

func TestRetrieverCacheHitSkipsSnapshots(t *testing.T) {
	ret, mock, snaps := newTestRetriever(t)

	pair := connector.CurrencyPair{Base: "BTC", Quote: "USDT", Ratio: 43000, UTC: 1700000123}
	mock.ExpectGet("arbitrage:orchestrator:price:binance:spot:BTC/USDT").SetVal(mustJSON(t, pair))

	got, err := ret.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pair, *got)
	assert.Zero(t, snaps.latestCalls)
}

func TestRetrieverFallsBackToSnapshotAndRewarms(t *testing.T) {
	ret, mock, snaps := newTestRetriever(t)
	snaps.latest = &store.CurrencyPairSnapshot{
		ExchangeID: "binance", Kind: "spot", Symbol: "BTC/USDT",
		AlignToMinutes: 5, AlignedTimestamp: 1700000100,
		Base: "BTC", Quote: "USDT", Ratio: 42990, UTC: 1700000110,
	}

	key := "arbitrage:orchestrator:price:binance:spot:BTC/USDT"
	pair := connector.CurrencyPair{Base: "BTC", Quote: "USDT", Ratio: 42990, UTC: 1700000110}
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, mustJSON(t, pair), time.Minute).SetVal("OK")

	got, err := ret.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pair, *got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetrieverMissingEverywhereReturnsNil(t *testing.T) {
	ret, mock, _ := newTestRetriever(t)
	mock.ExpectGet("arbitrage:orchestrator:price:binance:spot:BTC/USDT").RedisNil()

	got, err := ret.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetrieverCorruptEntryFallsBack(t *testing.T) {
	ret, mock, snaps := newTestRetriever(t)
	snaps.latest = &store.CurrencyPairSnapshot{
		Base: "BTC", Quote: "USDT", Ratio: 42990, UTC: 1700000110,
	}

	key := "arbitrage:orchestrator:price:binance:spot:BTC/USDT"
	pair := connector.CurrencyPair{Base: "BTC", Quote: "USDT", Ratio: 42990, UTC: 1700000110}
	mock.ExpectGet(key).SetVal("{broken")
	mock.ExpectSet(key, mustJSON(t, pair), time.Minute).SetVal("OK")

	got, err := ret.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 42990.0, got.Ratio)
}

func TestRetrieverSnapshotErrorSurfaces(t *testing.T) {
	ret, mock, snaps := newTestRetriever(t)
	snaps.latestErr = errors.New("db down")
	mock.ExpectGet("arbitrage:orchestrator:price:binance:spot:BTC/USDT").RedisNil()

	_, err := ret.GetPrice(context.Background(), "BTC/USDT")
	require.ErrorIs(t, err, snaps.latestErr)
}
