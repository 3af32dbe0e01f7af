package throttle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "arbitrage:throttle:binance-spot"

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestThrottlerKey(t *testing.T) {
	thr := New(nil, testPrefix, time.Second, zerolog.Nop())
	assert.Equal(t, testPrefix+":BTC/USDT#book", thr.Key("BTC/USDT", "book"))
}

func TestMayPassFirstCall(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())
	thr.now = fixedClock(1_700_000_000_000)

	key := thr.Key("BTC/USDT", "book")
	mock.ExpectEvalSha(passScript.Hash(), []string{key},
		int64(1_700_000_000_000), int64(1000), int64(2000)).SetVal(int64(1))

	assert.True(t, thr.MayPass(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMayPassSuppressedWithinPeriod(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())
	thr.now = fixedClock(1_700_000_000_400)

	key := thr.Key("BTC/USDT", "book")
	mock.ExpectEvalSha(passScript.Hash(), []string{key},
		int64(1_700_000_000_400), int64(1000), int64(2000)).SetVal(int64(0))

	assert.False(t, thr.MayPass(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMayPassFailsClosedOnRedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())
	thr.now = fixedClock(1_700_000_000_000)

	key := thr.Key("BTC/USDT", "book")
	mock.ExpectEvalSha(passScript.Hash(), []string{key},
		int64(1_700_000_000_000), int64(1000), int64(2000)).
		SetErr(errors.New("connection refused"))

	assert.False(t, thr.MayPass(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMayPassDisabled(t *testing.T) {
	// Nil client or non-positive period turns the gate off entirely.
	assert.True(t, New(nil, testPrefix, time.Second, zerolog.Nop()).
		MayPass(context.Background(), "BTC/USDT", "book"))

	db, mock := redismock.NewClientMock()
	assert.True(t, New(db, testPrefix, 0, zerolog.Nop()).
		MayPass(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoonTimeout(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())
	thr.now = fixedClock(1_700_000_000_300)

	key := thr.Key("BTC/USDT", "book")
	mock.ExpectGet(key).SetVal("1700000000000")

	assert.Equal(t, 700*time.Millisecond, thr.SoonTimeout(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoonTimeoutExpired(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())
	thr.now = fixedClock(1_700_000_005_000)

	key := thr.Key("BTC/USDT", "book")
	mock.ExpectGet(key).SetVal("1700000000000")

	assert.Zero(t, thr.SoonTimeout(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoonTimeoutMissingKey(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())

	mock.ExpectGet(thr.Key("BTC/USDT", "book")).RedisNil()

	assert.Zero(t, thr.SoonTimeout(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoonTimeoutRedisErrorReportsFullPeriod(t *testing.T) {
	db, mock := redismock.NewClientMock()
	thr := New(db, testPrefix, time.Second, zerolog.Nop())

	mock.ExpectGet(thr.Key("BTC/USDT", "book")).SetErr(errors.New("connection refused"))

	assert.Equal(t, time.Second, thr.SoonTimeout(context.Background(), "BTC/USDT", "book"))
	require.NoError(t, mock.ExpectationsWereMet())
}
