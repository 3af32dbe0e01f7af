package connector

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/ratelimit"
	"arbitrage-md-ingest/internal/throttle"
)

// ExchangeID represents supported exchange identifiers
type ExchangeID string

const (
	Binance  ExchangeID = "binance"
	Bybit    ExchangeID = "bybit"
	OKX      ExchangeID = "okx"
	KuCoin   ExchangeID = "kucoin"
	HTX      ExchangeID = "htx"
	MEXC     ExchangeID = "mexc"
	Gate     ExchangeID = "gate"
	Bitfinex ExchangeID = "bitfinex"
)

// AllExchanges lists every supported exchange in stable order.
func AllExchanges() []ExchangeID {
	return []ExchangeID{Binance, Bybit, OKX, KuCoin, HTX, MEXC, Gate, Bitfinex}
}

// Kind selects the market family a connector serves.
type Kind string

const (
	KindSpot      Kind = "spot"
	KindPerpetual Kind = "perpetual"
)

var (
	// ErrAlreadyStarted is returned by Start while a stream is active.
	ErrAlreadyStarted = errors.New("connector: stream already started")

	// ErrNoSymbols is returned by Start when neither the caller nor the
	// exchange catalogue yields a single subscribable symbol.
	ErrNoSymbols = errors.New("connector: no subscribable symbols")

	// ErrNotSupported marks operations an exchange has no public
	// endpoint for.
	ErrNotSupported = errors.New("connector: not supported")
)

const (
	// DefaultKlineLimit is the bar count fetched when the caller passes
	// no explicit limit.
	DefaultKlineLimit = 60

	// DefaultDepthLimit is the level count fetched per book side when
	// the caller passes no explicit limit.
	DefaultDepthLimit = 20

	// DefaultBatchInterval delays subscription frames so bursts of
	// subscribe/unsubscribe calls collapse into one flush.
	DefaultBatchInterval = 4 * time.Second

	// ReconnectBatchInterval is the wider delay used by connectors that
	// can only change their subscription set by reconnecting.
	ReconnectBatchInterval = 15 * time.Second

	// DefaultThrottlePeriod spaces consumer deliveries per symbol and
	// payload family.
	DefaultThrottlePeriod = time.Second

	// DefaultRequestTimeout bounds a single REST round trip.
	DefaultRequestTimeout = 15 * time.Second
)

// StreamHandler consumes decoded stream payloads. Exactly one argument
// is non-nil per call. Handlers run on the connector's consumer
// goroutine and must not block for long.
type StreamHandler interface {
	Handle(book *BookTicker, depth *BookDepth, kline *CandleStick)
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(book *BookTicker, depth *BookDepth, kline *CandleStick)

// Handle implements StreamHandler.
func (f StreamHandlerFunc) Handle(book *BookTicker, depth *BookDepth, kline *CandleStick) {
	f(book, depth, kline)
}

// Common is the capability set shared by spot and perpetual connectors.
// Symbol arguments accept the canonical BASE/QUOTE form or the
// exchange-native spelling; lookups against unknown symbols return nil
// without error.
type Common interface {
	Exchange() ExchangeID
	Kind() Kind

	// GetPrice returns the last price of one symbol, nil when unknown.
	GetPrice(ctx context.Context, symbol string) (*CurrencyPair, error)

	// GetPairs resolves prices for many symbols in as few REST calls as
	// the exchange allows. Unknown symbols are silently skipped.
	GetPairs(ctx context.Context, symbols []string) ([]CurrencyPair, error)

	// GetDepth returns an L2 snapshot with both sides sorted best
	// first. A limit <= 0 short-circuits to (nil, nil) without I/O.
	GetDepth(ctx context.Context, symbol string, limit int) (*BookDepth, error)

	// GetKlines returns up to limit most recent 1m bars in ascending
	// open-time order. A limit <= 0 short-circuits to (nil, nil).
	GetKlines(ctx context.Context, symbol string, limit int) ([]CandleStick, error)

	// Start opens the stream transport and subscribes the given
	// symbols, or every known symbol when none are given. It returns
	// ErrAlreadyStarted while a stream is active.
	Start(handler StreamHandler, symbols []string, depth int) error

	// Stop tears the stream down. Safe to call repeatedly.
	Stop()

	// Subscribe queues symbols for the next batched subscription flush.
	Subscribe(symbols []string)

	// Unsubscribe queues symbols for removal on the next flush.
	Unsubscribe(symbols []string)

	// Connected reports whether a live transport session exists.
	Connected() bool
}

// Spot extends Common with spot-only catalogue operations.
type Spot interface {
	Common

	// GetAllTickers lists every spot instrument the exchange trades.
	GetAllTickers(ctx context.Context) ([]Ticker, error)

	// GetWithdrawInfo returns per-coin transferability grouped by
	// upper-cased coin code. Exchanges without a public endpoint return
	// ErrNotSupported.
	GetWithdrawInfo(ctx context.Context) (map[string][]WithdrawInfo, error)
}

// Perpetual extends Common with funding operations.
type Perpetual interface {
	Common

	// GetAllPerpetuals lists every linear perpetual contract.
	GetAllPerpetuals(ctx context.Context) ([]PerpetualTicker, error)

	// GetFundingRate returns the live funding state of one contract,
	// nil when the contract is unknown.
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// GetFundingRateHistory returns up to limit settled funding points,
	// oldest first.
	GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]FundingRatePoint, error)
}

// Options carries the shared infrastructure a connector is built on.
type Options struct {
	// Testing relaxes endpoints and timeouts for exchanges that expose
	// a public sandbox.
	Testing bool

	// ThrottlePeriod spaces consumer deliveries per (symbol, family).
	// Zero selects DefaultThrottlePeriod; negative disables throttling.
	ThrottlePeriod time.Duration

	// Logger is optional; nil selects a no-op logger.
	Logger *zerolog.Logger

	// Redis backs the cross-process delivery throttle. Nil disables
	// throttling entirely.
	Redis *redis.Client

	// REST is the shared weight-aware HTTP client. Nil builds a private
	// one.
	REST *ratelimit.Client

	// RESTHost and WSHost override exchange endpoints, primarily for
	// tests against local fixtures.
	RESTHost string
	WSHost   string
}

// Log returns the configured logger or a no-op one.
func (o Options) Log() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return zerolog.Nop()
}

// Rest returns the configured REST client or builds a private one.
func (o Options) Rest() *ratelimit.Client {
	if o.REST != nil {
		return o.REST
	}
	return ratelimit.New(o.Log())
}

// Throttle builds the delivery throttler for one exchange and kind.
// The throttle key prefix is shared across processes so replicas of
// the same connector suppress duplicates together.
func (o Options) Throttle(ex ExchangeID, kind Kind) *throttle.Throttler {
	period := o.ThrottlePeriod
	if period == 0 {
		period = DefaultThrottlePeriod
	}
	if period < 0 {
		period = 0
	}
	prefix := "arbitrage:throttle:" + string(ex) + "-" + string(kind)
	return throttle.New(o.Redis, prefix, period, o.Log())
}

// timeoutContext is the bound used for internal REST calls triggered
// by stream management (catalogue loads during Start).
func timeoutContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DefaultRequestTimeout)
}
