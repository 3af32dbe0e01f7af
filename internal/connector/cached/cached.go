// Package cached wraps a connector behind a short-TTL redis cache so
// bursts of identical accessor calls cost one exchange round trip.
// Streaming calls are forwarded verbatim and never touch the cache.
package cached

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/metrics"
)

// sentinel is stored in place of a value when the wrapped accessor
// returned nothing, so negative lookups are cached too.
const sentinel = "__none__"

// opTimeout bounds one redis round trip. The wrapped accessor keeps
// the caller's context untouched.
const opTimeout = 2 * time.Second

// base carries the cache plumbing shared by both facade kinds.
type base struct {
	common connector.Common
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func newBase(common connector.Common, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) base {
	return base{
		common: common,
		rdb:    rdb,
		ttl:    ttl,
		log: log.With().
			Str("exchange", string(common.Exchange())).
			Str("kind", string(common.Kind())).
			Logger(),
	}
}

// enabled reports whether lookups go through redis at all. TTL <= 0 or
// a missing client turn the facade into a pass-through.
func (b *base) enabled() bool {
	return b.ttl > 0 && b.rdb != nil
}

// cacheKey builds {exchange}:{kind}:{method}[:{args}].
func (b *base) cacheKey(method string, args ...string) string {
	parts := append([]string{string(b.common.Exchange()), string(b.common.Kind()), method}, args...)
	return strings.Join(parts, ":")
}

// symbolsArg canonicalizes a symbol list into one key segment so the
// same set always maps to the same entry.
func symbolsArg(symbols []string) string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (b *base) hit(method string) {
	metrics.CacheHits.WithLabelValues(string(b.common.Exchange()), string(b.common.Kind()), method).Inc()
}

func (b *base) miss(method string) {
	metrics.CacheMisses.WithLabelValues(string(b.common.Exchange()), string(b.common.Kind()), method).Inc()
}

// through serves one accessor through the cache: read, decode on hit,
// call the wrapped connector on miss, write the result back with the
// configured TTL. A result that encodes to JSON null stores the
// sentinel; accessor errors bypass the cache. Redis failures degrade
// the facade to a pass-through rather than surfacing.
func through[T any](ctx context.Context, b *base, method, key string, fetch func() (T, error)) (T, error) {
	var zero T
	if !b.enabled() {
		return fetch()
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	raw, err := b.rdb.Get(opCtx, key).Result()
	cancel()
	switch {
	case err == nil && raw == sentinel:
		b.hit(method)
		return zero, nil
	case err == nil:
		var v T
		if derr := json.Unmarshal([]byte(raw), &v); derr == nil {
			b.hit(method)
			return v, nil
		}
		b.log.Warn().Str("key", key).Msg("replacing undecodable cache entry")
	case err != redis.Nil:
		b.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	b.miss(method)

	v, err := fetch()
	if err != nil {
		return zero, err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return v, nil
	}
	entry := string(payload)
	if entry == "null" {
		entry = sentinel
	}
	opCtx, cancel = context.WithTimeout(ctx, opTimeout)
	if err := b.rdb.Set(opCtx, key, entry, b.ttl).Err(); err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	cancel()
	return v, nil
}

func (b *base) Exchange() connector.ExchangeID { return b.common.Exchange() }

func (b *base) Kind() connector.Kind { return b.common.Kind() }

func (b *base) GetPrice(ctx context.Context, symbol string) (*connector.CurrencyPair, error) {
	return through(ctx, b, "get_price", b.cacheKey("get_price", symbol),
		func() (*connector.CurrencyPair, error) {
			return b.common.GetPrice(ctx, symbol)
		})
}

func (b *base) GetPairs(ctx context.Context, symbols []string) ([]connector.CurrencyPair, error) {
	return through(ctx, b, "get_pairs", b.cacheKey("get_pairs", symbolsArg(symbols)),
		func() ([]connector.CurrencyPair, error) {
			return b.common.GetPairs(ctx, symbols)
		})
}

// GetDepth keeps the wrapped connector's no-op contract for limit <= 0
// without spending a cache round trip on it.
func (b *base) GetDepth(ctx context.Context, symbol string, limit int) (*connector.BookDepth, error) {
	if limit <= 0 {
		return nil, nil
	}
	return through(ctx, b, "get_depth", b.cacheKey("get_depth", symbol, strconv.Itoa(limit)),
		func() (*connector.BookDepth, error) {
			return b.common.GetDepth(ctx, symbol, limit)
		})
}

func (b *base) GetKlines(ctx context.Context, symbol string, limit int) ([]connector.CandleStick, error) {
	if limit <= 0 {
		return nil, nil
	}
	return through(ctx, b, "get_klines", b.cacheKey("get_klines", symbol, strconv.Itoa(limit)),
		func() ([]connector.CandleStick, error) {
			return b.common.GetKlines(ctx, symbol, limit)
		})
}

func (b *base) Start(handler connector.StreamHandler, symbols []string, depth int) error {
	return b.common.Start(handler, symbols, depth)
}

func (b *base) Stop() { b.common.Stop() }

func (b *base) Subscribe(symbols []string) { b.common.Subscribe(symbols) }

func (b *base) Unsubscribe(symbols []string) { b.common.Unsubscribe(symbols) }

func (b *base) Connected() bool { return b.common.Connected() }

// Reconnect forwards to the wrapped connector when it supports
// supervisor-driven reopens.
func (b *base) Reconnect() {
	if r, ok := b.common.(interface{ Reconnect() }); ok {
		r.Reconnect()
	}
}

// Spot caches the read accessors of a spot connector.
type Spot struct {
	base
	spot connector.Spot
}

// NewSpot wraps inner. A nil rdb or ttl <= 0 yields a pass-through.
func NewSpot(inner connector.Spot, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Spot {
	return &Spot{base: newBase(inner, rdb, ttl, log), spot: inner}
}

func (s *Spot) GetAllTickers(ctx context.Context) ([]connector.Ticker, error) {
	return through(ctx, &s.base, "get_all_tickers", s.cacheKey("get_all_tickers"),
		func() ([]connector.Ticker, error) {
			return s.spot.GetAllTickers(ctx)
		})
}

func (s *Spot) GetWithdrawInfo(ctx context.Context) (map[string][]connector.WithdrawInfo, error) {
	return through(ctx, &s.base, "get_withdraw_info", s.cacheKey("get_withdraw_info"),
		func() (map[string][]connector.WithdrawInfo, error) {
			return s.spot.GetWithdrawInfo(ctx)
		})
}

// Perpetual caches the read accessors of a perpetual connector.
type Perpetual struct {
	base
	perp connector.Perpetual
}

// NewPerpetual wraps inner. A nil rdb or ttl <= 0 yields a pass-through.
func NewPerpetual(inner connector.Perpetual, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Perpetual {
	return &Perpetual{base: newBase(inner, rdb, ttl, log), perp: inner}
}

func (p *Perpetual) GetAllPerpetuals(ctx context.Context) ([]connector.PerpetualTicker, error) {
	return through(ctx, &p.base, "get_all_perpetuals", p.cacheKey("get_all_perpetuals"),
		func() ([]connector.PerpetualTicker, error) {
			return p.perp.GetAllPerpetuals(ctx)
		})
}

func (p *Perpetual) GetFundingRate(ctx context.Context, symbol string) (*connector.FundingRate, error) {
	return through(ctx, &p.base, "get_funding_rate", p.cacheKey("get_funding_rate", symbol),
		func() (*connector.FundingRate, error) {
			return p.perp.GetFundingRate(ctx, symbol)
		})
}

func (p *Perpetual) GetFundingRateHistory(ctx context.Context, symbol string, limit int) ([]connector.FundingRatePoint, error) {
	if limit <= 0 {
		return nil, nil
	}
	return through(ctx, &p.base, "get_funding_rate_history",
		p.cacheKey("get_funding_rate_history", symbol, strconv.Itoa(limit)),
		func() ([]connector.FundingRatePoint, error) {
			return p.perp.GetFundingRateHistory(ctx, symbol, limit)
		})
}
