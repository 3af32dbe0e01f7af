// Package orchestrator bridges live market data to its two sinks: a
// short-TTL cache for hot reads and an aligned snapshot table for
// durable history. Cache writes happen on every publish; snapshot
// writes are deduped per symbol by the configured DB interval.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/metrics"
	"arbitrage-md-ingest/internal/store"
)

// keyPrefix roots every orchestrator cache key.
const keyPrefix = "arbitrage:orchestrator"

// klineCap bounds the cached bar history to one day of minute bars.
const klineCap = 1440

// Strategy selects how a publish treats data already in the cache.
type Strategy int

const (
	// Replace overwrites the cached record.
	Replace Strategy = iota
	// Merge folds the new record into the cached one.
	Merge
)

// Config tunes publish cadence and retention.
type Config struct {
	CacheTTL       time.Duration
	DBInterval     time.Duration
	AlignToMinutes int
}

// DefaultConfig keeps hot entries for a minute and lands one snapshot
// row per five-minute bucket.
func DefaultConfig() Config {
	return Config{
		CacheTTL:       time.Minute,
		DBInterval:     5 * time.Minute,
		AlignToMinutes: 5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.DBInterval <= 0 {
		c.DBInterval = def.DBInterval
	}
	if c.AlignToMinutes <= 0 {
		c.AlignToMinutes = def.AlignToMinutes
	}
	return c
}

// cacheKey builds {prefix}:{artifact}:{exchange}:{kind}[:{symbol}].
func cacheKey(artifact string, ex connector.ExchangeID, kind connector.Kind, parts ...string) string {
	elems := append([]string{keyPrefix, artifact, string(ex), string(kind)}, parts...)
	return strings.Join(elems, ":")
}

// Publisher writes one (exchange, kind) stream to both sinks.
type Publisher struct {
	exchange  connector.ExchangeID
	kind      connector.Kind
	rdb       *redis.Client
	snapshots store.SnapshotRepo
	cfg       Config
	log       zerolog.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time

	now func() time.Time
}

// NewPublisher builds a publisher for one (exchange, kind) stream.
func NewPublisher(ex connector.ExchangeID, kind connector.Kind, rdb *redis.Client, snapshots store.SnapshotRepo, cfg Config, log zerolog.Logger) *Publisher {
	return &Publisher{
		exchange:  ex,
		kind:      kind,
		rdb:       rdb,
		snapshots: snapshots,
		cfg:       cfg.withDefaults(),
		log: log.With().
			Str("exchange", string(ex)).
			Str("kind", string(kind)).
			Logger(),
		lastWrite: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (p *Publisher) key(artifact string, parts ...string) string {
	return cacheKey(artifact, p.exchange, p.kind, parts...)
}

// setJSON writes v under key with the cache TTL.
func (p *Publisher) setJSON(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("orchestrator: encode %s: %w", key, err)
	}
	if err := p.rdb.Set(ctx, key, string(payload), p.cfg.CacheTTL).Err(); err != nil {
		metrics.PublishErrors.WithLabelValues("cache").Inc()
		return fmt.Errorf("orchestrator: cache %s: %w", key, err)
	}
	return nil
}

// dueForSnapshot reports whether the DB interval has elapsed for
// symbol and stamps the write time when it has.
func (p *Publisher) dueForSnapshot(symbol string) bool {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastWrite[symbol]; ok && now.Sub(last) < p.cfg.DBInterval {
		return false
	}
	p.lastWrite[symbol] = now
	return true
}

// PublishPrice writes pair to the cache and, when the DB interval has
// elapsed for its symbol, upserts the aligned snapshot row.
func (p *Publisher) PublishPrice(ctx context.Context, pair connector.CurrencyPair) error {
	symbol := pair.Symbol()
	if err := p.setJSON(ctx, p.key("price", symbol), pair); err != nil {
		return err
	}
	if !p.dueForSnapshot(symbol) {
		return nil
	}

	align := int64(p.cfg.AlignToMinutes) * 60
	snap := store.CurrencyPairSnapshot{
		ExchangeID:       string(p.exchange),
		Kind:             string(p.kind),
		Symbol:           symbol,
		AlignToMinutes:   p.cfg.AlignToMinutes,
		AlignedTimestamp: pair.UTC - pair.UTC%align,
		Base:             pair.Base,
		Quote:            pair.Quote,
		Ratio:            pair.Ratio,
		UTC:              pair.UTC,
	}
	if err := p.snapshots.Upsert(ctx, snap); err != nil {
		metrics.PublishErrors.WithLabelValues("snapshot").Inc()
		return fmt.Errorf("orchestrator: snapshot %s: %w", symbol, err)
	}
	metrics.SnapshotWrites.WithLabelValues(string(p.exchange), string(p.kind)).Inc()
	return nil
}

// PublishBookDepth writes depth to the cache. Merge folds the cached
// record in first so a one-sided update keeps the other side's levels.
func (p *Publisher) PublishBookDepth(ctx context.Context, depth connector.BookDepth, strategy Strategy) error {
	key := p.key("depth", depth.Symbol)
	if strategy == Merge {
		if cached := p.getDepth(ctx, key); cached != nil {
			depth = mergeDepth(*cached, depth)
		}
	}
	depth.Sort()
	return p.setJSON(ctx, key, depth)
}

func (p *Publisher) getDepth(ctx context.Context, key string) *connector.BookDepth {
	raw, err := p.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			p.log.Warn().Err(err).Str("key", key).Msg("cached depth read failed")
		}
		return nil
	}
	var cached connector.BookDepth
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil
	}
	return &cached
}

// mergeDepth keeps the prior sides an update did not carry.
func mergeDepth(cached, update connector.BookDepth) connector.BookDepth {
	if len(update.Bids) == 0 {
		update.Bids = cached.Bids
	}
	if len(update.Asks) == 0 {
		update.Asks = cached.Asks
	}
	return update
}

// PublishCandlesticks folds bars into the cached history of their
// symbol, idempotent by open time. Replace starts the history over.
func (p *Publisher) PublishCandlesticks(ctx context.Context, candles []connector.CandleStick, strategy Strategy) error {
	if len(candles) == 0 {
		return nil
	}
	symbol := candles[0].Symbol
	key := p.key("kline", symbol)

	var history []connector.CandleStick
	if strategy == Merge {
		history = p.getCandles(ctx, key)
	}
	return p.setJSON(ctx, key, mergeCandles(history, candles))
}

func (p *Publisher) getCandles(ctx context.Context, key string) []connector.CandleStick {
	raw, err := p.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			p.log.Warn().Err(err).Str("key", key).Msg("cached klines read failed")
		}
		return nil
	}
	var cached []connector.CandleStick
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil
	}
	return cached
}

// mergeCandles folds update into history keyed by open time and
// returns ascending bars capped at klineCap.
func mergeCandles(history, update []connector.CandleStick) []connector.CandleStick {
	byOpen := make(map[int64]connector.CandleStick, len(history)+len(update))
	for _, c := range history {
		byOpen[c.UTCOpenTime] = c
	}
	for _, c := range update {
		byOpen[c.UTCOpenTime] = c
	}
	out := make([]connector.CandleStick, 0, len(byOpen))
	for _, c := range byOpen {
		out = append(out, c)
	}
	connector.SortCandles(out)
	if len(out) > klineCap {
		out = out[len(out)-klineCap:]
	}
	return out
}

// PublishFundingRate caches the live funding state of one contract.
func (p *Publisher) PublishFundingRate(ctx context.Context, rate connector.FundingRate) error {
	return p.setJSON(ctx, p.key("funding", rate.Symbol), rate)
}

// PublishFundingHistory caches the settled funding points of one
// contract in ascending order.
func (p *Publisher) PublishFundingHistory(ctx context.Context, symbol string, points []connector.FundingRatePoint) error {
	connector.SortFundingHistory(points)
	return p.setJSON(ctx, p.key("funding_history", symbol), points)
}

// PublishWithdrawInfo caches per-coin transferability for the venue.
func (p *Publisher) PublishWithdrawInfo(ctx context.Context, info map[string][]connector.WithdrawInfo) error {
	return p.setJSON(ctx, p.key("withdraw"), info)
}

// Retriever serves price reads cache-first with a snapshot fallback.
type Retriever struct {
	exchange  connector.ExchangeID
	kind      connector.Kind
	rdb       *redis.Client
	snapshots store.SnapshotRepo
	cfg       Config
	log       zerolog.Logger
}

// NewRetriever builds a retriever for one (exchange, kind) stream.
func NewRetriever(ex connector.ExchangeID, kind connector.Kind, rdb *redis.Client, snapshots store.SnapshotRepo, cfg Config, log zerolog.Logger) *Retriever {
	return &Retriever{
		exchange:  ex,
		kind:      kind,
		rdb:       rdb,
		snapshots: snapshots,
		cfg:       cfg.withDefaults(),
		log: log.With().
			Str("exchange", string(ex)).
			Str("kind", string(kind)).
			Logger(),
	}
}

// GetPrice returns the freshest known price for symbol: the cached
// record when present, else the newest snapshot row, re-warming the
// cache. Nil means neither store has one.
func (r *Retriever) GetPrice(ctx context.Context, symbol string) (*connector.CurrencyPair, error) {
	key := cacheKey("price", r.exchange, r.kind, symbol)
	raw, err := r.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var pair connector.CurrencyPair
		if uerr := json.Unmarshal(raw, &pair); uerr == nil {
			return &pair, nil
		}
		// A corrupt entry falls through to the snapshot path.
	case err != redis.Nil:
		r.log.Warn().Err(err).Str("key", key).Msg("price cache read failed")
	}

	snap, err := r.snapshots.Latest(ctx, string(r.exchange), string(r.kind), symbol, r.cfg.AlignToMinutes)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	pair := connector.CurrencyPair{Base: snap.Base, Quote: snap.Quote, Ratio: snap.Ratio, UTC: snap.UTC}
	if payload, merr := json.Marshal(pair); merr == nil {
		if serr := r.rdb.Set(ctx, key, string(payload), r.cfg.CacheTTL).Err(); serr != nil {
			r.log.Warn().Err(serr).Str("key", key).Msg("price cache rewarm failed")
		}
	}
	return &pair, nil
}
