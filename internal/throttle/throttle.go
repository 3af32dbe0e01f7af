// Package throttle implements a cross-process rate gate backed by
// redis. Every replica of a connector shares one key space, so a
// payload suppressed here is suppressed for the whole fleet.
package throttle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/metrics"
)

// keyTTLFactor scales the keepalive of throttle keys relative to the
// period so idle subjects expire on their own.
const keyTTLFactor = 2

// opTimeout bounds one redis round trip. A gate that cannot answer in
// this window fails closed.
const opTimeout = 2 * time.Second

// passScript checks the last-pass stamp and updates it in one atomic
// step. KEYS[1] is the subject key, ARGV[1] the current time in ms,
// ARGV[2] the period in ms, ARGV[3] the key TTL in ms.
var passScript = redis.NewScript(`
local last = redis.call('GET', KEYS[1])
if last and (tonumber(ARGV[1]) - tonumber(last)) < tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// Throttler gates actions identified by (name, tag) to at most one
// pass per period. A nil redis client or a non-positive period turns
// the gate into a pass-through.
type Throttler struct {
	rdb    *redis.Client
	prefix string
	period time.Duration
	log    zerolog.Logger

	now func() time.Time
}

// New builds a Throttler writing keys under prefix.
func New(rdb *redis.Client, prefix string, period time.Duration, log zerolog.Logger) *Throttler {
	return &Throttler{
		rdb:    rdb,
		prefix: prefix,
		period: period,
		log:    log,
		now:    time.Now,
	}
}

// Period returns the configured gate period.
func (t *Throttler) Period() time.Duration {
	return t.period
}

// Key returns the redis key for one subject.
func (t *Throttler) Key(name, tag string) string {
	return t.prefix + ":" + name + "#" + tag
}

// MayPass reports whether the subject may act now and, when it may,
// records the pass. Redis errors fail closed so a broken gate cannot
// flood consumers.
func (t *Throttler) MayPass(ctx context.Context, name, tag string) bool {
	if t.period <= 0 || t.rdb == nil {
		return true
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	periodMS := t.period.Milliseconds()
	res, err := passScript.Run(opCtx, t.rdb,
		[]string{t.Key(name, tag)},
		t.now().UnixMilli(), periodMS, keyTTLFactor*periodMS,
	).Int()
	if err != nil {
		t.log.Warn().Err(err).Str("subject", name).Str("tag", tag).Msg("throttle check failed, suppressing")
		metrics.ThrottleSuppressed.WithLabelValues(t.prefix, tag).Inc()
		return false
	}
	if res != 1 {
		metrics.ThrottleSuppressed.WithLabelValues(t.prefix, tag).Inc()
		return false
	}
	metrics.ThrottlePassed.WithLabelValues(t.prefix, tag).Inc()
	return true
}

// SoonTimeout returns how long the subject must still wait before its
// next pass, zero when it may act immediately. Redis errors report the
// full period, matching the fail-closed stance of MayPass.
func (t *Throttler) SoonTimeout(ctx context.Context, name, tag string) time.Duration {
	if t.period <= 0 || t.rdb == nil {
		return 0
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := t.rdb.Get(opCtx, t.Key(name, tag)).Int64()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		t.log.Warn().Err(err).Str("subject", name).Str("tag", tag).Msg("throttle probe failed")
		return t.period
	}
	elapsed := time.Duration(t.now().UnixMilli()-raw) * time.Millisecond
	if remaining := t.period - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}
