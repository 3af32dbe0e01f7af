package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/metrics"
	"arbitrage-md-ingest/internal/throttle"
)

// StreamHooks is the per-exchange half of a stream connector. The
// hooks own the transport; StreamCore owns lifecycle, batching and
// delivery. No hook is called with the core lock held.
type StreamHooks struct {
	// AllSymbols lists every canonical symbol the exchange serves.
	// Used when Start is called without an explicit set.
	AllSymbols func(ctx context.Context) ([]string, error)

	// Open establishes the transport subscribed to symbols.
	Open func(symbols []string, depth int) error

	// Close tears the transport down. Must be idempotent.
	Close func()

	// Alive reports transport health.
	Alive func() bool

	// ApplySubscribe and ApplyUnsubscribe mutate a live subscription
	// set in place. Unused when ReconnectStyle is set.
	ApplySubscribe   func(symbols []string) error
	ApplyUnsubscribe func(symbols []string) error

	// AfterFlush runs once per completed flush, outside any lock.
	AfterFlush func()

	// ReconnectStyle marks transports that cannot change subscriptions
	// in place; every flush closes and reopens with the merged set.
	ReconnectStyle bool

	// BatchInterval overrides the flush delay when positive.
	BatchInterval time.Duration
}

// StreamCore implements the stream half of the connector contract on
// top of StreamHooks. Exchange packages embed it by delegation.
type StreamCore struct {
	exchange ExchangeID
	kind     Kind
	log      zerolog.Logger
	throttle *throttle.Throttler
	hooks    StreamHooks
	batch    *Batcher

	mu      sync.Mutex
	running bool
	handler StreamHandler
	active  map[string]struct{}
	depth   int
}

// NewStreamCore builds a StreamCore for one exchange and kind.
func NewStreamCore(ex ExchangeID, kind Kind, opts Options, hooks StreamHooks) *StreamCore {
	interval := hooks.BatchInterval
	if interval <= 0 {
		if hooks.ReconnectStyle {
			interval = ReconnectBatchInterval
		} else {
			interval = DefaultBatchInterval
		}
	}
	c := &StreamCore{
		exchange: ex,
		kind:     kind,
		log:      opts.Log().With().Str("exchange", string(ex)).Str("kind", string(kind)).Logger(),
		throttle: opts.Throttle(ex, kind),
		hooks:    hooks,
	}
	c.batch = NewBatcher(interval, c.flush)
	return c
}

// Start opens the stream for the given symbols, or for every known
// symbol when none are given.
func (c *StreamCore) Start(handler StreamHandler, symbols []string, depth int) error {
	if handler == nil {
		return fmt.Errorf("connector: nil stream handler")
	}
	set := symbols
	if len(set) == 0 {
		if c.hooks.AllSymbols == nil {
			return ErrNoSymbols
		}
		ctx, cancel := timeoutContext()
		all, err := c.hooks.AllSymbols(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("resolve symbols: %w", err)
		}
		set = all
	}
	if len(set) == 0 {
		return ErrNoSymbols
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.running = true
	c.handler = handler
	c.depth = depth
	c.active = make(map[string]struct{}, len(set))
	for _, s := range set {
		if s != "" {
			c.active[s] = struct{}{}
		}
	}
	desired := c.desiredLocked()
	c.mu.Unlock()

	if err := c.hooks.Open(desired, depth); err != nil {
		c.mu.Lock()
		c.running = false
		c.handler = nil
		c.active = nil
		c.mu.Unlock()
		return fmt.Errorf("open stream: %w", err)
	}
	metrics.SymbolsSubscribed.WithLabelValues(string(c.exchange), string(c.kind)).Set(float64(len(desired)))
	c.log.Info().Int("symbols", len(desired)).Msg("stream started")
	return nil
}

// Stop tears the stream down, dropping any queued subscription
// changes. Repeated calls are no-ops.
func (c *StreamCore) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.handler = nil
	c.active = nil
	c.mu.Unlock()

	c.batch.Cancel()
	c.hooks.Close()
	metrics.SymbolsSubscribed.WithLabelValues(string(c.exchange), string(c.kind)).Set(0)
	c.log.Info().Msg("stream stopped")
}

// Subscribe queues symbols for the next batched flush.
func (c *StreamCore) Subscribe(symbols []string) {
	c.batch.Subscribe(symbols)
}

// Unsubscribe queues symbols for removal on the next batched flush.
func (c *StreamCore) Unsubscribe(symbols []string) {
	c.batch.Unsubscribe(symbols)
}

// Connected reports whether the stream is running on a live transport.
func (c *StreamCore) Connected() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	return running && c.hooks.Alive != nil && c.hooks.Alive()
}

// ActiveSymbols returns the current desired subscription set.
func (c *StreamCore) ActiveSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredLocked()
}

func (c *StreamCore) desiredLocked() []string {
	out := make([]string, 0, len(c.active))
	for s := range c.active {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// flush applies one drained batch. Unsubscribes are applied before
// subscribes; reconnect-style transports are reopened with the merged
// set instead.
func (c *StreamCore) flush(subs, unsubs []string) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	for _, s := range unsubs {
		delete(c.active, s)
	}
	for _, s := range subs {
		c.active[s] = struct{}{}
	}
	desired := c.desiredLocked()
	depth := c.depth
	c.mu.Unlock()

	reconnect := c.hooks.ReconnectStyle || c.hooks.Alive == nil || !c.hooks.Alive()
	if reconnect {
		c.hooks.Close()
		if len(desired) > 0 {
			metrics.RecordReconnect(string(c.exchange), string(c.kind))
			if err := c.hooks.Open(desired, depth); err != nil {
				c.log.Warn().Err(err).Int("symbols", len(desired)).Msg("stream reopen failed")
			}
		}
		metrics.SubscriptionFlushes.WithLabelValues(string(c.exchange), string(c.kind), "reconnect").Inc()
	} else {
		if len(unsubs) > 0 && c.hooks.ApplyUnsubscribe != nil {
			if err := c.hooks.ApplyUnsubscribe(unsubs); err != nil {
				c.log.Warn().Err(err).Int("symbols", len(unsubs)).Msg("unsubscribe flush failed")
			}
		}
		if len(subs) > 0 && c.hooks.ApplySubscribe != nil {
			if err := c.hooks.ApplySubscribe(subs); err != nil {
				c.log.Warn().Err(err).Int("symbols", len(subs)).Msg("subscribe flush failed")
			}
		}
		metrics.SubscriptionFlushes.WithLabelValues(string(c.exchange), string(c.kind), "apply").Inc()
	}
	metrics.SymbolsSubscribed.WithLabelValues(string(c.exchange), string(c.kind)).Set(float64(len(desired)))

	if c.hooks.AfterFlush != nil {
		c.hooks.AfterFlush()
	}
}

// Reconnect forces a transport reopen with the current desired set.
// Used by supervisors when they find a stream running on a dead
// transport.
func (c *StreamCore) Reconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	desired := c.desiredLocked()
	depth := c.depth
	c.mu.Unlock()

	c.hooks.Close()
	if len(desired) == 0 {
		return
	}
	metrics.RecordReconnect(string(c.exchange), string(c.kind))
	if err := c.hooks.Open(desired, depth); err != nil {
		c.log.Warn().Err(err).Msg("stream reconnect failed")
	}
}

// Deliver routes one decoded event through the delivery throttle to
// the registered handler. Sessions call it from their consumer
// goroutine.
func (c *StreamCore) Deliver(ev Event) {
	symbol, tag := ev.subject()
	if symbol == "" {
		return
	}
	metrics.RecordStreamEvent(string(c.exchange), string(c.kind), tag)
	if !c.throttle.MayPass(context.Background(), symbol, tag) {
		return
	}
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	handler.Handle(ev.Book, ev.Depth, ev.Kline)
}
