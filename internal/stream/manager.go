// Package stream supervises the live connector fleet. A Manager starts
// every registered stream, routes decoded events into the
// orchestrator, and restarts transports that die without losing their
// subscription set.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
	"arbitrage-md-ingest/internal/metrics"
	"arbitrage-md-ingest/internal/orchestrator"
)

const (
	// DefaultMonitorInterval is how often transport health is probed
	// when the caller does not choose an interval.
	DefaultMonitorInterval = 30 * time.Second

	// publishTimeout bounds one orchestrator write so a stalled sink
	// cannot back a consumer goroutine up indefinitely.
	publishTimeout = 5 * time.Second
)

// Publisher is the orchestrator surface stream events are written to.
type Publisher interface {
	PublishPrice(ctx context.Context, pair connector.CurrencyPair) error
	PublishBookDepth(ctx context.Context, depth connector.BookDepth, strategy orchestrator.Strategy) error
	PublishCandlesticks(ctx context.Context, candles []connector.CandleStick, strategy orchestrator.Strategy) error
}

// reconnector is the optional hook connectors expose for in-place
// transport reopens that keep the running stream registered.
type reconnector interface {
	Reconnect()
}

// unit pairs one connector with the publisher its events feed and the
// symbol set it should stream.
type unit struct {
	conn    connector.Common
	pub     Publisher
	symbols []string
	started bool
}

// Manager owns a set of live connectors keyed by nothing more than
// registration order; exchanges and kinds come from the connectors
// themselves.
type Manager struct {
	depth int
	log   zerolog.Logger

	mu    sync.Mutex
	units []*unit

	stopOnce sync.Once
	done     chan struct{}
}

// NewManager builds an empty manager. Every stream is opened with the
// given order book depth; non-positive selects the connector default.
func NewManager(depth int, log zerolog.Logger) *Manager {
	if depth <= 0 {
		depth = connector.DefaultDepthLimit
	}
	return &Manager{
		depth: depth,
		log:   log.With().Str("component", "stream").Logger(),
		done:  make(chan struct{}),
	}
}

// Add registers a connector together with the publisher its events
// feed. An empty symbol set streams the full catalogue.
func (m *Manager) Add(conn connector.Common, pub Publisher, symbols []string) {
	m.mu.Lock()
	m.units = append(m.units, &unit{conn: conn, pub: pub, symbols: symbols})
	m.mu.Unlock()
}

// Start opens every registered stream in parallel. Individual failures
// are logged and left to the monitor to retry; an error comes back
// only when nothing at all came up.
func (m *Manager) Start() error {
	units := m.snapshot()
	if len(units) == 0 {
		return fmt.Errorf("stream: no connectors registered")
	}

	errs := make([]error, len(units))
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(i int, u *unit) {
			defer wg.Done()
			errs[i] = m.startUnit(u)
		}(i, u)
	}
	wg.Wait()

	live := 0
	for i, err := range errs {
		if err == nil {
			live++
			continue
		}
		u := units[i]
		m.log.Error().Err(err).
			Str("exchange", string(u.conn.Exchange())).
			Str("kind", string(u.conn.Kind())).
			Msg("stream start failed")
	}
	if live == 0 {
		return fmt.Errorf("stream: all %d connectors failed to start", len(units))
	}
	m.log.Info().Int("live", live).Int("total", len(units)).Msg("streams started")
	return nil
}

func (m *Manager) startUnit(u *unit) error {
	err := u.conn.Start(m.handler(u), u.symbols, m.depth)
	m.mu.Lock()
	u.started = err == nil
	m.mu.Unlock()
	metrics.RecordConnectionStatus(string(u.conn.Exchange()), string(u.conn.Kind()), err == nil)
	return err
}

// handler builds the delivery closure for one unit. It runs on the
// connector's consumer goroutine.
func (m *Manager) handler(u *unit) connector.StreamHandler {
	log := m.log.With().
		Str("exchange", string(u.conn.Exchange())).
		Str("kind", string(u.conn.Kind())).
		Logger()
	return connector.StreamHandlerFunc(func(book *connector.BookTicker, depth *connector.BookDepth, kline *connector.CandleStick) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		switch {
		case book != nil:
			publishBook(ctx, u.pub, log, book)
		case depth != nil:
			if err := u.pub.PublishBookDepth(ctx, *depth, orchestrator.Merge); err != nil {
				log.Warn().Err(err).Str("symbol", depth.Symbol).Msg("depth publish failed")
			}
		case kline != nil:
			if err := u.pub.PublishCandlesticks(ctx, []connector.CandleStick{*kline}, orchestrator.Merge); err != nil {
				log.Warn().Err(err).Str("symbol", kline.Symbol).Msg("kline publish failed")
			}
		}
	})
}

// publishBook folds a top-of-book quote into the price feed. Quotes
// with no usable side carry no price and are dropped.
func publishBook(ctx context.Context, pub Publisher, log zerolog.Logger, book *connector.BookTicker) {
	mid := book.Mid()
	if mid <= 0 {
		return
	}
	base, quote, ok := connector.SplitSymbol(book.Symbol)
	if !ok {
		return
	}
	pair := connector.CurrencyPair{Base: base, Quote: quote, Ratio: mid, UTC: book.UTC}
	if pair.UTC == 0 {
		pair.UTC = time.Now().UTC().Unix()
	}
	if err := pub.PublishPrice(ctx, pair); err != nil {
		log.Warn().Err(err).Str("symbol", book.Symbol).Msg("price publish failed")
	}
}

// Monitor blocks, probing every stream at the given interval and
// reviving the ones whose transport died. It returns when ctx ends or
// Stop is called. Non-positive intervals select the default.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.log.Info().Dur("interval", interval).Msg("connection monitor running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.checkAndRevive()
		}
	}
}

// checkAndRevive sweeps the fleet once. Streams that started and later
// lost their transport are reopened in place; streams that never
// started get a fresh Start.
func (m *Manager) checkAndRevive() {
	for _, u := range m.snapshot() {
		if m.stopping() {
			return
		}
		ex, kind := string(u.conn.Exchange()), string(u.conn.Kind())
		connected := u.conn.Connected()
		metrics.RecordConnectionStatus(ex, kind, connected)
		if connected {
			continue
		}

		m.mu.Lock()
		started := u.started
		m.mu.Unlock()

		if started {
			if r, ok := u.conn.(reconnector); ok {
				m.log.Warn().Str("exchange", ex).Str("kind", kind).Msg("stream dead, reopening transport")
				r.Reconnect()
				continue
			}
			u.conn.Stop()
		}
		m.log.Warn().Str("exchange", ex).Str("kind", kind).Msg("stream dead, restarting")
		if err := m.startUnit(u); err != nil {
			m.log.Error().Err(err).Str("exchange", ex).Str("kind", kind).Msg("stream restart failed")
		}
	}
}

// UpdateSymbols moves one stream to a new desired symbol set, feeding
// the difference through the connector's batched subscription path.
func (m *Manager) UpdateSymbols(ex connector.ExchangeID, kind connector.Kind, symbols []string) error {
	m.mu.Lock()
	var target *unit
	for _, u := range m.units {
		if u.conn.Exchange() == ex && u.conn.Kind() == kind {
			target = u
			break
		}
	}
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("stream: no %s %s connector registered", ex, kind)
	}
	current := make(map[string]struct{}, len(target.symbols))
	for _, s := range target.symbols {
		current[s] = struct{}{}
	}
	next := make(map[string]struct{}, len(symbols))
	var toAdd []string
	for _, s := range symbols {
		next[s] = struct{}{}
		if _, ok := current[s]; !ok {
			toAdd = append(toAdd, s)
		}
	}
	var toRemove []string
	for s := range current {
		if _, ok := next[s]; !ok {
			toRemove = append(toRemove, s)
		}
	}
	target.symbols = append([]string(nil), symbols...)
	m.mu.Unlock()

	if len(toRemove) > 0 {
		target.conn.Unsubscribe(toRemove)
	}
	if len(toAdd) > 0 {
		target.conn.Subscribe(toAdd)
	}
	m.log.Info().
		Str("exchange", string(ex)).
		Str("kind", string(kind)).
		Int("added", len(toAdd)).
		Int("removed", len(toRemove)).
		Msg("subscriptions updated")
	return nil
}

// Stop halts monitoring and tears every stream down. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	units := m.snapshot()
	for _, u := range units {
		u.conn.Stop()
		metrics.RecordConnectionStatus(string(u.conn.Exchange()), string(u.conn.Kind()), false)
	}
	m.log.Info().Int("streams", len(units)).Msg("streams stopped")
}

// Live reports how many registered streams hold a live transport.
func (m *Manager) Live() (live, total int) {
	units := m.snapshot()
	for _, u := range units {
		if u.conn.Connected() {
			live++
		}
	}
	return live, len(units)
}

func (m *Manager) snapshot() []*unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*unit, len(m.units))
	copy(out, m.units)
	return out
}

// stopping reports whether Stop has been called, so a revive sweep in
// flight does not race the teardown.
func (m *Manager) stopping() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
