package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"arbitrage-md-ingest/internal/metrics"
)

const (
	// defaultEventBuffer bounds the decoded payload queue between the
	// read loop and the consumer goroutine.
	defaultEventBuffer = 1024

	// writesPerSecond paces outbound frames so large subscription
	// flushes do not trip connection-level message limits.
	writesPerSecond = 8

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// SessionConfig describes one WS session.
type SessionConfig struct {
	Logger   zerolog.Logger
	Exchange string
	Kind     string

	// OnFrame decodes one raw frame into zero or more events. It runs
	// on the read goroutine; returned events are queued for the
	// consumer goroutine.
	OnFrame func(messageType int, data []byte) []Event

	// Deliver consumes events on a dedicated goroutine.
	Deliver func(Event)

	// BufferSize overrides the event queue length when positive.
	BufferSize int
}

// WSSession owns one websocket connection, its read loop and its
// consumer loop. When the queue is full the oldest event is dropped so
// the read loop never blocks on a slow consumer.
type WSSession struct {
	log  zerolog.Logger
	conn *websocket.Conn
	cfg  SessionConfig

	writeMu sync.Mutex
	pace    *rate.Limiter

	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	close   sync.Once
	alive   atomic.Bool
	dropped atomic.Int64
}

// DialSession connects to wsURL and starts the read and consumer
// loops.
func DialSession(ctx context.Context, wsURL string, header http.Header, cfg SessionConfig) (*WSSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	buf := cfg.BufferSize
	if buf <= 0 {
		buf = defaultEventBuffer
	}
	s := &WSSession{
		log:    cfg.Logger.With().Str("exchange", cfg.Exchange).Str("kind", cfg.Kind).Logger(),
		conn:   conn,
		cfg:    cfg,
		pace:   rate.NewLimiter(rate.Limit(writesPerSecond), writesPerSecond),
		events: make(chan Event, buf),
		done:   make(chan struct{}),
	}
	s.alive.Store(true)
	metrics.RecordConnectionStatus(cfg.Exchange, cfg.Kind, true)

	s.wg.Add(2)
	go s.readLoop()
	go s.consumeLoop()
	return s, nil
}

// Alive reports whether the read loop is still attached to a healthy
// connection.
func (s *WSSession) Alive() bool {
	return s.alive.Load()
}

// Close tears the session down and waits for both loops to exit. Safe
// to call repeatedly and from any goroutine.
func (s *WSSession) Close() {
	s.close.Do(func() {
		s.alive.Store(false)
		close(s.done)
		s.conn.Close()
		metrics.RecordConnectionStatus(s.cfg.Exchange, s.cfg.Kind, false)
	})
	s.wg.Wait()
}

// WriteJSON sends one JSON frame, paced and serialized against other
// writers.
func (s *WSSession) WriteJSON(ctx context.Context, v interface{}) error {
	if err := s.pace.Wait(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// WriteText sends one text frame, paced and serialized against other
// writers.
func (s *WSSession) WriteText(ctx context.Context, payload string) error {
	if err := s.pace.Wait(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// StartPinger runs send on a fixed interval until the session closes.
// Exchanges with application-level keepalives pass a closure writing
// their ping frame.
func (s *WSSession) StartPinger(interval time.Duration, send func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := send(); err != nil {
					s.log.Warn().Err(err).Msg("keepalive write failed")
					return
				}
			}
		}
	}()
}

func (s *WSSession) readLoop() {
	defer s.wg.Done()
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.alive.Store(false)
			metrics.RecordConnectionStatus(s.cfg.Exchange, s.cfg.Kind, false)
			select {
			case <-s.done:
			default:
				s.log.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
		if s.cfg.OnFrame == nil {
			continue
		}
		for _, ev := range s.cfg.OnFrame(messageType, data) {
			s.push(ev)
		}
	}
}

// push enqueues one event, evicting the oldest queued event when the
// buffer is full.
func (s *WSSession) push(ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case <-s.events:
		metrics.StreamDropped.WithLabelValues(s.cfg.Exchange, s.cfg.Kind).Inc()
		if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
			s.log.Warn().Int64("dropped", n).Msg("event buffer full, dropping oldest")
		}
	default:
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *WSSession) consumeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			if s.cfg.Deliver != nil {
				s.cfg.Deliver(ev)
			}
		}
	}
}
