package mexc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

const (
	edgeWSHost = "wss://contract.mexc.com/edge"

	// The edge socket drops connections that stay silent for a minute;
	// the client drives keepalive.
	pingInterval = 15 * time.Second

	// Book ticker polling cadence. The v3 bookTicker endpoint returns
	// the whole table in one call, so the cost per tick is one request
	// against a 100/min budget.
	pollInterval = 5 * time.Second
)

// spotPoller stands in for a spot stream. The public spot socket only
// speaks protobuf, so top-of-book is polled over REST instead and
// delivered through the same event path.
type spotPoller struct {
	log     zerolog.Logger
	rest    *restClient
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	names  map[string]string // native -> canonical
	cancel context.CancelFunc
	done   chan struct{}
}

func newSpotPoller(opts connector.Options, rest *restClient, symbols *connector.SymbolMap) *spotPoller {
	return &spotPoller{
		log:      opts.Log().With().Str("exchange", string(connector.MEXC)).Str("kind", string(connector.KindSpot)).Logger(),
		rest:     rest,
		symbols:  symbols,
		interval: pollInterval,
		now:      time.Now,
		names:    make(map[string]string),
	}
}

func (p *spotPoller) open(symbols []string, _ int) error {
	p.mu.Lock()
	p.names = make(map[string]string, len(symbols))
	p.mu.Unlock()
	if err := p.applySubscribe(symbols); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.poll(ctx, done)
	return nil
}

func (p *spotPoller) close() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *spotPoller) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *spotPoller) applySubscribe(symbols []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	canon := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := p.symbols.Native(ctx, symbol)
		if err != nil {
			return err
		}
		if !ok {
			p.log.Warn().Str("symbol", symbol).Msg("skipping unknown symbol")
			continue
		}
		canonical, _, _ := p.symbols.Canonical(ctx, native)
		canon[native] = canonical
	}

	p.mu.Lock()
	for native, canonical := range canon {
		p.names[native] = canonical
	}
	p.mu.Unlock()
	return nil
}

func (p *spotPoller) applyUnsubscribe(symbols []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	natives := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := p.symbols.Native(ctx, symbol)
		if err != nil {
			return err
		}
		if ok {
			natives = append(natives, native)
		}
	}

	p.mu.Lock()
	for _, native := range natives {
		delete(p.names, native)
	}
	p.mu.Unlock()
	return nil
}

func (p *spotPoller) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.emitOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// emitOnce fetches the full book ticker table and delivers the rows
// for subscribed symbols.
func (p *spotPoller) emitOnce(ctx context.Context) {
	p.mu.Lock()
	names := make(map[string]string, len(p.names))
	for native, canonical := range p.names {
		names[native] = canonical
	}
	p.mu.Unlock()
	if len(names) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	rows, err := p.rest.fetchSpotBookTickers(callCtx)
	if err != nil {
		p.log.Debug().Err(err).Msg("book ticker poll failed")
		return
	}

	utc := p.now().UTC().Unix()
	for _, row := range rows {
		canonical, ok := names[row.Symbol]
		if !ok {
			continue
		}
		p.deliver(connector.Event{Book: &connector.BookTicker{
			Symbol:   canonical,
			BidPrice: parseFloat(row.BidPrice),
			BidQty:   parseFloat(row.BidQty),
			AskPrice: parseFloat(row.AskPrice),
			AskQty:   parseFloat(row.AskQty),
			UTC:      utc,
		}})
	}
}

type wsCommand struct {
	Method string   `json:"method"`
	Param  *wsParam `json:"param,omitempty"`
}

type wsParam struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit,omitempty"`
}

type marketStream struct {
	log     zerolog.Logger
	host    string
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // native -> canonical
	depth int
}

func newMarketStream(opts connector.Options, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		host = edgeWSHost
	}
	return &marketStream{
		log:     opts.Log().With().Str("exchange", string(connector.MEXC)).Str("kind", string(connector.KindPerpetual)).Logger(),
		host:    host,
		symbols: symbols,
		names:   make(map[string]string),
	}
}

func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := connector.DialSession(ctx, s.host, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.MEXC),
		Kind:     string(connector.KindPerpetual),
		OnFrame:  s.onFrame,
		Deliver:  s.deliver,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.names = make(map[string]string, len(symbols))
	s.depth = depth
	s.mu.Unlock()

	sess.StartPinger(pingInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sess.WriteJSON(ctx, wsCommand{Method: "ping"})
	})

	if err := s.applySubscribe(symbols); err != nil {
		s.close()
		return err
	}
	return nil
}

func (s *marketStream) close() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (s *marketStream) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil && s.sess.Alive()
}

func (s *marketStream) applySubscribe(symbols []string) error {
	natives, err := s.register(symbols)
	if err != nil {
		return err
	}
	return s.sendCommands("sub", natives)
}

func (s *marketStream) applyUnsubscribe(symbols []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	natives := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := s.symbols.Native(ctx, symbol)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		natives = append(natives, native)
	}

	s.mu.Lock()
	for _, native := range natives {
		delete(s.names, native)
	}
	s.mu.Unlock()

	return s.sendCommands("unsub", natives)
}

func (s *marketStream) register(symbols []string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	natives := make([]string, 0, len(symbols))
	canon := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := s.symbols.Native(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Warn().Str("symbol", symbol).Msg("skipping unknown symbol")
			continue
		}
		canonical, _, _ := s.symbols.Canonical(ctx, native)
		canon[native] = canonical
		natives = append(natives, native)
	}

	s.mu.Lock()
	for native, canonical := range canon {
		s.names[native] = canonical
	}
	s.mu.Unlock()
	return natives, nil
}

// sendCommands issues one frame per symbol per channel, the only batch
// size the edge socket accepts.
func (s *marketStream) sendCommands(op string, natives []string) error {
	if len(natives) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	depth := s.depth
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("mexc: stream not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, native := range natives {
		cmds := []wsCommand{{Method: op + ".ticker", Param: &wsParam{Symbol: native}}}
		if depth > 0 {
			cmds = append(cmds, wsCommand{
				Method: op + ".depth.full",
				Param:  &wsParam{Symbol: native, Limit: depthLimit(depth)},
			})
		}
		for _, cmd := range cmds {
			if err := sess.WriteJSON(ctx, cmd); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return nil
}

// depthLimit snaps to the levels the edge socket offers.
func depthLimit(depth int) int {
	switch {
	case depth <= 5:
		return 5
	case depth <= 10:
		return 10
	default:
		return 20
	}
}

func (s *marketStream) onFrame(_ int, data []byte) []connector.Event {
	var frame struct {
		Channel string          `json:"channel"`
		Symbol  string          `json:"symbol"`
		TS      int64           `json:"ts"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("unparseable frame")
		return nil
	}

	switch {
	case frame.Channel == "pong":
		return nil
	case frame.Channel == "rs.error":
		s.log.Warn().RawJSON("frame", data).Msg("stream error frame")
		return nil
	case strings.HasPrefix(frame.Channel, "rs."):
		return nil
	}

	canonical := s.canonicalFor(frame.Symbol)
	if canonical == "" {
		return nil
	}

	switch frame.Channel {
	case "push.ticker":
		return s.decodeTicker(canonical, frame.Data)
	case "push.depth.full":
		return s.decodeDepth(canonical, frame.TS, frame.Data)
	}
	return nil
}

func (s *marketStream) canonicalFor(native string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[native]
}

// decodeTicker reads push.ticker. The push carries bid1/ask1 prices
// without sizes.
func (s *marketStream) decodeTicker(canonical string, data json.RawMessage) []connector.Event {
	var row tickerRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	if row.Bid1 <= 0 && row.Ask1 <= 0 {
		return nil
	}
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:   canonical,
		BidPrice: row.Bid1,
		AskPrice: row.Ask1,
		UTC:      row.Timestamp / 1000,
	}}}
}

// decodeDepth reads push.depth.full. Every push is a full snapshot of
// the subscribed limit; levels carry a trailing order count column.
func (s *marketStream) decodeDepth(canonical string, ts int64, data json.RawMessage) []connector.Event {
	var row struct {
		Asks    [][]float64 `json:"asks"`
		Bids    [][]float64 `json:"bids"`
		Version int64       `json:"version"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return nil
	}
	depth := &connector.BookDepth{
		Symbol:       canonical,
		Bids:         parseNumberLevels(row.Bids),
		Asks:         parseNumberLevels(row.Asks),
		LastUpdateID: row.Version,
		UTC:          ts / 1000,
	}
	depth.Sort()
	if depth.Empty() {
		return nil
	}
	return []connector.Event{{Depth: depth}}
}
