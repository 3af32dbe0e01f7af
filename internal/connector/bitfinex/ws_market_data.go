package bitfinex

import (
	"bytes"
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
	publicWSHost = "wss://api-pub.bitfinex.com/ws/2"

	// The server heartbeats every channel; the client ping is optional
	// and keeps intermediaries from idling the socket out.
	pingInterval = 25 * time.Second

	bookPrecision = "P0"
	bookFrequency = "F0"
	bookLength    = "25"
)

type wsSubscribe struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
	Key     string `json:"key,omitempty"`
	Prec    string `json:"prec,omitempty"`
	Freq    string `json:"freq,omitempty"`
	Len     string `json:"len,omitempty"`
}

type wsUnsubscribe struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

type wsPing struct {
	Event string `json:"event"`
	CID   int64  `json:"cid"`
}

type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

// sideBook is last-seen amount per price level.
type sideBook map[float64]float64

// symbolBook reassembles the raw book channel, which ships a snapshot
// and then single-level deltas, so every emitted depth event is a full
// two-sided snapshot.
type symbolBook struct {
	bids sideBook
	asks sideBook
	utc  int64
}

func newSymbolBook() *symbolBook {
	return &symbolBook{bids: make(sideBook), asks: make(sideBook)}
}

func (b *symbolBook) reset() {
	b.bids = make(sideBook)
	b.asks = make(sideBook)
}

// apply follows the raw book algorithm: zero count drops the level and
// the amount sign picks the side.
func (b *symbolBook) apply(price, count, amount float64) {
	if count == 0 {
		if amount > 0 {
			delete(b.bids, price)
		} else if amount < 0 {
			delete(b.asks, price)
		}
		return
	}
	if amount > 0 {
		b.bids[price] = amount
	} else if amount < 0 {
		b.asks[price] = -amount
	}
}

func (b *symbolBook) snapshot(canonical, native string, limit int) *connector.BookDepth {
	depth := &connector.BookDepth{
		Symbol:         canonical,
		Bids:           make([]connector.BidAsk, 0, len(b.bids)),
		Asks:           make([]connector.BidAsk, 0, len(b.asks)),
		ExchangeSymbol: native,
		UTC:            b.utc,
	}
	for price, qty := range b.bids {
		depth.Bids = append(depth.Bids, connector.BidAsk{Price: price, Quantity: qty})
	}
	for price, qty := range b.asks {
		depth.Asks = append(depth.Asks, connector.BidAsk{Price: price, Quantity: qty})
	}
	depth.Sort()
	if limit > 0 && len(depth.Bids) > limit {
		depth.Bids = depth.Bids[:limit]
	}
	if limit > 0 && len(depth.Asks) > limit {
		depth.Asks = depth.Asks[:limit]
	}
	return depth
}

// channelRoute binds a server-assigned channel id to its feed.
type channelRoute struct {
	channel   string
	native    string
	canonical string
}

// marketStream speaks the v2 websocket protocol: subscriptions are
// acknowledged with a channel id and all data frames are arrays keyed
// by that id.
type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	host    string
	symbols *connector.SymbolMap
	deliver func(connector.Event)
	now     func() time.Time

	mu     sync.Mutex
	sess   *connector.WSSession
	names  map[string]string // native -> canonical
	routes map[int64]*channelRoute
	books  map[string]*symbolBook
	depth  int
}

func newMarketStream(kind connector.Kind, opts connector.Options, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		host = publicWSHost
	}
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.Bitfinex)).Str("kind", string(kind)).Logger(),
		host:    host,
		symbols: symbols,
		now:     time.Now,
		names:   make(map[string]string),
		routes:  make(map[int64]*channelRoute),
		books:   make(map[string]*symbolBook),
	}
}

func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := connector.DialSession(ctx, s.host, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.Bitfinex),
		Kind:     string(s.kind),
		OnFrame:  s.onFrame,
		Deliver:  s.deliver,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.names = make(map[string]string, len(symbols))
	s.routes = make(map[int64]*channelRoute)
	s.books = make(map[string]*symbolBook, len(symbols))
	s.depth = depth
	s.mu.Unlock()

	sess.StartPinger(pingInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sess.WriteJSON(ctx, wsPing{Event: "ping", CID: time.Now().Unix()})
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
	return s.subscribe(natives)
}

func (s *marketStream) applyUnsubscribe(symbols []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	natives := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		native, ok, err := s.symbols.Native(ctx, symbol)
		if err != nil || !ok {
			continue
		}
		natives = append(natives, native)
	}

	s.mu.Lock()
	sess := s.sess
	ids := make([]int64, 0, 3*len(natives))
	for _, native := range natives {
		delete(s.names, native)
		delete(s.books, native)
		for id, route := range s.routes {
			if route.native == native {
				delete(s.routes, id)
				ids = append(ids, id)
			}
		}
	}
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	for _, id := range ids {
		if err := sess.WriteJSON(ctx, wsUnsubscribe{Event: "unsubscribe", ChanID: id}); err != nil {
			return fmt.Errorf("unsubscribe %d: %w", id, err)
		}
	}
	return nil
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
		if _, seen := s.books[native]; !seen {
			s.books[native] = newSymbolBook()
		}
	}
	s.mu.Unlock()
	return natives, nil
}

// subscribe requests the ticker, raw book and, on derivatives, the
// status feed per native. Routes attach when the acks arrive.
func (s *marketStream) subscribe(natives []string) error {
	if len(natives) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	depth := s.depth
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("bitfinex %s: stream is not open", s.kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, native := range natives {
		frames := []wsSubscribe{{Event: "subscribe", Channel: "ticker", Symbol: native}}
		if depth > 0 {
			frames = append(frames, wsSubscribe{
				Event:   "subscribe",
				Channel: "book",
				Symbol:  native,
				Prec:    bookPrecision,
				Freq:    bookFrequency,
				Len:     bookLength,
			})
		}
		if s.kind == connector.KindPerpetual {
			frames = append(frames, wsSubscribe{Event: "subscribe", Channel: "status", Key: "deriv:" + native})
		}
		for _, frame := range frames {
			if err := sess.WriteJSON(ctx, frame); err != nil {
				return fmt.Errorf("subscribe %s %s: %w", frame.Channel, native, err)
			}
		}
	}
	return nil
}

func (s *marketStream) onFrame(_ int, data []byte) []connector.Event {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '{' {
		s.handleEvent(data)
		return nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		s.log.Debug().Err(err).Msg("undecodable frame")
		return nil
	}
	if len(parts) < 2 {
		return nil
	}
	var chanID int64
	if err := json.Unmarshal(parts[0], &chanID); err != nil {
		return nil
	}
	// Heartbeats only attest channel liveness.
	if bytes.Equal(parts[1], []byte(`"hb"`)) {
		return nil
	}

	s.mu.Lock()
	route := s.routes[chanID]
	s.mu.Unlock()
	if route == nil {
		return nil
	}

	switch route.channel {
	case "ticker":
		return s.decodeTicker(route, parts[1])
	case "book":
		return s.decodeBook(route, parts[1])
	case "status":
		return s.decodeStatus(route, parts[1])
	}
	return nil
}

func (s *marketStream) handleEvent(data []byte) {
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Debug().Err(err).Msg("undecodable event")
		return
	}
	switch ev.Event {
	case "subscribed":
		s.attachRoute(ev)
	case "unsubscribed":
		s.mu.Lock()
		delete(s.routes, ev.ChanID)
		s.mu.Unlock()
	case "error":
		s.log.Warn().Int("code", ev.Code).Str("msg", ev.Msg).Msg("subscription rejected")
	case "info":
		if ev.Code != 0 {
			s.log.Warn().Int("code", ev.Code).Str("msg", ev.Msg).Msg("server notice")
		}
	}
}

func (s *marketStream) attachRoute(ev wsEvent) {
	native := ev.Symbol
	if ev.Channel == "status" {
		native = strings.TrimPrefix(ev.Key, "deriv:")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	canonical := s.names[native]
	if canonical == "" {
		return
	}
	s.routes[ev.ChanID] = &channelRoute{channel: ev.Channel, native: native, canonical: canonical}
}

// decodeTicker reads [bid, bidSize, ask, askSize, ...]. The frame
// carries no timestamp, so the receive clock stands in.
func (s *marketStream) decodeTicker(route *channelRoute, payload json.RawMessage) []connector.Event {
	var row []any
	if err := json.Unmarshal(payload, &row); err != nil || len(row) < 4 {
		return nil
	}
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:   route.canonical,
		BidPrice: floatAt(row, 0),
		BidQty:   floatAt(row, 1),
		AskPrice: floatAt(row, 2),
		AskQty:   floatAt(row, 3),
		UTC:      s.now().UTC().Unix(),
	}}}
}

// decodeBook handles the initial snapshot, which resets the buffered
// book, and the single-level deltas that follow.
func (s *marketStream) decodeBook(route *channelRoute, payload json.RawMessage) []connector.Event {
	var levels [][]float64
	if err := json.Unmarshal(payload, &levels); err != nil {
		var level []float64
		if err := json.Unmarshal(payload, &level); err != nil {
			s.log.Debug().Err(err).Msg("undecodable book frame")
			return nil
		}
		levels = [][]float64{level}
	} else {
		s.mu.Lock()
		if book := s.books[route.native]; book != nil {
			book.reset()
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	book := s.books[route.native]
	if book == nil {
		s.mu.Unlock()
		return nil
	}
	for _, level := range levels {
		if len(level) < 3 {
			continue
		}
		book.apply(level[0], level[1], level[2])
	}
	book.utc = s.now().UTC().Unix()
	depth := book.snapshot(route.canonical, route.native, s.depth)
	s.mu.Unlock()

	if depth.Empty() {
		return nil
	}
	return []connector.Event{{Depth: depth}}
}

// decodeStatus synthesizes a book ticker from the deriv status frame,
// preferring the mark price over the underlying spot print.
func (s *marketStream) decodeStatus(route *channelRoute, payload json.RawMessage) []connector.Event {
	var rows [][]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		var row []any
		if err := json.Unmarshal(payload, &row); err != nil {
			s.log.Debug().Err(err).Msg("undecodable status frame")
			return nil
		}
		rows = [][]any{row}
	}

	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		st := decodeDerivStatus(row, false)
		price := st.markPrice
		if price == 0 {
			price = st.spotPrice
		}
		if price == 0 {
			continue
		}
		utc := st.utc
		if utc == 0 {
			utc = s.now().UTC().Unix()
		}
		events = append(events, connector.Event{Book: &connector.BookTicker{
			Symbol:   route.canonical,
			BidPrice: price,
			AskPrice: price,
			UTC:      utc,
		}})
	}
	if len(events) == 0 {
		return nil
	}
	return events
}
