package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

const (
	spotWSHost = "wss://api.gateio.ws/ws/v4/"
	perpWSHost = "wss://fx-ws.gateio.ws/v4/ws/usdt"

	pingInterval = 15 * time.Second

	// Cadence of the incremental order book channel.
	bookUpdateInterval = "100ms"

	// Retained levels per delta book side and the REST seed size. The
	// public order_book endpoints cap limit at 50 on futures.
	bookLevelCap   = 200
	bookSeedLevels = 50
)

type wsRequest struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsFrame struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Result  json.RawMessage `json:"result"`
	Error   *wsError        `json:"error"`
}

type bookDelta struct {
	price string
	size  float64
}

// sideBook is last-seen size per price string. Zero sizes delete.
type sideBook map[string]float64

// symbolBook buffers both sides of one contract so every emitted depth
// event is a full snapshot even though the feed ships one-sided deltas.
type symbolBook struct {
	bids   sideBook
	asks   sideBook
	lastID int64
	utc    int64
}

func newSymbolBook() *symbolBook {
	return &symbolBook{bids: make(sideBook), asks: make(sideBook)}
}

func (b *symbolBook) load(snap *connector.BookDepth) {
	b.bids = make(sideBook, len(snap.Bids))
	for _, level := range snap.Bids {
		b.bids[formatPrice(level.Price)] = level.Quantity
	}
	b.asks = make(sideBook, len(snap.Asks))
	for _, level := range snap.Asks {
		b.asks[formatPrice(level.Price)] = level.Quantity
	}
	b.lastID = snap.LastUpdateID
	b.utc = snap.UTC
}

func (b *symbolBook) apply(side sideBook, deltas []bookDelta) {
	for _, d := range deltas {
		if d.size <= 0 {
			delete(side, d.price)
			continue
		}
		side[d.price] = d.size
	}
}

type bookLevel struct {
	key   string
	price float64
	size  float64
}

// snapshot flattens the maps into sorted depth and prunes everything
// past the retention cap so deltas cannot grow the maps without bound.
func (b *symbolBook) snapshot(canonical, native string, limit int) *connector.BookDepth {
	bids := sideLevels(b.bids)
	asks := sideLevels(b.asks)
	sort.Slice(bids, func(i, j int) bool { return bids[i].price > bids[j].price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].price < asks[j].price })
	bids = pruneSide(b.bids, bids)
	asks = pruneSide(b.asks, asks)
	if limit > 0 && len(bids) > limit {
		bids = bids[:limit]
	}
	if limit > 0 && len(asks) > limit {
		asks = asks[:limit]
	}
	return &connector.BookDepth{
		Symbol:         canonical,
		Bids:           toBidAsks(bids),
		Asks:           toBidAsks(asks),
		ExchangeSymbol: native,
		LastUpdateID:   b.lastID,
		UTC:            b.utc,
	}
}

func sideLevels(side sideBook) []bookLevel {
	out := make([]bookLevel, 0, len(side))
	for key, size := range side {
		out = append(out, bookLevel{key: key, price: parseFloat(key), size: size})
	}
	return out
}

func pruneSide(side sideBook, levels []bookLevel) []bookLevel {
	if len(levels) <= bookLevelCap {
		return levels
	}
	for _, level := range levels[bookLevelCap:] {
		delete(side, level.key)
	}
	return levels[:bookLevelCap]
}

func toBidAsks(levels []bookLevel) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(levels))
	for _, level := range levels {
		out = append(out, connector.BidAsk{Price: level.price, Quantity: level.size})
	}
	return out
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// marketStream speaks the v4 websocket protocol. Frames are routed by
// channel suffix; order book state lives in per-contract delta books.
type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	host    string
	rest    *restClient
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // native -> canonical
	books map[string]*symbolBook
	depth int
}

func newMarketStream(kind connector.Kind, opts connector.Options, rest *restClient, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		host = spotWSHost
		if kind == connector.KindPerpetual {
			host = perpWSHost
		}
	}
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.Gate)).Str("kind", string(kind)).Logger(),
		host:    host,
		rest:    rest,
		symbols: symbols,
		names:   make(map[string]string),
		books:   make(map[string]*symbolBook),
	}
}

// prefix selects the channel namespace for this market.
func (s *marketStream) prefix() string {
	if s.kind == connector.KindPerpetual {
		return "futures"
	}
	return "spot"
}

func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := connector.DialSession(ctx, s.host, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.Gate),
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
	s.books = make(map[string]*symbolBook, len(symbols))
	s.depth = depth
	s.mu.Unlock()

	channel := s.prefix() + ".ping"
	sess.StartPinger(pingInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sess.WriteJSON(ctx, wsRequest{Time: time.Now().Unix(), Channel: channel})
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
	s.mu.Lock()
	depth := s.depth
	s.mu.Unlock()
	if depth > 0 {
		s.seedBooks(natives)
	}
	return s.send("subscribe", natives)
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
	for _, native := range natives {
		delete(s.names, native)
		delete(s.books, native)
	}
	s.mu.Unlock()
	return s.send("unsubscribe", natives)
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

// seedBooks preloads the delta books from REST snapshots so the first
// incremental pushes already yield two-sided depth. Failures only cost
// the warmup.
func (s *marketStream) seedBooks(natives []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, native := range natives {
		var snap *connector.BookDepth
		var err error
		if s.kind == connector.KindPerpetual {
			snap, err = s.rest.fetchFuturesDepth(ctx, native, bookSeedLevels)
		} else {
			snap, err = s.rest.fetchSpotDepth(ctx, native, bookSeedLevels)
		}
		if err != nil {
			s.log.Debug().Err(err).Str("contract", native).Msg("book seed skipped")
			continue
		}
		s.mu.Lock()
		if book := s.books[native]; book != nil {
			book.load(snap)
		}
		s.mu.Unlock()
	}
}

// send writes one book_ticker frame covering all natives, then one
// frame per contract for the book update and candle channels, which
// take positional payloads.
func (s *marketStream) send(event string, natives []string) error {
	if len(natives) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	depth := s.depth
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("gate %s: stream is not open", s.kind)
	}

	prefix := s.prefix()
	now := time.Now().Unix()
	frames := []wsRequest{{Time: now, Channel: prefix + ".book_ticker", Event: event, Payload: natives}}
	for _, native := range natives {
		if depth > 0 {
			frames = append(frames, wsRequest{
				Time:    now,
				Channel: prefix + ".order_book_update",
				Event:   event,
				Payload: []string{native, bookUpdateInterval},
			})
		}
		if s.kind == connector.KindPerpetual {
			frames = append(frames, wsRequest{
				Time:    now,
				Channel: prefix + ".candlesticks",
				Event:   event,
				Payload: []string{"1m", native},
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, frame := range frames {
		if err := sess.WriteJSON(ctx, frame); err != nil {
			return fmt.Errorf("%s %s: %w", event, frame.Channel, err)
		}
	}
	return nil
}

func (s *marketStream) onFrame(_ int, data []byte) []connector.Event {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("undecodable frame")
		return nil
	}

	switch frame.Event {
	case "subscribe", "unsubscribe":
		if frame.Error != nil {
			s.log.Warn().Str("channel", frame.Channel).Int("code", frame.Error.Code).
				Str("message", frame.Error.Message).Msg("subscription rejected")
		}
		return nil
	case "update", "all":
	default:
		// Pong replies and other control frames carry no event.
		return nil
	}

	_, suffix, found := strings.Cut(frame.Channel, ".")
	if !found {
		return nil
	}
	switch suffix {
	case "book_ticker":
		return s.decodeBookTicker(frame.Result)
	case "order_book_update":
		return s.decodeBookUpdate(frame.Result)
	case "candlesticks":
		return s.decodeCandles(frame.Result)
	}
	return nil
}

// decodeBookTicker handles both markets: spot sizes arrive as strings,
// futures sizes as contract counts.
func (s *marketStream) decodeBookTicker(result json.RawMessage) []connector.Event {
	var row struct {
		T  int64       `json:"t"`
		U  int64       `json:"u"`
		S  string      `json:"s"`
		B  string      `json:"b"`
		BQ json.Number `json:"B"`
		A  string      `json:"a"`
		AQ json.Number `json:"A"`
	}
	if err := json.Unmarshal(result, &row); err != nil {
		s.log.Debug().Err(err).Msg("undecodable book ticker")
		return nil
	}
	canonical := s.canonicalFor(row.S)
	if canonical == "" {
		return nil
	}
	bidQty, _ := row.BQ.Float64()
	askQty, _ := row.AQ.Float64()
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:       canonical,
		BidPrice:     parseFloat(row.B),
		BidQty:       bidQty,
		AskPrice:     parseFloat(row.A),
		AskQty:       askQty,
		LastUpdateID: row.U,
		UTC:          row.T / 1000,
	}}}
}

func (s *marketStream) decodeBookUpdate(result json.RawMessage) []connector.Event {
	if s.kind == connector.KindPerpetual {
		var row struct {
			T int64          `json:"t"`
			S string         `json:"s"`
			U int64          `json:"u"`
			B []futuresLevel `json:"b"`
			A []futuresLevel `json:"a"`
		}
		if err := json.Unmarshal(result, &row); err != nil {
			s.log.Debug().Err(err).Msg("undecodable book update")
			return nil
		}
		return s.applyBookDeltas(row.S, row.U, row.T/1000, objectDeltas(row.B), objectDeltas(row.A))
	}

	var row struct {
		T int64      `json:"t"`
		S string     `json:"s"`
		U int64      `json:"u"`
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}
	if err := json.Unmarshal(result, &row); err != nil {
		s.log.Debug().Err(err).Msg("undecodable book update")
		return nil
	}
	return s.applyBookDeltas(row.S, row.U, row.T/1000, stringDeltas(row.B), stringDeltas(row.A))
}

func stringDeltas(rows [][]string) []bookDelta {
	out := make([]bookDelta, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, bookDelta{price: row[0], size: parseFloat(row[1])})
	}
	return out
}

func objectDeltas(rows []futuresLevel) []bookDelta {
	out := make([]bookDelta, 0, len(rows))
	for _, row := range rows {
		out = append(out, bookDelta{price: row.P, size: row.S})
	}
	return out
}

func (s *marketStream) applyBookDeltas(native string, updateID, utc int64, bids, asks []bookDelta) []connector.Event {
	s.mu.Lock()
	canonical := s.names[native]
	book := s.books[native]
	if canonical == "" || book == nil {
		s.mu.Unlock()
		return nil
	}
	book.apply(book.bids, bids)
	book.apply(book.asks, asks)
	book.lastID = updateID
	book.utc = utc
	depth := book.snapshot(canonical, native, s.depth)
	s.mu.Unlock()

	if depth.Empty() {
		return nil
	}
	return []connector.Event{{Depth: depth}}
}

// decodeCandles reads futures pushes, whose n field spells
// "1m_BTC_USDT". Quote volume is not on the push.
func (s *marketStream) decodeCandles(result json.RawMessage) []connector.Event {
	var rows []struct {
		T int64  `json:"t"`
		V int64  `json:"v"`
		C string `json:"c"`
		H string `json:"h"`
		L string `json:"l"`
		O string `json:"o"`
		N string `json:"n"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		s.log.Debug().Err(err).Msg("undecodable candles")
		return nil
	}
	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		_, native, found := strings.Cut(row.N, "_")
		if !found {
			continue
		}
		canonical := s.canonicalFor(native)
		if canonical == "" {
			continue
		}
		events = append(events, connector.Event{Kline: &connector.CandleStick{
			Symbol:      canonical,
			UTCOpenTime: row.T,
			Open:        parseFloat(row.O),
			High:        parseFloat(row.H),
			Low:         parseFloat(row.L),
			Close:       parseFloat(row.C),
			CoinVolume:  float64(row.V), // contracts
		}})
	}
	return events
}

func (s *marketStream) canonicalFor(native string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[native]
}
