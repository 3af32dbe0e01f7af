package bybit

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
	spotWSHost    = "wss://stream.bybit.com/v5/public/spot"
	perpWSHost    = "wss://stream.bybit.com/v5/public/linear"
	spotWSTestnet = "wss://stream-testnet.bybit.com/v5/public/spot"
	perpWSTestnet = "wss://stream-testnet.bybit.com/v5/public/linear"

	pingInterval = 20 * time.Second

	// Topic args allowed per subscribe frame.
	maxTopicsPerOp = 10

	// Partial book level streamed for depth subscriptions. Bybit offers
	// 1, 50, 200 and (linear only) 500.
	depthLevel = 50
)

type wsOperation struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// bookState mirrors one orderbook topic. Deltas carry only changed
// price levels; qty zero removes the level.
type bookState struct {
	bids map[string]float64
	asks map[string]float64
}

func newBookState() *bookState {
	return &bookState{bids: make(map[string]float64), asks: make(map[string]float64)}
}

func (b *bookState) reset() {
	b.bids = make(map[string]float64)
	b.asks = make(map[string]float64)
}

func (b *bookState) apply(side map[string]float64, rows [][]string) {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		qty, _ := strconv.ParseFloat(row[1], 64)
		if qty <= 0 {
			delete(side, row[0])
			continue
		}
		side[row[0]] = qty
	}
}

// levels materializes one side sorted best first, trimmed to limit.
func (b *bookState) levels(side map[string]float64, limit int, desc bool) []connector.BidAsk {
	out := make([]connector.BidAsk, 0, len(side))
	for price, qty := range side {
		out = append(out, connector.BidAsk{Price: parseFloat(price), Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *bookState) best() (bid, ask connector.BidAsk, ok bool) {
	for price, qty := range b.bids {
		p := parseFloat(price)
		if p > bid.Price {
			bid = connector.BidAsk{Price: p, Quantity: qty}
		}
	}
	for price, qty := range b.asks {
		p := parseFloat(price)
		if ask.Price == 0 || p < ask.Price {
			ask = connector.BidAsk{Price: p, Quantity: qty}
		}
	}
	return bid, ask, bid.Price > 0 && ask.Price > 0
}

type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	host    string
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // native -> canonical
	books map[string]*bookState
	depth int
}

func newMarketStream(kind connector.Kind, opts connector.Options, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		switch {
		case kind == connector.KindPerpetual && opts.Testing:
			host = perpWSTestnet
		case kind == connector.KindPerpetual:
			host = perpWSHost
		case opts.Testing:
			host = spotWSTestnet
		default:
			host = spotWSHost
		}
	}
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.Bybit)).Str("kind", string(kind)).Logger(),
		host:    host,
		symbols: symbols,
		names:   make(map[string]string),
		books:   make(map[string]*bookState),
	}
}

func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := connector.DialSession(ctx, s.host, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.Bybit),
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
	s.books = make(map[string]*bookState)
	s.depth = depth
	s.mu.Unlock()

	sess.StartPinger(pingInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sess.WriteJSON(ctx, wsOperation{Op: "ping"})
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
	s.books = make(map[string]*bookState)
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
	return s.sendOp("subscribe", s.topicsFor(natives))
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
	topics := s.topicsFor(natives)

	s.mu.Lock()
	for _, native := range natives {
		delete(s.names, native)
	}
	for _, topic := range topics {
		delete(s.books, topic)
	}
	s.mu.Unlock()

	return s.sendOp("unsubscribe", topics)
}

// register resolves canonical symbols to natives and records the
// reverse mapping used when decoding frames.
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

func (s *marketStream) topicsFor(natives []string) []string {
	s.mu.Lock()
	depth := s.depth
	s.mu.Unlock()

	topics := make([]string, 0, len(natives)*3)
	for _, native := range natives {
		topics = append(topics,
			fmt.Sprintf("orderbook.1.%s", native),
			fmt.Sprintf("kline.1.%s", native),
		)
		if depth > 0 {
			topics = append(topics, fmt.Sprintf("orderbook.%d.%s", depthLevel, native))
		}
	}
	return topics
}

func (s *marketStream) sendOp(op string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("bybit: stream not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for start := 0; start < len(topics); start += maxTopicsPerOp {
		end := start + maxTopicsPerOp
		if end > len(topics) {
			end = len(topics)
		}
		if err := sess.WriteJSON(ctx, wsOperation{Op: op, Args: topics[start:end]}); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (s *marketStream) onFrame(_ int, data []byte) []connector.Event {
	var frame struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		TS      int64           `json:"ts"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("unparseable frame")
		return nil
	}

	if frame.Success != nil {
		if !*frame.Success {
			s.log.Warn().Str("op", frame.Op).Str("ret_msg", frame.RetMsg).Msg("operation rejected")
		}
		return nil
	}
	if frame.Topic == "" {
		return nil
	}

	parts := strings.Split(frame.Topic, ".")
	switch {
	case parts[0] == "orderbook" && len(parts) == 3:
		return s.handleBook(parts[1], parts[2], frame.Topic, frame.Type, frame.TS, frame.Data)
	case parts[0] == "kline" && len(parts) == 3:
		return s.handleKline(parts[2], frame.Data)
	}
	return nil
}

func (s *marketStream) handleBook(level, native, topic, msgType string, ts int64, data json.RawMessage) []connector.Event {
	var payload struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Update int64      `json:"u"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Debug().Err(err).Str("topic", topic).Msg("bad orderbook payload")
		return nil
	}

	s.mu.Lock()
	canonical, known := s.names[native]
	if !known {
		s.mu.Unlock()
		return nil
	}
	book, ok := s.books[topic]
	if !ok {
		book = newBookState()
		s.books[topic] = book
	}
	if msgType == "snapshot" {
		book.reset()
	}
	book.apply(book.bids, payload.Bids)
	book.apply(book.asks, payload.Asks)

	if level == "1" {
		bid, ask, ok := book.best()
		s.mu.Unlock()
		if !ok {
			return nil
		}
		return []connector.Event{{Book: &connector.BookTicker{
			Symbol:       canonical,
			BidPrice:     bid.Price,
			BidQty:       bid.Quantity,
			AskPrice:     ask.Price,
			AskQty:       ask.Quantity,
			LastUpdateID: payload.Update,
			UTC:          ts / 1000,
		}}}
	}

	depth := &connector.BookDepth{
		Symbol:         canonical,
		ExchangeSymbol: native,
		Bids:           book.levels(book.bids, s.depth, true),
		Asks:           book.levels(book.asks, s.depth, false),
		LastUpdateID:   payload.Update,
		UTC:            ts / 1000,
	}
	s.mu.Unlock()
	if depth.Empty() {
		return nil
	}
	return []connector.Event{{Depth: depth}}
}

func (s *marketStream) handleKline(native string, data json.RawMessage) []connector.Event {
	var rows []struct {
		Start    int64  `json:"start"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Turnover string `json:"turnover"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		s.log.Debug().Err(err).Msg("bad kline payload")
		return nil
	}

	s.mu.Lock()
	canonical, known := s.names[native]
	s.mu.Unlock()
	if !known {
		return nil
	}
	_, quote, _ := connector.SplitSymbol(canonical)
	usdQuote := connector.IsUSDProxy(quote)

	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		candle := &connector.CandleStick{
			Symbol:      canonical,
			UTCOpenTime: row.Start / 1000,
			Open:        parseFloat(row.Open),
			High:        parseFloat(row.High),
			Low:         parseFloat(row.Low),
			Close:       parseFloat(row.Close),
			CoinVolume:  parseFloat(row.Volume),
		}
		if usdQuote {
			candle.USDVolume = parseFloat(row.Turnover)
		}
		events = append(events, connector.Event{Kline: candle})
	}
	return events
}
