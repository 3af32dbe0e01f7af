package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

const (
	publicWSHost = "wss://ws.okx.com:8443/ws/v5/public"

	// OKX closes connections idle for 30 seconds; a text "ping" keeps
	// them open.
	pingInterval = 25 * time.Second

	channelBBO    = "bbo-tbt"
	channelBooks5 = "books5"
	channelCandle = "candle1m"
)

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsOperation struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	host    string
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // instId -> canonical
	depth int
}

func newMarketStream(kind connector.Kind, opts connector.Options, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		host = publicWSHost
	}
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.OKX)).Str("kind", string(kind)).Logger(),
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
		Exchange: string(connector.OKX),
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
	s.depth = depth
	s.mu.Unlock()

	sess.StartPinger(pingInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sess.WriteText(ctx, "ping")
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
	return s.sendOp("subscribe", s.argsFor(natives))
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
	args := s.argsFor(natives)

	s.mu.Lock()
	for _, native := range natives {
		delete(s.names, native)
	}
	s.mu.Unlock()

	return s.sendOp("unsubscribe", args)
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

func (s *marketStream) argsFor(natives []string) []wsArg {
	s.mu.Lock()
	depth := s.depth
	s.mu.Unlock()

	args := make([]wsArg, 0, len(natives)*3)
	for _, native := range natives {
		args = append(args,
			wsArg{Channel: channelBBO, InstID: native},
			wsArg{Channel: channelCandle, InstID: native},
		)
		if depth > 0 {
			args = append(args, wsArg{Channel: channelBooks5, InstID: native})
		}
	}
	return args
}

func (s *marketStream) sendOp(op string, args []wsArg) error {
	if len(args) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("okx: stream not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return sess.WriteJSON(ctx, wsOperation{Op: op, Args: args})
}

func (s *marketStream) onFrame(_ int, data []byte) []connector.Event {
	if string(data) == "pong" {
		return nil
	}

	var frame struct {
		Event string          `json:"event"`
		Code  string          `json:"code"`
		Msg   string          `json:"msg"`
		Arg   wsArg           `json:"arg"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("unparseable frame")
		return nil
	}

	if frame.Event != "" {
		if frame.Event == "error" {
			s.log.Warn().Str("code", frame.Code).Str("msg", frame.Msg).Msg("stream error event")
		}
		return nil
	}
	if len(frame.Data) == 0 {
		return nil
	}

	canonical := s.canonicalFor(frame.Arg.InstID)
	if canonical == "" {
		return nil
	}

	switch frame.Arg.Channel {
	case channelBBO:
		return s.decodeBBO(canonical, frame.Arg.InstID, frame.Data)
	case channelBooks5:
		return s.decodeBooks(canonical, frame.Arg.InstID, frame.Data)
	case channelCandle:
		return s.decodeCandle(canonical, frame.Data)
	}
	return nil
}

func (s *marketStream) canonicalFor(instID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[instID]
}

// decodeBBO reads tick-by-tick best bid and offer pushes.
func (s *marketStream) decodeBBO(canonical, instID string, data json.RawMessage) []connector.Event {
	var rows []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		TS   string     `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil
	}
	row := rows[len(rows)-1]
	if len(row.Bids) == 0 || len(row.Asks) == 0 || len(row.Bids[0]) < 2 || len(row.Asks[0]) < 2 {
		return nil
	}
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:   canonical,
		BidPrice: parseFloat(row.Bids[0][0]),
		BidQty:   parseFloat(row.Bids[0][1]),
		AskPrice: parseFloat(row.Asks[0][0]),
		AskQty:   parseFloat(row.Asks[0][1]),
		UTC:      parseMillis(row.TS),
	}}}
}

// decodeBooks reads books5 pushes. Every push is a full five level
// snapshot, no delta bookkeeping required.
func (s *marketStream) decodeBooks(canonical, instID string, data json.RawMessage) []connector.Event {
	var rows []struct {
		Asks  [][]string `json:"asks"`
		Bids  [][]string `json:"bids"`
		TS    string     `json:"ts"`
		SeqID int64      `json:"seqId"`
	}
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		return nil
	}

	events := make([]connector.Event, 0, len(rows))
	for _, row := range rows {
		depth := &connector.BookDepth{
			Symbol:         canonical,
			ExchangeSymbol: instID,
			Bids:           parseLevels(row.Bids),
			Asks:           parseLevels(row.Asks),
			LastUpdateID:   row.SeqID,
			UTC:            parseMillis(row.TS),
		}
		depth.Sort()
		if depth.Empty() {
			continue
		}
		events = append(events, connector.Event{Depth: depth})
	}
	return events
}

func (s *marketStream) decodeCandle(canonical string, data json.RawMessage) []connector.Event {
	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil
	}
	candles := decodeCandles(canonical, rows)
	events := make([]connector.Event, 0, len(candles))
	for i := range candles {
		events = append(events, connector.Event{Kline: &candles[i]})
	}
	return events
}
