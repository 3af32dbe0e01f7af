package htx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"arbitrage-md-ingest/internal/connector"
)

const (
	spotWSHost = "wss://api.huobi.pro/ws"
	perpWSHost = "wss://api.hbdm.com/linear-swap-ws"
)

// wsFrame is the decompressed envelope. The server drives keepalive by
// sending ping frames that expect a pong echo of the same timestamp.
type wsFrame struct {
	Ch       string          `json:"ch"`
	TS       int64           `json:"ts"`
	Tick     json.RawMessage `json:"tick"`
	Ping     int64           `json:"ping"`
	Subbed   string          `json:"subbed"`
	Unsubbed string          `json:"unsubbed"`
	Status   string          `json:"status"`
	ErrCode  string          `json:"err-code"`
	ErrMsg   string          `json:"err-msg"`
}

type wsRequest struct {
	Sub   string `json:"sub,omitempty"`
	Unsub string `json:"unsub,omitempty"`
	ID    string `json:"id"`
}

type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	wsHost  string
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // native -> canonical
	depth int
}

func newMarketStream(kind connector.Kind, opts connector.Options, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		host = spotWSHost
		if kind == connector.KindPerpetual {
			host = perpWSHost
		}
	}
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.HTX)).Str("kind", string(kind)).Logger(),
		wsHost:  host,
		symbols: symbols,
		names:   make(map[string]string),
	}
}

func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sess, err := connector.DialSession(ctx, s.wsHost, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.HTX),
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
	return s.sendTopics(natives, false)
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

	return s.sendTopics(natives, true)
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

// sendTopics subscribes or unsubscribes one topic per frame, which is
// the only batch size the server accepts.
func (s *marketStream) sendTopics(natives []string, unsub bool) error {
	if len(natives) == 0 {
		return nil
	}
	s.mu.Lock()
	sess := s.sess
	depth := s.depth
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("htx: stream not open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, native := range natives {
		topics := []string{
			fmt.Sprintf("market.%s.bbo", native),
			fmt.Sprintf("market.%s.kline.1min", native),
		}
		if depth > 0 {
			topics = append(topics, fmt.Sprintf("market.%s.depth.step0", native))
		}
		for _, topic := range topics {
			req := wsRequest{ID: fmt.Sprintf("req_%d", time.Now().UnixNano())}
			if unsub {
				req.Unsub = topic
			} else {
				req.Sub = topic
			}
			if err := sess.WriteJSON(ctx, req); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
		}
	}
	return nil
}

// gunzip inflates one frame. All market data arrives gzip-compressed
// in binary frames.
func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *marketStream) onFrame(messageType int, data []byte) []connector.Event {
	if messageType == websocket.BinaryMessage {
		plain, err := gunzip(data)
		if err != nil {
			s.log.Debug().Err(err).Msg("bad gzip frame")
			return nil
		}
		data = plain
	}

	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Debug().Err(err).Msg("unparseable frame")
		return nil
	}

	switch {
	case frame.Ping > 0:
		s.sendPong(frame.Ping)
		return nil
	case frame.Subbed != "" || frame.Unsubbed != "":
		if frame.Status != "" && frame.Status != "ok" {
			s.log.Warn().RawJSON("frame", data).Msg("subscription rejected")
		}
		return nil
	case frame.ErrCode != "":
		s.log.Warn().Str("code", frame.ErrCode).Str("msg", frame.ErrMsg).Msg("stream error frame")
		return nil
	case frame.Ch == "" || len(frame.Tick) == 0:
		return nil
	}

	// Channel format: market.{symbol}.{feed}[.suffix]
	parts := strings.Split(frame.Ch, ".")
	if len(parts) < 3 || parts[0] != "market" {
		return nil
	}
	canonical := s.canonicalFor(parts[1])
	if canonical == "" {
		return nil
	}

	switch parts[2] {
	case "bbo":
		return s.decodeBBO(canonical, frame)
	case "depth":
		return s.decodeDepth(canonical, parts[1], frame)
	case "kline":
		return s.decodeKline(canonical, frame)
	}
	return nil
}

func (s *marketStream) canonicalFor(native string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[native]
}

func (s *marketStream) sendPong(ping int64) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WriteJSON(ctx, map[string]int64{"pong": ping}); err != nil {
		s.log.Debug().Err(err).Msg("pong write failed")
	}
}

// decodeBBO reads best bid and offer pushes. Spot ticks carry named
// fields, swap ticks carry [price, size] pairs.
func (s *marketStream) decodeBBO(canonical string, frame wsFrame) []connector.Event {
	if s.kind == connector.KindPerpetual {
		var tick struct {
			Bid     []float64 `json:"bid"`
			Ask     []float64 `json:"ask"`
			TS      int64     `json:"ts"`
			Version int64     `json:"version"`
		}
		if err := json.Unmarshal(frame.Tick, &tick); err != nil {
			return nil
		}
		if len(tick.Bid) < 2 || len(tick.Ask) < 2 {
			return nil
		}
		return []connector.Event{{Book: &connector.BookTicker{
			Symbol:       canonical,
			BidPrice:     tick.Bid[0],
			BidQty:       tick.Bid[1],
			AskPrice:     tick.Ask[0],
			AskQty:       tick.Ask[1],
			LastUpdateID: tick.Version,
			UTC:          tick.TS / 1000,
		}}}
	}

	var tick struct {
		Bid       float64 `json:"bid"`
		BidSize   float64 `json:"bidSize"`
		Ask       float64 `json:"ask"`
		AskSize   float64 `json:"askSize"`
		QuoteTime int64   `json:"quoteTime"`
		SeqID     int64   `json:"seqId"`
	}
	if err := json.Unmarshal(frame.Tick, &tick); err != nil {
		return nil
	}
	if tick.Bid <= 0 || tick.Ask <= 0 {
		return nil
	}
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:       canonical,
		BidPrice:     tick.Bid,
		BidQty:       tick.BidSize,
		AskPrice:     tick.Ask,
		AskQty:       tick.AskSize,
		LastUpdateID: tick.SeqID,
		UTC:          tick.QuoteTime / 1000,
	}}}
}

// decodeDepth reads step0 pushes. Every push is a full snapshot, so no
// delta bookkeeping is needed; levels beyond the subscribed depth are
// dropped.
func (s *marketStream) decodeDepth(canonical, native string, frame wsFrame) []connector.Event {
	var tick struct {
		Bids    [][]flexFloat `json:"bids"`
		Asks    [][]flexFloat `json:"asks"`
		Version int64         `json:"version"`
		TS      int64         `json:"ts"`
	}
	if err := json.Unmarshal(frame.Tick, &tick); err != nil {
		return nil
	}

	s.mu.Lock()
	limit := s.depth
	s.mu.Unlock()

	depth := &connector.BookDepth{
		Symbol:         canonical,
		ExchangeSymbol: native,
		Bids:           parseLevels(tick.Bids, limit),
		Asks:           parseLevels(tick.Asks, limit),
		LastUpdateID:   tick.Version,
		UTC:            tick.TS / 1000,
	}
	if depth.UTC == 0 {
		depth.UTC = frame.TS / 1000
	}
	depth.Sort()
	if depth.Empty() {
		return nil
	}
	return []connector.Event{{Depth: depth}}
}

func (s *marketStream) decodeKline(canonical string, frame wsFrame) []connector.Event {
	var tick klineRow
	if err := json.Unmarshal(frame.Tick, &tick); err != nil {
		return nil
	}
	if tick.ID == 0 {
		return nil
	}
	candle := connector.CandleStick{
		Symbol:      canonical,
		UTCOpenTime: tick.ID,
		Open:        float64(tick.Open),
		High:        float64(tick.High),
		Low:         float64(tick.Low),
		Close:       float64(tick.Close),
		CoinVolume:  float64(tick.Amount),
	}
	_, quote, _ := connector.SplitSymbol(canonical)
	if connector.IsUSDProxy(quote) {
		if s.kind == connector.KindPerpetual {
			candle.USDVolume = float64(tick.TradeTurnover)
		} else {
			candle.USDVolume = float64(tick.Vol)
		}
	}
	return []connector.Event{{Kline: &candle}}
}
