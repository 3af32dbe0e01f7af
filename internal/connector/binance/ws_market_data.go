package binance

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
	spotWSHost = "wss://stream.binance.com:9443"
	perpWSHost = "wss://fstream.binance.com"
)

// marketStream drives the combined-stream endpoint. Binance encodes
// subscriptions into the connection URL, so every subscription change
// reopens the socket with the merged stream list.
type marketStream struct {
	kind    connector.Kind
	log     zerolog.Logger
	host    string
	symbols *connector.SymbolMap
	deliver func(connector.Event)

	mu    sync.Mutex
	sess  *connector.WSSession
	names map[string]string // upper-cased native -> canonical
}

func newMarketStream(kind connector.Kind, opts connector.Options, symbols *connector.SymbolMap) *marketStream {
	host := opts.WSHost
	if host == "" {
		if kind == connector.KindPerpetual {
			host = perpWSHost
		} else {
			host = spotWSHost
		}
	}
	return &marketStream{
		kind:    kind,
		log:     opts.Log().With().Str("exchange", string(connector.Binance)).Str("kind", string(kind)).Logger(),
		host:    host,
		symbols: symbols,
	}
}

func (s *marketStream) open(symbols []string, depth int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	names := make(map[string]string, len(symbols))
	streams := make([]string, 0, len(symbols)*3)
	for _, symbol := range symbols {
		native, ok, err := s.symbols.Native(ctx, symbol)
		if err != nil {
			return err
		}
		if !ok {
			s.log.Warn().Str("symbol", symbol).Msg("skipping unknown symbol")
			continue
		}
		canonical, _, _ := s.symbols.Canonical(ctx, native)
		names[strings.ToUpper(native)] = canonical

		lower := strings.ToLower(native)
		streams = append(streams, lower+"@bookTicker", lower+"@kline_1m")
		if depth > 0 {
			streams = append(streams, fmt.Sprintf("%s@depth%d@100ms", lower, partialLevels(depth)))
		}
	}
	if len(streams) == 0 {
		return connector.ErrNoSymbols
	}

	wsURL := fmt.Sprintf("%s/stream?streams=%s", s.host, strings.Join(streams, "/"))
	sess, err := connector.DialSession(ctx, wsURL, nil, connector.SessionConfig{
		Logger:   s.log,
		Exchange: string(connector.Binance),
		Kind:     string(s.kind),
		OnFrame:  s.onFrame,
		Deliver:  s.deliver,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sess = sess
	s.names = names
	s.mu.Unlock()
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

// partialLevels picks the closest partial book stream Binance offers.
func partialLevels(depth int) int {
	switch {
	case depth <= 5:
		return 5
	case depth <= 10:
		return 10
	default:
		return 20
	}
}

func (s *marketStream) canonicalFor(native string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[strings.ToUpper(native)]
}

func (s *marketStream) onFrame(messageType int, data []byte) []connector.Event {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Stream == "" {
		return nil
	}
	at := strings.Index(wrapper.Stream, "@")
	if at <= 0 {
		return nil
	}
	native := wrapper.Stream[:at]
	canonical := s.canonicalFor(native)
	if canonical == "" {
		return nil
	}
	suffix := wrapper.Stream[at:]

	switch {
	case suffix == "@bookTicker":
		return s.decodeBookTicker(canonical, wrapper.Data)
	case strings.HasPrefix(suffix, "@depth"):
		return s.decodeDepth(canonical, strings.ToUpper(native), wrapper.Data)
	case strings.HasPrefix(suffix, "@kline"):
		return s.decodeKline(canonical, wrapper.Data)
	}
	return nil
}

func (s *marketStream) decodeBookTicker(canonical string, data json.RawMessage) []connector.Event {
	var payload struct {
		UpdateID  int64  `json:"u"`
		BidPrice  string `json:"b"`
		BidQty    string `json:"B"`
		AskPrice  string `json:"a"`
		AskQty    string `json:"A"`
		EventTime int64  `json:"E"`
		TradeTime int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	utc := payload.EventTime / 1000
	if utc == 0 {
		utc = payload.TradeTime / 1000
	}
	if utc == 0 {
		utc = time.Now().UTC().Unix()
	}
	return []connector.Event{{Book: &connector.BookTicker{
		Symbol:       canonical,
		BidPrice:     parseFloat(payload.BidPrice),
		BidQty:       parseFloat(payload.BidQty),
		AskPrice:     parseFloat(payload.AskPrice),
		AskQty:       parseFloat(payload.AskQty),
		LastUpdateID: payload.UpdateID,
		UTC:          utc,
	}}}
}

// decodeDepth handles both partial book shapes: spot sends
// bids/asks/lastUpdateId, futures sends b/a with event metadata.
func (s *marketStream) decodeDepth(canonical, native string, data json.RawMessage) []connector.Event {
	var payload struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		FinalID      int64      `json:"u"`
		EventTime    int64      `json:"E"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
		B            [][]string `json:"b"`
		A            [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	bids := payload.Bids
	if len(bids) == 0 {
		bids = payload.B
	}
	asks := payload.Asks
	if len(asks) == 0 {
		asks = payload.A
	}
	updateID := payload.LastUpdateID
	if updateID == 0 {
		updateID = payload.FinalID
	}
	utc := payload.EventTime / 1000
	if utc == 0 {
		utc = time.Now().UTC().Unix()
	}
	depth := &connector.BookDepth{
		Symbol:         canonical,
		ExchangeSymbol: native,
		Bids:           parseLevels(bids),
		Asks:           parseLevels(asks),
		LastUpdateID:   updateID,
		UTC:            utc,
	}
	depth.Sort()
	return []connector.Event{{Depth: depth}}
}

func (s *marketStream) decodeKline(canonical string, data json.RawMessage) []connector.Event {
	var payload struct {
		Kline struct {
			OpenTime    int64  `json:"t"`
			Open        string `json:"o"`
			High        string `json:"h"`
			Low         string `json:"l"`
			Close       string `json:"c"`
			BaseVolume  string `json:"v"`
			QuoteVolume string `json:"q"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Kline.OpenTime == 0 {
		return nil
	}
	candle := &connector.CandleStick{
		Symbol:      canonical,
		UTCOpenTime: payload.Kline.OpenTime / 1000,
		Open:        parseFloat(payload.Kline.Open),
		High:        parseFloat(payload.Kline.High),
		Low:         parseFloat(payload.Kline.Low),
		Close:       parseFloat(payload.Kline.Close),
		CoinVolume:  parseFloat(payload.Kline.BaseVolume),
	}
	if _, quote, ok := connector.SplitSymbol(canonical); ok && connector.IsUSDProxy(quote) {
		candle.USDVolume = parseFloat(payload.Kline.QuoteVolume)
	}
	return []connector.Event{{Kline: candle}}
}
