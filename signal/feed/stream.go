// Package feed maintains a live WebSocket connection to the exchange's
// market-data stream and republishes MarketSnapshot values to subscribers,
// reconnecting on drop.
package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oakridge-systems/signalpipeline/types"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// wireTick is the exchange's wire shape for a market-data push.
type wireTick struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	RSI       string `json:"rsi,omitempty"`
	EMA10     string `json:"ema10,omitempty"`
	MA50      string `json:"ma50,omitempty"`
	MA200     string `json:"ma200,omitempty"`
	MA10w     string `json:"ma10w,omitempty"`
	Volume    string `json:"volume,omitempty"`
	AvgVolume string `json:"avg_volume,omitempty"`
	ATR       string `json:"atr,omitempty"`
}

// Stream manages the WebSocket connection and distributes MarketSnapshot
// values to subscribers.
type Stream struct {
	mu sync.RWMutex

	url     string
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	subscribers []chan types.MarketSnapshot
	latest      map[string]types.MarketSnapshot
}

// NewStream constructs a Stream targeting the given exchange WebSocket URL.
func NewStream(url string) *Stream {
	return &Stream{
		url:    url,
		stopCh: make(chan struct{}),
		latest: make(map[string]types.MarketSnapshot),
	}
}

// Start connects and begins processing in a background goroutine.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectionLoop()
	log.Info().Str("url", s.url).Msg("market data stream started")
}

// Stop closes the connection and ends the reconnect loop.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
}

// Subscribe returns a channel that receives every snapshot as it arrives.
// The channel is buffered; slow consumers drop ticks rather than block the
// read loop.
func (s *Stream) Subscribe() <-chan types.MarketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan types.MarketSnapshot, 1000)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Latest returns the most recently observed snapshot for symbol, if any.
func (s *Stream) Latest(symbol string) (types.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[symbol]
	return snap, ok
}

func (s *Stream) connectionLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("market data stream connect failed, retrying")
			time.Sleep(reconnectDelay)
			continue
		}

		s.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	log.Info().Msg("market data stream connected")
	go s.pingLoop()
	return nil
}

func (s *Stream) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (s *Stream) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("market data stream read error")
			return
		}
		s.processMessage(message)
	}
}

func (s *Stream) processMessage(data []byte) {
	var ticks []wireTick
	if err := json.Unmarshal(data, &ticks); err != nil {
		var single wireTick
		if err := json.Unmarshal(data, &single); err != nil {
			log.Debug().Err(err).Msg("market data stream: unparseable message discarded")
			return
		}
		ticks = []wireTick{single}
	}

	for _, t := range ticks {
		snap, ok := toSnapshot(t)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.latest[snap.Symbol] = snap
		subs := s.subscribers
		s.mu.Unlock()

		for _, ch := range subs {
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func toSnapshot(t wireTick) (types.MarketSnapshot, bool) {
	if t.Symbol == "" {
		return types.MarketSnapshot{}, false
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return types.MarketSnapshot{}, false
	}

	snap := types.MarketSnapshot{
		Symbol:    t.Symbol,
		Price:     price,
		Timestamp: time.Now(),
	}
	snap.RSI = optionalDecimal(t.RSI)
	snap.EMA10 = optionalDecimal(t.EMA10)
	snap.MA50 = optionalDecimal(t.MA50)
	snap.MA200 = optionalDecimal(t.MA200)
	snap.MA10w = optionalDecimal(t.MA10w)
	snap.Volume = optionalDecimal(t.Volume)
	snap.AvgVolume = optionalDecimal(t.AvgVolume)
	snap.ATR = optionalDecimal(t.ATR)
	return snap, true
}

func optionalDecimal(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
