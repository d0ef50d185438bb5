package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/projection"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// FactHub streams committed facts to websocket clients. A client may filter
// by ?asset= and backfill with ?after=<sequence> from the in-memory history.
type FactHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan []ingestion.PublishableFact
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	history    *projection.FactHistory
	metrics    *observability.Metrics
	logger     zerolog.Logger
	mu         sync.RWMutex
}

type wsClient struct {
	conn  *websocket.Conn
	asset string
	send  chan []byte
}

// wsMessage is the JSON frame sent to clients.
type wsMessage struct {
	Type     string                     `json:"type"` // "fact" or "backfill_incomplete"
	Fact     *ingestion.PublishableFact `json:"fact,omitempty"`
	Asset    string                     `json:"asset,omitempty"`
	AfterSeq int64                      `json:"after_sequence,omitempty"`
}

func NewFactHub(history *projection.FactHistory, metrics *observability.Metrics) *FactHub {
	return &FactHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []ingestion.PublishableFact, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		history:    history,
		metrics:    metrics,
		logger:     observability.NewLogger("fact-hub"),
	}
}

// Run is the hub's event loop; it returns after Stop.
func (h *FactHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(total)
			h.logger.Info().Int("total", total).Str("asset", c.asset).Msg("ws client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(total)

		case facts := <-h.broadcast:
			h.mu.Lock()
			for _, f := range facts {
				data, err := encodeFact(f)
				if err != nil {
					continue
				}
				for c := range h.clients {
					if c.asset != "" && c.asset != f.Asset {
						continue
					}
					select {
					case c.send <- data:
					default:
						// slow consumer
						delete(h.clients, c)
						close(c.send)
					}
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.setClientGauge(total)
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *FactHub) Stop() {
	close(h.done)
}

// Broadcast queues facts for delivery. It never blocks; when the hub is
// behind, the facts are dropped and false is returned.
func (h *FactHub) Broadcast(facts []ingestion.PublishableFact) bool {
	select {
	case h.broadcast <- facts:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *FactHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/stream.
func (h *FactHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	asset := r.URL.Query().Get("asset")
	after := int64(-1)
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "after must be an integer sequence", http.StatusBadRequest)
			return
		}
		after = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &wsClient{conn: conn, asset: asset, send: make(chan []byte, wsSendBuffer)}
	if after >= 0 {
		h.backfill(c, after)
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// backfill queues history newer than after before the client goes live.
// Facts committed between the backfill and registration may be missed; the
// client can detect the gap by sequence and read it from /facts.
func (h *FactHub) backfill(c *wsClient, after int64) {
	if h.history == nil || c.asset == "" {
		return
	}
	facts, complete := h.history.Since(c.asset, after)
	if !complete {
		if data, err := json.Marshal(wsMessage{Type: "backfill_incomplete", Asset: c.asset, AfterSeq: after}); err == nil {
			c.send <- data
		}
	}
	for i := range facts {
		if len(c.send) == cap(c.send) {
			return
		}
		if data, err := encodeFact(facts[i]); err == nil {
			c.send <- data
		}
	}
}

func (h *FactHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of c.conn.
func (h *FactHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *FactHub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

func encodeFact(f ingestion.PublishableFact) ([]byte, error) {
	return json.Marshal(wsMessage{Type: "fact", Fact: &f})
}
