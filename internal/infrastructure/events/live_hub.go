package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveConfig configures the live bid feed
type LiveConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int
	// CheckOrigin vets the Origin header of upgrade requests; nil accepts any
	CheckOrigin func(r *http.Request) bool
}

func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
		SendBufferSize: 64,
	}
}

type liveSubscriber struct {
	id        uuid.UUID
	auctionID uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
}

// LiveHub streams envelopes to WebSocket clients watching a single auction.
// It is a Sink so the dispatcher fans committed events out to it like any
// other consumer. A subscriber whose buffer is full is disconnected.
type LiveHub struct {
	cfg      LiveConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*liveSubscriber]struct{}
	closed bool
}

var _ Sink = (*LiveHub)(nil)

func NewLiveHub(cfg LiveConfig, logger *zap.Logger) *LiveHub {
	defaults := DefaultLiveConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveHub{
		cfg:    cfg,
		logger: logger.Named("live"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		subs: make(map[uuid.UUID]map[*liveSubscriber]struct{}),
	}
}

func (h *LiveHub) Name() string {
	return "live-hub"
}

// Serve upgrades the request and subscribes the connection to auctionID.
// The upgrader writes the HTTP error response on failure.
func (h *LiveHub) Serve(w http.ResponseWriter, r *http.Request, auctionID uuid.UUID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &liveSubscriber{
		id:        uuid.New(),
		auctionID: auctionID,
		conn:      conn,
		send:      make(chan []byte, h.cfg.SendBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.cfg.WriteTimeout))
		_ = conn.Close()
		return nil
	}
	set, ok := h.subs[auctionID]
	if !ok {
		set = make(map[*liveSubscriber]struct{})
		h.subs[auctionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("live subscriber connected",
		zap.String("subscriber_id", sub.id.String()),
		zap.String("auction_id", auctionID.String()))

	go h.writePump(sub)
	go h.readPump(sub)
	return nil
}

// Deliver broadcasts env to the auction's subscribers without blocking.
func (h *LiveHub) Deliver(_ context.Context, env *Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}

	var slow []*liveSubscriber
	h.mu.RLock()
	for sub := range h.subs[env.AuctionID] {
		select {
		case sub.send <- payload:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("disconnecting slow live subscriber",
			zap.String("subscriber_id", sub.id.String()),
			zap.String("auction_id", sub.auctionID.String()))
		h.remove(sub)
	}
	return nil
}

// SubscriberCount returns the number of clients watching auctionID
func (h *LiveHub) SubscriberCount(auctionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auctionID])
}

// Close disconnects every subscriber and refuses new ones.
func (h *LiveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for auctionID, set := range h.subs {
		for sub := range set {
			close(sub.send)
		}
		delete(h.subs, auctionID)
	}
}

func (h *LiveHub) remove(sub *liveSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.auctionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.send)
	if len(set) == 0 {
		delete(h.subs, sub.auctionID)
	}
}

func (h *LiveHub) writePump(sub *liveSubscriber) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("live write failed",
					zap.String("subscriber_id", sub.id.String()),
					zap.Error(err))
				h.remove(sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data.
func (h *LiveHub) readPump(sub *liveSubscriber) {
	defer func() {
		h.remove(sub)
		_ = sub.conn.Close()
	}()

	sub.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("live read error",
					zap.String("subscriber_id", sub.id.String()),
					zap.Error(err))
			}
			return
		}
	}
}
