package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tomasbasham/mxbridge/internal/frame"
	"github.com/tomasbasham/mxbridge/internal/pool"
)

const (
	// closeUnauthorized is sent when the upgrade carried a bad token;
	// closeInternal when a subscribe fails for reasons the client cannot
	// correct.
	closeUnauthorized = 4001
	closeInternal     = 1011

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBuffer = 16
)

// Outbound message types. Each carries a fixed Type field so consumers
// always know which fields are present.

type helloAckMsg struct {
	Type             string          `json:"type"` // always "hello_ack"
	ActiveViewID     string          `json:"activeViewId"`
	SubscribedViewID string          `json:"subscribedViewId,omitempty"`
	Pool             pool.PoolStatus `json:"pool"`
	Frame            *frameMsg       `json:"frame,omitempty"`
}

type subscribedMsg struct {
	Type   string `json:"type"` // always "subscribed"
	ViewID string `json:"viewId"`
}

type frameMsg struct {
	Type   string `json:"type"` // always "frame"
	ViewID string `json:"viewId"`
	ETag   string `json:"etag"`
	TS     int64  `json:"ts"`
	URL    string `json:"url"`
}

type errorMsg struct {
	Type        string   `json:"type"` // always "error"
	Error       string   `json:"error"`
	ViewID      string   `json:"viewId,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	ActiveViews []string `json:"activeViews,omitempty"`
	Requested   string   `json:"requested,omitempty"`
}

// inboundMsg covers every client message; unused fields stay empty.
type inboundMsg struct {
	Type   string `json:"type"`
	ViewID string `json:"viewId"`
}

func newFrameMsg(f frame.Frame, viewID string) *frameMsg {
	return &frameMsg{
		Type:   "frame",
		ViewID: viewID,
		ETag:   f.ETag,
		TS:     f.TS,
		URL:    "/frame/" + url.PathEscape(viewID) + ".png",
	}
}

// client is one WebSocket connection. Each client subscribes to at most
// one view at a time.
type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// trySend queues a message without blocking; a slow client loses frames
// rather than stalling the publisher, and a departed one drops them.
func (c *client) trySend(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeWith sends a close frame with the given code and shuts the
// connection. Safe alongside the write pump; control frames have their own
// write path.
func (c *client) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

// shutdown closes the send channel exactly once.
func (c *client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// hub is the subscription registry: view id to subscriber set, plus the
// inverse mapping from client to its single subscribed view.
type hub struct {
	mu     sync.Mutex
	byView map[string]map[*client]struct{}
	views  map[*client]string
}

func newHub() *hub {
	return &hub{
		byView: make(map[string]map[*client]struct{}),
		views:  make(map[*client]string),
	}
}

// attach records a client's subscription, returning the view it was
// previously subscribed to, if any.
func (h *hub) attach(c *client, viewID string) (prev string, had bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, had = h.views[c]
	if had {
		h.detachLocked(c, prev)
	}

	set, ok := h.byView[viewID]
	if !ok {
		set = make(map[*client]struct{})
		h.byView[viewID] = set
	}
	set[c] = struct{}{}
	h.views[c] = viewID
	return prev, had
}

// detach removes a client's subscription, returning the view it held.
func (h *hub) detach(c *client) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	viewID, ok := h.views[c]
	if !ok {
		return "", false
	}
	h.detachLocked(c, viewID)
	return viewID, true
}

func (h *hub) detachLocked(c *client, viewID string) {
	delete(h.views, c)
	if set, ok := h.byView[viewID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byView, viewID)
		}
	}
}

func (h *hub) subscription(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.views[c]
}

// subscribers snapshots the subscriber set for a view so fan-out never
// holds the registry lock across sends.
func (h *hub) subscribers(viewID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byView[viewID]
	out := make([]*client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// serveWS upgrades the connection and runs the control protocol. An
// unauthorized client still gets a completed handshake so the 4001 close
// code reaches it.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if !s.authorized(r) {
		msg := websocket.FormatCloseMessage(closeUnauthorized, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	s.logger.Info("websocket client connected", zap.String("client", c.id))

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(c *client) {
	defer s.disconnect(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "hello":
			s.handleHello(c)
		case "subscribe", "setView":
			s.handleSubscribe(c, msg.ViewID)
		default:
			c.trySend(errorMsg{Type: "error", Error: "unknown_message"})
		}
	}
}

func (s *Server) disconnect(c *client) {
	if viewID, ok := s.hub.detach(c); ok {
		if p := s.renderer(); p != nil {
			p.Unsubscribe(viewID)
		}
	}
	c.shutdown()
	c.conn.Close()
	s.logger.Info("websocket client disconnected", zap.String("client", c.id))
}

func (s *Server) handleHello(c *client) {
	ack := helloAckMsg{
		Type:         "hello_ack",
		ActiveViewID: s.cfg.DefaultViewID(),
	}

	p := s.renderer()
	if p != nil {
		ack.Pool = p.StatusSnapshot()
	}

	viewID := s.hub.subscription(c)
	ack.SubscribedViewID = viewID
	if viewID == "" {
		viewID = ack.ActiveViewID
	}
	if p != nil && viewID != "" {
		if f, ok := p.GetFrame(viewID); ok {
			ack.Frame = newFrameMsg(f, viewID)
		}
	}

	c.trySend(ack)
}

func (s *Server) handleSubscribe(c *client, viewID string) {
	view, ok := s.cfg.ViewByID(viewID)
	if !ok || !view.Enabled {
		c.trySend(errorMsg{Type: "error", Error: "unknown_view", ViewID: viewID})
		return
	}

	p := s.renderer()
	if p == nil {
		c.trySend(errorMsg{Type: "error", Error: "renderer_not_ready", ViewID: viewID})
		return
	}

	// Release any prior subscription before admission so switching views
	// does not count the client twice.
	if prev, ok := s.hub.detach(c); ok {
		p.Unsubscribe(prev)
	}

	p.Reserve(viewID)
	if err := p.Subscribe(viewID); err != nil {
		msg, internal := subscribeError(err, viewID)
		if internal {
			s.logger.Error("subscribe failed", zap.String("client", c.id), zap.String("view", viewID), zap.Error(err))
			c.closeWith(closeInternal, "internal_error")
			return
		}
		c.trySend(msg)
		return
	}

	s.hub.attach(c, viewID)
	c.trySend(subscribedMsg{Type: "subscribed", ViewID: viewID})
}

// subscribeError maps a pool error to the wire message; internal reports
// failures that should close the connection instead.
func subscribeError(err error, viewID string) (msg errorMsg, internal bool) {
	var limitErr *pool.TooManyActiveViewsError
	if errors.As(err, &limitErr) {
		return errorMsg{
			Type:        "error",
			Error:       "too_many_active_views",
			ViewID:      viewID,
			Limit:       limitErr.Limit,
			ActiveViews: limitErr.ActiveViews,
			Requested:   limitErr.Requested,
		}, false
	}
	var unknownErr *pool.UnknownViewError
	if errors.As(err, &unknownErr) {
		return errorMsg{Type: "error", Error: "unknown_view", ViewID: viewID}, false
	}
	return errorMsg{}, true
}
