package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"swarmd/internal/bus"
	"swarmd/internal/logging"
)

// statusPollInterval drives the compatibility "subscribe" stream.
const statusPollInterval = 500 * time.Millisecond

// wsRequest is what clients send after connecting.
type wsRequest struct {
	Type    string `json:"type"` // subscribe, stream_thoughts, stream_events
	TraceID string `json:"traceId"`
}

// wsConn serializes writes and tracks every subscription opened on one
// connection so disconnect releases them all.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	cancels []func()
	done    chan struct{}
	closed  bool
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) addCancel(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn()
		return
	}
	c.cancels = append(c.cancels, fn)
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range cancels {
		fn()
	}
	_ = c.conn.Close()
}

// handleWebSocket upgrades the connection and serves subscription
// requests until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.Get(logging.CategoryWS)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn, done: make(chan struct{})}
	defer c.close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if req.TraceID == "" {
			_ = c.writeJSON(map[string]string{"type": "error", "error": "traceId required"})
			continue
		}

		switch req.Type {
		case "subscribe":
			go s.pollStatus(c, req.TraceID)
		case "stream_thoughts":
			sub := s.bus.SubscribeThoughts(req.TraceID)
			c.addCancel(sub.Cancel)
			go s.relayThoughts(c, sub)
		case "stream_events":
			sub := s.bus.SubscribeEvents(req.TraceID)
			c.addCancel(sub.Cancel)
			go s.relayEvents(c, sub)
		default:
			_ = c.writeJSON(map[string]string{"type": "error", "error": "unknown message type: " + req.Type})
		}
	}
}

// pollStatus is the compatibility shim: push a SwarmStatus snapshot every
// 500 ms until the swarm terminates or the client leaves.
func (s *Server) pollStatus(c *wsConn, traceID string) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		st, ok := s.engine.Status(traceID)
		if !ok {
			if tr, found := s.store.Get(traceID); found {
				st = degenerateStatus(tr)
				ok = true
			}
		}
		if ok {
			if err := c.writeJSON(map[string]any{"type": "swarm_update", "data": st}); err != nil {
				return
			}
			if st.Status.Terminal() {
				return
			}
		}

		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) relayThoughts(c *wsConn, sub *bus.Subscription[bus.Thought]) {
	for {
		select {
		case <-c.done:
			return
		case t, open := <-sub.C:
			if !open {
				return
			}
			msg := map[string]any{
				"type":        "agent_thought",
				"agentId":     t.AgentID,
				"thoughtType": t.Type,
				"content":     t.Content,
				"timestamp":   t.Timestamp,
			}
			if t.Confidence != nil {
				msg["confidence"] = *t.Confidence
			}
			if err := c.writeJSON(msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) relayEvents(c *wsConn, sub *bus.Subscription[bus.Event]) {
	for {
		select {
		case <-c.done:
			return
		case e, open := <-sub.C:
			if !open {
				return
			}
			if err := c.writeJSON(map[string]any{
				"type":      "swarm_event",
				"eventType": e.Type,
				"data":      e.Data,
				"timestamp": e.Timestamp,
			}); err != nil {
				return
			}
		}
	}
}
