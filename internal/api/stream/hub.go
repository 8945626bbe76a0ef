package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"noesis/internal/domain/reasoning"
	"noesis/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// Event is one message on a session stream
type Event struct {
	Type      string                  `json:"type"` // "step" | "done"
	SessionID string                  `json:"session_id"`
	State     reasoning.SessionState  `json:"state"`
	Step      *reasoning.ThoughtStep  `json:"step,omitempty"`
	Result    *Result                 `json:"result,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Result is the terminal payload of a "done" event
type Result struct {
	FinalAnswer string  `json:"final_answer"`
	Confidence  float64 `json:"confidence_score"`
	StepCount   int     `json:"step_count"`
	ErrorCount  int     `json:"error_count"`
	GaveUp      bool    `json:"gave_up,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans reasoning step events out to WebSocket subscribers, keyed by
// session id. It implements the engine observer interface; publishing never
// blocks the state machine, slow subscribers lose events.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		log: logger.Get().With("component", "stream_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The facade carries no auth; origin filtering belongs to the
			// deployment's ingress
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// HandleSubscribe upgrades the request and streams events for the session
// in the {id} path segment until the client disconnects.
func (h *Hub) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	h.add(sessionID, sub)
	h.log.Debugf("Subscriber attached to session %s", sessionID)

	go h.writePump(sessionID, sub)
	h.readPump(sessionID, sub)
}

func (h *Hub) add(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
}

func (h *Hub) remove(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sessionID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.send)
			if len(set) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
}

// readPump discards inbound frames; its job is detecting disconnects and
// answering pings
func (h *Hub) readPump(sessionID string, sub *subscriber) {
	defer func() {
		h.remove(sessionID, sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sessionID string, sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) publish(sessionID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warnf("Failed to marshal stream event for session %s: %v", sessionID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.send <- data:
		default:
			// Slow consumer: drop the event rather than stall the engine
		}
	}
}

// StepCompleted implements the engine observer interface
func (h *Hub) StepCompleted(sessionID string, step reasoning.ThoughtStep, state reasoning.SessionState) {
	h.publish(sessionID, Event{
		Type:      "step",
		SessionID: sessionID,
		State:     state,
		Step:      &step,
		Timestamp: time.Now(),
	})
}

// RunCompleted implements the engine observer interface
func (h *Hub) RunCompleted(sessionID string, state *reasoning.GraphState) {
	h.publish(sessionID, Event{
		Type:      "done",
		SessionID: sessionID,
		State:     state.State,
		Result: &Result{
			FinalAnswer: state.FinalAnswer,
			Confidence:  state.Confidence,
			StepCount:   len(state.Steps),
			ErrorCount:  state.ErrorCount,
			GaveUp:      state.GaveUp,
		},
		Timestamp: time.Now(),
	})
}
