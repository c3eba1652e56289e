package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rollcall/internal/attendance"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// ErrHubClosed is returned after Close.
var ErrHubClosed = errors.New("hub closed")

// Hub keeps one subscriber group per course and pushes attendance events to
// every websocket in the group.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	groups map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	courseID  string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// NewHub creates an empty hub. checkOrigin may be nil to accept same-origin
// requests only.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		groups: make(map[string]map[*subscriber]struct{}),
	}
}

// Publish implements attendance.Publisher. Subscribers whose buffer is full
// are dropped rather than blocking the caller.
func (h *Hub) Publish(_ context.Context, evt attendance.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return h.broadcast(evt.CourseID, data)
}

func (h *Hub) broadcast(courseID string, data []byte) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	var slow []*subscriber
	for sub := range h.groups[courseID] {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		log.Printf("notify: dropping slow subscriber on course %s", courseID)
		h.remove(sub)
	}
	return nil
}

// Subscribers returns the size of a course's group.
func (h *Hub) Subscribers(courseID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[courseID])
}

// ServeWS upgrades the request and joins the connection to the course group
// until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, courseID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := &subscriber{courseID: courseID, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrHubClosed
	}
	if h.groups[courseID] == nil {
		h.groups[courseID] = make(map[*subscriber]struct{})
	}
	h.groups[courseID][sub] = struct{}{}
	h.mu.Unlock()

	go sub.writeLoop()
	go h.readLoop(sub)
	return nil
}

// readLoop only drains control frames; subscribers never send data.
func (h *Hub) readLoop(sub *subscriber) {
	defer h.remove(sub)
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

func (sub *subscriber) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case data, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if group, ok := h.groups[sub.courseID]; ok {
		delete(group, sub)
		if len(group) == 0 {
			delete(h.groups, sub.courseID)
		}
	}
	h.mu.Unlock()
	sub.closeOnce.Do(func() { close(sub.send) })
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*subscriber
	for _, group := range h.groups {
		for sub := range group {
			all = append(all, sub)
		}
	}
	h.groups = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() { close(sub.send) })
	}
}
