package httpapi

import (
	"net/http"
	"time"

	"github.com/ashenforge/fleetd/pkg/pubsub"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleWSQueue(w http.ResponseWriter, r *http.Request) {
	s.serveTopic(w, r, s.queueTopic)
}

func (s *Server) handleWSResult(w http.ResponseWriter, r *http.Request) {
	s.serveTopic(w, r, s.resultTopic)
}

// serveTopic upgrades the connection and streams every message
// published to topic as a JSON text frame until the client disconnects
// or a write fails. Backpressure is handled upstream by the topic's
// drop-oldest ring, not by this loop (spec §5: "websocket subscribers
// are dropped on backpressure without disrupting publishers").
func (s *Server) serveTopic(w http.ResponseWriter, r *http.Request, topic *pubsub.Topic) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := topic.Subscribe()
	defer sub.Unsubscribe()

	// Drain client-sent frames (pings/close) on a background goroutine so
	// the connection's read deadline is honored; this server side never
	// expects inbound application messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for msg := range sub.C() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
