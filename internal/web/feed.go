package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/ergoalert/internal/events"
	"github.com/nugget/ergoalert/internal/monitor"
)

const (
	feedBuffer   = 64
	writeTimeout = 10 * time.Second
)

// FeedMessage is one frame on the /ws feed. The first frame is a
// snapshot; every later frame carries one bus event.
type FeedMessage struct {
	Type     string            `json:"type"` // "snapshot" or "event"
	Snapshot *monitor.Snapshot `json:"snapshot,omitempty"`
	Event    *events.Event     `json:"event,omitempty"`
}

// handleFeed streams bus events to a WebSocket client until it goes
// away or the server shuts down. Slow clients miss events.
func (s *WebServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(feedBuffer)
	defer s.bus.Unsubscribe(ch)

	// The client never sends anything meaningful; reading detects close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	snap := s.monitor.Snapshot()
	if err := s.writeFrame(conn, FeedMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}
	s.logger.Debug("dashboard feed opened", "remote", r.RemoteAddr, "subscribers", s.bus.SubscriberCount())

	for {
		select {
		case <-gone:
			return
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, FeedMessage{Type: "event", Event: &e}); err != nil {
				return
			}
		}
	}
}

func (s *WebServer) writeFrame(conn *websocket.Conn, msg FeedMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("dashboard feed write failed", "error", err)
		return err
	}
	return nil
}
