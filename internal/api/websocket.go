package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/AaronLay10/SceneForge/internal/events"
)

const (
	// Number of recent events to send on connection
	recentEventsCount = 50

	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// projectFilter keeps events for projectID, or every event when it is empty.
func projectFilter(projectID string) func(events.Event) bool {
	return func(e events.Event) bool {
		return projectID == "" || e.Field("project_id") == projectID
	}
}

// wsProgressHandler streams live events, optionally limited to one project
// with ?project_id=.
func wsProgressHandler(w http.ResponseWriter, r *http.Request) {
	l := log.With().Str("component", "ws").Logger()
	keep := projectFilter(r.URL.Query().Get("project_id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	sub := events.SubscribeMatching(keep)
	closeAll := func() {
		events.Unsubscribe(sub)
		conn.Close()
	}

	for _, e := range events.RecentMatching(recentEventsCount, keep) {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			l.Debug().Err(err).Msg("ws write recent event failed")
			closeAll()
			return
		}
	}

	done := make(chan struct{})

	// Reader handles pongs and close messages.
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			closeAll()
			return

		case e, ok := <-sub:
			if !ok {
				conn.Close()
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.Debug().Err(err).Msg("ws write event failed")
				closeAll()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				closeAll()
				return
			}
		}
	}
}
