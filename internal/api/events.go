package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skroman/musicmesh/internal/peer"
)

const writeWait = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI may be served from another origin on the LAN
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotMessage is the first frame on every event stream
type snapshotMessage struct {
	Type  string      `json:"type"`
	Peers []peer.Peer `json:"peers"`
}

// handleEvents streams the peer set: one snapshot frame, then one frame
// per arrival or departure.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the snapshot so no change falls between the two
	events := s.deps.Peers.Subscribe()
	defer s.deps.Peers.Unsubscribe(events)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain incoming frames so close and ping are handled
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := snapshotMessage{Type: "snapshot", Peers: s.deps.Peers.Snapshot()}
	if err := s.send(conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.send(conn, ev); err != nil {
				s.log.Debug("Event stream closed", "error", err)
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
