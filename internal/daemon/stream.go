package daemon

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"repoagent/internal/observability"
	"repoagent/pkg/session"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket, replays the event backlog past
// the caller's cursor, then forwards live events until either side goes
// away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := parseUintParam(r, "after")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before the replay so nothing published in between is
	// lost; overlap is filtered by sequence below.
	live, unsubscribe, err := s.manager.Subscribe(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	observability.StreamClientConnected(1)
	defer observability.StreamClientConnected(-1)
	s.logger.Info().Str("session_id", id).Uint64("after", after).Msg("stream client connected")
	defer s.logger.Info().Str("session_id", id).Msg("stream client disconnected")

	// Inbound frames are discarded; a read error is the disconnect
	// signal.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cursor := after
	for {
		backlog, err := s.manager.Poll(id, cursor, session.MaxPollLimit)
		if err != nil {
			return
		}
		if len(backlog.Events) == 0 {
			break
		}
		for _, e := range backlog.Events {
			if err := writeStreamEvent(conn, e); err != nil {
				return
			}
			cursor = e.Sequence
		}
	}

	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Sequence <= cursor {
				continue
			}
			if err := writeStreamEvent(conn, e); err != nil {
				return
			}
			cursor = e.Sequence
		case <-readerGone:
			return
		case <-s.stopCh:
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		}
	}
}

func writeStreamEvent(conn *websocket.Conn, e session.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(e)
}
