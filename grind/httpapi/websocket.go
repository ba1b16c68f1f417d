package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Emyrk/grindview/grind"
)

// TraceListEvent is pushed to /ws clients whenever the trace list changes.
type TraceListEvent struct {
	Type   string            `json:"type"`
	Traces []grind.TraceInfo `json:"traces"`
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	// Clients only listen. CloseRead handles their pings and close frames.
	ctx := conn.CloseRead(r.Context())

	updates, unsubscribe := s.watcher.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case traces := <-updates:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, TraceListEvent{Type: "traces", Traces: traces})
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("websocket write")
				return
			}
		}
	}
}
