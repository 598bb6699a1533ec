package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"orbita/internal/stream"
)

const (
	pingInterval = 15 * time.Second
	writeTimeout = 5 * time.Second
)

func registerStreams(r chi.Router, basePath string, h handlers) {
	r.Get(joinPath(basePath, "ws/{missionId}"), h.serveWebsocket)
	r.Get(joinPath(basePath, "mission/{missionId}/events"), h.serveSSE)
}

// serveWebsocket pushes mission frames until the client leaves or the
// mission is stopped. Client messages are ignored.
func (h handlers) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "missionId")
	sub, err := h.engine.Subscribe(r.Context(), missionID)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn("websocket accept failed", "mission_id", missionID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	log := h.log.With("mission_id", missionID, "transport", "websocket")
	log.Debug("subscriber attached")

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Ping(pctx)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, stream.ErrClosed) {
				conn.Close(websocket.StatusNormalClosure, "mission stream closed")
			}
			log.Debug("subscriber detached", "error", err)
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = wsjson.Write(wctx, conn, frameFromEvent(ev))
		cancel()
		if err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
		if ev.Type == stream.EventOverride {
			conn.Close(websocket.StatusNormalClosure, "mission stopped")
			return
		}
	}
}

// serveSSE streams the same frames as server-sent events.
func (h handlers) serveSSE(w http.ResponseWriter, r *http.Request) {
	missionID := chi.URLParam(r, "missionId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
		return
	}
	sub, err := h.engine.Subscribe(r.Context(), missionID)
	if err != nil {
		respondStatusError(w, handleError(err))
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		payload, err := json.Marshal(frameFromEvent(ev))
		if err != nil {
			h.log.Error("encode frame", "mission_id", missionID, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload); err != nil {
			return
		}
		flusher.Flush()
		if ev.Type == stream.EventOverride {
			return
		}
	}
}
