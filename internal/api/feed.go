package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/aura-client/internal/identity"
	"github.com/ashureev/aura-client/internal/timeline"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	feedBuffer       = 64
	feedWriteTimeout = 5 * time.Second
)

type snapshotMessage struct {
	Kind     string       `json:"kind"`
	Timeline timelineView `json:"timeline"`
}

func (h *Handler) originPatterns() []string {
	if u, err := url.Parse(h.frontendURL); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return []string{"*"}
}

// TimelineFeed streams timeline changes over a WebSocket. The first message
// is a full snapshot; every later message is a timeline.Event. The feed ends
// when the active identity changes.
func (h *Handler) TimelineFeed(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("timeline feed request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	events, unsubscribe := h.timeline.Subscribe(feedBuffer)
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	snap := snapshotMessage{Kind: "snapshot", Timeline: h.timelineView(h.timeline.Snapshot())}
	if err := h.writeFeed(ctx, ws, snap); err != nil {
		h.logger.Debug("failed to send snapshot", "error", err, "user_id", userID)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeFeed(ctx, ws, ev); err != nil {
				h.logger.Debug("failed to send timeline event", "error", err, "user_id", userID)
				return
			}
			if ev.Kind == timeline.EventReset && ev.IdentityID != userID {
				h.logger.Info("identity changed, closing timeline feed", "user_id", userID)
				return
			}
		}
	}
}

func (h *Handler) writeFeed(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
