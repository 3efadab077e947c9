package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"examgate/internal/notify"
)

const writeWait = 10 * time.Second

// watch streams change events for one session over a websocket. The first
// frame is a snapshot carrying the current version; clients re-read on every
// later frame.
func (h *Handler) watch(c *gin.Context) {
	sid := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sid); err != nil {
		h.fail(c, err)
		return
	}
	if h.notifier == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "change notifications disabled", "code": "unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("session_id", sid), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.notifier.Subscribe(ctx, sid)
	if err != nil {
		h.log.Warn("watch subscribe failed", zap.String("session_id", sid), zap.Error(err))
		return
	}
	h.metrics.WatcherAdded()
	defer h.metrics.WatcherDone()

	// reading is what notices a client close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sess, err := h.svc.GetSession(ctx, sid)
	if err != nil {
		return
	}
	send := func(evt notify.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(evt)
	}
	if err := send(notify.Event{SessionID: sid, Version: sess.Version, Kind: "snapshot", At: sess.UpdatedAt}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := send(evt); err != nil {
				h.log.Debug("watcher gone", zap.String("session_id", sid), zap.Error(err))
				return
			}
		}
	}
}
