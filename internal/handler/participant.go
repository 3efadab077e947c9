package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"examgate/internal/auth"
)

func (h *Handler) me(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	view, err := h.svc.View(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// wait long-polls until the proctor verifies the caller. When the poll window
// closes first the current view is returned and the client simply asks again.
func (h *Handler) wait(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	sid := c.Param("id")

	timeout := h.cfg.WaitTimeout
	if v := c.Query("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 && d < timeout {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	_, err := h.svc.WaitForVerification(ctx, sid, claims.Subject)
	if err != nil && !(errors.Is(err, context.DeadlineExceeded) && c.Request.Context().Err() == nil) {
		h.fail(c, err)
		return
	}
	view, err := h.svc.View(c.Request.Context(), sid, claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) complete(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	ctx := c.Request.Context()
	done, err := h.svc.Complete(ctx, c.Param("id"), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	if done {
		c.JSON(http.StatusOK, gin.H{"completed": true, "already_completed": false})
		return
	}
	// not verified yet, or completed earlier
	completed, err := h.svc.IsCompleted(ctx, c.Param("id"), claims.Subject)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"completed": completed, "already_completed": completed})
}
