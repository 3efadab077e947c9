package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"examgate/internal/auth"
	"examgate/internal/exam"
)

func (h *Handler) createSession(c *gin.Context) {
	var cfg exam.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err)
		return
	}
	claims, _ := auth.FromContext(c)
	cfg.OwnerID = claims.Subject
	sess, err := h.svc.CreateSession(c.Request.Context(), cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) listSessions(c *gin.Context) {
	all, err := h.svc.ListSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": all})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) activate(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	active, err := h.svc.Activate(c.Request.Context(), c.Param("id"), claims.Subject, displayName(claims))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *Handler) deactivate(c *gin.Context) {
	if err := h.svc.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) pause(c *gin.Context) {
	active, err := h.svc.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *Handler) resume(c *gin.Context) {
	active, err := h.svc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (h *Handler) finish(c *gin.Context) {
	if err := h.svc.Finish(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

var allStates = []exam.State{
	exam.StateRegistered,
	exam.StateAwaitingVerification,
	exam.StateVerified,
	exam.StateCompleted,
}

// participants lists one state when ?state= is given, otherwise all four
// groups keyed by state.
func (h *Handler) participants(c *gin.Context) {
	ctx, sid := c.Request.Context(), c.Param("id")
	if state := c.Query("state"); state != "" {
		regs, err := h.svc.Participants(ctx, sid, exam.State(state))
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"participants": regs})
		return
	}
	groups := make(map[exam.State][]exam.Registration, len(allStates))
	for _, st := range allStates {
		regs, err := h.svc.Participants(ctx, sid, st)
		if err != nil {
			h.fail(c, err)
			return
		}
		groups[st] = regs
	}
	c.JSON(http.StatusOK, groups)
}

func (h *Handler) verify(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	reg, err := h.svc.Verify(c.Request.Context(), c.Param("id"), c.Param("student"), displayName(claims))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

// removeParticipant unregisters a participant whatever their state.
func (h *Handler) removeParticipant(c *gin.Context) {
	ctx := c.Request.Context()
	sid := c.Param("id")
	reg, err := h.svc.Registration(ctx, sid, c.Param("student"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.svc.Unregister(ctx, sid, reg.StudentName); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) events(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries := []exam.Transition{}
	if h.journal != nil {
		var err error
		entries, err = h.journal.List(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			h.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

func displayName(claims auth.Claims) string {
	if claims.Name != "" {
		return claims.Name
	}
	return claims.Subject
}
