package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"examgate/internal/auth"
	"examgate/internal/codes"
	"examgate/internal/exam"
)

type proctorTokenRequest struct {
	ProctorID string `json:"proctor_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Key       string `json:"key" binding:"required"`
}

// proctorToken stands in for an external identity provider: a shared proctor
// key buys a proctor token.
func (h *Handler) proctorToken(c *gin.Context) {
	var req proctorTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ok := h.cfg.ProctorKey != "" && codes.Equal(req.Key, h.cfg.ProctorKey)
	h.metrics.CodeCheck("proctor_key", ok)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid proctor key", "code": "invalid_code"})
		return
	}
	h.issue(c, http.StatusCreated, auth.Identity{Subject: req.ProctorID, Role: auth.RoleProctor, Name: req.Name}, nil)
}

type registerRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	reg, err := h.svc.Register(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

// publicRegistration omits the PIN from unauthenticated lookups.
type publicRegistration struct {
	StudentID    string     `json:"student_id"`
	StudentName  string     `json:"student_name"`
	State        exam.State `json:"state"`
	RegisteredAt time.Time  `json:"registered_at"`
}

func (h *Handler) lookup(c *gin.Context) {
	reg, err := h.svc.Lookup(c.Request.Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, publicRegistration{
		StudentID:    reg.StudentID,
		StudentName:  reg.StudentName,
		State:        reg.State,
		RegisteredAt: reg.RegisteredAt,
	})
}

type unregisterRequest struct {
	PIN string `json:"pin" binding:"required"`
}

// unregister lets a registrant withdraw. Without a token the PIN is the only
// proof of who is asking.
func (h *Handler) unregister(c *gin.Context) {
	var req unregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	sid, name := c.Param("id"), c.Param("name")
	reg, err := h.svc.Lookup(ctx, sid, name)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok := codes.Equal(req.PIN, reg.PIN)
	h.metrics.CodeCheck("pin", ok)
	if !ok {
		h.fail(c, fmt.Errorf("%w: pin does not match", exam.ErrInvalidCode))
		return
	}
	if err := h.svc.Unregister(ctx, sid, name); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// refresh trades a refresh token for a new pair. Participant tokens are only
// renewed while the registration still exists.
func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	claims, err := auth.ParseRefresh(req.RefreshToken, h.cfg.JWTSigningKey, h.cfg.JWTIssuer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": "unauthenticated"})
		return
	}
	if claims.Role == auth.RoleParticipant {
		if _, err := h.svc.Registration(c.Request.Context(), claims.SessionID, claims.Subject); err != nil {
			if errors.Is(err, exam.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "registration no longer exists", "code": "unauthenticated"})
				return
			}
			h.fail(c, err)
			return
		}
	}
	h.issue(c, http.StatusOK, claims.Identity(), nil)
}

type checkInRequest struct {
	Name     string `json:"name" binding:"required"`
	RoomCode string `json:"room_code" binding:"required"`
	PIN      string `json:"pin" binding:"required"`
}

// checkIn validates room code and PIN and, on success, queues the participant
// for verification and hands back a participant token for this session.
func (h *Handler) checkIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sid := c.Param("id")
	reg, err := h.svc.CheckIn(c.Request.Context(), sid, req.Name, req.RoomCode, req.PIN)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.issue(c, http.StatusOK, auth.Identity{
		Subject:   reg.StudentID,
		Role:      auth.RoleParticipant,
		SessionID: sid,
		Name:      reg.StudentName,
	}, gin.H{"registration": reg})
}

// issue writes a token pair, merged into extra when given.
func (h *Handler) issue(c *gin.Context, status int, id auth.Identity, extra gin.H) {
	tokens, err := auth.Issue(id, h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		h.fail(c, err)
		return
	}
	if extra == nil {
		c.JSON(status, tokens)
		return
	}
	extra["tokens"] = tokens
	c.JSON(status, extra)
}
