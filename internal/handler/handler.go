package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"examgate/internal/auth"
	"examgate/internal/exam"
	"examgate/internal/httpmiddleware"
	"examgate/internal/metrics"
	"examgate/internal/notify"
)

// Settings are the transport knobs taken from config.App.
type Settings struct {
	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ProctorKey    string
	// WaitTimeout caps a single long-poll on /me/wait.
	WaitTimeout time.Duration
	CORSOrigins []string
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps wires a Handler. Service is required; everything else is optional.
type Deps struct {
	Service  *exam.Service
	Journal  exam.Journal
	Notifier notify.Notifier
	Limiter  *httpmiddleware.IPLimiter
	Log      *zap.Logger
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
	Settings Settings
}

// Handler serves the exam session HTTP API.
type Handler struct {
	svc      *exam.Service
	journal  exam.Journal
	notifier notify.Notifier
	limiter  *httpmiddleware.IPLimiter
	log      *zap.Logger
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	health   map[string]HealthCheck
	cfg      Settings
	upgrader websocket.Upgrader
}

// New creates a Handler.
func New(d Deps) *Handler {
	h := &Handler{
		svc:      d.Service,
		journal:  d.Journal,
		notifier: d.Notifier,
		limiter:  d.Limiter,
		log:      d.Log,
		metrics:  d.Metrics,
		gatherer: d.Gatherer,
		health:   d.Health,
		cfg:      d.Settings,
		upgrader: websocket.Upgrader{
			// browsers cannot set headers on upgrade; the token check covers origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.cfg.WaitTimeout <= 0 {
		h.cfg.WaitTimeout = 30 * time.Second
	}
	return h
}

// Router builds the gin engine with every route mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.log, "/healthz", "/metrics"))
	r.Use(corsMiddleware(h.cfg.CORSOrigins))
	r.Use(securityHeaders())

	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/healthz", h.healthz)

	public := r.Group("/v1")
	if h.limiter != nil {
		public.Use(h.limiter.GinMiddleware())
	}
	public.POST("/proctors/token", h.proctorToken)
	public.POST("/tokens/refresh", h.refresh)
	public.POST("/sessions/:id/registrations", h.register)
	public.GET("/sessions/:id/registrations/:name", h.lookup)
	public.DELETE("/sessions/:id/registrations/:name", h.unregister)
	public.POST("/sessions/:id/checkin", h.checkIn)

	key, iss := h.cfg.JWTSigningKey, h.cfg.JWTIssuer
	proctor := r.Group("/v1", auth.Require(key, iss, auth.RoleProctor))
	proctor.POST("/sessions", h.createSession)
	proctor.GET("/sessions", h.listSessions)
	proctor.GET("/sessions/:id", h.getSession)
	proctor.POST("/sessions/:id/activate", h.activate)
	proctor.POST("/sessions/:id/deactivate", h.deactivate)
	proctor.POST("/sessions/:id/pause", h.pause)
	proctor.POST("/sessions/:id/resume", h.resume)
	proctor.POST("/sessions/:id/finish", h.finish)
	proctor.GET("/sessions/:id/participants", h.participants)
	proctor.POST("/sessions/:id/participants/:student/verify", h.verify)
	proctor.DELETE("/sessions/:id/participants/:student", h.removeParticipant)
	proctor.GET("/sessions/:id/events", h.events)

	participant := r.Group("/v1", auth.Require(key, iss, auth.RoleParticipant))
	participant.GET("/sessions/:id/me", h.me)
	participant.GET("/sessions/:id/me/wait", h.wait)
	participant.POST("/sessions/:id/me/complete", h.complete)

	r.GET("/v1/sessions/:id/watch", auth.Require(key, iss, auth.RoleProctor, auth.RoleParticipant), h.watch)
	return r
}

func (h *Handler) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
