package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/countersign/internal/auth"
	"github.com/MarcoPoloResearchLab/countersign/internal/documents"
	"github.com/MarcoPoloResearchLab/countersign/internal/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey  = "countersign_identity"
	documentTokenHeader = "X-Document-Token"
	documentTokenQuery  = "token"

	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxBodyBytes      = 16 << 20
)

var (
	errMissingDocumentsService = errors.New("documents service dependency required")
	errMissingSessions         = errors.New("session authenticator dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

// SessionAuthenticator resolves the caller identity from the session cookie.
type SessionAuthenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

type Dependencies struct {
	Documents   *documents.Service
	Sessions    SessionAuthenticator
	Realtime    *RealtimeDispatcher
	RateLimiter ratelimit.Limiter
	Logger      *zap.Logger
	Clock       func() time.Time

	AllowedOrigins []string
	// MaxBodyBytes bounds request bodies, including base64 uploads.
	MaxBodyBytes      int64
	HeartbeatInterval time.Duration
	Version           string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocumentsService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	handler := &httpHandler{
		documents:    deps.Documents,
		sessions:     deps.Sessions,
		realtime:     deps.Realtime,
		logger:       logger,
		clock:        clock,
		heartbeat:    heartbeat,
		maxBodyBytes: maxBody,
		version:      deps.Version,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(securityHeaders())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/")
	if deps.RateLimiter != nil {
		api.Use(ratelimit.Middleware(deps.RateLimiter, logger))
	}
	api.Use(handler.resolveIdentity)

	api.POST("/documents", handler.requireIdentity, handler.handleCreateDocument)
	api.GET("/documents", handler.requireIdentity, handler.handleListDocuments)
	api.GET("/documents/:id", handler.handleGetDocument)
	api.GET("/documents/:id/pdf", handler.handleGetPDF)
	api.GET("/documents/:id/seal", handler.handleGetSeal)
	api.GET("/documents/:id/events", handler.handleDocumentEvents)
	api.POST("/documents/:id/render", handler.requireIdentity, handler.handleRerender)
	api.POST("/documents/:id/signers/:signerId/signature", handler.handleSubmitSignature)

	return router, nil
}

type httpHandler struct {
	documents    *documents.Service
	sessions     SessionAuthenticator
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
	clock        func() time.Time
	heartbeat    time.Duration
	maxBodyBytes int64
	version      string
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", documentTokenHeader},
		ExposeHeaders:    []string{"Content-Disposition", "X-Document-Status", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// resolveIdentity attaches the session identity when a valid cookie is
// present. Anonymous requests continue; capability tokens are checked later.
func (h *httpHandler) resolveIdentity(c *gin.Context) {
	identity, err := h.sessions.Authenticate(c.Request)
	switch {
	case err == nil:
		c.Set(identityContextKey, identity)
	case errors.Is(err, auth.ErrMissingSessionToken):
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("session validation failed", zap.Error(err))
	default:
		h.logger.Warn("session validation failed", zap.Error(err))
	}
	c.Next()
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	if identityFromContext(c) == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}
	c.Next()
}

func identityFromContext(c *gin.Context) *auth.Identity {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return nil
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.Email == "" {
		return nil
	}
	return &identity
}

func documentToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.Query(documentTokenQuery)); token != "" {
		return token
	}
	return strings.TrimSpace(c.GetHeader(documentTokenHeader))
}

func (h *httpHandler) caller(c *gin.Context) documents.Caller {
	return documents.Caller{
		Identity:  identityFromContext(c),
		Token:     documentToken(c),
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func statusForKind(kind string) int {
	switch kind {
	case "validation_error":
		return http.StatusBadRequest
	case "access_denied":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "already_signed":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	body := gin.H{"success": false, "error": documents.KindName(err)}
	var serviceErr *documents.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	return body
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	kind := documents.KindName(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorBody(err))
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"time":    h.clock().UTC(),
		"version": h.version,
	})
}
