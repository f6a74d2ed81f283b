package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"github.com/zhejian/shortlink/internal/model"
	"github.com/zhejian/shortlink/internal/service"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// Handler holds HTTP handlers and dependencies.
// It receives interfaces rather than concrete implementations for testability.
type Handler struct {
	links  service.LinkServiceInterface  // create / resolve / redirect
	stats  service.StatsServiceInterface // per-link statistics
	deps   Dependencies                  // health-checked backends
	logger *slog.Logger
}

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the backends reported by /health. Cache and Broker are
// nil when the deployment does not use them.
type Dependencies struct {
	Database Pinger
	Cache    Pinger
	Broker   Pinger
}

// NewHandler creates a new handler instance with the provided dependencies.
func NewHandler(links service.LinkServiceInterface, stats service.StatsServiceInterface, deps Dependencies, logger *slog.Logger) *Handler {
	return &Handler{
		links:  links,
		stats:  stats,
		deps:   deps,
		logger: logger,
	}
}

// RegisterRoutes registers all route definitions on the given Gin engine.
// The caller creates the engine and adds middleware first so it runs in order.
// Unversioned routes match the public contract; /api/v1 mirrors them.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.healthCheck)

	r.POST("/shorten", h.createLink)
	r.GET("/stats/:code", h.getStats)
	r.GET("/qr/:code", h.getQRCode)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/shorten", h.createLink)
		v1.GET("/stats/:code", h.getStats)
	}

	// Redirect route (public) - registered last, static routes take precedence
	r.GET("/:code", h.redirect)
}

// healthCheck handles GET /health
// Response codes:
//   - 200 OK: All dependencies are healthy
//   - 503 Service Unavailable: One or more dependencies are down
func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	deps := gin.H{}

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()))
			status = "degraded"
			code = http.StatusServiceUnavailable
			deps[name] = "down"
			return
		}
		deps[name] = "up"
	}
	check("database", h.deps.Database)
	check("cache", h.deps.Cache)
	check("broker", h.deps.Broker)

	c.JSON(code, gin.H{"status": status, "dependencies": deps})
}

// createLink handles POST /shorten
// Response codes:
//   - 201 Created: Short URL successfully created
//   - 400 Bad Request: Malformed request body
//   - 409 Conflict: Custom code already exists
//   - 422 Unprocessable Entity: Invalid URL, custom code or expiry
//   - 500 Internal Server Error: Code generation exhausted or storage failure
func (h *Handler) createLink(c *gin.Context) {
	ctx := c.Request.Context()
	var req model.CreateLinkRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body",
			slog.String("error", err.Error()),
			slog.String("path", c.Request.URL.Path))
		h.errorResponse(c, http.StatusBadRequest, "malformed_request", "Invalid request body")
		return
	}

	link, err := h.links.Create(ctx, &req)
	if err != nil {
		h.serviceError(c, err, "")
		return
	}

	c.JSON(http.StatusCreated, model.CreateLinkResponse{
		Code:        link.Code,
		ShortURL:    h.links.ShortURL(link.Code),
		OriginalURL: link.OriginalURL,
		CreatedAt:   link.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   formatOptional(link.ExpiresAt),
	})
}

// redirect handles GET /:code
// Response codes:
//   - 302 Found: Redirects to original URL
//   - 404 Not Found: Short code does not exist
//   - 410 Gone: URL has expired
//   - 500 Internal Server Error: Storage failure
func (h *Handler) redirect(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	link, err := h.links.Redirect(ctx, code, model.ClientInfo{
		IPAddress: clientIP(c),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.serviceError(c, err, code)
		return
	}

	c.Redirect(http.StatusFound, link.OriginalURL)
}

// getStats handles GET /stats/:code
// Stats stay available after a link expires.
// Response codes:
//   - 200 OK: Statistics retrieved
//   - 404 Not Found: Short code does not exist
//   - 500 Internal Server Error: Storage failure
func (h *Handler) getStats(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	stats, err := h.stats.GetStats(ctx, code)
	if err != nil {
		h.serviceError(c, err, code)
		return
	}

	visits := make([]model.VisitResponse, 0, len(stats.Visits))
	for _, v := range stats.Visits {
		visits = append(visits, model.VisitResponse{
			IPAddress: v.IPAddress,
			UserAgent: v.UserAgent,
			VisitedAt: v.VisitedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, model.StatsResponse{
		Code:        stats.Link.Code,
		ShortURL:    h.links.ShortURL(stats.Link.Code),
		OriginalURL: stats.Link.OriginalURL,
		CreatedAt:   stats.Link.CreatedAt.Format(time.RFC3339),
		ExpiresAt:   formatOptional(stats.Link.ExpiresAt),
		Expired:     stats.Expired,
		VisitCount:  stats.VisitCount,
		Visits:      visits,
	})
}

// getQRCode handles GET /qr/:code
// Renders a PNG QR code of the short URL. Does not record a visit.
// Response codes:
//   - 200 OK: image/png
//   - 400 Bad Request: size outside 64..1024
//   - 404 Not Found / 410 Gone: as for redirect
func (h *Handler) getQRCode(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")

	size := defaultQRSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minQRSize || n > maxQRSize {
			h.errorResponse(c, http.StatusBadRequest, "invalid_size", "size must be an integer between 64 and 1024")
			return
		}
		size = n
	}

	link, err := h.links.Resolve(ctx, code)
	if err != nil {
		h.serviceError(c, err, code)
		return
	}

	png, err := qrcode.Encode(h.links.ShortURL(link.Code), qrcode.Medium, size)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to render QR code",
			slog.String("error", err.Error()),
			slog.String("code", code))
		h.errorResponse(c, http.StatusInternalServerError, string(service.KindStorage), "Internal server error")
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

// serviceError maps a service error to its HTTP status and writes the error body.
// Storage details are logged, never returned.
func (h *Handler) serviceError(c *gin.Context, err error, code string) {
	kind := service.KindOf(err)

	var status int
	message := err.Error()
	switch kind {
	case service.KindInvalidURL, service.KindInvalidCode, service.KindInvalidExpiry:
		status = http.StatusUnprocessableEntity
	case service.KindCodeTaken:
		status = http.StatusConflict
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindExpired:
		status = http.StatusGone
	case service.KindGenerationExhausted:
		status = http.StatusInternalServerError
	default:
		status = http.StatusInternalServerError
		message = "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("kind", string(kind)),
			slog.String("code", code))
	}

	h.errorResponse(c, status, string(kind), message)
}

// errorResponse sends a standardized JSON error response.
func (h *Handler) errorResponse(c *gin.Context, status int, kind, message string) {
	c.JSON(status, model.ErrorResponse{
		Error:   http.StatusText(status), // e.g., "Bad Request", "Not Found"
		Code:    kind,
		Message: message,
	})
}

// clientIP prefers the first X-Forwarded-For entry over the peer address.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.RemoteIP()
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
