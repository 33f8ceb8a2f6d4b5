// Package signup serves the public subscribe endpoint with origin
// allowlisting, a honeypot field, and per-client rate limiting.
package signup

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/newsletter-agent/internal/config"
	"github.com/newsletter-agent/internal/sender"
	"github.com/newsletter-agent/pkg/logger"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	rateLimitWindow      = time.Hour
	rateLimitMaxRequests = 12
)

type subscribeRequest struct {
	Email string `json:"email"`
	// Honeypot field: humans never fill it, bots do.
	Company string `json:"company"`
}

// Server hosts the subscribe endpoint.
type Server struct {
	echo    *echo.Echo
	cfg     config.SignupConfig
	creator sender.ContactCreator
	log     *logger.Logger
}

// NewServer builds the signup server with its middleware chain.
func NewServer(cfg config.SignupConfig, creator sender.ContactCreator, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg, creator: creator, log: log.WithComponent("signup")}

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(rateLimitMaxRequests) / rateLimitWindow.Seconds()),
			Burst:     rateLimitMaxRequests,
			ExpiresIn: rateLimitWindow,
		}),
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, map[string]string{"error": "origin_not_allowed"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		},
	}))

	e.POST("/subscribe", s.handleSubscribe)
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	return s
}

func (s *Server) handleSubscribe(c echo.Context) error {
	if !s.originAllowed(c.Request().Header.Get(echo.HeaderOrigin)) {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "origin_not_allowed"})
	}

	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_json"})
	}

	// Silent bot sink: acknowledge without touching the provider.
	if strings.TrimSpace(req.Company) != "" {
		return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !emailRe.MatchString(email) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid_email"})
	}

	err := s.creator.CreateContact(c.Request().Context(), email)
	if err != nil {
		errText := strings.ToLower(err.Error())
		if strings.Contains(errText, "already") && strings.Contains(errText, "exist") {
			return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "duplicate": true})
		}
		s.log.Error().Err(err).Msg("Provider rejected subscription")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "provider_error"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "duplicate": false})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return origin == ""
	}
	if origin == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until the listener fails.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("Starting signup server")
	return s.echo.Start(s.cfg.ListenAddr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
