// Package api is the HTTP surface of Nitro Repo: the repository request
// pipeline, the browse endpoints (JSON, JSON-stream, WebSocket), the login
// and token APIs, and the service metadata and metrics endpoints.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"nitro.evalgo.org/auth"
	"nitro.evalgo.org/config"
	"nitro.evalgo.org/index"
	"nitro.evalgo.org/registry"
	"nitro.evalgo.org/session"
)

// Server bundles the collaborators behind the HTTP surface.
type Server struct {
	Config        config.Config
	Registry      *registry.Registry
	Auth          *auth.Store
	Authenticator *auth.Authenticator
	Sessions      session.Manager
	Index         *index.Index
}

// NewEcho builds the echo instance with the standard middleware set and all
// routes registered.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.Config.Application.MaxUpload != "" {
		e.Use(middleware.BodyLimit(s.Config.Application.MaxUpload))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
	}))
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(1000))))
	e.Use(metricsMiddleware())

	s.registerRoutes(e)
	return e
}

func (s *Server) registerRoutes(e *echo.Echo) {
	// The artifact plane. Trailing slash and empty tail both mean the
	// repository root.
	repositories := e.Group("/repositories")
	repositories.Any("/:storage/:repository", s.handleRepositoryRequest)
	repositories.Any("/:storage/:repository/", s.handleRepositoryRequest)
	repositories.Any("/:storage/:repository/*", s.handleRepositoryRequest)

	// Browsing.
	e.GET("/browse/:repository_id", s.handleBrowse)
	e.GET("/browse/:repository_id/", s.handleBrowse)
	e.GET("/browse/:repository_id/*", s.handleBrowse)
	e.GET("/browse-stream/:repository_id", s.handleBrowseStream)
	e.GET("/browse-stream/:repository_id/", s.handleBrowseStream)
	e.GET("/browse-stream/:repository_id/*", s.handleBrowseStream)
	e.GET("/browse-ws/:repository_id", s.handleBrowseWS)

	// Account plane.
	e.POST("/api/login", s.handleLogin)
	e.GET("/api/me", s.handleMe)
	e.POST("/api/token", s.handleCreateToken)
	e.GET("/api/tokens", s.handleListTokens)
	e.DELETE("/api/token/:id", s.handleDeleteToken)
	e.GET("/api/info", s.handleInfo)

	e.GET("/metrics", metricsHandler())
}

// setSessionCookie attaches the Set-Cookie for a created or rotated
// session.
func setSessionCookie(c echo.Context, sess *session.Session) {
	c.SetCookie(&http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// finishAuthentication applies side effects of credential resolution
// (session rotation cookies) to the response.
func finishAuthentication(c echo.Context, authn *auth.Authentication) {
	if authn != nil && authn.NewSession != nil {
		setSessionCookie(c, authn.NewSession)
	}
}
