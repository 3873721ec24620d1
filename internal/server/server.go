// Package server assembles the dashboard HTTP server.
package server

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/handlers"
)

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(addr string, jwtSecret string, pingHandler *handlers.PingHandler, authHandler *handlers.AuthHandler, webHandler *handlers.WebHandler, messagesHandler *handlers.MessagesHandler, unitsHandler *handlers.UnitsHandler) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if pingHandler != nil {
		pingHandler.Register(e)
	}
	if authHandler != nil {
		authHandler.Register(e)
	}
	if webHandler != nil {
		webHandler.Register(e)
	}
	if messagesHandler != nil {
		messagesHandler.Register(e)
	}
	if unitsHandler != nil {
		unitsHandler.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// shouldSkipJWT marks the routes reachable without a token: health checks,
// the login endpoint, and the dashboard page itself (it bootstraps its own
// token via /auth/login).
func shouldSkipJWT(path string) bool {
	switch path {
	case "/", "/ping", "/health", "/auth/login":
		return true
	}
	return false
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
