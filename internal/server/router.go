package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers intercepted requests.
// It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Site   *Site
	Proxy  ProxyHandler
	// ReservedPrefixes 额外保留给本地路由的路径前缀（例如 /api/），/-/ 总是保留。
	ReservedPrefixes []string
	ListenPort       int
}

const (
	contextKeyRequestID      = "_offline_edge_request_id"
	contextKeyInterceptedURL = "_offline_edge_intercepted_url"

	diagnosticsPrefix = "/-/"
)

// NewApp builds a Fiber application whose catch-all route hands intercepted
// requests to the proxy handler. Reserved prefixes fall through to routes
// registered afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Site == nil {
		return nil, errors.New("site is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	reserved := append([]string{diagnosticsPrefix}, opts.ReservedPrefixes...)

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     8 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Site, reserved))

	app.All("/*", func(c fiber.Ctx) error {
		if InterceptedURL(c) == "" {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并为需要拦截的请求还原绝对 URL。
func requestContextMiddleware(site *Site, reserved []string) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		requestURI := string(c.Request().Header.RequestURI())
		if site.IsSameOrigin(requestURI) && isReservedPath(c.Path(), reserved) {
			return c.Next()
		}

		c.Locals(contextKeyInterceptedURL, site.InterceptedURL(requestURI))
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// InterceptedURL returns the absolute URL of an intercepted request, or ""
// for requests served by local routes.
func InterceptedURL(c fiber.Ctx) string {
	if value := c.Locals(contextKeyInterceptedURL); value != nil {
		if raw, ok := value.(string); ok {
			return raw
		}
	}
	return ""
}

func isReservedPath(path string, reserved []string) bool {
	for _, prefix := range reserved {
		if strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}
