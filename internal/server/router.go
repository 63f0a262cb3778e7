package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler serves intercepted requests for a mapped origin. Tests inject
// recorders through it.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// RequestScope 是中间件为每个请求解析出的上下文：请求 ID、命中的 Origin 以及浏览器视角的 URL。
// 诊断路径（/-/）与未映射主机只有 ID。
type RequestScope struct {
	ID    string
	Route *OriginRoute
	URL   *url.URL
}

const contextKeyScope = "_shellcache_scope"

type router struct {
	logger   *logrus.Logger
	registry *OriginRegistry
	proxy    ProxyHandler
	port     int
}

// NewApp builds a Fiber application that resolves every request to an
// origin before handing it to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	r := &router{
		logger:   opts.Logger,
		registry: opts.Registry,
		proxy:    opts.Proxy,
		port:     opts.ListenPort,
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})
	app.Use(recover.New())
	app.Use(r.resolve)
	app.All("/*", r.dispatch)
	return app, nil
}

// resolve 生成请求 ID，按 Host 查找 Origin，并用未解码的原始路径重建浏览器视角的 URL。
func (r *router) resolve(c fiber.Ctx) error {
	scope := &RequestScope{ID: uuid.NewString()}
	c.Locals(contextKeyScope, scope)
	c.Set("X-Request-ID", scope.ID)

	uri := c.Request().URI()
	if isDiagnosticsPath(string(uri.Path())) {
		return c.Next()
	}

	host := strings.TrimSpace(hostHeader(c))
	route, ok := r.registry.Lookup(host)
	if !ok {
		return r.unmapped(c, host)
	}

	target, err := route.BrowserURL(string(uri.PathOriginal()), string(uri.QueryString()))
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"action":     "host_lookup",
			"origin":     route.Config.Name,
			"request_id": scope.ID,
		}).WithError(err).Warn("invalid_request_path")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}

	scope.Route = route
	scope.URL = target
	return c.Next()
}

// dispatch 把已解析的请求交给代理；/-/ 路径继续向后匹配诊断路由。
func (r *router) dispatch(c fiber.Ctx) error {
	if isDiagnosticsPath(string(c.Request().URI().Path())) {
		return c.Next()
	}
	scope := Scope(c)
	if scope == nil || scope.Route == nil {
		return r.unmapped(c, "")
	}
	return r.proxy.Handle(c, scope.Route)
}

func (r *router) unmapped(c fiber.Ctx, host string) error {
	r.logger.WithFields(logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   r.port,
	}).Warn("host_unmapped")

	if host != "" {
		c.Set("X-Shellcache-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// Scope returns the per-request context stored by the router, or nil when
// the request did not pass through it.
func Scope(c fiber.Ctx) *RequestScope {
	if scope, ok := c.Locals(contextKeyScope).(*RequestScope); ok {
		return scope
	}
	return nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if scope := Scope(c); scope != nil {
		return scope.ID
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
