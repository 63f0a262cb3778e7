package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/djtimer/shellcache/internal/server"
)

// Controller 报告 worker 是否已接管客户端，由 lifecycle.Worker 实现。
type Controller interface {
	Controlling() bool
}

// Forwarder 根据 worker 是否已接管客户端选择 handler：接管后走缓存策略，之前直接透传到网络。
type Forwarder struct {
	controlled   server.ProxyHandler
	uncontrolled server.ProxyHandler
	controller   Controller
	logger       *logrus.Logger
}

// NewForwarder 创建 Forwarder。controller 为 nil 时视为始终已接管。
func NewForwarder(controlled, uncontrolled server.ProxyHandler, controller Controller, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		controlled:   controlled,
		uncontrolled: uncontrolled,
		controller:   controller,
		logger:       logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	requestID := server.RequestID(c)
	handler := f.lookup()
	if handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) lookup() server.ProxyHandler {
	if f.controller == nil || f.controller.Controlling() {
		return f.controlled
	}
	if f.uncontrolled != nil {
		return f.uncontrolled
	}
	return f.controlled
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.OriginRoute, requestID string) error {
	f.logHandlerError(route, "proxy_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.OriginRoute, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.OriginRoute, recovered interface{}, requestID string) error {
	f.logHandlerError(route, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(route *server.OriginRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
	}
	if route != nil {
		fields["origin"] = route.Config.Name
		fields["domain"] = route.Config.Domain
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}
