package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/djtimer/shellcache/internal/fetch"
	"github.com/djtimer/shellcache/internal/logging"
	"github.com/djtimer/shellcache/internal/server"
)

// Policy 为单个请求产出响应；fetch.Engine 是受控客户端使用的实现。
type Policy interface {
	Handle(ctx context.Context, req *fetch.Request) (*fetch.Response, error)
}

// Passthrough 把 Network 包装成不读写缓存的 Policy，用于 worker 接管之前的请求。
func Passthrough(network fetch.Network) Policy {
	return passthroughPolicy{network: network}
}

type passthroughPolicy struct {
	network fetch.Network
}

func (p passthroughPolicy) Handle(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	return p.network.Fetch(ctx, req)
}

// classifier 由 fetch.Engine 实现，仅用于日志字段。
type classifier interface {
	Classify(req *fetch.Request) fetch.Class
}

// Handler 把 Fiber 请求转换为浏览器视角的 fetch.Request，交给 Policy 处理后写回响应。
type Handler struct {
	policy Policy
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the given policy.
func NewHandler(policy Policy, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{policy: policy, logger: logger}
}

// Handle 执行策略并写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := buildFetchRequest(c, route)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	class := fetch.Class("uncontrolled")
	if cl, ok := h.policy.(classifier); ok {
		class = cl.Classify(req)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.policy.Handle(ctx, req)
	if err != nil {
		status, code := errorStatus(err)
		h.logResult(route, req, class, requestID, status, false, started, err)
		return h.writeError(c, status, code)
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Shellcache-Cache-Hit", fmt.Sprintf("%t", resp.FromCache))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if c.Method() == http.MethodHead {
		h.logResult(route, req, class, requestID, resp.Status, resp.FromCache, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, req, class, requestID, resp.Status, resp.FromCache, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read response failed: %v", err))
	}
	return nil
}

// errorStatus 把策略错误映射为 HTTP 状态：外壳缺失 504，其余（网络失败等）502。
func errorStatus(err error) (int, string) {
	if errors.Is(err, fetch.ErrShellMissing) {
		return fiber.StatusGatewayTimeout, "offline_unavailable"
	}
	return fiber.StatusBadGateway, "upstream_failed"
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	req *fetch.Request,
	class fetch.Class,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, string(class), fetch.StrategyFor(class), cacheHit)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["mode"] = string(req.Mode)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildFetchRequest 优先复用路由中间件解析出的浏览器视角 URL，并从 fetch metadata 头推导模式。
func buildFetchRequest(c fiber.Ctx, route *server.OriginRoute) (*fetch.Request, error) {
	target, err := browserURL(c, route)
	if err != nil {
		return nil, err
	}

	header := fiberHeadersAsHTTP(c)
	method := c.Method()
	req := &fetch.Request{
		Method:      method,
		URL:         target,
		Mode:        requestMode(method, header),
		Destination: strings.ToLower(header.Get("Sec-Fetch-Dest")),
		Header:      header,
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

// requestMode 优先使用 Sec-Fetch-Mode；缺失时把 Accept 含 text/html 的 GET 视为导航，其余视为子资源。
func requestMode(method string, header http.Header) fetch.Mode {
	switch mode := fetch.Mode(strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode")))); mode {
	case fetch.ModeNavigate, fetch.ModeCORS, fetch.ModeNoCORS, fetch.ModeSameOrigin:
		return mode
	case "":
	default:
		return fetch.ModeNoCORS
	}
	if method == http.MethodGet && strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return fetch.ModeNavigate
	}
	return fetch.ModeNoCORS
}

func browserURL(c fiber.Ctx, route *server.OriginRoute) (*url.URL, error) {
	if scope := server.Scope(c); scope != nil && scope.URL != nil && scope.Route == route {
		copied := *scope.URL
		return &copied, nil
	}
	uri := c.Request().URI()
	return route.BrowserURL(string(uri.PathOriginal()), string(uri.QueryString()))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
