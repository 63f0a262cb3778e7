package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"github.com/djtimer/shellcache/internal/config"
)

// OriginRoute 将 Origin 配置与派生属性（浏览器视角的根地址、解析后的 Upstream）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// BaseURL 是浏览器看到的根地址，缓存键与响应类型都以它为准。
	BaseURL *url.URL
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	// SameOrigin 为 true 表示该 Origin 即应用作用域，响应类型为 basic。
	SameOrigin bool
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		upstreamURL, err := url.Parse(origin.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
		}

		route := &OriginRoute{
			Config:      origin,
			BaseURL:     origin.BaseURL(),
			UpstreamURL: upstreamURL,
			SameOrigin:  origin.Scope,
		}
		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于 /-/status 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// UpstreamFor 把浏览器视角的 URL 改写到对应 Origin 的上游，保留路径与查询串。
func (route *OriginRoute) UpstreamFor(target *url.URL) *url.URL {
	relative := &url.URL{
		Path:     target.Path,
		RawPath:  target.RawPath,
		RawQuery: target.RawQuery,
	}
	if relative.Path == "" {
		relative.Path = "/"
	}
	if base := route.UpstreamURL; base.Path != "" && base.Path != "/" {
		joined := *base
		joined.Path = strings.TrimSuffix(base.Path, "/") + relative.Path
		joined.RawPath = ""
		if relative.RawPath != "" {
			joined.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + relative.EscapedPath()
		}
		joined.RawQuery = relative.RawQuery
		return &joined
	}
	return route.UpstreamURL.ResolveReference(relative)
}

// BrowserURL 以浏览器视角的根地址重建请求 URL。escapedPath 必须是未解码的原始路径，
// 这样 %3F、%23 之类的转义字符仍属于路径而不会被当作查询串或 fragment。
func (route *OriginRoute) BrowserURL(escapedPath, rawQuery string) (*url.URL, error) {
	escaped := cleanEscapedPath(escapedPath)
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", escapedPath, err)
	}
	target := *route.BaseURL
	target.Path = decoded
	target.RawPath = ""
	if escaped != decoded {
		target.RawPath = escaped
	}
	target.RawQuery = rawQuery
	target.Fragment = ""
	target.RawFragment = ""
	return &target, nil
}

// cleanEscapedPath 折叠 . / .. 段并保留结尾斜杠；只处理转义前的文本，%2E%2E 保持原样。
func cleanEscapedPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func normalizeDomain(domain string) string {
	return normalizeHost(domain)
}

// normalizeHost 去掉端口与结尾的点并转小写；所有 Origin 共享全局监听端口，端口不参与匹配。
func normalizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
