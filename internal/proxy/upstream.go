package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/djtimer/shellcache/internal/fetch"
	"github.com/djtimer/shellcache/internal/server"
)

// Upstream 实现 fetch.Network：把浏览器视角的 URL 改写到对应 Origin 的上游后发起请求。
// 未映射的主机按原 URL 直连。作用域 Origin 的响应标记为 basic，其余为 cors。
type Upstream struct {
	client   *http.Client
	registry *server.OriginRegistry
	logger   *logrus.Logger
}

// NewUpstream constructs the network adapter shared by install and request handling.
func NewUpstream(client *http.Client, registry *server.OriginRegistry, logger *logrus.Logger) *Upstream {
	if client == nil {
		client = server.NewUpstreamClient(nil)
	}
	return &Upstream{client: client, registry: registry, logger: logger}
}

// Fetch 只在传输层失败时返回错误（包装 fetch.ErrNetwork），任何 HTTP 状态码都视为成功响应。
func (u *Upstream) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	route, mapped := u.registry.Lookup(req.URL.Host)

	target := req.URL
	if mapped {
		target = route.UpstreamFor(req.URL)
	}

	upstreamReq, err := buildUpstreamRequest(ctx, req, target)
	if err != nil {
		return nil, err
	}

	resp, err := u.client.Do(upstreamReq)
	if err != nil {
		if u.logger != nil {
			u.logger.WithFields(logrus.Fields{
				"action":   "upstream",
				"url":      req.URL.String(),
				"upstream": target.String(),
			}).WithError(err).Debug("upstream_transport_failed")
		}
		return nil, fmt.Errorf("%w: %v", fetch.ErrNetwork, err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)

	typ := fetch.TypeCORS
	if mapped && route.SameOrigin {
		typ = fetch.TypeBasic
	}
	return fetch.NewResponse(req.URL.String(), resp.StatusCode, header, typ, resp.Body), nil
}

func buildUpstreamRequest(ctx context.Context, req *fetch.Request, target *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = target.Host
	if req.URL.Host != "" && req.URL.Host != target.Host {
		upstreamReq.Header.Set("X-Forwarded-Host", req.URL.Host)
		upstreamReq.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	return upstreamReq, nil
}
