package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/djtimer/shellcache/internal/cache"
	"github.com/djtimer/shellcache/internal/logging"
)

// Network 是网络能力：成功返回响应（任意状态码），传输失败返回包装 ErrNetwork 的错误。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc 让普通函数满足 Network 接口，便于测试注入。
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// 策略名称，出现在日志与诊断输出中。
const (
	StrategyNetworkFirst      = "network-first"
	StrategyCacheFirstLenient = "cache-first-lenient"
	StrategyCacheFirstStrict  = "cache-first-strict"
)

// StrategyFor 返回分类对应的策略名称。
func StrategyFor(class Class) string {
	switch class {
	case ClassNavigation:
		return StrategyNetworkFirst
	case ClassFont:
		return StrategyCacheFirstLenient
	case ClassGeneric:
		return StrategyCacheFirstStrict
	default:
		return "passthrough"
	}
}

// Options 是引擎的不可变配置，在启动时注入。
type Options struct {
	Generation cache.Generation
	ShellURL   *url.URL
	FontHosts  []string
	Network    Network
	Writer     *cache.BackgroundWriter
	Logger     *logrus.Logger
}

// Engine 对每个请求独立分类并执行策略，请求之间只共享缓存存储。
type Engine struct {
	generation cache.Generation
	shellKey   cache.Key
	classifier Classifier
	network    Network
	writer     *cache.BackgroundWriter
	ownsWriter bool
	logger     *logrus.Logger
}

// NewEngine 校验依赖并构建引擎；未注入 Writer 时自建一个并在 Close 时释放。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Generation == nil {
		return nil, errors.New("cache generation is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.ShellURL == nil {
		return nil, errors.New("shell url is required")
	}
	shellKey, err := cache.NewKey(http.MethodGet, opts.ShellURL)
	if err != nil {
		return nil, fmt.Errorf("shell key: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	engine := &Engine{
		generation: opts.Generation,
		shellKey:   shellKey,
		classifier: NewClassifier(opts.FontHosts),
		network:    opts.Network,
		writer:     opts.Writer,
		logger:     logger,
	}
	if engine.writer == nil {
		engine.writer = cache.NewBackgroundWriter(logger, cache.WriterOptions{})
		engine.ownsWriter = true
	}
	return engine, nil
}

// Generation 返回引擎服务的当前代际名称。
func (e *Engine) Generation() string {
	return e.generation.Name()
}

// Classify 暴露分类结果，供代理层记录日志。
func (e *Engine) Classify(req *Request) Class {
	return e.classifier.Classify(req)
}

// Flush 等待已提交的回填写入完成。
func (e *Engine) Flush() {
	e.writer.Flush()
}

// Close 释放引擎自建的 Writer。
func (e *Engine) Close() {
	if e.ownsWriter {
		e.writer.Close()
	}
}

// Handle 按“分类 → 查找/回源 → 可选写入 → 返回”的顺序处理单个请求。
func (e *Engine) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	switch class := e.classifier.Classify(req); class {
	case ClassNavigation:
		return e.networkFirst(ctx, req)
	case ClassFont:
		return e.cacheFirst(ctx, req, class, lenientCacheable)
	default:
		return e.cacheFirst(ctx, req, ClassGeneric, strictCacheable)
	}
}

// networkFirst 总是先请求网络；只有传输失败才回退到缓存的外壳文档，网络响应不写缓存。
func (e *Engine) networkFirst(ctx context.Context, req *Request) (*Response, error) {
	entry := e.entry(req, ClassNavigation)

	resp, err := e.network.Fetch(ctx, req)
	if err == nil {
		entry.WithField("cache_hit", false).WithField("status", resp.Status).Debug("navigation_network")
		return resp, nil
	}

	snap, lookupErr := e.generation.Match(ctx, e.shellKey)
	if lookupErr != nil {
		entry.WithError(err).WithField("shell", e.shellKey.URL).Warn("navigation_offline_no_shell")
		if errors.Is(lookupErr, cache.ErrNotFound) {
			return nil, fmt.Errorf("%w (network: %w)", ErrShellMissing, err)
		}
		return nil, fmt.Errorf("%w (lookup: %v, network: %w)", ErrShellMissing, lookupErr, err)
	}
	entry.WithError(err).WithField("cache_hit", true).Info("navigation_offline_fallback")
	return responseFromSnapshot(snap), nil
}

// cacheFirst 命中直接返回；未命中回源，满足 cacheable 时复制正文并异步写入，网络失败原样上抛。
func (e *Engine) cacheFirst(
	ctx context.Context,
	req *Request,
	class Class,
	cacheable func(*Response) bool,
) (*Response, error) {
	entry := e.entry(req, class)

	key, keyErr := req.CacheKey()
	if keyErr == nil {
		snap, err := e.generation.Match(ctx, key)
		switch {
		case err == nil:
			entry.WithField("cache_hit", true).Debug("cache_hit")
			return responseFromSnapshot(snap), nil
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			entry.WithError(err).Warn("cache_get_failed")
		}
	}

	resp, err := e.network.Fetch(ctx, req)
	if err != nil {
		entry.WithError(err).Warn("fetch_failed")
		return nil, err
	}
	entry = entry.WithField("status", resp.Status)

	if keyErr != nil || !cacheable(resp) {
		entry.Debug("network_passthrough")
		return resp, nil
	}

	copyForCache, err := resp.Clone()
	if err != nil {
		return nil, err
	}
	snap, err := copyForCache.Snapshot()
	if err != nil {
		entry.WithError(err).Warn("cache_snapshot_failed")
		return resp, nil
	}
	e.writer.Submit(e.generation, key, snap)
	entry.Debug("network_refill")
	return resp, nil
}

func (e *Engine) entry(req *Request, class Class) *logrus.Entry {
	fields := logging.RequestFields(req.URL.Host, string(class), StrategyFor(class), false)
	fields["url"] = req.URL.String()
	fields["generation"] = e.generation.Name()
	return e.logger.WithFields(fields)
}

// lenientCacheable 用于字体：任何可存储的 2xx 都写缓存，不区分同源/跨域。
// 204 没有可回放的正文，206 只是部分内容，两者都不写入。
func lenientCacheable(resp *Response) bool {
	if !resp.OK() {
		return false
	}
	return resp.Status != http.StatusNoContent && resp.Status != http.StatusPartialContent
}

// strictCacheable 用于通用资源：只缓存同源且状态恰为 200 的响应。
func strictCacheable(resp *Response) bool {
	return resp.Status == http.StatusOK && resp.Type == TypeBasic
}
