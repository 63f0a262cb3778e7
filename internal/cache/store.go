package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Storage 管理全部缓存代际，对应宿主环境提供的 open/keys/delete 能力。
type Storage interface {
	// Open 打开指定代际，不存在时创建。
	Open(ctx context.Context, name string) (Generation, error)

	// Names 按名称排序返回现存的全部代际。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个代际及其条目；代际不存在时返回 false 且不报错。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Generation 是单个代际的句柄，所有方法可被并发调用；同一 Key 的并发写入以最后一次为准。
type Generation interface {
	Name() string

	// Match 按请求身份精确查找，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 写入或覆盖一个条目。代际已被删除时返回 ErrGenerationGone。
	Put(ctx context.Context, key Key, snap *Snapshot) error

	// PutAll 批量写入，供安装阶段一次性提交整份清单。
	PutAll(ctx context.Context, records []Record) error

	// Keys 返回代际内全部条目的请求身份。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 是请求身份：方法 + 绝对 URL。只有 GET 请求可以进入缓存。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法与 URL（去掉 fragment），非 GET 返回 ErrUncacheableMethod。
func NewKey(method string, u *url.URL) (Key, error) {
	if u == nil {
		return Key{}, errors.New("cache key requires url")
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return Key{}, ErrUncacheableMethod
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.Host = strings.ToLower(clean.Host)
	return Key{Method: method, URL: clean.String()}, nil
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 是 Key.String 的逆操作。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, errors.New("malformed cache key")
	}
	return Key{Method: method, URL: rawURL}, nil
}

// Snapshot 是一次响应的完整快照（状态、头、响应类型与正文）。
type Snapshot struct {
	URL    string      `json:"url"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Type   string      `json:"type"`
	Body   []byte      `json:"-"`
}

// Record 组合 Key 与 Snapshot，用于批量写入。
type Record struct {
	Key      Key
	Snapshot *Snapshot
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationGone 表示目标代际已被删除，写入被拒绝以免复活旧代际。
	ErrGenerationGone = errors.New("cache generation deleted")
	// ErrUncacheableMethod 表示请求方法不能作为缓存键。
	ErrUncacheableMethod = errors.New("only GET requests are cacheable")
	// ErrStoreUnavailable 表示未注入缓存存储实例。
	ErrStoreUnavailable = errors.New("cache store unavailable")
)
