package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/djtimer/shellcache/internal/cache"
)

// Mode 对应浏览器 fetch 的请求模式（Sec-Fetch-Mode）。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeCORS       Mode = "cors"
	ModeNoCORS     Mode = "no-cors"
	ModeSameOrigin Mode = "same-origin"
)

// DestinationFont 是字体请求的 Sec-Fetch-Dest 取值。
const DestinationFont = "font"

// ResponseType 区分同源（basic）与跨域（cors）响应。
type ResponseType string

const (
	TypeBasic ResponseType = "basic"
	TypeCORS  ResponseType = "cors"
)

var (
	// ErrNetwork 包装所有传输层失败（离线、DNS、连接被拒、超时）。
	ErrNetwork = errors.New("network request failed")
	// ErrShellMissing 表示导航离线回退时缓存中没有外壳文档。
	ErrShellMissing = errors.New("offline shell not cached")
	// ErrBodyUsed 表示响应正文已被读取，无法再复制。
	ErrBodyUsed = errors.New("response body already used")
)

// Request 是被拦截的一次请求。URL 为浏览器视角下的绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        Mode
	Destination string
	Header      http.Header
	Body        []byte
}

// NewRequest 以 GET + cors 默认值构造请求，主要用于安装阶段与测试。
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Mode:   ModeCORS,
		Header: http.Header{},
	}, nil
}

// CacheKey 返回请求身份；非 GET 请求返回 cache.ErrUncacheableMethod。
func (r *Request) CacheKey() (cache.Key, error) {
	return cache.NewKey(r.Method, r.URL)
}

// Response 是网络或缓存产出的响应。Body 只能被读取一次，需同时返回与写缓存时先 Clone。
type Response struct {
	URL       string
	Status    int
	Header    http.Header
	Type      ResponseType
	Body      io.ReadCloser
	FromCache bool
}

// NewResponse 包装正文以追踪是否已被读取。
func NewResponse(rawURL string, status int, header http.Header, typ ResponseType, body io.ReadCloser) *Response {
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		URL:    rawURL,
		Status: status,
		Header: header,
		Type:   typ,
		Body:   &trackedBody{ReadCloser: body},
	}
}

// OK 对应 fetch 的 response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// BodyUsed 报告正文是否已被读取。
func (r *Response) BodyUsed() bool {
	if tb, ok := r.Body.(*trackedBody); ok {
		return tb.used.Load()
	}
	return false
}

// Clone 在任一方读取之前复制正文：原响应与副本各自持有独立的 Reader。
func (r *Response) Clone() (*Response, error) {
	if r.BodyUsed() {
		return nil, ErrBodyUsed
	}
	payload, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	r.Body = &trackedBody{ReadCloser: io.NopCloser(bytes.NewReader(payload))}

	clone := *r
	clone.Header = r.Header.Clone()
	clone.Body = &trackedBody{ReadCloser: io.NopCloser(bytes.NewReader(payload))}
	return &clone, nil
}

// Snapshot 读取（并消费）正文，生成可写入缓存的快照。
func (r *Response) Snapshot() (*cache.Snapshot, error) {
	if r.BodyUsed() {
		return nil, ErrBodyUsed
	}
	payload, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	return &cache.Snapshot{
		URL:    r.URL,
		Status: r.Status,
		Header: r.Header.Clone(),
		Type:   string(r.Type),
		Body:   payload,
	}, nil
}

// responseFromSnapshot 把缓存条目还原为响应，正文为快照字节的独立 Reader。
func responseFromSnapshot(snap *cache.Snapshot) *Response {
	resp := NewResponse(snap.URL, snap.Status, snap.Header.Clone(), ResponseType(snap.Type),
		io.NopCloser(bytes.NewReader(snap.Body)))
	resp.FromCache = true
	return resp
}

type trackedBody struct {
	io.ReadCloser
	used atomic.Bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	b.used.Store(true)
	return b.ReadCloser.Read(p)
}
