package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
)

// GlobalConfig 描述全局运行时行为，所有 Origin 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	CacheName       string   `mapstructure:"CacheName"`
	CacheVersion    string   `mapstructure:"CacheVersion"`
	ShellPath       string   `mapstructure:"ShellPath"`
	FontHosts       []string `mapstructure:"FontHosts"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout  Duration `mapstructure:"InstallTimeout"`
	WriteQueueSize  int      `mapstructure:"WriteQueueSize"`
	WriteWorkers    int      `mapstructure:"WriteWorkers"`
	ManifestPath    string   `mapstructure:"ManifestPath"`
	Manifest        []string `mapstructure:"Manifest"`
}

// OriginConfig 将浏览器可见的 Host 映射到真实上游。Scope=true 的 Origin
// 即应用自身（同源），其余均视为跨域来源（例如字体 CSS 主机）。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Scheme   string `mapstructure:"Scheme"`
	Upstream string `mapstructure:"Upstream"`
	Scope    bool   `mapstructure:"Scope"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// BaseURL 返回该 Origin 在浏览器视角下的根地址，例如 https://timer.local。
func (o OriginConfig) BaseURL() *url.URL {
	scheme := o.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(o.Domain)}
}

// GenerationName 拼接当前缓存代际名称，例如 DJ-timer-cache-v1.0.4。
func (g GlobalConfig) GenerationName() string {
	return g.CacheName + "-" + g.CacheVersion
}

// ScopeOrigin 返回被标记为应用作用域的 Origin（假定 Validate 已通过）。
func (c *Config) ScopeOrigin() (OriginConfig, bool) {
	if c == nil {
		return OriginConfig{}, false
	}
	for _, origin := range c.Origins {
		if origin.Scope {
			return origin, true
		}
	}
	return OriginConfig{}, false
}

// OriginSummary 返回所有 Origin 的摘要，例如 app:scope、fonts:cross-origin。
func OriginSummary(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		kind := "cross-origin"
		if origin.Scope {
			kind = "scope"
		}
		result[i] = fmt.Sprintf("%s:%s", origin.Name, kind)
	}
	return result
}
