package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/djtimer/shellcache/internal/version"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、合并清单文件并执行校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectOriginLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if cfg.Global.ManifestPath != "" {
		manifestPath := cfg.Global.ManifestPath
		if !filepath.IsAbs(manifestPath) {
			manifestPath = filepath.Join(filepath.Dir(path), manifestPath)
		}
		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		if len(manifest.Entries) > 0 {
			cfg.Global.Manifest = manifest.Entries
		}
		if manifest.Version != "" {
			cfg.Global.CacheVersion = manifest.Version
		}
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("CacheName", "app-cache")
	v.SetDefault("CacheVersion", version.CacheVersion)
	v.SetDefault("ShellPath", "/index.html")
	v.SetDefault("FontHosts", []string{"fonts.googleapis.com"})
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallTimeout", "60s")
	v.SetDefault("WriteQueueSize", 256)
	v.SetDefault("WriteWorkers", 4)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendFS
	}
	if strings.TrimSpace(g.CacheVersion) == "" {
		g.CacheVersion = version.CacheVersion
	}
	if g.ShellPath == "" {
		g.ShellPath = "/index.html"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallTimeout.DurationValue() == 0 {
		g.InstallTimeout = Duration(60 * time.Second)
	}
	if g.WriteQueueSize == 0 {
		g.WriteQueueSize = 256
	}
	if g.WriteWorkers == 0 {
		g.WriteWorkers = 4
	}
	for i, host := range g.FontHosts {
		g.FontHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Scheme = strings.ToLower(strings.TrimSpace(o.Scheme))
	if o.Scheme == "" {
		o.Scheme = "https"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectOriginLevelPorts 拒绝在 Origin 表内声明端口，所有 Origin 共享全局 ListenPort。
func rejectOriginLevelPorts(v *viper.Viper) error {
	raw := v.Get("Origin")
	origins, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range origins {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if lookupKey(m, "Port") != nil {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupKey(m, "Name").(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(originField(name, "Port"), "不支持 Origin 级端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupKey 忽略大小写读取 map 字段，viper 可能已将嵌套键转为小写。
func lookupKey(m map[string]interface{}, key string) interface{} {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}
