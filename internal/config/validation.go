package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedBackends = map[string]struct{}{
	BackendFS:      {},
	BackendLevelDB: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", err.Error())
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 fs/leveldb")
	}
	if err := validateGenerationPart(g.CacheName); err != nil {
		return newFieldError("Global.CacheName", err.Error())
	}
	if err := validateGenerationPart(g.CacheVersion); err != nil {
		return newFieldError("Global.CacheVersion", err.Error())
	}
	if !strings.HasPrefix(g.ShellPath, "/") {
		return newFieldError("Global.ShellPath", "必须以 / 开头")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}
	if g.WriteQueueSize <= 0 {
		return newFieldError("Global.WriteQueueSize", "必须大于 0")
	}
	if g.WriteWorkers <= 0 {
		return newFieldError("Global.WriteWorkers", "必须大于 0")
	}
	for i, host := range g.FontHosts {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("Global.FontHosts[%d]: %w", i, err)
		}
	}
	if len(g.Manifest) == 0 {
		return newFieldError("Global.Manifest", "至少需要一个预缓存条目")
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	scopes := 0
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		if _, exists := seenDomains[origin.Domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "重复")
		}
		seenDomains[origin.Domain] = struct{}{}

		if origin.Scheme != "http" && origin.Scheme != "https" {
			return newFieldError(originField(origin.Name, "Scheme"), "仅支持 http/https")
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Scope {
			scopes++
		}
	}
	if scopes != 1 {
		return newFieldError("Origin[].Scope", "必须且只能有一个作用域 Origin")
	}

	scope, _ := c.ScopeOrigin()
	if _, err := ResolveManifest(scope.BaseURL(), g.Manifest); err != nil {
		return err
	}

	return nil
}

// validateGenerationPart 保证代际名称可安全作为目录名/键前缀使用。
func validateGenerationPart(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, "/\\ \x00") {
		return errors.New("不允许包含路径分隔符或空白")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") && strings.Contains(domain, ":") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
