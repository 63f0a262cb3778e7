package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile 描述可选的 YAML 预缓存清单，便于静态资源构建流程单独产出。
type ManifestFile struct {
	Version string   `yaml:"version"`
	Entries []string `yaml:"entries"`
}

// LoadManifest 读取 YAML 清单；空条目会被剔除，顺序保持不变。
func LoadManifest(path string) (ManifestFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("读取清单失败: %w", err)
	}
	var manifest ManifestFile
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return ManifestFile{}, fmt.Errorf("解析清单失败: %w", err)
	}
	manifest.Version = strings.TrimSpace(manifest.Version)
	entries := manifest.Entries[:0]
	for _, entry := range manifest.Entries {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			entries = append(entries, trimmed)
		}
	}
	manifest.Entries = entries
	return manifest, nil
}

// ResolveManifest 将清单条目解析为绝对 URL：相对路径基于作用域 Origin，
// 绝对 URL（例如跨域字体样式表）保持原样。
func ResolveManifest(base *url.URL, entries []string) ([]*url.URL, error) {
	if base == nil {
		return nil, errors.New("缺少作用域 Origin")
	}
	result := make([]*url.URL, 0, len(entries))
	for idx, entry := range entries {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, newFieldError(manifestField(idx), err.Error())
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return nil, newFieldError(manifestField(idx), "仅支持 http/https")
		}
		result = append(result, resolved)
	}
	return result, nil
}

// ShellURL 返回作用域下的规范外壳文档地址，导航离线回退使用该条目。
func (c *Config) ShellURL() (*url.URL, error) {
	scope, ok := c.ScopeOrigin()
	if !ok {
		return nil, errors.New("缺少作用域 Origin")
	}
	ref, err := url.Parse(c.Global.ShellPath)
	if err != nil {
		return nil, newFieldError("Global.ShellPath", err.Error())
	}
	return scope.BaseURL().ResolveReference(ref), nil
}

// ManifestURLs 以作用域 Origin 为基准解析全局清单。
func (c *Config) ManifestURLs() ([]*url.URL, error) {
	scope, ok := c.ScopeOrigin()
	if !ok {
		return nil, errors.New("缺少作用域 Origin")
	}
	return ResolveManifest(scope.BaseURL(), c.Global.Manifest)
}
