package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时文件失败: %v", err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./storage",
			StorageBackend:  BackendFS,
			CacheName:       "app-cache",
			CacheVersion:    "v1.0.4",
			ShellPath:       "/index.html",
			FontHosts:       []string{"fonts.googleapis.com"},
			UpstreamTimeout: Duration(30e9),
			InstallTimeout:  Duration(60e9),
			WriteQueueSize:  16,
			WriteWorkers:    2,
			Manifest:        []string{"/", "/index.html"},
		},
		Origins: []OriginConfig{
			{
				Name:     "app",
				Domain:   "timer.local",
				Scheme:   "https",
				Upstream: "http://127.0.0.1:8080",
				Scope:    true,
			},
		},
	}
}
