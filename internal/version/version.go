package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
// CacheVersion 是缓存代际的默认版本号，发布新静态资源时通过
// -ldflags "-X .../internal/version.CacheVersion=v1.0.5" 或配置 CacheVersion 提升。
var (
	Version      = "0.1.0"
	Commit       = "dev"
	CacheVersion = "v1.0.4"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("shellcache %s (%s) cache=%s", Version, Commit, CacheVersion)
}
