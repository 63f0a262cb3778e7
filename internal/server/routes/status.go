package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/djtimer/shellcache/internal/cache"
	"github.com/djtimer/shellcache/internal/lifecycle"
	"github.com/djtimer/shellcache/internal/server"
	"github.com/djtimer/shellcache/internal/version"
)

// StatusSource 提供 worker 状态，由 lifecycle.Worker 实现。
type StatusSource interface {
	Status() lifecycle.Status
}

// RegisterStatusRoutes 暴露 /-/status 与 /-/generations/:name 诊断接口。
func RegisterStatusRoutes(app *fiber.App, registry *server.OriginRegistry, storage cache.Storage, worker StatusSource) {
	if app == nil || storage == nil || worker == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload, err := buildStatus(c.Context(), registry, storage, worker)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(payload)
	})

	app.Get("/-/generations/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "generation_required"})
		}
		keys, err := generationKeys(c.Context(), storage, name)
		if errors.Is(err, cache.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "generation_not_found"})
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable"})
		}
		return c.JSON(generationPayload{Name: name, Entries: encodeKeys(keys)})
	})
}

type statusPayload struct {
	Version     string           `json:"version"`
	Worker      lifecycle.Status `json:"worker"`
	Generations []string         `json:"generations"`
	Entries     int              `json:"entries"`
	Origins     []originPayload  `json:"origins"`
}

type originPayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Upstream   string `json:"upstream"`
	SameOrigin bool   `json:"same_origin"`
}

type generationPayload struct {
	Name    string   `json:"name"`
	Entries []string `json:"entries"`
}

func buildStatus(ctx context.Context, registry *server.OriginRegistry, storage cache.Storage, worker StatusSource) (statusPayload, error) {
	status := worker.Status()
	names, err := storage.Names(ctx)
	if err != nil {
		return statusPayload{}, err
	}
	payload := statusPayload{
		Version:     version.Full(),
		Worker:      status,
		Generations: names,
		Origins:     encodeOrigins(registry.List()),
	}
	if keys, err := generationKeys(ctx, storage, status.Generation); err == nil {
		payload.Entries = len(keys)
	}
	return payload, nil
}

// generationKeys 只读取已存在的代际，避免诊断请求意外创建新代际。
func generationKeys(ctx context.Context, storage cache.Storage, name string) ([]cache.Key, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}
	idx := sort.SearchStrings(names, name)
	if idx >= len(names) || names[idx] != name {
		return nil, cache.ErrNotFound
	}
	gen, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return gen.Keys(ctx)
}

func encodeKeys(keys []cache.Key) []string {
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, key.String())
	}
	sort.Strings(result)
	return result
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:       route.Config.Name,
			Domain:     route.Config.Domain,
			Upstream:   route.UpstreamURL.String(),
			SameOrigin: route.SameOrigin,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
