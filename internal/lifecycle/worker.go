package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/djtimer/shellcache/internal/cache"
	"github.com/djtimer/shellcache/internal/fetch"
	"github.com/djtimer/shellcache/internal/logging"
)

// ErrInstallFailed 表示预缓存整体失败；代际保持安装前的内容。
var ErrInstallFailed = errors.New("precache install failed")

// State 是 worker 的生命周期状态。
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// installConcurrency 限制安装阶段并发回源的清单条目数。
const installConcurrency = 8

// Options 描述一次 worker 版本所需的全部输入，启动时构建后不再修改。
type Options struct {
	Storage        cache.Storage
	Generation     string
	Manifest       []*url.URL
	Network        fetch.Network
	InstallTimeout time.Duration
	Logger         *logrus.Logger
}

// Status 是 worker 状态的只读快照，供诊断接口输出。
type Status struct {
	State        State  `json:"state"`
	Generation   string `json:"generation"`
	SkipWaiting  bool   `json:"skipWaiting"`
	Controlling  bool   `json:"controlling"`
	InstallError string `json:"installError,omitempty"`
}

// Worker 按 install → activate 的顺序管理当前版本的缓存代际。
type Worker struct {
	storage        cache.Storage
	name           string
	manifest       []*url.URL
	network        fetch.Network
	installTimeout time.Duration
	logger         *logrus.Logger

	mu          sync.RWMutex
	state       State
	generation  cache.Generation
	skipWaiting bool
	controlling bool
	installErr  error
}

// NewWorker 校验依赖并返回处于 new 状态的 worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Generation == "" {
		return nil, errors.New("generation name is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	manifest := make([]*url.URL, len(opts.Manifest))
	copy(manifest, opts.Manifest)
	return &Worker{
		storage:        opts.Storage,
		name:           opts.Generation,
		manifest:       manifest,
		network:        opts.Network,
		installTimeout: opts.InstallTimeout,
		logger:         logger,
		state:          StateNew,
	}, nil
}

// Run 依次执行 Install 与 Activate。安装失败不会阻止激活，返回的 Generation 始终可用。
func (w *Worker) Run(ctx context.Context) (cache.Generation, error) {
	gen, err := w.Install(ctx)
	if gen == nil {
		return nil, err
	}
	if activateErr := w.Activate(ctx); activateErr != nil {
		w.logger.WithFields(logging.LifecycleFields("activate", w.name)).
			WithError(activateErr).Warn("activate_partial_failure")
	}
	return gen, nil
}

// Install 打开（不存在则创建）当前代际，并发拉取全部清单条目后一次性写入。
// 任一条目失败则整体放弃写入，错误包装 ErrInstallFailed；即便失败，worker 仍进入 installed
// 并请求跳过等待。只有代际本身无法打开时才返回 nil Generation。
func (w *Worker) Install(ctx context.Context) (cache.Generation, error) {
	w.setState(StateInstalling)
	entry := w.logger.WithFields(logging.LifecycleFields("install", w.name))
	started := time.Now()

	gen, err := w.storage.Open(ctx, w.name)
	if err != nil {
		entry.WithError(err).Error("open_generation_failed")
		w.finishInstall(nil, err)
		return nil, fmt.Errorf("%w: %w", cache.ErrStoreUnavailable, err)
	}

	records, err := w.fetchManifest(ctx)
	if err == nil {
		err = gen.PutAll(ctx, records)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInstallFailed, err)
		entry.WithError(err).WithField("entries", len(w.manifest)).Error("precache_failed")
	} else {
		entry.WithFields(logrus.Fields{
			"entries":    len(records),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("precache_complete")
	}

	w.finishInstall(gen, err)
	return gen, err
}

func (w *Worker) fetchManifest(ctx context.Context) ([]cache.Record, error) {
	if w.installTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.installTimeout)
		defer cancel()
	}

	records := make([]cache.Record, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, target := range w.manifest {
		g.Go(func() error {
			record, err := w.fetchEntry(gctx, target)
			if err != nil {
				return fmt.Errorf("%s: %w", target, err)
			}
			records[i] = record
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// fetchEntry 拉取单个清单条目；只接受 2xx 响应，与批量预缓存的语义一致。
func (w *Worker) fetchEntry(ctx context.Context, target *url.URL) (cache.Record, error) {
	req, err := fetch.NewRequest(http.MethodGet, target.String())
	if err != nil {
		return cache.Record{}, err
	}
	key, err := req.CacheKey()
	if err != nil {
		return cache.Record{}, err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return cache.Record{}, err
	}
	if !resp.OK() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return cache.Record{}, fmt.Errorf("unexpected status %d", resp.Status)
	}
	snap, err := resp.Snapshot()
	if err != nil {
		return cache.Record{}, err
	}
	return cache.Record{Key: key, Snapshot: snap}, nil
}

func (w *Worker) finishInstall(gen cache.Generation, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation = gen
	w.installErr = err
	if gen != nil {
		w.state = StateInstalled
		w.skipWaiting = true
	}
}

// Activate 删除全部非当前代际，然后接管客户端。各代际删除并发进行、互不影响，
// 失败逐个记录日志；即使有删除失败也会完成接管，并返回汇总后的错误。
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateInstalled && w.state != StateActivated {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("activate in state %s", state)
	}
	w.state = StateActivating
	w.mu.Unlock()

	entry := w.logger.WithFields(logging.LifecycleFields("activate", w.name))
	err := w.deleteStale(ctx)

	w.mu.Lock()
	w.state = StateActivated
	w.controlling = true
	w.mu.Unlock()
	entry.Info("clients_claimed")
	return err
}

func (w *Worker) deleteStale(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		w.logger.WithFields(logging.LifecycleFields("activate", w.name)).
			WithError(err).Error("list_generations_failed")
		return err
	}

	stale := StaleGenerations(w.name, names)
	errs := make([]error, len(stale))
	// 不使用 WithContext：单个失败不能取消其余删除。
	var g errgroup.Group
	for i, name := range stale {
		g.Go(func() error {
			fields := logging.LifecycleFields("delete_generation", w.name)
			fields["stale"] = name
			if _, err := w.storage.Delete(ctx, name); err != nil {
				w.logger.WithFields(fields).WithError(err).Warn("delete_generation_failed")
				errs[i] = fmt.Errorf("delete %s: %w", name, err)
				return nil
			}
			w.logger.WithFields(fields).Info("generation_deleted")
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// StaleGenerations 返回除 current 以外的全部代际名称，保持输入顺序。
func StaleGenerations(current string, names []string) []string {
	stale := make([]string, 0, len(names))
	for _, name := range names {
		if name != current {
			stale = append(stale, name)
		}
	}
	return stale
}

// Controlling 报告 worker 是否已接管客户端；接管前请求应直接走网络。
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.controlling
}

// Generation 返回已打开的当前代际，安装前为 nil。
func (w *Worker) Generation() cache.Generation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// GenerationName 返回当前版本对应的代际名称。
func (w *Worker) GenerationName() string {
	return w.name
}

// Status 返回当前状态快照。
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status := Status{
		State:       w.state,
		Generation:  w.name,
		SkipWaiting: w.skipWaiting,
		Controlling: w.controlling,
	}
	if w.installErr != nil {
		status.InstallError = w.installErr.Error()
	}
	return status
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}
