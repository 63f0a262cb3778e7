package cache

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// BackgroundWriter 在请求路径之外执行回填写入：提交立即返回，写入失败只记日志。
// 队列满时丢弃本次写入（下次未命中会再次回填），丢弃日志按分钟采样。
type BackgroundWriter struct {
	logger  *logrus.Logger
	queue   chan writeJob
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup

	// pending 统计已入队未完成的写入；计数归零时广播 drained。
	pendingMu sync.Mutex
	pending   int
	drained   *sync.Cond

	overflow rate.Sometimes
}

type writeJob struct {
	generation Generation
	key        Key
	snapshot   *Snapshot
}

// WriterOptions 控制后台写入的并发与队列长度。
type WriterOptions struct {
	Workers   int
	QueueSize int
	// Timeout 限制单次写入耗时，0 表示不限制。
	Timeout time.Duration
}

// NewBackgroundWriter 启动 opts.Workers 个写入协程。
func NewBackgroundWriter(logger *logrus.Logger, opts WriterOptions) *BackgroundWriter {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	w := &BackgroundWriter{
		logger:   logger,
		queue:    make(chan writeJob, opts.QueueSize),
		timeout:  opts.Timeout,
		overflow: rate.Sometimes{Interval: time.Minute},
	}
	w.drained = sync.NewCond(&w.pendingMu)
	for i := 0; i < opts.Workers; i++ {
		w.workers.Add(1)
		go w.loop()
	}
	return w
}

// Submit 投递一次写入，返回是否成功入队。
func (w *BackgroundWriter) Submit(gen Generation, key Key, snap *Snapshot) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || gen == nil {
		return false
	}

	w.track(1)
	select {
	case w.queue <- writeJob{generation: gen, key: key, snapshot: snap}:
		return true
	default:
		w.track(-1)
		w.overflow.Do(func() {
			w.logger.WithFields(logrus.Fields{
				"action":     "cache_refill",
				"generation": gen.Name(),
				"url":        key.URL,
			}).Warn("cache_write_queue_full")
		})
		return false
	}
}

// Flush 阻塞到没有未完成的写入为止；与 Submit 并发调用时，会一并等待期间新入队的写入。
func (w *BackgroundWriter) Flush() {
	w.pendingMu.Lock()
	for w.pending > 0 {
		w.drained.Wait()
	}
	w.pendingMu.Unlock()
}

func (w *BackgroundWriter) track(delta int) {
	w.pendingMu.Lock()
	w.pending += delta
	if w.pending == 0 {
		w.drained.Broadcast()
	}
	w.pendingMu.Unlock()
}

// Close 停止接收新写入，并等待队列排空。
func (w *BackgroundWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.workers.Wait()
}

func (w *BackgroundWriter) loop() {
	defer w.workers.Done()
	for job := range w.queue {
		w.apply(job)
		w.track(-1)
	}
}

func (w *BackgroundWriter) apply(job writeJob) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	fields := logrus.Fields{
		"action":     "cache_refill",
		"generation": job.generation.Name(),
		"url":        job.key.URL,
	}
	if err := job.generation.Put(ctx, job.key, job.snapshot); err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("cache_write_failed")
		return
	}
	w.logger.WithFields(fields).Debug("cache_write_done")
}
