package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/djtimer/shellcache/internal/cache"
	"github.com/djtimer/shellcache/internal/config"
	"github.com/djtimer/shellcache/internal/fetch"
	"github.com/djtimer/shellcache/internal/lifecycle"
	"github.com/djtimer/shellcache/internal/logging"
	"github.com/djtimer/shellcache/internal/proxy"
	"github.com/djtimer/shellcache/internal/server"
	"github.com/djtimer/shellcache/internal/server/routes"
	"github.com/djtimer/shellcache/internal/timerstate"
	"github.com/djtimer/shellcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = config.OriginSummary(cfg.Origins)
		fields["generation"] = cfg.Global.GenerationName()
		fields["manifest_entries"] = len(cfg.Global.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → OriginRegistry → 缓存存储 → 安装/激活 → 策略引擎 → Fiber server”顺序启动，
// 所有请求共享同一个代际与后台写入队列。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}

	storage, err := openStorage(cfg.Global)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer storage.Close()

	timerStore, err := timerstate.NewLevelStore(filepath.Join(cfg.Global.StoragePath, "timer"))
	if err != nil {
		return fmt.Errorf("初始化计时状态存储失败: %w", err)
	}
	defer timerStore.Close()

	manifest, err := cfg.ManifestURLs()
	if err != nil {
		return err
	}
	shellURL, err := cfg.ShellURL()
	if err != nil {
		return err
	}

	network := proxy.NewUpstream(server.NewUpstreamClient(cfg), registry, logger)

	worker, err := lifecycle.NewWorker(lifecycle.Options{
		Storage:        storage,
		Generation:     cfg.Global.GenerationName(),
		Manifest:       manifest,
		Network:        network,
		InstallTimeout: cfg.Global.InstallTimeout.DurationValue(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	fields := logging.BaseFields("startup", configPath)
	fields["origins"] = config.OriginSummary(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["generation"] = worker.GenerationName()
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	generation, err := worker.Install(ctx)
	if generation == nil {
		return err
	}

	writer := cache.NewBackgroundWriter(logger, cache.WriterOptions{
		Workers:   cfg.Global.WriteWorkers,
		QueueSize: cfg.Global.WriteQueueSize,
		Timeout:   cfg.Global.UpstreamTimeout.DurationValue(),
	})
	defer writer.Close()

	engine, err := fetch.NewEngine(fetch.Options{
		Generation: generation,
		ShellURL:   shellURL,
		FontHosts:  cfg.Global.FontHosts,
		Network:    network,
		Writer:     writer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	forwarder := proxy.NewForwarder(
		proxy.NewHandler(engine, logger),
		proxy.NewHandler(proxy.Passthrough(network), logger),
		worker,
		logger,
	)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, registry, storage, worker)
	routes.RegisterTimerRoutes(app, timerStore, logger)

	// 激活在后台进行：清理旧代际期间请求直接走网络，接管后切换到缓存策略。
	go func() {
		if err := worker.Activate(ctx); err != nil {
			logger.WithFields(logging.LifecycleFields("activate", worker.GenerationName())).
				WithError(err).Warn("activate_partial_failure")
		}
	}()

	return server.Serve(ctx, app, cfg.Global.ListenPort, logger)
}

// openStorage 按配置选择缓存后端，目录与计时状态库分开存放。
func openStorage(global config.GlobalConfig) (cache.Storage, error) {
	switch global.StorageBackend {
	case config.BackendLevelDB:
		return cache.NewLevelStorage(filepath.Join(global.StoragePath, "cache.ldb"))
	default:
		return cache.NewFileStorage(filepath.Join(global.StoragePath, "cache"))
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
