package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/emm-site/offline-edge/internal/api"
	"github.com/emm-site/offline-edge/internal/cache"
	"github.com/emm-site/offline-edge/internal/config"
	"github.com/emm-site/offline-edge/internal/metrics"
	"github.com/emm-site/offline-edge/internal/offline"
	"github.com/emm-site/offline-edge/internal/proxy"
	"github.com/emm-site/offline-edge/internal/server"
	"github.com/emm-site/offline-edge/internal/server/routes"
)

const shutdownTimeout = 10 * time.Second

// edge 聚合进程生命周期内共享的组件：站点、缓存存储、回源网络、指标与注册表。
type edge struct {
	configPath string
	logger     *logrus.Logger

	site         *server.Site
	client       *http.Client
	store        cache.Storage
	network      *proxy.Network
	recorder     *metrics.Recorder
	registration *offline.Registration
}

func newEdge(configPath string, cfg *config.Config, logger *logrus.Logger) (*edge, error) {
	site, err := server.NewSite(cfg.Site)
	if err != nil {
		return nil, fmt.Errorf("构建站点失败: %w", err)
	}
	store, err := cache.NewStorage(cache.Options{
		Backend:     cache.Backend(cfg.Global.CacheBackend),
		StoragePath: cfg.Global.StoragePath,
		Redis: cache.RedisOptions{
			Addr:     cfg.Global.RedisAddr,
			Password: cfg.Global.RedisPassword,
			DB:       cfg.Global.RedisDB,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	client := server.NewUpstreamClient(cfg.Global)
	return &edge{
		configPath:   configPath,
		logger:       logger,
		site:         site,
		client:       client,
		store:        store,
		network:      proxy.NewNetwork(client, site),
		recorder:     metrics.NewRecorder(),
		registration: offline.NewRegistration(logger),
	}, nil
}

func (e *edge) workerOptions(cfg *config.Config) offline.Options {
	return offline.Options{
		Generation:          offline.Generation(cfg.Site.Generation),
		Scope:               cfg.Site.ScopeURL(),
		Manifest:            offline.Manifest(cfg.Site.Precache),
		NavigationFallback:  cfg.Site.NavigationFallback,
		Storage:             e.store,
		Network:             e.network,
		Logger:              e.logger,
		Observer:            e.recorder,
		PrecacheConcurrency: cfg.Site.PrecacheConcurrency,
		CacheWriteTimeout:   cfg.Global.CacheWriteTimeout.DurationValue(),
	}
}

// bootstrap 先接管上次运行留下的缓存桶，再按当前配置安装。
// 安装失败只记录日志：已恢复的控制者继续服务，否则请求透传，等待下一次定时更新。
func (e *edge) bootstrap(ctx context.Context, cfg *config.Config) {
	restored, err := e.registration.Restore(ctx, e.workerOptions(cfg))
	switch {
	case err != nil:
		e.logger.WithField("action", "restore").WithError(err).Warn("restore_failed")
	case restored != nil:
		e.recorder.SetActiveGeneration(restored.Generation())
	}

	if _, err := e.install(ctx, cfg); err != nil {
		e.logger.WithFields(logrus.Fields{
			"action":     "startup",
			"generation": cfg.Site.Generation,
		}).WithError(err).Warn("initial_install_failed")
	}
}

func (e *edge) install(ctx context.Context, cfg *config.Config) (bool, error) {
	worker, err := offline.NewWorker(e.workerOptions(cfg))
	if err != nil {
		return false, err
	}
	return e.registration.Update(ctx, worker)
}

// update 重新读取配置文件，世代或清单变化时安装新的 worker。站点 origin 变化需要重启进程。
func (e *edge) update(ctx context.Context) (bool, offline.Generation, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return false, "", fmt.Errorf("reload config: %w", err)
	}
	if origin := cache.OriginOf(cfg.Site.OriginURL()); origin != e.site.OriginString() {
		return false, "", fmt.Errorf("site origin changed to %s, restart required", origin)
	}

	replaced, err := e.install(ctx, cfg)
	generation := offline.Generation(cfg.Site.Generation)
	if current := e.registration.Controller(); current != nil {
		generation = current.Generation()
	}
	return replaced, generation, err
}

// startScheduler 按 UpdateSchedule 周期执行 update；未配置时返回 nil。
func (e *edge) startScheduler(ctx context.Context, schedule string) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := scheduler.AddFunc(schedule, func() {
		started := time.Now()
		replaced, generation, err := e.update(ctx)
		entry := e.logger.WithFields(logrus.Fields{
			"action":     "scheduled_update",
			"generation": string(generation),
			"replaced":   replaced,
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
		if err != nil {
			entry.WithError(err).Warn("scheduled_update_failed")
			return
		}
		entry.Info("scheduled_update_completed")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule update %q: %w", schedule, err)
	}
	scheduler.Start()
	return scheduler, nil
}

// buildApp 组装 Fiber 应用：诊断路由与 API 路由优先，其余请求交给离线代理。
func (e *edge) buildApp(cfg *config.Config, secrets config.Secrets) (*fiber.App, error) {
	var reserved []string
	if cfg.API.Enabled {
		reserved = append(reserved, api.Prefix)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:           e.logger,
		Site:             e.site,
		Proxy:            proxy.NewHandler(e.registration, e.network, e.logger),
		ReservedPrefixes: reserved,
		ListenPort:       cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}

	routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Registration: e.registration,
		Update:       e.update,
		UpdateToken:  secrets.UpdateToken,
		Metrics:      e.recorder.Handler(),
		Logger:       e.logger,
	})
	if cfg.API.Enabled {
		handlers, err := api.New(cfg.API, secrets, e.client, e.logger)
		if err != nil {
			return nil, err
		}
		handlers.Register(app)
	}
	return app, nil
}

// serve 阻塞直到 ctx 结束（SIGINT/SIGTERM）或监听失败，随后依次关闭 server 与调度器。
func (e *edge) serve(ctx context.Context, cfg *config.Config, secrets config.Secrets) error {
	app, err := e.buildApp(cfg, secrets)
	if err != nil {
		return err
	}
	scheduler, err := e.startScheduler(ctx, cfg.Global.UpdateSchedule)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer func() { <-scheduler.Stop().Done() }()
	}

	port := cfg.Global.ListenPort
	errCh := make(chan error, 1)
	go func() {
		e.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// close 等待所有后台缓存写入结束后关闭存储。
func (e *edge) close() {
	e.registration.Wait()
	if err := e.store.Close(); err != nil {
		e.logger.WithField("action", "shutdown").WithError(err).Warn("storage_close_failed")
	}
}
