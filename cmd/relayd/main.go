package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kyrie2014/UsbRelay/internal/adb"
	"github.com/kyrie2014/UsbRelay/internal/api"
	cfgpkg "github.com/kyrie2014/UsbRelay/internal/config"
	"github.com/kyrie2014/UsbRelay/internal/dispatcher"
	"github.com/kyrie2014/UsbRelay/internal/httpserver"
	"github.com/kyrie2014/UsbRelay/internal/logging"
	"github.com/kyrie2014/UsbRelay/internal/metrics"
	"github.com/kyrie2014/UsbRelay/internal/recovery"
	"github.com/kyrie2014/UsbRelay/internal/serialport"
	"github.com/kyrie2014/UsbRelay/internal/server"
	"github.com/kyrie2014/UsbRelay/internal/storage"
	"github.com/kyrie2014/UsbRelay/internal/storage/gormrepo"
	"github.com/kyrie2014/UsbRelay/internal/storage/memstore"
	"github.com/kyrie2014/UsbRelay/internal/storage/redisstore"
	"github.com/kyrie2014/UsbRelay/internal/taskqueue"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	appMetrics := metrics.NewAppMetrics(reg)
	metricsHandler := metrics.Handler(reg)

	// 4) 存储：绑定表与恢复统计，未配置时落内存
	mem := memstore.New()
	var bindings storage.BindingStore = mem
	var stats storage.StatsSink = mem

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bindings = redisstore.New(rdb)
		log.Info("binding store: redis", zap.String("addr", cfg.Redis.Addr))
	}
	if cfg.Database.DSN != "" {
		db, err := gormrepo.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatal("open database", zap.Error(err))
		}
		repo := gormrepo.New(db, nil)
		stats = repo
		if cfg.Redis.Addr == "" {
			bindings = repo
		}
		log.Info("recovery stats: mysql")
	}

	// 5) 串口通道
	ch, err := serialport.Open(serialport.Config{
		Match:    cfg.Serial.Match,
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.BaudRate,
	}, log)
	if err != nil {
		log.Fatal("open serial channel", zap.Error(err))
	}
	defer func() { _ = ch.Close() }()

	// 6) 任务队列与调度器
	queue := taskqueue.New()
	disp := dispatcher.New(queue, ch, bindings, log,
		dispatcher.WithTimeout(cfg.Serial.Timeout),
		dispatcher.WithMetrics(appMetrics))

	dispCtx, dispCancel := context.WithCancel(context.Background())
	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		_ = disp.Run(dispCtx)
	}()

	// 7) 恢复控制器（服务端直连调度器，不走 TCP 回环）
	bridge := adb.New(nil)
	rec := recovery.New(cfg.Recovery, dispatcher.NewFacade(disp), bridge, nil, bindings, log,
		recovery.WithMetrics(appMetrics),
		recovery.WithStats(stats))

	// 8) HTTP 管理接口
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, func() bool { return true })
	api.RegisterRoutes(httpSrv.Engine(), disp, bindings, rec, log)

	// 9) TCP 前端
	tcpSrv := server.New(cfg.Server, disp, log, appMetrics)

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
		}
	}()
	if err := tcpSrv.Start(); err != nil {
		log.Fatal("tcp server start error", zap.Error(err))
	}

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = tcpSrv.Shutdown(ctx)
	_ = httpSrv.Shutdown(ctx)

	queue.Close()
	dispCancel()
	select {
	case <-dispDone:
	case <-ctx.Done():
	}
}
