package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-ensemble-go/internal/api"
	"github.com/apk-analysis/apk-ensemble-go/internal/api/handlers"
	"github.com/apk-analysis/apk-ensemble-go/internal/cache"
	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/ensemble"
	"github.com/apk-analysis/apk-ensemble-go/internal/middleware"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/queue"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
	"github.com/apk-analysis/apk-ensemble-go/internal/retry"
	"github.com/apk-analysis/apk-ensemble-go/internal/service"
	"github.com/apk-analysis/apk-ensemble-go/internal/watcher"
	"github.com/apk-analysis/apk-ensemble-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Ensemble Classifier\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := config.DefaultPath
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Ensemble Classifier %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 4. 加载模型包，任何制品缺失或维度不符都拒绝启动
	bundle, err := model.LoadBundle(model.Options{
		Dir:                cfg.Models.Dir,
		Version:            cfg.Models.Version,
		ONNXRuntimeLib:     cfg.Models.ONNXRuntimeLib,
		OpcodeVariants:     cfg.Models.OpcodeVariants,
		PermissionVariants: cfg.Models.PermissionVariants,
		Logger:             logger,
	})
	if err != nil {
		if domain.IsConfigError(err) {
			logger.WithError(err).Fatal("Model configuration invalid, refusing to start")
		}
		logger.Fatalf("Failed to load model bundle: %v", err)
	}
	defer bundle.Close()
	defer model.DestroyONNXRuntime()

	predictor := ensemble.NewPredictorFromBundle(bundle, logger, ensemble.WithParallelism(cfg.Models.Parallelism))

	// 5. 初始化 Prometheus 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_ensemble")
	for _, modality := range domain.Modalities {
		count := 0
		for _, info := range predictor.Models() {
			if info.Modality == modality {
				count++
			}
		}
		promMetrics.SetModelsLoaded(predictor.Version(), modality, count)
	}
	logger.Info("Prometheus metrics initialized")

	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second)
	memMonitor.OnUpdate(promMetrics.UpdateMemoryStats)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 6. 初始化数据库（带重试）
	db, err := retry.DoWithResult(rootCtx, retry.ForConnection("database", logger, promMetrics), func(ctx context.Context) (*gorm.DB, error) {
		return repository.InitDB(&cfg.Database, logger)
	})
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.WithField("type", cfg.Database.Type).Info("Database connected successfully")
	verdictRepo := repository.NewVerdictRepository(db, logger)

	// 7. 打开分类结果缓存
	var verdictCache *cache.VerdictCache
	if cfg.Cache.Enabled {
		verdictCache, err = cache.Open(cfg.Cache.Path, cfg.Cache.CacheSizeMB)
		if err != nil {
			logger.Fatalf("Failed to open verdict cache: %v", err)
		}
		defer verdictCache.Close()
		logger.WithField("path", cfg.Cache.Path).Info("Verdict cache opened")
	}

	// 8. 实时结果推送
	stream := handlers.NewVerdictStream(logger)
	stream.Start(rootCtx)

	opts := []service.Option{
		service.WithRepository(verdictRepo),
		service.WithMetrics(promMetrics),
		service.WithNotifier(stream),
	}
	if verdictCache != nil {
		opts = append(opts, service.WithCache(verdictCache))
	}

	// 9. 初始化 RabbitMQ（报告队列与结果队列）
	var reportMQ *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		reportMQ, err = queue.NewRabbitMQ(rootCtx, queue.Options{
			URL:      cfg.RabbitMQ.URL(),
			Queue:    cfg.RabbitMQ.ReportQueue,
			Prefetch: cfg.Worker.Concurrency,
			Retry:    retry.ForConnection("rabbitmq_reports", logger, promMetrics),
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to report queue: %v", err)
		}
		defer reportMQ.Close()

		verdictMQ, err := queue.NewRabbitMQ(rootCtx, queue.Options{
			URL:   cfg.RabbitMQ.URL(),
			Queue: cfg.RabbitMQ.VerdictQueue,
			Retry: retry.ForConnection("rabbitmq_verdicts", logger, promMetrics),
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to verdict queue: %v", err)
		}
		defer verdictMQ.Close()
		verdictMQ.StartConnectionWatcher()

		opts = append(opts, service.WithNotifier(queue.NewProducer(verdictMQ, logger)))
		logger.WithFields(logrus.Fields{
			"report_queue":  cfg.RabbitMQ.ReportQueue,
			"verdict_queue": cfg.RabbitMQ.VerdictQueue,
		}).Info("RabbitMQ connected")
	} else {
		logger.Info("RabbitMQ disabled")
	}

	// 10. 初始化分类服务
	classificationService := service.NewClassificationService(predictor, logger, opts...)

	// 11. 启动 Worker 池
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, logger)
	workerPool.Start(rootCtx)
	defer workerPool.Stop()

	// 定期更新 Worker 池与数据库连接池指标
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				promMetrics.UpdateWorkerPoolStats(workerPool.Size(), workerPool.Active(), workerPool.GetQueueSize())
				if sqlDB, err := db.DB(); err == nil {
					dbStats := sqlDB.Stats()
					promMetrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
				}
			}
		}
	}()

	// 12. 启动报告消费者 (从 RabbitMQ 读取报告并提交到 Worker Pool)
	if reportMQ != nil {
		consumer := queue.NewConsumer(reportMQ, createReportHandler(classificationService, workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Report consumer started with %d workers", cfg.Worker.Concurrency)
	}

	// 13. 启动报告目录监控
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(watcher.Options{
			Dir:          cfg.Watcher.ReportDir,
			Pattern:      cfg.Watcher.Pattern,
			ScanExisting: true,
		}, createFileHandler(classificationService, workerPool, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.ReportDir)
	}

	// 14. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		Service:    classificationService,
		Stream:     stream,
		MemMonitor: memMonitor,
		Metrics:    promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// 15. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 16. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 17. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止 HTTP Server
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	rootCancel()

	// 关闭数据库连接
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server exited")
}

// createReportHandler 队列消息经 Worker 池分类
func createReportHandler(svc service.ClassificationService, pool *worker.Pool, logger *logrus.Logger) queue.ReportHandler {
	return func(ctx context.Context, msg *queue.ReportMessage) error {
		doc, err := msg.Load()
		if err != nil {
			return fmt.Errorf("load report: %w", err)
		}

		job := &worker.Job{
			ID:     msg.ReportID,
			Source: string(domain.SourceQueue),
			Run: func(ctx context.Context) error {
				event, err := svc.ClassifyDocument(ctx, doc, service.ClassifyMeta{
					Source:     domain.SourceQueue,
					ReportName: msg.ReportName,
					ReportID:   msg.ReportID,
				})
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{
					"report_id":  msg.ReportID,
					"verdict_id": event.ID,
					"type":       event.Verdict.Type,
				}).Info("Queued report classified")
				return nil
			},
		}
		return pool.SubmitAndWait(ctx, job)
	}
}

// createFileHandler 新报告文件经 Worker 池分类
func createFileHandler(svc service.ClassificationService, pool *worker.Pool, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		fileName := filepath.Base(filePath)
		logger.WithFields(logrus.Fields{
			"file_path": filePath,
			"file_name": fileName,
		}).Info("New report file detected")

		doc, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read report: %w", err)
		}

		job := &worker.Job{
			ID:     fileName,
			Source: string(domain.SourceWatcher),
			Run: func(ctx context.Context) error {
				event, err := svc.ClassifyDocument(ctx, doc, service.ClassifyMeta{
					Source:     domain.SourceWatcher,
					ReportName: fileName,
				})
				if err != nil {
					return err
				}
				logger.WithFields(logrus.Fields{
					"file_name":  fileName,
					"verdict_id": event.ID,
					"type":       event.Verdict.Type,
				}).Info("Report file classified")
				return nil
			},
		}
		return pool.SubmitAndWait(ctx, job)
	}
}
