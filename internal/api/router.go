package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/api/handlers"
	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/middleware"
	"github.com/apk-analysis/apk-ensemble-go/internal/service"
)

// Dependencies 路由依赖
type Dependencies struct {
	Service    service.ClassificationService
	Stream     *handlers.VerdictStream       // 可选
	MemMonitor *middleware.MemoryMonitor     // 可选
	Metrics    *middleware.PrometheusMetrics // 可选
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
	}

	classifyHandler := handlers.NewClassifyHandler(deps.Service, logger)
	verdictHandler := handlers.NewVerdictHandler(deps.Service, logger)

	// 性能监控端点 (仅在非生产环境)
	if cfg.Server.Mode != "release" {
		middleware.RegisterPprof(r)
		logger.Info("pprof endpoints registered at /debug/pprof/*")
	}

	if deps.MemMonitor != nil {
		r.GET("/metrics", deps.MemMonitor.MetricsEndpoint())
	}
	if deps.Metrics != nil {
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}
	if deps.Stream != nil {
		r.GET("/ws/verdicts", deps.Stream.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			models := deps.Service.Models()
			c.JSON(200, gin.H{
				"status":        "ok",
				"model_version": deps.Service.ModelVersion(),
				"voters":        len(models),
			})
		})

		v1.GET("/models", classifyHandler.ListModels)
		v1.GET("/stats", verdictHandler.GetStats)

		// 分类记录
		v1.GET("/verdicts", verdictHandler.ListVerdicts)
		v1.GET("/verdicts/:id", verdictHandler.GetVerdict)

		// 分类接口（配置 api_token 时需要认证）
		classify := v1.Group("/classify", middleware.AuthMiddleware(cfg.Server.APIToken))
		{
			classify.POST("", classifyHandler.ClassifyDocument)
			classify.POST("/features", classifyHandler.ClassifyFeatures)
			classify.POST("/upload", classifyHandler.UploadReport)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
