package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t testing.TB) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 使用唯一的 namespace 避免重复注册
	namespace := "test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999")
	namespace = strings.NewReplacer("/", "_", "-", "_").Replace(namespace)
	return NewPrometheusMetrics(logger, namespace)
}

func malwareVerdict() *domain.Verdict {
	return &domain.Verdict{
		Type:        domain.LabelMalware,
		VoteCount:   4,
		TotalVoters: 6,
		Category:    "sms_trojan",
		Family:      "smsreg",
		Predictions: []domain.ModelPrediction{
			{Modality: domain.ModalityOpcode, Variant: "et", Label: "malware", Confidence: 0.9, Ballot: "malware"},
			{Modality: domain.ModalityOpcode, Variant: "lgbm", Label: "malware", Confidence: 0.6, Ballot: "benign", Overridden: true},
		},
	}
}

// TestPrometheusMetrics_Initialization 测试指标初始化
func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.classificationsTotal)
	assert.NotNil(t, pm.classificationFailures)
	assert.NotNil(t, pm.cacheLookupsTotal)
	assert.NotNil(t, pm.retryAttemptsTotal)
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/test", "200")))
}

// TestRecordVerdict 测试分类结果指标
func TestRecordVerdict(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordVerdict(domain.SourceAPI, malwareVerdict(), false, 5*time.Millisecond)
	pm.RecordVerdict(domain.SourceQueue, &domain.Verdict{Type: domain.LabelBenign, TotalVoters: 6}, false, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.classificationsTotal.WithLabelValues("api", "malware", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.classificationsTotal.WithLabelValues("queue", "benign", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.overridesTotal.WithLabelValues("opcode", "lgbm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.cascadeResultsTotal.WithLabelValues("sms_trojan")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.malwareVotes))
}

// TestRecordVerdict_Cached 缓存命中不重复统计选票
func TestRecordVerdict_Cached(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordVerdict(domain.SourceAPI, malwareVerdict(), true, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.classificationsTotal.WithLabelValues("api", "malware", "true")))
	assert.Equal(t, 0, testutil.CollectAndCount(pm.overridesTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(pm.cascadeResultsTotal))
}

// TestRecordVerdict_Nil 空结果不记录
func TestRecordVerdict_Nil(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordVerdict(domain.SourceAPI, nil, false, time.Millisecond)

	assert.Equal(t, 0, testutil.CollectAndCount(pm.classificationsTotal))
}

// TestRecordFailureAndCache 测试失败与缓存指标
func TestRecordFailureAndCache(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordFailure(domain.SourceWatcher, "pending")
	pm.RecordCacheLookup(true)
	pm.RecordCacheLookup(false)
	pm.RecordCacheLookup(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.classificationFailures.WithLabelValues("watcher", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.cacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.cacheLookupsTotal.WithLabelValues("miss")))
}

// TestSetModelsLoaded 测试模型数量
func TestSetModelsLoaded(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.SetModelsLoaded("v1", domain.ModalityOpcode, 3)
	pm.SetModelsLoaded("v1", domain.ModalityPermission, 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(pm.modelsLoaded.WithLabelValues("opcode", "v1")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.modelsLoaded))
}

// TestUpdateMemoryStats 测试内存统计更新
func TestUpdateMemoryStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{
		Alloc:      100 * 1024 * 1024,
		TotalAlloc: 200 * 1024 * 1024,
		Sys:        150 * 1024 * 1024,
		NumGC:      10,
		Goroutines: 50,
	})

	assert.Equal(t, float64(100*1024*1024), testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, 50.0, testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, 10.0, testutil.ToFloat64(pm.gcCount))
}

// TestUpdateWorkerPoolStats 测试 Worker Pool 统计
func TestUpdateWorkerPoolStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateWorkerPoolStats(8, 5, 12)

	assert.Equal(t, 8.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 12.0, testutil.ToFloat64(pm.workerPoolQueueSize))
}

// TestUpdateDBStats 测试数据库统计
func TestUpdateDBStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateDBStats(10, 5, 5)

	assert.Equal(t, 10.0, testutil.ToFloat64(pm.dbConnectionsOpen))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.dbConnectionsIdle))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.dbConnectionsInUse))
}

// TestRecordRetryMetrics 测试重试指标
func TestRecordRetryMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRetryAttempt("db", 1)
	pm.RecordRetryAttempt("db", 2)
	pm.RecordRetryAttempt("rabbitmq", 1)
	pm.RecordRetrySuccess("db")

	assert.Equal(t, 3, testutil.CollectAndCount(pm.retryAttemptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retrySuccessTotal.WithLabelValues("db")))
}

// TestConcurrentMetrics 测试并发指标记录
func TestConcurrentMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	done := make(chan bool, 3)

	go func() {
		for i := 0; i < 10; i++ {
			pm.RecordVerdict(domain.SourceAPI, malwareVerdict(), false, time.Millisecond)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 10; i++ {
			pm.RecordCacheLookup(i%2 == 0)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 10; i++ {
			pm.RecordFailure(domain.SourceQueue, "type_voted")
		}
		done <- true
	}()

	for i := 0; i < 3; i++ {
		<-done
	}

	assert.Equal(t, 10.0, testutil.ToFloat64(pm.classificationsTotal.WithLabelValues("api", "malware", "false")))
	assert.Equal(t, 10.0, testutil.ToFloat64(pm.classificationFailures.WithLabelValues("queue", "type_voted")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.cacheLookupsTotal))
}

// TestPrometheusHandler 测试 Prometheus HTTP Handler
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordVerdict(domain.SourceAPI, malwareVerdict(), false, time.Millisecond)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "classifications_total")
}

// BenchmarkRecordVerdict 基准测试：分类指标记录
func BenchmarkRecordVerdict(b *testing.B) {
	pm := setupTestMetrics(b)
	v := malwareVerdict()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordVerdict(domain.SourceAPI, v, false, time.Millisecond)
	}
}
