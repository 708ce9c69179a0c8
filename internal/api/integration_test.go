package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-ensemble-go/internal/cache"
	"github.com/apk-analysis/apk-ensemble-go/internal/config"
	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/ensemble"
	"github.com/apk-analysis/apk-ensemble-go/internal/middleware"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
	"github.com/apk-analysis/apk-ensemble-go/internal/service"
)

const malwareReport = `{"Static_analysis": {
	"Opcodes": {"const-string": 5, "invoke-virtual": 3, "nop": 2},
	"Permissions": ["android.permission.INTERNET", "android.permission.SEND_SMS", "android.permission.READ_SMS"]
}}`

const benignReport = `{"Static_analysis": {"Opcodes": {"sput-wide": 4}, "Permissions": []}}`

// TestEnvironment 测试环境
type TestEnvironment struct {
	Router  *gin.Engine
	Service service.ClassificationService
	Metrics *middleware.PrometheusMetrics
}

// setupTestEnvironment 真实模型包 + sqlite 内存库 + pebble 缓存
func setupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	bundle, err := model.LoadBundle(model.Options{Dir: "../model/testdata/bundle", Logger: logger})
	require.NoError(t, err, "Failed to load model bundle")
	t.Cleanup(func() { bundle.Close() })

	db, err := repository.InitDB(&config.DatabaseConfig{Type: "sqlite", SQLitePath: ":memory:"}, logger)
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	verdictCache, err := cache.Open(t.TempDir(), 1)
	require.NoError(t, err, "Failed to open verdict cache")
	t.Cleanup(func() { verdictCache.Close() })

	namespace := strings.NewReplacer("/", "_", "-", "_").Replace("test_" + t.Name() + "_" + time.Now().Format("20060102150405999999999"))
	metrics := middleware.NewPrometheusMetrics(logger, namespace)

	svc := service.NewClassificationService(
		ensemble.NewPredictorFromBundle(bundle, logger),
		logger,
		service.WithRepository(repository.NewVerdictRepository(db, logger)),
		service.WithCache(verdictCache),
		service.WithMetrics(metrics),
	)

	cfg := &config.Config{Server: config.ServerConfig{Port: 8080, Mode: "release"}}
	router := SetupRouter(cfg, logger, Dependencies{Service: svc, Metrics: metrics})

	return &TestEnvironment{Router: router, Service: svc, Metrics: metrics}
}

func (env *TestEnvironment) classify(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/classify?report_name=sample.json", strings.NewReader(body))
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	return w
}

// TestEndToEnd_ClassifyAndGet 端到端测试: 分类后按 ID 查询
func TestEndToEnd_ClassifyAndGet(t *testing.T) {
	env := setupTestEnvironment(t)

	w := env.classify(t, malwareReport)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var event domain.VerdictEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, domain.LabelMalware, event.Verdict.Type)
	assert.Equal(t, 6, event.Verdict.VoteCount)
	assert.Equal(t, "sms_trojan", event.Verdict.Category)
	assert.Equal(t, "smsreg", event.Verdict.Family)
	assert.Len(t, event.Verdict.Predictions, 6)
	assert.False(t, event.Cached)

	req := httptest.NewRequest("GET", "/api/verdicts/"+event.ID, nil)
	w = httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var detail struct {
		ID          string                   `json:"id"`
		ReportName  string                   `json:"report_name"`
		Type        string                   `json:"type"`
		Family      string                   `json:"family"`
		Predictions []domain.ModelPrediction `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	assert.Equal(t, event.ID, detail.ID)
	assert.Equal(t, "sample.json", detail.ReportName)
	assert.Equal(t, "smsreg", detail.Family)
	assert.Len(t, detail.Predictions, 6)
}

// TestEndToEnd_CacheHit 相同特征第二次命中缓存，结果不变
func TestEndToEnd_CacheHit(t *testing.T) {
	env := setupTestEnvironment(t)

	var first, second domain.VerdictEvent
	require.NoError(t, json.Unmarshal(env.classify(t, malwareReport).Body.Bytes(), &first))
	require.NoError(t, json.Unmarshal(env.classify(t, malwareReport).Body.Bytes(), &second))

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.NotEqual(t, first.ID, second.ID)
}

// TestEndToEnd_FeaturesShareFingerprint 预拆分特征与完整文档共用指纹
func TestEndToEnd_FeaturesShareFingerprint(t *testing.T) {
	env := setupTestEnvironment(t)

	var doc domain.VerdictEvent
	require.NoError(t, json.Unmarshal(env.classify(t, malwareReport).Body.Bytes(), &doc))

	body, _ := json.Marshal(map[string]interface{}{
		"opcodes":     map[string]float64{"const-string": 5, "invoke-virtual": 3, "nop": 2},
		"permissions": []string{"android.permission.INTERNET", "android.permission.SEND_SMS", "android.permission.READ_SMS"},
	})
	req := httptest.NewRequest("POST", "/api/classify/features", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var feat domain.VerdictEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &feat))
	assert.Equal(t, doc.Fingerprint, feat.Fingerprint)
	assert.True(t, feat.Cached)
	assert.Equal(t, doc.Verdict.Family, feat.Verdict.Family)
}

// TestEndToEnd_ListAndStats 列表过滤与统计
func TestEndToEnd_ListAndStats(t *testing.T) {
	env := setupTestEnvironment(t)

	require.Equal(t, http.StatusOK, env.classify(t, malwareReport).Code)
	require.Equal(t, http.StatusOK, env.classify(t, benignReport).Code)
	require.Equal(t, http.StatusOK, env.classify(t, malwareReport).Code)

	req := httptest.NewRequest("GET", "/api/verdicts?type=malware", nil)
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Verdicts []*domain.VerdictRecord `json:"verdicts"`
		Total    int64                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(2), list.Total)
	for _, v := range list.Verdicts {
		assert.Equal(t, domain.LabelMalware, v.Type)
	}

	req = httptest.NewRequest("GET", "/api/stats", nil)
	w = httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats service.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Verdicts.Total)
	assert.Equal(t, int64(2), stats.Verdicts.ByType[domain.LabelMalware])
	assert.Equal(t, int64(1), stats.Verdicts.ByType[domain.LabelBenign])
	assert.Equal(t, int64(1), stats.Verdicts.Cached)
	assert.Equal(t, 2, stats.CacheEntries)
	assert.Equal(t, 6, stats.Voters)
}

// TestEndToEnd_ErrorHandling 错误响应
func TestEndToEnd_ErrorHandling(t *testing.T) {
	env := setupTestEnvironment(t)

	w := env.classify(t, `{"Static_analysis": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest("GET", "/api/verdicts/does-not-exist", nil)
	w = httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 缺失的段落补零，不是错误
	w = env.classify(t, `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	var event domain.VerdictEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, domain.LabelBenign, event.Verdict.Type)
}

// TestEndToEnd_MalformedFeaturesZeroFilled 特征接口对类型不符的值补零，NaN 计数不影响判定
func TestEndToEnd_MalformedFeaturesZeroFilled(t *testing.T) {
	env := setupTestEnvironment(t)

	post := func(body string) domain.VerdictEvent {
		req := httptest.NewRequest("POST", "/api/classify/features", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		env.Router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var event domain.VerdictEvent
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
		return event
	}

	clean := post(`{"opcodes":{"invoke-virtual":3}}`)
	garbage := post(`{"opcodes":{"const-string":"NaN","nop":"Infinity","invoke-virtual":"3"},"permissions":[5,null]}`)

	assert.Equal(t, clean.Fingerprint, garbage.Fingerprint)
	assert.True(t, garbage.Cached)
	assert.Equal(t, clean.Verdict.Type, garbage.Verdict.Type)
	assert.Equal(t, clean.Verdict.VoteCount, garbage.Verdict.VoteCount)

	// 文档接口走同一解析规则
	w := env.classify(t, `{"Static_analysis":{"Opcodes":{"const-string":"NaN","invoke-virtual":3}}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var doc domain.VerdictEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, clean.Fingerprint, doc.Fingerprint)
}

// TestEndToEnd_CanceledRequest 客户端取消返回 499，不记录分类结果
func TestEndToEnd_CanceledRequest(t *testing.T) {
	env := setupTestEnvironment(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("POST", "/api/classify", strings.NewReader(malwareReport)).WithContext(ctx)
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)

	assert.Equal(t, 499, w.Code, w.Body.String())
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "canceled", response["error"])

	req = httptest.NewRequest("GET", "/api/stats", nil)
	w = httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats service.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(0), stats.Verdicts.Total)
	assert.Equal(t, 0, stats.CacheEntries)
}

// TestStress_ConcurrentAPIRequests 并发分类共享只读模型
func TestStress_ConcurrentAPIRequests(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}
	env := setupTestEnvironment(t)

	const requests = 40
	var wg sync.WaitGroup
	codes := make([]int, requests)
	types := make([]string, requests)

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := benignReport
			if i%2 == 0 {
				body = malwareReport
			}
			req := httptest.NewRequest("POST", fmt.Sprintf("/api/classify?report_name=r%d.json", i), strings.NewReader(body))
			w := httptest.NewRecorder()
			env.Router.ServeHTTP(w, req)
			codes[i] = w.Code

			var event domain.VerdictEvent
			if json.Unmarshal(w.Body.Bytes(), &event) == nil && event.Verdict != nil {
				types[i] = event.Verdict.Type
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < requests; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		if i%2 == 0 {
			assert.Equal(t, domain.LabelMalware, types[i])
		} else {
			assert.Equal(t, domain.LabelBenign, types[i])
		}
	}
}
