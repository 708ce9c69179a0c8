package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/model"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
	"github.com/apk-analysis/apk-ensemble-go/internal/service"
)

// MockClassificationService Mock Service
type MockClassificationService struct {
	mock.Mock
}

func (m *MockClassificationService) ClassifyDocument(ctx context.Context, doc []byte, meta service.ClassifyMeta) (*domain.VerdictEvent, error) {
	args := m.Called(string(doc), meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VerdictEvent), args.Error(1)
}

func (m *MockClassificationService) ClassifyFeatures(ctx context.Context, opcodes map[string]float64, permissions []string, meta service.ClassifyMeta) (*domain.VerdictEvent, error) {
	args := m.Called(opcodes, permissions, meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VerdictEvent), args.Error(1)
}

func (m *MockClassificationService) GetVerdict(ctx context.Context, id string) (*domain.VerdictRecord, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VerdictRecord), args.Error(1)
}

func (m *MockClassificationService) ListVerdicts(ctx context.Context, page, pageSize int, filter repository.VerdictFilter) ([]*domain.VerdictRecord, int64, error) {
	args := m.Called(page, pageSize, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.VerdictRecord), args.Get(1).(int64), args.Error(2)
}

func (m *MockClassificationService) GetStats(ctx context.Context) (*service.Stats, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Stats), args.Error(1)
}

func (m *MockClassificationService) Models() []model.VoterInfo {
	args := m.Called()
	return args.Get(0).([]model.VoterInfo)
}

func (m *MockClassificationService) ModelVersion() string {
	args := m.Called()
	return args.String(0)
}

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func malwareEvent(id string) *domain.VerdictEvent {
	return &domain.VerdictEvent{
		ID:           id,
		Source:       domain.SourceAPI,
		Fingerprint:  "fp-" + id,
		ModelVersion: "test-v1",
		Verdict: &domain.Verdict{
			Type:        domain.LabelMalware,
			VoteCount:   5,
			TotalVoters: 6,
			Category:    "trojan",
			Family:      "hiddad",
		},
		CreatedAt: time.Now(),
	}
}
