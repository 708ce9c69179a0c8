package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
	"github.com/apk-analysis/apk-ensemble-go/internal/service"
)

// VerdictHandler 分类记录处理器
type VerdictHandler struct {
	service service.ClassificationService
	logger  *logrus.Logger
}

// NewVerdictHandler 创建分类记录处理器实例
func NewVerdictHandler(svc service.ClassificationService, logger *logrus.Logger) *VerdictHandler {
	return &VerdictHandler{
		service: svc,
		logger:  logger,
	}
}

// verdictDetail 记录与还原后的逐模型预测
type verdictDetail struct {
	*domain.VerdictRecord
	Predictions []domain.ModelPrediction `json:"predictions"`
}

// ListVerdicts 获取分类记录列表
// GET /api/verdicts?page=1&page_size=20&type=malware&source=queue&search=关键词
func (h *VerdictHandler) ListVerdicts(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量
	if pageSize > 100 {
		pageSize = 100
	}

	filter := repository.VerdictFilter{
		Type:   c.Query("type"),
		Source: domain.VerdictSource(c.Query("source")),
		Search: c.Query("search"),
	}

	records, total, err := h.service.ListVerdicts(c.Request.Context(), page, pageSize, filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list verdicts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取分类记录列表失败"})
		return
	}

	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)

	c.JSON(http.StatusOK, gin.H{
		"verdicts":    records,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": totalPages,
	})
}

// GetVerdict 获取单条分类记录
// GET /api/verdicts/:id
func (h *VerdictHandler) GetVerdict(c *gin.Context) {
	record, err := h.service.GetVerdict(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	verdict, err := record.Verdict()
	if err != nil {
		h.logger.WithError(err).WithField("verdict_id", record.ID).Error("Failed to decode stored predictions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "解析分类记录失败"})
		return
	}

	c.JSON(http.StatusOK, verdictDetail{VerdictRecord: record, Predictions: verdict.Predictions})
}

// GetStats 系统统计
// GET /api/stats
func (h *VerdictHandler) GetStats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计失败"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
