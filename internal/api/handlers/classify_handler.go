package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
	"github.com/apk-analysis/apk-ensemble-go/internal/service"
)

// 分析报告大小上限
const maxDocumentSize = 50 << 20

// ClassifyHandler 分类处理器
type ClassifyHandler struct {
	service service.ClassificationService
	logger  *logrus.Logger
}

// NewClassifyHandler 创建分类处理器实例
func NewClassifyHandler(svc service.ClassificationService, logger *logrus.Logger) *ClassifyHandler {
	return &ClassifyHandler{
		service: svc,
		logger:  logger,
	}
}

// ClassifyDocument 完整分析报告分类
// POST /api/classify?report_name=xxx.json
// 请求体为分析工具输出的 JSON 文档
func (h *ClassifyHandler) ClassifyDocument(c *gin.Context) {
	doc, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "读取请求体失败"})
		return
	}
	if len(doc) > maxDocumentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "文档大小超过限制"})
		return
	}

	event, err := h.service.ClassifyDocument(c.Request.Context(), doc, service.ClassifyMeta{
		Source:     domain.SourceAPI,
		ReportName: c.Query("report_name"),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// ClassifyFeatures 预拆分特征分类
// POST /api/classify/features
// 请求体 {"report_name": "...", "opcodes": {...}, "permissions": [...]}，类型不符的值按 0 或缺失处理
func (h *ClassifyHandler) ClassifyFeatures(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDocumentSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "读取请求体失败"})
		return
	}
	if len(body) > maxDocumentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "请求体大小超过限制"})
		return
	}

	name, f, err := report.ParseSplit(body)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if name == "" {
		name = c.Query("report_name")
	}

	event, err := h.service.ClassifyFeatures(c.Request.Context(), f.Opcodes, f.Permissions, service.ClassifyMeta{
		Source:     domain.SourceAPI,
		ReportName: name,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// UploadReport 上传报告文件分类
// POST /api/classify/upload (multipart, 字段 file)
func (h *ClassifyHandler) UploadReport(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "获取上传文件失败"})
		return
	}

	filename := filepath.Base(file.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".json") {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "只支持 JSON 报告文件"})
		return
	}
	if file.Size > maxDocumentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"status": "error",
			"error":  fmt.Sprintf("文件大小超过限制 (最大 %dMB)", maxDocumentSize>>20),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded report")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "打开上传文件失败"})
		return
	}
	defer src.Close()

	doc, err := io.ReadAll(src)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read uploaded report")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "读取上传文件失败"})
		return
	}

	event, err := h.service.ClassifyDocument(c.Request.Context(), doc, service.ClassifyMeta{
		Source:     domain.SourceAPI,
		ReportName: filename,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// ListModels 已加载的投票者
// GET /api/models
func (h *ClassifyHandler) ListModels(c *gin.Context) {
	models := h.service.Models()
	c.JSON(http.StatusOK, gin.H{
		"models": models,
		"total":  len(models),
	})
}
