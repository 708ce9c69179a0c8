package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/ensemble"
	"github.com/apk-analysis/apk-ensemble-go/internal/report"
	"github.com/apk-analysis/apk-ensemble-go/internal/repository"
)

// respondError 将领域错误映射为 HTTP 响应
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	// 取消优先于估计器失败判断
	switch {
	case errors.Is(err, context.Canceled):
		c.JSON(499, gin.H{
			"status":  "error",
			"error":   "canceled",
			"message": err.Error(),
		})
		return
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"status":  "error",
			"error":   "timeout",
			"message": err.Error(),
		})
		return
	}

	if ce, ok := ensemble.AsClassificationError(err); ok {
		logger.WithError(err).WithFields(logrus.Fields{
			"stage":   ce.Stage,
			"variant": ce.Variant.String(),
			"task":    ce.Task,
		}).Error("Classification failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"error":   "analysis_failed",
			"stage":   ce.Stage,
			"variant": ce.Variant.String(),
			"task":    ce.Task,
			"message": ce.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, report.ErrInvalidDocument):
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  "error",
			"error":   "invalid_document",
			"message": err.Error(),
		})
	case errors.Is(err, repository.ErrVerdictNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"status":  "error",
			"error":   "not_found",
			"message": "分类记录不存在",
		})
	default:
		logger.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  "error",
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
