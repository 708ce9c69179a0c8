package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// Publisher 单队列发布端（RabbitMQ）
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
	GetQueueStats() (messageCount, consumerCount int, err error)
}

// Producer 消息生产者
type Producer struct {
	mq     Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishReport 发布待分类报告
func (p *Producer) PublishReport(ctx context.Context, msg *ReportMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("report_id", msg.ReportID).Error("Failed to publish report")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"report_id":   msg.ReportID,
		"report_name": msg.ReportName,
	}).Info("Report published to queue")
	return nil
}

// NotifyVerdict 发布分类结果事件
func (p *Producer) NotifyVerdict(ctx context.Context, event *domain.VerdictEvent) error {
	body, err := json.Marshal(VerdictMessage{VerdictEvent: event})
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		return fmt.Errorf("failed to publish verdict: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"verdict_id": event.ID,
		"report_id":  event.ReportID,
	}).Debug("Verdict published to queue")
	return nil
}

// GetQueueSize 获取队列大小
func (p *Producer) GetQueueSize() (int, error) {
	messageCount, _, err := p.mq.GetQueueStats()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return messageCount, nil
}
