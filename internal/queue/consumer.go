package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ReportHandler 报告处理函数
type ReportHandler func(ctx context.Context, msg *ReportMessage) error

// Source 消费端（RabbitMQ）
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	StartConnectionWatcher()
	GetReconnectChan() <-chan bool
	Reconnect(ctx context.Context) error
}

// Consumer 消息消费者
type Consumer struct {
	mq            Source
	logger        *logrus.Logger
	handler       ReportHandler
	workers       int
	workerWg      sync.WaitGroup
	activeWorkers int32
	processed     atomic.Int64
	rejected      atomic.Int64
	mu            sync.Mutex
	running       bool
	watching      bool
	cancelFunc    context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(mq Source, handler ReportHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		mq:      mq,
		logger:  logger,
		handler: handler,
		workers: workers,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true
	firstStart := !c.watching
	c.watching = true
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")

	if firstStart {
		c.mq.StartConnectionWatcher()
		go c.handleReconnect(ctx)
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Message channel closed")
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息，失败的消息拒绝且不重新入队
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg ReportMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal report message")
		c.reject(delivery)
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.WithError(err).WithField("report_id", msg.ReportID).Error("Invalid report message")
		c.reject(delivery)
		return
	}

	fields := logrus.Fields{
		"worker_id":   workerID,
		"report_id":   msg.ReportID,
		"report_name": msg.ReportName,
	}

	if err := c.handler(ctx, &msg); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Report classification failed")
		c.reject(delivery)
		return
	}

	c.processed.Add(1)
	if err := delivery.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}

	fields["duration"] = time.Since(startTime).Seconds()
	c.logger.WithFields(fields).Debug("Report message processed")
}

func (c *Consumer) reject(delivery amqp.Delivery) {
	c.rejected.Add(1)
	if err := delivery.Nack(false, false); err != nil {
		c.logger.WithError(err).Error("Failed to reject message")
	}
}

// handleReconnect 收到重连信号后停止 worker、重连并重新消费
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				return
			}

			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}

			if err := c.Start(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止所有 worker（等待当前消息处理完成）
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.WithFields(logrus.Fields{
		"processed": c.processed.Load(),
		"rejected":  c.rejected.Load(),
	}).Info("Consumer stopped")
}

// GetActiveWorkers 获取活跃 worker 数量
func (c *Consumer) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Counts 已确认与已拒绝的消息数
func (c *Consumer) Counts() (processed, rejected int64) {
	return c.processed.Load(), c.rejected.Load()
}
