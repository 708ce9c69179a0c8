package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/retry"
)

// ErrChannelClosed 通道不可用
var ErrChannelClosed = errors.New("rabbitmq channel is not open")

// Options RabbitMQ 连接参数
type Options struct {
	URL       string
	Queue     string
	Prefetch  int           // 预取数量，应与 worker 数量匹配
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
	Retry     *retry.Config // 建连与重连的重试策略
}

// RabbitMQ 单队列 RabbitMQ 客户端
type RabbitMQ struct {
	opts      Options
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *logrus.Logger
	reconnect chan bool

	// 连接状态管理
	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 创建客户端并建立连接，失败时按 opts.Retry 重试
func NewRabbitMQ(ctx context.Context, opts Options, logger *logrus.Logger) (*RabbitMQ, error) {
	if opts.Queue == "" {
		return nil, errors.New("queue name is empty")
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = retry.ForConnection("rabbitmq", logger, nil)
	}

	mq := &RabbitMQ{
		opts:      opts,
		logger:    logger,
		reconnect: make(chan bool, 10),
	}

	if err := retry.Do(ctx, opts.Retry, func(ctx context.Context) error {
		return mq.connect()
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// connect 建立连接并声明持久化队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.opts.URL, amqp.Config{
		Heartbeat: mq.opts.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.opts.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(
		mq.opts.Queue, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"queue":          mq.opts.Queue,
		"heartbeat":      mq.opts.Heartbeat,
		"prefetch_count": mq.opts.Prefetch,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 监听 Connection 与 Channel 的关闭事件，直到主动关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			var what string
			select {
			case err = <-connNotify:
				what = "connection"
			case err = <-channelNotify:
				what = "channel"
			}

			if mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).WithField("queue", mq.opts.Queue).Errorf("RabbitMQ %s closed unexpectedly", what)
			} else {
				mq.logger.WithField("queue", mq.opts.Queue).Warnf("RabbitMQ %s closed", what)
			}
			mq.triggerReconnect()

			// 等待重连完成后再读取新的通知通道
			for !mq.isClosed() && !mq.IsConnected() {
				time.Sleep(500 * time.Millisecond)
			}
		}
	}()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 触发重连信号（非阻塞）
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
		mq.logger.Debug("Reconnect signal sent")
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 关闭旧连接后重新建连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	if err := retry.Do(ctx, mq.opts.Retry, func(ctx context.Context) error {
		return mq.connect()
	}); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	mq.logger.WithField("queue", mq.opts.Queue).Info("Successfully reconnected to RabbitMQ")
	return nil
}

// closeConnections 关闭现有连接（不设置 closed 标志）
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrChannelClosed
	}

	return ch.PublishWithContext(
		ctx,
		"",            // exchange
		mq.opts.Queue, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrChannelClosed
	}

	msgs, err := ch.Consume(
		mq.opts.Queue, // queue
		"",            // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// GetQueueStats 获取队列统计信息
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, 0, ErrChannelClosed
	}

	q, err := ch.QueueInspect(mq.opts.Queue)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}

// PurgeQueue 清空队列中的所有消息
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrChannelClosed
	}

	count, err := ch.QueuePurge(mq.opts.Queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.opts.Queue,
		"purged_count": count,
	}).Info("Queue purged successfully")
	return count, nil
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()

	mq.logger.WithField("queue", mq.opts.Queue).Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Queue 队列名称
func (mq *RabbitMQ) Queue() string {
	return mq.opts.Queue
}
