package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull 任务队列已满
	ErrQueueFull = errors.New("job queue is full")
	// ErrPoolStopped Worker 池已停止
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Handler 任务处理函数
type Handler func(ctx context.Context) error

// Job 分类任务
type Job struct {
	ID       string
	Source   string // 来源：queue / watcher
	Run      Handler
	resultCh chan error // 用于同步等待任务完成
}

// Pool Worker 池
type Pool struct {
	workers  int
	jobChan  chan *Job
	logger   *logrus.Logger
	wg       sync.WaitGroup
	active   atomic.Int32
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		workers: workers,
		jobChan: make(chan *Job, queueSize),
		logger:  logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Job channel closed, worker exiting")
				return
			}
			p.execute(ctx, id, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID int, job *Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	fields := logrus.Fields{
		"worker_id": workerID,
		"job_id":    job.ID,
		"source":    job.Source,
	}
	p.logger.WithFields(fields).Debug("Processing job")

	err := p.safeRun(ctx, job)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("Job execution failed")
	} else {
		p.logger.WithFields(fields).Debug("Job completed")
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

// safeRun 任务 panic 时转为错误，避免拖垮整个池
func (p *Pool) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	if job.Run == nil {
		return fmt.Errorf("job %s has no handler", job.ID)
	}
	return job.Run(ctx)
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobChan <- job:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成，队列满时阻塞直到 ctx 结束
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.jobChan <- job:
		p.mu.RUnlock()
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收任务并等待已排队任务处理完成
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool")
		p.mu.Lock()
		p.stopped = true
		close(p.jobChan)
		p.mu.Unlock()
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}

// Size Worker 数量
func (p *Pool) Size() int {
	return p.workers
}

// Active 正在执行的任务数
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}
