// Package queue 单 worker 的 FIFO 任务队列，紧急任务绕过队列立即执行。
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-gen-service/internal/metrics"
)

const (
	DefaultSize      = 100
	DefaultRetention = time.Hour
)

var (
	// ErrQueueFull 队列缓冲已满
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped 队列已停止，不再接收任务
	ErrStopped = errors.New("job queue is stopped")
)

// Status 任务状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Done 报告是否为终态
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Handler 执行任务，返回值写入 Record.Result
type Handler func(ctx context.Context, data any) (any, error)

// Record 任务记录，只存在于内存
type Record struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Urgent     bool       `json:"urgent"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Options 队列配置
type Options struct {
	Size       int
	Retention  time.Duration // 终态记录保留时长
	JobTimeout time.Duration // 单个任务超时，0 表示不限制
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

type job struct {
	id   string
	data any
}

// Queue 异步任务队列：普通任务排队由唯一的 worker 依次处理，
// 紧急任务各自起 goroutine，与队列中的任务并发执行。
type Queue struct {
	handler    Handler
	jobs       chan *job
	retention  time.Duration
	jobTimeout time.Duration
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	records map[string]*Record
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建队列，需调用 Start 启动 worker
func New(handler Handler, opts Options) *Queue {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		handler:    handler,
		jobs:       make(chan *job, opts.Size),
		retention:  opts.Retention,
		jobTimeout: opts.JobTimeout,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With(zap.String("component", "job_queue")),
		now:        time.Now,
		records:    make(map[string]*Record),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动唯一的 worker
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
	q.logger.Info("job queue started", zap.Int("capacity", cap(q.jobs)))
}

// Stop 优雅停止：不再接收新任务，等待已接收的任务（含紧急任务）处理完毕，最后取消 context
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	q.logger.Info("job queue stopped")
}

// Run 启动队列并在 ctx 结束时停止，适配 errgroup
func (q *Queue) Run(ctx context.Context) error {
	q.Start()
	<-ctx.Done()
	q.Stop()
	return nil
}

// AddJob 添加任务。urgent 为 true 时立即执行，否则进入 FIFO 队列。
func (q *Queue) AddJob(data any, urgent bool) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Record{}, ErrStopped
	}
	q.pruneLocked()

	rec := &Record{ID: uuid.NewString(), Status: StatusPending, Urgent: urgent, CreatedAt: q.now()}
	j := &job{id: rec.ID, data: data}

	if urgent {
		q.records[rec.ID] = rec
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.process(j, "urgent")
		}()
		return *rec, nil
	}

	select {
	case q.jobs <- j:
		q.records[rec.ID] = rec
	default:
		q.metrics.RecordJob("fifo", "rejected")
		return Record{}, ErrQueueFull
	}
	q.metrics.SetQueueDepth(len(q.jobs))
	return *rec, nil
}

// GetJob 返回任务当前状态的副本
func (q *Queue) GetJob(id string) (Record, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Depth 排队中的任务数
func (q *Queue) Depth() int {
	return len(q.jobs)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.metrics.SetQueueDepth(len(q.jobs))
			q.process(j, "fifo")
		}
	}
}

func (q *Queue) process(j *job, lane string) {
	q.update(j.id, func(r *Record) {
		started := q.now()
		r.Status = StatusProcessing
		r.StartedAt = &started
	})

	ctx := q.ctx
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}

	result, err := q.safeHandle(ctx, j.data)

	q.update(j.id, func(r *Record) {
		finished := q.now()
		r.FinishedAt = &finished
		if err != nil {
			r.Status = StatusFailed
			r.Error = err.Error()
			return
		}
		r.Status = StatusCompleted
		r.Result = result
	})

	if err != nil {
		q.metrics.RecordJob(lane, string(StatusFailed))
		q.logger.Warn("job failed", zap.String("job_id", j.id), zap.String("lane", lane), zap.Error(err))
		return
	}
	q.metrics.RecordJob(lane, string(StatusCompleted))
	q.logger.Info("job completed", zap.String("job_id", j.id), zap.String("lane", lane))
}

func (q *Queue) safeHandle(ctx context.Context, data any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.handler(ctx, data)
}

func (q *Queue) update(id string, fn func(*Record)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.records[id]; ok {
		fn(rec)
	}
}

// pruneLocked 删除超过保留时长的终态记录，调用方持有写锁
func (q *Queue) pruneLocked() {
	cutoff := q.now().Add(-q.retention)
	for id, rec := range q.records {
		if rec.Status.Done() && rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			delete(q.records, id)
		}
	}
}
