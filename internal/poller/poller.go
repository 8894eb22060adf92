// Package poller 轮询 provider 的任务状态接口，直到终态或超时。
package poller

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"media-gen-service/internal/media"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 150
)

// State 轮询状态机的状态
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTimedOut   State = "TIMED_OUT"
)

// Terminal 报告状态是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// StatusClient 按媒体类型查询任务状态；非 2xx 应返回错误
type StatusClient interface {
	TaskStatus(ctx context.Context, mediaType media.Type, taskID string) (*media.Payload, error)
}

// Observer 状态迁移回调，用于日志与指标
type Observer func(taskID string, from, to State, attempt int)

// Options 轮询配置
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *zap.Logger
	Observer    Observer
}

// Poller 任务状态轮询器
type Poller struct {
	client      StatusClient
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	observer    Observer
}

// New 创建轮询器
func New(client StatusClient, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{
		client:      client,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger.With(zap.String("component", "poller")),
		observer:    opts.Observer,
	}
}

// Outcome 一次轮询的最终结果
type Outcome struct {
	State    State
	Attempts int
	Payload  *media.Payload
}

// Poll 每个间隔查询一次任务状态：
// COMPLETED 返回结果；FAILED 返回 TaskFailedError；查询出错立即返回（不重试）；
// 次数耗尽返回 PollTimeoutError；ctx 取消时返回 ctx.Err()。
func (p *Poller) Poll(ctx context.Context, mediaType media.Type, taskID string) (*Outcome, error) {
	state := StatePending
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return &Outcome{State: state, Attempts: attempt - 1}, ctx.Err()
		case <-ticker.C:
		}

		payload, err := p.client.TaskStatus(ctx, mediaType, taskID)
		if err != nil {
			p.transition(taskID, &state, StateFailed, attempt)
			p.logger.Warn("task status check failed",
				zap.String("task_id", taskID),
				zap.String("media_type", string(mediaType)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return &Outcome{State: state, Attempts: attempt}, err
		}

		if payload == nil {
			payload = &media.Payload{}
		}
		switch classify(payload.Status) {
		case StateCompleted:
			p.transition(taskID, &state, StateCompleted, attempt)
			if payload.TaskID == "" {
				payload.TaskID = taskID
			}
			return &Outcome{State: state, Attempts: attempt, Payload: payload}, nil
		case StateFailed:
			p.transition(taskID, &state, StateFailed, attempt)
			return &Outcome{State: state, Attempts: attempt}, &media.TaskFailedError{TaskID: taskID, Reason: payload.Status}
		default:
			p.transition(taskID, &state, StateProcessing, attempt)
		}
	}

	p.transition(taskID, &state, StateTimedOut, p.maxAttempts)
	return &Outcome{State: state, Attempts: p.maxAttempts}, &media.PollTimeoutError{TaskID: taskID, Attempts: p.maxAttempts}
}

func (p *Poller) transition(taskID string, state *State, to State, attempt int) {
	if *state == to {
		return
	}
	from := *state
	*state = to
	p.logger.Debug("task state changed",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("attempt", attempt),
	)
	if p.observer != nil {
		p.observer(taskID, from, to, attempt)
	}
}

// classify 把 provider 状态字符串映射到状态机。
// 除 COMPLETED / FAILED 外的取值（CREATED、IN_PROGRESS 等）都视为进行中。
func classify(status string) State {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return StateCompleted
	case "FAILED":
		return StateFailed
	default:
		return StateProcessing
	}
}
