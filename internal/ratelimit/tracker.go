package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Unknown 尚无记录时 Remaining 返回的哨兵值
const Unknown = math.MaxInt32

const (
	HeaderLimit     = "x-ratelimit-limit"
	HeaderRemaining = "x-ratelimit-remaining"
	HeaderReset     = "x-ratelimit-reset"
)

// State 单个模型最近一次观测到的限流状态
type State struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"` // epoch seconds
}

// Tracker 进程内共享的限流状态表，按模型 API ID 索引
type Tracker struct {
	mu     sync.RWMutex
	states map[string]State
	now    func() time.Time
}

// NewTracker 创建限流状态表
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]State),
		now:    time.Now,
	}
}

// WithClock 替换时钟，测试使用
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Update 无条件覆盖模型的限流状态
func (t *Tracker) Update(modelID string, limit, remaining int, reset int64) {
	t.mu.Lock()
	t.states[modelID] = State{Limit: limit, Remaining: remaining, Reset: reset}
	t.mu.Unlock()
}

// ObserveHeaders 从 provider 响应头解析限流状态。
// 三个头全部缺失时不写入，保持“未知”语义；单个缺失按 0 处理。
func (t *Tracker) ObserveHeaders(modelID string, h http.Header) {
	if h == nil {
		return
	}
	limitRaw, remainingRaw, resetRaw := h.Get(HeaderLimit), h.Get(HeaderRemaining), h.Get(HeaderReset)
	if limitRaw == "" && remainingRaw == "" && resetRaw == "" {
		return
	}
	t.Update(modelID, atoi(limitRaw), atoi(remainingRaw), int64(atoi(resetRaw)))
}

// CanMakeRequest 判断是否还能向该模型发请求：
// 无记录时乐观放行；reset 已过视为额度恢复；否则要求 remaining > threshold。
func (t *Tracker) CanMakeRequest(modelID string, threshold int) bool {
	state, ok := t.lookup(modelID)
	if !ok || t.expired(state) {
		return true
	}
	return state.Remaining > threshold
}

// Remaining 返回剩余额度：未知返回 Unknown，过期返回 limit
func (t *Tracker) Remaining(modelID string) int {
	state, ok := t.lookup(modelID)
	if !ok {
		return Unknown
	}
	if t.expired(state) {
		return state.Limit
	}
	return state.Remaining
}

// Snapshot 返回模型的原始状态
func (t *Tracker) Snapshot(modelID string) (State, bool) {
	return t.lookup(modelID)
}

func (t *Tracker) lookup(modelID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[modelID]
	return state, ok
}

func (t *Tracker) expired(state State) bool {
	return t.now().Unix() > state.Reset
}

func atoi(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}
