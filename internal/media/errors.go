package media

import (
	"errors"
	"fmt"
)

// QuotaExhaustedMessage 免费额度用尽时展示给用户的提示
const QuotaExhaustedMessage = "The image generation service has reached its usage limit for now. Please try again later."

// ProviderError provider 返回非 2xx 或响应无法解析
type ProviderError struct {
	Model      string
	StatusCode int
	Message    string // 可直接展示
	Body       string // 原始响应，仅用于服务端日志
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

// QuotaExhaustedError provider 明确报告额度耗尽
type QuotaExhaustedError struct {
	Model      string
	StatusCode int
	Raw        string
}

func (e *QuotaExhaustedError) Error() string {
	return QuotaExhaustedMessage
}

// PollTimeoutError 轮询次数用尽仍未到达终态
type PollTimeoutError struct {
	TaskID   string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("generation task %s did not finish after %d status checks", e.TaskID, e.Attempts)
}

// TaskFailedError provider 报告任务终态为 FAILED
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("generation task %s failed: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("generation task %s failed", e.TaskID)
}

// AllCandidatesExhaustedError 所有候选模型都被跳过或失败，且没有回退成功
type AllCandidatesExhaustedError struct {
	MediaType Type
}

func (e *AllCandidatesExhaustedError) Error() string {
	return fmt.Sprintf("all %s models are exhausted, please try again later", e.MediaType)
}

// MissingInputError 调用方违反契约，例如视频缺少底图
type MissingInputError struct {
	Field  string
	Reason string
}

func (e *MissingInputError) Error() string {
	if e.Reason != "" {
		return "missing input: " + e.Reason
	}
	return "missing input: " + e.Field
}

// IsTerminal 报告该错误是否应立即终止候选遍历
func IsTerminal(err error) bool {
	var timeout *PollTimeoutError
	var missing *MissingInputError
	return errors.As(err, &timeout) || errors.As(err, &missing)
}
