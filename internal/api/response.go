package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"media-gen-service/internal/media"
	"media-gen-service/internal/queue"
)

// Response 统一 API 响应结构
type Response struct {
	Code    int         `json:"code"`    // 业务状态码: 200 为成功，其他为失败
	Message string      `json:"message"` // 提示信息
	Data    interface{} `json:"data"`    // 返回数据
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    200,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// statusFor 把引擎错误映射为 HTTP 状态码和可展示的提示
func statusFor(err error) (int, string) {
	var (
		missing   *media.MissingInputError
		quota     *media.QuotaExhaustedError
		exhausted *media.AllCandidatesExhaustedError
		timeout   *media.PollTimeoutError
		failed    *media.TaskFailedError
		perr      *media.ProviderError
	)
	switch {
	case errors.As(err, &missing):
		return http.StatusBadRequest, missing.Error()
	case errors.As(err, &quota):
		return http.StatusTooManyRequests, quota.Error()
	case errors.As(err, &exhausted):
		return http.StatusServiceUnavailable, exhausted.Error()
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, timeout.Error()
	case errors.As(err, &failed):
		return http.StatusBadGateway, failed.Error()
	case errors.As(err, &perr):
		return http.StatusBadGateway, perr.Error()
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable, "服务器繁忙，请稍后再试"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "生成超时，请稍后再试"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "请求已取消"
	default:
		return http.StatusInternalServerError, "生成失败，请稍后再试"
	}
}

func writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	Error(c, status, status, msg)
}
