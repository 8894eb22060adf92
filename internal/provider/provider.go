package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"media-gen-service/internal/media"
	"media-gen-service/internal/registry"
)

const (
	DefaultAPIBase      = "https://api.freepik.com/v1"
	DefaultAPIKeyHeader = "x-freepik-api-key"

	freeTrialMarker = "limit of the free trial usage"
	maxErrorBody    = 1 << 16
	maxMessageRunes = 200
)

// aspectRatios 图片比例到 provider 枚举的映射
var aspectRatios = map[string]string{
	"1:1":  "square_1_1",
	"4:3":  "classic_4_3",
	"3:4":  "traditional_3_4",
	"16:9": "widescreen_16_9",
	"9:16": "social_story_9_16",
	"3:2":  "standard_3_2",
	"2:3":  "portrait_2_3",
	"2:1":  "horizontal_2_1",
	"1:2":  "vertical_1_2",
	"4:5":  "social_post_4_5",
}

// MapAspectRatio 把 "16:9" 形式映射为 provider 枚举；已是枚举值时原样返回，未知返回空串
func MapAspectRatio(ar string) string {
	ar = strings.TrimSpace(ar)
	if ar == "" {
		return ""
	}
	if v, ok := aspectRatios[ar]; ok {
		return v
	}
	for _, v := range aspectRatios {
		if v == ar {
			return ar
		}
	}
	return ""
}

// RateObserver 接收每个 provider 响应的限流头
type RateObserver interface {
	ObserveHeaders(modelID string, h http.Header)
}

// Options 主 provider 客户端配置
type Options struct {
	APIBase      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Observer     RateObserver
	Logger       *zap.Logger
}

// Client 主 provider 的 HTTP 客户端
type Client struct {
	apiBase      string
	apiKey       string
	apiKeyHeader string
	httpClient   *http.Client
	observer     RateObserver
	logger       *zap.Logger
}

// NewClient 创建主 provider 客户端
func NewClient(opts Options) *Client {
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = DefaultAPIKeyHeader
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 150 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		apiBase:      strings.TrimRight(opts.APIBase, "/"),
		apiKey:       opts.APIKey,
		apiKeyHeader: opts.APIKeyHeader,
		httpClient:   opts.HTTPClient,
		observer:     opts.Observer,
		logger:       opts.Logger.With(zap.String("component", "provider")),
	}
}

// Submission 提交结果：同步 provider 直接带回结果，异步 provider 只带回任务 ID
type Submission struct {
	Payload *media.Payload
	TaskID  string
}

// Pending 报告是否需要轮询
func (s *Submission) Pending() bool {
	return s.TaskID != "" && len(s.Payload.Generated) == 0
}

type envelope struct {
	Data *media.Payload `json:"data"`
}

// Submit 按模型构造请求体并提交生成请求
func (c *Client) Submit(ctx context.Context, d registry.Descriptor, req media.Request) (*Submission, error) {
	path, body, err := buildRequest(d, req)
	if err != nil {
		return nil, err
	}

	respBody, status, err := c.do(ctx, http.MethodPost, path, body, d.APIID)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, toProviderError(d.ID, status, respBody)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil || env.Data == nil {
		c.logger.Debug("malformed provider response", zap.String("model", d.ID), zap.ByteString("body", truncate(respBody)))
		return nil, &media.ProviderError{Model: d.ID, StatusCode: status, Message: "malformed response", Body: string(truncate(respBody))}
	}
	if env.Data.TaskID == "" && len(env.Data.Generated) == 0 {
		return nil, &media.ProviderError{Model: d.ID, StatusCode: status, Message: "response carries neither a task id nor a result", Body: string(truncate(respBody))}
	}
	return &Submission{Payload: env.Data, TaskID: env.Data.TaskID}, nil
}

// TaskStatus 查询任务状态，图片与视频走不同的路由；非 2xx 直接返回错误
func (c *Client) TaskStatus(ctx context.Context, mediaType media.Type, taskID string) (*media.Payload, error) {
	var path string
	switch mediaType {
	case media.TypeVideo:
		path = "/ai/image-to-video/tasks/" + url.PathEscape(taskID)
	default:
		path = "/ai/mystic/" + url.PathEscape(taskID)
	}

	respBody, status, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, toProviderError("", status, respBody)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil || env.Data == nil {
		return nil, &media.ProviderError{StatusCode: status, Message: "malformed task status response", Body: string(truncate(respBody))}
	}
	return env.Data, nil
}

func buildRequest(d registry.Descriptor, req media.Request) (string, map[string]any, error) {
	body := map[string]any{
		"prompt": req.Prompt,
	}
	if req.NegativePrompt != "" {
		body["negative_prompt"] = req.NegativePrompt
	}
	if req.Seed != nil {
		body["seed"] = *req.Seed
	}

	switch d.MediaType {
	case media.TypeVideo:
		if strings.TrimSpace(req.InputImage) == "" {
			return "", nil, &media.MissingInputError{Field: "image", Reason: "image-to-video requires an input image"}
		}
		body["image"] = req.InputImage
		return "/ai/image-to-video/" + url.PathEscape(d.APIID), body, nil
	default:
		body["model"] = d.APIID
		if ar := MapAspectRatio(req.AspectRatio); ar != "" {
			body["aspect_ratio"] = ar
		}
		if req.InputImage != "" {
			body["structure_reference"] = req.InputImage
		}
		if req.NumInferenceSteps > 0 {
			body["num_inference_steps"] = req.NumInferenceSteps
		}
		if req.GuidanceScale > 0 {
			body["guidance_scale"] = req.GuidanceScale
		}
		return "/ai/mystic", body, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any, modelAPIID string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set(c.apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	// 无论成功失败都记录限流头
	if modelAPIID != "" && c.observer != nil {
		c.observer.ObserveHeaders(modelAPIID, resp.Header)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read provider response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// toProviderError 从错误响应中提取可读信息，免费额度耗尽时改写为友好提示
func toProviderError(model string, status int, body []byte) error {
	msg := ExtractErrorMessage(body)
	if strings.Contains(strings.ToLower(msg), freeTrialMarker) {
		return &media.QuotaExhaustedError{Model: model, StatusCode: status, Raw: msg}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &media.ProviderError{Model: model, StatusCode: status, Message: msg, Body: string(truncate(body))}
}

// ExtractErrorMessage 兼容常见的错误体结构：message、error.message、error、detail、errors[0].message
func ExtractErrorMessage(resp []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return shorten(string(resp))
	}
	if msg, ok := payload["message"].(string); ok && msg != "" {
		return msg
	}
	switch errVal := payload["error"].(type) {
	case string:
		if errVal != "" {
			return errVal
		}
	case map[string]interface{}:
		if msg, ok := errVal["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if msg, ok := payload["detail"].(string); ok && msg != "" {
		return msg
	}
	if list, ok := payload["errors"].([]interface{}); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]interface{}); ok {
			if msg, ok := first["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return shorten(string(resp))
}

// shorten 截断原始响应，避免把整段 HTML 错误页当作提示
func shorten(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxMessageRunes {
		return string(r[:maxMessageRunes]) + "..."
	}
	return s
}

func truncate(b []byte) []byte {
	if len(b) > maxErrorBody {
		return b[:maxErrorBody]
	}
	return b
}
