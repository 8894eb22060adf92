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
)

// Fallback 次级图片 provider，仅在主候选全部耗尽时调用一次
type Fallback interface {
	Name() string
	Generate(ctx context.Context, prompt string) (*media.Payload, error)
}

const (
	FallbackKindModelEndpoint = "model-endpoint"
	FallbackKindOpenAI        = "openai"
	FallbackKindGemini        = "gemini"
)

// FallbackConfig 次级 provider 配置
type FallbackConfig struct {
	Kind           string `mapstructure:"kind"`
	APIBase        string `mapstructure:"api_base"`
	APIKey         string `mapstructure:"api_key"`
	ModelID        string `mapstructure:"model_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

func (c FallbackConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 150 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewFallback 按 kind 创建次级 provider；kind 为空表示不启用，返回 nil
func NewFallback(cfg FallbackConfig, logger *zap.Logger) (Fallback, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "":
		return nil, nil
	case FallbackKindModelEndpoint:
		return NewModelEndpointFallback(cfg, nil, logger)
	case FallbackKindOpenAI:
		return NewOpenAIFallback(cfg, logger)
	case FallbackKindGemini:
		return NewGeminiFallback(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown fallback kind %q", cfg.Kind)
	}
}

// ModelEndpointFallback POST {base}/model/{modelId}，body {text}，bearer 鉴权
type ModelEndpointFallback struct {
	apiBase    string
	apiKey     string
	modelID    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewModelEndpointFallback 创建 model-endpoint 类型的次级 provider
func NewModelEndpointFallback(cfg FallbackConfig, httpClient *http.Client, logger *zap.Logger) (*ModelEndpointFallback, error) {
	if strings.TrimSpace(cfg.APIBase) == "" || strings.TrimSpace(cfg.ModelID) == "" {
		return nil, fmt.Errorf("model-endpoint fallback requires api_base and model_id")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.timeout()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelEndpointFallback{
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		apiKey:     cfg.APIKey,
		modelID:    cfg.ModelID,
		httpClient: httpClient,
		logger:     logger.With(zap.String("component", "fallback"), zap.String("kind", FallbackKindModelEndpoint)),
	}, nil
}

func (f *ModelEndpointFallback) Name() string {
	return FallbackKindModelEndpoint + ":" + f.modelID
}

func (f *ModelEndpointFallback) Generate(ctx context.Context, prompt string) (*media.Payload, error) {
	payload, _ := json.Marshal(map[string]string{"text": prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.apiBase+"/model/"+url.PathEscape(f.modelID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fallback request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read fallback response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Debug("fallback error response", zap.Int("status", resp.StatusCode), zap.ByteString("body", truncate(body)))
		return nil, toProviderError(f.Name(), resp.StatusCode, body)
	}

	generated, err := NormalizeFallbackOutput(body)
	if err != nil {
		return nil, &media.ProviderError{Model: f.Name(), StatusCode: resp.StatusCode, Message: err.Error(), Body: string(truncate(body))}
	}
	return &media.Payload{Status: "COMPLETED", Generated: generated}, nil
}

// NormalizeFallbackOutput 把次级 provider 不固定的响应归一为产物列表：
// output 为字符串或数组、generated_images 数组、或 data[] 的 url / b64_json
func NormalizeFallbackOutput(body []byte) ([]media.Asset, error) {
	var raw struct {
		Output          json.RawMessage `json:"output"`
		GeneratedImages []media.Asset   `json:"generated_images"`
		Data            []media.Asset   `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode fallback response: %w", err)
	}

	var assets []media.Asset
	if len(raw.Output) > 0 && string(raw.Output) != "null" {
		var single media.Asset
		var list []media.Asset
		if err := json.Unmarshal(raw.Output, &list); err == nil {
			assets = append(assets, list...)
		} else if err := json.Unmarshal(raw.Output, &single); err == nil {
			assets = append(assets, single)
		}
	}
	assets = append(assets, raw.GeneratedImages...)
	assets = append(assets, raw.Data...)

	out := assets[:0]
	for _, a := range assets {
		if !a.IsZero() {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("fallback response contains no image")
	}
	return out, nil
}
