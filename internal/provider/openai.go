package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"media-gen-service/internal/media"
)

const defaultOpenAIImageModel = "gpt-image-1"

var dataURLPattern = regexp.MustCompile(`data:image/[^;]+;base64,[A-Za-z0-9+/=]+`)

// OpenAIFallback 通过 OpenAI 兼容接口 /images/generations 生成图片
type OpenAIFallback struct {
	client  *openai.Client
	modelID string
	logger  *zap.Logger
}

// NewOpenAIFallback 创建 OpenAI 兼容的次级 provider
func NewOpenAIFallback(cfg FallbackConfig, logger *zap.Logger, extra ...option.RequestOption) (*OpenAIFallback, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai fallback requires api_key")
	}
	modelID := strings.TrimSpace(cfg.ModelID)
	if modelID == "" {
		modelID = defaultOpenAIImageModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout()}),
		option.WithBaseURL(NormalizeOpenAIBaseURL(cfg.APIBase)),
		option.WithHeader("User-Agent", "media-gen-service/1.0"),
		option.WithMaxRetries(0),
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)

	return &OpenAIFallback{
		client:  &client,
		modelID: modelID,
		logger:  logger.With(zap.String("component", "fallback"), zap.String("kind", FallbackKindOpenAI)),
	}, nil
}

func (f *OpenAIFallback) Name() string {
	return FallbackKindOpenAI + ":" + f.modelID
}

func (f *OpenAIFallback) Generate(ctx context.Context, prompt string) (*media.Payload, error) {
	body := map[string]interface{}{
		"model":  f.modelID,
		"prompt": prompt,
		"n":      1,
	}

	var respBytes []byte
	if err := f.client.Post(ctx, "/images/generations", body, &respBytes); err != nil {
		return nil, f.toError(ctx, err)
	}
	if len(respBytes) == 0 {
		return nil, &media.ProviderError{Model: f.Name(), Message: "empty response"}
	}

	assets, err := extractOpenAIAssets(respBytes)
	if err != nil {
		f.logger.Debug("openai response carried no image", zap.ByteString("body", truncate(respBytes)))
		return nil, &media.ProviderError{Model: f.Name(), Message: err.Error(), Body: string(truncate(respBytes))}
	}
	return &media.Payload{Status: "COMPLETED", Generated: assets}, nil
}

func (f *OpenAIFallback) toError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := formatOpenAIClientError(err)
		if strings.Contains(strings.ToLower(msg), freeTrialMarker) {
			return &media.QuotaExhaustedError{Model: f.Name(), StatusCode: apiErr.StatusCode, Raw: msg}
		}
		return &media.ProviderError{Model: f.Name(), StatusCode: apiErr.StatusCode, Message: shorten(msg)}
	}
	return fmt.Errorf("openai fallback request failed: %w", err)
}

// extractOpenAIAssets 解析 data[] 的 url / b64_json；兼容 chat 形式的 choices 中内嵌 data URL
func extractOpenAIAssets(respBytes []byte) ([]media.Asset, error) {
	var raw struct {
		Data    []media.Asset `json:"data"`
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBytes, &raw); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}

	var assets []media.Asset
	for _, a := range raw.Data {
		if !a.IsZero() {
			assets = append(assets, a)
		}
	}
	for _, choice := range raw.Choices {
		var text string
		if err := json.Unmarshal(choice.Message.Content, &text); err != nil {
			continue
		}
		for _, match := range dataURLPattern.FindAllString(text, -1) {
			if a := media.AssetFromString(match); !a.IsZero() {
				assets = append(assets, a)
			}
		}
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("no image found in response")
	}
	return assets, nil
}

// NormalizeOpenAIBaseURL 把用户填写的各种 base 形式统一为 .../v1
func NormalizeOpenAIBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return "https://api.openai.com/v1"
	}

	base = strings.TrimRight(base, "/")
	for _, suffix := range []string{"/chat/completions", "/images/generations"} {
		if strings.Contains(base, suffix) {
			base = strings.TrimRight(strings.Split(base, suffix)[0], "/")
		}
	}
	if strings.Contains(base, "/v1/") {
		return strings.Split(base, "/v1/")[0] + "/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func formatOpenAIClientError(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = ExtractErrorMessage([]byte(apiErr.RawJSON()))
		}
		if msg != "" {
			return msg
		}
	}
	return err.Error()
}
