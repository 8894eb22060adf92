package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"media-gen-service/internal/media"
)

const (
	defaultGeminiImageModel = "gemini-2.5-flash-image"
	geminiDefaultBase       = "https://generativelanguage.googleapis.com"
)

var markdownImagePattern = regexp.MustCompile(`!\[(.*?)\]\([^\)]+\)`)

// GeminiFallback 通过 GenerateContent 生成图片，内联图片转为 base64 产物
type GeminiFallback struct {
	client  *genai.Client
	modelID string
	logger  *zap.Logger
}

// NewGeminiFallback 创建 Gemini 次级 provider
func NewGeminiFallback(cfg FallbackConfig, logger *zap.Logger) (*GeminiFallback, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini fallback requires api_key")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	modelID := strings.TrimSpace(cfg.ModelID)
	if modelID == "" {
		modelID = defaultGeminiImageModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.timeout()},
	}
	// 中转 API 需要自定义 BaseURL
	if base := strings.TrimRight(cfg.APIBase, "/"); base != "" && base != geminiDefaultBase {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiFallback{
		client:  client,
		modelID: modelID,
		logger:  logger.With(zap.String("component", "fallback"), zap.String("kind", FallbackKindGemini)),
	}, nil
}

func (f *GeminiFallback) Name() string {
	return FallbackKindGemini + ":" + f.modelID
}

func (f *GeminiFallback) Generate(ctx context.Context, prompt string) (*media.Payload, error) {
	config := &genai.GenerateContentConfig{
		// 只设置 IMAGE 时部分中转会处理异常
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: stripMarkdownImages(prompt)}},
	}}

	resp, err := f.client.Models.GenerateContent(ctx, f.modelID, contents, config)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, f.toError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &media.ProviderError{Model: f.Name(), Message: "no candidate returned (safety filter or quota)"}
	}

	candidate := resp.Candidates[0]
	var assets []media.Asset
	var texts []string
	for _, part := range candidate.Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			assets = append(assets, media.Asset{Base64: base64.StdEncoding.EncodeToString(part.InlineData.Data)})
		}
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	if len(assets) == 0 {
		msg := fmt.Sprintf("no image in response (finish reason: %s)", candidate.FinishReason)
		if len(texts) > 0 {
			msg += ": " + shorten(strings.Join(texts, " | "))
		}
		return nil, &media.ProviderError{Model: f.Name(), Message: msg}
	}
	f.logger.Debug("gemini fallback produced images", zap.Int("count", len(assets)))
	return &media.Payload{Status: "COMPLETED", Generated: assets}, nil
}

func (f *GeminiFallback) toError(err error) error {
	var apiErr genai.APIError
	if ok := asGeminiAPIError(err, &apiErr); ok {
		msg := apiErr.Message
		if strings.Contains(strings.ToLower(msg), freeTrialMarker) {
			return &media.QuotaExhaustedError{Model: f.Name(), StatusCode: apiErr.Code, Raw: msg}
		}
		return &media.ProviderError{Model: f.Name(), StatusCode: apiErr.Code, Message: shorten(msg)}
	}
	return fmt.Errorf("gemini fallback request failed: %w", err)
}

// asGeminiAPIError SDK 的 APIError 可能以值或指针形式返回
func asGeminiAPIError(err error, target *genai.APIError) bool {
	if errors.As(err, target) {
		return true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		*target = *ptr
		return true
	}
	return false
}

// stripMarkdownImages 移除 Markdown 图片语法 ![alt](url)，只保留 alt 文字
func stripMarkdownImages(text string) string {
	return markdownImagePattern.ReplaceAllStringFunc(text, func(match string) string {
		if sub := markdownImagePattern.FindStringSubmatch(match); len(sub) > 1 {
			return strings.TrimSpace(sub[1])
		}
		return ""
	})
}
