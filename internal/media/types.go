package media

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type 生成的媒体类型
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// ParseType 解析媒体类型，大小写不敏感
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeImage:
		return TypeImage, nil
	case TypeVideo:
		return TypeVideo, nil
	default:
		return "", fmt.Errorf("unsupported media type: %q", s)
	}
}

// Request 一次生成请求，随调用创建、调用结束即丢弃
type Request struct {
	Prompt            string  `json:"prompt" binding:"required"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	AspectRatio       string  `json:"aspect_ratio,omitempty"`
	Seed              *int64  `json:"seed,omitempty"`
	InputImage        string  `json:"image,omitempty"` // URL 或 data URI，图生图 / 图生视频使用
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	Urgent            bool    `json:"urgent,omitempty"`
}

// Validate 校验请求的必填字段
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return &MissingInputError{Field: "prompt", Reason: "prompt must not be empty"}
	}
	return nil
}

// Fingerprint 返回参与缓存指纹的参数集合。
// Urgent 只影响调度，不影响生成结果，因此不参与指纹。
func (r Request) Fingerprint() map[string]any {
	params := map[string]any{
		"prompt": r.Prompt,
	}
	if r.NegativePrompt != "" {
		params["negative_prompt"] = r.NegativePrompt
	}
	if r.AspectRatio != "" {
		params["aspect_ratio"] = r.AspectRatio
	}
	if r.Seed != nil {
		params["seed"] = *r.Seed
	}
	if r.InputImage != "" {
		params["image"] = r.InputImage
	}
	if r.NumInferenceSteps > 0 {
		params["num_inference_steps"] = r.NumInferenceSteps
	}
	if r.GuidanceScale > 0 {
		params["guidance_scale"] = r.GuidanceScale
	}
	return params
}

// Asset 单个生成产物，URL 与 Base64 二选一
type Asset struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// IsZero 报告产物是否为空
func (a Asset) IsZero() bool {
	return a.URL == "" && a.Base64 == ""
}

// UnmarshalJSON 兼容 provider 返回的多种形态：
// 纯字符串（URL 或 data URI）、{url}、{base64}、{b64_json}
func (a *Asset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = AssetFromString(s)
		return nil
	}

	var raw struct {
		URL     string `json:"url"`
		Base64  string `json:"base64"`
		B64JSON string `json:"b64_json"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode generated asset: %w", err)
	}
	switch {
	case raw.URL != "":
		*a = AssetFromString(raw.URL)
	case raw.Base64 != "":
		a.Base64 = raw.Base64
	default:
		a.Base64 = raw.B64JSON
	}
	return nil
}

// AssetFromString 把 URL 或 data URI 转为 Asset
func AssetFromString(s string) Asset {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			return Asset{Base64: s[idx+1:]}
		}
	}
	return Asset{URL: s}
}

// Payload 归一化后的 provider 结果，对应 {data:{generated:[...]}}
type Payload struct {
	TaskID    string  `json:"task_id,omitempty"`
	Status    string  `json:"status,omitempty"`
	Generated []Asset `json:"generated"`
}

// FirstURL 返回第一个可用的 URL
func (p *Payload) FirstURL() string {
	if p == nil {
		return ""
	}
	for _, a := range p.Generated {
		if a.URL != "" {
			return a.URL
		}
	}
	return ""
}

// FirstInline 返回第一个内联（base64）产物
func (p *Payload) FirstInline() string {
	if p == nil {
		return ""
	}
	for _, a := range p.Generated {
		if a.Base64 != "" {
			return a.Base64
		}
	}
	return ""
}

// Source 结果的来源
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceCache    Source = "cache"
)

// ImageResult 图片生成结果
type ImageResult struct {
	Data   Payload `json:"data"`
	Model  string  `json:"model,omitempty"`
	Source Source  `json:"source,omitempty"`
}

// URL 返回结果中第一个图片 URL
func (r *ImageResult) URL() string {
	if r == nil {
		return ""
	}
	return r.Data.FirstURL()
}

// VideoResult 视频生成结果，视频只以 URL 形式返回
type VideoResult struct {
	Data         Payload `json:"data"`
	Model        string  `json:"model,omitempty"`
	Source       Source  `json:"source,omitempty"`
	BaseImageURL string  `json:"base_image_url,omitempty"`
}

// URL 返回结果中第一个视频 URL
func (r *VideoResult) URL() string {
	if r == nil {
		return ""
	}
	return r.Data.FirstURL()
}
