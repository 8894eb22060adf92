// Package engine 编排图片与视频生成：缓存、候选选择、限流跳过、调用与轮询、回退。
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"media-gen-service/internal/cache"
	"media-gen-service/internal/media"
	"media-gen-service/internal/metrics"
	"media-gen-service/internal/model"
	"media-gen-service/internal/poller"
	"media-gen-service/internal/provider"
	"media-gen-service/internal/ratelimit"
	"media-gen-service/internal/registry"
)

const (
	DefaultImageThreshold = 5
	DefaultVideoThreshold = 2
	DefaultImageTTL       = 24 * time.Hour
	DefaultVideoTTL       = 48 * time.Hour

	// 视频底图统一为横版
	baseImageAspectRatio = "16:9"
)

// Submitter 主 provider 的提交接口
type Submitter interface {
	Submit(ctx context.Context, d registry.Descriptor, req media.Request) (*provider.Submission, error)
}

// TaskPoller 任务轮询接口
type TaskPoller interface {
	Poll(ctx context.Context, mediaType media.Type, taskID string) (*poller.Outcome, error)
}

// Publisher 把内联图片发布为 URL，视频底图只有 base64 时使用
type Publisher interface {
	PublishInline(ctx context.Context, encoded string) (string, error)
}

// HistoryRecorder 生成历史记录
type HistoryRecorder interface {
	Record(ctx context.Context, g *model.Generation) error
}

// Options 引擎参数
type Options struct {
	ImageThreshold int
	VideoThreshold int
	ImageTTL       time.Duration
	VideoTTL       time.Duration
}

func (o *Options) applyDefaults() {
	if o.ImageThreshold <= 0 {
		o.ImageThreshold = DefaultImageThreshold
	}
	if o.VideoThreshold <= 0 {
		o.VideoThreshold = DefaultVideoThreshold
	}
	if o.ImageTTL <= 0 {
		o.ImageTTL = DefaultImageTTL
	}
	if o.VideoTTL <= 0 {
		o.VideoTTL = DefaultVideoTTL
	}
}

// Deps 引擎依赖。Registry、Tracker、Cache、Client、Poller 必填，其余可选。
type Deps struct {
	Registry  *registry.Registry
	Tracker   *ratelimit.Tracker
	Cache     *cache.ResultCache
	Client    Submitter
	Poller    TaskPoller
	Fallback  provider.Fallback
	Publisher Publisher
	History   HistoryRecorder
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Engine 生成编排器，自身无状态，可被并发调用
type Engine struct {
	registry  *registry.Registry
	tracker   *ratelimit.Tracker
	cache     *cache.ResultCache
	client    Submitter
	poller    TaskPoller
	fallback  provider.Fallback
	publisher Publisher
	history   HistoryRecorder
	metrics   *metrics.Collector
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// New 创建引擎
func New(deps Deps, opts Options) (*Engine, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("engine: registry is required")
	case deps.Tracker == nil:
		return nil, errors.New("engine: rate-limit tracker is required")
	case deps.Cache == nil:
		return nil, errors.New("engine: result cache is required")
	case deps.Client == nil:
		return nil, errors.New("engine: provider client is required")
	case deps.Poller == nil:
		return nil, errors.New("engine: task poller is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	opts.applyDefaults()

	return &Engine{
		registry:  deps.Registry,
		tracker:   deps.Tracker,
		cache:     deps.Cache,
		client:    deps.Client,
		poller:    deps.Poller,
		fallback:  deps.Fallback,
		publisher: deps.Publisher,
		history:   deps.History,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With(zap.String("component", "engine")),
		opts:      opts,
		now:       time.Now,
	}, nil
}

// WithClock 替换时钟，影响时间窗口选择
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// outcome 一次生成的归一结果，也是缓存的存储格式
type outcome struct {
	Data         media.Payload `json:"data"`
	Model        string        `json:"model,omitempty"`
	Source       media.Source  `json:"source,omitempty"`
	BaseImageURL string        `json:"base_image_url,omitempty"`
}

// GenerateImage 生成图片：缓存命中直接返回；否则按候选顺序调用，全部失败时走回退
func (e *Engine) GenerateImage(ctx context.Context, req media.Request) (*media.ImageResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := cache.GenerateKey(string(media.TypeImage), req.Fingerprint())
	if out, ok := e.lookup(ctx, media.TypeImage, key); ok {
		e.record(ctx, media.TypeImage, req, out)
		return &media.ImageResult{Data: out.Data, Model: out.Model, Source: out.Source}, nil
	}

	out, err := e.handleGeneration(ctx, media.TypeImage, req, key)
	if err != nil {
		e.metrics.RecordGeneration(string(media.TypeImage), "error")
		return nil, err
	}
	e.record(ctx, media.TypeImage, req, out)
	return &media.ImageResult{Data: out.Data, Model: out.Model, Source: out.Source}, nil
}

// GenerateVideo 两阶段生成视频：先生成 16:9 底图，再以底图调用图生视频。
// 调用方已提供输入图片时跳过第一阶段。
func (e *Engine) GenerateVideo(ctx context.Context, req media.Request) (*media.VideoResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := cache.GenerateKey(string(media.TypeVideo), req.Fingerprint())
	if out, ok := e.lookup(ctx, media.TypeVideo, key); ok {
		e.record(ctx, media.TypeVideo, req, out)
		return videoResult(out), nil
	}

	baseURL, err := e.baseImage(ctx, req)
	if err != nil {
		e.metrics.RecordGeneration(string(media.TypeVideo), "error")
		return nil, err
	}

	videoReq := req
	videoReq.InputImage = baseURL
	out, err := e.handleGeneration(ctx, media.TypeVideo, videoReq, key)
	if err != nil {
		e.metrics.RecordGeneration(string(media.TypeVideo), "error")
		return nil, err
	}
	e.record(ctx, media.TypeVideo, req, out)
	return videoResult(out), nil
}

func videoResult(out *outcome) *media.VideoResult {
	return &media.VideoResult{Data: out.Data, Model: out.Model, Source: out.Source, BaseImageURL: out.BaseImageURL}
}

// baseImage 第一阶段：得到底图 URL，无法得到 URL 时整个视频请求失败
func (e *Engine) baseImage(ctx context.Context, req media.Request) (string, error) {
	if req.InputImage != "" {
		return req.InputImage, nil
	}

	imageReq := req
	imageReq.AspectRatio = baseImageAspectRatio
	imageReq.InputImage = ""
	img, err := e.GenerateImage(ctx, imageReq)
	if err != nil {
		return "", err
	}
	if u := img.URL(); u != "" {
		return u, nil
	}

	inline := img.Data.FirstInline()
	if inline != "" && e.publisher != nil {
		u, err := e.publisher.PublishInline(ctx, inline)
		if err != nil {
			e.logger.Warn("publish base image failed", zap.Error(err))
			return "", &media.MissingInputError{Field: "image", Reason: "base image could not be published"}
		}
		return u, nil
	}
	return "", &media.MissingInputError{Field: "image", Reason: "base image generation returned no usable URL"}
}

// handleGeneration 遍历候选模型；图片在候选耗尽后尝试一次回退。
// 成功结果按媒体类型的 TTL 写入 key。
func (e *Engine) handleGeneration(ctx context.Context, mediaType media.Type, req media.Request, key string) (*outcome, error) {
	threshold, ttl := e.opts.ImageThreshold, e.opts.ImageTTL
	if mediaType == media.TypeVideo {
		threshold, ttl = e.opts.VideoThreshold, e.opts.VideoTTL
	}

	var lastErr error
	for _, d := range e.registry.PrioritizedCandidates(mediaType, e.now()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.tracker.CanMakeRequest(d.APIID, threshold) {
			e.logger.Info("skip rate-limited model",
				zap.String("model", d.ID),
				zap.Int("remaining", e.tracker.Remaining(d.APIID)),
				zap.Int("threshold", threshold),
			)
			e.metrics.RecordSkip(d.ID)
			continue
		}

		payload, err := e.callAPI(ctx, d, req)
		if err == nil {
			out := &outcome{Data: *payload, Model: d.ID, Source: media.SourcePrimary}
			if mediaType == media.TypeVideo {
				out.BaseImageURL = req.InputImage
			}
			e.store(ctx, key, out, ttl)
			e.metrics.RecordGeneration(string(mediaType), string(media.SourcePrimary))
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if media.IsTerminal(err) {
			e.logger.Warn("generation aborted", zap.String("model", d.ID), zap.Error(err))
			return nil, err
		}

		e.logger.Warn("model call failed, trying next candidate",
			zap.String("media_type", string(mediaType)),
			zap.String("model", d.ID),
			zap.Error(err),
		)
		lastErr = err
	}

	if mediaType == media.TypeImage && e.fallback != nil {
		out, err := e.callFallback(ctx, req.Prompt)
		if err == nil {
			e.store(ctx, key, out, ttl)
			e.metrics.RecordGeneration(string(mediaType), string(media.SourceFallback))
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &media.AllCandidatesExhaustedError{MediaType: mediaType}
}

// callAPI 提交请求；返回任务 ID 时交给轮询器等待终态
func (e *Engine) callAPI(ctx context.Context, d registry.Descriptor, req media.Request) (*media.Payload, error) {
	start := time.Now()
	payload, err := e.submitAndWait(ctx, d, req)
	result := "success"
	if err != nil {
		result = "error"
	}
	e.metrics.RecordProviderCall(d.ID, result, time.Since(start))
	return payload, err
}

func (e *Engine) submitAndWait(ctx context.Context, d registry.Descriptor, req media.Request) (*media.Payload, error) {
	sub, err := e.client.Submit(ctx, d, req)
	if err != nil {
		return nil, err
	}
	if !sub.Pending() {
		return sub.Payload, nil
	}

	e.logger.Debug("task submitted", zap.String("model", d.ID), zap.String("task_id", sub.TaskID))
	res, err := e.poller.Poll(ctx, d.MediaType, sub.TaskID)
	if res != nil {
		e.metrics.RecordPoll(string(d.MediaType), res.Attempts)
	}
	if err != nil {
		return nil, err
	}
	if res.Payload == nil || len(res.Payload.Generated) == 0 {
		return nil, &media.ProviderError{Model: d.ID, Message: fmt.Sprintf("task %s completed without output", sub.TaskID)}
	}
	return res.Payload, nil
}

func (e *Engine) callFallback(ctx context.Context, prompt string) (*outcome, error) {
	e.logger.Info("primary models exhausted, using fallback provider", zap.String("fallback", e.fallback.Name()))
	payload, err := e.fallback.Generate(ctx, prompt)
	if err != nil {
		e.metrics.RecordFallback("error")
		e.logger.Warn("fallback provider failed", zap.String("fallback", e.fallback.Name()), zap.Error(err))
		return nil, err
	}
	e.metrics.RecordFallback("success")
	return &outcome{Data: *payload, Model: e.fallback.Name(), Source: media.SourceFallback}, nil
}

func (e *Engine) lookup(ctx context.Context, mediaType media.Type, key string) (*outcome, bool) {
	raw, ok := e.cache.Get(ctx, key)
	e.metrics.RecordCacheLookup(string(mediaType), ok)
	if !ok {
		return nil, false
	}
	var out outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		e.logger.Warn("drop undecodable cache entry", zap.String("key", key), zap.Error(err))
		e.cache.Delete(ctx, key)
		return nil, false
	}
	out.Source = media.SourceCache
	e.metrics.RecordGeneration(string(mediaType), string(media.SourceCache))
	e.logger.Debug("cache hit", zap.String("media_type", string(mediaType)), zap.String("model", out.Model))
	return &out, true
}

func (e *Engine) store(ctx context.Context, key string, out *outcome, ttl time.Duration) {
	raw, err := json.Marshal(out)
	if err != nil {
		e.logger.Warn("encode result for cache failed", zap.Error(err))
		return
	}
	e.cache.Set(ctx, key, raw, ttl)
}

// record 写入历史，失败只记日志
func (e *Engine) record(ctx context.Context, mediaType media.Type, req media.Request, out *outcome) {
	if e.history == nil {
		return
	}
	g := &model.Generation{
		MediaType: string(mediaType),
		ModelID:   out.Model,
		Source:    string(out.Source),
		Prompt:    req.Prompt,
		URL:       out.Data.FirstURL(),
		TaskID:    out.Data.TaskID,
		BaseImage: out.BaseImageURL,
	}
	if err := e.history.Record(context.WithoutCancel(ctx), g); err != nil {
		e.logger.Warn("record generation history failed", zap.Error(err))
	}
}
