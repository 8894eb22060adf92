package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-gen-service/internal/cache"
	"media-gen-service/internal/media"
	"media-gen-service/internal/model"
	"media-gen-service/internal/poller"
	"media-gen-service/internal/provider"
	"media-gen-service/internal/ratelimit"
	"media-gen-service/internal/registry"
)

// 10:00，落在 [8,16) 时段
var tenAM = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func prio(v int) *int { return &v }

// fakeProvider 按路径与模型脚本化响应，并记录所有请求
type fakeProvider struct {
	mu       sync.Mutex
	requests []string
	bodies   []map[string]any
	handle   func(w http.ResponseWriter, r *http.Request, body map[string]any)
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	f.handle(w, r, body)
}

func (f *fakeProvider) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeProvider) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	engine   *Engine
	tracker  *ratelimit.Tracker
	cache    *cache.ResultCache
	provider *fakeProvider
	clock    *time.Time
}

type fixtureOpts struct {
	images      []registry.Descriptor
	videos      []registry.Descriptor
	fallback    provider.Fallback
	publisher   Publisher
	history     HistoryRecorder
	maxAttempts int
}

func newFixture(t *testing.T, fp *fakeProvider, o fixtureOpts) *fixture {
	t.Helper()
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	if o.maxAttempts == 0 {
		o.maxAttempts = poller.DefaultMaxAttempts
	}
	reg, err := registry.New(o.images, o.videos)
	require.NoError(t, err)

	now := tenAM
	tracker := ratelimit.NewTracker()
	rc := cache.New(cache.Options{}).WithClock(func() time.Time { return now })
	client := provider.NewClient(provider.Options{APIBase: srv.URL, APIKey: "k", Observer: tracker})
	p := poller.New(client, poller.Options{Interval: time.Millisecond, MaxAttempts: o.maxAttempts})

	eng, err := New(Deps{
		Registry:  reg,
		Tracker:   tracker,
		Cache:     rc,
		Client:    client,
		Poller:    p,
		Fallback:  o.fallback,
		Publisher: o.publisher,
		History:   o.history,
	}, Options{})
	require.NoError(t, err)
	eng.WithClock(func() time.Time { return now })

	return &fixture{engine: eng, tracker: tracker, cache: rc, provider: fp, clock: &now}
}

func twoImageModels() []registry.Descriptor {
	return []registry.Descriptor{
		{ID: "off-slot", APIID: "off", Priority: prio(1), Window: &registry.TimeWindow{StartHour: 0, EndHour: 8}},
		{ID: "in-slot", APIID: "in", Priority: prio(1), Window: &registry.TimeWindow{StartHour: 8, EndHour: 16}},
	}
}

func videoModels() []registry.Descriptor {
	return []registry.Descriptor{
		{ID: "kling-std", APIID: "kling-std", Priority: prio(1)},
		{ID: "kling-pro", APIID: "kling-pro", Priority: prio(2)},
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// 时段命中的模型返回 500，下一个候选成功；结果按图片 TTL 缓存
func TestGenerateImage_FailsOverAndCaches(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if body["model"] == "in" {
			writeJSON(w, http.StatusInternalServerError, `{"message":"boom"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"data":{"generated":["https://cdn/off.png"]}}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})
	ctx := context.Background()
	req := media.Request{Prompt: "a lighthouse", AspectRatio: "1:1"}

	res, err := f.engine.GenerateImage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/off.png", res.URL())
	assert.Equal(t, "off-slot", res.Model)
	assert.Equal(t, media.SourcePrimary, res.Source)
	require.Equal(t, 2, fp.total())
	assert.Equal(t, "in", fp.bodies[0]["model"], "in-slot model is tried first")

	again, err := f.engine.GenerateImage(ctx, media.Request{AspectRatio: "1:1", Prompt: "a lighthouse"})
	require.NoError(t, err)
	assert.Equal(t, 2, fp.total(), "cache hit makes no provider call")
	assert.Equal(t, media.SourceCache, again.Source)
	assert.Equal(t, res.Data, again.Data)

	*f.clock = tenAM.Add(23 * time.Hour)
	_, ok := f.cache.Get(ctx, cache.GenerateKey("image", req.Fingerprint()))
	assert.True(t, ok)
	*f.clock = tenAM.Add(DefaultImageTTL)
	_, ok = f.cache.Get(ctx, cache.GenerateKey("image", req.Fingerprint()))
	assert.False(t, ok, "expired after the image TTL")
}

// 全部候选被限流时调用回退 provider，并把结果归一为标准结构
func TestGenerateImage_AllRateLimitedUsesFallback(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, `{"data":{"generated":["https://cdn/never.png"]}}`)
	}}
	fbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"output":"https://x/y.png"}`)
	}))
	t.Cleanup(fbSrv.Close)
	fb, err := provider.NewModelEndpointFallback(provider.FallbackConfig{APIBase: fbSrv.URL, ModelID: "sdxl"}, nil, nil)
	require.NoError(t, err)

	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), fallback: fb})
	reset := time.Now().Add(time.Hour).Unix()
	f.tracker.Update("in", 100, 5, reset)
	f.tracker.Update("off", 100, 0, reset)

	res, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, 0, fp.total())
	assert.Equal(t, media.SourceFallback, res.Source)
	assert.Equal(t, []media.Asset{{URL: "https://x/y.png"}}, res.Data.Generated)

	encoded, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"data":{"status":"COMPLETED","generated":[{"url":"https://x/y.png"}]}`)
}

func TestGenerateImage_AllRateLimitedWithoutFallback(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})
	reset := time.Now().Add(time.Hour).Unix()
	f.tracker.Update("in", 100, 1, reset)
	f.tracker.Update("off", 100, 1, reset)

	_, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})

	var exhausted *media.AllCandidatesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, media.TypeImage, exhausted.MediaType)
	assert.Equal(t, 0, fp.total())
}

func TestGenerateImage_FallbackFailureIsLastError(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusInternalServerError, `{"message":"primary down"}`)
	}}
	fb := &stubFallback{err: &media.ProviderError{Model: "stub", StatusCode: 502, Message: "fallback down"}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), fallback: fb})

	_, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})

	var perr *media.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fallback down", perr.Message)
	assert.Equal(t, 1, fb.calls)
	assert.Equal(t, "x", fb.prompt)
}

func TestGenerateImage_QuotaErrorAdvances(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeJSON(w, http.StatusTooManyRequests, `{"message":"You reached the limit of the free trial usage"}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})

	_, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})

	var quota *media.QuotaExhaustedError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, media.QuotaExhaustedMessage, err.Error())
	assert.Equal(t, 2, fp.total())
}

// 任务型 provider：前三次轮询进行中，第四次完成
func TestGenerateImage_PollsTaskToCompletion(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusOK, `{"data":{"task_id":"42","status":"CREATED","generated":[]}}`)
			return
		}
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n <= 3 {
			writeJSON(w, http.StatusOK, `{"data":{"task_id":"42","status":"PROCESSING","generated":[]}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"data":{"task_id":"42","status":"COMPLETED","generated":["https://cdn/42.png"]}}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})

	res, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/42.png", res.URL())
	assert.Equal(t, "42", res.Data.TaskID)
	assert.Equal(t, 4, fp.count("GET /ai/mystic/42"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, fp.count("GET /ai/mystic/42"), "no polling after completion")
}

// 任务始终未到终态：PollTimeoutError 立即返回，不再尝试其他候选
func TestGenerateImage_PollTimeoutStopsCandidates(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusOK, `{"data":{"task_id":"slow","status":"CREATED"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"data":{"status":"IN_PROGRESS"}}`)
	}}
	fb := &stubFallback{payload: &media.Payload{Generated: []media.Asset{{URL: "https://fb"}}}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), fallback: fb})

	_, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})

	var timeout *media.PollTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, poller.DefaultMaxAttempts, timeout.Attempts)
	assert.Equal(t, 1, fp.count("POST"), "second candidate is not tried")
	assert.Equal(t, poller.DefaultMaxAttempts, fp.count("GET /ai/mystic/slow"))
	assert.Zero(t, fb.calls)
}

func TestGenerateImage_TaskFailedAdvances(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		switch {
		case r.Method == http.MethodPost && body["model"] == "in":
			writeJSON(w, http.StatusOK, `{"data":{"task_id":"t1","status":"CREATED"}}`)
		case r.Method == http.MethodPost:
			writeJSON(w, http.StatusOK, `{"data":{"generated":[{"url":"https://cdn/ok.png"}]}}`)
		default:
			writeJSON(w, http.StatusOK, `{"data":{"status":"FAILED"}}`)
		}
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})

	res, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "off-slot", res.Model)
}

func TestGenerateImage_ValidatesPrompt(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})

	_, err := f.engine.GenerateImage(context.Background(), media.Request{Prompt: "  "})
	var missing *media.MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 0, fp.total())
}

func TestGenerateImage_CancelledContext(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, `{"data":{"task_id":"t","status":"CREATED"}}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.GenerateImage(ctx, media.Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

// 底图阶段所有候选失败且无回退：整个视频请求失败，不调用视频 provider
func TestGenerateVideo_BaseImageFailureStopsPipeline(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusBadGateway, `{"message":"image backend down"}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), videos: videoModels()})

	_, err := f.engine.GenerateVideo(context.Background(), media.Request{Prompt: "waves"})

	var perr *media.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "image backend down", perr.Message)
	assert.Equal(t, 0, fp.count("POST /ai/image-to-video"))
}

func TestGenerateVideo_TwoPhases(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		switch {
		case r.URL.Path == "/ai/mystic":
			writeJSON(w, http.StatusOK, `{"data":{"generated":["https://cdn/base.png"]}}`)
		case strings.HasPrefix(r.URL.Path, "/ai/image-to-video/tasks/"):
			writeJSON(w, http.StatusOK, `{"data":{"status":"COMPLETED","generated":["https://cdn/clip.mp4"]}}`)
		default:
			writeJSON(w, http.StatusOK, `{"data":{"task_id":"v1","status":"CREATED"}}`)
		}
	}}
	history := &memoryHistory{}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), videos: videoModels(), history: history})
	req := media.Request{Prompt: "waves", AspectRatio: "9:16"}

	res, err := f.engine.GenerateVideo(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/clip.mp4", res.URL())
	assert.Equal(t, "https://cdn/base.png", res.BaseImageURL)
	assert.Equal(t, "kling-std", res.Model)
	assert.Equal(t, "widescreen_16_9", fp.bodies[0]["aspect_ratio"], "base image is forced to 16:9")
	assert.Equal(t, "POST /ai/image-to-video/kling-std", fp.requests[1])
	assert.Equal(t, "https://cdn/base.png", fp.bodies[1]["image"])
	assert.Equal(t, "GET /ai/image-to-video/tasks/v1", fp.requests[2])

	calls := fp.total()
	again, err := f.engine.GenerateVideo(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, calls, fp.total(), "video result is cached")
	assert.Equal(t, media.SourceCache, again.Source)

	*f.clock = tenAM.Add(DefaultImageTTL + time.Hour)
	_, ok := f.cache.Get(context.Background(), cache.GenerateKey("video", req.Fingerprint()))
	assert.True(t, ok, "video TTL outlives the image TTL")

	kinds := history.mediaTypes()
	assert.Equal(t, []string{"image", "video", "video"}, kinds)
}

func TestGenerateVideo_UsesSuppliedImage(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, `{"data":{"generated":["https://cdn/clip.mp4"]}}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), videos: videoModels()})

	res, err := f.engine.GenerateVideo(context.Background(), media.Request{Prompt: "waves", InputImage: "https://mine/base.png"})
	require.NoError(t, err)
	assert.Equal(t, 0, fp.count("POST /ai/mystic"))
	assert.Equal(t, "https://mine/base.png", res.BaseImageURL)
}

func TestGenerateVideo_InlineBaseImage(t *testing.T) {
	newProvider := func() *fakeProvider {
		return &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
			if r.URL.Path == "/ai/mystic" {
				writeJSON(w, http.StatusOK, `{"data":{"generated":[{"base64":"aGVsbG8="}]}}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"data":{"generated":["https://cdn/clip.mp4"]}}`)
		}}
	}

	t.Run("without publisher", func(t *testing.T) {
		fp := newProvider()
		f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), videos: videoModels()})

		_, err := f.engine.GenerateVideo(context.Background(), media.Request{Prompt: "waves"})
		var missing *media.MissingInputError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, 0, fp.count("POST /ai/image-to-video"))
	})

	t.Run("with publisher", func(t *testing.T) {
		fp := newProvider()
		pub := &stubPublisher{url: "https://storage/base.png"}
		f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), videos: videoModels(), publisher: pub})

		res, err := f.engine.GenerateVideo(context.Background(), media.Request{Prompt: "waves"})
		require.NoError(t, err)
		assert.Equal(t, "aGVsbG8=", pub.got)
		assert.Equal(t, "https://storage/base.png", res.BaseImageURL)
	})
}

func TestGenerateVideo_VideoCandidatesRespectThreshold(t *testing.T) {
	fp := &fakeProvider{handle: func(w http.ResponseWriter, r *http.Request, _ map[string]any) {
		writeJSON(w, http.StatusOK, `{"data":{"generated":["https://cdn/clip.mp4"]}}`)
	}}
	f := newFixture(t, fp, fixtureOpts{images: twoImageModels(), videos: videoModels()})
	f.tracker.Update("kling-std", 10, 2, time.Now().Add(time.Hour).Unix())

	res, err := f.engine.GenerateVideo(context.Background(), media.Request{Prompt: "waves", InputImage: "https://mine/base.png"})
	require.NoError(t, err)
	assert.Equal(t, "kling-pro", res.Model)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

type stubFallback struct {
	payload *media.Payload
	err     error
	calls   int
	prompt  string
}

func (s *stubFallback) Name() string { return "stub" }

func (s *stubFallback) Generate(_ context.Context, prompt string) (*media.Payload, error) {
	s.calls++
	s.prompt = prompt
	return s.payload, s.err
}

type stubPublisher struct {
	url string
	got string
}

func (s *stubPublisher) PublishInline(_ context.Context, encoded string) (string, error) {
	s.got = encoded
	if s.url == "" {
		return "", errors.New("no storage")
	}
	return s.url, nil
}

type memoryHistory struct {
	mu   sync.Mutex
	rows []*model.Generation
}

func (h *memoryHistory) Record(_ context.Context, g *model.Generation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, g)
	return nil
}

func (h *memoryHistory) mediaTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.rows))
	for _, g := range h.rows {
		out = append(out, g.MediaType)
	}
	return out
}
