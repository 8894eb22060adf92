package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RouterOptions 路由装配参数
type RouterOptions struct {
	Mode       string              // gin 模式，空表示保持默认
	Limiter    *rate.Limiter       // 作用于生成类接口，nil 表示不限流
	StorageDir string              // 本地存储目录，挂载到 /storage
	Gatherer   prometheus.Gatherer // nil 时不暴露 /metrics
	Logger     *zap.Logger
}

// NewRouter 注册全部路由
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(Recovery(logger), RequestLogger(logger), CORS())

	r.GET("/health", h.HealthHandler)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if opts.StorageDir != "" {
		r.Static("/storage", opts.StorageDir)
	}

	v1 := r.Group("/api/v1")
	{
		gen := v1.Group("", RateLimit(opts.Limiter))
		gen.POST("/images", h.GenerateImageHandler)
		gen.POST("/videos", h.GenerateVideoHandler)
		gen.POST("/uploads/generate", h.GenerateFromUploadHandler)
		gen.POST("/jobs", h.CreateJobHandler)

		v1.GET("/jobs/:id", h.GetJobHandler)
		v1.GET("/jobs/:id/stream", h.StreamJobHandler)
		v1.GET("/models", h.ListModelsHandler)
		v1.GET("/generations", h.ListGenerationsHandler)
	}
	return r
}
