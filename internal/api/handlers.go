package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"media-gen-service/internal/media"
	"media-gen-service/internal/model"
	"media-gen-service/internal/queue"
	"media-gen-service/internal/ratelimit"
	"media-gen-service/internal/registry"
	"media-gen-service/internal/storage"
)

// Generator 生成引擎
type Generator interface {
	GenerateImage(ctx context.Context, req media.Request) (*media.ImageResult, error)
	GenerateVideo(ctx context.Context, req media.Request) (*media.VideoResult, error)
}

// JobQueue 异步任务队列
type JobQueue interface {
	AddJob(data any, urgent bool) (queue.Record, error)
	GetJob(id string) (queue.Record, bool)
}

// HistoryLister 生成历史查询
type HistoryLister interface {
	List(ctx context.Context, q model.ListQuery) ([]model.Generation, int64, error)
}

// ImageSaver 保存上传的输入图片
type ImageSaver interface {
	SaveImage(ctx context.Context, data []byte) (*storage.Saved, error)
}

// Handler HTTP 处理器集合。Queue、History、Saver 可为 nil，对应功能不可用。
type Handler struct {
	Engine   Generator
	Queue    JobQueue
	Registry *registry.Registry
	Tracker  *ratelimit.Tracker
	History  HistoryLister
	Saver    ImageSaver
	Logger   *zap.Logger

	now            func() time.Time
	streamInterval time.Duration
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// GenerateImageHandler 同步生成图片
func (h *Handler) GenerateImageHandler(c *gin.Context) {
	var req media.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数错误: "+err.Error())
		return
	}

	res, err := h.Engine.GenerateImage(c.Request.Context(), req)
	if err != nil {
		h.logger().Warn("image generation failed", zap.String("prompt", req.Prompt), zap.Error(err))
		writeError(c, err)
		return
	}
	Success(c, res)
}

// GenerateVideoHandler 同步生成视频
func (h *Handler) GenerateVideoHandler(c *gin.Context) {
	var req media.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数错误: "+err.Error())
		return
	}

	res, err := h.Engine.GenerateVideo(c.Request.Context(), req)
	if err != nil {
		h.logger().Warn("video generation failed", zap.String("prompt", req.Prompt), zap.Error(err))
		writeError(c, err)
		return
	}
	Success(c, res)
}

// JobRequest 异步任务请求
type JobRequest struct {
	MediaType string        `json:"media_type" binding:"required"`
	Request   media.Request `json:"request"`
	Urgent    bool          `json:"urgent"`
}

// JobRunner 把队列任务分派给生成引擎
func JobRunner(gen Generator) queue.Handler {
	return func(ctx context.Context, data any) (any, error) {
		job, ok := data.(JobRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected job payload %T", data)
		}
		mediaType, err := media.ParseType(job.MediaType)
		if err != nil {
			return nil, err
		}
		if mediaType == media.TypeVideo {
			return gen.GenerateVideo(ctx, job.Request)
		}
		return gen.GenerateImage(ctx, job.Request)
	}
}

// CreateJobHandler 提交异步任务
func (h *Handler) CreateJobHandler(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusServiceUnavailable, 503, "任务队列未启用")
		return
	}

	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, 400, "参数错误: "+err.Error())
		return
	}
	if _, err := media.ParseType(req.MediaType); err != nil {
		Error(c, http.StatusBadRequest, 400, err.Error())
		return
	}
	if err := req.Request.Validate(); err != nil {
		writeError(c, err)
		return
	}

	urgent := req.Urgent || req.Request.Urgent
	rec, err := h.Queue.AddJob(req, urgent)
	if err != nil {
		h.logger().Warn("enqueue job failed", zap.Error(err))
		writeError(c, err)
		return
	}
	Success(c, rec)
}

// GetJobHandler 查询任务状态
func (h *Handler) GetJobHandler(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusServiceUnavailable, 503, "任务队列未启用")
		return
	}
	rec, ok := h.Queue.GetJob(c.Param("id"))
	if !ok {
		Error(c, http.StatusNotFound, 404, "任务未找到")
		return
	}
	Success(c, rec)
}

// ModelStatus 模型在当前时刻的调度视图
type ModelStatus struct {
	registry.Descriptor
	Rank      int   `json:"rank"`
	InWindow  bool  `json:"in_window"`
	Remaining *int  `json:"remaining"` // nil 表示尚无限流数据
	Limit     *int  `json:"limit,omitempty"`
	ResetAt   int64 `json:"reset_at,omitempty"`
}

// ListModelsHandler 按当前调度顺序列出模型与限流余量
func (h *Handler) ListModelsHandler(c *gin.Context) {
	mediaType, err := media.ParseType(c.DefaultQuery("media_type", string(media.TypeImage)))
	if err != nil {
		Error(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	now := h.clock()
	candidates := h.Registry.PrioritizedCandidates(mediaType, now)
	list := make([]ModelStatus, 0, len(candidates))
	for i, d := range candidates {
		status := ModelStatus{Descriptor: d, Rank: i + 1, InWindow: d.InWindow(now.Hour())}
		if h.Tracker != nil {
			if state, ok := h.Tracker.Snapshot(d.APIID); ok {
				remaining := h.Tracker.Remaining(d.APIID)
				limit := state.Limit
				status.Remaining = &remaining
				status.Limit = &limit
				status.ResetAt = state.Reset
			}
		}
		list = append(list, status)
	}
	Success(c, list)
}

// ListGenerationsHandler 分页查询生成历史
func (h *Handler) ListGenerationsHandler(c *gin.Context) {
	if h.History == nil {
		Error(c, http.StatusServiceUnavailable, 503, "历史记录未启用")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSizeStr := strings.TrimSpace(c.Query("page_size"))
	if pageSizeStr == "" {
		pageSizeStr = strings.TrimSpace(c.Query("pageSize"))
	}
	pageSize, _ := strconv.Atoi(pageSizeStr)

	rows, total, err := h.History.List(c.Request.Context(), model.ListQuery{
		Page:      page,
		PageSize:  pageSize,
		Keyword:   c.Query("keyword"),
		MediaType: c.Query("media_type"),
	})
	if err != nil {
		h.logger().Error("list generations failed", zap.Error(err))
		Error(c, http.StatusInternalServerError, 500, "查询失败")
		return
	}
	Success(c, gin.H{
		"list":  rows,
		"total": total,
	})
}

// HealthHandler 健康检查
func (h *Handler) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
