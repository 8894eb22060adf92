package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"media-gen-service/internal/queue"
)

const (
	jobStreamPollInterval = 1 * time.Second
	jobStreamKeepAlive    = 3 * time.Second
)

// StreamJobHandler 通过 SSE 推送任务状态变化，任务进入终态后关闭连接
func (h *Handler) StreamJobHandler(c *gin.Context) {
	if h.Queue == nil {
		Error(c, http.StatusServiceUnavailable, 503, "任务队列未启用")
		return
	}

	jobID := c.Param("id")
	rec, ok := h.Queue.GetJob(jobID)
	if !ok {
		Error(c, http.StatusNotFound, 404, "任务未找到")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		Error(c, http.StatusInternalServerError, 500, "Streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	lastSignature := jobSignature(rec)
	if !writeJobEvent(c.Writer, flusher, rec) || rec.Status.Done() {
		return
	}

	interval := h.streamInterval
	if interval <= 0 {
		interval = jobStreamPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	keepAliveTicker := time.NewTicker(jobStreamKeepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			latest, ok := h.Queue.GetJob(jobID)
			if !ok {
				// 记录已被清理
				return
			}

			signature := jobSignature(latest)
			if signature != lastSignature {
				if !writeJobEvent(c.Writer, flusher, latest) {
					return
				}
				lastSignature = signature
			}

			if latest.Status.Done() {
				return
			}
		case <-keepAliveTicker.C:
			if _, err := fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJobEvent(w http.ResponseWriter, flusher http.Flusher, rec queue.Record) bool {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func jobSignature(rec queue.Record) string {
	started, finished := "", ""
	if rec.StartedAt != nil {
		started = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s|%s|%s|%s", rec.Status, rec.Error, started, finished)
}
