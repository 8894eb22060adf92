package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mazrean/formstream"
	ginform "github.com/mazrean/formstream/gin"
	"go.uber.org/zap"

	"media-gen-service/internal/media"
)

// maxUploadBytes 单张输入图片上限
const maxUploadBytes = 20 << 20

// UploadRequest 图生图 / 图生视频表单解析后的数据
type UploadRequest struct {
	MediaType media.Type
	Request   media.Request
	Image     []byte
	FileName  string
}

// ParseUploadRequest 使用 formstream 流式解析表单
func ParseUploadRequest(c *gin.Context) (*UploadRequest, error) {
	up := &UploadRequest{MediaType: media.TypeImage}

	p, err := ginform.NewParser(c)
	if err != nil {
		return nil, fmt.Errorf("创建解析器失败: %w", err)
	}

	text := func(set func(string) error) func(io.Reader, formstream.Header) error {
		return func(reader io.Reader, _ formstream.Header) error {
			data, err := io.ReadAll(reader)
			if err != nil {
				return err
			}
			return set(strings.TrimSpace(string(data)))
		}
	}

	p.Parser.Register("prompt", text(func(v string) error {
		up.Request.Prompt = v
		return nil
	}))
	p.Parser.Register("negative_prompt", text(func(v string) error {
		up.Request.NegativePrompt = v
		return nil
	}))
	p.Parser.Register("aspect_ratio", text(func(v string) error {
		up.Request.AspectRatio = v
		return nil
	}))
	p.Parser.Register("seed", text(func(v string) error {
		if v == "" {
			return nil
		}
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid seed %q", v)
		}
		up.Request.Seed = &seed
		return nil
	}))
	p.Parser.Register("media_type", text(func(v string) error {
		if v == "" {
			return nil
		}
		t, err := media.ParseType(v)
		if err != nil {
			return err
		}
		up.MediaType = t
		return nil
	}))

	p.Parser.Register("image", func(reader io.Reader, header formstream.Header) error {
		content, err := io.ReadAll(io.LimitReader(reader, maxUploadBytes+1))
		if err != nil {
			return fmt.Errorf("读取文件失败: %w", err)
		}
		if len(content) > maxUploadBytes {
			return fmt.Errorf("image exceeds %d bytes", maxUploadBytes)
		}
		up.Image = content
		up.FileName = header.FileName()
		return nil
	})

	if err := p.Parse(); err != nil {
		return nil, err
	}
	return up, nil
}

// GenerateFromUploadHandler 上传输入图片后生成图片或视频
func (h *Handler) GenerateFromUploadHandler(c *gin.Context) {
	up, err := ParseUploadRequest(c)
	if err != nil {
		Error(c, http.StatusBadRequest, 400, "解析表单失败: "+err.Error())
		return
	}
	if len(up.Image) == 0 {
		writeError(c, &media.MissingInputError{Field: "image", Reason: "an input image file is required"})
		return
	}
	if err := up.Request.Validate(); err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	up.Request.InputImage = h.inputImageRef(c, up)

	if up.MediaType == media.TypeVideo {
		res, err := h.Engine.GenerateVideo(ctx, up.Request)
		if err != nil {
			h.logger().Warn("video generation from upload failed", zap.String("file", up.FileName), zap.Error(err))
			writeError(c, err)
			return
		}
		Success(c, res)
		return
	}

	res, err := h.Engine.GenerateImage(ctx, up.Request)
	if err != nil {
		h.logger().Warn("image generation from upload failed", zap.String("file", up.FileName), zap.Error(err))
		writeError(c, err)
		return
	}
	Success(c, res)
}

// inputImageRef 优先保存上传图片得到可访问 URL，否则退回 data URI
func (h *Handler) inputImageRef(c *gin.Context, up *UploadRequest) string {
	if h.Saver != nil {
		saved, err := h.Saver.SaveImage(c.Request.Context(), up.Image)
		if err == nil && saved.URL != "" {
			return saved.URL
		}
		h.logger().Warn("save uploaded image failed, sending inline", zap.String("file", up.FileName), zap.Error(err))
	}
	contentType := http.DetectContentType(up.Image)
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(up.Image)
}
