// Package storage 持久化内联生成结果，返回可供下游 provider 访问的 URL。
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const thumbnailSize = 256

// Saved 一次保存的结果
type Saved struct {
	Name         string `json:"name"`
	LocalPath    string `json:"-"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// LocalStorage 本地目录，对外通过 PublicBaseURL 暴露
type LocalStorage struct {
	BaseDir       string
	PublicBaseURL string
}

func (l *LocalStorage) save(name string, data []byte) (string, error) {
	path := filepath.Join(l.BaseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write local file: %w", err)
	}
	return path, nil
}

func (l *LocalStorage) publicURL(name string) string {
	base := strings.TrimRight(l.PublicBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/" + name
}

// ObjectPutter OSS bucket 的最小依赖面
type ObjectPutter interface {
	PutObject(objectKey string, reader io.Reader, options ...oss.Option) error
}

// OSSStorage 阿里云 OSS 存储
type OSSStorage struct {
	Bucket ObjectPutter
	Domain string // OSS 访问域名
}

// OSSConfig OSS 连接参数
type OSSConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	Domain          string `mapstructure:"domain"`
}

// NewOSSStorage 连接 OSS bucket；未启用时返回 nil
func NewOSSStorage(cfg OSSConfig) (*OSSStorage, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("create oss client: %w", err)
	}
	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket: %w", err)
	}
	return &OSSStorage{Bucket: bucket, Domain: cfg.Domain}, nil
}

func (s *OSSStorage) save(name string, data []byte, contentType string) (string, error) {
	var opts []oss.Option
	if contentType != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	if err := s.Bucket.PutObject(name, bytes.NewReader(data), opts...); err != nil {
		return "", fmt.Errorf("oss upload: %w", err)
	}
	return fmt.Sprintf("https://%s/%s", s.Domain, name), nil
}

// Store 本地优先、可选镜像到 OSS 的组合存储
type Store struct {
	local  *LocalStorage
	oss    *OSSStorage
	logger *zap.Logger
}

// New 创建组合存储，oss 可为 nil
func New(local *LocalStorage, ossStorage *OSSStorage, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		local:  local,
		oss:    ossStorage,
		logger: logger.With(zap.String("component", "storage")),
	}
}

// SaveImage 保存图片并生成 256px 缩略图；配置 OSS 时同步上传，OSS URL 优先
func (s *Store) SaveImage(ctx context.Context, data []byte) (*Saved, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	contentType := http.DetectContentType(data)
	name := uuid.NewString() + extensionFor(contentType)

	localPath, err := s.local.save(name, data)
	if err != nil {
		return nil, err
	}
	saved := &Saved{Name: name, LocalPath: localPath, URL: s.local.publicURL(name)}

	var thumb []byte
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		saved.Width = img.Bounds().Dx()
		saved.Height = img.Bounds().Dy()
		buf := new(bytes.Buffer)
		if err := imaging.Encode(buf, imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos), imaging.JPEG); err == nil {
			thumb = buf.Bytes()
			if _, err := s.local.save("thumb_"+name, thumb); err == nil {
				saved.ThumbnailURL = s.local.publicURL("thumb_" + name)
			}
		}
	} else {
		s.logger.Warn("skip thumbnail, image not decodable", zap.String("name", name), zap.String("content_type", contentType), zap.Error(err))
	}

	if s.oss != nil {
		remoteURL, err := s.oss.save(name, data, contentType)
		if err != nil {
			// 本地副本仍可用
			s.logger.Warn("oss upload failed", zap.String("name", name), zap.Error(err))
		} else {
			saved.URL = remoteURL
			if thumb != nil {
				if thumbURL, err := s.oss.save("thumb_"+name, thumb, "image/jpeg"); err == nil {
					saved.ThumbnailURL = thumbURL
				}
			}
		}
	}

	if saved.URL == "" {
		return nil, fmt.Errorf("no public url configured for stored image %s", name)
	}
	return saved, nil
}

// PublishInline 把 base64（可带 data URI 前缀）图片保存并返回公开 URL
func (s *Store) PublishInline(ctx context.Context, encoded string) (string, error) {
	if idx := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && idx >= 0 {
		encoded = encoded[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("decode inline image: %w", err)
	}
	saved, err := s.SaveImage(ctx, data)
	if err != nil {
		return "", err
	}
	s.logger.Info("published inline image", zap.String("name", saved.Name), zap.String("url", saved.URL))
	return saved.URL, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
