package model

import (
	"time"

	"gorm.io/gorm"
)

// Generation 对应 generations 表，记录每次成功的生成结果
type Generation struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	MediaType string         `gorm:"index:idx_media_created;not null" json:"media_type"` // image / video
	ModelID   string         `gorm:"index" json:"model_id"`                              // 命中的模型，回退时为回退 provider 名
	Source    string         `gorm:"index" json:"source"`                                // primary / fallback / cache
	Prompt    string         `gorm:"index:idx_prompt_search" json:"prompt"`
	URL       string         `json:"url"`                      // 第一个产物 URL，纯 base64 结果为空
	TaskID    string         `json:"task_id"`                  // provider 任务 ID
	BaseImage string         `json:"base_image_url,omitempty"` // 视频的底图
	CreatedAt time.Time      `gorm:"index:idx_media_created;index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
