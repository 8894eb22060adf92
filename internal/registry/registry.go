package registry

import (
	"fmt"
	"sort"
	"time"

	"media-gen-service/internal/media"
)

// DefaultPriority 未显式设置优先级的模型按最低优先级处理
const DefaultPriority = 99

// TimeWindow 每日时段 [StartHour, EndHour)，StartHour > EndHour 时跨越午夜
type TimeWindow struct {
	StartHour int `mapstructure:"start_hour" json:"start_hour"`
	EndHour   int `mapstructure:"end_hour" json:"end_hour"`
}

// Contains 判断小时是否落在时段内
func (w TimeWindow) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// Descriptor 模型描述，进程启动时定义，之后不再修改
type Descriptor struct {
	ID         string      `mapstructure:"id" json:"id"`
	APIID      string      `mapstructure:"api_id" json:"api_id"`
	Name       string      `mapstructure:"name" json:"name"`
	MediaType  media.Type  `mapstructure:"media_type" json:"media_type"`
	DailyQuota int         `mapstructure:"daily_quota" json:"daily_quota"`
	Priority   *int        `mapstructure:"priority" json:"priority,omitempty"`
	Window     *TimeWindow `mapstructure:"window" json:"window,omitempty"`
}

// EffectivePriority 返回排序使用的优先级
func (d Descriptor) EffectivePriority() int {
	if d.Priority == nil {
		return DefaultPriority
	}
	return *d.Priority
}

// InWindow 判断当前小时是否匹配时段，没有时段的模型永不匹配
func (d Descriptor) InWindow(hour int) bool {
	return d.Window != nil && d.Window.Contains(hour)
}

func (d Descriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if d.APIID == "" {
		return fmt.Errorf("model %s: api_id is required", d.ID)
	}
	if d.Window != nil {
		if d.Window.StartHour < 0 || d.Window.StartHour > 23 || d.Window.EndHour < 0 || d.Window.EndHour > 23 {
			return fmt.Errorf("model %s: window hours must be within 0-23", d.ID)
		}
	}
	return nil
}

// Registry 静态模型目录，按媒体类型保存两份有序列表
type Registry struct {
	lists map[media.Type][]Descriptor
	byID  map[string]Descriptor
}

// New 创建目录，列表顺序即平局时的保序顺序
func New(images, videos []Descriptor) (*Registry, error) {
	r := &Registry{
		lists: make(map[media.Type][]Descriptor, 2),
		byID:  make(map[string]Descriptor, len(images)+len(videos)),
	}
	for _, group := range []struct {
		typ  media.Type
		list []Descriptor
	}{
		{media.TypeImage, images},
		{media.TypeVideo, videos},
	} {
		copied := make([]Descriptor, 0, len(group.list))
		for _, d := range group.list {
			d.MediaType = group.typ
			if err := d.validate(); err != nil {
				return nil, err
			}
			if _, dup := r.byID[d.ID]; dup {
				return nil, fmt.Errorf("duplicate model id %s", d.ID)
			}
			r.byID[d.ID] = d
			copied = append(copied, d)
		}
		r.lists[group.typ] = copied
	}
	return r, nil
}

// All 返回定义顺序的模型列表副本
func (r *Registry) All(mediaType media.Type) []Descriptor {
	list := r.lists[mediaType]
	out := make([]Descriptor, len(list))
	copy(out, list)
	return out
}

// Get 按 ID 查询模型
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// PrioritizedCandidates 按当前小时返回候选顺序：
// 时段命中优先，其次优先级数值小者优先，其余保持原顺序。
func (r *Registry) PrioritizedCandidates(mediaType media.Type, now time.Time) []Descriptor {
	candidates := r.All(mediaType)
	hour := now.Hour()
	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := candidates[i].InWindow(hour), candidates[j].InWindow(hour)
		if wi != wj {
			return wi
		}
		return candidates[i].EffectivePriority() < candidates[j].EffectivePriority()
	})
	return candidates
}
