package registry

func intPtr(v int) *int { return &v }

// DefaultImageModels 内置图片模型目录。
// 三个时段模型轮换分摊全天负载，emergency 模型不设时段，作为全天可用的兜底。
func DefaultImageModels() []Descriptor {
	return []Descriptor{
		{
			ID:         "mystic-realism",
			APIID:      "realism",
			Name:       "Mystic Realism",
			DailyQuota: 100,
			Priority:   intPtr(1),
			Window:     &TimeWindow{StartHour: 0, EndHour: 8},
		},
		{
			ID:         "mystic-fluid",
			APIID:      "fluid",
			Name:       "Mystic Fluid",
			DailyQuota: 100,
			Priority:   intPtr(1),
			Window:     &TimeWindow{StartHour: 8, EndHour: 16},
		},
		{
			ID:         "mystic-zen",
			APIID:      "zen",
			Name:       "Mystic Zen",
			DailyQuota: 100,
			Priority:   intPtr(1),
			Window:     &TimeWindow{StartHour: 16, EndHour: 0},
		},
		{
			ID:         "mystic-emergency",
			APIID:      "flexible",
			Name:       "Mystic Flexible (emergency)",
			DailyQuota: 50,
			Priority:   intPtr(10),
		},
	}
}

// DefaultVideoModels 内置视频模型目录，只按优先级排序
func DefaultVideoModels() []Descriptor {
	return []Descriptor{
		{
			ID:         "kling-v2-1-std",
			APIID:      "kling-v2-1-std",
			Name:       "Kling 2.1 Standard",
			DailyQuota: 20,
			Priority:   intPtr(1),
		},
		{
			ID:         "kling-v2-1-pro",
			APIID:      "kling-v2-1-pro",
			Name:       "Kling 2.1 Pro",
			DailyQuota: 10,
			Priority:   intPtr(2),
		},
		{
			ID:         "minimax-hailuo-02-768p",
			APIID:      "minimax-hailuo-02-768p",
			Name:       "MiniMax Hailuo 02",
			DailyQuota: 10,
			Priority:   intPtr(3),
		},
		{
			ID:         "pixverse-v5",
			APIID:      "pixverse-v5",
			Name:       "PixVerse V5",
			DailyQuota: 10,
		},
	}
}
