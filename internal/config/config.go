package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"media-gen-service/internal/provider"
	"media-gen-service/internal/registry"
	"media-gen-service/internal/storage"
)

type Config struct {
	Server   ServerConfig            `mapstructure:"server"`
	Log      LogConfig               `mapstructure:"log"`
	Database DatabaseConfig          `mapstructure:"database"`
	Storage  StorageConfig           `mapstructure:"storage"`
	Provider ProviderConfig          `mapstructure:"provider"`
	Fallback provider.FallbackConfig `mapstructure:"fallback"`
	Engine   EngineConfig            `mapstructure:"engine"`
	Cache    CacheConfig             `mapstructure:"cache"`
	Poller   PollerConfig            `mapstructure:"poller"`
	Queue    QueueConfig             `mapstructure:"queue"`
	Models   ModelsConfig            `mapstructure:"models"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // gin 模式：debug / release / test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       struct {
		RPS   float64 `mapstructure:"rps"` // 0 表示不限流
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`  // debug, info, warn, error
	Format      string   `mapstructure:"format"` // json, console
	OutputPaths []string `mapstructure:"output_paths"`
}

type DatabaseConfig struct {
	Path  string `mapstructure:"path"`
	Debug bool   `mapstructure:"debug"`
}

type StorageConfig struct {
	LocalDir      string            `mapstructure:"local_dir"`
	PublicBaseURL string            `mapstructure:"public_base_url"`
	OSS           storage.OSSConfig `mapstructure:"oss"`
}

// ProviderConfig 主 provider
type ProviderConfig struct {
	APIBase        string `mapstructure:"api_base"`
	APIKey         string `mapstructure:"api_key"`
	APIKeyHeader   string `mapstructure:"api_key_header"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type EngineConfig struct {
	ImageThreshold int           `mapstructure:"image_threshold"`
	VideoThreshold int           `mapstructure:"video_threshold"`
	ImageTTL       time.Duration `mapstructure:"image_ttl"`
	VideoTTL       time.Duration `mapstructure:"video_ttl"`
}

type CacheConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type QueueConfig struct {
	Size       int           `mapstructure:"size"`
	Retention  time.Duration `mapstructure:"retention"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// ModelsConfig 模型目录，列表为空时使用内置目录
type ModelsConfig struct {
	Image []registry.Descriptor `mapstructure:"image"`
	Video []registry.Descriptor `mapstructure:"video"`
}

// ImageModels 返回配置的图片模型，未配置时返回内置目录
func (m ModelsConfig) ImageModels() []registry.Descriptor {
	if len(m.Image) == 0 {
		return registry.DefaultImageModels()
	}
	return m.Image
}

// VideoModels 返回配置的视频模型，未配置时返回内置目录
func (m ModelsConfig) VideoModels() []registry.Descriptor {
	if len(m.Video) == 0 {
		return registry.DefaultVideoModels()
	}
	return m.Video
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.rps", 0)
	v.SetDefault("server.rate_limit.burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})

	v.SetDefault("database.path", "data.db")
	v.SetDefault("database.debug", false)

	v.SetDefault("storage.local_dir", "storage")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.oss.enabled", false)
	v.SetDefault("storage.oss.endpoint", "")
	v.SetDefault("storage.oss.access_key_id", "")
	v.SetDefault("storage.oss.access_key_secret", "")
	v.SetDefault("storage.oss.bucket_name", "")
	v.SetDefault("storage.oss.domain", "")

	v.SetDefault("provider.api_base", provider.DefaultAPIBase)
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.api_key_header", provider.DefaultAPIKeyHeader)
	v.SetDefault("provider.timeout_seconds", 150)

	v.SetDefault("fallback.kind", "")
	v.SetDefault("fallback.api_base", "")
	v.SetDefault("fallback.api_key", "")
	v.SetDefault("fallback.model_id", "")
	v.SetDefault("fallback.timeout_seconds", 150)

	v.SetDefault("engine.image_threshold", 5)
	v.SetDefault("engine.video_threshold", 2)
	v.SetDefault("engine.image_ttl", "24h")
	v.SetDefault("engine.video_ttl", "48h")

	v.SetDefault("cache.sweep_interval", "1h")
	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "media-gen:result:")

	v.SetDefault("poller.interval", "2s")
	v.SetDefault("poller.max_attempts", 150)

	v.SetDefault("queue.size", 100)
	v.SetDefault("queue.retention", "1h")
	v.SetDefault("queue.job_timeout", "0s")
}

// Load 读取配置：显式路径优先，否则在 configs/ 与当前目录查找 config.yaml；
// 找不到配置文件时使用环境变量与默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	// 支持环境变量，例如 PROVIDER_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
