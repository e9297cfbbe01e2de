package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	AI         AIConfig         `mapstructure:"ai"`
	Search     SearchConfig     `mapstructure:"search"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Context    ContextConfig    `mapstructure:"context"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string  `mapstructure:"token"`
	Username      string  `mapstructure:"username"`
	UpdateTimeout int     `mapstructure:"update_timeout"`
	AdminIDs      []int64 `mapstructure:"admin_ids"`
}

type AIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	MaxTokens    int    `mapstructure:"max_tokens"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

type SearchConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxResults        int     `mapstructure:"max_results"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	UserLimit       int           `mapstructure:"user_limit"`
	GroupLimit      int           `mapstructure:"group_limit"`
	WindowSeconds   int           `mapstructure:"window_seconds"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type ContextConfig struct {
	WindowSize int `mapstructure:"window_size"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.BindEnv("bot.token", "BOT_TOKEN")
	viper.BindEnv("bot.username", "BOT_USERNAME")
	viper.BindEnv("ai.api_key", "LORA_API_KEY")
	viper.BindEnv("ai.base_url", "LORA_BASE_URL")
	viper.BindEnv("ai.model", "MODEL")
	viper.BindEnv("storage.path", "DATABASE_PATH")
	viper.BindEnv("cache.redis.addr", "REDIS_ADDR")
	viper.BindEnv("cache.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("logging.level", "LOG_LEVEL")

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Admin ids arrive as a comma-separated list from the environment
	if adminIDs := viper.GetString("ADMIN_USER_IDS"); adminIDs != "" {
		config.Bot.AdminIDs = config.Bot.AdminIDs[:0]
		for _, part := range strings.Split(adminIDs, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid admin id %q: %w", part, err)
			}
			config.Bot.AdminIDs = append(config.Bot.AdminIDs, id)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("bot.update_timeout", 60)
	viper.SetDefault("ai.base_url", "https://api.loratech.dev/v1")
	viper.SetDefault("ai.model", "gemini-2.5-pro")
	viper.SetDefault("ai.max_tokens", 4096)
	viper.SetDefault("ai.system_prompt", `Sen yardımcı bir AI asistanısın. Şu an 2025 yılındayız.
Kullanıcıların sorularına doğru, net ve yararlı yanıtlar veriyorsun.
Web arama sonuçları sağlandığında, bu bilgileri kullanarak güncel ve doğru bilgiler sunuyorsun.
Türkçe sorulara Türkçe, İngilizce sorulara İngilizce yanıt veriyorsun.
Tarih ve zaman gerektiren sorularda güncel bilgi ver.`)
	viper.SetDefault("search.enabled", true)
	viper.SetDefault("search.max_results", 5)
	viper.SetDefault("search.requests_per_second", 1.0)
	viper.SetDefault("storage.path", "data/bot.db")
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.ttl", time.Hour)
	viper.SetDefault("cache.max_size", 1000)
	viper.SetDefault("cache.redis.addr", "localhost:6379")
	viper.SetDefault("cache.redis.db", 0)
	viper.SetDefault("rate_limit.user_limit", 10)
	viper.SetDefault("rate_limit.group_limit", 30)
	viper.SetDefault("rate_limit.window_seconds", 60)
	viper.SetDefault("rate_limit.cleanup_interval", 10*time.Minute)
	viper.SetDefault("context.window_size", 20)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("monitoring.metrics.enabled", false)
	viper.SetDefault("monitoring.metrics.port", 9090)
	viper.SetDefault("monitoring.metrics.path", "/metrics")
	viper.SetDefault("i18n.default_language", "tr")
	viper.SetDefault("i18n.languages", []string{"tr", "en"})
	viper.SetDefault("i18n.directory", "configs/i18n")
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if cfg.Bot.Username == "" {
		return fmt.Errorf("bot username is required")
	}
	if cfg.AI.APIKey == "" {
		return fmt.Errorf("AI API key is required")
	}
	return nil
}

// IsAdmin reports whether the given user id is in the static admin allowlist.
func (c *BotConfig) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
