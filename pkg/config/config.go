package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Database    DatabaseConfig    `mapstructure:"database"`
	OpenAI      OpenAIConfig      `mapstructure:"openai"`
	CharacterAI CharacterAIConfig `mapstructure:"characterai"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Window      WindowConfig      `mapstructure:"window"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	Search      SearchConfig      `mapstructure:"search"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// AdminIDs may use operator commands such as /unban.
	AdminIDs []int64 `mapstructure:"admin_ids"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

// OpenAIConfig holds the global defaults of the openai backend. Communities
// and sessions may override every field.
type OpenAIConfig struct {
	Endpoint        string  `mapstructure:"endpoint"`
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float32 `mapstructure:"temperature"`
	FreqPenalty     float32 `mapstructure:"freq_penalty"`
	PresencePenalty float32 `mapstructure:"presence_penalty"`
}

type CharacterAIConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BaseURL     string `mapstructure:"base_url"`
	PlusBaseURL string `mapstructure:"plus_base_url"`
	Token       string `mapstructure:"token"`
	PlusMode    bool   `mapstructure:"plus_mode"`
}

type RateLimitConfig struct {
	Limit         int `mapstructure:"limit"`
	WarnThreshold int `mapstructure:"warn_threshold"`
	BanHours      int `mapstructure:"ban_hours"`
	// SweepInterval is how often elapsed bans are lifted.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type WindowConfig struct {
	TokenBudget int `mapstructure:"token_budget"`
}

type CleanupConfig struct {
	DelaySeconds     int           `mapstructure:"delay_seconds"`
	Tick             time.Duration `mapstructure:"tick"`
	Poll             time.Duration `mapstructure:"poll"`
	ActionsPerSecond float64       `mapstructure:"actions_per_second"`
}

type SearchConfig struct {
	ChubBaseURL   string `mapstructure:"chub_base_url"`
	ChubAvatarURL string `mapstructure:"chub_avatar_url"`
	PageSize      int    `mapstructure:"page_size"`
	AllowNSFW     bool   `mapstructure:"allow_nsfw"`
}

type ProvisionerConfig struct {
	ReservedNames   []string `mapstructure:"reserved_names"`
	JailbreakPrompt string   `mapstructure:"jailbreak_prompt"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)

	v.SetDefault("openai.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("openai.model", "gpt-3.5-turbo")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.9)
	v.SetDefault("openai.freq_penalty", 0.7)
	v.SetDefault("openai.presence_penalty", 0.7)

	v.SetDefault("characterai.enabled", true)
	v.SetDefault("characterai.base_url", "https://beta.character.ai")
	v.SetDefault("characterai.plus_base_url", "https://plus.character.ai")
	v.SetDefault("characterai.plus_mode", false)

	v.SetDefault("ratelimit.limit", 5)
	v.SetDefault("ratelimit.ban_hours", 24)
	v.SetDefault("ratelimit.sweep_interval", time.Minute)

	v.SetDefault("window.token_budget", 3600)

	v.SetDefault("cleanup.delay_seconds", 600)
	v.SetDefault("cleanup.tick", time.Second)
	v.SetDefault("cleanup.poll", 100*time.Millisecond)
	v.SetDefault("cleanup.actions_per_second", 1.0)

	v.SetDefault("search.chub_base_url", "https://api.chub.ai")
	v.SetDefault("search.chub_avatar_url", "https://avatars.charhub.io/avatars")
	v.SetDefault("search.page_size", 10)

	v.SetDefault("provisioner.reserved_names", []string{"discord", "telegram"})

	v.SetDefault("metrics.addr", ":9090")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if token := v.GetString("CAI_TOKEN"); token != "" {
		config.CharacterAI.Token = token
	}

	if config.RateLimit.WarnThreshold == 0 {
		config.RateLimit.WarnThreshold = config.RateLimit.Limit - 2
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("ratelimit.limit must be positive, got %d", c.RateLimit.Limit)
	}
	if c.Cleanup.DelaySeconds <= 0 {
		return fmt.Errorf("cleanup.delay_seconds must be positive, got %d", c.Cleanup.DelaySeconds)
	}
	return nil
}
