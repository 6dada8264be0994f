package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const EnvironmentProd = "prod"

type OpenAI struct {
	OpenAIAPIKey          string  `env:"OPENAI_API_KEY"`
	OpenAIModel           string  `yaml:"model" env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	OpenAIBaseURL         string  `yaml:"base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com"`
	ModelTemperature      float32 `yaml:"model_temperature" env:"MODEL_TEMPERATURE" env-default:"0.7"`
	TimeoutSeconds        int     `yaml:"timeout_seconds" env:"OPENAI_TIMEOUT_SECONDS" env-default:"30"`
	MaxRetries            int     `yaml:"max_retries" env:"OPENAI_MAX_RETRIES" env-default:"2"`
	RetryDelayMs          int     `yaml:"retry_delay_ms" env:"OPENAI_RETRY_DELAY_MS" env-default:"500"`
	FallbackOnRateLimited bool    `yaml:"fallback_on_rate_limited" env:"OPENAI_FALLBACK_ON_RATE_LIMITED" env-default:"false"`
	FallbackMessage       string  `yaml:"fallback_message" env:"OPENAI_FALLBACK_MESSAGE" env-default:"AI response is temporarily unavailable. Please try again shortly."`
}

// Timeout is the per-attempt deadline of blocking completions, never below
// five seconds.
func (o OpenAI) Timeout() time.Duration {
	return time.Duration(max(5, o.TimeoutSeconds)) * time.Second
}

func (o OpenAI) RetryDelay() time.Duration {
	return time.Duration(max(0, o.RetryDelayMs)) * time.Millisecond
}

type RateLimit struct {
	Enabled           bool `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	RequestsPerWindow int  `yaml:"requests_per_window" env:"RATE_LIMIT_REQUESTS_PER_WINDOW" env-default:"60"`
	WindowSeconds     int  `yaml:"window_seconds" env:"RATE_LIMIT_WINDOW_SECONDS" env-default:"60"`
}

type Chat struct {
	ContextWindowSize int `yaml:"context_window_size" env:"CHAT_CONTEXT_WINDOW_SIZE" env-default:"10"`
	// MaxContextTokens trims the oldest context messages above this prompt
	// size. Zero disables the check.
	MaxContextTokens int `yaml:"max_context_tokens" env:"CHAT_MAX_CONTEXT_TOKENS" env-default:"0"`
	MaxMessageLength int `yaml:"max_message_length" env:"CHAT_MAX_MESSAGE_LENGTH" env-default:"4000"`
}

type Storage struct {
	// Driver is one of memory, redis, sqlite.
	Driver        string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	RedisEndpoint string `yaml:"redis_endpoint" env:"REDIS_ENDPOINT" env-default:"localhost:6379"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"data/chat.db"`
}

type HTTP struct {
	Address           string        `yaml:"address" env:"HTTP_ADDRESS" env-default:":8080"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"HTTP_READ_HEADER_TIMEOUT" env-default:"10s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type Auth struct {
	BootstrapAPIKey   string `yaml:"bootstrap_api_key" env:"BOOTSTRAP_API_KEY"`
	MigrateLegacyKeys bool   `yaml:"migrate_legacy_keys" env:"MIGRATE_LEGACY_KEYS"`
	// AdminAPIKey enables the key management routes. Empty disables them.
	AdminAPIKey string `yaml:"admin_api_key" env:"ADMIN_API_KEY"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY" env-default:"false"`
}

type Config struct {
	Environment string    `yaml:"environment" env:"APP_ENV" env-default:"dev"`
	OpenAI      OpenAI    `yaml:"open_ai"`
	RateLimit   RateLimit `yaml:"rate_limit"`
	Chat        Chat      `yaml:"chat"`
	Storage     Storage   `yaml:"storage"`
	HTTP        HTTP      `yaml:"http"`
	Auth        Auth      `yaml:"auth"`
	Log         Log       `yaml:"log"`
}

// LoadConfig reads cfgPath when set and applies environment overrides.
func LoadConfig(cfgPath string) (*Config, error) {
	// cleanenv treats false as unset, so true defaults are seeded here.
	cfg := Config{
		RateLimit: RateLimit{Enabled: true},
		Auth:      Auth{MigrateLegacyKeys: true},
	}
	if cfgPath != "" {
		if err := cleanenv.ReadConfig(cfgPath, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
