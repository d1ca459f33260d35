package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是所有环境变量覆盖的前缀，例如 NOTEFLOW_SERVER_PORT
const EnvPrefix = "NOTEFLOW_"

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Relays   RelaysConfig   `yaml:"relays" envPrefix:"RELAYS_"`
	Timeline TimelineConfig `yaml:"timeline" envPrefix:"TIMELINE_"`
	Publish  PublishConfig  `yaml:"publish" envPrefix:"PUBLISH_"`
	Gateway  GatewayConfig  `yaml:"gateway" envPrefix:"GATEWAY_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`
	// AllowedOrigins 是允许跨域与 WebSocket 升级的来源，空表示只允许同源
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	// PublishRate / PublishBurst 是每个客户端 IP 的发布限流
	PublishRate  float64 `yaml:"publish_rate" env:"PUBLISH_RATE" validate:"gt=0"`
	PublishBurst int     `yaml:"publish_burst" env:"PUBLISH_BURST" validate:"min=1"`
}

// Addr 返回监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RelaysConfig struct {
	Default          []string      `yaml:"default" env:"DEFAULT" envSeparator:"," validate:"dive,required"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT" validate:"gt=0"`
	PingInterval     time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" validate:"gt=0"`
	EventBuffer      int           `yaml:"event_buffer" env:"EVENT_BUFFER" validate:"min=1"`
}

type TimelineConfig struct {
	PageSize     int           `yaml:"page_size" env:"PAGE_SIZE" validate:"min=1,max=5000"`
	EOSETimeout  time.Duration `yaml:"eose_timeout" env:"EOSE_TIMEOUT" validate:"gt=0"`
	LowWaterMark int           `yaml:"low_water_mark" env:"LOW_WATER_MARK" validate:"min=1"`
}

type PublishConfig struct {
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gt=0"`
	MaxRetries  int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"min=0,max=10"`
	BaseBackoff time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF" validate:"gtefield=BaseBackoff"`
	Retention   time.Duration `yaml:"retention" env:"RETENTION" validate:"gt=0"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=console json"`
}

// Default 返回一份不依赖任何文件即可使用的配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			PublishRate:  2,
			PublishBurst: 5,
		},
		Relays: RelaysConfig{
			HandshakeTimeout: 15 * time.Second,
			PingInterval:     30 * time.Second,
			EventBuffer:      256,
		},
		Timeline: TimelineConfig{
			PageSize:     100,
			EOSETimeout:  10 * time.Second,
			LowWaterMark: 10,
		},
		Publish: PublishConfig{
			Timeout:     10 * time.Second,
			MaxRetries:  2,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			Retention:   5 * time.Minute,
		},
		Gateway: GatewayConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadDotEnv 加载 .env 文件到进程环境，文件不存在时忽略
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load 依次应用：默认值 → YAML 文件（path 为空则跳过）→ NOTEFLOW_ 环境变量，最后校验。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ParseEnv 用 NOTEFLOW_ 前缀的环境变量覆盖配置
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 验证配置
func (c *Config) Validate() error {
	return validate.Struct(c)
}
