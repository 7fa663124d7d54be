package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	JWT          JWTConfig          `yaml:"jwt"`
	Admin        AdminConfig        `yaml:"admin"`
	Redis        RedisConfig        `yaml:"redis"`
	Log          LogConfig          `yaml:"log"`
	Batch        BatchConfig        `yaml:"batch"`
	Notification NotificationConfig `yaml:"notification"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// AllowOrigins for the admin console; empty allows any origin
	AllowOrigins []string `yaml:"allow_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"` // log every SQL statement
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// AdminConfig seeds the first operator account on an empty users table.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RedisConfig for optional async restart queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// BatchConfig tunes the lock service, retry wrapper, auto-restart and scheduler.
type BatchConfig struct {
	LockTTL               time.Duration `yaml:"lock_ttl"`
	WaitRetryAttempts     int           `yaml:"wait_retry_attempts"`
	WaitRetryInterval     time.Duration `yaml:"wait_retry_interval"`
	MaxRetry              int           `yaml:"max_retry"`
	StabilizeTimeout      time.Duration `yaml:"stabilize_timeout"`
	StabilizePollInterval time.Duration `yaml:"stabilize_poll_interval"`
	AutoRestartEnabled    bool          `yaml:"auto_restart_enabled"`
	CronEnabled           bool          `yaml:"cron_enabled"`
	CronExpression        string        `yaml:"cron_expression"`
	Timezone              string        `yaml:"timezone"`
	LogRetentionDays      int           `yaml:"log_retention_days"` // 0 keeps logs forever
}

type NotificationConfig struct {
	Mail     MailConfig      `yaml:"mail"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Push     PushConfig      `yaml:"push"`
}

// Kinds restricts a channel to the listed failure kinds; empty means all.
type MailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	UseTLS   bool     `yaml:"use_tls"`
	Kinds    []string `yaml:"kinds"`
}

type WebhookConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"` // slack, dingtalk, feishu, wechat_work, discord, teams, telegram, generic
	URL    string            `yaml:"url"`
	Secret string            `yaml:"secret"`
	Extra  map[string]string `yaml:"extra"`
	Kinds  []string          `yaml:"kinds"`
}

type PushConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Topic   string   `yaml:"topic"`
	Kinds   []string `yaml:"kinds"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "statbatch.db",
		},
		JWT: JWTConfig{
			Secret:     "statbatch-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "admin",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Batch: BatchConfig{
			LockTTL:               10 * time.Minute,
			WaitRetryAttempts:     5,
			WaitRetryInterval:     500 * time.Millisecond,
			MaxRetry:              3,
			StabilizeTimeout:      5 * time.Second,
			StabilizePollInterval: 100 * time.Millisecond,
			AutoRestartEnabled:    true,
			CronEnabled:           true,
			CronExpression:        "0 2 * * *",
			Timezone:              "Local",
			LogRetentionDays:      90,
		},
		Notification: NotificationConfig{
			Mail: MailConfig{
				Port: 587,
			},
			Push: PushConfig{
				Kinds: []string{"FATAL"},
			},
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if password := os.Getenv("ADMIN_PASSWORD"); password != "" {
		c.Admin.Password = password
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if expr := os.Getenv("BATCH_CRON"); expr != "" {
		c.Batch.CronExpression = expr
	}
	if enabled := os.Getenv("BATCH_CRON_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Batch.CronEnabled = v
		}
	}
	if ttl := os.Getenv("BATCH_LOCK_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Batch.LockTTL = d
		}
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		c.Notification.Mail.Enabled = true
		c.Notification.Mail.Host = host
	}
	if password := os.Getenv("SMTP_PASSWORD"); password != "" {
		c.Notification.Mail.Password = password
	}
	if token := os.Getenv("PUSH_TOKEN"); token != "" {
		c.Notification.Push.Token = token
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
