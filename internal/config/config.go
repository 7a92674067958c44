package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"codegate/activation/internal/model"
)

// DefaultAdminToken is the placeholder shipped in config.yaml; running with it only warns.
const DefaultAdminToken = "CHANGE_THIS_TO_SECURE_TOKEN"

// legacyKeyEnvLimit bounds the GEMINI_API_KEY_<n> scan.
const legacyKeyEnvLimit = 32

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	State    StateConfig    `mapstructure:"state"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Code     CodeConfig     `mapstructure:"code"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Rotator  RotatorConfig  `mapstructure:"rotator"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	Mode                    string        `mapstructure:"mode"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For is
	// believed. Empty means the socket peer is always the client origin.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"` // "postgres" | "memory"
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	DB              string        `mapstructure:"db"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type StateConfig struct {
	Backend string `mapstructure:"backend"` // "redis" | "memory"
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// CodeConfig is the activation code format policy and issuance defaults.
type CodeConfig struct {
	Pattern             string `mapstructure:"pattern"`
	MinLength           int    `mapstructure:"min_length"`
	MaxLength           int    `mapstructure:"max_length"`
	Generator           string `mapstructure:"generator"` // "alphanumeric" | "uuid" | "token"
	GeneratedLength     int    `mapstructure:"generated_length"`
	DefaultUsageLimit   int    `mapstructure:"default_usage_limit"`
	MaxUsageLimit       int    `mapstructure:"max_usage_limit"`
	DefaultDurationDays int    `mapstructure:"default_duration_days"`
	DeviceBinding       bool   `mapstructure:"device_binding"`
	GenerateAttempts    int    `mapstructure:"generate_attempts"`
	ReadRetries         int    `mapstructure:"read_retries"`
	Timezone            string `mapstructure:"timezone"`
}

type ThrottleConfig struct {
	MaxFailures   int           `mapstructure:"max_failures"`
	Window        time.Duration `mapstructure:"window"`
	Lockout       time.Duration `mapstructure:"lockout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type RotatorConfig struct {
	Keys             []string      `mapstructure:"keys"`
	DailyLimit       int           `mapstructure:"daily_limit"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	LatencyWindow    int           `mapstructure:"latency_window"`
	Timezone         string        `mapstructure:"timezone"`
}

type UpstreamConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type CORSConfig struct {
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.graceful_shutdown_timeout", 10*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.db", "activation")
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.max_open_conns", 25)
	v.SetDefault("database.postgres.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.postgres.auto_migrate", true)
	v.SetDefault("database.redis.host", "localhost")
	v.SetDefault("database.redis.port", 6379)
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("database.redis.pool_size", 10)

	v.SetDefault("state.backend", "memory")
	v.SetDefault("admin.token", DefaultAdminToken)

	v.SetDefault("code.pattern", `^[A-Za-z0-9_-]+$`)
	v.SetDefault("code.min_length", 10)
	v.SetDefault("code.max_length", 50)
	v.SetDefault("code.generator", "alphanumeric")
	v.SetDefault("code.generated_length", 22)
	v.SetDefault("code.default_usage_limit", 1)
	v.SetDefault("code.max_usage_limit", 1000)
	v.SetDefault("code.default_duration_days", 30)
	v.SetDefault("code.device_binding", true)
	v.SetDefault("code.generate_attempts", 5)
	v.SetDefault("code.read_retries", 2)
	v.SetDefault("code.timezone", "UTC")

	v.SetDefault("throttle.max_failures", 5)
	v.SetDefault("throttle.window", time.Hour)
	v.SetDefault("throttle.lockout", 15*time.Minute)
	v.SetDefault("throttle.sweep_interval", 5*time.Minute)

	v.SetDefault("rotator.keys", []string{})
	v.SetDefault("rotator.daily_limit", 1500)
	v.SetDefault("rotator.failure_threshold", 3)
	v.SetDefault("rotator.cooldown", 5*time.Minute)
	v.SetDefault("rotator.latency_window", 10)
	v.SetDefault("rotator.timezone", "UTC")

	v.SetDefault("upstream.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("upstream.model", "gemini-1.5-flash")
	v.SetDefault("upstream.timeout", 60*time.Second)
	v.SetDefault("upstream.max_attempts", 3)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "X-Activation-Code", "X-Admin-Token", "X-Device-Fingerprint"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 12*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the yaml file at path (optional), overlays environment variables, and returns Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	// Environment variable override: DATABASE_POSTGRES_HOST -> database.postgres.host
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.Rotator.Keys = normalizeKeys(append(cfg.Rotator.Keys, legacyKeysFromEnv()...))
	return cfg, nil
}

// legacyKeysFromEnv collects GEMINI_API_KEY_1..GEMINI_API_KEY_32; gaps are allowed.
func legacyKeysFromEnv() []string {
	var keys []string
	for i := 1; i <= legacyKeyEnvLimit; i++ {
		if k := os.Getenv("GEMINI_API_KEY_" + strconv.Itoa(i)); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, raw := range keys {
		// a single env value may carry a comma separated list
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Validate reports configuration that cannot run. Soft problems are returned by Warnings.
func (c *Config) Validate() error {
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("invalid server.trusted_proxies entry %q", p)
		}
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.State.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if _, err := regexp.Compile(c.Code.Pattern); err != nil {
		return fmt.Errorf("invalid code pattern: %w", err)
	}
	if c.Code.MinLength <= 0 || c.Code.MaxLength < c.Code.MinLength {
		return fmt.Errorf("invalid code length bounds [%d, %d]", c.Code.MinLength, c.Code.MaxLength)
	}
	if c.Code.MaxLength > model.MaxCodeLength {
		return fmt.Errorf("code.max_length %d exceeds the stored column width %d", c.Code.MaxLength, model.MaxCodeLength)
	}
	switch c.Code.Generator {
	case "alphanumeric", "uuid", "token":
	default:
		return fmt.Errorf("unknown code generator %q", c.Code.Generator)
	}
	if c.Code.MaxUsageLimit <= 0 || c.Code.DefaultUsageLimit < 0 || c.Code.DefaultUsageLimit > c.Code.MaxUsageLimit {
		return fmt.Errorf("invalid usage limits (default %d, max %d)", c.Code.DefaultUsageLimit, c.Code.MaxUsageLimit)
	}
	if c.Code.GenerateAttempts <= 0 {
		return errors.New("code.generate_attempts must be greater than 0")
	}
	if _, err := time.LoadLocation(c.Code.Timezone); err != nil {
		return fmt.Errorf("invalid code.timezone: %w", err)
	}
	if c.Throttle.MaxFailures <= 0 || c.Throttle.Window <= 0 || c.Throttle.Lockout <= 0 {
		return errors.New("throttle max_failures, window and lockout must be positive")
	}
	if c.Rotator.DailyLimit <= 0 || c.Rotator.FailureThreshold <= 0 || c.Rotator.LatencyWindow <= 0 {
		return errors.New("rotator daily_limit, failure_threshold and latency_window must be positive")
	}
	if _, err := time.LoadLocation(c.Rotator.Timezone); err != nil {
		return fmt.Errorf("invalid rotator.timezone: %w", err)
	}
	if c.Upstream.MaxAttempts <= 0 {
		return errors.New("upstream.max_attempts must be greater than 0")
	}
	return nil
}

// Warnings lists settings that work but should not reach production.
func (c *Config) Warnings() []string {
	var w []string
	if c.Admin.Token == "" || c.Admin.Token == DefaultAdminToken {
		w = append(w, "admin.token is unset or still the default placeholder")
	}
	if len(c.Rotator.Keys) == 0 {
		w = append(w, "no upstream API keys configured")
	}
	return w
}
