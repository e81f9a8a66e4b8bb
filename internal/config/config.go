package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MinJWTSecretBytes is the shortest HS256 secret accepted at startup.
const MinJWTSecretBytes = 32

var ErrMissingJWTSecret = errors.New("A2A_JWT_SECRET is not set")

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Auth      AuthConfig      `yaml:"auth"`
	DNS       DNSConfig       `yaml:"dns"`
	Priority  PriorityConfig  `yaml:"priority"`
	Router    RouterConfig    `yaml:"router"`
	Audit     AuditConfig     `yaml:"audit"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port           string `yaml:"port"`
	Env            string `yaml:"env"`
	AdminTokenHash string `yaml:"admin_token_hash"` // bcrypt
	PolicyPath     string `yaml:"policy_path"`
	// AllowedOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades. Empty means same-origin only; "*" accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SecurityConfig toggles the pipeline stages.
type SecurityConfig struct {
	EnableAuthentication bool          `yaml:"enable_authentication"`
	EnableAuthorization  bool          `yaml:"enable_authorization"`
	EnableValidation     bool          `yaml:"enable_validation"`
	EnablePrioritization bool          `yaml:"enable_prioritization"`
	EnableAuditLog       bool          `yaml:"enable_audit_log"`
	DefaultMessageTTL    time.Duration `yaml:"default_message_ttl"`
	MaxMessageSize       int           `yaml:"max_message_size"`
}

type AuthConfig struct {
	JWTSecret    string        `yaml:"-"`
	JWTIssuer    string        `yaml:"jwt_issuer"`
	JWTAudience  string        `yaml:"jwt_audience"`
	JWTExpiresIn time.Duration `yaml:"jwt_expires_in"`
	KeyStore     string        `yaml:"key_store"` // file, redis, postgres
	APIKeysPath  string        `yaml:"api_keys_path"`
}

type DNSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Domain            string        `yaml:"domain"`
	AuthToken         string        `yaml:"auth_token"`
	VerificationToken string        `yaml:"verification_token"`
	Timeout           time.Duration `yaml:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	DisableCache      bool          `yaml:"disable_cache"`
}

type PriorityConfig struct {
	MaxQueueSize         int           `yaml:"max_queue_size"`
	FairnessInterval     time.Duration `yaml:"fairness_interval"`
	QuotaRefreshInterval time.Duration `yaml:"quota_refresh_interval"`
	DefaultHighQuota     int           `yaml:"default_high_quota"`
	DefaultCriticalQuota int           `yaml:"default_critical_quota"`
	QuotaIdleEviction    time.Duration `yaml:"quota_idle_eviction"`
}

type RouterConfig struct {
	DrainInterval    time.Duration `yaml:"drain_interval"`
	MaxConversations int           `yaml:"max_conversations"`
	ConversationTTL  time.Duration `yaml:"conversation_ttl"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
}

type AuditConfig struct {
	LogPath       string        `yaml:"log_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushSize     int           `yaml:"flush_size"`
	RedisChannel  string        `yaml:"redis_channel"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	URL string `yaml:"-"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       "8080",
			Env:        "development",
			PolicyPath: "policy.yaml",
		},
		Security: SecurityConfig{
			EnableAuthentication: true,
			EnableAuthorization:  true,
			EnableValidation:     true,
			EnablePrioritization: true,
			EnableAuditLog:       true,
			DefaultMessageTTL:    60 * time.Second,
			MaxMessageSize:       1024 * 1024,
		},
		Auth: AuthConfig{
			JWTIssuer:    "a2a-manager",
			JWTAudience:  "a2a-agents",
			JWTExpiresIn: 24 * time.Hour,
			KeyStore:     "file",
			APIKeysPath:  "data/api-keys.json",
		},
		DNS: DNSConfig{
			Timeout:  5 * time.Second,
			CacheTTL: 5 * time.Minute,
		},
		Priority: PriorityConfig{
			MaxQueueSize:         1000,
			FairnessInterval:     time.Minute,
			QuotaRefreshInterval: time.Hour,
			DefaultHighQuota:     10,
			DefaultCriticalQuota: 2,
			QuotaIdleEviction:    24 * time.Hour,
		},
		Router: RouterConfig{
			DrainInterval:    50 * time.Millisecond,
			MaxConversations: 10000,
			ConversationTTL:  24 * time.Hour,
			HandlerTimeout:   30 * time.Second,
		},
		Audit: AuditConfig{
			LogPath:       "logs/a2a-security.log",
			FlushInterval: time.Minute,
			FlushSize:     100,
			RedisChannel:  "a2a:security-events",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		PubSub: PubSubConfig{
			TopicID: "a2a-security-events",
		},
		RateLimit: RateLimitConfig{
			MaxCallsPerMinute: 600,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file yields the
// defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the process environment on cfg.
func (c *Config) ApplyEnv() error {
	c.Auth.JWTSecret = os.Getenv("A2A_JWT_SECRET")
	setString(&c.Auth.JWTIssuer, "A2A_JWT_ISSUER")
	setString(&c.Auth.JWTAudience, "A2A_JWT_AUDIENCE")
	if v := os.Getenv("A2A_JWT_EXPIRES_IN"); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("A2A_JWT_EXPIRES_IN: %w", err)
		}
		c.Auth.JWTExpiresIn = d
	}
	setString(&c.Auth.APIKeysPath, "API_KEYS_PATH")
	setString(&c.Auth.KeyStore, "A2A_KEYSTORE")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.Audit.LogPath, "A2A_AUDIT_LOG")
	setString(&c.PubSub.ProjectID, "A2A_PUBSUB_PROJECT")
	setString(&c.PubSub.TopicID, "A2A_PUBSUB_TOPIC")

	setString(&c.DNS.Domain, "A2A_DNS_DOMAIN")
	setString(&c.DNS.AuthToken, "A2A_DNS_AUTH_TOKEN")
	setString(&c.DNS.VerificationToken, "A2A_DNS_VERIFICATION_TOKEN")
	if c.DNS.AuthToken != "" || c.DNS.VerificationToken != "" {
		c.DNS.Enabled = true
	}

	setString(&c.Server.AdminTokenHash, "A2A_ADMIN_TOKEN_HASH")
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.PolicyPath, "A2A_POLICY_PATH")
	if v := os.Getenv("A2A_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = c.Server.AllowedOrigins[:0]
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}
	return nil
}

// Validate reports settings the security pipeline cannot run without.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretBytes {
		return fmt.Errorf("A2A_JWT_SECRET must be at least %d bytes, got %d", MinJWTSecretBytes, len(c.Auth.JWTSecret))
	}
	if c.Security.MaxMessageSize <= 0 {
		return fmt.Errorf("security.max_message_size must be positive")
	}
	switch c.Auth.KeyStore {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("unknown key store %q", c.Auth.KeyStore)
	}
	if c.Auth.KeyStore == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("key store postgres requires DATABASE_URL")
	}
	return nil
}

// ParseDuration accepts Go durations plus a trailing "d" for days ("1d", "7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
