package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Redis   RedisConfig   `yaml:"redis"`
}

type ClientConfig struct {
	APIURL          string          `yaml:"api_url"`
	WSURL           string          `yaml:"ws_url"`
	Token           string          `yaml:"token"`
	AckTimeout      Duration        `yaml:"ack_timeout"`
	RequestTimeout  Duration        `yaml:"request_timeout"`
	HistoryPageSize int             `yaml:"history_page_size"`
	MetricsAddr     string          `yaml:"metrics_addr"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	Typing          TypingConfig    `yaml:"typing"`
	Drafts          DraftsConfig    `yaml:"drafts"`
}

type ReconnectConfig struct {
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	Factor      float64  `yaml:"factor"`
	Jitter      float64  `yaml:"jitter"`
	MaxAttempts int      `yaml:"max_attempts"` // 0 retries forever
}

type TypingConfig struct {
	Debounce  Duration `yaml:"debounce"`
	Idle      Duration `yaml:"idle"`
	RemoteTTL Duration `yaml:"remote_ttl"`
	Sweep     Duration `yaml:"sweep"`
}

type DraftsConfig struct {
	Policy string `yaml:"policy"` // memory, pebble or redis
	Path   string `yaml:"path"`
}

type RelayConfig struct {
	Addr           string    `yaml:"addr"`
	JWTSecret      string    `yaml:"jwt_secret"`
	MaxMessageSize SizeBytes `yaml:"max_message_size"`
	MaxUploadSize  SizeBytes `yaml:"max_upload_size"`
	RateLimit      struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	UseRedis bool `yaml:"use_redis"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	cl := &c.Client
	if cl.APIURL == "" {
		cl.APIURL = "http://localhost:8080/api"
	}
	if cl.AckTimeout == 0 {
		cl.AckTimeout = Duration(15 * time.Second)
	}
	if cl.RequestTimeout == 0 {
		cl.RequestTimeout = Duration(30 * time.Second)
	}
	if cl.HistoryPageSize == 0 {
		cl.HistoryPageSize = 50
	}
	if cl.Reconnect.Initial == 0 {
		cl.Reconnect.Initial = Duration(500 * time.Millisecond)
	}
	if cl.Reconnect.Max == 0 {
		cl.Reconnect.Max = Duration(30 * time.Second)
	}
	if cl.Reconnect.Factor == 0 {
		cl.Reconnect.Factor = 2
	}
	if cl.Reconnect.Jitter == 0 {
		cl.Reconnect.Jitter = 0.2
	}
	if cl.Typing.Debounce == 0 {
		cl.Typing.Debounce = Duration(time.Second)
	}
	if cl.Typing.Idle == 0 {
		cl.Typing.Idle = Duration(3 * time.Second)
	}
	if cl.Typing.RemoteTTL == 0 {
		cl.Typing.RemoteTTL = Duration(5 * time.Second)
	}
	if cl.Typing.Sweep == 0 {
		cl.Typing.Sweep = Duration(250 * time.Millisecond)
	}
	if cl.Drafts.Policy == "" {
		cl.Drafts.Policy = "memory"
	}
	if cl.Drafts.Path == "" {
		cl.Drafts.Path = "./data/drafts"
	}

	r := &c.Relay
	if r.Addr == "" {
		r.Addr = ":8080"
	}
	if r.JWTSecret == "" {
		r.JWTSecret = "dev-secret-change-me"
	}
	if r.MaxMessageSize == 0 {
		r.MaxMessageSize = 64 << 10
	}
	if r.MaxUploadSize == 0 {
		r.MaxUploadSize = 10 << 20
	}
	if r.RateLimit.RPS == 0 {
		r.RateLimit.RPS = 20
	}
	if r.RateLimit.Burst == 0 {
		r.RateLimit.Burst = 40
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
}

// WebsocketURL returns the configured ws url, deriving it from the API url
// when unset.
func (c *ClientConfig) WebsocketURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return "", fmt.Errorf("parse api_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	c.applyDefaults()
	var errs []error
	if _, err := url.Parse(c.Client.APIURL); err != nil {
		errs = append(errs, fmt.Errorf("client.api_url: %w", err))
	}
	if c.Client.AckTimeout.Duration() < time.Second {
		errs = append(errs, errors.New("client.ack_timeout must be at least 1s"))
	}
	if c.Client.HistoryPageSize < 1 || c.Client.HistoryPageSize > 100 {
		errs = append(errs, errors.New("client.history_page_size must be between 1 and 100"))
	}
	rc := c.Client.Reconnect
	if rc.Max < rc.Initial {
		errs = append(errs, errors.New("client.reconnect.max must be >= initial"))
	}
	if rc.Factor < 1 {
		errs = append(errs, errors.New("client.reconnect.factor must be >= 1"))
	}
	if rc.Jitter < 0 || rc.Jitter >= 1 {
		errs = append(errs, errors.New("client.reconnect.jitter must be in [0,1)"))
	}
	if rc.MaxAttempts < 0 {
		errs = append(errs, errors.New("client.reconnect.max_attempts must be >= 0"))
	}
	switch c.Client.Drafts.Policy {
	case "memory", "pebble", "redis":
	default:
		errs = append(errs, fmt.Errorf("client.drafts.policy %q must be memory, pebble or redis", c.Client.Drafts.Policy))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// Load reads the YAML file at path (optional when empty or missing), a
// .env file in the working directory, and environment overrides, then
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	_ = godotenv.Load(".env")
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Client.APIURL = getEnv("CHATSYNC_API_URL", c.Client.APIURL)
	c.Client.WSURL = getEnv("CHATSYNC_WS_URL", c.Client.WSURL)
	c.Client.Token = getEnv("CHATSYNC_TOKEN", c.Client.Token)
	c.Client.Drafts.Policy = getEnv("CHATSYNC_DRAFTS_POLICY", c.Client.Drafts.Policy)
	c.Logging.Level = getEnv("CHATSYNC_LOG_LEVEL", c.Logging.Level)
	c.Relay.Addr = getEnv("RELAY_ADDR", c.Relay.Addr)
	c.Relay.JWTSecret = getEnv("JWT_SECRET", c.Relay.JWTSecret)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	if v, ok := os.LookupEnv("CHATSYNC_ACK_TIMEOUT"); ok {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_ACK_TIMEOUT: %w", err)
		}
		c.Client.AckTimeout = d
	}
	if v, ok := os.LookupEnv("RELAY_MAX_UPLOAD_SIZE"); ok {
		s, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("RELAY_MAX_UPLOAD_SIZE: %w", err)
		}
		c.Relay.MaxUploadSize = s
	}
	return nil
}
