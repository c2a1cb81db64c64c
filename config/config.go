package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Sessions bounds the gateway's live connections.
type Sessions struct {
	EventChannelSize         int           `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	Heartbeat                time.Duration `yaml:"heartbeat"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // requests per second
	Burst int     `yaml:"burst"`
}

type RateLimiters struct {
	Events  RateLimiterConfig `yaml:"events"`
	Stream  RateLimiterConfig `yaml:"stream"`
	Query   RateLimiterConfig `yaml:"query"`
	Default RateLimiterConfig `yaml:"default"`
}

// Live holds the intervals the client controller runs on. Both default
// to 30 seconds: the flat reconnect delay and the baseline poll period.
type Live struct {
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	PollInterval   time.Duration `yaml:"pollInterval"`
}

// APIKey binds a bearer key to its tenant, user and roles. Keys are the
// request/response auth surface; stream connections exchange one for a
// short-lived single-use token instead.
type APIKey struct {
	Key    string   `yaml:"key"`
	Tenant string   `yaml:"tenant"`
	User   string   `yaml:"user"`
	Roles  []string `yaml:"roles"`
}

type Config struct {
	HttpBinding  string        `yaml:"httpBinding"`
	TLS          TLS           `yaml:"tls"`
	DataDir      string        `yaml:"dataDir"`
	TokenTTL     time.Duration `yaml:"tokenTTL"`
	Sessions     Sessions      `yaml:"sessions"`
	RateLimiters RateLimiters  `yaml:"rateLimiters"`
	Live         Live          `yaml:"live"`
	APIKeys      []APIKey      `yaml:"apiKeys"`
}

var (
	ErrConfigFileMissing        = errors.New("config file is missing")
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing       = errors.New("httpBinding is missing in config")
	ErrDataDirMissing           = errors.New("dataDir is missing in config and is required for the entity store")
	ErrTLSIncomplete            = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrNoAPIKeys                = errors.New("no apiKeys defined in config")
	ErrAPIKeyIncomplete         = errors.New("every apiKey entry requires key, tenant and user")
	ErrDuplicateAPIKey          = errors.New("duplicate api key in config")
)

const (
	DefaultTokenTTL       = 2 * time.Minute
	DefaultReconnectDelay = 30 * time.Second
	DefaultPollInterval   = 30 * time.Second
)

func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ErrConfigFileMissing
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if c.DataDir == "" {
		return ErrDataDirMissing
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ErrTLSIncomplete
	}
	if len(c.APIKeys) == 0 {
		return ErrNoAPIKeys
	}
	seen := make(map[string]struct{}, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k.Key == "" || k.Tenant == "" || k.User == "" {
			return ErrAPIKeyIncomplete
		}
		if _, ok := seen[k.Key]; ok {
			return ErrDuplicateAPIKey
		}
		seen[k.Key] = struct{}{}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Live.ReconnectDelay == 0 {
		c.Live.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Live.PollInterval == 0 {
		c.Live.PollInterval = DefaultPollInterval
	}
	if c.Sessions.EventChannelSize == 0 {
		c.Sessions.EventChannelSize = 256
	}
	if c.Sessions.Heartbeat == 0 {
		c.Sessions.Heartbeat = 25 * time.Second
	}
}
