package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix      = "ENGAGESYNC_"
	ConfigFileName = "engagesync.yaml"

	minRequestTimeout = time.Second
	maxRequestTimeout = time.Minute
)

//go:embed config_default.yaml
var embeddedConfig []byte

type Config struct {
	BaseURL          string        `yaml:"baseURL"`
	CallbackURL      string        `yaml:"callbackURL"`
	ListenAddr       string        `yaml:"listenAddr"`
	DataDir          string        `yaml:"dataDir"`
	BackendProfile   string        `yaml:"backendProfile"`
	CacheDSN         string        `yaml:"cacheDSN"`
	RulesDSN         string        `yaml:"rulesDSN"`
	WatchCache       bool          `yaml:"watchCache"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	PollJitter       float64       `yaml:"pollJitter"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	LivenessInterval time.Duration `yaml:"livenessInterval"`
	RateLimit        float64       `yaml:"rateLimit"`
	RateBurst        int           `yaml:"rateBurst"`
}

// Load builds the configuration from the embedded defaults, the YAML file at
// path (or ./engagesync.yaml when path is empty and the file exists), and
// ENGAGESYNC_* variables, which may come from a .env file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = envOrDefault(EnvPrefix+"CONFIG", ConfigFileName)
	}
	buf, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(buf, c); err != nil {
			return nil, fmt.Errorf("in config file %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	c.applyEnv()
	if err := c.finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	c.BaseURL = envOrDefault(EnvPrefix+"BASE_URL", c.BaseURL)
	c.CallbackURL = envOrDefault(EnvPrefix+"CALLBACK_URL", c.CallbackURL)
	c.ListenAddr = envOrDefault(EnvPrefix+"LISTEN_ADDR", c.ListenAddr)
	c.DataDir = envOrDefault(EnvPrefix+"DATA_DIR", c.DataDir)
	c.BackendProfile = envOrDefault(EnvPrefix+"BACKEND_PROFILE", c.BackendProfile)
	c.CacheDSN = envOrDefault(EnvPrefix+"CACHE_DSN", c.CacheDSN)
	c.RulesDSN = envOrDefault(EnvPrefix+"RULES_DSN", c.RulesDSN)
	c.WatchCache = boolEnv(EnvPrefix+"WATCH_CACHE", c.WatchCache)
	c.RequestTimeout = durationEnv(EnvPrefix+"REQUEST_TIMEOUT", c.RequestTimeout)
	c.PollInterval = durationEnv(EnvPrefix+"POLL_INTERVAL", c.PollInterval)
	c.PollJitter = floatEnv(EnvPrefix+"POLL_JITTER", c.PollJitter)
	c.HandshakeTimeout = durationEnv(EnvPrefix+"HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.LivenessInterval = durationEnv(EnvPrefix+"LIVENESS_INTERVAL", c.LivenessInterval)
	c.RateLimit = floatEnv(EnvPrefix+"RATE_LIMIT", c.RateLimit)
	c.RateBurst = intEnv(EnvPrefix+"RATE_BURST", c.RateBurst)
}

func (c *Config) finalize() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return errors.New("baseURL is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = ".engagesync"
	}
	cacheDSN, rulesDSN, err := c.profileDSNs()
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.CacheDSN) == "" {
		c.CacheDSN = cacheDSN
	}
	if strings.TrimSpace(c.RulesDSN) == "" {
		c.RulesDSN = rulesDSN
	}
	c.RequestTimeout = clampDuration(c.RequestTimeout, minRequestTimeout, maxRequestTimeout)
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	c.PollJitter = ClampJitterRatio(c.PollJitter)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Minute
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	return nil
}

// profileDSNs maps a backend profile onto default cache and rule DSNs.
func (c *Config) profileDSNs() (string, string, error) {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(c.DataDir, "accounts.json"),
			"file://" + filepath.Join(c.DataDir, "rules.json"),
			nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "sqlite":
		dsn := "sqlite://" + filepath.Join(c.DataDir, "engagesync.db")
		return dsn, dsn, nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv(EnvPrefix + "POSTGRES_DSN"))
		if dsn == "" && (strings.TrimSpace(c.CacheDSN) == "" || strings.TrimSpace(c.RulesDSN) == "") {
			return "", "", fmt.Errorf("%sPOSTGRES_DSN is required when backendProfile=%s", EnvPrefix, profile)
		}
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported backendProfile: %s", profile)
	}
}

// ClampJitterRatio bounds a jitter ratio to [0, 1].
func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func clampDuration(value, lo, hi time.Duration) time.Duration {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
