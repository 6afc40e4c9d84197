package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
}

// Load reads .env (secrets + APP_ENV), then configs/{env}.yaml
// (everything else), then lets bare environment variables override
// both, and returns the resolved Config.
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	cfg := &Config{
		Env:              env,
		RedisURL:         resolveRedisURL(yamlCfg.Store),
		KeyPrefix:        getEnv("KEY_PREFIX", firstNonEmpty(yamlCfg.Store.KeyPrefix, "drv")),
		ModuleID:         getEnv("STATUS_MODULE_ID", ""),
		TransportKind:    getEnv("TRANSPORT_KIND", firstNonEmpty(yamlCfg.Transport.Kind, "tcp")),
		TransportAddress: getEnv("TRANSPORT_ADDRESS", yamlCfg.Transport.Address),
		ConnectTimeout:   firstNonZeroDuration(yamlCfg.Transport.ConnectTimeout, 10*time.Second),
		TLS:              yamlCfg.Transport.TLS,
		LogLevel:         getEnv("LOG_LEVEL", firstNonEmpty(yamlCfg.Log.Level, "info")),
		LogFormat:        getEnv("LOG_FORMAT", firstNonEmpty(yamlCfg.Log.Format, "text")),
	}
	return cfg
}

// loadYAMLConfig loads configs/common.yaml then configs/{env}.yaml,
// the second overlaying the first.
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := &YAMLConfig{
		Store: StoreYAML{Host: "localhost", Port: 6379, DB: 0, KeyPrefix: "drv", DialTimeout: 5 * time.Second},
		Transport: TransportYAML{
			Kind:           "tcp",
			ConnectTimeout: 10 * time.Second,
		},
		Log: LogYAML{Level: "info", Format: "text"},
	}

	for _, base := range configPaths {
		if data, err := os.ReadFile(filepath.Join(base, "common.yaml")); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		if data, err := os.ReadFile(filepath.Join(base, filename)); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// resolveRedisURL prefers an explicit URL (store.url, or REDIS_URL),
// falling back to composing one from host/port/db.
func resolveRedisURL(store StoreYAML) string {
	if url := getEnv("REDIS_URL", store.URL); url != "" {
		return url
	}
	return fmt.Sprintf("redis://%s:%d/%d", store.Host, store.Port, store.DB)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroDuration(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest reports whether this process is running under the test
// environment.
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String returns a log-safe summary (the store URL's credentials, if
// any, are masked).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Store: %s, Transport: %s %s, Module: %s}",
		c.Env, maskPassword(c.RedisURL), c.TransportKind, c.TransportAddress, c.ModuleID)
}

var credentialPattern = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

func maskPassword(url string) string {
	return credentialPattern.ReplaceAllString(url, "${1}***${3}")
}
