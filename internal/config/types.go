// Package config loads the runtime's configuration: which transport
// to dial, how to reach the shared store, and how modules are named
// inside it. Same layering as the rest of the ecosystem this runtime
// grew up next to — secrets from .env, everything else from a YAML
// file, either one overridable by a bare environment variable.
package config

import "time"

// Environment selects which YAML file Load reads.
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig is the on-disk shape of {env}.yaml.
type YAMLConfig struct {
	Store     StoreYAML     `yaml:"store"`
	Transport TransportYAML `yaml:"transport"`
	Log       LogYAML       `yaml:"log"`
}

// StoreYAML configures the shared key/value+pubsub backing the
// status hash and subscriptions registry.
type StoreYAML struct {
	URL         string        `yaml:"url"` // redis://host:port/db; takes precedence over Host/Port/DB
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"` // e.g. "drv"
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportYAML configures the device-facing connection one module
// instance dials.
type TransportYAML struct {
	Kind           string        `yaml:"kind"` // "tcp", "tcp+tls", "websocket", "udp", "ssh"
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TLS            TLSYAML       `yaml:"tls"`
}

// TLSYAML holds transport-level TLS settings. Load copies them into
// Config.TLS; no transport in this module reads them from there.
type TLSYAML struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LogYAML configures the structured logger.
type LogYAML struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Config is the resolved configuration the runtime actually uses.
type Config struct {
	Env Environment

	RedisURL  string
	KeyPrefix string
	ModuleID  string // STATUS_MODULE_ID; identifies this process's status hash

	TransportKind    string
	TransportAddress string
	ConnectTimeout   time.Duration
	TLS              TLSYAML

	LogLevel  string
	LogFormat string
}
