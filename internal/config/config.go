package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Target          TargetConfig      `yaml:"target"`
	Selector        map[string]string `yaml:"selector"` // tag predicates, all must match
	Source          SourceConfig      `yaml:"source"`
	Provider        ProviderConfig    `yaml:"provider"`
	Reconciler      ReconcilerConfig  `yaml:"reconciler"`
	Lock            LockConfig        `yaml:"lock"`
	Server          ServerConfig      `yaml:"server"`
	Resync          ResyncConfig      `yaml:"resync"`
	Database        DatabaseConfig    `yaml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Log             LogConfig         `yaml:"log"`
	Telemetry       TelemetryConfig   `yaml:"telemetry"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// TargetConfig describes the managed ingress rule
type TargetConfig struct {
	Service  string `yaml:"service"`
	Port     int32  `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Capacity int    `yaml:"capacity"` // max in-scope CIDRs per resource

	// RevokeStale removes other-protocol or port-range rules overlapping the port
	RevokeStale bool `yaml:"revoke_stale"`
}

// SourceConfig contains range document download settings
type SourceConfig struct {
	Digest       string   `yaml:"digest"` // md5 or sha256
	Timeout      Duration `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	IncludeIPv6  bool     `yaml:"include_ipv6"`
	UserAgent    string   `yaml:"user_agent"`
	AllowedHosts []string `yaml:"allowed_hosts"` // empty allows any host
}

// ProviderConfig selects the firewall backend
type ProviderConfig struct {
	Kind            string `yaml:"kind"` // ec2 or memory
	Region          string `yaml:"region"`
	RuleDescription string `yaml:"rule_description"`

	// Resources seeds the memory provider
	Resources []MemoryResource `yaml:"resources"`
}

// MemoryResource is a resource for the memory provider
type MemoryResource struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Tags      map[string]string `yaml:"tags"`
	Fragments []MemoryFragment  `yaml:"fragments"` // initial ingress rules
}

// MemoryFragment is an ingress rule seeded into a memory resource
type MemoryFragment struct {
	Protocol string   `yaml:"protocol"` // defaults to tcp
	FromPort int32    `yaml:"from_port"`
	ToPort   int32    `yaml:"to_port"` // defaults to from_port
	CIDRs    []string `yaml:"cidrs"`
}

// ReconcilerConfig contains reconciler settings
type ReconcilerConfig struct {
	Workers      int      `yaml:"workers"`        // concurrent mutating calls
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // 0 = unlimited
	CallTimeout  Duration `yaml:"call_timeout"`
	DryRun       bool     `yaml:"dry_run"`
	SkipVerify   bool     `yaml:"skip_verify"` // skip the post-run convergence check
}

// LockConfig selects how runs are serialized
type LockConfig struct {
	Backend    string   `yaml:"backend"` // local or redis
	RedisURL   string   `yaml:"redis_url"`
	TTL        Duration `yaml:"ttl"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// ServerConfig contains HTTP notification server settings
type ServerConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ConfirmSubscriptions bool   `yaml:"confirm_subscriptions"` // follow SNS SubscribeURL
	MaxBodyBytes         int64  `yaml:"max_body_bytes"`
}

// ResyncConfig contains periodic re-run settings
type ResyncConfig struct {
	Interval Duration `yaml:"interval"` // 0 = disabled
	Debounce Duration `yaml:"debounce"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains run ledger settings
type LedgerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Tracing     bool    `yaml:"tracing"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration data, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./edgesync.sqlite"
	}

	// Target defaults match the CloudFront origin setup
	if cfg.Target.Service == "" {
		cfg.Target.Service = "CLOUDFRONT"
	}
	if cfg.Target.Protocol == "" {
		cfg.Target.Protocol = "tcp"
	}
	if cfg.Target.Capacity == 0 {
		cfg.Target.Capacity = 50
	}

	// Source defaults
	if cfg.Source.Digest == "" {
		cfg.Source.Digest = "md5"
	}
	if cfg.Source.Timeout == 0 {
		cfg.Source.Timeout = Duration(30 * time.Second)
	}
	if cfg.Source.MaxBodyBytes == 0 {
		cfg.Source.MaxBodyBytes = 16 << 20
	}
	if cfg.Source.UserAgent == "" {
		cfg.Source.UserAgent = "edgesync"
	}

	// Provider defaults
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = "ec2"
	}
	if cfg.Provider.RuleDescription == "" {
		cfg.Provider.RuleDescription = "managed by edgesync"
	}
	for i := range cfg.Provider.Resources {
		for j := range cfg.Provider.Resources[i].Fragments {
			f := &cfg.Provider.Resources[i].Fragments[j]
			if f.Protocol == "" {
				f.Protocol = "tcp"
			}
			if f.ToPort == 0 {
				f.ToPort = f.FromPort
			}
		}
	}

	// Reconciler defaults
	if cfg.Reconciler.Workers == 0 {
		cfg.Reconciler.Workers = 4
	}
	if cfg.Reconciler.RateLimitRPS == 0 {
		cfg.Reconciler.RateLimitRPS = 10.0 // 10 requests per second
	}
	if cfg.Reconciler.CallTimeout == 0 {
		cfg.Reconciler.CallTimeout = Duration(30 * time.Second)
	}

	// Lock defaults
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = Duration(45 * time.Second)
	}
	if cfg.Lock.RetryDelay == 0 {
		cfg.Lock.RetryDelay = Duration(time.Second)
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 256 << 10
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "edgesync"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks values that have no usable default
func (c *Config) Validate() error {
	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("target.port must be between 1 and 65535, got %d", c.Target.Port)
	}
	if c.Target.Capacity < 0 {
		return fmt.Errorf("target.capacity must be positive")
	}
	if len(c.Selector) == 0 && c.Provider.Kind == "ec2" {
		return fmt.Errorf("selector must name at least one tag")
	}
	switch c.Source.Digest {
	case "md5", "sha256":
	default:
		return fmt.Errorf("source.digest must be md5 or sha256, got %q", c.Source.Digest)
	}
	switch c.Provider.Kind {
	case "ec2", "memory":
	default:
		return fmt.Errorf("provider.kind must be ec2 or memory, got %q", c.Provider.Kind)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend must be local or redis, got %q", c.Lock.Backend)
	}
	if c.Reconciler.Workers < 0 {
		return fmt.Errorf("reconciler.workers must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
