// =============================================================================
// relaygate configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RELAYGATE").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is relaygate's complete configuration structure.
type Config struct {
	// Server holds the gateway's HTTP listener settings.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis backs the rate-limit store, session store, and circuit breaker.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database persists message requests, providers, users, and keys.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Gateway holds the request-lifecycle knobs (§6 environment knobs).
	Gateway GatewayConfig `yaml:"gateway" env:"GATEWAY"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry tracing export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig is the gateway's HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// CORSAllowedOrigins is the explicit allow-list for the CORS
	// middleware; empty means no Access-Control-Allow-Origin header is
	// ever sent, not a wildcard default.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	// IPRateLimitRPS/IPRateLimitBurst bound the ambient per-IP limiter
	// that runs ahead of the guard pipeline's own per-key/user limits,
	// protecting auth and provider-selection work from unauthenticated
	// floods before a credential has even been checked.
	IPRateLimitRPS   float64 `yaml:"ip_rate_limit_rps" env:"IP_RATE_LIMIT_RPS"`
	IPRateLimitBurst int     `yaml:"ip_rate_limit_burst" env:"IP_RATE_LIMIT_BURST"`
}

// RedisConfig configures the shared Redis instance.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the SQL repository backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// GatewayConfig holds the request-lifecycle knobs named in the external
// interfaces section: config sources for providers/users/keys/error
// rules/request filters, upstream fetch timeouts, and probing.
type GatewayConfig struct {
	// ProvidersPath, UsersPath, KeysPath point at the YAML sources that
	// cmd/relaygate's seed-file watcher re-syncs into the repository on
	// change.
	ProvidersPath string `yaml:"providers_path" env:"PROVIDERS_PATH"`
	UsersPath     string `yaml:"users_path" env:"USERS_PATH"`
	KeysPath      string `yaml:"keys_path" env:"KEYS_PATH"`

	// ErrorRulesPath and RequestFiltersPath feed the error rule engine
	// and the request-filter guard.
	ErrorRulesPath     string `yaml:"error_rules_path" env:"ERROR_RULES_PATH"`
	RequestFiltersPath string `yaml:"request_filters_path" env:"REQUEST_FILTERS_PATH"`

	// SensitiveWordsPath feeds the sensitive-word guard's hot-reloadable
	// word list.
	SensitiveWordsPath string `yaml:"sensitive_words_path" env:"SENSITIVE_WORDS_PATH"`

	// PricesPath points at the per-million-token price table consulted
	// by the response handler when costing a finished request. A
	// missing file is not an error: requests are still recorded, just
	// at zero cost, per the billing non-goal.
	PricesPath string `yaml:"prices_path" env:"PRICES_PATH"`

	// BodyTruncationBytes caps the buffered request body (default 10 MiB).
	BodyTruncationBytes int64 `yaml:"body_truncation_bytes" env:"BODY_TRUNCATION_BYTES"`

	// WarmupEnabled toggles the warmup-probe guard (off by default).
	WarmupEnabled bool `yaml:"warmup_enabled" env:"WARMUP_ENABLED"`

	// EnableSmartProbing, ProbeIntervalMs, ProbeTimeoutMs are loaded from
	// YAML/env, but no component reads them: no background provider
	// health prober runs.
	EnableSmartProbing bool `yaml:"enable_smart_probing" env:"ENABLE_SMART_PROBING"`
	ProbeIntervalMs    int  `yaml:"probe_interval_ms" env:"PROBE_INTERVAL_MS"`
	ProbeTimeoutMs     int  `yaml:"probe_timeout_ms" env:"PROBE_TIMEOUT_MS"`

	// ConnectTimeout, HeadersTimeout, BodyTimeout are loaded from YAML/env,
	// but the forwarder does not read them: the only timeout it applies
	// is the provider's RequestTimeoutNonStreamingMs (600s when unset),
	// with no separate connect, headers or body deadline.
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	HeadersTimeout time.Duration `yaml:"headers_timeout" env:"HEADERS_TIMEOUT"`
	BodyTimeout    time.Duration `yaml:"body_timeout" env:"BODY_TIMEOUT"`

	// MessageRequestWriteMode must be "sync" or "async" (Validate rejects
	// anything else). The message-context guard awaits the repository
	// write in either mode; no fire-and-forget path exists.
	MessageRequestWriteMode string `yaml:"message_request_write_mode" env:"MESSAGE_REQUEST_WRITE_MODE"`

	// JWTSigningSecret, when set, lets the auth guard accept a signed
	// HS256 session token (claims: key_id) as an alternative to
	// a raw API-key hash lookup. Empty disables the JWT path entirely.
	JWTSigningSecret string `yaml:"jwt_signing_secret" env:"JWT_SIGNING_SECRET"`
	JWTIssuer        string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RELAYGATE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads configuration: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Gateway.BodyTruncationBytes <= 0 {
		errs = append(errs, "body_truncation_bytes must be positive")
	}
	if c.Gateway.MessageRequestWriteMode != "sync" && c.Gateway.MessageRequestWriteMode != "async" {
		errs = append(errs, "message_request_write_mode must be sync or async")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
