// =============================================================================
// relaygate default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the gateway's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Gateway:   DefaultGatewayConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		MetricsPort:      9091,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		IPRateLimitRPS:   20,
		IPRateLimitBurst: 40,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "relaygate",
		Password:        "",
		Name:            "relaygate",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultGatewayConfig returns the default gateway request-lifecycle
// configuration: config file paths, warm-up/probing behavior, upstream
// fetch timeouts, and the message-write mode.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ProvidersPath:           "config/providers.yaml",
		UsersPath:               "config/users.yaml",
		KeysPath:                "config/keys.yaml",
		ErrorRulesPath:          "config/error_rules.yaml",
		RequestFiltersPath:      "config/request_filters.yaml",
		SensitiveWordsPath:      "config/sensitive_words.yaml",
		PricesPath:              "config/prices.yaml",
		BodyTruncationBytes:     10 * 1024 * 1024,
		WarmupEnabled:           false,
		EnableSmartProbing:      false,
		ProbeIntervalMs:         30_000,
		ProbeTimeoutMs:          5_000,
		ConnectTimeout:          10 * time.Second,
		HeadersTimeout:          30 * time.Second,
		BodyTimeout:             600 * time.Second,
		MessageRequestWriteMode: "async",
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "relaygate",
		SampleRate:   0.1,
	}
}
