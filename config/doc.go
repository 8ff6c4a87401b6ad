/*
Package config provides relaygate's configuration management.

# Overview

config owns the full lifecycle of the gateway's configuration: multi-source
loading, runtime hot reload, and change auditing. Configuration merges in
priority order "defaults -> YAML file -> environment variables".

# Core types

  - Config: top-level aggregate covering Server, Redis, Database, Gateway,
    Log and Telemetry settings
  - Loader: builder-style loader for chaining a config path, an env prefix
    and a custom validator
  - HotReloadManager: watches the config file, applies field-level updates,
    fires change callbacks and keeps a ring-buffer change history
  - FileWatcher: poll + debounce based file change detector that triggers
    reloads

# Capabilities

  - Multi-source loading: YAML file, environment variables (RELAYGATE_
    prefix by default), built-in defaults
  - Hot reload: file-watch triggered reload plus programmatic field updates,
    gated per-field by whether it requires a process restart
  - Redaction: sensitive fields (passwords, API keys, tokens) are masked
    before a config snapshot is exposed
  - Change auditing: ring-buffer history of applied changes
  - Validation: built-in checks plus a pluggable ValidateFunc hook

# Example

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("RELAYGATE").
		Load()
*/
package config
