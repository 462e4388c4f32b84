// Package config provides application configuration management.
//
// # Overview
//
// Process configuration (ports, database, Redis, audit store) is loaded from
// environment variables with sensible defaults. Runtime keys consumed by the
// broker (default landing page, provider secrets, linking policy) are resolved
// through the Source interface so no component hardcodes a backend.
//
// # Configuration Structure
//
// Server settings:
//
//	AUTHBROKER_HOST="0.0.0.0"
//	AUTHBROKER_PORT="8080"
//	AUTHBROKER_HEALTH_PORT="9090"
//	AUTHBROKER_BASE_URL="https://auth.example.com"
//
// Storage settings:
//
//	AUTHBROKER_POSTGRES_URL="postgres://localhost/authbroker"
//	AUTHBROKER_REDIS_URL="redis://localhost:6379"
//	AUTHBROKER_AUDIT_STORE="postgres"  # postgres, file, memory
//	AUTHBROKER_AUDIT_ARCHIVE_BUCKET="authbroker-audit"
//
// Broker settings:
//
//	AUTHBROKER_SOURCE_FILE="/etc/authbroker/runtime.yaml"
//	AUTHBROKER_REDIRECT_POLICY="/etc/authbroker/redirects.yaml"
//	AUTHBROKER_SESSION_TTL="24h"
//
// Observability settings:
//
//	AUTHBROKER_LOG_LEVEL="info"  # debug, info, warn, error
//	AUTHBROKER_OTEL_ENABLED="true"
//	AUTHBROKER_OTEL_ENDPOINT="otel-collector:4317"
//
// # Runtime Sources
//
//	src := config.ChainSource{
//		config.NewEnvSource("AUTHBROKER"),
//		fileSource,
//	}
//	landing, err := src.GetString("redirect.default_landing_page")
//	if errors.Is(err, config.ErrNotConfigured) {
//		// fall back
//	}
package config
