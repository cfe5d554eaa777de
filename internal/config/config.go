// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the ingress node.
type ServiceConfig struct {
	ListenAddr        string        // TCP address peers connect to
	AdminPort         string        // admin HTTP API port
	MetricsPort       string        // Prometheus metrics port
	APIKey            string        // bearer token for the admin API, empty disables auth
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)
	ForwardURL        string        // HTTP endpoint packets are forwarded to, empty = log only
	ForwardSigningKey string        // HMAC key for signing forwarded packets
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ListenAddr:        GetEnv("LISTEN_ADDR", ":7070"),
		AdminPort:         GetEnv("ADMIN_PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		ForwardURL:        GetEnv("FORWARD_URL", ""),
		ForwardSigningKey: GetSecretFile(GetEnv("FORWARD_SIGNING_KEY_FILE", "")),
	}
}
