package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// gatewayFile is the YAML shape accepted by the gateway's -config flag.
// Durations are strings in time.ParseDuration syntax.
type gatewayFile struct {
	Listen              string `yaml:"listen"`
	HTTPChallengeListen string `yaml:"http_challenge_listen"`
	L4Bind              string `yaml:"l4_bind"`
	DBPath              string `yaml:"db"`
	Domain              string `yaml:"domain"`
	APIHost             string `yaml:"api_host"`
	APIKeyPepper        string `yaml:"api_key_pepper"`
	LogLevel            string `yaml:"log_level"`
	TLSMode             string `yaml:"tls_mode"`
	CertCacheDir        string `yaml:"cert_cache_dir"`
	TLSCertFile         string `yaml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file"`
	EnableH3            bool   `yaml:"enable_h3"`
	RequestTimeout      string `yaml:"request_timeout"`
	HeartbeatInterval   string `yaml:"heartbeat_interval"`
	StaleSessionAfter   string `yaml:"stale_session_after"`
	JanitorInterval     string `yaml:"janitor_interval"`
	PendingRetention    string `yaml:"pending_retention"`
	UDPSessionIdle      string `yaml:"udp_session_idle"`
	MaxBodyBytes        int    `yaml:"max_body_bytes"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst      int    `yaml:"rate_limit_burst"`
	PprofAddr           string `yaml:"pprof"`
}

// clientFile is the YAML shape accepted by the client's -config flag.
type clientFile struct {
	Server            string `yaml:"server"`
	Token             string `yaml:"token"`
	Target            string `yaml:"target"`
	LogLevel          string `yaml:"log_level"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	ReconnectDelay    string `yaml:"reconnect_delay"`
	LocalTimeout      string `yaml:"local_timeout"`
	Insecure          bool   `yaml:"insecure"`
	PprofAddr         string `yaml:"pprof"`
}

func loadGatewayFile(path string) (gatewayFile, error) {
	var out gatewayFile
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return out, nil
}

func loadClientFile(path string) (clientFile, error) {
	var out clientFile
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return out, nil
}
