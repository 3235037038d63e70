// Package config parses gateway and client configuration from an optional
// YAML file, TUNLIFY_* environment variables, and command-line flags, in
// ascending precedence (file < env < flag).
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// GatewayConfig configures the public gateway process.
type GatewayConfig struct {
	ListenAddr        string
	HTTPChallengeAddr string
	L4BindAddr        string
	DBPath            string
	BaseDomain        string
	APIHost           string
	APIKeyPepper      string
	LogLevel          string

	TLSMode      string
	CertCacheDir string
	TLSCertFile  string
	TLSKeyFile   string
	EnableH3     bool

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	StaleSessionAfter time.Duration
	JanitorInterval   time.Duration
	PendingRetention  time.Duration
	UDPSessionIdle    time.Duration
	MaxBodyBytes      int64

	RateLimitPerMinute int
	RateLimitBurst     int

	PprofAddr string
}

// ClientConfig configures the tunnel client process.
type ClientConfig struct {
	ServerURL string
	Token     string
	Target    string
	LogLevel  string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	LocalTimeout      time.Duration
	InsecureTLS       bool

	PprofAddr string
}

const defaultGatewayListen = ":8080"
const defaultChallengeListen = ":8081"
const defaultGatewayDBPath = "./tunlify.db"
const defaultCertCacheDir = "./cert"
const defaultRequestTimeout = 30 * time.Second
const defaultHeartbeatInterval = 25 * time.Second
const defaultStaleSessionAfter = 5 * time.Minute
const defaultJanitorInterval = 2 * time.Minute
const defaultPendingRetention = 2 * time.Minute
const defaultUDPSessionIdle = 60 * time.Second
const defaultMaxBodyBytes = 10 * 1024 * 1024
const defaultRateLimitPerMinute = 60
const defaultRateLimitBurst = 30
const defaultReconnectDelay = 5 * time.Second

// ParseGatewayFlags builds a GatewayConfig from an optional -config YAML
// file, TUNLIFY_* environment variables, and the given flag arguments.
func ParseGatewayFlags(args []string) (GatewayConfig, error) {
	file, err := loadGatewayFile(configPathFromArgs(args))
	if err != nil {
		return GatewayConfig{}, err
	}

	cfg := GatewayConfig{
		ListenAddr:         envOrDefault("TUNLIFY_LISTEN", orDefault(file.Listen, defaultGatewayListen)),
		HTTPChallengeAddr:  envOrDefault("TUNLIFY_LISTEN_HTTP_CHALLENGE", orDefault(file.HTTPChallengeListen, defaultChallengeListen)),
		L4BindAddr:         envOrDefault("TUNLIFY_L4_BIND", file.L4Bind),
		DBPath:             envOrDefault("TUNLIFY_DB_PATH", orDefault(file.DBPath, defaultGatewayDBPath)),
		BaseDomain:         envOrDefault("TUNLIFY_DOMAIN", file.Domain),
		APIHost:            envOrDefault("TUNLIFY_API_HOST", file.APIHost),
		APIKeyPepper:       envOrDefault("TUNLIFY_API_KEY_PEPPER", file.APIKeyPepper),
		LogLevel:           envOrDefault("TUNLIFY_LOG_LEVEL", orDefault(file.LogLevel, "info")),
		TLSMode:            envOrDefault("TUNLIFY_TLS_MODE", orDefault(file.TLSMode, "off")),
		CertCacheDir:       envOrDefault("TUNLIFY_CERT_CACHE_DIR", orDefault(file.CertCacheDir, defaultCertCacheDir)),
		TLSCertFile:        envOrDefault("TUNLIFY_TLS_CERT_FILE", file.TLSCertFile),
		TLSKeyFile:         envOrDefault("TUNLIFY_TLS_KEY_FILE", file.TLSKeyFile),
		EnableH3:           envBoolOrDefault("TUNLIFY_ENABLE_H3", file.EnableH3),
		RequestTimeout:     envDurationOrDefault("TUNLIFY_REQUEST_TIMEOUT", fileDuration(file.RequestTimeout, defaultRequestTimeout)),
		HeartbeatInterval:  envDurationOrDefault("TUNLIFY_HEARTBEAT_INTERVAL", fileDuration(file.HeartbeatInterval, defaultHeartbeatInterval)),
		StaleSessionAfter:  envDurationOrDefault("TUNLIFY_STALE_SESSION_AFTER", fileDuration(file.StaleSessionAfter, defaultStaleSessionAfter)),
		JanitorInterval:    envDurationOrDefault("TUNLIFY_JANITOR_INTERVAL", fileDuration(file.JanitorInterval, defaultJanitorInterval)),
		PendingRetention:   envDurationOrDefault("TUNLIFY_PENDING_RETENTION", fileDuration(file.PendingRetention, defaultPendingRetention)),
		UDPSessionIdle:     envDurationOrDefault("TUNLIFY_UDP_SESSION_IDLE", fileDuration(file.UDPSessionIdle, defaultUDPSessionIdle)),
		MaxBodyBytes:       int64(envIntOrDefault("TUNLIFY_MAX_BODY_BYTES", intOrDefault(file.MaxBodyBytes, defaultMaxBodyBytes))),
		RateLimitPerMinute: envIntOrDefault("TUNLIFY_RATE_LIMIT_PER_MINUTE", intOrDefault(file.RateLimitPerMinute, defaultRateLimitPerMinute)),
		RateLimitBurst:     envIntOrDefault("TUNLIFY_RATE_LIMIT_BURST", intOrDefault(file.RateLimitBurst, defaultRateLimitBurst)),
		PprofAddr:          envOrDefault("TUNLIFY_PPROF_ADDR", file.PprofAddr),
	}

	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Optional YAML config file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Public listen address")
	fs.StringVar(&cfg.HTTPChallengeAddr, "http-challenge-listen", cfg.HTTPChallengeAddr, "HTTP-01 challenge listen address (tls-mode auto)")
	fs.StringVar(&cfg.L4BindAddr, "l4-bind", cfg.L4BindAddr, "Bind address for allocated TCP/UDP ports (default all interfaces)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. tunlify.dev")
	fs.StringVar(&cfg.APIHost, "api-host", cfg.APIHost, "Hostname serving the API and control channel (defaults to api.<domain>)")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "Pepper mixed into API key hashes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|auto|static")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir (tls-mode auto)")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file (tls-mode static)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file (tls-mode static)")
	fs.BoolVar(&cfg.EnableH3, "enable-h3", cfg.EnableH3, "Serve HTTP/3 alongside HTTPS (requires TLS)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request proxy timeout")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Private pprof listen address (disabled when empty)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or TUNLIFY_DOMAIN")
	}
	if cfg.APIHost == "" {
		cfg.APIHost = "api." + cfg.BaseDomain
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	switch cfg.TLSMode {
	case "off", "auto", "static":
	default:
		return cfg, errors.New("tls mode must be one of: off, auto, static")
	}
	if cfg.TLSMode == "static" && (cfg.TLSCertFile == "" || cfg.TLSKeyFile == "") {
		return cfg, errors.New("tls-mode static requires --tls-cert-file and --tls-key-file")
	}
	if cfg.EnableH3 && cfg.TLSMode == "off" {
		return cfg, errors.New("--enable-h3 requires tls-mode auto or static")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval > 30*time.Second {
		return cfg, errors.New("heartbeat interval must be in (0, 30s]")
	}
	if cfg.StaleSessionAfter <= 0 {
		return cfg, errors.New("stale session threshold must be > 0")
	}
	if cfg.JanitorInterval <= 0 {
		return cfg, errors.New("janitor interval must be > 0")
	}
	if cfg.PendingRetention <= 0 {
		return cfg, errors.New("pending retention must be > 0")
	}
	if cfg.UDPSessionIdle <= 0 {
		return cfg, errors.New("udp session idle must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("max body bytes must be > 0")
	}

	return cfg, nil
}

// ParseClientFlags builds a ClientConfig. ServerURL and Token may come from
// the user settings file, so their presence is validated by the caller after
// merging, via Validate.
func ParseClientFlags(args []string) (ClientConfig, error) {
	file, err := loadClientFile(configPathFromArgs(args))
	if err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		ServerURL:         envOrDefault("TUNLIFY_SERVER", file.Server),
		Token:             envOrDefault("TUNLIFY_TOKEN", file.Token),
		Target:            envOrDefault("TUNLIFY_TARGET", file.Target),
		LogLevel:          envOrDefault("TUNLIFY_LOG_LEVEL", orDefault(file.LogLevel, "info")),
		HeartbeatInterval: envDurationOrDefault("TUNLIFY_HEARTBEAT_INTERVAL", fileDuration(file.HeartbeatInterval, defaultHeartbeatInterval)),
		ReconnectDelay:    envDurationOrDefault("TUNLIFY_RECONNECT_DELAY", fileDuration(file.ReconnectDelay, defaultReconnectDelay)),
		LocalTimeout:      envDurationOrDefault("TUNLIFY_LOCAL_TIMEOUT", fileDuration(file.LocalTimeout, defaultRequestTimeout)),
		InsecureTLS:       envBoolOrDefault("TUNLIFY_INSECURE", file.Insecure),
		PprofAddr:         envOrDefault("TUNLIFY_PPROF_ADDR", file.PprofAddr),
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Optional YAML config file")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Gateway base URL (e.g. https://api.tunlify.dev)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Tunnel connection token")
	fs.StringVar(&cfg.Target, "target", cfg.Target, "Local target (host:port, :port, port, or http(s) URL)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay between reconnect attempts")
	fs.BoolVar(&cfg.InsecureTLS, "insecure", cfg.InsecureTLS, "Skip TLS certificate verification")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "Private pprof listen address (disabled when empty)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// A bare positional argument is shorthand for the local target.
	if cfg.Target == "" && fs.NArg() > 0 {
		cfg.Target = fs.Arg(0)
	}

	if cfg.HeartbeatInterval <= 0 {
		return cfg, errors.New("heartbeat interval must be > 0")
	}
	if cfg.ReconnectDelay <= 0 {
		return cfg, errors.New("reconnect delay must be > 0")
	}
	if cfg.LocalTimeout <= 0 {
		return cfg, errors.New("local timeout must be > 0")
	}

	return cfg, nil
}

// Validate checks the fields a client cannot run without. Called after the
// settings-file merge so saved credentials count.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("missing --server or TUNLIFY_SERVER")
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("missing --token or TUNLIFY_TOKEN")
	}
	return nil
}

// configPathFromArgs pre-scans args for -config so the file can seed flag
// defaults before the real parse.
func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if name == "config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func intOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func fileDuration(v string, def time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
