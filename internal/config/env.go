package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix marks the environment variables read by [ApplyEnv].
const EnvPrefix = "TURBOVPN_"

// ApplyEnv overrides cfg with TURBOVPN_* variables.  Unparseable numbers
// and durations leave the current value in place.
func ApplyEnv(cfg *Config) {
	cfg.Panel.URL = envOrDefault("TURBOVPN_PANEL_URL", cfg.Panel.URL)
	cfg.Panel.Username = envOrDefault("TURBOVPN_PANEL_USERNAME", cfg.Panel.Username)
	cfg.Panel.Password = envOrDefault("TURBOVPN_PANEL_PASSWORD", cfg.Panel.Password)
	cfg.Panel.Timeout = envDurationOrDefault("TURBOVPN_PANEL_TIMEOUT", cfg.Panel.Timeout)
	cfg.Panel.RequestsPerSecond = envFloatOrDefault("TURBOVPN_PANEL_RPS", cfg.Panel.RequestsPerSecond)
	cfg.Panel.Burst = envIntOrDefault("TURBOVPN_PANEL_BURST", cfg.Panel.Burst)
	cfg.Panel.Flow = envOrDefault("TURBOVPN_PANEL_FLOW", cfg.Panel.Flow)

	cfg.Provider.Host = envOrDefault("TURBOVPN_SERVER", cfg.Provider.Host)
	cfg.Provider.Port = envIntOrDefault("TURBOVPN_SERVER_PORT", cfg.Provider.Port)
	cfg.Provider.Network = envOrDefault("TURBOVPN_NETWORK", cfg.Provider.Network)
	cfg.Provider.Security = envOrDefault("TURBOVPN_SECURITY", cfg.Provider.Security)
	cfg.Provider.PublicKey = envOrDefault("TURBOVPN_PUBLIC_KEY", cfg.Provider.PublicKey)
	cfg.Provider.Fingerprint = envOrDefault("TURBOVPN_FINGERPRINT", cfg.Provider.Fingerprint)
	cfg.Provider.ServerName = envOrDefault("TURBOVPN_SNI", cfg.Provider.ServerName)
	cfg.Provider.ShortID = envOrDefault("TURBOVPN_SHORT_ID", cfg.Provider.ShortID)
	cfg.Provider.SpiderX = envOrDefault("TURBOVPN_SPIDER_X", cfg.Provider.SpiderX)
	cfg.Provider.Path = envOrDefault("TURBOVPN_WS_PATH", cfg.Provider.Path)
	cfg.Provider.LabelPrefix = envOrDefault("TURBOVPN_LABEL_PREFIX", cfg.Provider.LabelPrefix)
	cfg.Provider.DurationDays = envIntOrDefault("TURBOVPN_DURATION_DAYS", cfg.Provider.DurationDays)
	cfg.Provider.DialTimeout = envDurationOrDefault("TURBOVPN_DIAL_TIMEOUT", cfg.Provider.DialTimeout)

	cfg.Proxy.Listen = envOrDefault("TURBOVPN_PROXY_LISTEN", cfg.Proxy.Listen)
	cfg.Proxy.MaxConns = envIntOrDefault("TURBOVPN_PROXY_MAX_CONNS", cfg.Proxy.MaxConns)
	cfg.Proxy.ReadTimeout = envDurationOrDefault("TURBOVPN_PROXY_READ_TIMEOUT", cfg.Proxy.ReadTimeout)
	cfg.Proxy.DialTimeout = envDurationOrDefault("TURBOVPN_PROXY_DIAL_TIMEOUT", cfg.Proxy.DialTimeout)
	cfg.Proxy.RelayTimeout = envDurationOrDefault("TURBOVPN_RELAY_TIMEOUT", cfg.Proxy.RelayTimeout)
	cfg.Proxy.BypassMode = envOrDefault("TURBOVPN_BYPASS_MODE", cfg.Proxy.BypassMode)
	if v := strings.TrimSpace(os.Getenv("TURBOVPN_BLOCKED_DOMAINS")); v != "" {
		cfg.Proxy.BlockedDomains = splitList(v)
	}

	cfg.Store.Path = envOrDefault("TURBOVPN_DB_PATH", cfg.Store.Path)
	cfg.Store.MaxOpenConns = envIntOrDefault("TURBOVPN_DB_MAX_OPEN_CONNS", cfg.Store.MaxOpenConns)
	cfg.Sweep.Interval = envDurationOrDefault("TURBOVPN_SWEEP_INTERVAL", cfg.Sweep.Interval)
	cfg.Debug.Listen = envOrDefault("TURBOVPN_DEBUG_LISTEN", cfg.Debug.Listen)
	cfg.LogLevel = envOrDefault("TURBOVPN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("TURBOVPN_LOG_FORMAT", cfg.LogFormat)
}

// LoadDotEnv copies TURBOVPN_* assignments from a dotenv file into the
// environment.  Variables that are already set win.  A missing file is
// ignored.
func LoadDotEnv(path string) {
	for key, value := range loadEnvFileValues(path) {
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func loadEnvFileValues(path string) map[string]string {
	out := map[string]string{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	for _, line := range strings.Split(normalized, "\n") {
		key, value, ok := parseEnvAssignment(line)
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func parseEnvAssignment(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	key, value, ok := strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 {
		if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
			(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
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

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDurationOrDefault accepts Go durations ("15s") or bare seconds ("900").
func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitList(v string) []string {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
