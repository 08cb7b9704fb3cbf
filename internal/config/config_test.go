package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.Provider.Port != 443 || cfg.Proxy.Listen != "127.0.0.1:8888" || cfg.Sweep.Interval != 900*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.ValidatePanel(); err == nil {
		t.Fatal("expected panel validation to fail without credentials")
	}
}

func TestLoadLayering(t *testing.T) {
	t.Setenv("TURBOVPN_CONFIG", "")
	t.Setenv("TURBOVPN_PROXY_MAX_CONNS", "")
	t.Setenv("TURBOVPN_PANEL_USERNAME", "")
	t.Setenv("TURBOVPN_SWEEP_INTERVAL", "120")
	t.Setenv("TURBOVPN_PANEL_URL", "https://env.example.com")

	yamlPath := writeFile(t, "turbovpn.yaml", `
panel:
  url: https://yaml.example.com
  username: yaml-admin
  timeout: 20s
provider:
  host: nl.example.net
proxy:
  max_conns: 64
  blocked_domains: ["example.org", "*.example.org"]
`)
	envPath := writeFile(t, ".env", `
# comment
TURBOVPN_PANEL_USERNAME="dotenv-admin"
TURBOVPN_PANEL_URL=https://dotenv.example.com
export TURBOVPN_PROXY_MAX_CONNS=32
OTHER_KEY=ignored
`)

	cfg, err := Load(LoadOptions{ConfigPath: yamlPath, EnvFile: envPath})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Panel.URL != "https://env.example.com" {
		t.Fatalf("expected env to beat dotenv and yaml, got %q", cfg.Panel.URL)
	}
	if cfg.Panel.Username != "dotenv-admin" {
		t.Fatalf("expected dotenv to beat yaml, got %q", cfg.Panel.Username)
	}
	if cfg.Proxy.MaxConns != 32 {
		t.Fatalf("expected dotenv max conns, got %d", cfg.Proxy.MaxConns)
	}
	if cfg.Panel.Timeout != 20*time.Second || cfg.Provider.Host != "nl.example.net" {
		t.Fatalf("expected yaml values, got timeout=%s host=%q", cfg.Panel.Timeout, cfg.Provider.Host)
	}
	if cfg.Sweep.Interval != 120*time.Second {
		t.Fatalf("expected bare seconds to parse, got %s", cfg.Sweep.Interval)
	}
	if len(cfg.Proxy.BlockedDomains) != 2 {
		t.Fatalf("expected yaml blocked domains, got %v", cfg.Proxy.BlockedDomains)
	}
	if cfg.Provider.ShortID != "f9f3" {
		t.Fatalf("expected untouched default short id, got %q", cfg.Provider.ShortID)
	}
	if os.Getenv("OTHER_KEY") != "" {
		t.Fatal("expected non-prefixed dotenv keys to be ignored")
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	RegisterProxyFlags(fs, &cfg)
	if err := fs.Parse([]string{"--panel-url", "https://flag.example.com", "--max-conns", "8", "--bypass", "dial"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Panel.URL != "https://flag.example.com" || cfg.Proxy.MaxConns != 8 || cfg.Proxy.BypassMode != "dial" {
		t.Fatalf("expected flags to win, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "bad.yaml", "panel:\n  urll: https://typo.example.com\n")
	cfg := Default()
	if err := LoadFile(path, &cfg); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestLoadFileEmpty(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "empty.yaml", "")
	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("expected empty file to be accepted, got %v", err)
	}
	if cfg.Provider.Host != defaultProviderHost {
		t.Fatalf("expected defaults to survive, got %q", cfg.Provider.Host)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad public key", func(c *Config) { c.Provider.PublicKey = "short" }, "public key"},
		{"bad port", func(c *Config) { c.Provider.Port = 70000 }, "provider port"},
		{"bad bypass", func(c *Config) { c.Proxy.BypassMode = "tunnel" }, "bypass mode"},
		{"bad listen", func(c *Config) { c.Proxy.Listen = "127.0.0.1:http" }, "listen address"},
		{"bad panel url", func(c *Config) { c.Panel.URL = "ftp://panel" }, "panel url"},
		{"zero sweep", func(c *Config) { c.Sweep.Interval = 0 }, "sweep interval"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log format"},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
	}

	cfg := Default()
	cfg.Provider.Security = "none"
	cfg.Provider.PublicKey = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected public key to be optional without reality, got %v", err)
	}
}

func TestValidatePanel(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Panel.URL = "https://panel.example.com"
	cfg.Panel.Username = "admin"
	err := cfg.ValidatePanel()
	if err == nil || !strings.Contains(err.Error(), "TURBOVPN_PANEL_PASSWORD") {
		t.Fatalf("expected missing password error, got %v", err)
	}
	cfg.Panel.Password = "secret"
	if err := cfg.ValidatePanel(); err != nil {
		t.Fatal(err)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		key, want string
		ok        bool
	}{
		{"A=b", "A", "b", true},
		{"export A = 'quoted value'", "A", "quoted value", true},
		{`B="x=y"`, "B", "x=y", true},
		{"# comment", "", "", false},
		{"no assignment", "", "", false},
		{"BAD KEY=1", "", "", false},
	}
	for _, tt := range tests {
		key, value, ok := parseEnvAssignment(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.want {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, value, ok)
		}
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()

	got := splitList(" a.com, *.b.com\nc.com ,, ")
	if strings.Join(got, "|") != "a.com|*.b.com|c.com" {
		t.Fatalf("unexpected list %v", got)
	}
}
