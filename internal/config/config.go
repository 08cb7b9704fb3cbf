package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turbovpn/tunnelcore/internal/netutil"
	"github.com/turbovpn/tunnelcore/internal/reality"
)

// Config is the complete runtime configuration.
type Config struct {
	Panel     PanelConfig    `yaml:"panel"`
	Provider  ProviderConfig `yaml:"provider"`
	Proxy     ProxyConfig    `yaml:"proxy"`
	Store     StoreConfig    `yaml:"store"`
	Sweep     SweepConfig    `yaml:"sweep"`
	Debug     DebugConfig    `yaml:"debug"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
}

// PanelConfig locates and authenticates the admin panel.
type PanelConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Flow              string        `yaml:"flow"`
}

// ProviderConfig holds the endpoint parameters written into issued URIs.
type ProviderConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Network      string        `yaml:"network"`
	Security     string        `yaml:"security"`
	PublicKey    string        `yaml:"public_key"`
	Fingerprint  string        `yaml:"fingerprint"`
	ServerName   string        `yaml:"server_name"`
	ShortID      string        `yaml:"short_id"`
	SpiderX      string        `yaml:"spider_x"`
	Path         string        `yaml:"path"`
	LabelPrefix  string        `yaml:"label_prefix"`
	DurationDays int           `yaml:"duration_days"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// ProxyConfig configures the local split proxy.
type ProxyConfig struct {
	Listen         string        `yaml:"listen"`
	MaxConns       int           `yaml:"max_conns"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RelayTimeout   time.Duration `yaml:"relay_timeout"`
	BypassMode     string        `yaml:"bypass_mode"`
	BlockedDomains []string      `yaml:"blocked_domains"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SweepConfig controls the expiry sweeper.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DebugConfig enables the debug listener when Listen is set.
type DebugConfig struct {
	Listen string `yaml:"listen"`
}

const (
	defaultPanelTimeout     = 15 * time.Second
	defaultPanelRPS         = 5
	defaultPanelBurst       = 5
	defaultProviderHost     = "eu1.veilix.online"
	defaultProviderPort     = 443
	defaultPublicKey        = "4kuB0fRlvS1tmM2bWc-J8l5BxUPmHN9ncWXld5Rnphg"
	defaultLabelPrefix      = "🇳🇱 Netherlands"
	defaultProxyListen      = "127.0.0.1:8888"
	defaultProxyMaxConns    = 256
	defaultProxyReadTimeout = 30 * time.Second
	defaultProxyDialTimeout = 10 * time.Second
	defaultRelayTimeout     = 30 * time.Second
	defaultSweepInterval    = 900 * time.Second
	defaultDBPath           = "./turbovpn.db"
	defaultDurationDays     = 3
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Panel: PanelConfig{
			Timeout:           defaultPanelTimeout,
			RequestsPerSecond: defaultPanelRPS,
			Burst:             defaultPanelBurst,
		},
		Provider: ProviderConfig{
			Host:         defaultProviderHost,
			Port:         defaultProviderPort,
			Network:      "tcp",
			Security:     "reality",
			PublicKey:    defaultPublicKey,
			Fingerprint:  "chrome",
			ServerName:   "Netherlands",
			ShortID:      "f9f3",
			SpiderX:      "/",
			LabelPrefix:  defaultLabelPrefix,
			DurationDays: defaultDurationDays,
			DialTimeout:  defaultProxyDialTimeout,
		},
		Proxy: ProxyConfig{
			Listen:       defaultProxyListen,
			MaxConns:     defaultProxyMaxConns,
			ReadTimeout:  defaultProxyReadTimeout,
			DialTimeout:  defaultProxyDialTimeout,
			RelayTimeout: defaultRelayTimeout,
			BypassMode:   "acknowledge",
		},
		Store:     StoreConfig{Path: defaultDBPath},
		Sweep:     SweepConfig{Interval: defaultSweepInterval},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadOptions names the optional files Load reads.
type LoadOptions struct {
	// ConfigPath is a YAML file; empty falls back to TURBOVPN_CONFIG.
	ConfigPath string
	// EnvFile is a dotenv file whose TURBOVPN_* keys seed the environment.
	EnvFile string
}

// Load layers defaults, the YAML file, the dotenv file and the environment.
// Flags are applied afterwards by the caller via [RegisterFlags].
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TURBOVPN_CONFIG"))
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if opts.EnvFile != "" {
		LoadDotEnv(opts.EnvFile)
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// LoadFile decodes a YAML file over cfg.  Keys absent from the file keep
// their current values.
func LoadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// RegisterFlags binds the shared flags onto fs, defaulting to cfg's current
// values.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Panel.URL, "panel-url", cfg.Panel.URL, "Admin panel base URL")
	fs.StringVar(&cfg.Panel.Username, "panel-username", cfg.Panel.Username, "Admin panel username")
	fs.StringVar(&cfg.Panel.Password, "panel-password", cfg.Panel.Password, "Admin panel password")
	fs.DurationVar(&cfg.Panel.Timeout, "panel-timeout", cfg.Panel.Timeout, "Admin panel request timeout")
	fs.StringVar(&cfg.Store.Path, "db", cfg.Store.Path, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
}

// RegisterProxyFlags binds the proxy flags onto fs.
func RegisterProxyFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Proxy.Listen, "listen", cfg.Proxy.Listen, "Local proxy listen address")
	fs.IntVar(&cfg.Proxy.MaxConns, "max-conns", cfg.Proxy.MaxConns, "Maximum concurrent proxy connections")
	fs.StringVar(&cfg.Proxy.BypassMode, "bypass", cfg.Proxy.BypassMode, "Bypass mode for unmatched hosts: acknowledge|dial")
	fs.StringVar(&cfg.Debug.Listen, "debug-listen", cfg.Debug.Listen, "Debug listener address (pprof and status)")
}

// Validate checks values that do not depend on the command being run.
func (c Config) Validate() error {
	var errs []error
	if c.Panel.URL != "" {
		if err := validateHTTPURL(c.Panel.URL); err != nil {
			errs = append(errs, fmt.Errorf("panel url: %w", err))
		}
	}
	if c.Panel.Timeout <= 0 {
		errs = append(errs, errors.New("panel timeout must be > 0"))
	}
	if c.Panel.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("panel requests per second must be >= 0"))
	}
	if netutil.NormalizeHost(c.Provider.Host) == "" {
		errs = append(errs, errors.New("provider host is required"))
	}
	if c.Provider.Port <= 0 || c.Provider.Port > 65535 {
		errs = append(errs, errors.New("provider port must be between 1 and 65535"))
	}
	if strings.EqualFold(c.Provider.Security, "reality") {
		if err := reality.ValidatePublicKey(c.Provider.PublicKey); err != nil {
			errs = append(errs, fmt.Errorf("provider public key: %w", err))
		}
	}
	if c.Provider.DurationDays <= 0 {
		errs = append(errs, errors.New("default duration must be > 0 days"))
	}
	if _, _, ok := netutil.SplitHostPortDefault(c.Proxy.Listen, 0); !ok {
		errs = append(errs, fmt.Errorf("proxy listen address %q is invalid", c.Proxy.Listen))
	}
	if c.Proxy.MaxConns <= 0 {
		errs = append(errs, errors.New("proxy max connections must be > 0"))
	}
	if c.Proxy.ReadTimeout <= 0 {
		errs = append(errs, errors.New("proxy read timeout must be > 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Proxy.BypassMode)) {
	case "acknowledge", "dial":
	default:
		errs = append(errs, errors.New("bypass mode must be one of: acknowledge, dial"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep interval must be > 0"))
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "text", "json":
	default:
		errs = append(errs, errors.New("log format must be one of: text, json"))
	}
	return errors.Join(errs...)
}

// ValidatePanel checks that the panel is fully configured.
func (c Config) ValidatePanel() error {
	var errs []error
	if strings.TrimSpace(c.Panel.URL) == "" {
		errs = append(errs, errors.New("missing --panel-url or TURBOVPN_PANEL_URL"))
	}
	if strings.TrimSpace(c.Panel.Username) == "" {
		errs = append(errs, errors.New("missing --panel-username or TURBOVPN_PANEL_USERNAME"))
	}
	if c.Panel.Password == "" {
		errs = append(errs, errors.New("missing --panel-password or TURBOVPN_PANEL_PASSWORD"))
	}
	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
