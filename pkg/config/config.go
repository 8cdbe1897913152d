package config

import (
	"errors"
	"fmt"
	"go/build"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// QueryLogMode controls which queries become spans.
type QueryLogMode string

const (
	QueryLogOff    QueryLogMode = "false"
	QueryLogAlways QueryLogMode = "true"
	QueryLogAuto   QueryLogMode = "auto"
)

// NamingMode controls how transactions are named once the request is done.
type NamingMode string

const (
	NamingRawURI     NamingMode = "raw"
	NamingRouteURI   NamingMode = "route"
	NamingNormalized NamingMode = "normalized"
)

// Config holds the configuration for the APM probe.
type Config struct {
	Active   bool `mapstructure:"active" yaml:"active"`
	Sampling int  `mapstructure:"sampling" yaml:"sampling"`

	App          AppConfig          `mapstructure:"app" yaml:"app"`
	Env          EnvConfig          `mapstructure:"env" yaml:"env"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Transactions TransactionsConfig `mapstructure:"transactions" yaml:"transactions"`
	Spans        SpansConfig        `mapstructure:"spans" yaml:"spans"`
	Profiling    ProfilingConfig    `mapstructure:"profiling" yaml:"profiling"`

	Exporter          string `mapstructure:"exporter" yaml:"exporter"`
	LogLevel          string `mapstructure:"log_level" yaml:"log_level"`
	NPlusOneThreshold int    `mapstructure:"n_plus_one_threshold" yaml:"n_plus_one_threshold"`
}

type AppConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Version string `mapstructure:"version" yaml:"version"`
}

type EnvConfig struct {
	// Allow lists the environment variables reported with each transaction.
	Allow       []string `mapstructure:"allow" yaml:"allow"`
	Environment string   `mapstructure:"environment" yaml:"environment"`
}

type ServerConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	SecretToken string        `mapstructure:"secret_token" yaml:"secret_token"`
	APIVersion  string        `mapstructure:"api_version" yaml:"api_version"`
	Hostname    string        `mapstructure:"hostname" yaml:"hostname"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type TransactionsConfig struct {
	Naming       NamingMode `mapstructure:"naming" yaml:"naming"`
	UseRouteURI  bool       `mapstructure:"use_route_uri" yaml:"use_route_uri"`
	NormalizeURI bool       `mapstructure:"normalize_uri" yaml:"normalize_uri"`
}

type SpansConfig struct {
	MaxTraceItems  int            `mapstructure:"max_trace_items" yaml:"max_trace_items"`
	BacktraceDepth int            `mapstructure:"backtrace_depth" yaml:"backtrace_depth"`
	RenderSource   bool           `mapstructure:"render_source" yaml:"render_source"`
	VendorRoots    []string       `mapstructure:"vendor_roots" yaml:"vendor_roots"`
	QueryLog       QueryLogConfig `mapstructure:"querylog" yaml:"querylog"`
	HTTPLog        HTTPLogConfig  `mapstructure:"httplog" yaml:"httplog"`
}

type QueryLogConfig struct {
	Enabled   QueryLogMode  `mapstructure:"-" yaml:"enabled"`
	Threshold time.Duration `mapstructure:"-" yaml:"threshold"`
}

type HTTPLogConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ProfilingConfig drives the CPU profiler triggered by slow transactions.
type ProfilingConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold" yaml:"latency_threshold"`
	Duration         time.Duration `mapstructure:"duration" yaml:"duration"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	Dir              string        `mapstructure:"dir" yaml:"dir"`
}

// Load reads configuration from APM_* environment variables.
func Load() (*Config, error) {
	return load(newViper())
}

// LoadFile reads config.yaml from dir, then applies environment overrides.
// A missing file is not an error.
func LoadFile(dir string) (*Config, error) {
	v := newViper()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config in %s: %w", dir, err)
		}
	}
	return load(v)
}

// Default returns the configuration with every option at its default.
func Default() *Config {
	cfg, err := load(setDefaults(viper.New()))
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := setDefaults(viper.New())
	v.SetEnvPrefix("APM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) *viper.Viper {
	hostname, _ := os.Hostname()

	v.SetDefault("active", true)
	v.SetDefault("sampling", 100)
	v.SetDefault("app.name", "Go")
	v.SetDefault("app.version", "")
	v.SetDefault("env.allow", []string{})
	v.SetDefault("env.environment", "development")
	v.SetDefault("server.url", "http://127.0.0.1:8200")
	v.SetDefault("server.secret_token", "")
	v.SetDefault("server.api_version", "v2")
	v.SetDefault("server.hostname", hostname)
	v.SetDefault("server.timeout", 5*time.Second)
	v.SetDefault("transactions.naming", "")
	v.SetDefault("transactions.use_route_uri", false)
	v.SetDefault("transactions.normalize_uri", false)
	v.SetDefault("spans.max_trace_items", 1000)
	v.SetDefault("spans.backtrace_depth", 50)
	v.SetDefault("spans.render_source", true)
	v.SetDefault("spans.vendor_roots", DefaultVendorRoots())
	v.SetDefault("spans.querylog.enabled", "true")
	v.SetDefault("spans.querylog.threshold", "200")
	v.SetDefault("spans.httplog.enabled", true)
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.latency_threshold", 500*time.Millisecond)
	v.SetDefault("profiling.duration", 10*time.Second)
	v.SetDefault("profiling.cooldown", time.Minute)
	v.SetDefault("profiling.dir", os.TempDir())
	v.SetDefault("exporter", "intake")
	v.SetDefault("log_level", "info")
	v.SetDefault("n_plus_one_threshold", 0)
	return v
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Spans.QueryLog.Enabled = parseQueryLogMode(v.GetString("spans.querylog.enabled"))
	threshold, err := parseThreshold(v.GetString("spans.querylog.threshold"))
	if err != nil {
		return nil, err
	}
	cfg.Spans.QueryLog.Threshold = threshold
	cfg.Transactions.Naming = cfg.Transactions.resolveNaming()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Sampling < 0 || c.Sampling > 100 {
		return fmt.Errorf("sampling must be within 0-100, got %d", c.Sampling)
	}
	if c.Spans.MaxTraceItems < 0 {
		return fmt.Errorf("spans.max_trace_items must not be negative, got %d", c.Spans.MaxTraceItems)
	}
	switch c.Server.APIVersion {
	case "v1", "v2":
	default:
		return fmt.Errorf("unsupported server.api_version %q", c.Server.APIVersion)
	}
	switch c.Exporter {
	case "intake", "otlp-http", "otlp-grpc", "stdout", "memory":
	default:
		return fmt.Errorf("unsupported exporter %q", c.Exporter)
	}
	switch c.Transactions.Naming {
	case NamingRawURI, NamingRouteURI, NamingNormalized:
	default:
		return fmt.Errorf("unsupported transactions.naming %q", c.Transactions.Naming)
	}
	return nil
}

func (t TransactionsConfig) resolveNaming() NamingMode {
	if t.Naming != "" {
		return t.Naming
	}
	switch {
	case t.UseRouteURI && t.NormalizeURI:
		return NamingNormalized
	case t.UseRouteURI:
		return NamingRouteURI
	default:
		return NamingRawURI
	}
}

// parseQueryLogMode maps "auto" to QueryLogAuto, falsy strings to QueryLogOff
// and anything else to QueryLogAlways.
func parseQueryLogMode(s string) QueryLogMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return QueryLogAuto
	case "false", "0", "off", "no", "":
		return QueryLogOff
	default:
		return QueryLogAlways
	}
}

// parseThreshold accepts a duration ("250ms") or bare milliseconds ("200").
func parseThreshold(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("spans.querylog.threshold: %w", err)
	}
	return d, nil
}

// DefaultVendorRoots returns the directories holding code that is not the
// application's own: the Go toolchain sources and the module cache.
func DefaultVendorRoots() []string {
	var roots []string
	if build.Default.GOROOT != "" {
		roots = append(roots, filepath.Join(build.Default.GOROOT, "src"))
	}
	if modcache := os.Getenv("GOMODCACHE"); modcache != "" {
		roots = append(roots, modcache)
	} else if build.Default.GOPATH != "" {
		gopath := filepath.SplitList(build.Default.GOPATH)[0]
		roots = append(roots, filepath.Join(gopath, "pkg", "mod"))
	}
	return roots
}
