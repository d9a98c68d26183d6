package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sitrep service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug bool `mapstructure:"debug"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	RateLimitRPS float64  `mapstructure:"rate_limit_rps"`
	BodyLimit    string   `mapstructure:"body_limit"`
}

// Address returns the listen address derived from Port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf(":%d", s.Port)
}

// Normalize applies defaults for unset server values.
func (s ServerConfig) Normalize() ServerConfig {
	if s.Port <= 0 {
		s.Port = 8787
	}
	if len(s.AllowOrigins) == 0 {
		s.AllowOrigins = []string{"*"}
	}
	if s.RateLimitRPS <= 0 {
		s.RateLimitRPS = 20
	}
	if strings.TrimSpace(s.BodyLimit) == "" {
		s.BodyLimit = "2M"
	}
	return s
}

func (s ServerConfig) Validate() error {
	if s.Port > 65535 {
		return fmt.Errorf("server.port must be <= 65535")
	}
	return nil
}

// ProvidersConfig groups the external search and reasoning vendors.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Serper SerperConfig `mapstructure:"serper"`
}

// OpenAIConfig contains reasoning provider settings and model routing.
type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	ReasoningModel  string        `mapstructure:"reasoning_model"`
	FallbackModel   string        `mapstructure:"fallback_model"`
	PrefilterModel  string        `mapstructure:"prefilter_model"`
	LiveModel       string        `mapstructure:"live_model"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	// Timeout bounds each model attempt.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Normalize applies model defaults.
func (o OpenAIConfig) Normalize() OpenAIConfig {
	o.APIKey = strings.TrimSpace(o.APIKey)
	if strings.TrimSpace(o.ReasoningModel) == "" {
		o.ReasoningModel = "gpt-4o"
	}
	if strings.TrimSpace(o.FallbackModel) == "" {
		o.FallbackModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(o.PrefilterModel) == "" {
		o.PrefilterModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(o.LiveModel) == "" {
		o.LiveModel = "o1"
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}

// SerperConfig contains news search provider settings.
type SerperConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Endpoint    string        `mapstructure:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffUnit time.Duration `mapstructure:"backoff_unit"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
}

// Normalize applies search defaults.
func (s SerperConfig) Normalize() SerperConfig {
	s.APIKey = strings.TrimSpace(s.APIKey)
	if strings.TrimSpace(s.Endpoint) == "" {
		s.Endpoint = "https://google.serper.dev/news"
	}
	if s.Timeout <= 0 {
		s.Timeout = 20 * time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BackoffUnit <= 0 {
		s.BackoffUnit = time.Second
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = 5
	}
	return s
}

// IngestConfig controls the background ingestion stream.
type IngestConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Cron         string        `mapstructure:"cron"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
	MaxNodes     int           `mapstructure:"max_nodes"`
	Regions      []string      `mapstructure:"regions"`
}

// Normalize applies ingestion defaults.
func (i IngestConfig) Normalize() IngestConfig {
	if i.PollInterval <= 0 {
		i.PollInterval = 5 * time.Minute
	}
	if i.CycleTimeout <= 0 {
		i.CycleTimeout = 2 * time.Minute
	}
	if i.MaxNodes <= 0 {
		i.MaxNodes = 20
	}
	i.Cron = strings.TrimSpace(i.Cron)
	return i
}

func (i IngestConfig) Validate() error {
	if i.PollInterval < time.Second {
		return fmt.Errorf("ingest.poll_interval must be at least 1s")
	}
	if i.MaxNodes < 10 || i.MaxNodes > 20 {
		return fmt.Errorf("ingest.max_nodes must be within [10,20]")
	}
	return nil
}

// TimeoutsConfig bounds the best-effort aggregation paths of the live feed.
type TimeoutsConfig struct {
	LiveAggregation time.Duration `mapstructure:"live_aggregation"`
	LiveFallback    time.Duration `mapstructure:"live_fallback"`
	LiveParse       time.Duration `mapstructure:"live_parse"`
}

// Normalize applies timeout defaults.
func (t TimeoutsConfig) Normalize() TimeoutsConfig {
	if t.LiveAggregation <= 0 {
		t.LiveAggregation = 6 * time.Second
	}
	if t.LiveFallback <= 0 {
		t.LiveFallback = 4 * time.Second
	}
	if t.LiveParse <= 0 {
		t.LiveParse = 8 * time.Second
	}
	return t
}

// RedisConfig contains Redis connection settings. An empty host disables
// the distributed cycle lock.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	LockKey  string        `mapstructure:"lock_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Normalize applies lock defaults.
func (r RedisConfig) Normalize() RedisConfig {
	if r.Enabled() && strings.TrimSpace(r.Port) == "" {
		r.Port = "6379"
	}
	if r.LockTTL <= 0 {
		r.LockTTL = 5 * time.Minute
	}
	if strings.TrimSpace(r.LockKey) == "" {
		r.LockKey = "sitrep:ingest:lock"
	}
	if r.Timeout <= 0 {
		r.Timeout = 3 * time.Second
	}
	return r
}

func (r RedisConfig) Validate() error {
	if r.DB < 0 {
		return fmt.Errorf("redis.db cannot be negative")
	}
	return nil
}

// TelemetryConfig contains monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8787)
	v.SetDefault("ingest.enabled", true)
	v.SetDefault("ingest.poll_interval", "5m")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("providers.openai.reasoning_model", "gpt-4o")
	v.SetDefault("providers.openai.fallback_model", "gpt-4o-mini")
	v.SetDefault("providers.openai.prefilter_model", "gpt-4o-mini")
	v.SetDefault("providers.openai.live_model", "o1")
	// Unmarshal only sees keys viper already knows about, so env-only
	// settings need a registered zero default.
	zero := map[string]any{
		"general.debug":                     false,
		"server.rate_limit_rps":             0.0,
		"server.body_limit":                 "",
		"providers.openai.api_key":          "",
		"providers.openai.base_url":         "",
		"providers.openai.breaker_failures": 0,
		"providers.openai.timeout":          "0s",
		"providers.serper.api_key":          "",
		"providers.serper.endpoint":         "",
		"providers.serper.timeout":          "0s",
		"providers.serper.max_attempts":     0,
		"providers.serper.backoff_unit":     "0s",
		"providers.serper.rate_per_sec":     0.0,
		"ingest.cron":                       "",
		"ingest.cycle_timeout":              "0s",
		"ingest.max_nodes":                  0,
		"timeouts.live_aggregation":         "0s",
		"timeouts.live_fallback":            "0s",
		"timeouts.live_parse":               "0s",
		"redis.host":                        "",
		"redis.port":                        "",
		"redis.password":                    "",
		"redis.db":                          0,
		"redis.lock_ttl":                    "0s",
		"redis.lock_key":                    "",
		"redis.timeout":                     "0s",
	}
	for key, val := range zero {
		v.SetDefault(key, val)
	}
}

// bindLegacyEnv maps the unprefixed variable names deployments already use.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("providers.serper.api_key", "SITREP_PROVIDERS_SERPER_API_KEY", "SERPER_API_KEY")
	_ = v.BindEnv("providers.openai.api_key", "SITREP_PROVIDERS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("server.port", "SITREP_SERVER_PORT", "INTEL_SERVER_PORT")
	_ = v.BindEnv("providers.openai.reasoning_model", "SITREP_PROVIDERS_OPENAI_REASONING_MODEL", "OPENAI_REASONING_MODEL")
	_ = v.BindEnv("providers.openai.fallback_model", "SITREP_PROVIDERS_OPENAI_FALLBACK_MODEL", "OPENAI_REASONING_FALLBACK")
	_ = v.BindEnv("providers.openai.prefilter_model", "SITREP_PROVIDERS_OPENAI_PREFILTER_MODEL", "OPENAI_PREFILTER_MODEL")
	_ = v.BindEnv("providers.openai.live_model", "SITREP_PROVIDERS_OPENAI_LIVE_MODEL", "OPENAI_LIVE_MODEL")
	_ = v.BindEnv("ingest.poll_interval", "SITREP_INGEST_POLL_INTERVAL", "INTEL_POLL_INTERVAL", "INTEL_POLL_INTERVAL_MS")
}

// millisecondKeys accept a bare integer as milliseconds next to the usual
// duration strings ("90s", "5m").
var millisecondKeys = []string{"ingest.poll_interval", "ingest.cycle_timeout"}

func coerceMilliseconds(v *viper.Viper) error {
	for _, key := range millisecondKeys {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" || strings.IndexFunc(raw, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		v.Set(key, time.Duration(ms)*time.Millisecond)
	}
	return nil
}

// Load reads configuration from path (or the default search locations when
// empty) and the environment. A missing config file is not an error; every
// setting has a default or an env binding.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SITREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := coerceMilliseconds(v); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Server = cfg.Server.Normalize()
	cfg.Providers.OpenAI = cfg.Providers.OpenAI.Normalize()
	cfg.Providers.Serper = cfg.Providers.Serper.Normalize()
	cfg.Ingest = cfg.Ingest.Normalize()
	cfg.Timeouts = cfg.Timeouts.Normalize()
	cfg.Redis = cfg.Redis.Normalize()

	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Ingest.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Redis.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config and panics on error.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
