package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// PIPELINOOR_SERVER_LISTEN overrides server.listen.
	EnvPrefix = "PIPELINOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8000"

	// DefaultWindowMinutes is the default metrics window (24h).
	DefaultWindowMinutes = 1440

	// DefaultRefreshSchedule is how often the current summary is pushed to
	// subscribers even without new runs.
	DefaultRefreshSchedule = "@every 1m"

	// DefaultSMTPPort is the submission port used with STARTTLS.
	DefaultSMTPPort = 587

	// DefaultSQLitePath is the database file used when nothing else is set.
	DefaultSQLitePath = "pipelinoor.db"

	redacted = "<redacted>"
)

// defaultFrontendOrigins are always allowed when CORS runs in strict mode.
var defaultFrontendOrigins = []string{
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// legacyEnv maps config keys to the plain environment variables used by
// existing deployments. Prefixed variables take precedence.
var legacyEnv = map[string][]string{
	"database.url":                   {"DATABASE_URL"},
	"metrics.default_window_minutes": {"METRICS_DEFAULT_WINDOW"},
	"alerts.smtp.host":               {"SMTP_HOST"},
	"alerts.smtp.port":               {"SMTP_PORT"},
	"alerts.smtp.username":           {"SMTP_USER"},
	"alerts.smtp.password":           {"SMTP_PASS"},
	"alerts.smtp.to":                 {"ALERT_TO"},
	"server.cors_allow_all":          {"CORS_ALLOW_ALL"},
	"server.cors_origins":            {"FRONTEND_ORIGINS", "FRONTEND_ORIGIN"},
}

// Config is the root configuration for pipelinoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Alerts   AlertsConfig   `yaml:"alerts" mapstructure:"alerts"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// Load builds the configuration from defaults, an optional YAML file at
// path, and environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.normalize()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_allow_all", true)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 120)

	v.SetDefault("database.url", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "cicd")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("metrics.default_window_minutes", DefaultWindowMinutes)
	v.SetDefault("metrics.refresh_schedule", DefaultRefreshSchedule)

	v.SetDefault("alerts.smtp.host", "")
	v.SetDefault("alerts.smtp.port", DefaultSMTPPort)
	v.SetDefault("alerts.smtp.username", "")
	v.SetDefault("alerts.smtp.password", "")
	v.SetDefault("alerts.smtp.from", "")
	v.SetDefault("alerts.smtp.to", "")
}

// normalize trims list values and applies derived defaults.
func (c *Config) normalize() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	origins := make([]string, 0, len(c.Server.CORSOrigins))

	for _, o := range c.Server.CORSOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}

	c.Server.CORSOrigins = origins
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf(
			"server.rate_limit.requests_per_minute must be positive, got %d",
			c.Server.RateLimit.RequestsPerMinute,
		)
	}

	if _, _, err := c.Database.Resolve(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Metrics.DefaultWindowMinutes <= 0 {
		return fmt.Errorf(
			"metrics.default_window_minutes must be positive, got %d",
			c.Metrics.DefaultWindowMinutes,
		)
	}

	if c.Metrics.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Metrics.RefreshSchedule); err != nil {
			return fmt.Errorf("metrics.refresh_schedule: %w", err)
		}
	}

	if c.Alerts.SMTP.Port < 0 {
		return fmt.Errorf("alerts.smtp.port must not be negative")
	}

	return nil
}

// AllowedOrigins returns the CORS allow-list used in strict mode: the
// configured origins plus the local frontend defaults, deduplicated.
func (c *ServerConfig) AllowedOrigins() []string {
	seen := make(map[string]struct{}, len(c.CORSOrigins)+len(defaultFrontendOrigins))
	out := make([]string, 0, len(seen))

	for _, list := range [][]string{c.CORSOrigins, defaultFrontendOrigins} {
		for _, o := range list {
			if _, ok := seen[o]; ok {
				continue
			}

			seen[o] = struct{}{}
			out = append(out, o)
		}
	}

	sort.Strings(out)

	return out
}

// Resolve returns the gorm driver name and DSN for the configured database.
func (c *DatabaseConfig) Resolve() (string, string, error) {
	if c.URL != "" {
		return resolveURL(c.URL)
	}

	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return "", "", fmt.Errorf("sqlite.path is required")
		}

		return "sqlite", c.SQLite.Path, nil
	case "postgres":
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Postgres.Host,
			c.Postgres.Port,
			c.Postgres.User,
			c.Postgres.Password,
			c.Postgres.Database,
			c.Postgres.SSLMode,
		), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
}

// resolveURL maps a database URL onto a driver. A "+driver" suffix on the
// scheme (postgresql+psycopg2://...) is dropped.
func resolveURL(raw string) (string, string, error) {
	if strings.HasPrefix(raw, "file:") {
		return "sqlite", raw, nil
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "", "", fmt.Errorf("database url %q has no scheme", raw)
	}

	base, _, _ := strings.Cut(strings.ToLower(scheme), "+")

	switch base {
	case "postgres", "postgresql":
		if _, err := url.Parse(base + "://" + rest); err != nil {
			return "", "", fmt.Errorf("parsing database url: %w", err)
		}

		return "postgres", base + "://" + rest, nil
	case "sqlite", "sqlite3":
		if rest == "" {
			return "", "", fmt.Errorf("sqlite url %q has no path", raw)
		}

		return "sqlite", rest, nil
	default:
		return "", "", fmt.Errorf("unsupported database url scheme %q", scheme)
	}
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)

	if out.Alerts.SMTP.Password != "" {
		out.Alerts.SMTP.Password = redacted
	}

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = redacted
	}

	if out.Database.URL != "" {
		if u, err := url.Parse(out.Database.URL); err == nil && u.User != nil {
			if _, has := u.User.Password(); has {
				u.User = url.UserPassword(u.User.Username(), "xxxxx")
				out.Database.URL = u.String()
			}
		}
	}

	return out
}
