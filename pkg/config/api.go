package config

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen       string          `yaml:"listen" mapstructure:"listen"`
	CORSAllowAll bool            `yaml:"cors_allow_all" mapstructure:"cors_allow_all"`
	CORSOrigins  []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting of the write endpoints.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings. When URL is set it
// takes precedence over Driver and the per-driver sections.
type DatabaseConfig struct {
	URL      string               `yaml:"url,omitempty" mapstructure:"url"`
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// MetricsConfig controls summary aggregation.
type MetricsConfig struct {
	DefaultWindowMinutes int    `yaml:"default_window_minutes" mapstructure:"default_window_minutes"`
	RefreshSchedule      string `yaml:"refresh_schedule" mapstructure:"refresh_schedule"`
}

// AlertsConfig controls failure notifications.
type AlertsConfig struct {
	SMTP SMTPConfig `yaml:"smtp" mapstructure:"smtp"`
}

// SMTPConfig contains the mail relay used for failure alerts. Alerts are
// disabled unless host, port, username, password and to are all set.
type SMTPConfig struct {
	Host     string `yaml:"host,omitempty" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	From     string `yaml:"from,omitempty" mapstructure:"from"`
	To       string `yaml:"to,omitempty" mapstructure:"to"`
}

// Configured reports whether every required SMTP setting is present.
func (c *SMTPConfig) Configured() bool {
	return c.Host != "" && c.Port > 0 && c.Username != "" &&
		c.Password != "" && c.To != ""
}

// Sender returns the From address, falling back to the username.
func (c *SMTPConfig) Sender() string {
	if c.From != "" {
		return c.From
	}

	return c.Username
}
