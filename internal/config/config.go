// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	OTP      OTPConfig      `mapstructure:"otp" yaml:"otp"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// OTPRateLimit is the sustained number of OTP requests per second accepted
	// across all callers. Zero disables limiting.
	OTPRateLimit float64 `mapstructure:"otp_rate_limit" yaml:"otp_rate_limit"`
	OTPRateBurst int     `mapstructure:"otp_rate_burst" yaml:"otp_rate_burst"`
	// MaxConnections caps concurrently accepted connections. Zero means no cap.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
}

// BrowserConfig holds settings for the shared headless browser process.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	DisableGPU    bool          `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir   string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	Persona       PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// PersonaConfig shapes how each tab presents itself to the target page.
// The user agent comes from BrowserConfig.UserAgent.
type PersonaConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// SelectorConfig names the DOM locations on the target page. All selectors are CSS.
type SelectorConfig struct {
	PhoneInput    string `mapstructure:"phone_input" yaml:"phone_input"`
	RequestButton string `mapstructure:"request_button" yaml:"request_button"`
	CodeDisplay   string `mapstructure:"code_display" yaml:"code_display"`
	CodeInput     string `mapstructure:"code_input" yaml:"code_input"`
	VerifyButton  string `mapstructure:"verify_button" yaml:"verify_button"`
	// VerifiedFlag matches an element that only exists once the page accepted the code.
	VerifiedFlag string `mapstructure:"verified_flag" yaml:"verified_flag"`
}

// OTPConfig describes the target page and the timing of the OTP exchange.
type OTPConfig struct {
	TargetURL         string         `mapstructure:"target_url" yaml:"target_url"`
	CodeLength        int            `mapstructure:"code_length" yaml:"code_length"`
	TTL               time.Duration  `mapstructure:"ttl" yaml:"ttl"`
	PageLoadTimeout   time.Duration  `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
	CodeWaitTimeout   time.Duration  `mapstructure:"code_wait_timeout" yaml:"code_wait_timeout"`
	VerifySettleDelay time.Duration  `mapstructure:"verify_settle_delay" yaml:"verify_settle_delay"`
	PollInterval      time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
	Selectors         SelectorConfig `mapstructure:"selectors" yaml:"selectors"`
}

// SessionConfig controls session lifetimes and the background sweep.
type SessionConfig struct {
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DatabaseConfig holds the audit database connection details. An empty URL disables auditing.
type DatabaseConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Load unmarshals the viper state into a Config and expands home-relative paths.
// It does not validate; callers that need a runnable server call Validate.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	paths := []*string{&c.Logger.LogFile, &c.Browser.ExecPath, &c.Browser.UserDataDir}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "otpgate")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.otp_rate_limit", 5.0)
	v.SetDefault("server.otp_rate_burst", 10)
	v.SetDefault("server.max_connections", 0)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.persona.enabled", false)
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.languages", []string{"en-US", "en"})
	v.SetDefault("browser.persona.timezone", "")
	v.SetDefault("browser.persona.locale", "")

	// -- OTP --
	v.SetDefault("otp.target_url", "")
	v.SetDefault("otp.code_length", 6)
	v.SetDefault("otp.ttl", "5m")
	v.SetDefault("otp.page_load_timeout", "30s")
	v.SetDefault("otp.code_wait_timeout", "20s")
	v.SetDefault("otp.verify_settle_delay", "2s")
	v.SetDefault("otp.poll_interval", "250ms")
	v.SetDefault("otp.selectors.phone_input", "#phone")
	v.SetDefault("otp.selectors.request_button", "#send-otp")
	v.SetDefault("otp.selectors.code_display", "#otp-display")
	v.SetDefault("otp.selectors.code_input", "#otp-input")
	v.SetDefault("otp.selectors.verify_button", "#verify-otp")
	v.SetDefault("otp.selectors.verified_flag", `[data-verified="true"]`)

	// -- Session --
	v.SetDefault("session.max_age", "30m")
	v.SetDefault("session.sweep_interval", "1m")

	// -- Database --
	v.SetDefault("database.url", "")
	v.SetDefault("database.batch_size", 50)
	v.SetDefault("database.flush_interval", "2s")
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if err := c.OTP.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Session.MaxAge > 0 && c.OTP.TTL > 0 && c.Session.MaxAge < c.OTP.TTL {
		errs = append(errs, fmt.Errorf("session.max_age (%s) must not be shorter than otp.ttl (%s)", c.Session.MaxAge, c.OTP.TTL))
	}
	if c.Browser.LaunchTimeout <= 0 {
		errs = append(errs, errors.New("browser.launch_timeout must be a positive duration"))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Server.OTPRateLimit < 0 {
		errs = append(errs, errors.New("server.otp_rate_limit must not be negative"))
	}
	if c.Server.OTPRateLimit > 0 && c.Server.OTPRateBurst < 1 {
		errs = append(errs, errors.New("server.otp_rate_burst must be at least 1 when rate limiting is enabled"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Database.URL != "" && c.Database.BatchSize < 1 {
		errs = append(errs, errors.New("database.batch_size must be a positive integer"))
	}
	return errors.Join(errs...)
}

// Validate checks the target page, timings, and selectors.
func (o OTPConfig) Validate() error {
	if o.TargetURL == "" {
		return errors.New("otp.target_url is required")
	}
	u, err := url.Parse(o.TargetURL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("otp.target_url must be an absolute URL, got %q", o.TargetURL)
	}
	if o.CodeLength < 1 {
		return errors.New("otp.code_length must be a positive integer")
	}
	durations := map[string]time.Duration{
		"otp.ttl":               o.TTL,
		"otp.page_load_timeout": o.PageLoadTimeout,
		"otp.code_wait_timeout": o.CodeWaitTimeout,
		"otp.poll_interval":     o.PollInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if o.VerifySettleDelay < 0 {
		return errors.New("otp.verify_settle_delay must not be negative")
	}
	var missing []string
	for name, sel := range map[string]string{
		"phone_input":    o.Selectors.PhoneInput,
		"request_button": o.Selectors.RequestButton,
		"code_display":   o.Selectors.CodeDisplay,
		"code_input":     o.Selectors.CodeInput,
		"verify_button":  o.Selectors.VerifyButton,
		"verified_flag":  o.Selectors.VerifiedFlag,
	} {
		if strings.TrimSpace(sel) == "" {
			missing = append(missing, "otp.selectors."+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("selectors must not be empty: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks the session lifetimes.
func (s SessionConfig) Validate() error {
	if s.MaxAge <= 0 {
		return errors.New("session.max_age must be a positive duration")
	}
	if s.SweepInterval <= 0 {
		return errors.New("session.sweep_interval must be a positive duration")
	}
	return nil
}
