// Package config loads netmend settings from file, environment, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects how confirmed-down interfaces are handled.
type Mode string

const (
	// ModeAuto remediates without operator confirmation.
	ModeAuto Mode = "auto"
	// ModeInteractive posts an actionable alert and waits for an operator.
	ModeInteractive Mode = "interactive"
)

// Settings is the fully resolved configuration passed into each component.
// It is constructed once at startup and treated as immutable afterwards.
type Settings struct {
	Server  ServerSettings  `mapstructure:"server"`
	Device  DeviceSettings  `mapstructure:"device"`
	Notify  NotifySettings  `mapstructure:"notify"`
	Action  ActionSettings  `mapstructure:"action"`
	Audit   AuditSettings   `mapstructure:"audit"`
	Mode    Mode            `mapstructure:"mode"`
	Logging LoggingSettings `mapstructure:"logging"`
}

// ServerSettings controls the HTTP boundary.
type ServerSettings struct {
	Addr           string  `mapstructure:"addr"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DeviceSettings holds device credentials and the per-operation timeouts.
// ConnectTimeout bounds the SSH dial, CommandTimeout bounds each command,
// and SettleDelay is the wait before re-checking state after a remediation.
type DeviceSettings struct {
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	SSHPort        int           `mapstructure:"ssh_port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// NotifySettings configures the chat notification target.
// Target is either a Slack incoming-webhook URL or an xoxb- bot token.
type NotifySettings struct {
	Target  string        `mapstructure:"target"`
	Channel string        `mapstructure:"channel"`
	Timeout time.Duration `mapstructure:"timeout"`
	// CallbackBaseURL is the public address the action callback endpoint is
	// reachable at (e.g. a tunnel URL). Buttons only work when the chat
	// service can reach this address.
	CallbackBaseURL string `mapstructure:"callback_base_url"`
}

// ActionSettings configures inbound action verification.
type ActionSettings struct {
	// VerifyToken is the shared secret checked on every inbound request.
	VerifyToken string `mapstructure:"verify_token"`
	// SigningSecret, when set, switches verification to the HMAC
	// request-signature scheme instead of the plain token.
	SigningSecret string `mapstructure:"signing_secret"`
}

// AuditSettings configures the attempt audit log.
type AuditSettings struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingSettings mirrors the logger construction inputs.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file (or the default search
// locations when path is empty), applies NETMEND_* environment overrides,
// and unmarshals into Settings.
func Load(path string) (*Settings, *viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.addr", "0.0.0.0:8484")
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)
	// Secrets default to empty so the keys are known to viper and can be
	// supplied through the environment alone.
	v.SetDefault("device.username", "")
	v.SetDefault("device.password", "")
	v.SetDefault("notify.target", "")
	v.SetDefault("notify.callback_base_url", "")
	v.SetDefault("action.verify_token", "")
	v.SetDefault("action.signing_secret", "")
	v.SetDefault("device.ssh_port", 22)
	v.SetDefault("device.connect_timeout", "10s")
	v.SetDefault("device.command_timeout", "15s")
	v.SetDefault("device.settle_delay", "5s")
	v.SetDefault("notify.channel", "#network-alerts")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("mode", "interactive")
	v.SetDefault("audit.path", "./data/netmend.db")
	v.SetDefault("audit.retention", "2160h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("netmend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/netmend")
	}

	v.SetEnvPrefix("NETMEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
		// No file in the search path: defaults + env only.
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	return &s, v, nil
}

// Validate checks the keys the daemon cannot run without.
func (s *Settings) Validate() error {
	var missing []string
	if s.Device.Username == "" {
		missing = append(missing, "device.username")
	}
	if s.Device.Password == "" {
		missing = append(missing, "device.password")
	}
	if s.Notify.Target == "" {
		missing = append(missing, "notify.target")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration keys: %s", strings.Join(missing, ", "))
	}

	switch s.Mode {
	case ModeAuto, ModeInteractive:
	default:
		return fmt.Errorf("invalid mode %q: must be %q or %q", s.Mode, ModeAuto, ModeInteractive)
	}

	if s.Device.ConnectTimeout <= 0 || s.Device.CommandTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}
	if s.Device.SettleDelay < 0 {
		return fmt.Errorf("device.settle_delay must not be negative")
	}

	if base := s.Notify.CallbackBaseURL; base != "" {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("notify.callback_base_url %q must be an absolute URL", base)
		}
	}
	return nil
}

// CallbackURL returns the full public address of the action callback
// endpoint, or empty when no base URL is configured.
func (s *Settings) CallbackURL() string {
	if s.Notify.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.Notify.CallbackBaseURL, "/") + "/slack/actions"
}
