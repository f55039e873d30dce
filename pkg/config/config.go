package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/foundation/pkg/telemetry"
	"github.com/openfroyo/foundation/pkg/transports/ssh"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "/etc/foundation/config.toml"

// Config is the foundation configuration file.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Persist PersistConfig `toml:"persist"`
	Journal JournalConfig `toml:"journal"`
	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`
	Runner  RunnerConfig  `toml:"runner"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `toml:"format" validate:"oneof=console json"`
	Output string `toml:"output" validate:"required"`
}

// PersistConfig locates the control-side persistence store.
type PersistConfig struct {
	Root string `toml:"root" validate:"required"`
}

// JournalConfig configures the invocation journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path" validate:"required_if=Enabled true"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace" validate:"required_if=Enabled true"`
	Textfile  string `toml:"textfile"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `toml:"enabled"`
	Exporter     string            `toml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string            `toml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64           `toml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool              `toml:"insecure"`
	Headers      map[string]string `toml:"headers"`
}

// RunnerConfig configures how the CLI starts the stdio runner.
type RunnerConfig struct {
	Path       string    `toml:"path"`
	RemotePath string    `toml:"remote_path"`
	Sudo       bool      `toml:"sudo"`
	TTL        string    `toml:"ttl" validate:"omitempty,duration"`
	SSH        SSHConfig `toml:"ssh"`
}

// SSHConfig moves the runner to a remote host. An empty Host runs it
// locally.
type SSHConfig struct {
	Host         string `toml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port         int    `toml:"port" validate:"omitempty,gt=0,lte=65535"`
	User         string `toml:"user" validate:"required_with=Host"`
	Auth         string `toml:"auth" validate:"omitempty,oneof=key agent password"`
	IdentityFile string `toml:"identity_file"`
	Password     string `toml:"password"`
	KnownHosts   string `toml:"known_hosts"`
	Insecure     bool   `toml:"insecure"`
	Timeout      string `toml:"timeout" validate:"omitempty,duration"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Persist: PersistConfig{
			Root: "/var/lib/foundation/persist",
		},
		Journal: JournalConfig{
			Path: "/var/lib/foundation/journal.db",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "foundation",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Runner: RunnerConfig{
			TTL: "10m",
		},
	}
}

// Load reads path over the defaults. An empty path loads DefaultPath when it
// exists and the defaults otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		path = DefaultPath
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Runner.SSH.Host != "" && c.Runner.Path == "" {
		return errors.New("runner.path is required with runner.ssh.host")
	}
	return nil
}

// SSHTransport maps the [runner.ssh] section onto a transport
// configuration, or nil when the runner runs locally.
func (c *Config) SSHTransport() *ssh.Config {
	sc := c.Runner.SSH
	if sc.Host == "" {
		return nil
	}
	cfg := ssh.DefaultConfig(sc.Host, sc.User)
	if sc.Port != 0 {
		cfg.Port = sc.Port
	}
	if sc.Auth != "" {
		cfg.AuthMethod = ssh.AuthMethod(sc.Auth)
	}
	cfg.PrivateKeyPath = sc.IdentityFile
	cfg.Password = sc.Password
	if sc.KnownHosts != "" {
		cfg.KnownHostsPath = sc.KnownHosts
	}
	cfg.StrictHostKeyChecking = !sc.Insecure
	if d, err := time.ParseDuration(sc.Timeout); err == nil && d > 0 {
		cfg.ConnectionTimeout = d
	}
	return cfg
}

// RunnerTTL returns the parsed runner TTL, or zero when unset.
func (c *Config) RunnerTTL() time.Duration {
	d, err := time.ParseDuration(c.Runner.TTL)
	if err != nil {
		return 0
	}
	return d
}

// Telemetry maps the file onto a telemetry configuration.
func (c *Config) Telemetry(serviceName, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = serviceName
	tc.ServiceVersion = version

	tc.Logging.Level = c.Log.Level
	tc.Logging.Format = c.Log.Format
	tc.Logging.Output = c.Log.Output

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.Namespace = c.Metrics.Namespace
	tc.Metrics.TextfilePath = c.Metrics.Textfile

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	if len(c.Tracing.Headers) > 0 {
		tc.Tracing.Headers = c.Tracing.Headers
	}
	return tc
}
