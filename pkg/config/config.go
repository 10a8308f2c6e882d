// Server configuration resolved from flags, ORDERTRACE_* environment variables
// and an optional config file, in that order of precedence
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/andrewh/ordertrace/pkg/telemetry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ORDERTRACE_STORE.
const EnvPrefix = "ORDERTRACE"

// Flag and config keys.
const (
	KeyAddr            = "addr"
	KeyStore           = "store"
	KeyCatalog         = "catalog"
	KeySeed            = "seed"
	KeyWorkers         = "workers"
	KeyQueueSize       = "queue-size"
	KeyCacheSize       = "cache-size"
	KeySpanBuffer      = "span-buffer"
	KeyInventoryURL    = "inventory-url"
	KeyNotificationURL = "notification-url"
	KeyInvokeTimeout   = "invoke-timeout"
	KeyEndpoint        = "endpoint"
	KeyProtocol        = "protocol"
	KeySignals         = "signals"
	KeyStdout          = "stdout"
	KeySlowThreshold   = "slow-threshold"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyPyroscope       = "pyroscope"
	KeyShutdownTimeout = "shutdown-timeout"
)

// Serve configures the ordertrace server.
type Serve struct {
	Addr    string
	Store   string
	Catalog string
	// Seed fixes the fault simulator's random source; zero seeds from the clock.
	Seed uint64

	Workers    int
	QueueSize  int
	CacheSize  int64
	SpanBuffer int

	InventoryURL    string
	NotificationURL string
	InvokeTimeout   time.Duration

	Endpoint      string
	Protocol      string
	Signals       string
	Stdout        bool
	SlowThreshold time.Duration

	LogLevel  string
	LogFormat string
	Pyroscope string

	ShutdownTimeout time.Duration
}

// AddFlags registers the serve flags with their defaults.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(KeyAddr, ":8080", "HTTP listen address")
	fs.String(KeyStore, "memory", "order store: memory, sqlite://<path> or postgres://<dsn>")
	fs.String(KeyCatalog, "", "catalog and fault policy YAML (default: built-in catalog)")
	fs.Uint64(KeySeed, 0, "fault simulator seed (0 = random)")
	fs.Int(KeyWorkers, 4, "async invocation workers")
	fs.Int(KeyQueueSize, 256, "async invocation queue size")
	fs.Int64(KeyCacheSize, 10000, "orders cached for point lookups (0 disables)")
	fs.Int(KeySpanBuffer, 1000, "recent spans kept for /debug/spans")
	fs.String(KeyInventoryURL, "", "invoke inventory on a remote ordertrace process at this base URL")
	fs.String(KeyNotificationURL, "", "invoke notification on a remote ordertrace process at this base URL")
	fs.Duration(KeyInvokeTimeout, 5*time.Second, "timeout for remote function invocations")
	fs.String(KeyEndpoint, "", "OTLP endpoint (e.g. localhost:4318)")
	fs.String(KeyProtocol, "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	fs.String(KeySignals, "traces", "comma-separated signals to export: traces,metrics,logs")
	fs.Bool(KeyStdout, false, "export signals to stdout as JSON")
	fs.Duration(KeySlowThreshold, time.Second, "duration threshold for slow span log emission")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn, error")
	fs.String(KeyLogFormat, "json", "log format: json or text")
	fs.String(KeyPyroscope, "", "push continuous profiles to this Pyroscope server URL")
	fs.Duration(KeyShutdownTimeout, 10*time.Second, "grace period for in-flight requests and queued invocations")
}

// NewViper layers environment variables and an optional config file under the
// flags in fs.
func NewViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// InitFromViper populates s from v.
func (s *Serve) InitFromViper(v *viper.Viper) {
	s.Addr = v.GetString(KeyAddr)
	s.Store = v.GetString(KeyStore)
	s.Catalog = v.GetString(KeyCatalog)
	s.Seed = v.GetUint64(KeySeed)
	s.Workers = v.GetInt(KeyWorkers)
	s.QueueSize = v.GetInt(KeyQueueSize)
	s.CacheSize = v.GetInt64(KeyCacheSize)
	s.SpanBuffer = v.GetInt(KeySpanBuffer)
	s.InventoryURL = v.GetString(KeyInventoryURL)
	s.NotificationURL = v.GetString(KeyNotificationURL)
	s.InvokeTimeout = v.GetDuration(KeyInvokeTimeout)
	s.Endpoint = v.GetString(KeyEndpoint)
	s.Protocol = v.GetString(KeyProtocol)
	s.Signals = v.GetString(KeySignals)
	s.Stdout = v.GetBool(KeyStdout)
	s.SlowThreshold = v.GetDuration(KeySlowThreshold)
	s.LogLevel = v.GetString(KeyLogLevel)
	s.LogFormat = v.GetString(KeyLogFormat)
	s.Pyroscope = v.GetString(KeyPyroscope)
	s.ShutdownTimeout = v.GetDuration(KeyShutdownTimeout)
}

// Load resolves a Serve from fs, the environment and configFile.
func Load(fs *pflag.FlagSet, configFile string) (Serve, error) {
	v, err := NewViper(fs, configFile)
	if err != nil {
		return Serve{}, err
	}
	var s Serve
	s.InitFromViper(v)
	return s, s.Validate()
}

// Validate reports every invalid setting at once.
func (s Serve) Validate() error {
	var errs []error
	if s.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", s.Workers))
	}
	if s.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue-size must not be negative, got %d", s.QueueSize))
	}
	if s.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache-size must not be negative, got %d", s.CacheSize))
	}
	if s.SlowThreshold < 0 {
		errs = append(errs, fmt.Errorf("slow-threshold must not be negative, got %s", s.SlowThreshold))
	}
	if s.InvokeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invoke-timeout must be positive, got %s", s.InvokeTimeout))
	}
	if err := telemetry.ValidateProtocol(s.Protocol); err != nil {
		errs = append(errs, err)
	}
	if _, err := telemetry.ParseSignals(s.Signals); err != nil {
		errs = append(errs, err)
	}
	for key, raw := range map[string]string{
		KeyInventoryURL:    s.InventoryURL,
		KeyNotificationURL: s.NotificationURL,
		KeyPyroscope:       s.Pyroscope,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", key, raw))
		}
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if s.LogFormat != "json" && s.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log-format must be json or text, got %q", s.LogFormat))
	}
	return errors.Join(errs...)
}
