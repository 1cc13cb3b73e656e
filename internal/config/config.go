package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"backstop/internal/match"
)

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultPrefix            = "backstop"
	defaultHTTPListen        = ":9292"
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultMaxBody           = 8 << 20
	defaultRelayProtocol     = ProtocolGraphite
	defaultRelayTimeout      = 5 * time.Second
	defaultRelayRetry        = 3 * time.Second
	defaultRelayBatchN       = 500
	defaultRelayBatchA       = time.Second
	defaultNATSSubject       = "backstop.metrics"
	defaultNATSReconnectWait = 2 * time.Second
	defaultNATSMaxReconnects = -1
	defaultGRPCListen        = "127.0.0.1:9393"
	defaultSelfInterval      = 60 * time.Second
	defaultTelemetryInterval = 15 * time.Second
	defaultTelemetryService  = "backstop"
	defaultPprofListen       = "127.0.0.1:6060"
)

// Relay wire protocols.
const (
	ProtocolGraphite = "graphite"
	ProtocolStatsD   = "statsd"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root gateway configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Global    GlobalConfig    `toml:"global"`
	Log       LogConfig       `toml:"log"`
	Pprof     PprofConfig     `toml:"pprof"`
	HTTP      HTTPConfig      `toml:"http"`
	Auth      AuthConfig      `toml:"auth"`
	Publish   PublishConfig   `toml:"publish"`
	Relay     []RelayConfig   `toml:"relay"`
	NATS      NATSConfig      `toml:"nats"`
	GRPC      GRPCConfig      `toml:"grpc"`
	Self      SelfConfig      `toml:"self"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// GlobalConfig identifies this gateway instance in self metrics.
type GlobalConfig struct {
	Host   string `toml:"host"`
	Prefix string `toml:"prefix"`
}

// LogConfig groups logger sink configs.
// Params: console and file sink settings.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one log sink.
// Params: enabled flag, level, format and optional file path.
// Returns: sink runtime options.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// PprofConfig controls the optional profiling endpoint.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// HTTPConfig configures the webhook listener.
// RateLimit is requests per second across all producers; zero disables limiting.
type HTTPConfig struct {
	Listen            string   `toml:"listen"`
	ReadHeaderTimeout Duration `toml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	MaxBody           int64    `toml:"max_body"`
	RateLimit         float64  `toml:"rate_limit"`
	Burst             int      `toml:"burst"`
}

// AuthConfig enables HTTP basic authentication for producer routes.
// Users are "name:password" pairs.
type AuthConfig struct {
	Enabled bool     `toml:"enabled"`
	Users   []string `toml:"users"`
}

// Credentials splits configured users into a name to password map.
// Params: none.
// Returns: credentials map; entries without a colon are skipped (rejected by validation).
func (a AuthConfig) Credentials() map[string]string {
	out := make(map[string]string, len(a.Users))
	for _, entry := range a.Users {
		name, password, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = password
	}
	return out
}

// PublishConfig holds the allow-list of tags accepted on /publish/{name}.
// Entries may contain '*' wildcards.
type PublishConfig struct {
	Prefixes []string `toml:"prefixes"`
}

// RelayConfig describes one downstream Graphite or StatsD endpoint.
// Params: failover address list, protocol, timeouts, batching, spool and drop patterns.
// Returns: relay runtime options.
type RelayConfig struct {
	Name          string           `toml:"name"`
	Addr          []string         `toml:"addr"`
	Protocol      string           `toml:"protocol"`
	Timeout       Duration         `toml:"timeout"`
	RetryInterval Duration         `toml:"retry_interval"`
	Batch         RelayBatchConfig `toml:"batch"`
	Queue         RelayQueueConfig `toml:"queue"`
	Drop          []string         `toml:"drop"`
}

// RelayBatchConfig bounds one in-memory batch by size and age.
type RelayBatchConfig struct {
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
}

// RelayQueueConfig configures the on-disk spool used while a relay is unreachable.
type RelayQueueConfig struct {
	Enabled    bool     `toml:"enabled"`
	Dir        string   `toml:"dir"`
	MaxBatches uint64   `toml:"max_batches"`
	MaxAge     Duration `toml:"max_age"`
}

// NATSConfig enables publishing every event as a Graphite line on a NATS subject.
type NATSConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           string   `toml:"url"`
	Subject       string   `toml:"subject"`
	ReconnectWait Duration `toml:"reconnect_wait"`
	MaxReconnects int      `toml:"max_reconnects"`
}

// GRPCConfig enables the gRPC health service.
type GRPCConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// SelfConfig enables periodic process and host metrics about the gateway itself.
type SelfConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
}

// TelemetryConfig configures OpenTelemetry metric export over OTLP/HTTP.
type TelemetryConfig struct {
	Enabled     bool     `toml:"enabled"`
	Endpoint    string   `toml:"endpoint"`
	Insecure    bool     `toml:"insecure"`
	Interval    Duration `toml:"interval"`
	ServiceName string   `toml:"service_name"`
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory in name order.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Global.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Global.Host = host
	}
	if strings.TrimSpace(c.Global.Prefix) == "" {
		c.Global.Prefix = defaultPrefix
	}

	if strings.TrimSpace(c.HTTP.Listen) == "" {
		c.HTTP.Listen = defaultHTTPListen
	}
	if c.HTTP.ReadHeaderTimeout.Duration <= 0 {
		c.HTTP.ReadHeaderTimeout.Duration = defaultReadHeaderTimeout
	}
	if c.HTTP.ShutdownTimeout.Duration <= 0 {
		c.HTTP.ShutdownTimeout.Duration = defaultShutdownTimeout
	}
	if c.HTTP.MaxBody == 0 {
		c.HTTP.MaxBody = defaultMaxBody
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.Burst == 0 {
		c.HTTP.Burst = max(1, int(c.HTTP.RateLimit))
	}

	for i := range c.Relay {
		relay := &c.Relay[i]
		relay.Protocol = lowerOrDefault(relay.Protocol, defaultRelayProtocol)
		if relay.Timeout.Duration <= 0 {
			relay.Timeout.Duration = defaultRelayTimeout
		}
		if relay.RetryInterval.Duration <= 0 {
			relay.RetryInterval.Duration = defaultRelayRetry
		}
		if relay.Batch.MaxEvents == 0 {
			relay.Batch.MaxEvents = defaultRelayBatchN
		}
		if relay.Batch.MaxAge.Duration <= 0 {
			relay.Batch.MaxAge.Duration = defaultRelayBatchA
		}
	}

	if c.NATS.Enabled {
		if strings.TrimSpace(c.NATS.Subject) == "" {
			c.NATS.Subject = defaultNATSSubject
		}
		if c.NATS.ReconnectWait.Duration <= 0 {
			c.NATS.ReconnectWait.Duration = defaultNATSReconnectWait
		}
		if c.NATS.MaxReconnects == 0 {
			c.NATS.MaxReconnects = defaultNATSMaxReconnects
		}
	}

	if c.GRPC.Enabled && strings.TrimSpace(c.GRPC.Listen) == "" {
		c.GRPC.Listen = defaultGRPCListen
	}
	if c.Self.Interval.Duration <= 0 {
		c.Self.Interval.Duration = defaultSelfInterval
	}
	if c.Telemetry.Interval.Duration <= 0 {
		c.Telemetry.Interval.Duration = defaultTelemetryInterval
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = defaultTelemetryService
	}
	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}

	return nil
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error naming the offending TOML path.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Global.Host) == "" {
		return fmt.Errorf("global.host resolved to empty value")
	}
	if strings.Contains(c.Global.Prefix, " ") {
		return fmt.Errorf("global.prefix cannot contain spaces")
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateListen("pprof", c.Pprof.Enabled, c.Pprof.Listen); err != nil {
		return err
	}
	if err := validateListen("http", true, c.HTTP.Listen); err != nil {
		return err
	}
	if c.HTTP.MaxBody < 0 {
		return fmt.Errorf("http.max_body cannot be negative")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit cannot be negative")
	}
	if c.HTTP.Burst < 0 {
		return fmt.Errorf("http.burst cannot be negative")
	}

	if err := validateAuth("auth", c.Auth); err != nil {
		return err
	}
	if err := validatePatterns("publish.prefixes", c.Publish.Prefixes); err != nil {
		return err
	}

	names := make(map[string]int, len(c.Relay))
	for idx, relay := range c.Relay {
		path := fmt.Sprintf("relay[%d]", idx)
		if err := validateRelay(path, relay); err != nil {
			return err
		}
		name := strings.TrimSpace(relay.Name)
		if name == "" {
			continue
		}
		if prev, exists := names[name]; exists {
			return fmt.Errorf("%s.name %q duplicates relay[%d]", path, name, prev)
		}
		names[name] = idx
	}

	if c.NATS.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if err := validateListen("grpc", c.GRPC.Enabled, c.GRPC.Listen); err != nil {
		return err
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// validateRelay validates one [[relay]] section.
func validateRelay(path string, relay RelayConfig) error {
	if len(relay.Addr) == 0 {
		return fmt.Errorf("%s.addr must contain at least one host:port", path)
	}
	for addrIdx, addr := range relay.Addr {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%s.addr[%d] cannot be empty", path, addrIdx)
		}
		if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("%s.addr[%d] must be host:port: %w", path, addrIdx, err)
		}
	}

	switch relay.Protocol {
	case ProtocolGraphite, ProtocolStatsD:
	default:
		return fmt.Errorf("%s.protocol: unsupported value %q", path, relay.Protocol)
	}

	if relay.Timeout.Duration <= 0 {
		return fmt.Errorf("%s.timeout must be > 0", path)
	}
	if relay.RetryInterval.Duration <= 0 {
		return fmt.Errorf("%s.retry_interval must be > 0", path)
	}
	if relay.Queue.Enabled {
		if strings.TrimSpace(relay.Queue.Dir) == "" {
			return fmt.Errorf("%s.queue.dir is required when queue is enabled", path)
		}
		if relay.Queue.MaxBatches == 0 && relay.Queue.MaxAge.Duration <= 0 {
			return fmt.Errorf("%s.queue requires max_batches > 0 or max_age > 0", path)
		}
	}

	return validatePatterns(path+".drop", relay.Drop)
}

// validateAuth requires at least one well-formed user when auth is enabled.
func validateAuth(path string, auth AuthConfig) error {
	if !auth.Enabled {
		return nil
	}
	if len(auth.Users) == 0 {
		return fmt.Errorf("%s.users must not be empty when auth is enabled", path)
	}
	for idx, entry := range auth.Users {
		name, password, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(name) == "" || password == "" {
			return fmt.Errorf("%s.users[%d] must be \"name:password\"", path, idx)
		}
	}
	return nil
}

func validatePatterns(path string, patterns []string) error {
	if _, err := match.CompileSet(patterns); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// validateListen checks host:port for an enabled listener.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "panic", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
