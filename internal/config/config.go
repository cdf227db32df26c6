package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrNoContactPoints is the fatal startup error for an empty contact point
// list.
var ErrNoContactPoints = errors.New("config: at least one contact point is required")

// Config is the full runtime configuration, resolved with precedence
// flags > environment > credential file > defaults, except that a port,
// timeout or certificate material in the credential file replaces the
// flag value (see applyCredentials).
type Config struct {
	ContactPoints []string
	Port          int
	StoragePort   int

	Username        string
	Password        string
	CredentialsFile string

	SSL         bool
	CertFile    string
	KeyFile     string
	CAFile      string
	SSLValidate bool

	SocketTimeoutMS int

	ProbeNativePort  bool
	ProbeStoragePort bool
	ProbePing        bool
	AllProbes        bool

	TestCQL         string
	Consistency     string
	Tracing         bool
	QueryTimeoutSec int

	IntervalSec   int
	CronExpr      string
	DurationMin   int
	DurationSet   bool
	MaxRuns       int
	AllowOverlap  bool
	MaxConcurrent int

	OutputFormat string
	OutputFile   string

	LogDir        string
	LogLevel      string
	Verbose       bool
	Quiet         bool
	ConnectionLog string

	EventRingSize int
	MetricsPort   int
	Resilient     bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 9042)
	v.SetDefault("storage-port", 7000)
	v.SetDefault("socket-timeout", 5000)
	v.SetDefault("consistency", "ONE")
	v.SetDefault("query-timeout", 10)
	v.SetDefault("output-format", "console")
	v.SetDefault("log-level", "info")
	v.SetDefault("event-ring-size", 1000)
	v.SetDefault("ssl-validate", true)
}

// BindFlags declares the CLI surface and binds it into viper so flags win
// over environment variables.
func BindFlags(flags *pflag.FlagSet) {
	flags.StringP("contact-points", "c", "", "Comma-separated host[:port] contact points")
	flags.Int("port", 9042, "Native protocol port used when a contact point has none")
	flags.Int("storage-port", 7000, "Inter-node storage port probed by the storage probe")

	flags.StringP("username", "u", "", "Authentication username")
	flags.StringP("password", "p", "", "Authentication password")
	flags.String("credentials", "", "Path to an INI credential file")

	flags.Bool("ssl", false, "Enable TLS for the driver connection")
	flags.String("ssl-cert", "", "Client certificate path")
	flags.String("ssl-key", "", "Client key path")
	flags.String("ssl-ca", "", "CA certificate path")
	flags.Bool("ssl-validate", true, "Verify the server certificate")

	flags.Int("socket-timeout", 5000, "Socket timeout in milliseconds")

	flags.Bool("native-port-probe", false, "Enable the native protocol handshake probe")
	flags.Bool("storage-port-probe", false, "Enable the storage port probe")
	flags.Bool("ping-probe", false, "Enable the ICMP ping probe")
	flags.Bool("all-probes", false, "Enable every probe type")

	flags.String("test-cql", "", "CQL statement executed by the query probe")
	flags.String("consistency", "ONE", "Consistency level for the query probe")
	flags.Bool("tracing", false, "Enable query tracing")
	flags.Int("query-timeout", 10, "Query timeout in seconds")

	flags.IntP("interval", "i", 0, "Seconds between probe runs (0 = single run unless cron is set)")
	flags.String("cron", "", "Cron expression scheduling probe runs")
	flags.Int("duration", 0, "Total run duration cap in minutes")
	flags.Int("max-runs", 0, "Stop after this many probe runs")
	flags.Bool("concurrent-runs", false, "Allow a new run while the previous is still in flight")
	flags.Int("max-concurrent-probes", 0, "Cap on in-flight probes per run (0 = hosts x probes)")

	flags.StringP("output-format", "o", "console", "Output format: console, json or csv")
	flags.String("output-file", "", "Write results to this file instead of stdout")

	flags.String("log-dir", "", "Directory for log files (empty = stderr)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.BoolP("verbose", "v", false, "Shorthand for --log-level debug")
	flags.BoolP("quiet", "q", false, "Suppress all non-result output")
	flags.String("connection-log", "", "Write reconnection events to this file")

	flags.Int("event-ring-size", 1000, "Capacity of the reconnection event ring")
	flags.Int("metrics-port", 0, "Port for the metrics/health endpoint (0 = disabled)")
	flags.Bool("resilient", false, "Route the query probe through the resilient client")

	_ = viper.BindPFlags(flags)
}

func bindEnv() {
	_ = viper.BindEnv("contact-points", "CASSANDRA_CONTACT_POINTS")
	_ = viper.BindEnv("username", "CASSANDRA_USERNAME")
	_ = viper.BindEnv("password", "CASSANDRA_PASSWORD")
	_ = viper.BindEnv("log-dir", "CASSPROBE_LOG_DIR")
}

// Load resolves the configuration and validates it. Invalid combinations
// are fatal at startup. The flag set distinguishes an explicitly set zero
// duration cap from no cap at all.
func Load(flags *pflag.FlagSet) (*Config, error) {
	setDefaults(viper.GetViper())
	bindEnv()

	cfg := &Config{
		ContactPoints:    splitContactPoints(viper.GetString("contact-points")),
		Port:             viper.GetInt("port"),
		StoragePort:      viper.GetInt("storage-port"),
		Username:         viper.GetString("username"),
		Password:         viper.GetString("password"),
		CredentialsFile:  viper.GetString("credentials"),
		SSL:              viper.GetBool("ssl"),
		CertFile:         viper.GetString("ssl-cert"),
		KeyFile:          viper.GetString("ssl-key"),
		CAFile:           viper.GetString("ssl-ca"),
		SSLValidate:      viper.GetBool("ssl-validate"),
		SocketTimeoutMS:  viper.GetInt("socket-timeout"),
		ProbeNativePort:  viper.GetBool("native-port-probe"),
		ProbeStoragePort: viper.GetBool("storage-port-probe"),
		ProbePing:        viper.GetBool("ping-probe"),
		AllProbes:        viper.GetBool("all-probes"),
		TestCQL:          viper.GetString("test-cql"),
		Consistency:      viper.GetString("consistency"),
		Tracing:          viper.GetBool("tracing"),
		QueryTimeoutSec:  viper.GetInt("query-timeout"),
		IntervalSec:      viper.GetInt("interval"),
		CronExpr:         viper.GetString("cron"),
		DurationMin:      viper.GetInt("duration"),
		DurationSet:      flags != nil && flags.Changed("duration"),
		MaxRuns:          viper.GetInt("max-runs"),
		AllowOverlap:     viper.GetBool("concurrent-runs"),
		MaxConcurrent:    viper.GetInt("max-concurrent-probes"),
		OutputFormat:     viper.GetString("output-format"),
		OutputFile:       viper.GetString("output-file"),
		LogDir:           viper.GetString("log-dir"),
		LogLevel:         viper.GetString("log-level"),
		Verbose:          viper.GetBool("verbose"),
		Quiet:            viper.GetBool("quiet"),
		ConnectionLog:    viper.GetString("connection-log"),
		EventRingSize:    viper.GetInt("event-ring-size"),
		MetricsPort:      viper.GetInt("metrics-port"),
		Resilient:        viper.GetBool("resilient"),
	}

	if cfg.CredentialsFile != "" {
		creds, err := LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		cfg.applyCredentials(creds)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyCredentials fills username, password, contact point and certificate
// paths the CLI and environment left blank. A port or timeout set in the
// file replaces the configured value, and certificate material in the
// file turns SSL on and sets SSLValidate from the file, whatever the
// flags said.
func (c *Config) applyCredentials(creds *Credentials) {
	if c.Username == "" {
		c.Username = creds.Username
	}
	if c.Password == "" {
		c.Password = creds.Password
	}
	if len(c.ContactPoints) == 0 && creds.Hostname != "" {
		c.ContactPoints = []string{creds.Hostname}
	}
	if creds.Port > 0 {
		c.Port = creds.Port
	}
	if creds.TimeoutSec > 0 {
		c.SocketTimeoutMS = creds.TimeoutSec * 1000
	}
	if c.CertFile == "" {
		c.CertFile = creds.CertFile
	}
	if c.KeyFile == "" {
		c.KeyFile = creds.KeyFile
	}
	if c.CAFile == "" {
		c.CAFile = creds.CAFile
	}
	if creds.CertFile != "" || creds.CAFile != "" {
		c.SSL = true
		c.SSLValidate = creds.Validate
	}
}

// Validate checks for fatal configuration errors.
func (c *Config) Validate() error {
	if len(c.ContactPoints) == 0 {
		return ErrNoContactPoints
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid native port %d", c.Port)
	}
	if c.StoragePort <= 0 || c.StoragePort > 65535 {
		return fmt.Errorf("config: invalid storage port %d", c.StoragePort)
	}
	if c.SocketTimeoutMS <= 0 {
		return fmt.Errorf("config: socket timeout must be positive, got %dms", c.SocketTimeoutMS)
	}
	if c.QueryTimeoutSec <= 0 {
		return fmt.Errorf("config: query timeout must be positive, got %ds", c.QueryTimeoutSec)
	}
	switch c.OutputFormat {
	case "console", "json", "csv":
	default:
		return fmt.Errorf("config: unknown output format %q", c.OutputFormat)
	}
	if c.Verbose && c.Quiet {
		return fmt.Errorf("config: --verbose and --quiet are mutually exclusive")
	}
	if c.CredentialsFile != "" {
		if _, err := os.Stat(c.CredentialsFile); err != nil {
			return fmt.Errorf("config: credential file: %w", err)
		}
	}
	return nil
}

// SocketTimeout returns the socket timeout as a duration.
func (c *Config) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}

// QueryTimeout returns the query timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSec) * time.Second
}

// Interval returns the schedule interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// MaxDuration returns the run duration cap as a duration.
func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.DurationMin) * time.Minute
}

func splitContactPoints(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var points []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			points = append(points, p)
		}
	}
	return points
}
