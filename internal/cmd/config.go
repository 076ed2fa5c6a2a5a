package cmd

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/proxymon/proxymon/internal/metrics"
	"github.com/proxymon/proxymon/internal/pmnet"
	"github.com/proxymon/proxymon/internal/proxy"
	"github.com/proxymon/proxymon/internal/storage"
	"github.com/proxymon/proxymon/internal/websvc"
	"gopkg.in/yaml.v3"
)

// currentSchemaVersion is the schema version of the configuration file that
// this build works with.
const currentSchemaVersion = 1

// config is the top-level on-disk configuration structure.
type config struct {
	Proxy         *proxyConfig   `yaml:"proxy"`
	API           *apiConfig     `yaml:"api"`
	Storage       *storageConfig `yaml:"storage"`
	DNS           *dnsConfig     `yaml:"dns"`
	Metrics       *metricsConfig `yaml:"metrics"`
	Log           *logConfig     `yaml:"log"`
	OS            *osConfig      `yaml:"os"`
	BlocklistFile string         `yaml:"blocklist_file"`
	SchemaVersion int            `yaml:"schema_version"`
}

const errNoConf errors.Error = "configuration not found"

// validate returns an error if the configuration structure is invalid.
func (c *config) validate() (err error) {
	if c == nil {
		return errNoConf
	}

	if c.SchemaVersion > currentSchemaVersion || c.SchemaVersion < 0 {
		return fmt.Errorf("unsupported schema_version %d", c.SchemaVersion)
	}

	// Keep this in the same order as the fields in the config.
	validators := []struct {
		validate func() (err error)
		name     string
	}{{
		validate: c.Proxy.validate,
		name:     "proxy",
	}, {
		validate: c.API.validate,
		name:     "api",
	}, {
		validate: c.Storage.validate,
		name:     "storage",
	}, {
		validate: c.DNS.validate,
		name:     "dns",
	}, {
		validate: c.Metrics.validate,
		name:     "metrics",
	}, {
		validate: c.Log.validate,
		name:     "log",
	}, {
		validate: c.OS.validate,
		name:     "os",
	}}

	for _, v := range validators {
		err = v.validate()
		if err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}

	return nil
}

// proxyConfig is the on-disk data-plane configuration.
type proxyConfig struct {
	// Port is the port the forwarding listener binds.
	Port uint16 `yaml:"port"`
}

// validate returns an error if the data-plane configuration structure is
// invalid.
func (c *proxyConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.Port == 0:
		return newErrNotPositive("port", int(c.Port))
	default:
		return nil
	}
}

// apiConfig is the on-disk management API configuration.
type apiConfig struct {
	// Addr is the address the management API binds.
	Addr netip.AddrPort `yaml:"addr"`

	// Timeout is the read and write timeout of the management API.
	Timeout timeutil.Duration `yaml:"timeout"`
}

// validate returns an error if the management API configuration structure is
// invalid.
func (c *apiConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case !c.Addr.IsValid():
		return fmt.Errorf("addr: %w", errors.ErrEmptyValue)
	case c.Timeout <= 0:
		return newErrNotPositive("timeout", c.Timeout)
	default:
		return nil
	}
}

// storageConfig is the on-disk store configuration.
type storageConfig struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// MaxRequests caps the connection record retention.
	MaxRequests int `yaml:"max_requests"`
}

// validate returns an error if the store configuration structure is invalid.
func (c *storageConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.Path == "":
		return fmt.Errorf("path: %w", errors.ErrEmptyValue)
	case c.MaxRequests <= 0:
		return newErrNotPositive("max_requests", c.MaxRequests)
	default:
		return nil
	}
}

// dnsConfig is the on-disk resolver configuration.
type dnsConfig struct {
	// UpstreamServers are the upstream DNS servers of the internal resolver.
	// When empty, the system configuration is used.
	UpstreamServers []string `yaml:"upstream_servers"`

	// UpstreamTimeout is the timeout for one exchange with one upstream.
	UpstreamTimeout timeutil.Duration `yaml:"upstream_timeout"`
}

// validate returns an error if the resolver configuration structure is
// invalid.
func (c *dnsConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.UpstreamTimeout <= 0:
		return newErrNotPositive("upstream_timeout", c.UpstreamTimeout)
	default:
		return nil
	}
}

// metricsConfig is the on-disk scrape server configuration.
type metricsConfig struct {
	// Addr is the address the scrape server binds when enabled.
	Addr netip.AddrPort `yaml:"addr"`

	// Enabled turns serving the collected metrics on.
	Enabled bool `yaml:"enabled"`
}

// validate returns an error if the scrape server configuration structure is
// invalid.
func (c *metricsConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.Enabled && !c.Addr.IsValid():
		return fmt.Errorf("addr: %w", errors.ErrEmptyValue)
	default:
		return nil
	}
}

// Default log rotation parameters.
const (
	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 3
)

// logConfig is the on-disk logging configuration.
type logConfig struct {
	// File is the path of the log file.  When empty, logs go to the standard
	// output.
	File string `yaml:"file"`

	// MaxSize is the size in megabytes at which the log file is rotated.
	// Zero means the rotator's default.
	MaxSize int `yaml:"max_size"`

	// MaxBackups is the number of rotated files to retain.  Zero retains
	// all of them, subject to MaxAge.
	MaxBackups int `yaml:"max_backups"`

	// MaxAge is the number of days to retain rotated files.  Zero retains
	// them indefinitely.
	MaxAge int `yaml:"max_age"`

	// Compress enables gzip compression of rotated files.
	Compress bool `yaml:"compress"`

	// Verbose enables debug-level logging.  The command-line flag of the
	// same name also enables it.
	Verbose bool `yaml:"verbose"`
}

// validate returns an error if the logging configuration structure is
// invalid.
func (c *logConfig) validate() (err error) {
	switch {
	case c == nil:
		return errNoConf
	case c.MaxSize < 0:
		return newErrNegative("max_size", c.MaxSize)
	case c.MaxBackups < 0:
		return newErrNegative("max_backups", c.MaxBackups)
	case c.MaxAge < 0:
		return newErrNegative("max_age", c.MaxAge)
	default:
		return nil
	}
}

// osConfig is the on-disk operating-system tuning configuration.
type osConfig struct {
	// RlimitNoFile is the maximum number of open file descriptors.  Zero
	// leaves the system default in place.
	RlimitNoFile uint64 `yaml:"rlimit_nofile"`
}

// validate returns an error if the operating-system configuration structure
// is invalid.
func (c *osConfig) validate() (err error) {
	if c == nil {
		return errNoConf
	}

	return nil
}

// newErrNotPositive returns an error about the value that must be positive
// but isn't.  prop is the name of the property to mention in the error
// message.
func newErrNotPositive[T int | timeutil.Duration](prop string, v T) (err error) {
	return fmt.Errorf("%s: %w, got %v", prop, errors.ErrNotPositive, v)
}

// newErrNegative returns an error about the value that must not be negative
// but is.  prop is the name of the property to mention in the error message.
func newErrNegative(prop string, v int) (err error) {
	return fmt.Errorf("%s: %w, got %v", prop, errors.ErrOutOfRange, v)
}

// defaultConfig returns the configuration used when the file does not exist.
// The result allows a zero-configuration startup: the store lives under the
// working directory, the API binds a loopback port, and metrics stay off.
func defaultConfig() (conf *config) {
	return &config{
		Proxy: &proxyConfig{
			Port: proxy.DefaultListenPort,
		},
		API: &apiConfig{
			Addr:    netip.AddrPortFrom(netutil.IPv4Localhost(), websvc.DefaultBindPort),
			Timeout: timeutil.Duration(websvc.DefaultTimeout),
		},
		Storage: &storageConfig{
			Path:        "proxymon.db",
			MaxRequests: storage.DefaultMaxRequests,
		},
		DNS: &dnsConfig{
			UpstreamTimeout: timeutil.Duration(pmnet.DefaultDNSTimeout),
		},
		Metrics: &metricsConfig{
			Addr:    netip.AddrPortFrom(netutil.IPv4Localhost(), metrics.DefaultServerPort),
			Enabled: false,
		},
		Log: &logConfig{
			MaxSize:    defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
		},
		OS:            &osConfig{},
		SchemaVersion: currentSchemaVersion,
	}
}

// readConfig reads and decodes the configuration from the provided filename.
// A missing file is not an error: the defaults are returned instead.
func readConfig(fileName string) (conf *config, err error) {
	defer func() { err = errors.Annotate(err, "reading config: %w") }()

	// #nosec G304 -- Trust the file path that is given in the options.
	f, err := os.Open(fileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}

		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	conf = defaultConfig()
	err = yaml.NewDecoder(f).Decode(conf)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return conf, nil
}

// Environment variables that override the configuration file.
const (
	envProxyPort  = "PROXY_PORT"
	envDNSServers = "DNS_SERVERS"
	envDNSTimeout = "DNS_TIMEOUT"
)

// overlayEnv applies the environment overrides to conf.
func (c *config) overlayEnv() (err error) {
	if s, ok := os.LookupEnv(envProxyPort); ok {
		port, perr := strconv.ParseUint(s, 10, 16)
		if perr != nil {
			return fmt.Errorf("env %s: %w", envProxyPort, perr)
		}

		c.Proxy.Port = uint16(port)
	}

	if s, ok := os.LookupEnv(envDNSServers); ok {
		var servers []string
		for _, srv := range strings.Split(s, ",") {
			if srv = strings.TrimSpace(srv); srv != "" {
				servers = append(servers, srv)
			}
		}

		c.DNS.UpstreamServers = servers
	}

	if s, ok := os.LookupEnv(envDNSTimeout); ok {
		secs, perr := strconv.ParseUint(s, 10, 32)
		if perr != nil {
			return fmt.Errorf("env %s: %w", envDNSTimeout, perr)
		}

		c.DNS.UpstreamTimeout = timeutil.Duration(time.Duration(secs) * time.Second)
	}

	return nil
}

// overlayOpts applies the command-line overrides to conf.
func (c *config) overlayOpts(opts *options) {
	if opts.port != 0 {
		c.Proxy.Port = uint16(opts.port)
	}
}

// loadConfig reads the configuration file and applies the environment and
// command-line overrides, in that order.
func loadConfig(opts *options) (conf *config, err error) {
	conf, err = readConfig(opts.confFile)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	err = conf.overlayEnv()
	if err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	conf.overlayOpts(opts)

	err = conf.validate()
	if err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return conf, nil
}
