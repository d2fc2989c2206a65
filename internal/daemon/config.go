// Package daemon implements the EPG control-plane daemon: configuration,
// the reactor observer with its dispatcher, peer sessions, the health
// sampler and the license gate.
package daemon

import (
	"fmt"
	"net"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ProjectName is the service identity: license binding, the project field
// of the full statistics payload and the docker host-name convention.
const ProjectName = "fastocloud_epg"

// DefaultClientPort is the daemon control-socket port.
const DefaultClientPort = 6317

// DefaultConfigPath is where the service config lives.
const DefaultConfigPath = "/etc/fastocloud_epg.conf"

const (
	defaultLogPath   = "/dev/null"
	defaultLogLevel  = "INFO"
	defaultEpgInDir  = "/var/lib/fastocloud_epg/epg_in"
	defaultEpgOutDir = "/var/lib/fastocloud_epg/epg_out"
)

// Config keys recognized in the line-oriented key=value config file.
// Unknown keys are ignored.
const (
	logPathField    = "log_path"
	logLevelField   = "log_level"
	hostField       = "host"
	epgInDirField   = "epg_in_directory"
	epgOutDirField  = "epg_out_directory"
	licenseKeyField = "license_key"
	httpHostField   = "http_host"
)

// Config holds the daemon configuration. Immutable after load.
type Config struct {
	Host       string
	LogPath    string
	LogLevel   string
	EpgInDir   string
	EpgOutDir  string
	LicenseKey string

	// HTTPHost enables the observability HTTP server when non-empty.
	HTTPHost string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Host:      fmt.Sprintf("127.0.0.1:%d", DefaultClientPort),
		LogPath:   defaultLogPath,
		LogLevel:  defaultLogLevel,
		EpgInDir:  defaultEpgInDir,
		EpgOutDir: defaultEpgOutDir,
	}
}

// IsValid reports whether the listen address parses.
func (c Config) IsValid() bool {
	host, port, err := net.SplitHostPort(c.Host)
	return err == nil && host != "" && port != ""
}

// ConnectHost is the address a companion process dials to reach the
// daemon. A host literal equal to the project name (docker convention)
// maps to loopback on the same port.
func (c Config) ConnectHost() string {
	host, port, err := net.SplitHostPort(c.Host)
	if err != nil {
		return c.Host
	}
	if host == ProjectName {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return c.Host
}

// LoadConfig reads a line-oriented key=value config file. license_key is
// required; everything else falls back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), dotenv.Parser()); err != nil {
		return cfg, fmt.Errorf("daemon: read config %s: %w", path, err)
	}

	if !k.Exists(licenseKeyField) || k.String(licenseKeyField) == "" {
		return cfg, fmt.Errorf("daemon: %s field in config required", licenseKeyField)
	}
	cfg.LicenseKey = k.String(licenseKeyField)

	if v := k.String(logPathField); v != "" {
		cfg.LogPath = v
	}
	if v := k.String(logLevelField); v != "" {
		cfg.LogLevel = v
	}
	if v := k.String(hostField); v != "" {
		cfg.Host = v
	}
	if v := k.String(epgInDirField); v != "" {
		cfg.EpgInDir = v
	}
	if v := k.String(epgOutDirField); v != "" {
		cfg.EpgOutDir = v
	}
	cfg.HTTPHost = k.String(httpHostField)

	if !cfg.IsValid() {
		cfg.Host = DefaultConfig().Host
	}
	return cfg, nil
}
