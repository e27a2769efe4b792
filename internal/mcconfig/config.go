// Package mcconfig provides YAML configuration parsing and validation for
// an mccore-embedding application: which application identity to publish,
// which transport to listen on, and how the DAQ/DTO pipeline is sized.
package mcconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var validLogLevels = map[LogLevel]struct{}{
	LogLevelDebug: {}, LogLevelInfo: {}, LogLevelWarn: {}, LogLevelError: {},
}

type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var validLogFormats = map[LogFormat]struct{}{
	LogFormatJSON: {}, LogFormatText: {},
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// TransportProtocol is the XCP-on-Ethernet socket kind.
type TransportProtocol string

const (
	TransportTCP TransportProtocol = "TCP"
	TransportUDP TransportProtocol = "UDP"
)

var validTransportProtocols = map[TransportProtocol]struct{}{
	TransportTCP: {}, TransportUDP: {},
}

// TransportConfig describes the socket the core listens on for XCP
// connections from a calibration tool.
type TransportConfig struct {
	// Protocol is "TCP" or "UDP". Defaults to "TCP". cmd/mcserver listens
	// on TCP for either value.
	Protocol TransportProtocol `yaml:"protocol"`
	// Addr is the bind address, e.g. "0.0.0.0" or "". Defaults to "0.0.0.0".
	Addr string `yaml:"addr"`
	// Port is the listen port. Defaults to 5555.
	Port uint16 `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Application identity
// ---------------------------------------------------------------------------

// AppConfig describes the identity the registry publishes via GET_ID and
// CONNECT.
type AppConfig struct {
	// Name is the short application name (GET_ID kind 0/1).
	Name string `yaml:"name"`
	// Description is a free-text description, for operator-facing output
	// only (not sent over the wire).
	Description string `yaml:"description"`
	// EPK is the software-version/consistency string. Ignored when AutoEPK
	// is true.
	EPK string `yaml:"epk"`
	// AutoEPK marks the EPK as not maintained by hand, so EPK may be
	// empty. It is passed to registry.New; no EPK string is derived from it.
	AutoEPK bool `yaml:"auto_epk"`
	// SegmentBase is the first wire index assigned to calibration
	// segments; indices below it are reserved (spec §4.1).
	SegmentBase uint16 `yaml:"segment_base"`
}

// ---------------------------------------------------------------------------
// DAQ sizing
// ---------------------------------------------------------------------------

// DaqConfig bounds the DAQ/DTO pipeline (spec §4.4/§4.5).
type DaqConfig struct {
	// MaxDTO is the maximum total DTO frame size in bytes, header
	// included. Defaults to 255 (fits a one-byte XCP length field).
	MaxDTO uint16 `yaml:"max_dto"`
	// MaxDAQ is the maximum number of DAQ lists ALLOC_DAQ may allocate.
	// Defaults to 8.
	MaxDAQ uint16 `yaml:"max_daq"`
	// MaxEvent is the maximum number of distinct events the DAQ
	// configuration accepts (passed to daq.NewConfig). Defaults to 64.
	MaxEvent uint16 `yaml:"max_event"`
	// HeaderSize is the per-DTO header size in bytes reserved from MaxDTO
	// for the raw timestamp / PID. Defaults to 4.
	HeaderSize uint16 `yaml:"header_size"`
	// RingDepth is the DTO ring's slot count, rounded up to the next
	// power of two. Defaults to 1024.
	RingDepth int `yaml:"ring_depth"`
	// FlushInterval is parsed and defaulted but not read by the server: the
	// DAQ flush loop in package xcp uses a fixed 1ms interval. Defaults to
	// 1ms.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ---------------------------------------------------------------------------
// Root
// ---------------------------------------------------------------------------

// Config is the root configuration for an mccore-embedding application.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Transport TransportConfig `yaml:"transport"`
	Daq       DaqConfig       `yaml:"daq"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// applyDefaults fills in omitted fields with production-sane values. It
// runs before Validate so validation can assume defaults are present.
func applyDefaults(cfg *Config) {
	if cfg.Transport.Protocol == "" {
		cfg.Transport.Protocol = TransportTCP
	}
	if cfg.Transport.Addr == "" {
		cfg.Transport.Addr = "0.0.0.0"
	}
	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = 5555
	}

	if cfg.App.SegmentBase == 0 {
		cfg.App.SegmentBase = 1
	}

	if cfg.Daq.MaxDTO == 0 {
		cfg.Daq.MaxDTO = 255
	}
	if cfg.Daq.MaxDAQ == 0 {
		cfg.Daq.MaxDAQ = 8
	}
	if cfg.Daq.MaxEvent == 0 {
		cfg.Daq.MaxEvent = 64
	}
	if cfg.Daq.HeaderSize == 0 {
		cfg.Daq.HeaderSize = 4
	}
	if cfg.Daq.RingDepth == 0 {
		cfg.Daq.RingDepth = 1024
	}
	if cfg.Daq.FlushInterval == 0 {
		cfg.Daq.FlushInterval = 1 * time.Millisecond
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatJSON
	}
}

// ParseFile reads, applies defaults to, and validates the YAML config at
// path.
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcconfig: reading config file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults, and validates the resulting
// configuration, accumulating every validation failure rather than
// stopping at the first.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("mcconfig: parsing YAML: %w", err)
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("mcconfig: invalid configuration: %w", errors.Join(errs...))
	}
	return &cfg, nil
}

// Validate checks cfg for internal consistency, returning every violation
// found rather than only the first.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.App.Name == "" {
		errs = append(errs, fmt.Errorf("app.name must not be empty"))
	}
	if !cfg.App.AutoEPK && cfg.App.EPK == "" {
		errs = append(errs, fmt.Errorf("app.epk must be set when app.auto_epk is false"))
	}

	if _, ok := validTransportProtocols[cfg.Transport.Protocol]; !ok {
		errs = append(errs, fmt.Errorf("transport.protocol %q must be one of TCP, UDP", cfg.Transport.Protocol))
	}
	if cfg.Transport.Port == 0 {
		errs = append(errs, fmt.Errorf("transport.port must be nonzero"))
	}

	if cfg.Daq.HeaderSize >= cfg.Daq.MaxDTO {
		errs = append(errs, fmt.Errorf("daq.header_size (%d) must be less than daq.max_dto (%d)", cfg.Daq.HeaderSize, cfg.Daq.MaxDTO))
	}
	if cfg.Daq.RingDepth < 0 {
		errs = append(errs, fmt.Errorf("daq.ring_depth must not be negative"))
	}

	if _, ok := validLogLevels[cfg.Logging.Level]; !ok {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of debug, info, warn, error", cfg.Logging.Level))
	}
	if _, ok := validLogFormats[cfg.Logging.Format]; !ok {
		errs = append(errs, fmt.Errorf("logging.format %q must be one of json, text", cfg.Logging.Format))
	}

	return errs
}
