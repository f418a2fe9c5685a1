// Package config loads the converter configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/eventcam"
	"github.com/banshee-data/eventcam.bridge/internal/eventcam/network"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/eventcam.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the converter configuration. Every field is optional; the Get*
// methods supply defaults for fields the file leaves out.
type Config struct {
	// Frame geometry
	Width  *int `json:"width,omitempty"`
	Height *int `json:"height,omitempty"`

	// Camera input
	Protocol       *string `json:"protocol,omitempty"` // "udp" or "tcp"
	CameraIP       *string `json:"camera_ip,omitempty"`
	CameraPort     *int    `json:"camera_port,omitempty"`
	RecvBufferSize *int    `json:"recv_buffer_size,omitempty"`
	UDPPacketSize  *int    `json:"udp_packet_size,omitempty"`
	ReadTimeout    *string `json:"read_timeout,omitempty"` // duration string like "2s"
	ReuseAddr      *bool   `json:"reuse_addr,omitempty"`

	// TCP frame header
	HasHeader    *bool `json:"has_header,omitempty"`
	HeaderSize   *int  `json:"header_size,omitempty"`
	MaxFrameSize *int  `json:"max_frame_size,omitempty"`

	// Bit unpacking
	MSBFirst      *bool `json:"msb_first,omitempty"`
	PositiveFirst *bool `json:"positive_first,omitempty"`
	RowMajor      *bool `json:"row_major,omitempty"`

	// Timing
	FrameIntervalMicros *int64 `json:"frame_interval_us,omitempty"`

	// Pipeline
	ReconnectDelay *string `json:"reconnect_delay,omitempty"`
	MaxReconnects  *int    `json:"max_reconnects,omitempty"`
	QueueDepth     *int    `json:"queue_depth,omitempty"`

	// Outputs
	OutputPort     *int    `json:"output_port,omitempty"`
	DBPath         *string `json:"db_path,omitempty"`
	StoreEvents    *bool   `json:"store_events,omitempty"`
	ForwardAddress *string `json:"forward_address,omitempty"`
	MonitorListen  *string `json:"monitor_listen,omitempty"`
	GRPCListen     *string `json:"grpc_listen,omitempty"`

	// Debug
	StatsInterval *int  `json:"stats_interval,omitempty"`
	Verbose       *bool `json:"verbose,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrInt64(v int64) *int64    { return &v }

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	var c Config
	c.Width = ptrInt(c.GetWidth())
	c.Height = ptrInt(c.GetHeight())
	c.Protocol = ptrString(c.GetProtocol())
	c.CameraIP = ptrString(c.GetCameraIP())
	c.CameraPort = ptrInt(c.GetCameraPort())
	c.RecvBufferSize = ptrInt(c.GetRecvBufferSize())
	c.UDPPacketSize = ptrInt(c.GetUDPPacketSize())
	c.ReadTimeout = ptrString("0s")
	c.ReuseAddr = ptrBool(c.GetReuseAddr())
	c.HasHeader = ptrBool(c.GetHasHeader())
	c.HeaderSize = ptrInt(c.GetHeaderSize())
	c.MaxFrameSize = ptrInt(c.GetMaxFrameSize())
	c.MSBFirst = ptrBool(c.GetMSBFirst())
	c.PositiveFirst = ptrBool(c.GetPositiveFirst())
	c.RowMajor = ptrBool(c.GetRowMajor())
	c.FrameIntervalMicros = ptrInt64(c.GetFrameIntervalMicros())
	c.ReconnectDelay = ptrString(c.GetReconnectDelay().String())
	c.MaxReconnects = ptrInt(c.GetMaxReconnects())
	c.QueueDepth = ptrInt(c.GetQueueDepth())
	c.OutputPort = ptrInt(c.GetOutputPort())
	c.DBPath = ptrString(c.GetDBPath())
	c.StoreEvents = ptrBool(c.GetStoreEvents())
	c.ForwardAddress = ptrString(c.GetForwardAddress())
	c.MonitorListen = ptrString(c.GetMonitorListen())
	c.GRPCListen = ptrString(c.GetGRPCListen())
	c.StatsInterval = ptrInt(c.GetStatsInterval())
	c.Verbose = ptrBool(c.GetVerbose())
	return &c
}

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension, be at most 1MB and contain only known fields. Omitted fields
// keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/eventcam/<pkg>/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Geometry(); err != nil {
		errs = append(errs, err)
	}
	if _, err := network.ParseProtocol(c.GetProtocol()); err != nil {
		errs = append(errs, err)
	}
	if p := c.GetCameraPort(); p < 1 || p > 65535 {
		errs = append(errs, fmt.Errorf("camera_port must be 1..65535, got %d", p))
	}
	if c.OutputPort != nil && (*c.OutputPort < 0 || *c.OutputPort > 65535) {
		errs = append(errs, fmt.Errorf("output_port must be 0..65535 (0 disables), got %d", *c.OutputPort))
	}
	if n := c.GetHeaderSize(); n < 1 || n > network.MaxHeaderSize {
		errs = append(errs, fmt.Errorf("header_size must be 1..%d, got %d", network.MaxHeaderSize, n))
	}
	if n := c.GetRecvBufferSize(); n <= 0 {
		errs = append(errs, fmt.Errorf("recv_buffer_size must be positive, got %d", n))
	}
	if n := c.GetUDPPacketSize(); n <= 0 || n > network.DefaultMaxPacketSize {
		errs = append(errs, fmt.Errorf("udp_packet_size must be 1..%d, got %d", network.DefaultMaxPacketSize, n))
	}
	if n := c.GetMaxFrameSize(); n <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must be positive, got %d", n))
	}
	if n := c.GetFrameIntervalMicros(); n <= 0 {
		errs = append(errs, fmt.Errorf("frame_interval_us must be positive, got %d", n))
	}
	if n := c.GetStatsInterval(); n < 0 {
		errs = append(errs, fmt.Errorf("stats_interval must be non-negative, got %d", n))
	}
	if n := c.GetQueueDepth(); n < 0 {
		errs = append(errs, fmt.Errorf("queue_depth must be non-negative, got %d", n))
	}

	for name, v := range map[string]*string{"read_timeout": c.ReadTimeout, "reconnect_delay": c.ReconnectDelay} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", name, *v, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %s", name, *v))
		}
	}

	if c.ForwardAddress != nil && *c.ForwardAddress != "" {
		if _, _, err := net.SplitHostPort(*c.ForwardAddress); err != nil {
			errs = append(errs, fmt.Errorf("invalid forward_address %q: %w", *c.ForwardAddress, err))
		}
	}
	if c.GRPCListen != nil && *c.GRPCListen != "" {
		if _, _, err := net.SplitHostPort(*c.GRPCListen); err != nil {
			errs = append(errs, fmt.Errorf("invalid grpc_listen %q: %w", *c.GRPCListen, err))
		}
	}

	return errors.Join(errs...)
}

// Geometry returns the validated frame geometry.
func (c *Config) Geometry() (eventcam.Geometry, error) {
	return eventcam.NewGeometry(c.GetWidth(), c.GetHeight())
}

// Layout returns the bit unpacking layout.
func (c *Config) Layout() eventcam.Layout {
	return eventcam.Layout{
		MSBFirst:      c.GetMSBFirst(),
		PositiveFirst: c.GetPositiveFirst(),
		RowMajor:      c.GetRowMajor(),
	}
}

// FrameInterval is the time between frame indices.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.GetFrameIntervalMicros()) * time.Microsecond
}

// CameraAddress joins camera_ip and camera_port.
func (c *Config) CameraAddress() string {
	return net.JoinHostPort(c.GetCameraIP(), fmt.Sprint(c.GetCameraPort()))
}

// OutputAddress is the publisher listen address, or "" when output_port is 0.
func (c *Config) OutputAddress() string {
	if c.GetOutputPort() == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.GetOutputPort())
}

// SourceConfig builds the frame source configuration. Sockets, stats and
// forwarders are left for the caller to fill in.
func (c *Config) SourceConfig() (network.SourceConfig, error) {
	proto, err := network.ParseProtocol(c.GetProtocol())
	if err != nil {
		return network.SourceConfig{}, err
	}
	geom, err := c.Geometry()
	if err != nil {
		return network.SourceConfig{}, err
	}
	return network.SourceConfig{
		Protocol: proto,
		Datagram: network.DatagramConfig{
			Address:       c.CameraAddress(),
			FrameSize:     geom.FrameSize(),
			MaxPacketSize: c.GetUDPPacketSize(),
			RcvBuf:        c.GetRecvBufferSize(),
			ReuseAddr:     c.GetReuseAddr(),
			ReadTimeout:   c.GetReadTimeout(),
		},
		Stream: network.StreamConfig{
			Address:      c.CameraAddress(),
			FrameSize:    geom.FrameSize(),
			HasHeader:    c.GetHasHeader(),
			HeaderSize:   c.GetHeaderSize(),
			MaxFrameSize: c.GetMaxFrameSize(),
			RcvBuf:       c.GetRecvBufferSize(),
			ReadTimeout:  c.GetReadTimeout(),
		},
	}, nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetWidth returns the width value or the default.
func (c *Config) GetWidth() int {
	if c.Width == nil {
		return 1280
	}
	return *c.Width
}

// GetHeight returns the height value or the default.
func (c *Config) GetHeight() int {
	if c.Height == nil {
		return 780
	}
	return *c.Height
}

// GetProtocol returns the lower-cased protocol or "udp".
func (c *Config) GetProtocol() string {
	if c.Protocol == nil || *c.Protocol == "" {
		return "udp"
	}
	return strings.ToLower(*c.Protocol)
}

// GetCameraIP returns the camera_ip value or the default.
func (c *Config) GetCameraIP() string {
	if c.CameraIP == nil {
		return "0.0.0.0"
	}
	return *c.CameraIP
}

// GetCameraPort returns the camera_port value or the default.
func (c *Config) GetCameraPort() int {
	if c.CameraPort == nil {
		return 5000
	}
	return *c.CameraPort
}

// GetRecvBufferSize returns the recv_buffer_size value or the default.
func (c *Config) GetRecvBufferSize() int {
	if c.RecvBufferSize == nil {
		return 50 * 1024 * 1024
	}
	return *c.RecvBufferSize
}

// GetUDPPacketSize returns the udp_packet_size value or the default.
func (c *Config) GetUDPPacketSize() int {
	if c.UDPPacketSize == nil {
		return network.DefaultMaxPacketSize
	}
	return *c.UDPPacketSize
}

// GetReadTimeout parses read_timeout. Zero blocks indefinitely.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 0)
}

// GetReuseAddr returns the reuse_addr value or the default.
func (c *Config) GetReuseAddr() bool {
	if c.ReuseAddr == nil {
		return false
	}
	return *c.ReuseAddr
}

// GetHasHeader returns the has_header value or the default.
func (c *Config) GetHasHeader() bool {
	if c.HasHeader == nil {
		return false
	}
	return *c.HasHeader
}

// GetHeaderSize returns the header_size value or the default.
func (c *Config) GetHeaderSize() int {
	if c.HeaderSize == nil {
		return 4
	}
	return *c.HeaderSize
}

// GetMaxFrameSize returns the max_frame_size value or the default.
func (c *Config) GetMaxFrameSize() int {
	if c.MaxFrameSize == nil {
		return network.DefaultMaxFrameSize
	}
	return *c.MaxFrameSize
}

// GetMSBFirst returns the msb_first value or the default.
func (c *Config) GetMSBFirst() bool {
	if c.MSBFirst == nil {
		return false
	}
	return *c.MSBFirst
}

// GetPositiveFirst returns the positive_first value or the default.
func (c *Config) GetPositiveFirst() bool {
	if c.PositiveFirst == nil {
		return true
	}
	return *c.PositiveFirst
}

// GetRowMajor returns the row_major value or the default.
func (c *Config) GetRowMajor() bool {
	if c.RowMajor == nil {
		return true
	}
	return *c.RowMajor
}

// GetFrameIntervalMicros returns the frame_interval_us value or the default.
func (c *Config) GetFrameIntervalMicros() int64 {
	if c.FrameIntervalMicros == nil {
		return 200 // 5000 FPS
	}
	return *c.FrameIntervalMicros
}

// GetReconnectDelay parses reconnect_delay.
func (c *Config) GetReconnectDelay() time.Duration {
	return parseDuration(c.ReconnectDelay, time.Second)
}

// GetMaxReconnects returns max_reconnects; negative means unlimited.
func (c *Config) GetMaxReconnects() int {
	if c.MaxReconnects == nil {
		return -1
	}
	return *c.MaxReconnects
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *Config) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 0
	}
	return *c.QueueDepth
}

// GetOutputPort returns the output_port value or the default.
func (c *Config) GetOutputPort() int {
	if c.OutputPort == nil {
		return 7777
	}
	return *c.OutputPort
}

// GetDBPath returns db_path; empty disables the event store.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetStoreEvents returns the store_events value or the default.
func (c *Config) GetStoreEvents() bool {
	if c.StoreEvents == nil {
		return false
	}
	return *c.StoreEvents
}

// GetForwardAddress returns forward_address; empty disables forwarding.
func (c *Config) GetForwardAddress() string {
	if c.ForwardAddress == nil {
		return ""
	}
	return *c.ForwardAddress
}

// GetMonitorListen returns monitor_listen; empty disables the monitor.
func (c *Config) GetMonitorListen() string {
	if c.MonitorListen == nil {
		return ":8080"
	}
	return *c.MonitorListen
}

// GetGRPCListen returns grpc_listen; empty (the default) disables the gRPC
// event stream.
func (c *Config) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetStatsInterval returns the stats_interval value or the default.
func (c *Config) GetStatsInterval() int {
	if c.StatsInterval == nil {
		return 100
	}
	return *c.StatsInterval
}

// GetVerbose returns the verbose value or the default.
func (c *Config) GetVerbose() bool {
	if c.Verbose == nil {
		return false
	}
	return *c.Verbose
}
