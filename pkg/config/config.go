// Package config loads the bridge daemon configuration.
//
// Values come from a YAML file, USBUART_* environment variables, and
// command-line flags, in increasing order of precedence. The file system is
// injectable so that tests can load from an in-memory tree.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/class/cdc"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// EnvPrefix prefixes every environment override, e.g. USBUART_LOG_LEVEL.
const EnvPrefix = "USBUART"

// DefaultConfigName is the file searched for when no --config is given.
const DefaultConfigName = "usbuart"

// DefaultSearchPaths are the directories searched for DefaultConfigName.
var DefaultSearchPaths = []string{"/etc/usbuart", "."}

// Config is the daemon configuration.
type Config struct {
	Device   DeviceConfig    `mapstructure:"device"`
	USB      USBConfig       `mapstructure:"usb"`
	Buffers  BufferConfig    `mapstructure:"buffers"`
	Channels []ChannelConfig `mapstructure:"channels"`
	UART     UARTConfig      `mapstructure:"uart"`
	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Profile  ProfileConfig   `mapstructure:"profile"`

	// File is the configuration file that was read, empty if none.
	File string `mapstructure:"-"`
}

// DeviceConfig is the identity reported in the device descriptor.
type DeviceConfig struct {
	VendorID     uint16   `mapstructure:"vendor_id"`
	ProductID    uint16   `mapstructure:"product_id"`
	Manufacturer string   `mapstructure:"manufacturer"`
	Product      string   `mapstructure:"product"`
	UniqueID     []uint32 `mapstructure:"unique_id"`
}

// USBConfig configures the transport and the device core.
type USBConfig struct {
	BusDir            string        `mapstructure:"bus_dir"`
	FrameInterval     time.Duration `mapstructure:"frame_interval"`
	PMAOffset         uint32        `mapstructure:"pma_offset"`
	ZeroLengthPackets bool          `mapstructure:"zero_length_packets"`
}

// BufferConfig sizes the per-channel buffers.
type BufferConfig struct {
	RxSize int `mapstructure:"rx_size"`
}

// ChannelConfig binds one serial port to one CDC-ACM function. The data
// interface is always ControlInterface+1.
type ChannelConfig struct {
	Name             string `mapstructure:"name"`
	Port             string `mapstructure:"port"`
	DataIn           uint8  `mapstructure:"data_in"`
	DataOut          uint8  `mapstructure:"data_out"`
	Command          uint8  `mapstructure:"command"`
	ControlInterface uint8  `mapstructure:"control_interface"`
}

// UARTConfig configures UART error handling.
type UARTConfig struct {
	ErrorPolicy string `mapstructure:"error_policy"`
}

// LogConfig configures logging. An empty File logs to stderr; otherwise the
// file is rotated by size.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
// PProf also mounts the pprof handlers on it.
type MetricsConfig struct {
	Addr  string `mapstructure:"addr"`
	PProf bool   `mapstructure:"pprof"`
}

// ProfileConfig names profile files. CPU is recorded for the lifetime of the
// daemon; Heap is written when it stops.
type ProfileConfig struct {
	CPU  string `mapstructure:"cpu"`
	Heap string `mapstructure:"heap"`
}

// RegisterFlags defines the command-line overrides on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "configuration file")
	fs.String("log.level", "", "log level (debug, info, warn, error)")
	fs.String("log.format", "", "log format (text, json)")
	fs.String("log.file", "", "rotate logs into this file instead of stderr")
	fs.String("usb.bus_dir", "", "FIFO bus directory")
	fs.Bool("usb.zero_length_packets", false, "terminate packet-aligned IN runs with a zero-length packet")
	fs.String("uart.error_policy", "", "reaction to UART runtime errors (halt, resume)")
	fs.String("metrics.addr", "", "serve Prometheus metrics on this address")
	fs.Bool("metrics.pprof", false, "serve pprof handlers next to the metrics")
	fs.String("profile.cpu", "", "write a CPU profile to this file")
	fs.String("profile.heap", "", "write a heap profile to this file on exit")
}

// Load reads the configuration. flags may be nil. A missing default file is
// not an error; a missing file named by --config is. Load does not log, since
// logging is configured from its result; the caller reports cfg.File.
func Load(fs afero.Fs, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetFs(fs)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := ""
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
		if f := flags.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		for _, p := range DefaultSearchPaths {
			v.AddConfigPath(p)
		}
	}

	file := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		file = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	id := device.DefaultIdentity()
	v.SetDefault("device.vendor_id", id.VendorID)
	v.SetDefault("device.product_id", id.ProductID)
	v.SetDefault("device.manufacturer", id.Manufacturer)
	v.SetDefault("device.product", id.Product)

	v.SetDefault("usb.bus_dir", "/tmp/usb-bus")
	v.SetDefault("usb.frame_interval", device.DefaultFrameInterval)
	v.SetDefault("usb.pma_offset", device.DefaultEndpointMemoryOffset)
	v.SetDefault("usb.zero_length_packets", false)

	v.SetDefault("buffers.rx_size", cdc.DefaultRxBufferSize)

	ports := []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}
	var channels []map[string]any
	for i, ch := range cdc.DefaultChannels() {
		channels = append(channels, map[string]any{
			"name":              ch.Name,
			"port":              ports[i],
			"data_in":           ch.DataIn,
			"data_out":          ch.DataOut,
			"command":           ch.Command,
			"control_interface": ch.ControlInterface,
		})
	}
	v.SetDefault("channels", channels)

	v.SetDefault("uart.error_policy", hal.FaultHalt.String())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.pprof", false)

	v.SetDefault("profile.cpu", "")
	v.SetDefault("profile.heap", "")
}

// Validate checks the configuration. Every failure wraps
// pkg.ErrInvalidParameter.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format+": %w", append(args, pkg.ErrInvalidParameter)...))
	}

	if c.Device.VendorID == 0 {
		fail("device.vendor_id is required")
	}
	if n := len(c.Device.UniqueID); n != 0 && n != 3 {
		fail("device.unique_id has %d words, want 3", n)
	}
	if c.USB.BusDir == "" {
		fail("usb.bus_dir is required")
	}
	if c.USB.FrameInterval <= 0 {
		fail("usb.frame_interval must be positive")
	}
	if c.Buffers.RxSize <= 0 || c.Buffers.RxSize%cdc.DataInPacketSize != 0 {
		fail("buffers.rx_size %d is not a positive multiple of %d", c.Buffers.RxSize, cdc.DataInPacketSize)
	}
	if _, ok := hal.ParseFaultPolicy(c.UART.ErrorPolicy); !ok {
		fail("uart.error_policy %q", c.UART.ErrorPolicy)
	}
	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}

	if c.Metrics.PProf && c.Metrics.Addr == "" {
		fail("metrics.pprof needs metrics.addr")
	}

	if len(c.Channels) == 0 || len(c.Channels) > cdc.MaxChannels {
		fail("%d channels configured, want 1 to %d", len(c.Channels), cdc.MaxChannels)
	}
	for i, ch := range c.Channels {
		if ch.Port == "" {
			fail("channels[%d].port is required", i)
		}
		if ch.DataIn&hal.EndpointDirectionIn == 0 || ch.Command&hal.EndpointDirectionIn == 0 {
			fail("channels[%d]: data_in and command must be IN endpoints", i)
		}
		if ch.DataOut&hal.EndpointDirectionIn != 0 || ch.DataOut&0x0F == 0 {
			fail("channels[%d]: data_out must be a non-zero OUT endpoint", i)
		}
	}
	return errors.Join(errs...)
}

// Identity returns the device identity.
func (c *Config) Identity() device.Identity {
	id := device.DefaultIdentity()
	id.VendorID = c.Device.VendorID
	id.ProductID = c.Device.ProductID
	if c.Device.Manufacturer != "" {
		id.Manufacturer = c.Device.Manufacturer
	}
	if c.Device.Product != "" {
		id.Product = c.Device.Product
	}
	copy(id.UniqueID[:], c.Device.UniqueID)
	return id
}

// ChannelConfigs returns the endpoint assignments of every channel. Each
// channel is keyed by its port name.
func (c *Config) ChannelConfigs() []cdc.ChannelConfig {
	out := make([]cdc.ChannelConfig, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = cdc.ChannelConfig{
			Name:             ch.Name,
			UART:             hal.UARTID(ch.Port),
			DataIn:           ch.DataIn,
			DataOut:          ch.DataOut,
			Command:          ch.Command,
			ControlInterface: ch.ControlInterface,
			DataInterface:    ch.ControlInterface + 1,
		}
	}
	return out
}

// BridgeOptions returns the options shared by every bridge.
func (c *Config) BridgeOptions() cdc.Options {
	policy, _ := hal.ParseFaultPolicy(c.UART.ErrorPolicy)
	return cdc.Options{
		RxBufferSize:      c.Buffers.RxSize,
		ZeroLengthPackets: c.USB.ZeroLengthPackets,
		FaultPolicy:       policy,
	}
}

// StackOptions returns the device core options.
func (c *Config) StackOptions() device.StackOptions {
	return device.StackOptions{
		FrameInterval:        c.USB.FrameInterval,
		EndpointMemoryOffset: c.USB.PMAOffset,
	}
}
