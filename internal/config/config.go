package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the recorder, parsed from flags,
// environment (IQREC_*) and an optional YAML file.
// The `mapstructure` tags map the fields to the viper keys.
type Config struct {
	RunID string

	// Pipeline geometry
	Channels            int `mapstructure:"channels"`
	ItemSize            int `mapstructure:"item-size"`
	BufferSamples       int `mapstructure:"buffer-samples"`
	MaxPacketSamples    int `mapstructure:"max-packet-samples"`
	MaxWindowSamples    int `mapstructure:"max-window-samples"`
	StreamMarginSamples int `mapstructure:"stream-margin-samples"`

	// Output
	OutputDir  string `mapstructure:"output-dir"`
	FilePrefix string `mapstructure:"file-prefix"`
	FileExt    string `mapstructure:"file-ext"`

	// Control
	ControlAddr string  `mapstructure:"control-addr"`
	Window      int     `mapstructure:"window"`
	Tag         uint32  `mapstructure:"tag"`
	RxDelay     float64 `mapstructure:"rx-delay"`

	// Source
	Source     string  `mapstructure:"source"`
	SerialPort string  `mapstructure:"serial-port"`
	Baudrate   int     `mapstructure:"baudrate"`
	InputFile  string  `mapstructure:"input-file"`
	SampleRate float64 `mapstructure:"sample-rate"`
	ToneHz     float64 `mapstructure:"tone-hz"`

	// Logging
	LogFile  string `mapstructure:"log-file"`
	LogLevel string `mapstructure:"log-level"`
	JSON     bool   `mapstructure:"json"`

	// Metrics
	Prometheus        bool          `mapstructure:"prometheus"`
	PrometheusAddr    string        `mapstructure:"prometheus-addr"`
	PrometheusPrefix  string        `mapstructure:"prometheus-prefix"`
	TelegrafAddr      string        `mapstructure:"telegraf-addr"`
	TelemetryInterval time.Duration `mapstructure:"telemetry-interval"`
}

// RegisterFlags declares every recorder flag with its default on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config-file", "", "Path to a YAML config file (default $HOME/iqrecorder-config.yaml).")

	fs.Int("channels", 1, "Number of receive channels (antennas).")
	fs.Int("item-size", 8, "Bytes per complex sample, e.g. 8 for float32 I/Q.")
	fs.Int("buffer-samples", 1000000, "Samples per channel before the ingest buffer is handed off.")
	fs.Int("max-packet-samples", 8192, "Largest packet the source delivers, reserved past the hand-off threshold.")
	fs.Int("max-window-samples", 1000000, "Largest measurement window, allocated once per channel.")
	fs.Int("stream-margin-samples", 1000000, "Extra samples streamed past each window before flushing.")

	fs.String("output-dir", "data", "Directory measurement files are written to.")
	fs.String("file-prefix", "iqrecord_", "Prefix of measurement file names.")
	fs.String("file-ext", ".bin", "Extension of measurement file names.")

	fs.String("control-addr", ":8888", "UDP address the control listener binds to.")
	fs.Int("window", 0, "Record a single window of this many samples instead of listening for control messages.")
	fs.Uint32("tag", 0, "File tag of the single window (with --window).")
	fs.Float64("rx-delay", 0.05, "Receive delay in seconds, added to the window timestamp.")

	fs.String("source", "synthetic", "Sample source: serial, file or synthetic.")
	fs.String("serial-port", "/dev/ttyUSB0", "Serial device of the serial source.")
	fs.Int("baudrate", 460800, "Baudrate of the serial source.")
	fs.String("input-file", "", "Raw interleaved sample file of the file source.")
	fs.Float64("sample-rate", 0, "Samples per second per channel; 0 feeds as fast as possible.")
	fs.Float64("tone-hz", 1000, "Tone frequency of the synthetic source.")

	fs.String("log-file", "", "Log file path, rotated daily. Empty disables file logging.")
	fs.String("log-level", "info", "Log level: debug, info, warn, error.")
	fs.Bool("json", false, "Output logs in JSON.")

	fs.Bool("prometheus", false, "Expose Prometheus metrics.")
	fs.String("prometheus-addr", ":9090", "Listen address of the metrics endpoint.")
	fs.String("prometheus-prefix", "iqrecorder_", "Prefix of the exported Prometheus metrics.")
	fs.String("telegraf-addr", "", "UDP address to push influx line protocol to. Empty disables it.")
	fs.Duration("telemetry-interval", time.Second, "Interval between telemetry pushes.")
}

// Load resolves the configuration. Precedence: flags, then env, then config
// file, then flag defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := BindFlags(v, fs); err != nil {
		return nil, err
	}

	if configFile := v.GetString("config-file"); configFile != "" {
		v.SetConfigFile(configFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigType("yaml")
		v.SetConfigName("iqrecorder-config")
	}

	v.SetEnvPrefix("IQREC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || v.GetString("config-file") != "" {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	cfg.RunID = uuid.NewString()
	cfg.OutputDir = filepath.Clean(cfg.OutputDir)

	return cfg, cfg.Validate()
}

// BindFlags binds every flag of fs to the viper key of the same name.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(flag *pflag.Flag) {
		if bindErr := v.BindPFlag(flag.Name, flag); bindErr != nil && err == nil {
			err = bindErr
		}
	})
	return err
}

// Validate rejects configurations the pipeline cannot be built from.
func (c *Config) Validate() error {
	switch {
	case c.Channels < 1:
		return fmt.Errorf("channels must be >= 1, got %d", c.Channels)
	case c.ItemSize < 1:
		return fmt.Errorf("item-size must be >= 1, got %d", c.ItemSize)
	case c.BufferSamples < 1:
		return fmt.Errorf("buffer-samples must be >= 1, got %d", c.BufferSamples)
	case c.MaxPacketSamples < 1:
		return fmt.Errorf("max-packet-samples must be >= 1, got %d", c.MaxPacketSamples)
	case c.MaxWindowSamples < 1:
		return fmt.Errorf("max-window-samples must be >= 1, got %d", c.MaxWindowSamples)
	case c.StreamMarginSamples < 0:
		return fmt.Errorf("stream-margin-samples must be >= 0, got %d", c.StreamMarginSamples)
	case c.Window < 0 || c.Window > c.MaxWindowSamples:
		return fmt.Errorf("window must be within 0..%d, got %d", c.MaxWindowSamples, c.Window)
	case c.RxDelay < 0:
		return fmt.Errorf("rx-delay must be >= 0, got %f", c.RxDelay)
	case c.TelemetryInterval <= 0:
		return fmt.Errorf("telemetry-interval must be > 0, got %s", c.TelemetryInterval)
	}

	switch c.Source {
	case "serial", "synthetic":
	case "file":
		if c.InputFile == "" {
			return fmt.Errorf("source file requires --input-file")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	return nil
}

// RxDelayMicros is the timestamp offset recorded at the start of each window.
func (c *Config) RxDelayMicros() uint64 {
	return uint64(c.RxDelay * 1e6)
}
