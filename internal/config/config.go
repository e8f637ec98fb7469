// Package config loads service settings from configs/config.yml, BIOWAVE_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"biowave/internal/ingest"
	"biowave/internal/models"
)

// Source kinds.
const (
	SourceNone     = "none"
	SourceEmulator = "emulator"
	SourceSerial   = "serial"
	SourceMQTT     = "mqtt"
	SourceEDF      = "edf"
)

const envPrefix = "BIOWAVE"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Source   SourceConfig   `mapstructure:"source"`
	Serial   SerialConfig   `mapstructure:"serial"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	EDF      EDFConfig      `mapstructure:"edf"`
	Emulator EmulatorConfig `mapstructure:"emulator"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Axes     []AxisConfig   `mapstructure:"axes"`
	Events   EventsConfig   `mapstructure:"events"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Stream   StreamConfig   `mapstructure:"stream"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type SourceConfig struct {
	Kind string `mapstructure:"kind"`
}

type SerialConfig struct {
	Port           string        `mapstructure:"port"`
	BaudRate       int           `mapstructure:"baud_rate"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect"`
	ReadBuffer     int           `mapstructure:"read_buffer"`
}

type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	StatusTopic    string        `mapstructure:"status_topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type EDFConfig struct {
	Path       string  `mapstructure:"path"`
	ECGSignal  int     `mapstructure:"ecg_signal"`
	PPGSignal  int     `mapstructure:"ppg_signal"`
	SpO2Signal int     `mapstructure:"spo2_signal"` // negative disables
	SampleRate float64 `mapstructure:"sample_rate"`
	MTU        int     `mapstructure:"mtu"`
	Loop       bool    `mapstructure:"loop"`
}

type EmulatorConfig struct {
	SampleRate     float64 `mapstructure:"sample_rate"`
	MTU            int     `mapstructure:"mtu"`
	HeartRate      float64 `mapstructure:"heart_rate"`
	SpO2           bool    `mapstructure:"spo2"`
	MalformedRate  float64 `mapstructure:"malformed_rate"`
	SpikeRate      float64 `mapstructure:"spike_rate"`
	SpikeAmplitude float64 `mapstructure:"spike_amplitude"`
	Seed           int64   `mapstructure:"seed"`
}

type PipelineConfig struct {
	Capacity     int     `mapstructure:"capacity"`
	VisibleWidth int     `mapstructure:"visible_width"`
	MaxLineBytes int     `mapstructure:"max_line_bytes"`
	Gain         float64 `mapstructure:"gain"`
	InvertECG    bool    `mapstructure:"invert_ecg"`
	InvertPPG    bool    `mapstructure:"invert_ppg"`
}

type AxisConfig struct {
	Name      string   `mapstructure:"name"`
	Channels  []string `mapstructure:"channels"`
	Min       float64  `mapstructure:"min"`
	Max       float64  `mapstructure:"max"`
	Policy    string   `mapstructure:"policy"`
	AutoRange bool     `mapstructure:"auto_range"`
	Margin    float64  `mapstructure:"margin"`
	Step      float64  `mapstructure:"step"`
	Threshold int      `mapstructure:"threshold"`
}

type EventsConfig struct {
	DSN       string `mapstructure:"dsn"`
	Retention int    `mapstructure:"retention"`
	QueueSize int    `mapstructure:"queue_size"`
}

type OperatorConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

type AuthConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	SigningKey string           `mapstructure:"signing_key"`
	TokenTTL   time.Duration    `mapstructure:"token_ttl"`
	Operators  []OperatorConfig `mapstructure:"operators"`
}

type StreamConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	FrameInterval    time.Duration `mapstructure:"frame_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("source.kind", SourceEmulator)

	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.read_timeout", 500*time.Millisecond)
	v.SetDefault("serial.reconnect", 2*time.Second)
	v.SetDefault("serial.read_buffer", 64)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "biowave")
	v.SetDefault("mqtt.topic", "biowave/device/raw")
	v.SetDefault("mqtt.status_topic", "biowave/device/status")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)

	v.SetDefault("edf.ecg_signal", 0)
	v.SetDefault("edf.ppg_signal", 1)
	v.SetDefault("edf.spo2_signal", -1)
	v.SetDefault("edf.sample_rate", 250.0)
	v.SetDefault("edf.mtu", 20)

	v.SetDefault("emulator.sample_rate", 250.0)
	v.SetDefault("emulator.mtu", 20)
	v.SetDefault("emulator.heart_rate", 72.0)
	v.SetDefault("emulator.spo2", true)
	v.SetDefault("emulator.spike_amplitude", 8.0)

	v.SetDefault("pipeline.capacity", ingest.DefaultCapacity)
	v.SetDefault("pipeline.visible_width", ingest.DefaultVisibleWidth)
	v.SetDefault("pipeline.max_line_bytes", ingest.DefaultMaxLineBytes)
	v.SetDefault("pipeline.gain", ingest.DefaultGain)
	v.SetDefault("pipeline.invert_ecg", true)
	v.SetDefault("pipeline.invert_ppg", true)

	v.SetDefault("events.dsn", "file:biowave_events?mode=memory&cache=shared")
	v.SetDefault("events.retention", 1000)
	v.SetDefault("events.queue_size", 64)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("stream.queue_size", 256)
	v.SetDefault("stream.subscriber_buffer", 512)
	v.SetDefault("stream.frame_interval", 50*time.Millisecond)
}

// Load reads the config file at path. An empty path looks for config.yml
// under ./configs; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Axes) == 0 {
		cfg.Axes = defaultAxes()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultAxes() []AxisConfig {
	var out []AxisConfig
	for _, ax := range ingest.DefaultAxes() {
		chans := make([]string, len(ax.Channels))
		for i, ch := range ax.Channels {
			chans[i] = string(ch)
		}
		out = append(out, AxisConfig{
			Name:      ax.Name,
			Channels:  chans,
			Min:       ax.Default.Min,
			Max:       ax.Default.Max,
			Policy:    ax.Policy,
			AutoRange: ax.AutoRange,
			Margin:    ax.Margin,
			Step:      ax.Step,
			Threshold: ax.Threshold,
		})
	}
	return out
}

// Validate checks settings that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceNone, SourceEmulator:
	case SourceSerial:
		if c.Serial.Port == "" {
			return fmt.Errorf("%w: serial.port is required for the serial source", ErrInvalid)
		}
	case SourceMQTT:
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			return fmt.Errorf("%w: mqtt.broker and mqtt.topic are required for the mqtt source", ErrInvalid)
		}
	case SourceEDF:
		if c.EDF.Path == "" {
			return fmt.Errorf("%w: edf.path is required for the edf source", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown source.kind %q", ErrInvalid, c.Source.Kind)
	}

	if c.Pipeline.Capacity <= 0 {
		return fmt.Errorf("%w: pipeline.capacity must be positive", ErrInvalid)
	}
	if c.Pipeline.VisibleWidth > c.Pipeline.Capacity {
		return fmt.Errorf("%w: pipeline.visible_width exceeds pipeline.capacity", ErrInvalid)
	}
	if c.Stream.QueueSize <= 0 || c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("%w: stream queue sizes must be positive", ErrInvalid)
	}
	if !isMemoryDSN(c.Events.DSN) {
		return fmt.Errorf("%w: events.dsn must be an in-memory database", ErrInvalid)
	}
	if c.Auth.Enabled && c.Auth.SigningKey == "" {
		return fmt.Errorf("%w: auth.signing_key is required when auth is enabled", ErrInvalid)
	}
	if _, err := c.PipelineConfig(); err != nil {
		return err
	}
	return nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// PipelineConfig converts the pipeline and axes sections into an ingest
// config.
func (c *Config) PipelineConfig() (ingest.Config, error) {
	out := ingest.Config{
		Capacity:     c.Pipeline.Capacity,
		VisibleWidth: c.Pipeline.VisibleWidth,
		MaxLineBytes: c.Pipeline.MaxLineBytes,
		Gain:         c.Pipeline.Gain,
		InvertECG:    c.Pipeline.InvertECG,
		InvertPPG:    c.Pipeline.InvertPPG,
	}
	for _, ax := range c.Axes {
		chans := make([]models.Channel, 0, len(ax.Channels))
		for _, name := range ax.Channels {
			ch, err := models.ParseChannel(strings.ToLower(strings.TrimSpace(name)))
			if err != nil {
				return ingest.Config{}, fmt.Errorf("%w: axis %q: %v", ErrInvalid, ax.Name, err)
			}
			chans = append(chans, ch)
		}
		out.Axes = append(out.Axes, ingest.AxisConfig{
			Name:      ax.Name,
			Channels:  chans,
			Default:   models.AxisRange{Min: ax.Min, Max: ax.Max},
			Policy:    strings.ToLower(ax.Policy),
			AutoRange: ax.AutoRange,
			Margin:    ax.Margin,
			Step:      ax.Step,
			Threshold: ax.Threshold,
		})
	}
	if _, err := ingest.NewRangeController(out.Axes); err != nil {
		return ingest.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}
