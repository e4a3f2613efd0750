// Package config loads server settings from yaml, environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrInvalidPort      = errors.New("invalid port")
	ErrInvalidMode      = errors.New("invalid mode")
	ErrTLSPair          = errors.New("tls cert and key must be set together")
	ErrTLSFile          = errors.New("tls file not found")
	ErrInvalidRTCPorts  = errors.New("invalid rtc port range")
	ErrNoListenIPs      = errors.New("at least one listen ip is required")
	ErrNoCodecs         = errors.New("at least one media codec is required")
	ErrInvalidCodec     = errors.New("invalid media codec")
	ErrInvalidWorkers   = errors.New("invalid worker count")
	ErrNoTransportProto = errors.New("udp or tcp must be enabled")
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	ListenIP   string        `mapstructure:"listen_ip"`
	Port       int           `mapstructure:"port"`
	CertFile   string        `mapstructure:"cert_file"`
	KeyFile    string        `mapstructure:"key_file"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	Origins    []string      `mapstructure:"allowed_origins"`

	Media     Media     `mapstructure:"media"`
	Rooms     Rooms     `mapstructure:"rooms"`
	Recording Recording `mapstructure:"recording"`
	Metrics   Metrics   `mapstructure:"metrics"`
}

type ListenIP struct {
	IP          string `mapstructure:"ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
}

// Codec is one router media codec. Parameters end up in the fmtp line.
type Codec struct {
	Kind       string         `mapstructure:"kind"`
	MimeType   string         `mapstructure:"mime_type"`
	ClockRate  uint32         `mapstructure:"clock_rate"`
	Channels   uint16         `mapstructure:"channels"`
	Parameters map[string]any `mapstructure:"parameters"`
}

type Media struct {
	NumWorkers                      int        `mapstructure:"num_workers"`
	RtcMinPort                      uint16     `mapstructure:"rtc_min_port"`
	RtcMaxPort                      uint16     `mapstructure:"rtc_max_port"`
	ListenIPs                       []ListenIP `mapstructure:"listen_ips"`
	EnableUDP                       bool       `mapstructure:"enable_udp"`
	EnableTCP                       bool       `mapstructure:"enable_tcp"`
	PreferUDP                       bool       `mapstructure:"prefer_udp"`
	InitialAvailableOutgoingBitrate uint32     `mapstructure:"initial_available_outgoing_bitrate"`
	MinimumAvailableOutgoingBitrate uint32     `mapstructure:"minimum_available_outgoing_bitrate"`
	MaxIncomingBitrate              uint32     `mapstructure:"max_incoming_bitrate"`
	MaxSctpMessageSize              uint32     `mapstructure:"max_sctp_message_size"`
	Codecs                          []Codec    `mapstructure:"codecs"`
}

type Rooms struct {
	EmptyTTL      time.Duration `mapstructure:"empty_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ServiceNames  []string      `mapstructure:"service_names"`
	MessageLimit  int           `mapstructure:"message_limit"`
	MessageWindow time.Duration `mapstructure:"message_window"`
}

type Recording struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Metrics struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	SystemInterval time.Duration `mapstructure:"system_interval"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"mode":      "mode",
	"log-level": "log_level",
	"port":      "port",
	"cert":      "cert_file",
	"key":       "key_file",
	"workers":   "media.num_workers",
	"metrics":   "metrics.enabled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_ip", "0.0.0.0")
	v.SetDefault("port", 5000)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("allowed_origins", []string{"*"})

	v.SetDefault("media.num_workers", 0)
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.listen_ips", []map[string]any{{"ip": "0.0.0.0", "announced_ip": "127.0.0.1"}})
	v.SetDefault("media.enable_udp", true)
	v.SetDefault("media.enable_tcp", true)
	v.SetDefault("media.prefer_udp", true)
	v.SetDefault("media.initial_available_outgoing_bitrate", 1000000)
	v.SetDefault("media.minimum_available_outgoing_bitrate", 600000)
	v.SetDefault("media.max_incoming_bitrate", 1500000)
	v.SetDefault("media.max_sctp_message_size", 262144)
	v.SetDefault("media.codecs", DefaultCodecs())

	v.SetDefault("rooms.empty_ttl", "2m")
	v.SetDefault("rooms.sweep_interval", "30s")
	v.SetDefault("rooms.service_names", []string{"bot"})
	v.SetDefault("rooms.message_limit", 20)
	v.SetDefault("rooms.message_window", "10s")

	v.SetDefault("recording.base_url", "http://localhost:8080")
	v.SetDefault("recording.timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.system_interval", "5s")
}

// DefaultCodecs is the router codec list used when the config file has none.
func DefaultCodecs() []map[string]any {
	return []map[string]any{
		{"kind": "audio", "mime_type": "audio/opus", "clock_rate": 48000, "channels": 2},
		{"kind": "video", "mime_type": "video/VP8", "clock_rate": 90000,
			"parameters": map[string]any{"x-google-start-bitrate": 1000}},
		{"kind": "video", "mime_type": "video/VP9", "clock_rate": 90000,
			"parameters": map[string]any{"profile-id": 2, "x-google-start-bitrate": 1000}},
		{"kind": "video", "mime_type": "video/h264", "clock_rate": 90000,
			"parameters": map[string]any{"packetization-mode": 1, "profile-level-id": "4d0032", "level-asymmetry-allowed": 1, "x-google-start-bitrate": 1000}},
		{"kind": "video", "mime_type": "video/h264", "clock_rate": 90000,
			"parameters": map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f", "level-asymmetry-allowed": 1, "x-google-start-bitrate": 1000}},
	}
}

// Load reads config/config.<CONFIG_ENV>.yaml (or CONFIG_FILE), then MEET_* env vars,
// then any flags set on fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			fileName = f.Value.String()
		}
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Media.NumWorkers == 0 {
		cfg.Media.NumWorkers = runtime.NumCPU()
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Int("workers", cfg.Media.NumWorkers).
		Msg("config ready")
	return &cfg, nil
}

// Validate checks the values Load cannot fix up on its own.
func (c *Config) Validate() error {
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return ErrTLSPair
	}
	for _, f := range []string{c.CertFile, c.KeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%w: %s", ErrTLSFile, f)
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535 || c.Metrics.Port == c.Port) {
		return fmt.Errorf("%w: metrics %d", ErrInvalidPort, c.Metrics.Port)
	}
	return c.Media.Validate()
}

func (m *Media) Validate() error {
	if m.NumWorkers < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, m.NumWorkers)
	}
	if m.RtcMinPort == 0 || m.RtcMaxPort < m.RtcMinPort {
		return fmt.Errorf("%w: %d-%d", ErrInvalidRTCPorts, m.RtcMinPort, m.RtcMaxPort)
	}
	if len(m.ListenIPs) == 0 {
		return ErrNoListenIPs
	}
	if !m.EnableUDP && !m.EnableTCP {
		return ErrNoTransportProto
	}
	if len(m.Codecs) == 0 {
		return ErrNoCodecs
	}
	for _, c := range m.Codecs {
		if c.Kind != "audio" && c.Kind != "video" {
			return fmt.Errorf("%w: kind %q", ErrInvalidCodec, c.Kind)
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), c.Kind+"/") || c.ClockRate == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidCodec, c.MimeType)
		}
	}
	return nil
}
