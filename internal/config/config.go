package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is shared by the relay and the client binary; each reads the part it needs.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	MaxRoomPeers int      `mapstructure:"max_room_peers"`
	RateLimit    float64  `mapstructure:"rate_limit"`
	RateBurst    int      `mapstructure:"rate_burst"`
	JoinLimit    float64  `mapstructure:"join_limit"`
	SlowStrikes  int      `mapstructure:"slow_strikes"`
	ICEServers   []string `mapstructure:"ice_servers"`
	UDPPortMin   uint16   `mapstructure:"udp_port_min"`
	UDPPortMax   uint16   `mapstructure:"udp_port_max"`

	Client ClientConfig `mapstructure:"client"`
}

type ClientConfig struct {
	URL            string  `mapstructure:"url"`
	Token          string  `mapstructure:"token"`
	Room           string  `mapstructure:"room"`
	Path           string  `mapstructure:"path"`
	VADThresholdDB float64 `mapstructure:"vad_threshold_db"`
	VideoFile      string  `mapstructure:"video_file"`

	CapabilitiesTimeout time.Duration `mapstructure:"capabilities_timeout"`
	JoinTimeout         time.Duration `mapstructure:"join_timeout"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	MaxRetries          int           `mapstructure:"max_retries"`
}

const (
	PathMesh = "mesh"
	PathSFU  = "sfu"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("max_room_peers", 8)
	v.SetDefault("rate_limit", 50.0)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("join_limit", 1.0)
	v.SetDefault("slow_strikes", 3)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("client.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.room", "lobby")
	v.SetDefault("client.path", PathMesh)
	v.SetDefault("client.vad_threshold_db", -50.0)
	v.SetDefault("client.capabilities_timeout", "10s")
	v.SetDefault("client.join_timeout", "15s")
	v.SetDefault("client.retry_base_delay", "1s")
	v.SetDefault("client.retry_max_delay", "8s")
	v.SetDefault("client.max_retries", 3)
}

// Flags registers the command-line overrides Load understands.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("mode", "", "gin mode (debug|release)")
	fs.String("log-level", "", "zerolog level")
	fs.Int("port", 0, "relay listen port")
	fs.String("url", "", "relay signaling websocket url")
	fs.String("token", "", "bearer token presented to the relay")
	fs.String("room", "", "room to join")
	fs.String("path", "", "media path (mesh|sfu)")
	fs.String("video-file", "", "IVF file to send as video")
	return fs
}

var flagKeys = map[string]string{
	"mode":       "mode",
	"log-level":  "log_level",
	"port":       "port",
	"url":        "client.url",
	"token":      "client.token",
	"room":       "client.room",
	"path":       "client.path",
	"video-file": "client.video_file",
}

// Load reads config/config.<CONFIG_ENV>.yaml, then HUDDLE_* environment
// variables, then any flags set on fs (which may be nil).
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Client.Path {
	case PathMesh, PathSFU:
	default:
		return fmt.Errorf("config: unknown client path %q", c.Client.Path)
	}
	if c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("config: udp_port_min %d above udp_port_max %d", c.UDPPortMin, c.UDPPortMax)
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative")
	}
	return nil
}
