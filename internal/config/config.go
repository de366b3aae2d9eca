package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	Secret     string `mapstructure:"secret"`
	StaticPath string `mapstructure:"static_path"`

	Signal    SignalConfig    `mapstructure:"signal"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Clock     ClockConfig     `mapstructure:"clock"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Hub       HubConfig       `mapstructure:"hub"`
}

type SignalConfig struct {
	// Transport is "ws" or "mqtt".
	Transport    string        `mapstructure:"transport"`
	URL          string        `mapstructure:"url"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
}

type MQTTConfig struct {
	Broker       string `mapstructure:"broker"`
	ClientPrefix string `mapstructure:"client_prefix"`
}

type EngineConfig struct {
	SettleDelay            time.Duration `mapstructure:"settle_delay"`
	ICEServers             []string      `mapstructure:"ice_servers"`
	ICEDisconnectedTimeout time.Duration `mapstructure:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `mapstructure:"ice_failed_timeout"`
	ICEKeepalive           time.Duration `mapstructure:"ice_keepalive"`
}

type CaptureConfig struct {
	MaxWidth     int `mapstructure:"max_width"`
	MaxHeight    int `mapstructure:"max_height"`
	VideoBitRate int `mapstructure:"video_bitrate"`
}

type ClockConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type DirectoryConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
}

type TelemetryConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type HubConfig struct {
	Port         int           `mapstructure:"port"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "change-me")
	v.SetDefault("static_path", "")

	v.SetDefault("signal.transport", "ws")
	v.SetDefault("signal.url", "ws://localhost:8090/ws/signal")
	v.SetDefault("signal.ready_timeout", "10s")
	v.SetDefault("signal.ping_period", "25s")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_prefix", "call-")

	v.SetDefault("engine.settle_delay", "500ms")
	v.SetDefault("engine.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("engine.ice_disconnected_timeout", "10s")
	v.SetDefault("engine.ice_failed_timeout", "30s")
	v.SetDefault("engine.ice_keepalive", "2s")

	v.SetDefault("capture.max_width", 640)
	v.SetDefault("capture.max_height", 480)
	v.SetDefault("capture.video_bitrate", 1_500_000)

	v.SetDefault("clock.tick", "1s")

	v.SetDefault("directory.url", "")
	v.SetDefault("directory.timeout", "3s")
	v.SetDefault("directory.cache_ttl", "5m")
	v.SetDefault("directory.cache_size", 256)

	v.SetDefault("telemetry.endpoint", "")

	v.SetDefault("hub.port", 8090)
	v.SetDefault("hub.join_limit", 10)
	v.SetDefault("hub.join_interval", "10s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. A .env file,
// if present, is loaded first; CALL_* variables override everything.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("CALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("transport", cfg.Signal.Transport).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Signal.Transport {
	case "ws", "mqtt":
	default:
		return fmt.Errorf("signal.transport: unknown transport %q", c.Signal.Transport)
	}
	if c.Signal.ReadyTimeout <= 0 {
		return fmt.Errorf("signal.ready_timeout must be positive")
	}
	if c.Clock.Tick <= 0 {
		return fmt.Errorf("clock.tick must be positive")
	}
	return nil
}
