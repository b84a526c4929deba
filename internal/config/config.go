package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Media     MediaConfig     `mapstructure:"media"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	Secret       string        `mapstructure:"secret"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type MediaConfig struct {
	RTCMinPort  uint16   `mapstructure:"rtc_min_port"`
	RTCMaxPort  uint16   `mapstructure:"rtc_max_port"`
	ListenIP    string   `mapstructure:"listen_ip"`
	AnnouncedIP string   `mapstructure:"announced_ip"`
	ICEServers  []string `mapstructure:"ice_servers"`
}

type ObserverConfig struct {
	MaxEntries int           `mapstructure:"max_entries"`
	Threshold  int           `mapstructure:"threshold"`
	Interval   time.Duration `mapstructure:"interval"`
}

type AdmissionConfig struct {
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.secret", "huddle-dev-secret")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.send_buffer", 32)

	v.SetDefault("media.rtc_min_port", 2000)
	v.SetDefault("media.rtc_max_port", 2100)
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.ice_servers", []string{})

	v.SetDefault("observer.max_entries", 1)
	v.SetDefault("observer.threshold", -60)
	v.SetDefault("observer.interval", "800ms")

	v.SetDefault("admission.join_limit", 5)
	v.SetDefault("admission.join_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load reads config/config.<env>.yaml. An empty env falls back to CONFIG_ENV,
// then to "dev". A missing file leaves the defaults in place; HUDDLE_*
// environment variables override both.
func Load(env string) (*Config, error) {
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(fileName); statErr == nil {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
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
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Media.RTCMinPort == 0 || c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}
	if c.Server.PingPeriod <= 0 {
		return fmt.Errorf("server.ping_period must be positive")
	}
	if c.Admission.JoinLimit <= 0 {
		return fmt.Errorf("admission.join_limit must be positive")
	}
	return nil
}
