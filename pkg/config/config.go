// Package config загружает настройки софтфона: config.<env>.yaml,
// переменные окружения WEB_PHONE_* и флаги командной строки.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	SignalingGateway = "gateway"
	SignalingSIP     = "sip"
)

type GatewayConfig struct {
	URL            string        `mapstructure:"url"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReorderDepth   int           `mapstructure:"reorder_depth"`
}

type SIPConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	Transport      string        `mapstructure:"transport"`
	PublicHost     string        `mapstructure:"public_host"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Domain         string        `mapstructure:"domain"`
	Registrar      string        `mapstructure:"registrar"`
	RegisterExpiry time.Duration `mapstructure:"register_expiry"`
	RTPHost        string        `mapstructure:"rtp_host"`
	ReorderDepth   int           `mapstructure:"reorder_depth"`
}

type CallConfig struct {
	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
}

type AudioConfig struct {
	Threshold       float64       `mapstructure:"threshold"`
	Decay           time.Duration `mapstructure:"decay"`
	FrameInterval   time.Duration `mapstructure:"frame_interval"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollDuration time.Duration `mapstructure:"max_poll_duration"`
	LevelMaxAge     time.Duration `mapstructure:"level_max_age"`
	// Ringtone путь к raw PCM s16le моно, пусто - стандартный сигнал
	Ringtone           string `mapstructure:"ringtone"`
	RingtoneSampleRate int    `mapstructure:"ringtone_sample_rate"`
	// Enabled false отключает вывод звука (серверы без аудио)
	Enabled bool `mapstructure:"enabled"`
}

type DevicesConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Config struct {
	Env       string `mapstructure:"env"`
	LogLevel  string `mapstructure:"log_level"`
	Mode      string `mapstructure:"mode"`
	Listen    string `mapstructure:"listen"`
	Signaling string `mapstructure:"signaling"`
	PrefsFile string `mapstructure:"prefs_file"`

	Gateway GatewayConfig `mapstructure:"gateway"`
	SIP     SIPConfig     `mapstructure:"sip"`
	Call    CallConfig    `mapstructure:"call"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Devices DevicesConfig `mapstructure:"devices"`

	// File прочитанный файл, пусто если использованы только значения по умолчанию
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("mode", "release")
	v.SetDefault("listen", "127.0.0.1:8089")
	v.SetDefault("signaling", SignalingGateway)
	v.SetDefault("prefs_file", "web_phone.prefs.yaml")

	v.SetDefault("gateway.url", "ws://127.0.0.1:8088/ws")
	v.SetDefault("gateway.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("gateway.request_timeout", "10s")
	v.SetDefault("gateway.min_backoff", "1s")
	v.SetDefault("gateway.max_backoff", "30s")
	v.SetDefault("gateway.ping_interval", "15s")
	v.SetDefault("gateway.reorder_depth", 3)

	v.SetDefault("sip.listen_addr", "0.0.0.0:5060")
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.register_expiry", "5m")
	// пустые значения нужны, чтобы ключи читались из окружения
	for _, key := range []string{"public_host", "username", "password", "domain", "registrar", "rtp_host"} {
		v.SetDefault("sip."+key, "")
	}
	v.SetDefault("sip.reorder_depth", 3)

	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("call.call_timeout", "60s")
	v.SetDefault("call.watchdog_interval", "2s")

	v.SetDefault("audio.enabled", true)
	v.SetDefault("audio.threshold", 0.01)
	v.SetDefault("audio.decay", "1500ms")
	v.SetDefault("audio.frame_interval", "16ms")
	v.SetDefault("audio.poll_interval", "500ms")
	v.SetDefault("audio.max_poll_duration", "30s")
	v.SetDefault("audio.level_max_age", "200ms")
	v.SetDefault("audio.ringtone", "")
	v.SetDefault("audio.ringtone_sample_rate", 48000)

	v.SetDefault("devices.poll_interval", "3s")
}

// Load читает конфигурацию. Порядок приоритета: флаги, окружение,
// файл, значения по умолчанию. Отсутствие файла не ошибка.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("web_phone", pflag.ContinueOnError)
	env := flags.String("env", "", "окружение, выбирает config/config.<env>.yaml")
	file := flags.String("config", "", "путь к файлу конфигурации")
	flags.String("listen", "", "адрес HTTP API")
	flags.String("signaling", "", "сигнализация: gateway или sip")
	flags.String("log-level", "", "уровень логирования")
	flags.String("gateway-url", "", "адрес WebSocket шлюза")
	if err := flags.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WEB_PHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, flag := range map[string]string{
		"listen":      "listen",
		"signaling":   "signaling",
		"log_level":   "log-level",
		"gateway.url": "gateway-url",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, errors.Wrapf(err, "bind flag %s", flag)
		}
	}

	if *env == "" {
		*env = os.Getenv("CONFIG_ENV")
	}
	if *env == "" {
		*env = v.GetString("env")
	}
	v.Set("env", *env)

	path := *file
	if path == "" {
		path = fmt.Sprintf("config/config.%s.yaml", *env)
	}
	v.SetConfigFile(path)

	loaded := ""
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		loaded = path
	} else if !errors.Is(err, fs.ErrNotExist) || *file != "" {
		return nil, errors.Wrapf(err, "config %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.File = loaded
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	switch c.Signaling {
	case SignalingGateway:
		if c.Gateway.URL == "" {
			return errors.New("gateway.url is required for gateway signaling")
		}
	case SignalingSIP:
		if c.SIP.ListenAddr == "" {
			return errors.New("sip.listen_addr is required for sip signaling")
		}
	default:
		return errors.Errorf("unknown signaling %q", c.Signaling)
	}
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if c.Audio.Threshold < 0 || c.Audio.Threshold > 1 {
		return errors.Errorf("audio.threshold %v out of [0,1]", c.Audio.Threshold)
	}
	return nil
}
