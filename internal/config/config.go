package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/zemo/internal/errors"
	"codeberg.org/mutker/zemo/internal/sensor"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel     = "info"
	DefaultConfigFile   = "/etc/zemo/zemo.toml"
	DefaultSettingsFile = "/etc/zemo/settings.toml"
	DefaultInterval     = 1
	DefaultDatabase     = "/var/lib/zemo/history.db"
	DefaultBackupDir    = "/var/lib/zemo/backups"
	DefaultPIDDir       = "/run/zemo"
	DefaultBaud         = 9600
	DefaultTimeout      = 2 * time.Second
	DefaultMQTTTopic    = "zemo/alerts"
	DefaultMQTTClientID = "zemo"

	envPrefix = "ZEMO"
)

type Config struct {
	LogLevel     string            `mapstructure:"log_level"`
	SettingsFile string            `mapstructure:"settings_file"`
	Interval     int               `mapstructure:"interval"`
	Console      bool              `mapstructure:"console"`
	HTTPAddr     string            `mapstructure:"http_addr"`
	Database     string            `mapstructure:"database"`
	BackupDir    string            `mapstructure:"backup_dir"`
	PIDDir       string            `mapstructure:"pid_dir"`
	Serial       SerialConfig      `mapstructure:"serial"`
	Sensors      map[string]Sensor `mapstructure:"sensors"`
	MQTT         MQTTConfig        `mapstructure:"mqtt"`
}

type SerialConfig struct {
	Baud    int           `mapstructure:"baud"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Sensor struct {
	Port string `mapstructure:"port"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// TickInterval returns the scheduler tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// SensorPort returns the serial device configured for kind, if any.
func (c *Config) SensorPort(kind sensor.Kind) (string, bool) {
	s, ok := c.Sensors[string(kind)]
	if !ok || strings.TrimSpace(s.Port) == "" {
		return "", false
	}
	return s.Port, true
}

// Load reads the configuration from the config file, ZEMO_* environment
// variables and the command line in args, in increasing order of
// precedence.
func Load(args []string) (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("zemo", pflag.ContinueOnError)
	flags.String("config", "", "Path to the configuration file")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("settings", DefaultSettingsFile, "Path to the runtime settings file")
	flags.Int("interval", DefaultInterval, "Scheduler tick in seconds")
	flags.Bool("console", false, "Run the interactive console")
	flags.String("http-addr", "", "Listen address of the control API (empty disables it)")
	flags.String("database", DefaultDatabase, "Path to the reading history database")

	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for key, flag := range map[string]string{
		"log_level":     "log-level",
		"settings_file": "settings",
		"interval":      "interval",
		"console":       "console",
		"http_addr":     "http-addr",
		"database":      "database",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := flags.GetString("config")
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	bindSensorEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("settings_file", DefaultSettingsFile)
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("console", false)
	v.SetDefault("http_addr", "")
	v.SetDefault("database", DefaultDatabase)
	v.SetDefault("backup_dir", DefaultBackupDir)
	v.SetDefault("pid_dir", DefaultPIDDir)
	v.SetDefault("serial.baud", DefaultBaud)
	v.SetDefault("serial.timeout", DefaultTimeout)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", DefaultMQTTTopic)
	v.SetDefault("mqtt.client_id", DefaultMQTTClientID)
}

// readConfigFile loads an explicit path strictly; the default location is
// optional.
func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigFile(DefaultConfigFile)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// bindSensorEnv applies ZEMO_SENSORS_<KIND>_PORT. AutomaticEnv only covers
// keys viper already knows, and sensor keys are dynamic.
func bindSensorEnv(cfg *Config) {
	for _, kind := range sensor.Order {
		name := envPrefix + "_SENSORS_" + strings.ToUpper(string(kind)) + "_PORT"
		port, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if cfg.Sensors == nil {
			cfg.Sensors = make(map[string]Sensor)
		}
		cfg.Sensors[string(kind)] = Sensor{Port: port}
	}
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.Serial.Baud <= 0 {
		return errFactory.WithData(ErrInvalidBaud, c.Serial.Baud)
	}
	if c.Serial.Timeout <= 0 {
		return errFactory.WithData(ErrInvalidTimeout, c.Serial.Timeout.String())
	}
	for name := range c.Sensors {
		if _, ok := sensor.ParseKind(name); !ok {
			return errFactory.WithData(ErrUnknownSensor, name)
		}
	}
	if strings.TrimSpace(c.SettingsFile) == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "settings_file is empty")
	}

	return nil
}
