package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "RWA"

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type AppConfig struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	LogLevel    string     `mapstructure:"log_level"`
	MetricsPath string     `mapstructure:"metrics_path"`
	HTTP        HTTPConfig `mapstructure:"http"`
	GRPC        GRPCConfig `mapstructure:"grpc"`
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.MaxConns > 0 {
		q.Set("pool_max_conns", fmt.Sprintf("%d", c.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	DeadLetter    string   `mapstructure:"dead_letter_topic"`
	Notifications string   `mapstructure:"notifications_topic"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ChainConfig struct {
	RPCURL  string        `mapstructure:"rpc_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Base holds the settings every service shares. Service specific keys are
// read from the returned viper instance.
type Base struct {
	App   AppConfig   `mapstructure:",squash"`
	DB    DBConfig    `mapstructure:"db"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
	Auth  AuthConfig  `mapstructure:"auth"`
	Chain ChainConfig `mapstructure:"chain"`
}

// Load reads an optional .env file, the YAML file at path (config.yaml when
// empty) and RWA_* environment overrides. serviceDefaults registers the
// keys a service adds on top of Base.
func Load(path string, serviceDefaults func(v *viper.Viper)) (*viper.Viper, *Base, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if serviceDefaults != nil {
		serviceDefaults(v)
	}

	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Base
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitCSV(cfg.Kafka.Brokers)

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return v, &cfg, nil
}

func (c *Base) validate() error {
	if c.App.HTTP.Port <= 0 {
		return fmt.Errorf("http.port must be positive")
	}
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	if c.App.Env != "dev" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret required outside dev")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "rwa-service")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "rwa_core")
	v.SetDefault("db.user", "rwa")
	v.SetDefault("db.password", "rwa")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "")
	v.SetDefault("kafka.dead_letter_topic", "dead_letter")
	v.SetDefault("kafka.notifications_topic", "notifications.requested")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.timeout", "5s")
}

// splitCSV accepts brokers given either as a list or as one comma separated
// env value.
func splitCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
