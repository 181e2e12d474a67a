package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/registry"
	"github.com/GoogleCloudPlatform/microservices-demo/src/paymentproxyservice/pkg/trust"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

const (
	cfgPath   = "./config"
	envPrefix = "PAYMENTPROXY"
)

type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	LogLevel        string        `mapstructure:"log_level"`
}

type Gateway struct {
	Mode            string        `mapstructure:"mode"`
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	WebhookID       string        `mapstructure:"webhook_id"`
	BaseURL         string        `mapstructure:"base_url"`
	IPNURL          string        `mapstructure:"ipn_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BrandName       string        `mapstructure:"brand_name"`
	CaptureOnReturn bool          `mapstructure:"capture_on_return"`
}

type Trust struct {
	Window       time.Duration `mapstructure:"window"`
	TokenVersion string        `mapstructure:"token_version"`
}

type Store struct {
	ID           string `mapstructure:"id"`
	Label        string `mapstructure:"label"`
	BaseURL      string `mapstructure:"base_url"`
	SharedSecret string `mapstructure:"shared_secret"`
}

type MySQL struct {
	// DSN, when set, is used verbatim.
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Redis struct {
	Addr          string   `mapstructure:"addr"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`
	MasterName    string   `mapstructure:"master_name"`
	Password      string   `mapstructure:"password"`
	DB            int      `mapstructure:"db"`
}

type RocketMQ struct {
	NameServers []string `mapstructure:"name_servers"`
	GroupName   string   `mapstructure:"group_name"`
	Topic       string   `mapstructure:"topic"`
	Retry       int      `mapstructure:"retry"`
}

type Notify struct {
	Path            string        `mapstructure:"path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxTries        uint          `mapstructure:"max_tries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`

	RedeliveryInterval time.Duration `mapstructure:"redelivery_interval"`
	RedeliveryDelay    time.Duration `mapstructure:"redelivery_delay"`
	RedeliveryMaxDelay time.Duration `mapstructure:"redelivery_max_delay"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BatchSize          int           `mapstructure:"batch_size"`
}

type Reconcile struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type RateLimit struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

type Config struct {
	Server    Server    `mapstructure:"server"`
	Gateway   Gateway   `mapstructure:"gateway"`
	Trust     Trust     `mapstructure:"trust"`
	Stores    []Store   `mapstructure:"stores"`
	MySQL     MySQL     `mapstructure:"mysql"`
	Redis     Redis     `mapstructure:"redis"`
	RocketMQ  RocketMQ  `mapstructure:"rocketmq"`
	Notify    Notify    `mapstructure:"notify"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	RateLimit RateLimit `mapstructure:"ratelimit"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("gateway.mode", client.ModeSandbox)
	v.SetDefault("gateway.client_id", "")
	v.SetDefault("gateway.client_secret", "")
	v.SetDefault("gateway.webhook_id", "")
	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.ipn_url", "")
	v.SetDefault("gateway.timeout", "45s")
	v.SetDefault("gateway.brand_name", "")
	v.SetDefault("gateway.capture_on_return", false)

	v.SetDefault("trust.window", trust.DefaultWindow.String())
	v.SetDefault("trust.token_version", "v1")

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "paymentproxy")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.sentinel_addrs", []string{})
	v.SetDefault("redis.master_name", "mymaster")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rocketmq.name_servers", []string{})
	v.SetDefault("rocketmq.group_name", "paymentproxy_status_producer_group")
	v.SetDefault("rocketmq.topic", "proxy_order_status_events")
	v.SetDefault("rocketmq.retry", 2)

	v.SetDefault("notify.path", "/update-order")
	v.SetDefault("notify.timeout", "45s")
	v.SetDefault("notify.max_tries", 3)
	v.SetDefault("notify.initial_interval", "500ms")
	v.SetDefault("notify.max_interval", "5s")
	v.SetDefault("notify.redelivery_interval", "30s")
	v.SetDefault("notify.redelivery_delay", "1m")
	v.SetDefault("notify.redelivery_max_delay", "6h")
	v.SetDefault("notify.max_attempts", 12)
	v.SetDefault("notify.batch_size", 50)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.stale_after", "10m")
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.concurrency", 5)
	v.SetDefault("reconcile.max_attempts", 8)
	v.SetDefault("reconcile.base_delay", "5m")
	v.SetDefault("reconcile.max_delay", "6h")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rate", 5.0)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "paymentproxyservice")
}

// LoadConfig reads path, or ./config/config.yaml when path is empty.
// PAYMENTPROXY_<SECTION>_<KEY> environment variables override the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(cfgPath)
		v.SetConfigName("config")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Gateway.Mode {
	case client.ModeSandbox, client.ModeLive:
	default:
		return fmt.Errorf("gateway.mode must be %q or %q, got %q", client.ModeSandbox, client.ModeLive, c.Gateway.Mode)
	}
	if _, err := c.TokenVersion(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func (c *Config) TokenVersion() (trust.Version, error) {
	switch strings.ToLower(c.Trust.TokenVersion) {
	case "", "v1":
		return trust.V1, nil
	case "v2":
		return trust.V2, nil
	}
	return 0, fmt.Errorf("trust.token_version must be v1 or v2, got %q", c.Trust.TokenVersion)
}

// Registry builds the store registry from the stores section.
func (c *Config) Registry() (*registry.Registry, error) {
	stores := make([]registry.Store, 0, len(c.Stores))
	for _, s := range c.Stores {
		stores = append(stores, registry.Store{ID: s.ID, Label: s.Label, BaseURL: s.BaseURL, SharedSecret: s.SharedSecret})
	}
	return registry.New(stores)
}

func (c *Config) GatewayConfig() client.Config {
	return client.Config{
		Mode:         c.Gateway.Mode,
		ClientID:     c.Gateway.ClientID,
		ClientSecret: c.Gateway.ClientSecret,
		WebhookID:    c.Gateway.WebhookID,
		Timeout:      c.Gateway.Timeout,
		BaseURL:      c.Gateway.BaseURL,
		IPNURL:       c.Gateway.IPNURL,
	}
}

func GetDbConnString(cfg *Config) string {
	if cfg.MySQL.DSN != "" {
		return cfg.MySQL.DSN
	}
	m := mysql.NewConfig()
	m.User = cfg.MySQL.User
	m.Passwd = cfg.MySQL.Password
	m.Net = "tcp"
	m.Addr = net.JoinHostPort(cfg.MySQL.Host, strconv.Itoa(cfg.MySQL.Port))
	m.DBName = cfg.MySQL.Database
	m.ParseTime = true
	m.Loc = time.UTC
	m.Params = map[string]string{"charset": "utf8mb4"}
	return m.FormatDSN()
}

func GetServerAddr(cfg *Config) string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}
