// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是服务的全量配置。来源是 yaml 配置文件，个别字段允许环境变量覆盖。
type Config struct {
	App struct {
		Name string `yaml:"name"`
		Port int    `yaml:"port"`
	} `yaml:"app"`

	Infra struct {
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Nacos struct {
			ServerAddrs string `yaml:"server_addrs"` // 为空时跳过注册
			Namespace   string `yaml:"namespace"`
			Group       string `yaml:"group"`
		} `yaml:"nacos"`
		Kafka struct {
			Brokers           []string `yaml:"brokers"`
			NotificationTopic string   `yaml:"notification_topic"`
			DeadLetterTopic   string   `yaml:"deadletter_topic"`
			DeadLetterGroup   string   `yaml:"deadletter_group"`
		} `yaml:"kafka"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		Mysql struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
	} `yaml:"infra"`

	// Store 选择订单记录的存储后端。
	Store struct {
		Backend string `yaml:"backend"` // memory | redis | mysql
	} `yaml:"store"`

	Gateway struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"gateway"`

	Calendar struct {
		BaseURL    string `yaml:"base_url"`
		CalendarID string `yaml:"calendar_id"`
	} `yaml:"calendar"`

	Effects struct {
		MaxAttempts   int      `yaml:"max_attempts"`
		BackoffBase   Duration `yaml:"backoff_base"`
		SweepInterval Duration `yaml:"sweep_interval"`
	} `yaml:"effects"`
}

// Duration 让 yaml 配置可以写 "200ms"、"5m" 这样的时长字面量。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转回标准库的 time.Duration。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

var currentConfig atomic.Pointer[Config]

// Init 加载配置文件并应用环境变量覆盖。必须在 StartService 之前调用。
func Init() {
	path := getEnv("CONFIG_PATH", "configs/config.yaml")

	cfg := defaultConfig()
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			panic(fmt.Sprintf("FATAL: invalid config file %s: %v", path, err))
		}
	}

	// 环境变量优先于配置文件，便于容器化部署
	cfg.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.ServerAddrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.Token = getEnv("GATEWAY_TOKEN", cfg.Gateway.Token)
	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)

	currentConfig.Store(cfg)
}

// GetCurrentConfig 返回当前生效的配置。
func GetCurrentConfig() *Config {
	cfg := currentConfig.Load()
	if cfg == nil {
		panic("bootstrap.Init must be called before GetCurrentConfig")
	}
	return cfg
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "reconciler-service"
	cfg.App.Port = 8080
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Kafka.NotificationTopic = "notifications"
	cfg.Infra.Kafka.DeadLetterTopic = "reconciliation-effects-dlt"
	cfg.Infra.Kafka.DeadLetterGroup = "reconciliation-dlt-watcher"
	cfg.Store.Backend = "memory"
	cfg.Effects.MaxAttempts = 3
	cfg.Effects.BackoffBase = Duration(200 * time.Millisecond)
	cfg.Effects.SweepInterval = Duration(5 * time.Minute)
	return cfg
}

// getEnv 从环境变量中读取配置，缺省时返回 fallback。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
