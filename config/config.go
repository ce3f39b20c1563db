package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server        ServerConfig
	Monitor       ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Broker        BrokerConfig
	Outbox        OutboxConfig
	View          ViewConfig
	Elasticsearch ElasticsearchConfig
	InfluxDB      InfluxDBConfig
	NewRelic      NewRelicConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port int
	Mode string // debug, release, test
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Driver   string // postgres, sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite file
	Debug    bool
	MaxOpen  int
	MaxIdle  int
	MaxLife  time.Duration
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// BrokerConfig selects the event transport and holds per-driver settings
type BrokerConfig struct {
	Driver      string // memory, servicebus, nats, kafka
	Queue       string
	DialTimeout time.Duration
	ServiceBus  ServiceBusConfig
	NATS        NATSConfig
	Kafka       KafkaConfig
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString string
}

// NATSConfig holds the NATS JetStream configuration
type NATSConfig struct {
	URL      string
	Stream   string
	Consumer string
}

// KafkaConfig holds the Kafka configuration
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// OutboxConfig controls the transactional outbox relay
type OutboxConfig struct {
	Enabled      bool
	Interval     time.Duration
	BatchSize    int
	FlushTimeout time.Duration
}

// ViewConfig selects the secondary view backend
type ViewConfig struct {
	Driver string // memory, elasticsearch
}

// ElasticsearchConfig holds the Elasticsearch configuration
type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Prefix   string
}

// InfluxDBConfig holds the optional time-series sink configuration
type InfluxDBConfig struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/registry-service")
		viper.SetConfigName("config")
	}

	// REGISTRY_SERVER_PORT overrides server.port
	viper.SetEnvPrefix("REGISTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	viper.SetDefault("server.port", 5001)
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("monitor.port", 5002)
	viper.SetDefault("monitor.mode", "debug")

	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "registry")
	viper.SetDefault("database.password", "registry")
	viper.SetDefault("database.dbname", "device_registry")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.path", "registry.db")
	viper.SetDefault("database.debug", false)
	viper.SetDefault("database.maxopen", 50)
	viper.SetDefault("database.maxidle", 10)
	viper.SetDefault("database.maxlife", 30*time.Minute)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttl", 10*time.Minute)

	viper.SetDefault("broker.driver", "memory")
	viper.SetDefault("broker.queue", "device_events")
	viper.SetDefault("broker.dialtimeout", 5*time.Second)
	// no default connection string for Service Bus
	viper.SetDefault("broker.nats.url", "nats://localhost:4222")
	viper.SetDefault("broker.nats.stream", "")
	viper.SetDefault("broker.nats.consumer", "device-monitor")
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.kafka.groupid", "device-monitor")

	viper.SetDefault("outbox.enabled", true)
	viper.SetDefault("outbox.interval", 5*time.Second)
	viper.SetDefault("outbox.batchsize", 100)
	viper.SetDefault("outbox.flushtimeout", 30*time.Second)

	viper.SetDefault("view.driver", "memory")
	viper.SetDefault("elasticsearch.url", "http://localhost:9200")
	viper.SetDefault("elasticsearch.prefix", "iot")

	viper.SetDefault("influxdb.enabled", false)
	viper.SetDefault("influxdb.url", "http://localhost:8086")
	viper.SetDefault("influxdb.org", "iot")
	viper.SetDefault("influxdb.bucket", "telemetry")
	viper.SetDefault("influxdb.batchsize", 100)
	viper.SetDefault("influxdb.flushinterval", 10)

	viper.SetDefault("newrelic.appname", "Registry Service Local")
	viper.SetDefault("newrelic.enabled", false)
}

// Load loads the configuration
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("server.port"),
			Mode: viper.GetString("server.mode"),
		},
		Monitor: ServerConfig{
			Port: viper.GetInt("monitor.port"),
			Mode: viper.GetString("monitor.mode"),
		},
		Database: DatabaseConfig{
			Driver:   viper.GetString("database.driver"),
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
			Path:     viper.GetString("database.path"),
			Debug:    viper.GetBool("database.debug"),
			MaxOpen:  viper.GetInt("database.maxopen"),
			MaxIdle:  viper.GetInt("database.maxidle"),
			MaxLife:  viper.GetDuration("database.maxlife"),
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetInt("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			TTL:      viper.GetDuration("redis.ttl"),
		},
		Broker: BrokerConfig{
			Driver:      viper.GetString("broker.driver"),
			Queue:       viper.GetString("broker.queue"),
			DialTimeout: viper.GetDuration("broker.dialtimeout"),
			ServiceBus: ServiceBusConfig{
				ConnectionString: viper.GetString("broker.servicebus.connectionstring"),
			},
			NATS: NATSConfig{
				URL:      viper.GetString("broker.nats.url"),
				Stream:   viper.GetString("broker.nats.stream"),
				Consumer: viper.GetString("broker.nats.consumer"),
			},
			Kafka: KafkaConfig{
				Brokers: viper.GetStringSlice("broker.kafka.brokers"),
				GroupID: viper.GetString("broker.kafka.groupid"),
			},
		},
		Outbox: OutboxConfig{
			Enabled:      viper.GetBool("outbox.enabled"),
			Interval:     viper.GetDuration("outbox.interval"),
			BatchSize:    viper.GetInt("outbox.batchsize"),
			FlushTimeout: viper.GetDuration("outbox.flushtimeout"),
		},
		View: ViewConfig{
			Driver: viper.GetString("view.driver"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      viper.GetString("elasticsearch.url"),
			Username: viper.GetString("elasticsearch.username"),
			Password: viper.GetString("elasticsearch.password"),
			Prefix:   viper.GetString("elasticsearch.prefix"),
		},
		InfluxDB: InfluxDBConfig{
			Enabled:       viper.GetBool("influxdb.enabled"),
			URL:           viper.GetString("influxdb.url"),
			Token:         viper.GetString("influxdb.token"),
			Org:           viper.GetString("influxdb.org"),
			Bucket:        viper.GetString("influxdb.bucket"),
			BatchSize:     viper.GetInt("influxdb.batchsize"),
			FlushInterval: viper.GetInt("influxdb.flushinterval"),
		},
		NewRelic: NewRelicConfig{
			AppName:    viper.GetString("newrelic.appname"),
			LicenseKey: viper.GetString("newrelic.licensekey"),
			Enabled:    viper.GetBool("newrelic.enabled"),
		},
	}

	if cfg.Broker.Queue == "" {
		return nil, fmt.Errorf("broker.queue must not be empty")
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = 100
	}

	return cfg, nil
}
