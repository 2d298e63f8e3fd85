package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.Username, d.Password, d.Host, d.Port, d.DBName, ssl)
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	BookingEventsTopicName string `yaml:"booking_events_topic_name"`
}

func (k KafkaConfig) Addr() string { return fmt.Sprintf("%s:%d", k.Host, k.Port) }

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	// Queue воркера; все воркеры читают одну durable очередь.
	Queue string `yaml:"queue"`
}

type DispatchConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	WorkerHTTPAddr     string `yaml:"worker_http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	BookingCacheTTLSeconds int `yaml:"booking_cache_ttl_seconds"`

	SequenceBackend     string `yaml:"sequence_backend"` // "postgres" | "redis"
	BookingNumberPrefix string `yaml:"booking_number_prefix"`
	BookingNumberWidth  int    `yaml:"booking_number_width"`

	Notifier string `yaml:"notifier"` // "kafka" | "rabbitmq"

	RatingWeight float64 `yaml:"rating_weight"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	// Повторный поиск агента. Нули = дефолты: urgent/emergency 5s..120s x6, normal 600s x18.
	UrgentBackoffInitialSeconds int `yaml:"urgent_backoff_initial_seconds"`
	UrgentBackoffMaxSeconds     int `yaml:"urgent_backoff_max_seconds"`
	UrgentMaxAttempts           int `yaml:"urgent_max_attempts"`
	NormalRetryIntervalSeconds  int `yaml:"normal_retry_interval_seconds"`
	NormalMaxAttempts           int `yaml:"normal_max_attempts"`
}

// LoadDotEnv подтягивает .env, если он есть. Отсутствие файла не ошибка.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
