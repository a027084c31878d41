package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации сервиса governance.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера консоли.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL — работаем без архива.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub). Пустой Addr — без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для `governor token`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	PublicKey      []byte
	PrivateKey     []byte
}

// GovernanceConfig — параметры ядра и архивации аудита.
type GovernanceConfig struct {
	RulesFile         string        `mapstructure:"rules_file"`
	CheckpointTTL     time.Duration `mapstructure:"checkpoint_ttl"` // 0 — Checkpoint бессрочный
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	WarnRatio         float64       `mapstructure:"warn_ratio"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	PublishEvents     bool          `mapstructure:"publish_events"`
	ListenLockSignals bool          `mapstructure:"listen_lock_signals"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Настройки Circuit Breaker для архива аудита
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	ArchiveRPS    float64       `mapstructure:"archive_rps"`
	ArchiveBurst  int           `mapstructure:"archive_burst"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path — явный файл (флаг --config), пустой — поиск config.yaml в . и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает заведомо нерабочие значения до старта сервиса.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("config: server.port must be positive")
	case c.Governance.WarnRatio <= 0 || c.Governance.WarnRatio > 1:
		return fmt.Errorf("config: governance.warn_ratio must be in (0, 1]")
	case c.Governance.CheckpointTTL < 0:
		return fmt.Errorf("config: governance.checkpoint_ttl must be >= 0")
	case c.Governance.SweepInterval <= 0:
		return fmt.Errorf("config: governance.sweep_interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("governance.checkpoint_ttl", 24*time.Hour)
	v.SetDefault("governance.sweep_interval", 30*time.Second)
	v.SetDefault("governance.warn_ratio", 0.8)
	v.SetDefault("governance.event_buffer", 64)
	v.SetDefault("governance.publish_events", true)
	v.SetDefault("governance.listen_lock_signals", true)
	v.SetDefault("governance.audit_buffer_size", 1000)
	v.SetDefault("governance.audit_batch_size", 100)
	v.SetDefault("governance.audit_flush_interval", 1*time.Second)
	v.SetDefault("governance.cb_max_requests", 3)
	v.SetDefault("governance.cb_interval", 5*time.Second)
	v.SetDefault("governance.cb_timeout", 30*time.Second)
	v.SetDefault("governance.archive_rps", 50)
	v.SetDefault("governance.archive_burst", 10)
}

// loadKeyResource — PEM-ключ из ENV (Docker/K8s) или из файла по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
