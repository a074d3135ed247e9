package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

// Config holds all configuration for the service
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Ingestion   IngestionConfig `mapstructure:"ingestion"`
	Training    TrainingConfig  `mapstructure:"training"`
	Filters     FilterConfig    `mapstructure:"filters"`
	Auth        AuthConfig      `mapstructure:"auth"`
	RateLimits  RateLimitConfig `mapstructure:"rate_limits"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// MigrateURL builds the URL used by golang-migrate.
func (d DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds event publication configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// IngestionRule routes validated studies of one study type into training
// records for a model type.
type IngestionRule struct {
	StudyType  string  `mapstructure:"study_type"`
	ModelType  string  `mapstructure:"model_type"`
	MinQuality float64 `mapstructure:"min_quality"`
	AutoIngest bool    `mapstructure:"auto_ingest"`
}

// IngestionConfig holds study validation and auto-ingestion configuration
type IngestionConfig struct {
	QualityThreshold float64         `mapstructure:"quality_threshold"`
	Rules            []IngestionRule `mapstructure:"rules"`
}

// RetryConfig bounds retries against external capabilities
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// TrainingConfig holds trainer and retraining trigger configuration
type TrainingConfig struct {
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	Backend            string        `mapstructure:"backend"`
	BackendURL         string        `mapstructure:"backend_url"`
	BackendTimeout     time.Duration `mapstructure:"backend_timeout"`
	Retry              RetryConfig   `mapstructure:"retry"`
	MinTrainingSamples int           `mapstructure:"min_training_samples"`
	PromotionTolerance float64       `mapstructure:"promotion_tolerance"`
	RetrainThreshold   int           `mapstructure:"retrain_threshold"`
	MaxModelAge        time.Duration `mapstructure:"max_model_age"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	Seed               int64         `mapstructure:"seed"`
}

// FilterConfig holds predictive filter configuration
type FilterConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	MaxDataAge     time.Duration `mapstructure:"max_data_age"`
	GridResolution float64       `mapstructure:"grid_resolution"`
	MaxPredictions int           `mapstructure:"max_predictions"`

	// Default bounding box for new filters, (min_lon, min_lat, max_lon, max_lat)
	MinLongitude float64 `mapstructure:"min_longitude"`
	MinLatitude  float64 `mapstructure:"min_latitude"`
	MaxLongitude float64 `mapstructure:"max_longitude"`
	MaxLatitude  float64 `mapstructure:"max_latitude"`
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	// Tokens maps bearer token -> caller name used in audit logs.
	Tokens map[string]string `mapstructure:"tokens"`
}

// RateLimitConfig holds per-endpoint-class token bucket rates (requests/min)
type RateLimitConfig struct {
	IngestPerMinute  int `mapstructure:"ingest_per_minute"`
	PredictPerMinute int `mapstructure:"predict_per_minute"`
	TrainPerMinute   int `mapstructure:"train_per_minute"`
	DefaultPerMinute int `mapstructure:"default_per_minute"`
}

// LoadConfig reads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "15s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "bgapp")
	viper.SetDefault("database.password", "bgapp")
	viper.SetDefault("database.dbname", "biodiversity")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "biodiversity.pipeline.events")

	viper.SetDefault("ingestion.quality_threshold", 0.7)
	viper.SetDefault("ingestion.rules", []map[string]interface{}{
		{"study_type": "species_survey", "model_type": "biodiversity_predictor", "min_quality": 0.7, "auto_ingest": true},
		{"study_type": "species_survey", "model_type": "species_classifier", "min_quality": 0.9, "auto_ingest": true},
		{"study_type": "habitat_assessment", "model_type": "habitat_suitability", "min_quality": 0.75, "auto_ingest": true},
		{"study_type": "ecosystem_health", "model_type": "biodiversity_predictor", "min_quality": 0.7, "auto_ingest": true},
		{"study_type": "fisheries_assessment", "model_type": "biodiversity_predictor", "min_quality": 0.7, "auto_ingest": true},
	})

	viper.SetDefault("training.workers", 2)
	viper.SetDefault("training.queue_size", 16)
	viper.SetDefault("training.backend", "baseline")
	viper.SetDefault("training.backend_url", "")
	viper.SetDefault("training.backend_timeout", "120s")
	viper.SetDefault("training.retry.max_attempts", 3)
	viper.SetDefault("training.retry.initial_backoff", "500ms")
	viper.SetDefault("training.retry.multiplier", 2.0)
	viper.SetDefault("training.min_training_samples", 10)
	viper.SetDefault("training.promotion_tolerance", 0.02)
	viper.SetDefault("training.retrain_threshold", 50)
	viper.SetDefault("training.max_model_age", "168h")
	viper.SetDefault("training.lock_ttl", "10m")
	viper.SetDefault("training.seed", 42)

	viper.SetDefault("filters.cache_ttl", "6h")
	viper.SetDefault("filters.max_data_age", "72h")
	viper.SetDefault("filters.grid_resolution", 0.05)
	viper.SetDefault("filters.max_predictions", 1000)
	// Angola coastal waters
	viper.SetDefault("filters.min_longitude", -18.0)
	viper.SetDefault("filters.min_latitude", -18.0)
	viper.SetDefault("filters.max_longitude", 17.5)
	viper.SetDefault("filters.max_latitude", -4.2)

	viper.SetDefault("auth.tokens", map[string]string{})

	viper.SetDefault("rate_limits.ingest_per_minute", 30)
	viper.SetDefault("rate_limits.predict_per_minute", 300)
	viper.SetDefault("rate_limits.train_per_minute", 2)
	viper.SetDefault("rate_limits.default_per_minute", 120)
}

// Validate rejects configurations that reference unknown enum values or
// relax the global quality gate. Misconfigured rules fail startup instead
// of silently dropping studies at runtime.
func (c *Config) Validate() error {
	if c.Ingestion.QualityThreshold < 0 || c.Ingestion.QualityThreshold > 1 {
		return fmt.Errorf("ingestion.quality_threshold must be in [0,1], got %v", c.Ingestion.QualityThreshold)
	}
	for i, rule := range c.Ingestion.Rules {
		if !isKnownStudyType(rule.StudyType) {
			return fmt.Errorf("ingestion.rules[%d]: unknown study type %q", i, rule.StudyType)
		}
		if !isKnownModelType(rule.ModelType) {
			return fmt.Errorf("ingestion.rules[%d]: unknown model type %q", i, rule.ModelType)
		}
		if rule.MinQuality < c.Ingestion.QualityThreshold {
			return fmt.Errorf("ingestion.rules[%d]: min_quality %v below global threshold %v",
				i, rule.MinQuality, c.Ingestion.QualityThreshold)
		}
	}
	if c.Training.Workers < 1 {
		return fmt.Errorf("training.workers must be positive")
	}
	if c.Training.Backend != "baseline" && c.Training.Backend != "http" {
		return fmt.Errorf("training.backend must be %q or %q, got %q", "baseline", "http", c.Training.Backend)
	}
	if c.Training.Backend == "http" && c.Training.BackendURL == "" {
		return fmt.Errorf("training.backend_url required when training.backend is http")
	}
	if c.Training.Retry.MaxAttempts < 1 {
		return fmt.Errorf("training.retry.max_attempts must be positive")
	}
	if c.Training.PromotionTolerance < 0 {
		return fmt.Errorf("training.promotion_tolerance must not be negative")
	}
	if c.Filters.GridResolution <= 0 {
		return fmt.Errorf("filters.grid_resolution must be positive")
	}
	if c.Filters.MaxPredictions < 1 {
		return fmt.Errorf("filters.max_predictions must be positive")
	}
	if c.Filters.MinLongitude >= c.Filters.MaxLongitude ||
		c.Filters.MinLatitude >= c.Filters.MaxLatitude {
		return fmt.Errorf("filters default bounding box is empty")
	}
	return nil
}

func isKnownStudyType(s string) bool {
	for _, t := range models.KnownStudyTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

func isKnownModelType(s string) bool {
	switch models.ModelType(s) {
	case models.ModelTypeBiodiversityPredictor, models.ModelTypeSpeciesClassifier, models.ModelTypeHabitatSuitability:
		return true
	}
	return false
}
