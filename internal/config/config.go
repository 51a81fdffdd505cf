package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Vision   VisionConfig   `yaml:"vision"`
	Match    MatchConfig    `yaml:"match"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	Bucket       string        `yaml:"bucket"`
	UseSSL       bool          `yaml:"use_ssl"`
	PresignedTTL time.Duration `yaml:"presigned_ttl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MaxFaces           int     `yaml:"max_faces"`
	WorkingSizeMin     int     `yaml:"working_size_min"`
	WorkingSizeMax     int     `yaml:"working_size_max"`
	MinFaceFraction    float64 `yaml:"min_face_fraction"`
}

// MatchOrder selects the user-visible ordering of search results. The two
// policies are mutually exclusive; a deployment picks one.
type MatchOrder string

const (
	OrderSimilarity    MatchOrder = "similarity"    // descending score
	OrderChronological MatchOrder = "chronological" // ascending upload time
)

type MatchConfig struct {
	Threshold float64       `yaml:"threshold"`
	Order     MatchOrder    `yaml:"order"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type IngestConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Concurrency  int           `yaml:"concurrency"`
	ChunkSize    int           `yaml:"chunk_size"`
	PerFileCost  int64         `yaml:"per_file_cost"`
	ChunkPause   time.Duration `yaml:"chunk_pause"`
	WorkerCount  int           `yaml:"worker_count"`
	UseQueue     bool          `yaml:"use_queue"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Match.Order {
	case OrderSimilarity, OrderChronological:
	default:
		return fmt.Errorf("invalid match order %q", c.Match.Order)
	}
	if c.Vision.WorkingSizeMin >= c.Vision.WorkingSizeMax {
		return fmt.Errorf("working size range %d..%d is empty",
			c.Vision.WorkingSizeMin, c.Vision.WorkingSizeMax)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.PresignedTTL == 0 {
		cfg.MinIO.PresignedTTL = time.Hour
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.MaxFaces == 0 {
		cfg.Vision.MaxFaces = 20
	}
	if cfg.Vision.WorkingSizeMin == 0 {
		cfg.Vision.WorkingSizeMin = 300
	}
	if cfg.Vision.WorkingSizeMax == 0 {
		cfg.Vision.WorkingSizeMax = 1024
	}
	if cfg.Vision.MinFaceFraction == 0 {
		cfg.Vision.MinFaceFraction = 0.05
	}
	if cfg.Match.Threshold == 0 {
		cfg.Match.Threshold = 0.45
	}
	if cfg.Match.Order == "" {
		cfg.Match.Order = OrderSimilarity
	}
	if cfg.Match.BatchSize == 0 {
		cfg.Match.BatchSize = 100
	}
	if cfg.Match.Timeout == 0 {
		cfg.Match.Timeout = 3 * time.Minute
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryBackoff == 0 {
		cfg.Ingest.RetryBackoff = 2 * time.Second
	}
	if cfg.Ingest.Concurrency == 0 {
		cfg.Ingest.Concurrency = 3
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 50
	}
	if cfg.Ingest.PerFileCost == 0 {
		cfg.Ingest.PerFileCost = 100 * 1024 * 1024
	}
	if cfg.Ingest.ChunkPause == 0 {
		cfg.Ingest.ChunkPause = 500 * time.Millisecond
	}
	if cfg.Ingest.WorkerCount == 0 {
		cfg.Ingest.WorkerCount = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SNAPMATCH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SNAPMATCH_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("SNAPMATCH_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("SNAPMATCH_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("SNAPMATCH_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("SNAPMATCH_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("SNAPMATCH_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("SNAPMATCH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("SNAPMATCH_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("SNAPMATCH_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("SNAPMATCH_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("SNAPMATCH_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("SNAPMATCH_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("SNAPMATCH_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Match.Threshold = f
		}
	}
	if v := os.Getenv("SNAPMATCH_MATCH_ORDER"); v != "" {
		cfg.Match.Order = MatchOrder(v)
	}
	if v := os.Getenv("SNAPMATCH_INGEST_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.WorkerCount = n
		}
	}
}
