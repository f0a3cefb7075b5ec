// Package config loads the service configuration.
//
// Configuration is layered, lowest precedence first:
//  1. built-in defaults (Default),
//  2. an optional YAML file (config.yaml, or the file named by CONFIG_PATH),
//  3. environment variables, optionally seeded from a .env file.
//
// The result is validated once at startup so a broken deployment fails fast
// instead of failing on the first submission.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bluefermion/issuecapture/internal/model"
)

// Config aggregates every setting of the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	// Projects are upserted at startup. Project CRUD lives elsewhere; this
	// list is how a deployment provisions its ingestion keys.
	Projects []model.Project `yaml:"projects"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MaxBodyBytes caps the whole ingestion request body.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres | mysql
	DSN    string `yaml:"dsn"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // fs | minio
	// Root is the storage root; storagePath values are relative to it.
	Root          string        `yaml:"root"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	// OrphanGrace is how old an unreferenced object or temp file must be
	// before the sweep removes it.
	OrphanGrace time.Duration `yaml:"orphanGrace"`
	Minio       MinioConfig   `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"useSSL"`
}

type IngestConfig struct {
	TitleMaxLen        int      `yaml:"titleMaxLen"`
	DescriptionMaxLen  int      `yaml:"descriptionMaxLen"`
	MaxScreenshotBytes int64    `yaml:"maxScreenshotBytes"`
	AllowedMimeTypes   []string `yaml:"allowedMimeTypes"`
	SelectorMaxLen     int      `yaml:"selectorMaxLen"`
	OuterHTMLMaxLen    int      `yaml:"outerHTMLMaxLen"`
	MetadataFieldMax   int      `yaml:"metadataFieldMax"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type RateLimitConfig struct {
	// Capacity of the per-client token bucket; 0 disables rate limiting.
	Capacity        int `yaml:"capacity"`
	RefillPerSecond int `yaml:"refillPerSecond"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`    // debug | info | warn | error
	Encoding string `yaml:"encoding"` // console | json
}

// orphanGraceHeadroom is added to the request timeout to get the smallest
// accepted storage.orphanGrace.
const orphanGraceHeadroom = time.Minute

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    12 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "issues.db",
		},
		Storage: StorageConfig{
			Backend:       "fs",
			Root:          "storage/uploads",
			SweepInterval: 30 * time.Minute,
			OrphanGrace:   time.Hour,
			Minio: MinioConfig{
				BucketName: "issue-screenshots",
				Region:     "us-east-1",
			},
		},
		Ingest: IngestConfig{
			TitleMaxLen:        200,
			DescriptionMaxLen:  5000,
			MaxScreenshotBytes: 5 << 20,
			AllowedMimeTypes:   []string{"image/png", "image/jpeg", "image/webp", "image/gif"},
			SelectorMaxLen:     1000,
			OuterHTMLMaxLen:    10000,
			MetadataFieldMax:   2048,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Capacity:        30,
			RefillPerSecond: 1,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnvironment builds the runtime configuration: .env, then the YAML
// file, then environment overrides, then validation.
func FromEnvironment() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// os.LookupEnv in production and a map lookup in tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		c.Server.RequestTimeout = d
	}

	str("ISSUES_DB_DRIVER", &c.Database.Driver)
	str("ISSUES_DB_DSN", &c.Database.DSN)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_ROOT", &c.Storage.Root)
	str("MINIO_ENDPOINT", &c.Storage.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)
	str("MINIO_BUCKET", &c.Storage.Minio.BucketName)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_ENCODING", &c.Logging.Encoding)

	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		c.CORS.AllowedOrigins = parseCSV(v)
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.requestTimeout must be positive"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			errs = append(errs, errors.New("storage.root is required for the fs backend"))
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.BucketName == "" {
			errs = append(errs, errors.New("storage.minio.endpoint and bucketName are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q not supported", c.Storage.Backend))
	}
	if c.Storage.OrphanGrace < 0 {
		errs = append(errs, errors.New("storage.orphanGrace must not be negative"))
	}
	// An object is written before its issue row commits. The sweep must not
	// see it as an orphan while that request can still be running.
	if minGrace := c.Server.RequestTimeout + orphanGraceHeadroom; c.Storage.SweepInterval > 0 && c.Storage.OrphanGrace < minGrace {
		errs = append(errs, fmt.Errorf("storage.orphanGrace %s must be at least %s (server.requestTimeout plus %s) while the sweep is enabled",
			c.Storage.OrphanGrace, minGrace, orphanGraceHeadroom))
	}
	if c.Ingest.MaxScreenshotBytes <= 0 {
		errs = append(errs, errors.New("ingest.maxScreenshotBytes must be positive"))
	}
	if len(c.Ingest.AllowedMimeTypes) == 0 {
		errs = append(errs, errors.New("ingest.allowedMimeTypes must not be empty"))
	}
	for _, mt := range c.Ingest.AllowedMimeTypes {
		if _, ok := model.ScreenshotExtension(model.CanonicalMimeType(mt)); !ok {
			errs = append(errs, fmt.Errorf("ingest.allowedMimeTypes: %q cannot be stored", mt))
		}
	}
	if c.Ingest.TitleMaxLen <= 0 || c.Ingest.DescriptionMaxLen <= 0 {
		errs = append(errs, errors.New("ingest title/description limits must be positive"))
	}
	// The body must be able to carry a maximal screenshot in base64 plus the
	// text fields, otherwise oversized captures could never degrade.
	if minBody := c.Ingest.MaxScreenshotBytes*4/3 + 64<<10; c.Server.MaxBodyBytes < minBody {
		errs = append(errs, fmt.Errorf("server.maxBodyBytes %d is below the %d needed for a maximal screenshot", c.Server.MaxBodyBytes, minBody))
	}
	for i, p := range c.Projects {
		if p.Key == "" || p.ID == "" {
			errs = append(errs, fmt.Errorf("projects[%d]: key and id are required", i))
		}
	}

	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func parseCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
