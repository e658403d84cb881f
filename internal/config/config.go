// Package config handles loading and parsing of the file storage configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// MinimumPartSize is the smallest multipart part S3 accepts (except the last).
const MinimumPartSize = 5 * 1024 * 1024

// Config is the top-level configuration.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	S3            S3Config            `yaml:"s3"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// S3Config holds the object store client and file storage settings.
type S3Config struct {
	// Bucket is the S3 bucket holding all files.
	Bucket string `yaml:"bucket"`
	// Region is the bucket region, also used as location constraint on creation.
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `yaml:"endpoint"`
	// PathStyle forces path-style addressing.
	PathStyle bool `yaml:"path_style"`
	// AccessKey and SecretKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Prefix namespaces every key of this file storage; it must not contain "/".
	Prefix string `yaml:"prefix"`
	// ChunkSize is the upload chunk size, e.g. "8MB". Must be at least 5 MiB.
	ChunkSize string `yaml:"chunk_size"`
	// MemoryThreshold is the largest chunk held in memory, e.g. "16MB".
	// Larger chunks spool to TempDir. Zero keeps every chunk in memory.
	MemoryThreshold string `yaml:"memory_threshold"`
	// UploadPartCopy enables server-side UploadPartCopy for append and truncate.
	UploadPartCopy bool `yaml:"upload_part_copy"`
	// RetriesOnConnectionPoolTimeout is the number of extra attempts when no
	// pooled connection became available in time.
	RetriesOnConnectionPoolTimeout int `yaml:"retries_on_connection_pool_timeout"`
	// MaxConnections bounds concurrent requests to the object store.
	MaxConnections int `yaml:"max_connections"`
	// ConnectionPoolTimeout is how long a request waits for a free connection.
	ConnectionPoolTimeout time.Duration `yaml:"connection_pool_timeout"`
	// SDKMaxAttempts is the AWS SDK's own retry attempt count.
	SDKMaxAttempts int `yaml:"sdk_max_attempts"`
	// ConnectTimeout bounds establishing a connection to the store. Zero keeps
	// the SDK default.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ReadTimeout bounds the wait for response headers. Zero disables it.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// Encryption selects server- and client-side encryption.
	Encryption EncryptionConfig `yaml:"encryption"`
	// TempDir is where uploads are spooled. Empty uses the system temp dir.
	TempDir string `yaml:"temp_dir"`
}

// EncryptionConfig holds the encryption switches.
type EncryptionConfig struct {
	// ServerSide enables SSE-S3 (AES256) on every write and the bucket policy.
	ServerSide bool `yaml:"server_side"`
	// ClientSide marks the injected client as encrypting; chunks are block aligned.
	ClientSide bool `yaml:"client_side"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// ChunkSizeBytes returns the parsed chunk size.
func (c S3Config) ChunkSizeBytes() (int64, error) {
	return parseBytes("s3.chunk_size", c.ChunkSize)
}

// MemoryThresholdBytes returns the parsed memory threshold (0 when unset).
func (c S3Config) MemoryThresholdBytes() (int64, error) {
	if strings.TrimSpace(c.MemoryThreshold) == "" {
		return 0, nil
	}
	return parseBytes("s3.memory_threshold", c.MemoryThreshold)
}

func parseBytes(field, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return int64(n), nil
}

// Load reads a YAML configuration file from the given path and returns
// a parsed and validated Config with defaults applied. If the primary path
// cannot be read, it falls back to s3filestore.example.yaml in the same
// directory or the parent directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "s3filestore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "s3filestore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		S3: S3Config{
			Region:                "us-east-1",
			ChunkSize:             "8MiB",
			UploadPartCopy:        true,
			MaxConnections:        50,
			ConnectionPoolTimeout: 10 * time.Second,
			SDKMaxAttempts:        3,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9090,
			ShutdownTimeout: 30,
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = def.S3.Region
	}
	if cfg.S3.ChunkSize == "" {
		cfg.S3.ChunkSize = def.S3.ChunkSize
	}
	if cfg.S3.MaxConnections <= 0 {
		cfg.S3.MaxConnections = def.S3.MaxConnections
	}
	if cfg.S3.ConnectionPoolTimeout <= 0 {
		cfg.S3.ConnectionPoolTimeout = def.S3.ConnectionPoolTimeout
	}
	if cfg.S3.SDKMaxAttempts <= 0 {
		cfg.S3.SDKMaxAttempts = def.S3.SDKMaxAttempts
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if c.S3.Prefix == "" || strings.Contains(c.S3.Prefix, "/") {
		return fmt.Errorf("s3.prefix %q must be non-empty and must not contain '/'", c.S3.Prefix)
	}
	chunkSize, err := c.S3.ChunkSizeBytes()
	if err != nil {
		return err
	}
	if chunkSize < MinimumPartSize {
		return fmt.Errorf("s3.chunk_size %s is below the multipart minimum of %s",
			humanize.IBytes(uint64(chunkSize)), humanize.IBytes(MinimumPartSize))
	}
	if _, err := c.S3.MemoryThresholdBytes(); err != nil {
		return err
	}
	if c.S3.RetriesOnConnectionPoolTimeout < 0 {
		return fmt.Errorf("s3.retries_on_connection_pool_timeout must not be negative")
	}
	if c.S3.ConnectTimeout < 0 || c.S3.ReadTimeout < 0 {
		return fmt.Errorf("s3.connect_timeout and s3.read_timeout must not be negative")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		return fmt.Errorf("s3.access_key and s3.secret_key must be set together")
	}
	return nil
}
