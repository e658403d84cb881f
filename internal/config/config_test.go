package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  format: json
s3:
  bucket: ox-filestore
  region: eu-central-1
  endpoint: http://localhost:9000
  path_style: true
  access_key: AKIA
  secret_key: secret
  prefix: 1337ctxstore
  chunk_size: 16MB
  memory_threshold: 32MiB
  upload_part_copy: false
  retries_on_connection_pool_timeout: 2
  connection_pool_timeout: 3s
  connect_timeout: 5s
  read_timeout: 1m
  encryption:
    server_side: true
server:
  port: 8081
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.S3.Bucket != "ox-filestore" || cfg.S3.Region != "eu-central-1" || !cfg.S3.PathStyle {
		t.Errorf("s3 = %+v", cfg.S3)
	}
	if cfg.S3.UploadPartCopy {
		t.Error("upload_part_copy should be false")
	}
	if !cfg.S3.Encryption.ServerSide || cfg.S3.Encryption.ClientSide {
		t.Errorf("encryption = %+v", cfg.S3.Encryption)
	}
	if cfg.S3.ConnectionPoolTimeout != 3*time.Second {
		t.Errorf("connection_pool_timeout = %v", cfg.S3.ConnectionPoolTimeout)
	}
	if cfg.S3.ConnectTimeout != 5*time.Second || cfg.S3.ReadTimeout != time.Minute {
		t.Errorf("timeouts = %v, %v", cfg.S3.ConnectTimeout, cfg.S3.ReadTimeout)
	}
	size, err := cfg.S3.ChunkSizeBytes()
	if err != nil || size != 16_000_000 {
		t.Errorf("ChunkSizeBytes = %d, %v", size, err)
	}
	threshold, err := cfg.S3.MemoryThresholdBytes()
	if err != nil || threshold != 32*1024*1024 {
		t.Errorf("MemoryThresholdBytes = %d, %v", threshold, err)
	}
	// Defaults survive partial sections.
	if cfg.Server.Port != 8081 || cfg.Server.Host != "0.0.0.0" || cfg.Server.ShutdownTimeout != 30 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.S3.MaxConnections != 50 || cfg.S3.SDKMaxAttempts != 3 {
		t.Errorf("client defaults = %d, %d", cfg.S3.MaxConnections, cfg.S3.SDKMaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing bucket", func(c *Config) { c.S3.Bucket = "" }, "s3.bucket"},
		{"empty prefix", func(c *Config) { c.S3.Prefix = "" }, "s3.prefix"},
		{"prefix with delimiter", func(c *Config) { c.S3.Prefix = "a/b" }, "s3.prefix"},
		{"chunk too small", func(c *Config) { c.S3.ChunkSize = "1MB" }, "multipart minimum"},
		{"chunk garbage", func(c *Config) { c.S3.ChunkSize = "lots" }, "s3.chunk_size"},
		{"negative retries", func(c *Config) { c.S3.RetriesOnConnectionPoolTimeout = -1 }, "retries"},
		{"negative read timeout", func(c *Config) { c.S3.ReadTimeout = -time.Second }, "read_timeout"},
		{"half credentials", func(c *Config) { c.S3.SecretKey = "" }, "access_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.S3.Bucket = "bucket"
			cfg.S3.Prefix = "ctx"
			cfg.S3.AccessKey = "a"
			cfg.S3.SecretKey = "b"
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFallsBackToExample(t *testing.T) {
	dir := t.TempDir()
	example := "s3:\n  bucket: fallback-bucket\n  prefix: p\n"
	if err := os.WriteFile(filepath.Join(dir, "s3filestore.example.yaml"), []byte(example), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.S3.Bucket != "fallback-bucket" {
		t.Fatalf("bucket = %q", cfg.S3.Bucket)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nothing.yaml")); err == nil {
		t.Fatal("expected error without any config file")
	}
}
