// Package main is the entry point for the s3filestore server and CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bleepstore/s3filestore/internal/config"
	"github.com/bleepstore/s3filestore/internal/filestore"
	"github.com/bleepstore/s3filestore/internal/logging"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	bucket     string
	prefix     string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "s3filestore",
		Short:         "File storage on S3-compatible object stores",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.Version = "1.0.0"

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "s3filestore.yaml", "path to configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text, json (default: from config or text)")
	pf.StringVar(&flags.bucket, "bucket", "", "override s3.bucket")
	pf.StringVar(&flags.prefix, "prefix", "", "override s3.prefix")

	cmd.AddCommand(
		newServeCmd(flags),
		newEnsureBucketCmd(flags),
		newPutCmd(flags),
		newGetCmd(flags),
		newListCmd(flags),
		newStatCmd(flags),
		newRemoveCmd(flags),
		newAppendCmd(flags),
		newTruncateCmd(flags),
		newWipeCmd(flags),
	)
	return cmd
}

// loadConfig reads the configuration file, applies flag overrides and
// initializes logging.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Command-line flags override config file values.
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if flags.bucket != "" {
		cfg.S3.Bucket = flags.bucket
	}
	if flags.prefix != "" {
		cfg.S3.Prefix = flags.prefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	return cfg, nil
}

// openStorage builds the S3 client and the file storage described by cfg.
func openStorage(ctx context.Context, cfg *config.Config) (*filestore.FileStorage, error) {
	client, err := s3client.New(ctx, s3client.OptionsFromConfig(cfg.S3))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	opts, err := filestore.OptionsFromConfig(cfg.S3)
	if err != nil {
		return nil, err
	}
	opts.Logger = slog.Default()

	store, err := filestore.New(client, cfg.S3.Bucket, cfg.S3.Prefix, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file storage: %w", err)
	}
	slog.Info("File storage initialized",
		"bucket", cfg.S3.Bucket,
		"prefix", cfg.S3.Prefix,
		"region", cfg.S3.Region,
		"endpoint", cfg.S3.Endpoint,
	)
	return store, nil
}

// withStorage loads the configuration, opens the storage and runs fn.
func withStorage(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, store *filestore.FileStorage) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	store, err := openStorage(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), store)
}
