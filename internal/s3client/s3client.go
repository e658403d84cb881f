// Package s3client builds the AWS SDK v2 client used by the file storage and
// defines the subset of its API the storage layer depends on.
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured.
package s3client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bleepstore/s3filestore/internal/config"
)

// S3API defines the subset of the AWS S3 client interface that the file
// storage uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

// Options configures the SDK client.
type Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
	AccessKey string
	SecretKey string
	// MaxConnections bounds concurrent in-flight requests. Zero disables the bound.
	MaxConnections int
	// ConnectionPoolTimeout is how long a request waits for a free slot.
	ConnectionPoolTimeout time.Duration
	// MaxAttempts is the SDK's own retry attempt count.
	MaxAttempts int
	// ConnectTimeout bounds establishing a connection. Zero keeps the SDK default.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers once a request is
	// sent. Zero waits as long as the request context allows.
	ReadTimeout time.Duration
}

// OptionsFromConfig maps the s3 configuration section to client options.
func OptionsFromConfig(cfg config.S3Config) Options {
	return Options{
		Region:                cfg.Region,
		Endpoint:              cfg.Endpoint,
		PathStyle:             cfg.PathStyle,
		AccessKey:             cfg.AccessKey,
		SecretKey:             cfg.SecretKey,
		MaxConnections:        cfg.MaxConnections,
		ConnectionPoolTimeout: cfg.ConnectionPoolTimeout,
		MaxAttempts:           cfg.SDKMaxAttempts,
		ConnectTimeout:        cfg.ConnectTimeout,
		ReadTimeout:           cfg.ReadTimeout,
	}
}

// New creates an S3 client. It initializes the AWS SDK client using the
// default credential chain, with optional overrides for custom endpoint,
// path-style addressing and static credentials. Requests are funnelled
// through a bounded connection pool.
func New(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(opts.MaxAttempts))
	}
	// The loader installs a custom CA bundle (AWS_CA_BUNDLE, ca_bundle) only
	// into a buildable client, so the pool is layered on afterwards.
	loadOpts = append(loadOpts, awsconfig.WithHTTPClient(newBuildableClient(opts)))

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	// Build S3 client options for custom endpoint and path-style.
	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if opts.MaxConnections > 0 {
		httpClient, err := pooledHTTPClient(cfg.HTTPClient, opts)
		if err != nil {
			return nil, err
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.HTTPClient = httpClient
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	slog.Debug("S3 client initialized",
		"region", opts.Region,
		"endpoint", opts.Endpoint,
		"path_style", opts.PathStyle,
		"max_connections", opts.MaxConnections,
	)
	return client, nil
}

// newBuildableClient returns the SDK's buildable HTTP client carrying the
// connection limits and timeouts.
func newBuildableClient(opts Options) *awshttp.BuildableClient {
	return awshttp.NewBuildableClient().
		WithTransportOptions(func(t *http.Transport) {
			if opts.MaxConnections > 0 {
				t.MaxConnsPerHost = opts.MaxConnections
				t.MaxIdleConnsPerHost = opts.MaxConnections
			}
			if opts.ReadTimeout > 0 {
				t.ResponseHeaderTimeout = opts.ReadTimeout
			}
		}).
		WithDialerOptions(func(d *net.Dialer) {
			if opts.ConnectTimeout > 0 {
				d.Timeout = opts.ConnectTimeout
			}
		})
}

// pooledHTTPClient wraps the transport of the loaded buildable client, CA
// bundle included, in a PoolTransport.
func pooledHTTPClient(loaded aws.HTTPClient, opts Options) (*http.Client, error) {
	bc, ok := loaded.(*awshttp.BuildableClient)
	if !ok {
		return nil, fmt.Errorf("unexpected AWS HTTP client %T", loaded)
	}
	return &http.Client{
		Transport: NewPoolTransport(bc.GetTransport(), opts.MaxConnections, opts.ConnectionPoolTimeout),
		Timeout:   bc.GetTimeout(),
	}, nil
}
