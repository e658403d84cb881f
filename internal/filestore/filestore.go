// Package filestore provides file semantics (append, truncate, ranged reads,
// bulk delete) on top of an S3-compatible object store.
//
// Every file is one object under the configured prefix:
//
//	{prefix}/{name}
//
// Files are never mutated in place. Append and truncate build a replacement
// under a temporary key, copy it over the original and delete the temporary
// object, so readers only ever see a complete object.
package filestore

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bleepstore/s3filestore/internal/chunk"
	"github.com/bleepstore/s3filestore/internal/config"
	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/keyspace"
	"github.com/bleepstore/s3filestore/internal/logging"
	"github.com/bleepstore/s3filestore/internal/metrics"
	"github.com/bleepstore/s3filestore/internal/retry"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

// unencryptedLengthKey is the user metadata entry carrying the plaintext
// length of client-side encrypted objects.
const unencryptedLengthKey = "x-amz-unencrypted-content-length"

// Storage is the file storage contract consumed by callers.
type Storage interface {
	// SaveNewFile stores the stream as a new file and returns its name.
	SaveNewFile(ctx context.Context, r io.Reader) (string, error)
	// GetFile returns the whole file content. The caller must close it.
	GetFile(ctx context.Context, name string) (io.ReadCloser, error)
	// GetFileRange returns length bytes starting at offset. A negative
	// length reads to the end of the file.
	GetFileRange(ctx context.Context, name string, offset, length int64) (io.ReadCloser, error)
	// GetFileList returns the names of all files in lexicographic order.
	GetFileList(ctx context.Context) ([]string, error)
	GetFileSize(ctx context.Context, name string) (int64, error)
	GetMimeType(ctx context.Context, name string) (string, error)
	DeleteFile(ctx context.Context, name string) (bool, error)
	// DeleteFiles deletes names and returns those that could not be deleted.
	DeleteFiles(ctx context.Context, names []string) ([]string, error)
	// Remove deletes every file of the storage.
	Remove(ctx context.Context) error
	// AppendToFile appends the stream to the file, which must currently be
	// exactly offset bytes long, and returns the new length.
	AppendToFile(ctx context.Context, r io.Reader, name string, offset int64) (int64, error)
	// SetFileLength shortens the file to length bytes.
	SetFileLength(ctx context.Context, length int64, name string) error
	RecreateStateFile(ctx context.Context) error
	StateFileIsCorrect(ctx context.Context) bool
}

var _ Storage = (*FileStorage)(nil)

// Options configures a FileStorage.
type Options struct {
	// ChunkSize is the upload part size. Stores enforcing the multipart
	// minimum need at least MinimumPartSize.
	ChunkSize int64
	// MemoryThreshold is the largest chunk kept in memory; zero keeps all.
	MemoryThreshold int64
	// TempDir receives spool files. Empty uses os.TempDir.
	TempDir string
	// UploadPartCopy enables the server-side copy strategy.
	UploadPartCopy bool
	// RetriesOnConnectionPoolTimeout is the number of retries after a
	// connection pool timeout.
	RetriesOnConnectionPoolTimeout int
	// ServerSideEncryption requests SSE-S3 (AES256) on every write.
	ServerSideEncryption bool
	// ClientSideEncryption aligns chunks for a client-side encrypting store client.
	ClientSideEncryption bool
	// Region is the bucket region used when creating the bucket.
	Region string
	// Logger is the base logger. Nil uses slog.Default().
	Logger *slog.Logger
}

// OptionsFromConfig maps the s3 configuration section to storage options.
func OptionsFromConfig(cfg config.S3Config) (Options, error) {
	chunkSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return Options{}, err
	}
	threshold, err := cfg.MemoryThresholdBytes()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ChunkSize:                      chunkSize,
		MemoryThreshold:                threshold,
		TempDir:                        cfg.TempDir,
		UploadPartCopy:                 cfg.UploadPartCopy,
		RetriesOnConnectionPoolTimeout: cfg.RetriesOnConnectionPoolTimeout,
		ServerSideEncryption:           cfg.Encryption.ServerSide,
		ClientSideEncryption:           cfg.Encryption.ClientSide,
		Region:                         cfg.Region,
	}, nil
}

// FileStorage implements Storage for one bucket and key prefix. It is safe
// for concurrent use on distinct file names; concurrent writers of the same
// name must be serialized by the caller.
type FileStorage struct {
	ns     *keyspace.Namespace
	exec   *retry.Executor[s3client.S3API]
	opts   Options
	logger *slog.Logger
}

// New returns a FileStorage storing files in bucket under prefix.
func New(client s3client.S3API, bucket, prefix string, opts Options) (*FileStorage, error) {
	ns, err := keyspace.New(bucket, prefix)
	if err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		return nil, fserr.ErrInvalidArgument.WithMessage("invalid chunk size %d", opts.ChunkSize)
	}
	logger := logging.Component(opts.Logger, "filestore").With("bucket", bucket, "prefix", prefix)

	exec := retry.NewExecutor[s3client.S3API](client, opts.RetriesOnConnectionPoolTimeout+1)
	exec.OnRetry = func(attempt int, err error) {
		metrics.RetriesTotal.Inc()
		logger.Debug("Retrying after connection pool timeout", "retry", attempt, "error", err)
	}

	return &FileStorage{
		ns:     ns,
		exec:   exec,
		opts:   opts,
		logger: logger,
	}, nil
}

// Bucket returns the bucket name.
func (fs *FileStorage) Bucket() string { return fs.ns.Bucket() }

// Prefix returns the key prefix including its trailing delimiter.
func (fs *FileStorage) Prefix() string { return fs.ns.Prefix() }

func (fs *FileStorage) sse() types.ServerSideEncryption {
	if fs.opts.ServerSideEncryption {
		return types.ServerSideEncryptionAes256
	}
	return ""
}

func (fs *FileStorage) chunkOptions() []chunk.Option {
	return []chunk.Option{
		chunk.WithEncryptionAlignment(fs.opts.ClientSideEncryption),
		chunk.WithSpooling(fs.opts.TempDir, fs.opts.MemoryThreshold),
	}
}

// copySource returns the CopySource value for key in the bucket.
func (fs *FileStorage) copySource(key string) string {
	segments := strings.Split(key, keyspace.Delimiter)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fs.ns.Bucket() + "/" + strings.Join(segments, "/")
}

// objectMeta is the content type and user metadata carried to a new object.
type objectMeta struct {
	contentType string
	metadata    map[string]string
}

// metaOf returns the metadata a replacement of the described object keeps.
// The plaintext length is dropped since it no longer matches.
func metaOf(head *s3.HeadObjectOutput) objectMeta {
	m := objectMeta{contentType: aws.ToString(head.ContentType)}
	for k, v := range head.Metadata {
		if strings.EqualFold(k, unencryptedLengthKey) {
			continue
		}
		if m.metadata == nil {
			m.metadata = make(map[string]string, len(head.Metadata))
		}
		m.metadata[k] = v
	}
	return m
}

// head fetches the metadata of key.
func (fs *FileStorage) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.HeadObjectOutput, error) {
		return c.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(fs.ns.Bucket()),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return nil, fserr.Wrap(err, key)
	}
	return out, nil
}

// contentLength returns the logical length of the described object,
// preferring the plaintext length recorded by client-side encryption.
func contentLength(key string, head *s3.HeadObjectOutput) (int64, error) {
	for k, v := range head.Metadata {
		if !strings.EqualFold(k, unencryptedLengthKey) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return 0, fserr.ErrNotANumber.
				WithMessage("Invalid %s value %q", unencryptedLengthKey, v).
				WithKey(key)
		}
		return n, nil
	}
	return aws.ToInt64(head.ContentLength), nil
}

// lengthOf fetches the logical length of key.
func (fs *FileStorage) lengthOf(ctx context.Context, key string) (int64, error) {
	head, err := fs.head(ctx, key)
	if err != nil {
		return 0, err
	}
	return contentLength(key, head)
}

// deleteObject deletes key.
func (fs *FileStorage) deleteObject(ctx context.Context, key string) error {
	err := retry.ExecuteVoid(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) error {
		_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(fs.ns.Bucket()),
			Key:    aws.String(key),
		})
		return err
	})
	return fserr.Wrap(err, key)
}

// deleteTemp removes a temporary object, logging instead of failing.
func (fs *FileStorage) deleteTemp(ctx context.Context, key string) {
	if err := fs.deleteObject(context.WithoutCancel(ctx), key); err != nil {
		fs.logger.Warn("Failed to delete temporary object", "key", key, "error", err)
	}
}

// replace copies the temporary object tmpKey over key, keeping the
// temporary object's content type and user metadata.
func (fs *FileStorage) replace(ctx context.Context, tmpKey, key string) error {
	head, err := fs.head(ctx, tmpKey)
	if err != nil {
		return err
	}
	meta := objectMeta{contentType: aws.ToString(head.ContentType), metadata: head.Metadata}
	return fs.copyObject(ctx, tmpKey, key, meta)
}

// copyObject copies srcKey to dstKey server-side with the given metadata.
func (fs *FileStorage) copyObject(ctx context.Context, srcKey, dstKey string, meta objectMeta) error {
	_, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.CopyObjectOutput, error) {
		return c.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:               aws.String(fs.ns.Bucket()),
			Key:                  aws.String(dstKey),
			CopySource:           aws.String(fs.copySource(srcKey)),
			MetadataDirective:    types.MetadataDirectiveReplace,
			ContentType:          nonEmpty(meta.contentType),
			Metadata:             meta.metadata,
			ServerSideEncryption: fs.sse(),
		})
	})
	return fserr.Wrap(err, dstKey)
}

// observe records an operation outcome; use with defer and a named error.
func observe(operation string, start time.Time, err *error) {
	metrics.ObserveOperation(operation, start, *err)
}

// RecreateStateFile is a no-op; state integrity is delegated to the store.
func (fs *FileStorage) RecreateStateFile(ctx context.Context) error {
	return nil
}

// StateFileIsCorrect always reports true.
func (fs *FileStorage) StateFileIsCorrect(ctx context.Context) bool {
	return true
}
