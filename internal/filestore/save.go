package filestore

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bleepstore/s3filestore/internal/chunk"
	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/metrics"
	"github.com/bleepstore/s3filestore/internal/retry"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

// defaultContentType is stored for empty files.
const defaultContentType = "application/octet-stream"

// SaveNewFile stores r under a fresh name. Streams that are not files are
// spooled to disk first so that memory stays bounded by the chunk size.
func (fs *FileStorage) SaveNewFile(ctx context.Context, r io.Reader) (name string, err error) {
	defer observe("SaveNewFile", time.Now(), &err)

	key := fs.ns.NewKey()
	src, err := spool(r, fs.opts.TempDir)
	if err != nil {
		return "", err
	}
	defer fs.releaseSpool(src)

	if err := fs.upload(ctx, key, src, objectMeta{}); err != nil {
		return "", err
	}
	fs.logger.Debug("File saved", "key", key, "size", src.size)
	return fs.ns.FromKey(key)
}

func (fs *FileStorage) releaseSpool(s *spooled) {
	if err := s.release(); err != nil {
		fs.logger.Warn("Failed to remove spool file", "error", err)
	}
}

// upload writes r to key as one object: a single PutObject when r fits in
// one chunk, a multipart upload otherwise. An empty meta.contentType is
// sniffed from the first chunk.
func (fs *FileStorage) upload(ctx context.Context, key string, r io.Reader, meta objectMeta) error {
	producer, err := chunk.NewProducer(r, fs.opts.ChunkSize, fs.chunkOptions()...)
	if err != nil {
		return fserr.ErrInvalidArgument.WithMessage("%s", err.Error()).Wrap(err)
	}
	first, err := producer.Next()
	if err != nil {
		return fserr.IO(err)
	}
	defer first.Close()

	if meta.contentType == "" {
		meta.contentType = sniffContentType(first)
	}
	if !producer.HasNext() {
		return fs.putChunk(ctx, key, first, meta)
	}

	s, err := fs.openSession(ctx, key, meta)
	if err != nil {
		return err
	}
	defer s.abort(ctx)

	if err := s.uploadChunk(ctx, first); err != nil {
		return err
	}
	first.Close()
	if err := s.uploadAll(ctx, producer); err != nil {
		return err
	}
	return s.complete(ctx)
}

// putChunk uploads ch as the whole object key.
func (fs *FileStorage) putChunk(ctx context.Context, key string, ch *chunk.Chunk, meta objectMeta) error {
	_, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(fs.ns.Bucket()),
			Key:                  aws.String(key),
			Body:                 ch.Reader(),
			ContentLength:        aws.Int64(ch.Size()),
			ContentMD5:           aws.String(ch.MD5()),
			ContentType:          nonEmpty(meta.contentType),
			Metadata:             meta.metadata,
			ServerSideEncryption: fs.sse(),
		})
	})
	if err != nil {
		return fserr.Wrap(err, key)
	}
	metrics.BytesUploadedTotal.Add(float64(ch.Size()))
	return nil
}

// sniffContentType guesses the MIME type from the start of ch.
func sniffContentType(ch *chunk.Chunk) string {
	if ch.Size() == 0 {
		return defaultContentType
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(ch.Reader(), head)
	return http.DetectContentType(head[:n])
}
