package filestore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bleepstore/s3filestore/internal/chunk"
	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/metrics"
	"github.com/bleepstore/s3filestore/internal/retry"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

// session is an open multipart upload. Every session must end in complete
// or abort; callers defer abort right after opening, which is a no-op once
// the upload completed.
type session struct {
	fs       *FileStorage
	key      string
	uploadID string
	parts    []types.CompletedPart
	done     bool
}

// openSession initiates a multipart upload to key.
func (fs *FileStorage) openSession(ctx context.Context, key string, meta objectMeta) (*session, error) {
	out, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.CreateMultipartUploadOutput, error) {
		return c.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:               aws.String(fs.ns.Bucket()),
			Key:                  aws.String(key),
			ContentType:          nonEmpty(meta.contentType),
			Metadata:             meta.metadata,
			ServerSideEncryption: fs.sse(),
		})
	})
	if err != nil {
		return nil, fserr.Wrap(err, key)
	}
	fs.logger.Debug("Multipart upload initiated", "key", key, "upload_id", aws.ToString(out.UploadId))
	return &session{fs: fs, key: key, uploadID: aws.ToString(out.UploadId)}, nil
}

func (s *session) nextPartNumber() int32 {
	return int32(len(s.parts) + 1)
}

// checkCancelled fails with the aborted error once ctx is done.
func (s *session) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fserr.ErrAborted.WithKey(s.key).Wrap(err)
	}
	return nil
}

// uploadChunk uploads ch as the next part.
func (s *session) uploadChunk(ctx context.Context, ch *chunk.Chunk) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	partNumber := s.nextPartNumber()
	out, err := retry.ExecuteFunc(ctx, s.fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.UploadPartOutput, error) {
		return c.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.fs.ns.Bucket()),
			Key:           aws.String(s.key),
			UploadId:      aws.String(s.uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          ch.Reader(),
			ContentLength: aws.Int64(ch.Size()),
			ContentMD5:    aws.String(ch.MD5()),
		})
	})
	if err != nil {
		return fserr.Wrap(err, s.key)
	}
	metrics.BytesUploadedTotal.Add(float64(ch.Size()))
	s.parts = append(s.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	return nil
}

// uploadAll uploads every remaining chunk of p as consecutive parts.
func (s *session) uploadAll(ctx context.Context, p *chunk.Producer) error {
	for p.HasNext() {
		ch, err := p.Next()
		if err != nil {
			return fserr.IO(err)
		}
		err = s.uploadChunk(ctx, ch)
		ch.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// copyPart copies byte range rng ("bytes=a-b", empty for the whole object)
// of srcKey into the next part. It reports false when the store declined the
// copy; the session is then unusable and must be aborted.
func (s *session) copyPart(ctx context.Context, srcKey, rng string) (bool, error) {
	if err := s.checkCancelled(ctx); err != nil {
		return false, err
	}
	partNumber := s.nextPartNumber()
	in := &s3.UploadPartCopyInput{
		Bucket:     aws.String(s.fs.ns.Bucket()),
		Key:        aws.String(s.key),
		UploadId:   aws.String(s.uploadID),
		PartNumber: aws.Int32(partNumber),
		CopySource: aws.String(s.fs.copySource(srcKey)),
	}
	if rng != "" {
		in.CopySourceRange = aws.String(rng)
	}
	out, err := retry.ExecuteFunc(ctx, s.fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.UploadPartCopyOutput, error) {
		return c.UploadPartCopy(ctx, in)
	})
	if err != nil {
		if fserr.HasCode(err, "EntityTooSmall") {
			return false, nil
		}
		return false, fserr.Wrap(err, srcKey)
	}
	if out == nil || out.CopyPartResult == nil {
		return false, nil
	}
	s.parts = append(s.parts, types.CompletedPart{
		ETag:       out.CopyPartResult.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	return true, nil
}

// complete finishes the upload.
func (s *session) complete(ctx context.Context) error {
	if err := s.checkCancelled(ctx); err != nil {
		return err
	}
	_, err := retry.ExecuteFunc(ctx, s.fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.CompleteMultipartUploadOutput, error) {
		return c.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(s.fs.ns.Bucket()),
			Key:      aws.String(s.key),
			UploadId: aws.String(s.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: s.parts,
			},
		})
	})
	if err != nil {
		return fserr.Wrap(err, s.key)
	}
	s.done = true
	return nil
}

// abort aborts the upload unless it completed. Failures are logged only.
// It runs even when ctx is already cancelled.
func (s *session) abort(ctx context.Context) {
	if s == nil || s.done {
		return
	}
	s.done = true
	metrics.MultipartAbortsTotal.Inc()
	err := retry.ExecuteVoid(context.WithoutCancel(ctx), s.fs.exec, func(ctx context.Context, c s3client.S3API) error {
		_, err := c.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.fs.ns.Bucket()),
			Key:      aws.String(s.key),
			UploadId: aws.String(s.uploadID),
		})
		return err
	})
	if err != nil {
		s.fs.logger.Warn("Failed to abort multipart upload", "key", s.key, "upload_id", s.uploadID, "error", err)
	}
}

// byteRange formats the inclusive range [first, last].
func byteRange(first, last int64) string {
	return fmt.Sprintf("bytes=%d-%d", first, last)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
