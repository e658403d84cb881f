package filestore

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/retry"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

// maxResumes bounds how often one reader re-issues a GET after a broken body.
const maxResumes = 3

// GetFile returns the content of name. Closing the reader before EOF drops
// the underlying connection.
func (fs *FileStorage) GetFile(ctx context.Context, name string) (rc io.ReadCloser, err error) {
	defer observe("GetFile", time.Now(), &err)

	key := fs.ns.ToKey(name)
	out, err := fs.getObject(ctx, key, "", "")
	if err != nil {
		return nil, err
	}
	return fs.newObjectReader(ctx, key, out, 0, bodyLength(out)), nil
}

// bodyLength returns the length of a whole-object response, or -1.
func bodyLength(out *s3.GetObjectOutput) int64 {
	if out.ContentLength == nil {
		return -1
	}
	return *out.ContentLength
}

// GetFileRange returns length bytes of name starting at offset; a negative
// length reads to the end. The range is validated against the logical file
// size and a zero length returns an empty reader without a GET.
func (fs *FileStorage) GetFileRange(ctx context.Context, name string, offset, length int64) (rc io.ReadCloser, err error) {
	defer observe("GetFileRange", time.Now(), &err)

	key := fs.ns.ToKey(name)
	size, err := fs.lengthOf(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= size || (length >= 0 && length > size-offset) {
		return nil, fserr.InvalidRange(offset, length, name, size, nil)
	}
	if length == 0 {
		return io.NopCloser(http.NoBody), nil
	}

	end := size
	if length > 0 {
		end = offset + length
	}
	out, err := fs.getObject(ctx, key, byteRange(offset, end-1), "")
	if err != nil {
		if fserr.HTTPStatusCode(err) == http.StatusRequestedRangeNotSatisfiable || fserr.HasCode(err, "InvalidRange") {
			return nil, fserr.InvalidRange(offset, length, name, size, err)
		}
		return nil, err
	}
	return fs.newObjectReader(ctx, key, out, offset, end), nil
}

// getObject issues a GET for key, optionally ranged and conditional on etag.
func (fs *FileStorage) getObject(ctx context.Context, key, rng, etag string) (*s3.GetObjectOutput, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(fs.ns.Bucket()),
		Key:    aws.String(key),
	}
	if rng != "" {
		in.Range = aws.String(rng)
	}
	if etag != "" {
		in.IfMatch = aws.String(etag)
	}
	out, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.GetObjectOutput, error) {
		return c.GetObject(ctx, in)
	})
	if err != nil {
		return nil, fserr.Wrap(err, key)
	}
	return out, nil
}

// objectReader streams an object body. A body that breaks mid-stream is
// resumed with a ranged GET from the current position, pinned to the ETag
// of the first response so a replaced object is never spliced in.
type objectReader struct {
	ctx     context.Context
	fs      *FileStorage
	key     string
	etag    string
	body    io.ReadCloser
	pos     int64
	end     int64
	resumes int
	// err is the terminal failure, returned by every later Read.
	err    error
	closed bool
}

func (fs *FileStorage) newObjectReader(ctx context.Context, key string, out *s3.GetObjectOutput, offset, end int64) *objectReader {
	return &objectReader{
		ctx:  ctx,
		fs:   fs,
		key:  key,
		etag: aws.ToString(out.ETag),
		body: out.Body,
		pos:  offset,
		end:  end,
	}
}

func (r *objectReader) Read(p []byte) (int, error) {
	for {
		if r.closed {
			return 0, os.ErrClosed
		}
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.body.Read(p)
		r.pos += int64(n)
		if err == nil || err == io.EOF || n > 0 {
			if err != nil && err != io.EOF {
				err = nil
			}
			return n, err
		}
		if r.end >= 0 && r.pos >= r.end {
			return 0, io.EOF
		}
		if r.resumes >= maxResumes || r.ctx.Err() != nil {
			r.err = fserr.IO(err).WithKey(r.key)
			return 0, r.err
		}
		if rerr := r.resume(err); rerr != nil {
			r.err = rerr
			return 0, rerr
		}
	}
}

// resume replaces the broken body with a GET from the current position.
func (r *objectReader) resume(cause error) error {
	r.resumes++
	r.body.Close()
	rng := "bytes=" + strconv.FormatInt(r.pos, 10) + "-"
	if r.end >= 0 {
		rng = byteRange(r.pos, r.end-1)
	}
	r.fs.logger.Debug("Resuming object read", "key", r.key, "position", r.pos, "attempt", r.resumes, "error", cause)
	out, err := r.fs.getObject(r.ctx, r.key, rng, r.etag)
	if err != nil {
		r.body = http.NoBody
		return err
	}
	r.body = out.Body
	return nil
}

// Close releases the body. Closing before EOF aborts the transfer.
func (r *objectReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}

// GetFileSize returns the logical length of name.
func (fs *FileStorage) GetFileSize(ctx context.Context, name string) (size int64, err error) {
	defer observe("GetFileSize", time.Now(), &err)
	return fs.lengthOf(ctx, fs.ns.ToKey(name))
}

// GetMimeType returns the stored content type of name.
func (fs *FileStorage) GetMimeType(ctx context.Context, name string) (mime string, err error) {
	defer observe("GetMimeType", time.Now(), &err)
	head, err := fs.head(ctx, fs.ns.ToKey(name))
	if err != nil {
		return "", err
	}
	return aws.ToString(head.ContentType), nil
}
