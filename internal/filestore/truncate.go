package filestore

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/metrics"
)

// SetFileLength shortens name to length bytes. Setting the current length
// is a no-op; growing a file is rejected, use AppendToFile instead.
func (fs *FileStorage) SetFileLength(ctx context.Context, length int64, name string) (err error) {
	defer observe("SetFileLength", time.Now(), &err)

	key := fs.ns.ToKey(name)
	head, err := fs.head(ctx, key)
	if err != nil {
		return err
	}
	size, err := contentLength(key, head)
	if err != nil {
		return err
	}
	if size == length {
		return nil
	}
	if length < 0 || length > size {
		return fserr.ErrInvalidLength.
			WithMessage("Cannot set length of file %q from %d to %d", name, size, length).
			WithKey(name).
			WithExtra("length", strconv.FormatInt(length, 10)).
			WithExtra("size", strconv.FormatInt(size, 10))
	}

	meta := metaOf(head)
	if length == 0 {
		return fs.upload(ctx, key, bytes.NewReader(nil), meta)
	}

	strategy := fs.strategyFor(size)
	fs.logger.Debug("Truncating file", "key", key, "size", size, "length", length, "strategy", strategy)
	if strategy == StrategyCopyPart {
		ok, err := fs.truncateWithCopyPart(ctx, key, length, meta)
		if err != nil {
			return err
		}
		if ok {
			metrics.StrategyTotal.WithLabelValues("SetFileLength", strategy.String()).Inc()
			return nil
		}
		fs.logger.Debug("Copy part declined, falling back to spooling", "key", key)
		metrics.StrategyTotal.WithLabelValues("SetFileLength", "copy-part-fallback").Inc()
	} else {
		metrics.StrategyTotal.WithLabelValues("SetFileLength", strategy.String()).Inc()
	}
	return fs.truncateWithSpooling(ctx, key, length, head)
}

// truncateWithCopyPart copies the first length bytes of key into a
// temporary object in MinimumPartSize ranges and copies it over key. It
// reports false when the store declined a copy.
func (fs *FileStorage) truncateWithCopyPart(ctx context.Context, key string, length int64, meta objectMeta) (bool, error) {
	tmpKey := fs.ns.NewKey()
	s, err := fs.openSession(ctx, tmpKey, meta)
	if err != nil {
		return false, err
	}
	defer s.abort(ctx)

	for pos := int64(0); pos < length; pos += MinimumPartSize {
		last := min(pos+MinimumPartSize-1, length-1)
		ok, err := s.copyPart(ctx, key, byteRange(pos, last))
		if err != nil || !ok {
			return false, err
		}
	}
	if err := s.complete(ctx); err != nil {
		return false, err
	}

	defer fs.deleteTemp(ctx, tmpKey)
	if err := fs.replace(ctx, tmpKey, key); err != nil {
		return false, err
	}
	return true, nil
}

// truncateWithSpooling copies key to a temporary object, reads the first
// length bytes back from it and uploads them as the new content of key.
func (fs *FileStorage) truncateWithSpooling(ctx context.Context, key string, length int64, head *s3.HeadObjectOutput) error {
	tmpKey := fs.ns.NewKey()
	full := objectMeta{contentType: aws.ToString(head.ContentType), metadata: head.Metadata}
	defer fs.deleteTemp(ctx, tmpKey)
	if err := fs.copyObject(ctx, key, tmpKey, full); err != nil {
		return err
	}

	out, err := fs.getObject(ctx, tmpKey, byteRange(0, length-1), "")
	if err != nil {
		return err
	}
	body := fs.newObjectReader(ctx, tmpKey, out, 0, length)
	defer body.Close()

	return fs.upload(ctx, key, body, metaOf(head))
}
