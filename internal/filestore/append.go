package filestore

import (
	"context"
	"io"
	"time"

	"github.com/bleepstore/s3filestore/internal/chunk"
	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/metrics"
)

// AppendToFile appends r to name, whose current length must equal offset,
// and returns the new length. The original object stays in place until its
// replacement is completely written.
func (fs *FileStorage) AppendToFile(ctx context.Context, r io.Reader, name string, offset int64) (newLength int64, err error) {
	defer observe("AppendToFile", time.Now(), &err)

	key := fs.ns.ToKey(name)
	head, err := fs.head(ctx, key)
	if err != nil {
		return 0, err
	}
	size, err := contentLength(key, head)
	if err != nil {
		return 0, err
	}
	if size != offset {
		return 0, fserr.InvalidOffset(offset, name, size)
	}

	start := time.Now()
	src, err := spool(r, fs.opts.TempDir)
	if err != nil {
		return 0, err
	}
	defer fs.releaseSpool(src)
	fs.logger.Debug("Spooling to disk done", "key", key, "duration", time.Since(start))

	if src.size == 0 {
		return size, nil
	}

	meta := metaOf(head)
	strategy := fs.strategyFor(size)
	fs.logger.Debug("Appending to file", "key", key, "size", size, "strategy", strategy)
	if strategy == StrategyCopyPart {
		newLength, ok, err := fs.appendWithCopyPart(ctx, key, src, meta)
		if err != nil {
			return 0, err
		}
		if ok {
			metrics.StrategyTotal.WithLabelValues("AppendToFile", strategy.String()).Inc()
			return newLength, nil
		}
		fs.logger.Debug("Copy part declined, falling back to spooling", "key", key)
		metrics.StrategyTotal.WithLabelValues("AppendToFile", "copy-part-fallback").Inc()
	} else {
		metrics.StrategyTotal.WithLabelValues("AppendToFile", strategy.String()).Inc()
	}
	return fs.appendWithSpooling(ctx, key, src, meta)
}

// appendWithCopyPart builds the replacement server-side: the original is
// copied as part 1 and the new data follows as further parts. It reports
// false, without touching src, when the store declined the copy.
func (fs *FileStorage) appendWithCopyPart(ctx context.Context, key string, src io.Reader, meta objectMeta) (int64, bool, error) {
	tmpKey := fs.ns.NewKey()
	s, err := fs.openSession(ctx, tmpKey, meta)
	if err != nil {
		return 0, false, err
	}
	defer s.abort(ctx)

	start := time.Now()
	ok, err := s.copyPart(ctx, key, "")
	if err != nil || !ok {
		return 0, false, err
	}
	fs.logger.Debug("Copy part done", "key", key, "duration", time.Since(start))

	producer, err := chunk.NewProducer(src, fs.opts.ChunkSize, fs.chunkOptions()...)
	if err != nil {
		return 0, false, fserr.IO(err)
	}
	start = time.Now()
	if err := s.uploadAll(ctx, producer); err != nil {
		return 0, false, err
	}
	fs.logger.Debug("Chunked upload done", "key", tmpKey, "parts", len(s.parts), "duration", time.Since(start))

	if err := s.complete(ctx); err != nil {
		return 0, false, err
	}
	newLength, err := fs.replaceAndMeasure(ctx, tmpKey, key)
	return newLength, true, err
}

// appendWithSpooling streams the original followed by src into a temporary
// object and copies it over the original.
func (fs *FileStorage) appendWithSpooling(ctx context.Context, key string, src io.Reader, meta objectMeta) (int64, error) {
	original, err := fs.getObject(ctx, key, "", "")
	if err != nil {
		return 0, err
	}
	body := fs.newObjectReader(ctx, key, original, 0, bodyLength(original))
	defer body.Close()

	start := time.Now()
	tmpKey := fs.ns.NewKey()
	combined, err := spool(io.MultiReader(body, src), fs.opts.TempDir)
	if err != nil {
		return 0, err
	}
	defer fs.releaseSpool(combined)
	body.Close()

	if err := fs.upload(ctx, tmpKey, combined, meta); err != nil {
		return 0, err
	}
	fs.logger.Debug("Spooling append done", "key", key, "duration", time.Since(start))
	return fs.replaceAndMeasure(ctx, tmpKey, key)
}

// replaceAndMeasure copies tmpKey over key, deletes tmpKey and returns the
// new logical length of key.
func (fs *FileStorage) replaceAndMeasure(ctx context.Context, tmpKey, key string) (int64, error) {
	defer fs.deleteTemp(ctx, tmpKey)
	if err := fs.replace(ctx, tmpKey, key); err != nil {
		return 0, err
	}
	return fs.lengthOf(ctx, key)
}
