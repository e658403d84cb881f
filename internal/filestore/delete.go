package filestore

import (
	"context"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/keyspace"
	"github.com/bleepstore/s3filestore/internal/retry"
	"github.com/bleepstore/s3filestore/internal/s3client"
)

const (
	// maxDeleteKeys is the DeleteObjects key limit per request.
	maxDeleteKeys = 1000
	// removeAttempts bounds the list-and-delete cycles of Remove.
	removeAttempts = 10
)

// GetFileList lists the files directly below the prefix, sorted.
func (fs *FileStorage) GetFileList(ctx context.Context) (names []string, err error) {
	defer observe("GetFileList", time.Now(), &err)
	return fs.list(ctx)
}

func (fs *FileStorage) list(ctx context.Context) ([]string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(fs.ns.Bucket()),
		Prefix:    aws.String(fs.ns.Prefix()),
		Delimiter: aws.String(keyspace.Delimiter),
	}
	var keys []string
	for {
		out, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.ListObjectsV2Output, error) {
			return c.ListObjectsV2(ctx, in)
		})
		if err != nil {
			return nil, fserr.Wrap(err, fs.ns.Prefix())
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}

	names, err := fs.ns.FromKeys(keys)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// DeleteFile deletes name. Deleting a missing file succeeds.
func (fs *FileStorage) DeleteFile(ctx context.Context, name string) (deleted bool, err error) {
	defer observe("DeleteFile", time.Now(), &err)
	if err := fs.deleteObject(ctx, fs.ns.ToKey(name)); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFiles deletes names in batches of at most 1000 and returns the
// sorted names the store reported as not deleted. A failing batch request
// aborts the call.
func (fs *FileStorage) DeleteFiles(ctx context.Context, names []string) (notDeleted []string, err error) {
	defer observe("DeleteFiles", time.Now(), &err)
	if len(names) == 0 {
		return nil, nil
	}

	failed, err := fs.deleteKeys(ctx, fs.ns.ToKeys(names))
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, nil
	}
	notDeleted, err = fs.ns.FromKeys(failed)
	if err != nil {
		return nil, err
	}
	slices.Sort(notDeleted)
	return slices.Compact(notDeleted), nil
}

// deleteKeys bulk-deletes keys and returns the keys that failed.
func (fs *FileStorage) deleteKeys(ctx context.Context, keys []string) ([]string, error) {
	var failed []string
	for batch := range slices.Chunk(keys, maxDeleteKeys) {
		objects := make([]types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
		}
		out, err := retry.ExecuteFunc(ctx, fs.exec, func(ctx context.Context, c s3client.S3API) (*s3.DeleteObjectsOutput, error) {
			return c.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(fs.ns.Bucket()),
				Delete: &types.Delete{
					Objects: objects,
					Quiet:   aws.Bool(true),
				},
			})
		})
		if err != nil {
			return nil, fserr.Wrap(err, batch[0])
		}
		for _, e := range out.Errors {
			fs.logger.Debug("Object not deleted", "key", aws.ToString(e.Key), "code", aws.ToString(e.Code))
			failed = append(failed, aws.ToString(e.Key))
		}
	}
	return failed, nil
}

// Remove deletes every file, re-listing after each cycle so that deletes
// the store silently dropped are retried too.
func (fs *FileStorage) Remove(ctx context.Context) (err error) {
	defer observe("Remove", time.Now(), &err)

	for attempt := 1; attempt <= removeAttempts; attempt++ {
		names, err := fs.list(ctx)
		if err != nil {
			return fserr.ErrNotEliminated.WithKey(fs.ns.Prefix()).Wrap(err)
		}
		if len(names) == 0 {
			return nil
		}
		failed, err := fs.deleteKeys(ctx, fs.ns.ToKeys(names))
		if err != nil {
			return fserr.ErrNotEliminated.WithKey(fs.ns.Prefix()).Wrap(err)
		}
		if len(failed) > 0 {
			fs.logger.Warn("Not all files deleted yet, trying again", "attempt", attempt, "remaining", len(failed))
		}
	}

	names, err := fs.list(ctx)
	if err != nil {
		return fserr.ErrNotEliminated.WithKey(fs.ns.Prefix()).Wrap(err)
	}
	if len(names) > 0 {
		return fserr.ErrNotEliminated.
			WithMessage("Not all files deleted after %d attempts, giving up", removeAttempts).
			WithKey(fs.ns.Prefix())
	}
	return nil
}
