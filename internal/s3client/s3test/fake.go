// Package s3test provides an in-memory implementation of s3client.S3API for
// tests. It is safe for concurrent use.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// APIError is a store service error with an HTTP status.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
}

func (e *APIError) ErrorCode() string { return e.Code }

func (e *APIError) ErrorMessage() string { return e.Message }

func (e *APIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func (e *APIError) HTTPStatusCode() int { return e.Status }

func noSuchKey(key string) error {
	return &APIError{Code: "NoSuchKey", Message: "The specified key does not exist: " + key, Status: 404}
}

// Object is one stored object.
type Object struct {
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	Encryption   types.ServerSideEncryption
	LastModified time.Time
}

type upload struct {
	key         string
	contentType string
	metadata    map[string]string
	encryption  types.ServerSideEncryption
	parts       map[int32][]byte
}

// Fake is an in-memory single-region S3.
type Fake struct {
	mu       sync.Mutex
	buckets  map[string]string
	policies map[string]string
	objects  map[string]*Object
	uploads  map[string]*upload
	nextID   int
	calls    map[string]int
	aborted  []string
	batches  []int
	failures map[string][]error

	// ListPageSize bounds ListObjectsV2 pages. Zero uses 1000.
	ListPageSize int
	// DeclineCopyPart makes UploadPartCopy answer without a CopyPartResult.
	DeclineCopyPart bool
	// UploadPartErr, if set, is consulted before storing every part.
	UploadPartErr func(partNumber int32) error
	// DeleteKeyErr, if set, reports a per-key failure code for DeleteObjects.
	DeleteKeyErr func(key string) (code string, failed bool)
	// WrapBody, if set, wraps every GetObject body.
	WrapBody func(key string, body io.ReadCloser) io.ReadCloser
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		buckets:  make(map[string]string),
		policies: make(map[string]string),
		objects:  make(map[string]*Object),
		uploads:  make(map[string]*upload),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// AddBucket creates bucket in region.
func (f *Fake) AddBucket(bucket, region string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = region
}

// Put stores an object directly.
func (f *Fake) Put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &Object{Data: bytes.Clone(data), LastModified: time.Now()}
}

// Set stores obj under key.
func (f *Fake) Set(key string, obj Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj.Data = bytes.Clone(obj.Data)
	obj.Metadata = maps.Clone(obj.Metadata)
	if obj.LastModified.IsZero() {
		obj.LastModified = time.Now()
	}
	f.objects[key] = &obj
}

// Object returns a copy of the object stored under key.
func (f *Fake) Object(key string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return Object{}, false
	}
	cp := *obj
	cp.Data = bytes.Clone(obj.Data)
	cp.Metadata = maps.Clone(obj.Metadata)
	return cp, true
}

// Keys returns all stored keys in lexicographic order.
func (f *Fake) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.objects))
}

// Policy returns the bucket policy document.
func (f *Fake) Policy(bucket string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policies[bucket]
}

// Region returns the region bucket was created in and whether it exists.
func (f *Fake) Region(bucket string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	region, ok := f.buckets[bucket]
	return region, ok
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted.
func (f *Fake) OpenUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// Aborted returns the IDs of aborted multipart uploads.
func (f *Fake) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.aborted)
}

// DeleteBatches returns the key count of every DeleteObjects request.
func (f *Fake) DeleteBatches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.batches)
}

// Calls returns how often the named operation was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Fail makes the next len(errs) calls of op fail with errs in order.
func (f *Fake) Fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// enter counts the call and pops a queued failure. Callers hold f.mu.
func (f *Fake) enter(op string) error {
	f.calls[op]++
	queued := f.failures[op]
	if len(queued) == 0 {
		return nil
	}
	f.failures[op] = queued[1:]
	return queued[0]
}

func etag(data []byte) *string {
	return aws.String(fmt.Sprintf(`"%x"`, md5.Sum(data)))
}

// parseRange parses "bytes=a-b" or "bytes=a-" against size into [start, end).
func parseRange(header string, size int64) (int64, int64, error) {
	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, &APIError{Code: "InvalidArgument", Message: "bad range " + header, Status: 400}
	}
	from, to, _ := strings.Cut(ranges, "-")
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start >= size {
		return 0, 0, &APIError{Code: "InvalidRange", Message: "The requested range is not satisfiable", Status: 416}
	}
	end := size
	if to != "" {
		last, err := strconv.ParseInt(to, 10, 64)
		if err != nil || last < start {
			return 0, 0, &APIError{Code: "InvalidRange", Message: "The requested range is not satisfiable", Status: 416}
		}
		end = min(last+1, size)
	}
	return start, end, nil
}

// sourceKey extracts the key from a "bucket/escaped-key" copy source.
func sourceKey(copySource string) (string, error) {
	_, escaped, ok := strings.Cut(strings.TrimPrefix(copySource, "/"), "/")
	if !ok {
		return "", &APIError{Code: "InvalidArgument", Message: "invalid copy source " + copySource, Status: 400}
	}
	return url.PathUnescape(escaped)
}

func (f *Fake) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	if err := f.enter("PutObject"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	var data []byte
	if params.Body != nil {
		var err error
		if data, err = io.ReadAll(params.Body); err != nil {
			return nil, err
		}
	}
	if params.ContentLength != nil && *params.ContentLength != int64(len(data)) {
		return nil, &APIError{Code: "IncompleteBody", Message: "body length mismatch", Status: 400}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = &Object{
		Data:         data,
		ContentType:  aws.ToString(params.ContentType),
		Metadata:     maps.Clone(params.Metadata),
		Encryption:   params.ServerSideEncryption,
		LastModified: time.Now(),
	}
	return &s3.PutObjectOutput{ETag: etag(data), ServerSideEncryption: params.ServerSideEncryption}, nil
}

func (f *Fake) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	if err := f.enter("GetObject"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	key := aws.ToString(params.Key)
	obj, ok := f.objects[key]
	if !ok {
		f.mu.Unlock()
		return nil, noSuchKey(key)
	}
	data := obj.Data
	out := &s3.GetObjectOutput{
		ContentType:  aws.String(obj.ContentType),
		Metadata:     maps.Clone(obj.Metadata),
		ETag:         etag(obj.Data),
		LastModified: aws.Time(obj.LastModified),
	}
	wrap := f.WrapBody
	f.mu.Unlock()

	if params.Range != nil {
		start, end, err := parseRange(*params.Range, int64(len(data)))
		if err != nil {
			return nil, err
		}
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end-1, len(data)))
		data = data[start:end]
	}
	out.ContentLength = aws.Int64(int64(len(data)))
	out.Body = io.NopCloser(bytes.NewReader(data))
	if wrap != nil {
		out.Body = wrap(key, out.Body)
	}
	return out, nil
}

func (f *Fake) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadObject"); err != nil {
		return nil, err
	}
	obj, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &APIError{Code: "NotFound", Message: "Not Found", Status: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength:        aws.Int64(int64(len(obj.Data))),
		ContentType:          aws.String(obj.ContentType),
		Metadata:             maps.Clone(obj.Metadata),
		ServerSideEncryption: obj.Encryption,
		ETag:                 etag(obj.Data),
		LastModified:         aws.Time(obj.LastModified),
	}, nil
}

func (f *Fake) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *Fake) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObjects"); err != nil {
		return nil, err
	}
	if params.Delete == nil || len(params.Delete.Objects) > 1000 {
		return nil, &APIError{Code: "MalformedXML", Message: "too many keys", Status: 400}
	}
	f.batches = append(f.batches, len(params.Delete.Objects))
	out := &s3.DeleteObjectsOutput{}
	for _, obj := range params.Delete.Objects {
		key := aws.ToString(obj.Key)
		if f.DeleteKeyErr != nil {
			if code, failed := f.DeleteKeyErr(key); failed {
				out.Errors = append(out.Errors, types.Error{
					Key:     aws.String(key),
					Code:    aws.String(code),
					Message: aws.String("delete failed"),
				})
				continue
			}
		}
		delete(f.objects, key)
		if !aws.ToBool(params.Delete.Quiet) {
			out.Deleted = append(out.Deleted, types.DeletedObject{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *Fake) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CopyObject"); err != nil {
		return nil, err
	}
	srcKey, err := sourceKey(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	src, ok := f.objects[srcKey]
	if !ok {
		return nil, noSuchKey(srcKey)
	}
	dst := &Object{
		Data:         bytes.Clone(src.Data),
		ContentType:  src.ContentType,
		Metadata:     maps.Clone(src.Metadata),
		Encryption:   params.ServerSideEncryption,
		LastModified: time.Now(),
	}
	if params.MetadataDirective == types.MetadataDirectiveReplace {
		dst.ContentType = aws.ToString(params.ContentType)
		dst.Metadata = maps.Clone(params.Metadata)
	}
	f.objects[aws.ToString(params.Key)] = dst
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: etag(dst.Data)},
	}, nil
}

func (f *Fake) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("HeadBucket"); err != nil {
		return nil, err
	}
	region, ok := f.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &APIError{Code: "NotFound", Message: "Not Found", Status: 404}
	}
	return &s3.HeadBucketOutput{BucketRegion: aws.String(region)}, nil
}

func (f *Fake) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateBucket"); err != nil {
		return nil, err
	}
	bucket := aws.ToString(params.Bucket)
	if _, ok := f.buckets[bucket]; ok {
		return nil, &APIError{Code: "BucketAlreadyOwnedByYou", Message: "bucket exists", Status: 409}
	}
	region := "us-east-1"
	if params.CreateBucketConfiguration != nil && params.CreateBucketConfiguration.LocationConstraint != "" {
		region = string(params.CreateBucketConfiguration.LocationConstraint)
	}
	f.buckets[bucket] = region
	return &s3.CreateBucketOutput{Location: aws.String("/" + bucket)}, nil
}

func (f *Fake) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutBucketPolicy"); err != nil {
		return nil, err
	}
	f.policies[aws.ToString(params.Bucket)] = aws.ToString(params.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

func (f *Fake) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("fake-upload-%d", f.nextID)
	f.uploads[id] = &upload{
		key:         aws.ToString(params.Key),
		contentType: aws.ToString(params.ContentType),
		metadata:    maps.Clone(params.Metadata),
		encryption:  params.ServerSideEncryption,
		parts:       make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{
		Bucket:   params.Bucket,
		Key:      params.Key,
		UploadId: aws.String(id),
	}, nil
}

func (f *Fake) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	err := f.enter("UploadPart")
	hook := f.UploadPartErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	partNumber := aws.ToInt32(params.PartNumber)
	if hook != nil {
		if err := hook(partNumber); err != nil {
			return nil, err
		}
	}

	var data []byte
	if params.Body != nil {
		if data, err = io.ReadAll(params.Body); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &APIError{Code: "NoSuchUpload", Message: "upload not found", Status: 404}
	}
	up.parts[partNumber] = data
	return &s3.UploadPartOutput{ETag: etag(data)}, nil
}

func (f *Fake) UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UploadPartCopy"); err != nil {
		return nil, err
	}
	if f.DeclineCopyPart {
		return &s3.UploadPartCopyOutput{}, nil
	}
	up, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &APIError{Code: "NoSuchUpload", Message: "upload not found", Status: 404}
	}
	srcKey, err := sourceKey(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	src, ok := f.objects[srcKey]
	if !ok {
		return nil, noSuchKey(srcKey)
	}
	data := src.Data
	if params.CopySourceRange != nil {
		start, end, err := parseRange(*params.CopySourceRange, int64(len(data)))
		if err != nil {
			return nil, err
		}
		data = data[start:end]
	}
	up.parts[aws.ToInt32(params.PartNumber)] = bytes.Clone(data)
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: etag(data)},
	}, nil
}

func (f *Fake) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.UploadId)
	up, ok := f.uploads[id]
	if !ok {
		return nil, &APIError{Code: "NoSuchUpload", Message: "upload not found", Status: 404}
	}
	if params.MultipartUpload == nil || len(params.MultipartUpload.Parts) == 0 {
		return nil, &APIError{Code: "MalformedXML", Message: "no parts", Status: 400}
	}

	var buf bytes.Buffer
	prev := int32(0)
	for _, part := range params.MultipartUpload.Parts {
		pn := aws.ToInt32(part.PartNumber)
		data, ok := up.parts[pn]
		if !ok || pn <= prev {
			return nil, &APIError{Code: "InvalidPart", Message: fmt.Sprintf("invalid part %d", pn), Status: 400}
		}
		prev = pn
		buf.Write(data)
	}

	f.objects[up.key] = &Object{
		Data:         buf.Bytes(),
		ContentType:  up.contentType,
		Metadata:     up.metadata,
		Encryption:   up.encryption,
		LastModified: time.Now(),
	}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{
		Bucket: params.Bucket,
		Key:    params.Key,
		ETag:   etag(buf.Bytes()),
	}, nil
}

func (f *Fake) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &APIError{Code: "NoSuchUpload", Message: "upload not found", Status: 404}
	}
	delete(f.uploads, id)
	f.aborted = append(f.aborted, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *Fake) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListObjectsV2"); err != nil {
		return nil, err
	}
	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)
	after := aws.ToString(params.ContinuationToken)
	if after == "" {
		after = aws.ToString(params.StartAfter)
	}
	pageSize := f.ListPageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	if mk := int(aws.ToInt32(params.MaxKeys)); mk > 0 && mk < pageSize {
		pageSize = mk
	}

	out := &s3.ListObjectsV2Output{
		Name:      params.Bucket,
		Prefix:    params.Prefix,
		Delimiter: params.Delimiter,
	}
	seenPrefixes := make(map[string]bool)
	count := 0
	last := ""
	for _, key := range slices.Sorted(maps.Keys(f.objects)) {
		if !strings.HasPrefix(key, prefix) || key <= after {
			continue
		}
		if count == pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		if delimiter != "" {
			if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
				cp := key[:len(prefix)+i+len(delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				last = key
				continue
			}
		}
		obj := f.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.Data))),
			ETag:         etag(obj.Data),
			LastModified: aws.Time(obj.LastModified),
		})
		last = key
		count++
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}
