package filestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
	"github.com/bleepstore/s3filestore/internal/s3client/s3test"
)

func putNames(fake *s3test.Fake, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("file-%05d", i)
		fake.Put(testPrefix+"/"+names[i], []byte(names[i]))
	}
	return names
}

func TestGetFileListPaginates(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	fake.ListPageSize = 7
	want := putNames(fake, 23)
	fake.Put(testPrefix+"/nested/deeper", []byte("x"))
	fake.Put(testPrefix+"0/neighbour", []byte("x"))
	fake.Put("other/file", []byte("x"))

	got, err := fs.GetFileList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, want) {
		t.Fatalf("GetFileList = %v, want %v", got, want)
	}
	if fake.Calls("ListObjectsV2") < 4 {
		t.Errorf("ListObjectsV2 calls = %d, want paginated listing", fake.Calls("ListObjectsV2"))
	}
}

func TestGetFileListEmpty(t *testing.T) {
	fs, _ := newTestStorage(t, Options{})
	got, err := fs.GetFileList(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("GetFileList = %v, %v", got, err)
	}
}

func TestDeleteFile(t *testing.T) {
	fs, _ := newTestStorage(t, Options{})
	ctx := context.Background()
	name := mustSave(t, fs, pattern(10))

	ok, err := fs.DeleteFile(ctx, name)
	if err != nil || !ok {
		t.Fatalf("DeleteFile = %v, %v", ok, err)
	}
	if _, err := fs.GetFileSize(ctx, name); !errors.Is(err, fserr.ErrFileNotFound) {
		t.Fatalf("deleted file still present: %v", err)
	}
	if ok, err := fs.DeleteFile(ctx, name); err != nil || !ok {
		t.Fatalf("deleting a missing file = %v, %v", ok, err)
	}
}

func TestDeleteFilesBatchesAndReportsFailures(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	names := putNames(fake, 2500)
	fake.DeleteKeyErr = func(key string) (string, bool) {
		return "AccessDenied", strings.HasSuffix(key, "7")
	}

	notDeleted, err := fs.DeleteFiles(context.Background(), names)
	if err != nil {
		t.Fatal(err)
	}
	if got := fake.DeleteBatches(); !slices.Equal(got, []int{1000, 1000, 500}) {
		t.Errorf("delete batches = %v", got)
	}

	var want []string
	for _, name := range names {
		if strings.HasSuffix(name, "7") {
			want = append(want, name)
		}
	}
	if !slices.Equal(notDeleted, want) {
		t.Fatalf("not deleted = %d names, want %d", len(notDeleted), len(want))
	}
	remaining, err := fs.GetFileList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(remaining, want) {
		t.Fatalf("remaining files = %d, want exactly the reported failures", len(remaining))
	}
}

func TestDeleteFilesBatchFailure(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	names := putNames(fake, 1500)
	fake.Fail("DeleteObjects", nil, &s3test.APIError{Code: "InternalError", Message: "boom", Status: 500})

	notDeleted, err := fs.DeleteFiles(context.Background(), names)
	if !errors.Is(err, fserr.ErrStoreService) {
		t.Fatalf("error = %v, want store service error", err)
	}
	if notDeleted != nil {
		t.Fatalf("not deleted = %v, want nil on a failed batch", notDeleted)
	}
}

func TestDeleteFilesEmpty(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	notDeleted, err := fs.DeleteFiles(context.Background(), nil)
	if err != nil || notDeleted != nil {
		t.Fatalf("DeleteFiles(nil) = %v, %v", notDeleted, err)
	}
	if fake.Calls("DeleteObjects") != 0 {
		t.Fatal("empty delete issued a request")
	}
}

func TestRemoveRetriesUntilEmpty(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	putNames(fake, 30)
	fake.Put("other/keep", []byte("x"))

	var failures atomic.Int32
	fake.DeleteKeyErr = func(key string) (string, bool) {
		if key == testPrefix+"/file-00003" && failures.Load() < 2 {
			failures.Add(1)
			return "SlowDown", true
		}
		return "", false
	}

	if err := fs.Remove(context.Background()); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := fake.Keys(); !slices.Equal(got, []string{"other/keep"}) {
		t.Fatalf("remaining keys = %v", got)
	}
	if fake.Calls("DeleteObjects") != 3 {
		t.Errorf("DeleteObjects calls = %d, want 3", fake.Calls("DeleteObjects"))
	}
}

func TestRemoveGivesUp(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	putNames(fake, 5)
	fake.DeleteKeyErr = func(key string) (string, bool) {
		return "AccessDenied", key == testPrefix+"/file-00001"
	}

	err := fs.Remove(context.Background())
	if !errors.Is(err, fserr.ErrNotEliminated) {
		t.Fatalf("error = %v, want not eliminated", err)
	}
	if fake.Calls("DeleteObjects") != removeAttempts {
		t.Errorf("DeleteObjects calls = %d, want %d", fake.Calls("DeleteObjects"), removeAttempts)
	}
	if fake.Calls("ListObjectsV2") != removeAttempts+1 {
		t.Errorf("ListObjectsV2 calls = %d, want %d", fake.Calls("ListObjectsV2"), removeAttempts+1)
	}
}

func TestRemoveWrapsStoreErrors(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	putNames(fake, 3)
	fake.Fail("ListObjectsV2", &s3test.APIError{Code: "AccessDenied", Message: "denied", Status: 403})

	err := fs.Remove(context.Background())
	if !errors.Is(err, fserr.ErrNotEliminated) || !errors.Is(err, fserr.ErrStoreService) {
		t.Fatalf("error = %v, want not eliminated caused by a store error", err)
	}
}

func TestRemoveEmpty(t *testing.T) {
	fs, fake := newTestStorage(t, Options{})
	if err := fs.Remove(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fake.Calls("DeleteObjects") != 0 {
		t.Fatal("removing an empty storage issued deletes")
	}
}
