package filestore

import (
	"io"
	"os"

	fserr "github.com/bleepstore/s3filestore/internal/errors"
)

// spooled is an upload source backed by a local file.
type spooled struct {
	*os.File
	size int64
	temp bool
}

// spool returns r backed by a file. Streams that already are files are used
// in place from their current offset; anything else is copied to a temp
// file in dir. The caller must release the result.
func spool(r io.Reader, dir string) (*spooled, error) {
	if f, ok := r.(*os.File); ok {
		if s, err := fileRemaining(f); err == nil {
			return s, nil
		}
	}

	f, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return nil, fserr.IO(err)
	}
	s := &spooled{File: f, temp: true}
	if s.size, err = io.Copy(f, r); err != nil {
		s.release()
		return nil, fserr.IO(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.release()
		return nil, fserr.IO(err)
	}
	return s, nil
}

// fileRemaining returns the unread part of a regular file.
func fileRemaining(f *os.File) (*spooled, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, os.ErrInvalid
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	return &spooled{File: f, size: info.Size() - pos}, nil
}

// release closes and removes a temp spool file. Caller-owned files are left
// open.
func (s *spooled) release() error {
	if s == nil || !s.temp {
		return nil
	}
	name := s.Name()
	s.Close()
	return os.Remove(name)
}
