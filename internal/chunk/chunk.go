// Package chunk splits an input stream into bounded-size upload chunks, each
// carrying the MD5 digest S3 expects in the Content-MD5 header.
package chunk

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrExhausted is returned by Next once the stream has been fully consumed.
var ErrExhausted = errors.New("chunk: no more chunks")

// peekBufferSize is the read-ahead buffer used to answer HasNext.
const peekBufferSize = 64 * 1024

// Chunk is one bounded slice of the input stream. A chunk must be closed by
// its consumer; closing removes any spool file backing it.
type Chunk struct {
	size   int64
	md5    []byte
	reader io.ReadSeeker
	file   *os.File
	closed bool
}

// Size returns the number of bytes in the chunk.
func (c *Chunk) Size() int64 { return c.size }

// MD5 returns the base64-encoded MD5 digest of the chunk data.
func (c *Chunk) MD5() string { return base64.StdEncoding.EncodeToString(c.md5) }

// Reader returns the chunk data positioned at its start.
func (c *Chunk) Reader() io.ReadSeeker {
	c.reader.Seek(0, io.SeekStart)
	return c.reader
}

// Spooled reports whether the chunk data lives in a temp file.
func (c *Chunk) Spooled() bool { return c.file != nil }

// Close releases the chunk. It is safe to call more than once.
func (c *Chunk) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	if c.file == nil {
		return nil
	}
	name := c.file.Name()
	err := c.file.Close()
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Option configures a Producer.
type Option func(*Producer)

// WithEncryptionAlignment aligns chunk boundaries to the AES block size, as
// required when a client-side encryption layer encrypts parts independently.
func WithEncryptionAlignment(enabled bool) Option {
	return func(p *Producer) {
		p.aligned = enabled
	}
}

// WithSpooling makes chunks larger than threshold bytes spool to temp files
// in dir instead of memory. An empty dir uses os.TempDir.
func WithSpooling(dir string, threshold int64) Option {
	return func(p *Producer) {
		p.spoolDir = dir
		p.memoryThreshold = threshold
	}
}

// Producer lazily produces chunks from a stream. It is forward-only and
// not safe for concurrent use.
type Producer struct {
	src             *bufio.Reader
	chunkSize       int64
	aligned         bool
	spoolDir        string
	memoryThreshold int64

	started bool
}

// NewProducer returns a Producer reading r in chunks of at most chunkSize bytes.
func NewProducer(r io.Reader, chunkSize int64, opts ...Option) (*Producer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk: invalid chunk size %d", chunkSize)
	}
	p := &Producer{
		src:       bufio.NewReaderSize(r, peekBufferSize),
		chunkSize: chunkSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.aligned {
		p.chunkSize -= p.chunkSize % aes.BlockSize
		if p.chunkSize < aes.BlockSize {
			p.chunkSize = aes.BlockSize
		}
	}
	return p, nil
}

// ChunkSize returns the effective chunk size after alignment.
func (p *Producer) ChunkSize() int64 { return p.chunkSize }

// HasNext reports whether Next will produce another chunk. The first call
// always reports true so that an empty stream yields one empty chunk. Read
// errors other than EOF also report true; Next surfaces them.
func (p *Producer) HasNext() bool {
	if !p.started {
		return true
	}
	_, err := p.src.Peek(1)
	return err != io.EOF
}

// Next returns the next chunk. The caller owns and must close it.
func (p *Producer) Next() (*Chunk, error) {
	if !p.HasNext() {
		return nil, ErrExhausted
	}
	p.started = true

	if p.memoryThreshold > 0 && p.chunkSize > p.memoryThreshold {
		return p.nextSpooled()
	}
	return p.nextInMemory()
}

func (p *Producer) nextInMemory() (*Chunk, error) {
	var buf bytes.Buffer
	hasher := md5.New()
	n, err := io.CopyN(io.MultiWriter(&buf, hasher), p.src, p.chunkSize)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading chunk: %w", err)
	}
	return &Chunk{
		size:   n,
		md5:    hasher.Sum(nil),
		reader: bytes.NewReader(buf.Bytes()),
	}, nil
}

func (p *Producer) nextSpooled() (*Chunk, error) {
	f, err := os.CreateTemp(p.spoolDir, "chunk-*")
	if err != nil {
		return nil, fmt.Errorf("creating chunk spool file: %w", err)
	}
	c := &Chunk{file: f, reader: f}

	hasher := md5.New()
	n, err := io.CopyN(io.MultiWriter(f, hasher), p.src, p.chunkSize)
	if err != nil && err != io.EOF {
		c.Close()
		return nil, fmt.Errorf("spooling chunk: %w", err)
	}
	c.size = n
	c.md5 = hasher.Sum(nil)
	return c, nil
}
