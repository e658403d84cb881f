package chunk

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

// drain reads every chunk from p, verifying digests and closing each chunk.
func drain(t *testing.T, p *Producer) [][]byte {
	t.Helper()
	var out [][]byte
	for p.HasNext() {
		c, err := p.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		data, err := io.ReadAll(c.Reader())
		if err != nil {
			t.Fatalf("reading chunk: %v", err)
		}
		if int64(len(data)) != c.Size() {
			t.Fatalf("chunk size = %d, data length = %d", c.Size(), len(data))
		}
		sum := md5.Sum(data)
		if c.MD5() != base64.StdEncoding.EncodeToString(sum[:]) {
			t.Fatalf("chunk MD5 mismatch")
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		out = append(out, data)
	}
	return out
}

func TestProducerChunkCounts(t *testing.T) {
	const size = 10
	tests := []struct {
		name       string
		length     int
		wantChunks int
	}{
		{"empty", 0, 1},
		{"one byte", 1, 1},
		{"chunk minus one", size - 1, 1},
		{"exact chunk", size, 1},
		{"chunk plus one", size + 1, 2},
		{"many chunks", size*7 + 3, 8},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := bytes.Repeat([]byte("x"), tc.length)
			for i := range input {
				input[i] = byte(i)
			}
			p, err := NewProducer(bytes.NewReader(input), size)
			if err != nil {
				t.Fatalf("NewProducer failed: %v", err)
			}
			chunks := drain(t, p)
			if len(chunks) != tc.wantChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tc.wantChunks)
			}
			for i, c := range chunks[:len(chunks)-1] {
				if len(c) != size {
					t.Errorf("chunk %d has %d bytes, want %d", i, len(c), size)
				}
			}
			if got := bytes.Join(chunks, nil); !bytes.Equal(got, input) {
				t.Fatal("reassembled chunks differ from input")
			}
		})
	}
}

func TestProducerNextAfterExhaustion(t *testing.T) {
	p, err := NewProducer(strings.NewReader("abc"), 8)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, p)
	if _, err := p.Next(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestHasNextIsIdempotent(t *testing.T) {
	p, err := NewProducer(strings.NewReader("abcdef"), 3)
	if err != nil {
		t.Fatal(err)
	}
	c, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	for i := 0; i < 5; i++ {
		if !p.HasNext() {
			t.Fatal("HasNext flipped to false without consuming")
		}
	}
	c2, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	data, _ := io.ReadAll(c2.Reader())
	if string(data) != "def" {
		t.Fatalf("second chunk = %q, want def", data)
	}
	if p.HasNext() {
		t.Fatal("expected exhaustion")
	}
}

func TestEncryptionAlignment(t *testing.T) {
	p, err := NewProducer(strings.NewReader(""), 100, WithEncryptionAlignment(true))
	if err != nil {
		t.Fatal(err)
	}
	if p.ChunkSize() != 96 {
		t.Fatalf("ChunkSize = %d, want 96", p.ChunkSize())
	}
	p, err = NewProducer(strings.NewReader(""), 5, WithEncryptionAlignment(true))
	if err != nil {
		t.Fatal(err)
	}
	if p.ChunkSize() != 16 {
		t.Fatalf("ChunkSize = %d, want 16", p.ChunkSize())
	}
}

func TestSpooledChunksAreRemovedOnClose(t *testing.T) {
	dir := t.TempDir()
	input := bytes.Repeat([]byte("spool"), 100)
	p, err := NewProducer(bytes.NewReader(input), 128, WithSpooling(dir, 64))
	if err != nil {
		t.Fatal(err)
	}
	c, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !c.Spooled() {
		t.Fatal("expected a spooled chunk")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one spool file, found %d", len(entries))
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close returned %v", err)
	}
	rest := drain(t, p)
	if got := len(rest); got != 3 {
		t.Fatalf("remaining chunks = %d, want 3", got)
	}
	entries, _ = os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("spool files leaked: %d", len(entries))
	}
}

type failingReader struct{ n int }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n > 0 {
		k := copy(p, bytes.Repeat([]byte("a"), r.n))
		r.n -= k
		return k, nil
	}
	return 0, errors.New("disk on fire")
}

func TestReadErrorSurfacesFromNext(t *testing.T) {
	p, err := NewProducer(&failingReader{n: 4}, 2)
	if err != nil {
		t.Fatal(err)
	}
	var lastErr error
	for i := 0; i < 5 && p.HasNext(); i++ {
		c, err := p.Next()
		if err != nil {
			lastErr = err
			break
		}
		c.Close()
	}
	if lastErr == nil || !strings.Contains(lastErr.Error(), "disk on fire") {
		t.Fatalf("expected read error, got %v", lastErr)
	}
}

func TestInvalidChunkSize(t *testing.T) {
	if _, err := NewProducer(strings.NewReader("x"), 0); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}
