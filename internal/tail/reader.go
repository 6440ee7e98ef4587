// Package tail follows append-only JSON Lines transcripts: a Reader that pulls
// newly appended bytes into complete lines, and a Watcher that decides when
// to run a read pass.
package tail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"pixelagents/internal/logging"
)

const (
	defaultChunkSize   = 64 * 1024
	defaultCacheSize   = 64
	defaultMaxLineSize = 8 * 1024 * 1024
)

// Cursor is the read position within one transcript: the byte offset already
// consumed plus the unterminated fragment carried between reads.
type Cursor struct {
	Offset  int64
	Partial []byte
}

// Result is the outcome of one Read.
type Result struct {
	// Lines holds every complete line in file order, terminator stripped.
	Lines [][]byte
	// Cursor is where the next Read should resume. Its offset is the end of
	// file observed at read time.
	Cursor Cursor
	// Rotated reports that the path now names a different file, which was
	// read from the start.
	Rotated bool
}

// Reader reads newly appended bytes from transcript files. Open handles are
// kept in a bounded LRU and closed on eviction.
type Reader struct {
	mu          sync.Mutex
	files       *lru.Cache[string, *os.File]
	chunkSize   int
	maxLineSize int
	logger      logging.Logger
}

// ReaderOption customizes a Reader.
type ReaderOption func(*Reader)

// WithChunkSize sets the size of each read from disk.
func WithChunkSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithMaxLineSize bounds the carried partial line. A fragment that grows past
// it is dropped.
func WithMaxLineSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxLineSize = n
		}
	}
}

// WithReaderLogger sets the logger for reader diagnostics.
func WithReaderLogger(logger logging.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logging.OrNop(logger)
	}
}

// NewReader creates a Reader caching up to cacheSize open files.
func NewReader(cacheSize int, opts ...ReaderOption) (*Reader, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	files, err := lru.NewWithEvict[string, *os.File](cacheSize, func(_ string, f *os.File) {
		_ = f.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("tail: create handle cache: %w", err)
	}
	r := &Reader{
		files:       files,
		chunkSize:   defaultChunkSize,
		maxLineSize: defaultMaxLineSize,
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Read returns the complete lines appended to path since cur. Any trailing
// unterminated fragment is carried in the returned cursor. The returned
// offset never depends on whether the lines parse.
func (r *Reader) Read(path string, cur Cursor) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, rotated, err := r.handle(path)
	if err != nil {
		return Result{Cursor: cur}, err
	}
	if rotated {
		cur = Cursor{}
	}

	info, err := f.Stat()
	if err != nil {
		r.files.Remove(path)
		return Result{Cursor: cur}, fmt.Errorf("tail: stat %s: %w", path, err)
	}
	size := info.Size()
	if size < cur.Offset {
		// A shrink the caller did not catch; treat it as a fresh file.
		cur = Cursor{}
		rotated = true
	}

	res := Result{Rotated: rotated}
	partial := append([]byte(nil), cur.Partial...)
	offset := cur.Offset
	buf := make([]byte, r.chunkSize)

	for offset < size {
		want := int64(len(buf))
		if remaining := size - offset; remaining < want {
			want = remaining
		}
		n, err := f.ReadAt(buf[:want], offset)
		if n > 0 {
			offset += int64(n)
			partial = r.split(append(partial, buf[:n]...), &res.Lines)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			res.Cursor = Cursor{Offset: offset, Partial: partial}
			return res, fmt.Errorf("tail: read %s: %w", path, err)
		}
		if n == 0 {
			break
		}
	}

	if len(partial) == 0 {
		partial = nil
	}
	res.Cursor = Cursor{Offset: offset, Partial: partial}
	return res, nil
}

// split appends every complete line in data to lines and returns the
// unterminated remainder.
func (r *Reader) split(data []byte, lines *[][]byte) []byte {
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:idx], []byte{'\r'})
		owned := make([]byte, len(line))
		copy(owned, line)
		*lines = append(*lines, owned)
		data = data[idx+1:]
	}
	if len(data) > r.maxLineSize {
		r.logger.Warn("tail: dropping %d byte unterminated line", len(data))
		return nil
	}
	return append([]byte(nil), data...)
}

// handle returns the cached handle for path, reopening it when the path now
// names a different file.
func (r *Reader) handle(path string) (*os.File, bool, error) {
	onDisk, err := os.Stat(path)
	if err != nil {
		r.files.Remove(path)
		return nil, false, fmt.Errorf("tail: stat %s: %w", path, err)
	}

	if f, ok := r.files.Get(path); ok {
		held, err := f.Stat()
		if err == nil && os.SameFile(held, onDisk) {
			return f, false, nil
		}
		r.files.Remove(path)
		f, err := r.open(path)
		return f, true, err
	}
	f, err := r.open(path)
	return f, false, err
}

func (r *Reader) open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tail: open %s: %w", path, err)
	}
	r.files.Add(path, f)
	return f, nil
}

// Forget closes the cached handle for path, if any.
func (r *Reader) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files.Remove(path)
}

// Open reports how many file handles are currently cached.
func (r *Reader) Open() int {
	return r.files.Len()
}

// Close releases every cached handle.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files.Purge()
	return nil
}
