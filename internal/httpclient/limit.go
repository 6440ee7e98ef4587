package httpclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultResponseLimit caps how much of a Billy runtime reply is buffered.
const DefaultResponseLimit int64 = 4 << 20

// BodyTooLargeError is returned when a Billy reply is longer than Limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e BodyTooLargeError) Error() string {
	return fmt.Sprintf("billy response longer than %d bytes", e.Limit)
}

// IsBodyTooLarge reports whether err wraps a BodyTooLargeError.
func IsBodyTooLarge(err error) bool {
	var tooLarge BodyTooLargeError
	return errors.As(err, &tooLarge)
}

// ReadLimited buffers r, failing once more than limit bytes arrive.
// limit <= 0 reads everything.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	if limit <= 0 {
		_, err := buf.ReadFrom(r)
		return buf.Bytes(), err
	}
	n, err := io.CopyN(&buf, r, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n > limit {
		return nil, BodyTooLargeError{Limit: limit}
	}
	return buf.Bytes(), nil
}

// DecodeLimited decodes a JSON reply of at most limit bytes into v.
// An empty reply leaves v as it was.
func DecodeLimited(r io.Reader, limit int64, v any) error {
	data, err := ReadLimited(r, limit)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode billy response: %w", err)
	}
	return nil
}
