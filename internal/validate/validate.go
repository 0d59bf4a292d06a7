package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// MismatchError reports an integrity discrepancy between the expected and
// observed representation of an artifact. It is always fatal: retrying a
// corrupted channel would mask data loss.
type MismatchError struct {
	Key          string
	Field        string // "checksum" or "size"
	Expected     string
	Actual       string
	ExpectedSize int64
	ActualSize   int64
}

func (e *MismatchError) Error() string {
	if e.Field == "size" {
		return fmt.Sprintf("integrity mismatch on %s: size expected %d, got %d", e.Key, e.ExpectedSize, e.ActualSize)
	}
	return fmt.Sprintf("integrity mismatch on %s: checksum expected %s, got %s", e.Key, e.Expected, e.Actual)
}

// DigestReader computes a sha256 over everything read through it
type DigestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewDigestReader wraps r with digest accounting
func NewDigestReader(r io.Reader) *DigestReader {
	return &DigestReader{r: r, h: sha256.New()}
}

func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex sha256 of the bytes read so far
func (d *DigestReader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// BytesRead returns how many bytes passed through
func (d *DigestReader) BytesRead() int64 {
	return d.n
}

// Digest computes the hex sha256 of a byte slice
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Verify compares an observed digest and size against declared values.
// An empty declared checksum means the source exposes none and only the
// size is checked; the computed digest then becomes the value of record.
// Verify is idempotent and side-effect free.
func Verify(key string, gotChecksum string, gotSize int64, wantChecksum string, wantSize int64) error {
	if wantSize >= 0 && gotSize != wantSize {
		return &MismatchError{
			Key:          key,
			Field:        "size",
			ExpectedSize: wantSize,
			ActualSize:   gotSize,
		}
	}

	if wantChecksum != "" && gotChecksum != wantChecksum {
		return &MismatchError{
			Key:      key,
			Field:    "checksum",
			Expected: wantChecksum,
			Actual:   gotChecksum,
		}
	}

	return nil
}
