package worker

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"objmover/internal/validate"
)

// payload holds one artifact's content between download and upload so the
// pre-transfer verification can complete before any byte reaches the target.
// Content up to the spool threshold stays in memory; larger artifacts spill
// to a temp file.
type payload struct {
	data   []byte
	file   *os.File
	size   int64
	digest string
}

// spoolFrom drains r, digesting everything read. declaredSize only chooses
// the spool medium; the actual byte count is recorded in the payload.
func spoolFrom(r io.Reader, declaredSize, threshold int64) (*payload, error) {
	digester := validate.NewDigestReader(r)

	if declaredSize <= threshold {
		data, err := io.ReadAll(digester)
		if err != nil {
			return nil, fmt.Errorf("failed to read content: %w", err)
		}
		return &payload{data: data, size: digester.BytesRead(), digest: digester.Sum()}, nil
	}

	file, err := os.CreateTemp("", "objmover-spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	if _, err := io.Copy(file, digester); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to spool content: %w", err)
	}

	return &payload{file: file, size: digester.BytesRead(), digest: digester.Sum()}, nil
}

// reader returns a fresh reader over the full content, usable once per
// upload attempt.
func (p *payload) reader() (io.Reader, error) {
	if p.file == nil {
		return bytes.NewReader(p.data), nil
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}
	return p.file, nil
}

// head returns up to the first 512 bytes, for content-type sniffing
func (p *payload) head() []byte {
	if p.file == nil {
		if len(p.data) > 512 {
			return p.data[:512]
		}
		return p.data
	}

	buf := make([]byte, 512)
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	n, _ := io.ReadFull(p.file, buf)
	return buf[:n]
}

func (p *payload) close() {
	if p.file != nil {
		p.file.Close()
		os.Remove(p.file.Name())
		p.file = nil
	}
	p.data = nil
}
