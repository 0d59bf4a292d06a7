// Package storagetest provides an in-memory storage.Client for tests.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"objmover/internal/storage"
	"objmover/internal/validate"
)

type object struct {
	content []byte
	info    storage.ArtifactInfo
}

// FakeClient is an in-memory storage.Client. Hooks inject failures per key
// and attempt; attempt numbers are 1-based per key.
type FakeClient struct {
	mu      sync.Mutex
	objects map[string]*object

	// ReadHook and WriteHook, when set, run before the operation and may
	// return an error to fail it.
	ReadHook  func(key string, attempt int) error
	WriteHook func(key string, attempt int) error

	readCounts  map[string]int
	writeCounts map[string]int
}

// NewFakeClient creates an empty fake store
func NewFakeClient() *FakeClient {
	return &FakeClient{
		objects:     make(map[string]*object),
		readCounts:  make(map[string]int),
		writeCounts: make(map[string]int),
	}
}

// Seed stores an object whose declared checksum matches its content
func (f *FakeClient) Seed(key string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[key] = &object{
		content: append([]byte(nil), content...),
		info: storage.ArtifactInfo{
			Key:          key,
			Size:         int64(len(content)),
			ETag:         fmt.Sprintf("etag-%s", key),
			Checksum:     validate.Digest(content),
			LastModified: time.Now(),
			ContentType:  "application/octet-stream",
		},
	}
}

// SetDeclaredChecksum overrides an object's declared checksum, simulating
// content corrupted in flight or a stale declaration.
func (f *FakeClient) SetDeclaredChecksum(key, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[key]; ok {
		obj.info.Checksum = checksum
	}
}

// ReadCount reports how many reads were attempted for key
func (f *FakeClient) ReadCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCounts[key]
}

// WriteCount reports how many writes were attempted for key
func (f *FakeClient) WriteCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeCounts[key]
}

// Content returns a stored object's bytes, nil if absent
func (f *FakeClient) Content(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj, ok := f.objects[key]; ok {
		return append([]byte(nil), obj.content...)
	}
	return nil
}

// List lists objects under prefix in lexicographic key order
func (f *FakeClient) List(ctx context.Context, prefix string) (<-chan storage.ArtifactInfo, <-chan error) {
	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	infos := make([]storage.ArtifactInfo, 0, len(keys))
	for _, key := range keys {
		infos = append(infos, f.objects[key].info)
	}
	f.mu.Unlock()

	artCh := make(chan storage.ArtifactInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(artCh)
		defer close(errCh)
		for _, info := range infos {
			select {
			case artCh <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return artCh, errCh
}

// Read opens an object, consulting ReadHook first
func (f *FakeClient) Read(ctx context.Context, key string) (io.ReadCloser, storage.ArtifactInfo, error) {
	f.mu.Lock()
	f.readCounts[key]++
	attempt := f.readCounts[key]
	obj, ok := f.objects[key]
	hook := f.ReadHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(key, attempt); err != nil {
			return nil, storage.ArtifactInfo{}, err
		}
	}
	if !ok {
		return nil, storage.ArtifactInfo{}, fmt.Errorf("NoSuchKey: %s", key)
	}

	return io.NopCloser(bytes.NewReader(obj.content)), obj.info, nil
}

// Head returns object metadata
func (f *FakeClient) Head(ctx context.Context, key string) (storage.ArtifactInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return storage.ArtifactInfo{}, fmt.Errorf("NoSuchKey: %s", key)
	}
	return obj.info, nil
}

// Write stores an object, consulting WriteHook first, and confirms the
// checksum and size of what it received.
func (f *FakeClient) Write(ctx context.Context, key string, reader io.Reader, size int64, opts storage.PutOptions) (storage.WriteResult, error) {
	f.mu.Lock()
	f.writeCounts[key]++
	attempt := f.writeCounts[key]
	hook := f.WriteHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(key, attempt); err != nil {
			return storage.WriteResult{}, err
		}
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return storage.WriteResult{}, err
	}

	checksum := validate.Digest(content)

	f.mu.Lock()
	f.objects[key] = &object{
		content: content,
		info: storage.ArtifactInfo{
			Key:          key,
			Size:         int64(len(content)),
			ETag:         fmt.Sprintf("etag-%s", key),
			Checksum:     opts.Checksum,
			LastModified: time.Now(),
			ContentType:  opts.ContentType,
			Metadata:     opts.Metadata,
		},
	}
	f.mu.Unlock()

	return storage.WriteResult{
		ETag:     fmt.Sprintf("etag-%s", key),
		Size:     int64(len(content)),
		Checksum: checksum,
	}, nil
}
