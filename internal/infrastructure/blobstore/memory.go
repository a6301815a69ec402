package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memObject struct {
	obj  Object
	data []byte
}

// Memory keeps documents in process memory.
type Memory struct {
	mu   sync.RWMutex
	objs map[string]memObject
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objs: make(map[string]memObject), now: time.Now}
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("read document: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objs[key]; ok {
		return Object{}, fmt.Errorf("%s: %w", key, ErrExists)
	}
	obj := Object{Key: key, ContentType: contentType, Size: int64(len(data)), UploadedAt: m.now().UTC()}
	m.objs[key] = memObject{obj: obj, data: data}
	return obj, nil
}

func (m *Memory) Get(ctx context.Context, key string) (Object, io.ReadCloser, error) {
	m.mu.RLock()
	o, ok := m.objs[key]
	m.mu.RUnlock()
	if !ok {
		return Object{}, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return o.obj, io.NopCloser(bytes.NewReader(o.data)), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objs[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(m.objs, key)
	return nil
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objs)
}
