package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Memory is an in-memory BlobStore used by tests and by cmd/pureboot.
type Memory struct {
	mu   sync.RWMutex
	refs map[string]string // template ref -> url
	objs map[string][]byte // url -> content
}

// NewMemory returns an empty Memory blob store.
func NewMemory() *Memory {
	return &Memory{
		refs: make(map[string]string),
		objs: make(map[string][]byte),
	}
}

// Put registers a template ref and its backing bytes under a synthetic URL.
func (m *Memory) Put(templateRef, url string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[templateRef] = url
	m.objs[url] = content
}

func (m *Memory) Resolve(_ context.Context, templateRef string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.refs[templateRef]
	if !ok {
		return "", ErrNotFound
	}
	return u, nil
}

func (m *Memory) Open(_ context.Context, url string) (ReadCloser, Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objs[url]
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), Object{URL: url, Size: int64(len(b))}, nil
}
