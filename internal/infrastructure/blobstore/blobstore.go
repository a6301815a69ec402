// Package blobstore holds uploaded result documents. Lab records only keep
// the object key; the bytes live here.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-labflow/pkg/circuitbreaker"
)

var (
	// ErrNotFound is returned for unknown keys.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when a key is written twice.
	ErrExists = errors.New("document already exists")
)

// Object describes a stored document.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	UploadedAt  time.Time
}

// Store is a write-once document store.
type Store interface {
	Driver() string
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error)
	Get(ctx context.Context, key string) (Object, io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds a unique key under the test's prefix, keeping a cleaned
// copy of the original file name for readability.
func ObjectKey(orderID, testID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == "/" {
		name = "document"
	}
	return fmt.Sprintf("results/%s/%s/%s-%s", orderID, testID, uuid.New().String()[:8], name)
}

// Guarded routes every call through a circuit breaker so a failing backend
// is cut off quickly instead of holding request goroutines.
type Guarded struct {
	store   Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuarded wraps store with breaker.
func NewGuarded(store Store, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{store: store, breaker: breaker}
}

func (g *Guarded) Driver() string { return g.store.Driver() }

func (g *Guarded) Put(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	v, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.Put(ctx, key, r, contentType)
	})
	if err != nil {
		return Object{}, err
	}
	return v.(Object), nil
}

// Get is guarded too; a missing key does not count as a backend failure.
func (g *Guarded) Get(ctx context.Context, key string) (Object, io.ReadCloser, error) {
	var (
		obj Object
		rc  io.ReadCloser
		nf  bool
	)
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		obj, rc, err = g.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			nf = true
			return nil
		}
		return err
	})
	if nf {
		return Object{}, nil, ErrNotFound
	}
	return obj, rc, err
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		err := g.store.Delete(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
}
