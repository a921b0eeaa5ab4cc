// Package cacheproxy defines how the map server talks to a cache of rendered
// artifacts: capabilities documents and images, addressed per resource.
//
// The filters only consume the Proxy interface. When no cache backend is
// configured, Null is used and the server degrades to not caching at all.
package cacheproxy

import (
	"context"
	"time"
)

// Proxy is the contract a cache implementation satisfies. Reads return
// ok=false for a missing entry and never fail because of it. Writes and
// deletes return nil when accepted; deleting a missing entry is accepted.
//
// Implementations must be safe for concurrent use.
type Proxy interface {
	GetDocument(ctx context.Context, key Key) ([]byte, bool, error)
	GetImage(ctx context.Context, key Key) ([]byte, bool, error)
	SetDocument(ctx context.Context, key Key, doc []byte) error
	SetImage(ctx context.Context, key Key, img []byte) error
	DeleteDocument(ctx context.Context, key Key) error
	DeleteImage(ctx context.Context, key Key) error
	// DeleteDocuments removes every document of the resource.
	DeleteDocuments(ctx context.Context, resource string) error
	// DeleteImages removes every image of the resource.
	DeleteImages(ctx context.Context, resource string) error
}

// Null is the proxy used when no cache is configured. It stores nothing,
// returns nothing and accepts every write or delete.
type Null struct{}

func (Null) GetDocument(context.Context, Key) ([]byte, bool, error) { return nil, false, nil }
func (Null) GetImage(context.Context, Key) ([]byte, bool, error)    { return nil, false, nil }
func (Null) SetDocument(context.Context, Key, []byte) error         { return nil }
func (Null) SetImage(context.Context, Key, []byte) error            { return nil }
func (Null) DeleteDocument(context.Context, Key) error              { return nil }
func (Null) DeleteImage(context.Context, Key) error                 { return nil }
func (Null) DeleteDocuments(context.Context, string) error          { return nil }
func (Null) DeleteImages(context.Context, string) error             { return nil }

// Backend is the storage side of a cache: one set of operations, with the
// artifact kind carried in the key.
type Backend interface {
	Get(ctx context.Context, key Key) ([]byte, bool, error)
	Set(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
	DeleteAll(ctx context.Context, resource string, kind Kind) error
}

// Expirer is implemented by backends that cannot expire entries on their own.
type Expirer interface {
	// PurgeExpired removes entries stored before the given time and returns
	// how many were removed.
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}

type backendProxy struct {
	backend Backend
}

// FromBackend exposes a Backend through the Proxy contract.
func FromBackend(b Backend) Proxy {
	return &backendProxy{backend: b}
}

func (p *backendProxy) GetDocument(ctx context.Context, key Key) ([]byte, bool, error) {
	key.Kind = Document
	return p.backend.Get(ctx, key)
}

func (p *backendProxy) GetImage(ctx context.Context, key Key) ([]byte, bool, error) {
	key.Kind = Image
	return p.backend.Get(ctx, key)
}

func (p *backendProxy) SetDocument(ctx context.Context, key Key, doc []byte) error {
	key.Kind = Document
	return p.backend.Set(ctx, key, doc)
}

func (p *backendProxy) SetImage(ctx context.Context, key Key, img []byte) error {
	key.Kind = Image
	return p.backend.Set(ctx, key, img)
}

func (p *backendProxy) DeleteDocument(ctx context.Context, key Key) error {
	key.Kind = Document
	return p.backend.Delete(ctx, key)
}

func (p *backendProxy) DeleteImage(ctx context.Context, key Key) error {
	key.Kind = Image
	return p.backend.Delete(ctx, key)
}

func (p *backendProxy) DeleteDocuments(ctx context.Context, resource string) error {
	return p.backend.DeleteAll(ctx, resource, Document)
}

func (p *backendProxy) DeleteImages(ctx context.Context, resource string) error {
	return p.backend.DeleteAll(ctx, resource, Image)
}
