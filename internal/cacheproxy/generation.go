package cacheproxy

import (
	"context"
	"sync"
)

// Generations wraps a Proxy and counts the evictions of every resource.
// A caller reads Generation before fetching an artifact and stores it with
// SetDocumentAt or SetImageAt, which drop the artifact if the resource was
// evicted in between.
type Generations struct {
	Proxy

	mu   sync.Mutex
	gens map[string]*generation
}

// generation is the eviction count of one resource, with its own lock.
type generation struct {
	mu sync.RWMutex
	n  uint64
}

func WithGenerations(p Proxy) *Generations {
	if p == nil {
		p = Null{}
	}
	return &Generations{Proxy: p, gens: make(map[string]*generation)}
}

func (g *Generations) entry(resource string) *generation {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.gens[resource]
	if !ok {
		e = &generation{}
		g.gens[resource] = e
	}
	return e
}

// Generation returns the number of evictions of resource so far.
func (g *Generations) Generation(resource string) uint64 {
	e := g.entry(resource)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.n
}

func (g *Generations) bump(resource string) {
	e := g.entry(resource)
	e.mu.Lock()
	e.n++
	e.mu.Unlock()
}

func (g *Generations) DeleteDocument(ctx context.Context, key Key) error {
	g.bump(key.Resource)
	return g.Proxy.DeleteDocument(ctx, key)
}

func (g *Generations) DeleteImage(ctx context.Context, key Key) error {
	g.bump(key.Resource)
	return g.Proxy.DeleteImage(ctx, key)
}

func (g *Generations) DeleteDocuments(ctx context.Context, resource string) error {
	g.bump(resource)
	return g.Proxy.DeleteDocuments(ctx, resource)
}

func (g *Generations) DeleteImages(ctx context.Context, resource string) error {
	g.bump(resource)
	return g.Proxy.DeleteImages(ctx, resource)
}

// SetDocumentAt stores doc unless key's resource was evicted after gen was
// read. It reports whether the document was handed to the cache.
func (g *Generations) SetDocumentAt(ctx context.Context, key Key, gen uint64, doc []byte) (bool, error) {
	return g.setAt(ctx, g.Proxy.SetDocument, key, gen, doc)
}

// SetImageAt is SetDocumentAt for images.
func (g *Generations) SetImageAt(ctx context.Context, key Key, gen uint64, img []byte) (bool, error) {
	return g.setAt(ctx, g.Proxy.SetImage, key, gen, img)
}

// setAt holds the resource's read lock across the write, so an eviction either
// happens before the generation check or deletes the entry after it was
// written.
func (g *Generations) setAt(ctx context.Context, set func(context.Context, Key, []byte) error, key Key, gen uint64, body []byte) (bool, error) {
	e := g.entry(key.Resource)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.n != gen {
		return false, nil
	}
	return true, set(ctx, key, body)
}
