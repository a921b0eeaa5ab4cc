// Package filters defines the request filters that run around every map
// request: each filter sees the request once it has been parsed, the response
// once it is ready to be sent, and optionally the moment it was sent.
package filters

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ErrResponseFinalized is returned when a response header is set after the
// response headers were already written.
var ErrResponseFinalized = errors.New("response already finalized")

// Params holds the request parameters. Map service parameter names are case
// insensitive, so names are stored upper-cased.
type Params map[string]string

// ParamsFromQuery keeps the first value of every query parameter. When a name
// is given in several spellings, the lowest in byte order wins, which is the
// upper-cased spelling if present.
func ParamsFromQuery(q url.Values) Params {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)

	p := make(Params, len(q))
	for _, name := range names {
		values := q[name]
		if len(values) == 0 {
			continue
		}
		upper := strings.ToUpper(name)
		if _, ok := p[upper]; !ok {
			p[upper] = values[0]
		}
	}
	return p
}

type paramsKey struct{}

// WithParams returns a copy of ctx carrying p.
func WithParams(ctx context.Context, p Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, p)
}

// ParamsFromContext returns the parameters stored by WithParams.
func ParamsFromContext(ctx context.Context) (Params, bool) {
	p, ok := ctx.Value(paramsKey{}).(Params)
	return p, ok
}

// Get returns the value of the named parameter, or "" if it is not set.
func (p Params) Get(name string) string {
	return p[strings.ToUpper(name)]
}

// FilterContext is created by the host for a single request and is never
// shared between requests.
type FilterContext interface {
	// Context returns the context of the request.
	Context() context.Context

	// Params returns the request parameters.
	Params() Params

	// StateBag holds per request state of the filters.
	StateBag() map[string]interface{}

	// SetResponseHeader sets a header on the outgoing response. It fails
	// with ErrResponseFinalized once the headers were written.
	SetResponseHeader(name, value string) error
}

type Filter interface {
	// Request is called when the request parameters are available, before
	// the request is served.
	Request(FilterContext)

	// Response is called when the response is ready, before its headers
	// are written.
	Response(FilterContext)
}

// SentFilter is implemented by filters that want to know when the response
// was sent.
type SentFilter interface {
	Filter
	Sent(FilterContext)
}

type registered struct {
	filter   Filter
	priority int
	order    int
}

// Chain runs registered filters ordered by priority, lower values first.
// Filters with the same priority run in registration order.
type Chain struct {
	mu      sync.RWMutex
	filters []registered
}

func NewChain() *Chain {
	return &Chain{}
}

// Register adds f to the chain. Requests already being served keep running
// the filters they started with.
func (c *Chain) Register(f Filter, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make([]registered, len(c.filters), len(c.filters)+1)
	copy(next, c.filters)
	next = append(next, registered{filter: f, priority: priority, order: len(next)})
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].priority != next[j].priority {
			return next[i].priority < next[j].priority
		}
		return next[i].order < next[j].order
	})
	c.filters = next
}

// snapshot returns the current filters. The slice is never modified after
// Register published it.
func (c *Chain) snapshot() []registered {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters
}

func (c *Chain) Len() int {
	return len(c.snapshot())
}

func (c *Chain) Request(ctx FilterContext) {
	for _, r := range c.snapshot() {
		r.filter.Request(ctx)
	}
}

func (c *Chain) Response(ctx FilterContext) {
	for _, r := range c.snapshot() {
		r.filter.Response(ctx)
	}
}

func (c *Chain) Sent(ctx FilterContext) {
	for _, r := range c.snapshot() {
		if sf, ok := r.filter.(SentFilter); ok {
			sf.Sent(ctx)
		}
	}
}
