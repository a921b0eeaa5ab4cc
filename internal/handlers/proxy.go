package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
	"github.com/sdko-org/wms-filters/internal/filters"
	"github.com/sdko-org/wms-filters/internal/filters/invalidate"
	"github.com/sdko-org/wms-filters/internal/upstream"
)

const (
	HeaderCache = "X-Cache"

	cacheHit  = "HIT"
	cacheMiss = "MISS"

	// responses larger than this are streamed and not cached
	maxCachedBytes = 32 << 20

	documentContentType = "text/xml; charset=utf-8"
	defaultImageFormat  = "image/png"
)

var errTooLarge = errors.New("response too large to cache")

var imageRequests = map[string]bool{"GETMAP": true, "GETTILE": true}

// CacheRecorder counts cache lookups by kind and result.
type CacheRecorder interface {
	CacheLookup(kind, result string)
}

type Upstream interface {
	Forward(ctx context.Context, r *http.Request) (*http.Response, error)
}

var _ Upstream = (*upstream.Client)(nil)

type ProxyHandler struct {
	upstream Upstream
	cache    *cacheproxy.Generations
	recorder CacheRecorder
	group    singleflight.Group
	log      *logrus.Entry
}

type fetched struct {
	status int
	header http.Header
	body   []byte
}

// NewProxyHandler serves map requests from the cache where possible and from
// the map server otherwise. cache must be the proxy the invalidation filter
// evicts through. recorder may be nil.
func NewProxyHandler(logger *logrus.Logger, up Upstream, cache *cacheproxy.Generations, recorder CacheRecorder) *ProxyHandler {
	if cache == nil {
		cache = cacheproxy.WithGenerations(cacheproxy.Null{})
	}
	return &ProxyHandler{
		upstream: up,
		cache:    cache,
		recorder: recorder,
		log:      logger.WithField("component", "proxy_handler"),
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := requestParams(r)
	ref := params.Get(invalidate.ParamMap)

	if ref != "" && invalidate.IsClearCacheRequest(params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "cache cleared for %s\n", ref)
		return
	}

	kind, cacheable := classify(params)
	if !cacheable || ref == "" || r.Method != http.MethodGet {
		h.passThrough(w, r)
		return
	}

	key := cacheproxy.Key{
		Resource: ref,
		Kind:     kind,
		SubKey:   cacheproxy.SubKey(params, invalidate.ParamMap, invalidate.ParamClearCache),
	}
	log := h.log.WithField("key", key.String())

	if body, ok := h.lookup(r.Context(), key, log); ok {
		w.Header().Set("Content-Type", contentType(kind, params))
		w.Header().Set(HeaderCache, cacheHit)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	// Misses only share a fetch within one generation, so a request that
	// follows an eviction never waits for a response rendered before it.
	gen := h.cache.Generation(ref)
	flight := fmt.Sprintf("%s#%d", key, gen)
	ch := h.group.DoChan(flight, func() (interface{}, error) {
		return h.fetch(context.WithoutCancel(r.Context()), r, key, gen, log)
	})

	var result singleflight.Result
	select {
	case result = <-ch:
	case <-r.Context().Done():
		log.WithError(r.Context().Err()).Debug("Client gone while waiting for upstream")
		return
	}
	if errors.Is(result.Err, errTooLarge) {
		h.passThrough(w, r)
		return
	}
	if result.Err != nil {
		http.Error(w, "Upstream request failed", http.StatusBadGateway)
		return
	}

	res := result.Val.(*fetched)
	for k, vv := range res.header {
		w.Header()[k] = append([]string(nil), vv...)
	}
	w.Header().Set(HeaderCache, cacheMiss)
	w.WriteHeader(res.status)
	w.Write(res.body)
}

func classify(params filters.Params) (cacheproxy.Kind, bool) {
	if invalidate.IsCapabilitiesRequest(params) {
		return cacheproxy.Document, true
	}
	if imageRequests[strings.ToUpper(params.Get(invalidate.ParamRequest))] {
		return cacheproxy.Image, true
	}
	return 0, false
}

func contentType(kind cacheproxy.Kind, params filters.Params) string {
	if kind == cacheproxy.Document {
		return documentContentType
	}
	if format := params.Get("FORMAT"); strings.HasPrefix(format, "image/") {
		return format
	}
	return defaultImageFormat
}

func (h *ProxyHandler) lookup(ctx context.Context, key cacheproxy.Key, log *logrus.Entry) ([]byte, bool) {
	get := h.cache.GetImage
	if key.Kind == cacheproxy.Document {
		get = h.cache.GetDocument
	}
	body, ok, err := get(ctx, key)
	switch {
	case err != nil:
		log.WithError(err).Warn("Cache lookup failed")
		h.record(key.Kind, "error")
		return nil, false
	case ok:
		h.record(key.Kind, "hit")
		return body, true
	default:
		h.record(key.Kind, "miss")
		return nil, false
	}
}

func (h *ProxyHandler) record(kind cacheproxy.Kind, result string) {
	if h.recorder != nil {
		h.recorder.CacheLookup(kind.String(), result)
	}
}

// fetch runs once per key and generation for concurrent misses. Successful
// responses are stored in the cache unless the resource was evicted since gen.
// ctx is not tied to any single waiting client.
func (h *ProxyHandler) fetch(ctx context.Context, r *http.Request, key cacheproxy.Key, gen uint64, log *logrus.Entry) (*fetched, error) {
	resp, err := h.upstream.Forward(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxCachedBytes {
		return nil, errTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBytes+1))
	if err != nil {
		log.WithError(err).Error("Failed to read upstream response")
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if len(body) > maxCachedBytes {
		return nil, errTooLarge
	}

	res := &fetched{status: resp.StatusCode, header: resp.Header.Clone(), body: body}
	if resp.StatusCode != http.StatusOK || isServiceException(resp.Header) {
		return res, nil
	}

	set := h.cache.SetImageAt
	if key.Kind == cacheproxy.Document {
		set = h.cache.SetDocumentAt
	}
	stored, err := set(ctx, key, gen, body)
	switch {
	case err != nil:
		log.WithError(err).Warn("Failed to cache response")
	case !stored:
		log.Debug("Resource evicted during fetch, response not cached")
	}
	return res, nil
}

// isServiceException reports whether the map server answered with an error
// document despite the 200 status.
func isServiceException(header http.Header) bool {
	ct := header.Get("Content-Type")
	return strings.Contains(ct, "vnd.ogc.se_xml") || strings.Contains(ct, "ServiceExceptionReport")
}

func (h *ProxyHandler) passThrough(w http.ResponseWriter, r *http.Request) {
	resp, err := h.upstream.Forward(r.Context(), r)
	if err != nil {
		http.Error(w, "Upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	forwardResponse(w, resp, h.log)
}
