package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
	"github.com/sdko-org/wms-filters/internal/filters"
	"github.com/sdko-org/wms-filters/internal/filters/instrument"
	"github.com/sdko-org/wms-filters/internal/filters/invalidate"
	"github.com/sdko-org/wms-filters/internal/freshness"
	"github.com/sdko-org/wms-filters/internal/resource"
	"github.com/sdko-org/wms-filters/internal/storage"
)

type fakeUpstream struct {
	calls   atomic.Int32
	status  int
	header  http.Header
	body    string
	render  func() string
	entered chan struct{}
	release chan struct{}
}

func (u *fakeUpstream) Forward(ctx context.Context, r *http.Request) (*http.Response, error) {
	u.calls.Add(1)
	body := u.body
	if u.render != nil {
		body = u.render()
	}
	if u.entered != nil {
		u.entered <- struct{}{}
		<-u.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	header := u.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body + " " + r.URL.RawQuery)),
	}, nil
}

type countingRecorder struct {
	mu      sync.Mutex
	lookups map[string]int
}

func (c *countingRecorder) CacheLookup(kind, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookups == nil {
		c.lookups = make(map[string]int)
	}
	c.lookups[kind+":"+result]++
}

func newCache() *cacheproxy.Generations {
	return cacheproxy.WithGenerations(cacheproxy.FromBackend(storage.NewMemoryStore()))
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestProxyCachesCapabilities(t *testing.T) {
	logger, _ := test.NewNullLogger()
	up := &fakeUpstream{body: "<WMS_Capabilities/>", header: http.Header{"Content-Type": {"text/xml"}}}
	rec := &countingRecorder{}
	h := NewProxyHandler(logger, up, newCache(), rec)

	target := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"
	first := get(t, h, target)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, cacheMiss, first.Header().Get(HeaderCache))
	assert.Equal(t, "text/xml", first.Header().Get("Content-Type"))

	second := get(t, h, "/ows?map=a.qgs&request=GetCapabilities&service=WMS")
	assert.Equal(t, cacheHit, second.Header().Get(HeaderCache))
	assert.Equal(t, documentContentType, second.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, map[string]int{"document:miss": 1, "document:hit": 1}, rec.lookups)
}

func TestProxyCachesImagesByQuery(t *testing.T) {
	logger, _ := test.NewNullLogger()
	up := &fakeUpstream{body: "png", header: http.Header{"Content-Type": {"image/png"}}}
	h := NewProxyHandler(logger, up, newCache(), nil)

	a := "/ows?SERVICE=WMS&REQUEST=GetMap&MAP=a.qgs&LAYERS=roads&FORMAT=image/jpeg"
	b := "/ows?SERVICE=WMS&REQUEST=GetMap&MAP=a.qgs&LAYERS=rivers&FORMAT=image/jpeg"
	assert.Equal(t, cacheMiss, get(t, h, a).Header().Get(HeaderCache))
	assert.Equal(t, cacheMiss, get(t, h, b).Header().Get(HeaderCache))

	hit := get(t, h, a)
	assert.Equal(t, cacheHit, hit.Header().Get(HeaderCache))
	assert.Equal(t, "image/jpeg", hit.Header().Get("Content-Type"))
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestProxyDoesNotCacheFailures(t *testing.T) {
	logger, _ := test.NewNullLogger()
	for _, up := range []*fakeUpstream{
		{status: http.StatusInternalServerError, body: "boom"},
		{header: http.Header{"Content-Type": {"application/vnd.ogc.se_xml"}}, body: "<ServiceExceptionReport/>"},
	} {
		h := NewProxyHandler(logger, up, newCache(), nil)
		target := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"
		get(t, h, target)
		res := get(t, h, target)
		assert.Equal(t, cacheMiss, res.Header().Get(HeaderCache))
		assert.Equal(t, int32(2), up.calls.Load())
	}
}

func TestProxyPassThrough(t *testing.T) {
	logger, _ := test.NewNullLogger()
	up := &fakeUpstream{body: "info", status: http.StatusAccepted}
	h := NewProxyHandler(logger, up, newCache(), nil)

	for _, target := range []string{
		"/ows?SERVICE=WMS&REQUEST=GetFeatureInfo&MAP=a.qgs",
		"/ows?SERVICE=WMS&REQUEST=GetCapabilities",
	} {
		res := get(t, h, target)
		assert.Equal(t, http.StatusAccepted, res.Code)
		assert.Empty(t, res.Header().Get(HeaderCache))
	}

	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/ows?SERVICE=WMS&REQUEST=GetMap&MAP=a.qgs", nil))
	assert.Empty(t, res.Header().Get(HeaderCache))
	assert.Equal(t, int32(3), up.calls.Load())
}

func TestProxyAnswersClearCache(t *testing.T) {
	logger, _ := test.NewNullLogger()
	up := &fakeUpstream{}
	h := NewProxyHandler(logger, up, nil, nil)

	res := get(t, h, "/ows?REQUEST=ClearCache&MAP=a.qgs")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "a.qgs")
	assert.Zero(t, up.calls.Load())
}

func TestProxyCoalescesMisses(t *testing.T) {
	logger, _ := test.NewNullLogger()
	up := &fakeUpstream{
		body:    "<doc/>",
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	h := NewProxyHandler(logger, up, newCache(), nil)
	target := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"

	const clients = 8
	var wg sync.WaitGroup
	bodies := make([]string, clients)
	start := func(i int) {
		defer wg.Done()
		bodies[i] = get(t, h, target).Body.String()
	}

	wg.Add(1)
	go start(0)
	<-up.entered
	for i := 1; i < clients; i++ {
		wg.Add(1)
		go start(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(up.release)
	wg.Wait()

	assert.Equal(t, int32(1), up.calls.Load())
	for _, b := range bodies {
		assert.Equal(t, bodies[0], b)
	}
}

func TestProxyFetchOutlivesFirstClient(t *testing.T) {
	logger, _ := test.NewNullLogger()
	up := &fakeUpstream{
		body:    "<doc/>",
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	h := NewProxyHandler(logger, up, newCache(), nil)
	target := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"

	ctx, cancel := context.WithCancel(context.Background())
	first := httptest.NewRecorder()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx))
	}()
	<-up.entered

	second := make(chan *httptest.ResponseRecorder, 1)
	go func() { second <- get(t, h, target) }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-firstDone
	assert.Empty(t, first.Body.String())

	close(up.release)
	res := <-second
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "<doc/>")
	assert.Equal(t, int32(1), up.calls.Load())

	res = get(t, h, target)
	assert.Equal(t, cacheHit, res.Header().Get(HeaderCache))
}

type phaseFilter struct {
	calls      []string
	sentErr    error
	seenParams filters.Params
}

func (f *phaseFilter) Request(ctx filters.FilterContext) {
	f.calls = append(f.calls, "request")
	f.seenParams = ctx.Params()
	ctx.StateBag()["key"] = "value"
}

func (f *phaseFilter) Response(ctx filters.FilterContext) {
	f.calls = append(f.calls, "response")
	_ = ctx.SetResponseHeader("X-Filter", ctx.StateBag()["key"].(string))
}

func (f *phaseFilter) Sent(ctx filters.FilterContext) {
	f.calls = append(f.calls, "sent")
	f.sentErr = ctx.SetResponseHeader("X-Late", "1")
}

func TestFilterMiddleware(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"writes body": func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "body")
			w.(http.Flusher).Flush()
		},
		"writes status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
			w.WriteHeader(http.StatusTeapot)
		},
		"writes nothing": func(w http.ResponseWriter, r *http.Request) {},
	} {
		t.Run(name, func(t *testing.T) {
			f := &phaseFilter{}
			chain := filters.NewChain()
			chain.Register(f, 200)

			res := get(t, FilterMiddleware(chain)(handler), "/ows?map=a.qgs")

			assert.Equal(t, []string{"request", "response", "sent"}, f.calls)
			assert.Equal(t, "value", res.Header().Get("X-Filter"))
			assert.Empty(t, res.Header().Get("X-Late"))
			assert.ErrorIs(t, f.sentErr, filters.ErrResponseFinalized)
			assert.Equal(t, "a.qgs", f.seenParams.Get("MAP"))
			assert.NotEqual(t, http.StatusTeapot, res.Code)
		})
	}
}

func TestFilterMiddlewarePassesParams(t *testing.T) {
	f := &phaseFilter{}
	chain := filters.NewChain()
	chain.Register(f, 200)

	var seen filters.Params
	h := FilterMiddleware(chain)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestParams(r)
	}))
	get(t, h, "/ows?map=b.qgs&MAP=a.qgs")

	assert.Equal(t, "a.qgs", seen.Get("MAP"))
	assert.Equal(t, f.seenParams, seen)
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(2, time.Minute)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(ip string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/cache/clear", nil)
		req.Header.Set("X-Forwarded-For", ip)
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))

	assert.Zero(t, l.removeIdle(time.Now()))
	assert.Equal(t, 2, l.removeIdle(time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
}

func TestRateLimiterCleanupStops(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Cleanup(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not stop")
	}
}

func TestGetClientIP(t *testing.T) {
	for _, tc := range []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded list", map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, "3.3.3.3:1", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": "4.4.4.4"}, "3.3.3.3:1", "4.4.4.4"},
		{"remote addr", nil, "3.3.3.3:1234", "3.3.3.3"},
		{"remote without port", nil, "3.3.3.3", "3.3.3.3"},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		assert.Equal(t, tc.want, getClientIP(req), tc.name)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := LoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderCache, cacheHit)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "12345")
	}))

	get(t, h, "/ows?MAP=a.qgs&REQUEST=GetMap&SERVICE=WMS")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "a.qgs", entry.Data["resource"])
	assert.Equal(t, "GetMap", entry.Data["request"])
	assert.Equal(t, cacheHit, entry.Data["cache"])
	assert.Equal(t, http.StatusCreated, entry.Data["status"])
	assert.Equal(t, 5, entry.Data["bytes"])
}

// stack wires the filters, the proxy and the admin routes the way the server
// does.
type stack struct {
	router     *mux.Router
	upstream   *fakeUpstream
	instrument *instrument.Filter
	project    string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger, _ := test.NewNullLogger()

	root := t.TempDir()
	project := filepath.Join(root, "a.qgs")
	require.NoError(t, os.WriteFile(project, []byte("<qgis/>"), 0644))
	setModTime(t, project, time.Unix(1000, 0))

	proxy := newCache()
	inv := invalidate.New(freshness.NewTracker(), proxy, resource.NewFSProber(root), nil, logger)
	ins := instrument.New(instrument.Options{Logger: logger})

	chain := filters.NewChain()
	chain.Register(ins, 200)
	chain.Register(inv, 200)

	up := &fakeUpstream{body: "payload"}
	r := mux.NewRouter()
	RegisterRoutes(r, Routes{
		Proxy:   NewProxyHandler(logger, up, proxy, nil),
		Admin:   NewAdminHandler(logger, inv),
		Limiter: NewRateLimiter(10, time.Minute),
		Filters: FilterMiddleware(chain),
	})
	return &stack{router: r, upstream: up, instrument: ins, project: project}
}

func setModTime(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestStackInvalidatesStaleCapabilities(t *testing.T) {
	s := newStack(t)
	caps := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"
	img := "/ows?SERVICE=WMS&REQUEST=GetMap&MAP=a.qgs&LAYERS=roads"

	assert.Equal(t, cacheMiss, get(t, s.router, caps).Header().Get(HeaderCache))
	assert.Equal(t, cacheMiss, get(t, s.router, img).Header().Get(HeaderCache))
	assert.Equal(t, cacheHit, get(t, s.router, caps).Header().Get(HeaderCache))

	setModTime(t, s.project, time.Unix(2000, 0))
	assert.Equal(t, cacheMiss, get(t, s.router, caps).Header().Get(HeaderCache), "project changed")
	assert.Equal(t, cacheHit, get(t, s.router, img).Header().Get(HeaderCache), "images are kept")
	assert.Equal(t, cacheHit, get(t, s.router, caps).Header().Get(HeaderCache))

	res := get(t, s.router, caps)
	assert.NotEmpty(t, res.Header().Get(instrument.HeaderMicros))
	assert.True(t, strings.HasPrefix(res.Header().Get(instrument.HeaderServerTiming), instrument.DefaultTimingName+";dur="))
	assert.Equal(t, "cache_count:1,cache_hit:6,cache_miss:1,request_count:7", res.Header().Get(instrument.HeaderMetrics))

	agg := s.instrument.Snapshot()
	assert.Equal(t, agg.Total, agg.Hits+agg.Misses)
}

func TestStackForceClear(t *testing.T) {
	s := newStack(t)
	caps := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"
	img := "/ows?SERVICE=WMS&REQUEST=GetMap&MAP=a.qgs&LAYERS=roads"
	get(t, s.router, caps)
	get(t, s.router, img)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/cache/clear?MAP=a.qgs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body clearResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, clearResponse{Resource: "a.qgs", Status: "cleared"}, body)

	assert.Equal(t, cacheMiss, get(t, s.router, caps).Header().Get(HeaderCache))
	assert.Equal(t, cacheMiss, get(t, s.router, img).Header().Get(HeaderCache))

	get(t, s.router, caps)
	get(t, s.router, img)
	res := get(t, s.router, "/ows?REQUEST=ClearCache&MAP=a.qgs")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, cacheMiss, get(t, s.router, caps).Header().Get(HeaderCache))
	assert.Equal(t, cacheMiss, get(t, s.router, img).Header().Get(HeaderCache))
}

func TestStackDropsFetchStartedBeforeChange(t *testing.T) {
	s := newStack(t)
	s.upstream.entered = make(chan struct{}, 16)
	s.upstream.release = make(chan struct{})
	s.upstream.render = func() string {
		info, err := os.Stat(s.project)
		if err != nil {
			return "missing"
		}
		return fmt.Sprintf("rendered-from-%d", info.ModTime().Unix())
	}
	caps := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&MAP=a.qgs"

	before := make(chan *httptest.ResponseRecorder, 1)
	go func() { before <- get(t, s.router, caps) }()
	<-s.upstream.entered

	setModTime(t, s.project, time.Unix(2000, 0))
	after := make(chan *httptest.ResponseRecorder, 1)
	go func() { after <- get(t, s.router, caps) }()
	<-s.upstream.entered

	close(s.upstream.release)
	assert.Contains(t, (<-before).Body.String(), "rendered-from-1000")
	assert.Contains(t, (<-after).Body.String(), "rendered-from-2000")
	assert.Equal(t, int32(2), s.upstream.calls.Load())

	for i := 0; i < 3; i++ {
		res := get(t, s.router, caps)
		assert.Equal(t, cacheHit, res.Header().Get(HeaderCache))
		assert.Contains(t, res.Body.String(), "rendered-from-2000")
	}
	assert.Equal(t, int32(2), s.upstream.calls.Load())
}

func TestStackUsesOneSpellingOfMap(t *testing.T) {
	s := newStack(t)
	caps := "/ows?SERVICE=WMS&REQUEST=GetCapabilities&map=b.qgs&MAP=a.qgs"

	res := get(t, s.router, caps)
	assert.Equal(t, cacheMiss, res.Header().Get(HeaderCache))
	res = get(t, s.router, caps)
	assert.Equal(t, cacheHit, res.Header().Get(HeaderCache))

	setModTime(t, s.project, time.Unix(2000, 0))
	res = get(t, s.router, caps)
	assert.Equal(t, cacheMiss, res.Header().Get(HeaderCache), "a.qgs changed, its documents were evicted")
}

func TestAdminClearRequiresMap(t *testing.T) {
	s := newStack(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/cache/clear", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newStack(t)
	res := get(t, s.router, "/healthz")
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "ok\n", res.Body.String())
	assert.Zero(t, s.upstream.calls.Load())
}
