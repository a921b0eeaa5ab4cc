package handlers

import (
	"context"
	"net/http"

	"github.com/sdko-org/wms-filters/internal/filters"
)

// requestContext binds a filter chain to a single HTTP request.
type requestContext struct {
	ctx    context.Context
	params filters.Params
	bag    map[string]interface{}
	w      *filterResponseWriter
}

func (c *requestContext) Context() context.Context         { return c.ctx }
func (c *requestContext) Params() filters.Params           { return c.params }
func (c *requestContext) StateBag() map[string]interface{} { return c.bag }

func (c *requestContext) SetResponseHeader(name, value string) error {
	if c.w.wroteHeader {
		return filters.ErrResponseFinalized
	}
	c.w.ResponseWriter.Header().Set(name, value)
	return nil
}

// filterResponseWriter runs the response phase of the chain right before
// the status line is written.
type filterResponseWriter struct {
	http.ResponseWriter
	chain       *filters.Chain
	fc          *requestContext
	wroteHeader bool
}

func (w *filterResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.chain.Response(w.fc)
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *filterResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *filterResponseWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *filterResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// FilterMiddleware runs the chain around the wrapped handler. Every request
// gets its own parameters and state bag. The parameters the filters saw are
// passed on to the handler through the request context.
func FilterMiddleware(chain *filters.Chain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params := filters.ParamsFromQuery(r.URL.Query())
			r = r.WithContext(filters.WithParams(r.Context(), params))
			fc := &requestContext{
				ctx:    r.Context(),
				params: params,
				bag:    make(map[string]interface{}),
			}
			fw := &filterResponseWriter{ResponseWriter: w, chain: chain, fc: fc}
			fc.w = fw

			chain.Request(fc)
			next.ServeHTTP(fw, r)
			if !fw.wroteHeader {
				fw.WriteHeader(http.StatusOK)
			}
			chain.Sent(fc)
		})
	}
}

// requestParams returns the parameters parsed by FilterMiddleware, or parses
// them when the request did not pass through it.
func requestParams(r *http.Request) filters.Params {
	if p, ok := filters.ParamsFromContext(r.Context()); ok {
		return p
	}
	return filters.ParamsFromQuery(r.URL.Query())
}
