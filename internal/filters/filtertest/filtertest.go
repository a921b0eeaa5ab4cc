// Package filtertest provides a filter context for testing filters without
// an HTTP server.
package filtertest

import (
	"context"
	"net/http"
	"strings"

	"github.com/sdko-org/wms-filters/internal/filters"
)

type Context struct {
	FContext   context.Context
	FParams    filters.Params
	FStateBag  map[string]interface{}
	FHeader    http.Header
	FFinalized bool
}

// NewContext returns a context holding the given parameters.
func NewContext(params map[string]string) *Context {
	p := make(filters.Params, len(params))
	for k, v := range params {
		p[strings.ToUpper(k)] = v
	}
	return &Context{
		FContext:  context.Background(),
		FParams:   p,
		FStateBag: make(map[string]interface{}),
		FHeader:   make(http.Header),
	}
}

func (fc *Context) Context() context.Context         { return fc.FContext }
func (fc *Context) Params() filters.Params           { return fc.FParams }
func (fc *Context) StateBag() map[string]interface{} { return fc.FStateBag }

func (fc *Context) SetResponseHeader(name, value string) error {
	if fc.FFinalized {
		return filters.ErrResponseFinalized
	}
	fc.FHeader.Set(name, value)
	return nil
}

// Filter records the phases it was called for.
type Filter struct {
	Name  string
	Calls *[]string
}

func (f *Filter) Request(filters.FilterContext)  { *f.Calls = append(*f.Calls, f.Name+":request") }
func (f *Filter) Response(filters.FilterContext) { *f.Calls = append(*f.Calls, f.Name+":response") }
