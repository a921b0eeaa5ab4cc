package cacheproxy

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Kind classifies a cached artifact.
type Kind int

const (
	Document Kind = iota
	Image
)

func (k Kind) String() string {
	switch k {
	case Document:
		return "document"
	case Image:
		return "image"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Key addresses one cached artifact of a resource. SubKey distinguishes the
// variants of the same resource and kind, e.g. two GetCapabilities versions.
type Key struct {
	Resource string
	Kind     Kind
	SubKey   string
}

func (k Key) String() string {
	return k.Kind.String() + "/" + k.Resource + "?" + k.SubKey
}

// SubKey builds a stable sub-key from request parameters. Parameter names are
// upper-cased and sorted, values kept as sent. Names listed in skip are left
// out.
func SubKey(params map[string]string, skip ...string) string {
	omit := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		omit[strings.ToUpper(s)] = struct{}{}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		upper := strings.ToUpper(name)
		if _, ok := omit[upper]; ok {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToUpper(names[i]) < strings.ToUpper(names[j])
	})

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(strings.ToUpper(name)))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[name]))
	}
	return b.String()
}
