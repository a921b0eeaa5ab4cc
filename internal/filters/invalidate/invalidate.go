// Package invalidate implements the filter that keeps cached capabilities
// documents consistent with the projects they were generated from.
package invalidate

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
	"github.com/sdko-org/wms-filters/internal/filters"
	"github.com/sdko-org/wms-filters/internal/freshness"
	"github.com/sdko-org/wms-filters/internal/resource"
)

const (
	ParamMap        = "MAP"
	ParamClearCache = "CLEARCACHE"
	ParamService    = "SERVICE"
	ParamRequest    = "REQUEST"

	// RequestClearCache is the request name that clears the cache of a map.
	RequestClearCache = "ClearCache"
)

var (
	capabilitiesServices = map[string]bool{"WMS": true, "WMTS": true, "WFS": true}
	capabilitiesRequests = map[string]bool{"GETCAPABILITIES": true, "GETPROJECTSETTINGS": true}
)

// IsCapabilitiesRequest reports whether the parameters describe a
// capabilities or project settings request.
func IsCapabilitiesRequest(p filters.Params) bool {
	return capabilitiesServices[strings.ToUpper(p.Get(ParamService))] &&
		capabilitiesRequests[strings.ToUpper(p.Get(ParamRequest))]
}

// IsClearCacheRequest reports whether the parameters ask for a forced clear.
func IsClearCacheRequest(p filters.Params) bool {
	if strings.EqualFold(p.Get(ParamRequest), RequestClearCache) {
		return true
	}
	switch strings.ToLower(p.Get(ParamClearCache)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

type Filter struct {
	tracker  *freshness.Tracker
	proxy    cacheproxy.Proxy
	prober   resource.Prober
	cacheDir *resource.CacheDir
	log      *logrus.Entry
}

// New returns the invalidation filter. A nil proxy is replaced by
// cacheproxy.Null and a nil cacheDir disables the directory purge.
func New(tracker *freshness.Tracker, proxy cacheproxy.Proxy, prober resource.Prober, cacheDir *resource.CacheDir, logger *logrus.Logger) *Filter {
	if proxy == nil {
		proxy = cacheproxy.Null{}
	}
	return &Filter{
		tracker:  tracker,
		proxy:    proxy,
		prober:   prober,
		cacheDir: cacheDir,
		log:      logger.WithField("component", "invalidate"),
	}
}

func (f *Filter) Request(ctx filters.FilterContext) {
	params := ctx.Params()
	ref := params.Get(ParamMap)
	if ref == "" {
		return
	}

	if IsClearCacheRequest(params) {
		f.ForceClear(ctx.Context(), ref)
		return
	}

	if IsCapabilitiesRequest(params) {
		f.checkFreshness(ctx.Context(), ref)
	}
}

func (f *Filter) Response(filters.FilterContext) {}

// ForceClear evicts every cached document and image of the resource and
// purges the map server's cache directory. Failures are logged.
func (f *Filter) ForceClear(ctx context.Context, ref string) {
	log := f.log.WithField("resource", ref)
	log.Info("Clearing cache on request")

	if err := f.proxy.DeleteDocuments(ctx, ref); err != nil {
		log.WithError(err).Error("Failed to delete cached documents")
	}
	if err := f.proxy.DeleteImages(ctx, ref); err != nil {
		log.WithError(err).Error("Failed to delete cached images")
	}
	if err := f.cacheDir.Purge(); err != nil {
		log.WithError(err).Error("Failed to purge cache directory")
	}
}

func (f *Filter) checkFreshness(ctx context.Context, ref string) {
	modified, err := f.prober.ModTime(ref)
	if err != nil {
		if !errors.Is(err, resource.ErrNotFound) {
			f.log.WithError(err).WithField("resource", ref).Debug("Failed to probe resource")
		}
		return
	}

	if f.tracker.CheckAndUpdate(ref, modified) != freshness.Stale {
		return
	}

	log := f.log.WithFields(logrus.Fields{
		"resource": ref,
		"modified": modified,
	})
	log.Warn("Resource updated, clearing cached documents")
	if err := f.proxy.DeleteDocuments(ctx, ref); err != nil {
		log.WithError(err).Error("Failed to delete cached documents")
	}
}
