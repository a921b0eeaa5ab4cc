// Package instrument implements the filter that times requests and keeps a
// small hit and miss aggregate of the map resources requested.
package instrument

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/wms-filters/internal/filters"
)

const (
	// StateBagKey is where the request's *Trace is kept.
	StateBagKey = "instrument:trace"

	HeaderServerTiming = "Server-Timing"
	HeaderMicros       = "X-us"
	HeaderTrace        = "X-trace"
	HeaderMetrics      = "X-metrics"

	DefaultTimingName = "map-server"
)

// Aggregate counts the resources requested. A resource seen for the first
// time is a miss, every later request for it is a hit. Total is always
// Hits + Misses and Count is the number of distinct resources seen.
type Aggregate struct {
	Hits   int64
	Misses int64
	Total  int64
	Count  int64
}

// Header formats the aggregate the way the map server front end parses it.
func (a Aggregate) Header() string {
	return fmt.Sprintf("cache_count:%d,cache_hit:%d,cache_miss:%d,request_count:%d",
		a.Count, a.Hits, a.Misses, a.Total)
}

// Observer receives the duration of every completed request.
type Observer interface {
	ObserveRequest(service, request string, d time.Duration)
}

// Options configure the filter. TimingName names the Server-Timing metric
// and defaults to DefaultTimingName.
type Options struct {
	TimingName string
	Observer   Observer
	Logger     *logrus.Logger
}

type Filter struct {
	name     string
	observer Observer
	log      *logrus.Entry
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
	agg  Aggregate
}

func New(o Options) *Filter {
	if o.TimingName == "" {
		o.TimingName = DefaultTimingName
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return &Filter{
		name:     o.TimingName,
		observer: o.Observer,
		log:      o.Logger.WithField("component", "instrument"),
		now:      time.Now,
		seen:     make(map[string]struct{}),
	}
}

func (f *Filter) Request(ctx filters.FilterContext) {
	ctx.StateBag()[StateBagKey] = newTrace(f.now())
	f.classify(ctx.Params().Get("MAP"))
}

// classify checks and marks the resource in one step, so concurrent first
// requests for a resource yield exactly one miss.
func (f *Filter) classify(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[ref]; ok {
		f.agg.Hits++
	} else {
		f.seen[ref] = struct{}{}
		f.agg.Misses++
		f.agg.Count++
	}
	f.agg.Total++
}

// Snapshot returns a copy of the aggregate.
func (f *Filter) Snapshot() Aggregate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agg
}

func (f *Filter) Response(ctx filters.FilterContext) {
	trace, ok := ctx.StateBag()[StateBagKey].(*Trace)
	if !ok {
		return
	}
	trace.Mark(PhaseReady, f.now())
	d := trace.Duration()

	params := ctx.Params()
	if f.observer != nil {
		f.observer.ObserveRequest(params.Get("SERVICE"), params.Get("REQUEST"), d)
	}

	headers := [][2]string{
		{HeaderServerTiming, fmt.Sprintf("%s;dur=%.3f", f.name, float64(d.Microseconds())/1000)},
		{HeaderMicros, strconv.FormatInt(d.Microseconds(), 10)},
		{HeaderMetrics, f.Snapshot().Header()},
	}
	if v, err := trace.header(); err != nil {
		f.log.WithError(err).Error("Failed to encode trace")
	} else {
		headers = append(headers, [2]string{HeaderTrace, v})
	}

	for _, h := range headers {
		if err := ctx.SetResponseHeader(h[0], h[1]); err != nil {
			f.log.WithError(err).WithFields(logrus.Fields{
				"header": h[0],
				"trace":  trace.ID,
			}).Warn("Failed to set response header")
		}
	}
}

func (f *Filter) Sent(ctx filters.FilterContext) {
	trace, ok := ctx.StateBag()[StateBagKey].(*Trace)
	if !ok {
		return
	}
	f.log.WithFields(logrus.Fields{
		"trace":    trace.ID,
		"resource": ctx.Params().Get("MAP"),
		"duration": trace.Duration(),
	}).Debug("Response sent")
}
