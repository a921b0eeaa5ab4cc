package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdko-org/wms-filters/internal/cacheproxy"
)

// CachePurger periodically removes entries older than the TTL from backends
// that do not expire entries on their own.
type CachePurger struct {
	logger   *logrus.Logger
	expirer  cacheproxy.Expirer
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewCachePurger(logger *logrus.Logger, expirer cacheproxy.Expirer, ttl, interval time.Duration) *CachePurger {
	return &CachePurger{
		logger:   logger,
		expirer:  expirer,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
}

func (c *CachePurger) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logEntry := c.logger.WithField("component", "cache_purger")
	logEntry.WithFields(logrus.Fields{
		"ttl":      c.ttl,
		"interval": c.interval,
	}).Info("Starting cache purger")

	for {
		select {
		case <-ticker.C:
			c.purgeExpiredCache(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping cache purger")
			return
		}
	}
}

func (c *CachePurger) purgeExpiredCache(ctx context.Context, log *logrus.Entry) int {
	log = log.WithField("operation", "cache_purge")

	removed, err := c.expirer.PurgeExpired(ctx, c.now().Add(-c.ttl))
	if err != nil {
		log.WithError(err).Error("Cache purge failed")
	}
	if removed > 0 {
		log.WithField("count", removed).Info("Purged expired cache entries")
	}
	return removed
}
