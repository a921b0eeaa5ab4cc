package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/sdko-org/wms-filters/internal/filters"
	"github.com/sdko-org/wms-filters/internal/filters/invalidate"
	"github.com/sdko-org/wms-filters/internal/models"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytesSent  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesSent += n
	return n, err
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

// LoggingMiddleware logs every request and, when db is not nil, stores it as
// an access log row.
func LoggingMiddleware(logger *logrus.Logger, db *gorm.DB) func(http.Handler) http.Handler {
	logEntry := logger.WithField("component", "http_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				duration := time.Since(start)
				params := filters.ParamsFromQuery(r.URL.Query())
				entry := models.AccessLog{
					Timestamp:   start,
					Method:      r.Method,
					Path:        r.URL.Path,
					Resource:    params.Get(invalidate.ParamMap),
					Service:     params.Get(invalidate.ParamService),
					Request:     params.Get(invalidate.ParamRequest),
					CacheStatus: lrw.Header().Get(HeaderCache),
					Status:      lrw.statusCode,
					Duration:    duration,
					ClientIP:    getClientIP(r),
					UserAgent:   r.UserAgent(),
					BytesSent:   lrw.bytesSent,
				}

				logEntry.WithFields(logrus.Fields{
					"method":     entry.Method,
					"path":       entry.Path,
					"resource":   entry.Resource,
					"request":    entry.Request,
					"cache":      entry.CacheStatus,
					"status":     entry.Status,
					"duration":   duration,
					"client_ip":  entry.ClientIP,
					"bytes":      entry.BytesSent,
					"user_agent": entry.UserAgent,
				}).Info("Request processed")

				if db == nil {
					return
				}
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()

					if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
						logEntry.WithError(err).Warn("Failed to save access log")
					}
				}()
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

// NewRateLimiter allows n requests per window and client.
func NewRateLimiter(n int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(float64(n) / window.Seconds()),
		burst:   n,
		idle:    3 * window,
		clients: make(map[string]*client),
	}
}

func (l *RateLimiter) allow(ip string) bool {
	l.mu.Lock()
	c, exists := l.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(getClientIP(r)) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup forgets idle clients until ctx is done.
func (l *RateLimiter) Cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (l *RateLimiter) removeIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idle {
			delete(l.clients, ip)
			removed++
		}
	}
	return removed
}

func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}
	if strings.Contains(ip, ",") {
		parts := strings.Split(ip, ",")
		ip = strings.TrimSpace(parts[0])
	}
	return ip
}
