// Package upstream forwards map requests to the map server.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const userAgent = "WMSFilters/1.0"

// forwarded request headers
var forwardHeaders = []string{"Accept", "Accept-Language", "If-None-Match", "If-Modified-Since"}

type Client struct {
	httpClient *http.Client
	base       *url.URL
	log        *logrus.Entry
}

type loggingTransport struct {
	next http.RoundTripper
	log  *logrus.Entry
}

// NewClient returns a client sending requests below baseURL.
func NewClient(logger *logrus.Logger, baseURL string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", baseURL)
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &loggingTransport{
				next: http.DefaultTransport,
				log:  logger.WithField("component", "upstream_transport"),
			},
		},
		base: base,
		log:  logger.WithField("component", "upstream_client"),
	}, nil
}

// URL resolves the path and query of an inbound request against the base url.
func (c *Client) URL(path, rawQuery string) string {
	u := *c.base
	if p := strings.TrimPrefix(path, "/"); p != "" {
		u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + p
	}
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// Forward sends the inbound request to the map server. The caller closes
// the response body.
func (c *Client) Forward(ctx context.Context, r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, c.URL(r.URL.Path, r.URL.RawQuery), r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for _, h := range forwardHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && r.Body != nil {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).WithField("path", r.URL.Path).Error("Upstream request failed")
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
	})

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("HTTP request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("HTTP request completed")
	return resp, nil
}
