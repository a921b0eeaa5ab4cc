package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes groups what RegisterRoutes mounts. Metrics may be nil.
type Routes struct {
	Proxy   *ProxyHandler
	Admin   *AdminHandler
	Limiter *RateLimiter
	Metrics http.Handler
	Filters func(http.Handler) http.Handler
}

func RegisterRoutes(r *mux.Router, rt Routes) {
	r.HandleFunc("/healthz", HandleHealthz).Methods(http.MethodGet)
	if rt.Metrics != nil {
		r.Handle("/metrics", rt.Metrics).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(rt.Limiter.Middleware)
	admin.HandleFunc("/cache/clear", rt.Admin.ClearCache).Methods(http.MethodPost)

	var maps http.Handler = rt.Proxy
	if rt.Filters != nil {
		maps = rt.Filters(maps)
	}
	r.PathPrefix("/").Handler(maps)
}
