package infra

import (
	"context"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server with the timeouts from Config. Webhook bodies
// are small and reconciliation passes are short, so the defaults lean tight.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer builds the server for the API process.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	return &HTTPServer{server: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		MaxHeaderBytes:    1 << 16,
	}}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *HTTPServer) Start() error {
	if s.server == nil {
		return nil
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
