// Package web binds the gateway to HTTP. Routing, parameter parsing,
// and status mapping live here; all decisions belong to the gateway.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/hkgpx/hkgpx/gateway"
	"github.com/hkgpx/hkgpx/ratelimit"
)

type Server struct {
	gw          *gateway.Gateway
	addr        string
	logger      *log.Logger
	rateLimiter *ratelimit.Limiter
}

func NewServer(gw *gateway.Gateway, addr string, rps float64, burst int, logger *log.Logger) *Server {
	return &Server{
		gw:          gw,
		addr:        addr,
		logger:      logger,
		rateLimiter: ratelimit.New(rps, burst),
	}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.rateLimitMiddleware(s.Handler()),
	}

	go s.rateLimiter.Run(ctx)

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.logger.Info("web server listening", "addr", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("PUT /new-account/{id}/{private_token}", s.handleNewAccount)
	mux.HandleFunc("POST /verify-account/{id}/{private_token}", s.handleVerifyAccount)
	mux.HandleFunc("GET /topic-list/{forum}/{page}/{id}/{private_token}", s.handleTopicList)
	mux.HandleFunc("GET /view-topic/{topic_id}/{page}/{id}/{private_token}", s.handleViewTopic)
	mux.HandleFunc("POST /raw-request/{id}/{private_token}", s.handleRawRequest)
	mux.HandleFunc("DELETE /cache/{cache_key}/{id}/{private_token}", s.handleInvalidateCache)

	return mux
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !s.rateLimiter.Allow(ip) {
			s.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the reverse proxy's X-Real-IP header, falling back to
// the socket address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
