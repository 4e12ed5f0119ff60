package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/HakuchumuHYX/HakuBot-sub002/pkg/logger"
)

// setupRoutes registers all HTTP routes and middleware
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Root endpoint
	mux.HandleFunc("/", s.handleRoot)

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	// Catalog endpoints
	mux.HandleFunc("/api/songs", s.handleListSongs)

	// Mode endpoints
	mux.HandleFunc("/api/modes", s.handleListModes)
	mux.HandleFunc("/api/modes/random", s.handleRandomMode)

	// Round and score endpoints
	mux.HandleFunc("/api/rounds", s.handlePrepareRound)
	mux.HandleFunc("/api/scores", s.handleAwardScore)
	mux.HandleFunc("/api/leaderboard", s.handleLeaderboard)

	// Wrap with logging and CORS middleware
	return corsMiddleware(s.config.AllowedOrigins)(loggingMiddleware(mux))
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
				w.Header().Set("Access-Control-Allow-Origin", "*")
				allowed = true
			} else {
				for _, allowedOrigin := range allowedOrigins {
					if allowedOrigin == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			// Handle preflight requests
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs all HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		log := logger.GetLogger()
		log.Infof("%s %s from %s", r.Method, r.URL.Path, getClientIP(r))

		next.ServeHTTP(wrapped, r)

		log.Infof("%s %s -> %d", r.Method, r.URL.Path, wrapped.statusCode)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// Start starts the HTTP server
func (s *Server) Start() error {
	handler := s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.log.Infof("🎵 Song game server starting on %s", addr)
	s.log.Infof("   Clip directory: %s", s.config.ClipDir)
	s.log.Infof("   Daily limit: %d (0 = unlimited)", s.config.DailyLimit)
	s.log.Infof("   CORS Origins: %v", s.config.AllowedOrigins)
	s.log.Infof("\nEndpoints:")
	s.log.Infof("   GET    /health            - Health check")
	s.log.Infof("   GET    /api/status        - Catalog and degradation state")
	s.log.Infof("   GET    /api/songs         - List songs (?stem=, ?anvo=1)")
	s.log.Infof("   GET    /api/modes         - List fixed game modes")
	s.log.Infof("   GET    /api/modes/random  - Draw a weighted random combination")
	s.log.Infof("   POST   /api/rounds        - Prepare a round clip")
	s.log.Infof("   POST   /api/scores        - Award points to a player")
	s.log.Infof("   GET    /api/leaderboard   - Group leaderboard")

	return http.ListenAndServe(addr, handler)
}
