package check

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// SessionCookie carries the session ID between requests
const SessionCookie = "pillchecker_session"

// Suggester completes partially typed drug names
type Suggester interface {
	Suggest(ctx context.Context, query string) []string
}

// Server handles HTTP requests for checks
type Server struct {
	service   *Service
	sessions  *Sessions
	suggester Suggester
	mux       *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, sessions *Sessions, suggester Suggester) *Server {
	return NewServerWithMux(service, sessions, suggester, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, sessions *Sessions, suggester Suggester, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		sessions:  sessions,
		suggester: suggester,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// sessionHandler is a handler that works on the caller's session
type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *Session)

// withSession resolves the session cookie, handing out a new session when
// the cookie is missing or unknown
func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var id string
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			id = cookie.Value
		}

		sess, created := s.sessions.Resolve(id)
		if created {
			slog.Debug("Session created", "session", sess.ID)
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sess.ID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next(w, r, sess)
	}
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Session slots
	s.mux.HandleFunc("GET /api/session", s.withSession(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/session", s.withSession(s.handleResetSession))
	s.mux.HandleFunc("PUT /api/session/slots/{index}", s.withSession(s.handleSetSlot))
	s.mux.HandleFunc("DELETE /api/session/slots/{index}", s.withSession(s.handleClearSlot))
	s.mux.HandleFunc("POST /api/session/suggestion", s.withSession(s.handleSelectSuggestion))

	// Scanning
	s.mux.HandleFunc("GET /api/scan", s.withSession(s.handleGetScan))
	s.mux.HandleFunc("GET /api/scan/preview", s.withSession(s.handleScanPreview))
	s.mux.HandleFunc("PUT /api/scan/name", s.withSession(s.handleEditScanName))
	s.mux.HandleFunc("POST /api/scan/retake", s.withSession(s.handleRetake))
	s.mux.HandleFunc("POST /api/scan/confirm", s.withSession(s.handleConfirmScan))
	s.mux.HandleFunc("POST /api/scan/{index}", s.withSession(s.handleScan))

	// Suggestions
	s.mux.HandleFunc("GET /api/suggestions", s.handleSuggestions)

	// Checks and history
	s.mux.HandleFunc("POST /api/checks/save", s.withSession(s.handleSaveCheck))
	s.mux.HandleFunc("POST /api/checks", s.withSession(s.handleRunCheck))
	s.mux.HandleFunc("GET /api/checks/{id}", s.handleGetCheck)
	s.mux.HandleFunc("DELETE /api/checks/{id}", s.handleDeleteCheck)
	s.mux.HandleFunc("GET /api/checks", s.handleListChecks)
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

// NewHTTPServer wraps the server for ListenAndServe and graceful Shutdown
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
