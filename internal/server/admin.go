package server

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/taskrelay/taskrelay/internal/stats"
)

// requireAdmin checks HTTP Basic credentials against the configured
// admin accounts. Passwords are stored as bcrypt hashes.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			hash, found := s.svc.Config().AdminUsers[user]
			if found && bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="taskrelay admin"`)
		writeErr(w, http.StatusUnauthorized, "invalid admin credentials")
	})
}

// handleStatistics aggregates the recorded task stats rows.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Stats().Load()
	if err != nil {
		slog.Error("failed to load task stats", "error", err)
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats.Summarize(rows))
}
