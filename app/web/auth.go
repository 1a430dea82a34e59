package web

import (
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"

	"github.com/tweag/chainsail/app/auth"
)

const adminUser = "admin"

// handleLogin takes id token from Authorization header and stores it in the token cookie
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.ExtractBearer(r.Header.Get("Authorization"))
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "Missing Authorization header value")
		return
	}

	ttl := s.cookieTTL
	if s.verifier != nil {
		claims, err := s.verifier.Verify(token)
		if err != nil {
			log.Printf("[WARN] login rejected: %v", err)
			s.writeJSONError(w, http.StatusInternalServerError, "Unexpected error.")
			return
		}
		log.Printf("[INFO] login %s, subject %s", claimsUser(claims), claims.Subject)
		// cookie doesn't outlive the token
		if left := time.Until(claims.ExpiresAt); !claims.ExpiresAt.IsZero() && left > 0 && left < ttl {
			ttl = left
		}
	}

	http.SetCookie(w, s.tokenCookie(r, token, int(ttl.Seconds())))
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleLogout clears the token cookie
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.tokenCookie(r, "", -1))
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) tokenCookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
	}
}

// adminAuth checks basic auth against the bcrypt password hash, no-op if the hash is not set
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.passwordHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if ok && username == adminUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="Chainsail Gateway"`)
		s.writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
	})
}
