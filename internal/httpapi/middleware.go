package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/steveyegge/bullpen/internal/auth"
)

// Caller credential channels, tried in order: Authorization bearer (CLI),
// the serialized token-pair header, the browser session cookie.
const (
	headerTokenPair = "X-Auth-Tokens"
	sessionCookie   = "cmux_session"
)

type ctxKey int

const identityKey ctxKey = 0

// identityFrom returns the resolved caller. Handlers behind withIdentity can
// rely on it being present.
func identityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}

// tokenCandidates extracts every credential the request carries. Token
// values never appear in logs or errors.
func tokenCandidates(r *http.Request) []string {
	var out []string
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok && strings.TrimSpace(tok) != "" {
			out = append(out, strings.TrimSpace(tok))
		}
	}
	if h := r.Header.Get(headerTokenPair); h != "" {
		var pair struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.Unmarshal([]byte(h), &pair); err == nil && pair.AccessToken != "" {
			out = append(out, pair.AccessToken)
		}
	}
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		out = append(out, c.Value)
	}
	return out
}

// withIdentity resolves the caller and stores the identity on the request
// context. Each candidate is tried in turn; the first one the session store
// recognizes wins, and a request with no recognized credential is 401.
func (s *Server) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, tok := range tokenCandidates(r) {
			id, err := s.auth.ResolveToken(r.Context(), tok)
			if err == nil {
				ctx := context.WithValue(r.Context(), identityKey, id)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if !errors.Is(err, auth.ErrUnauthorized) {
				s.fail(w, r, err)
				return
			}
		}
		jsonError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// logRequests emits one line per request, tagged with the chi request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("requestId", middleware.GetReqID(r.Context())))
	})
}
