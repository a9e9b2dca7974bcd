package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ReviewerHeader carries the reviewer id when no JWT secret is configured.
const ReviewerHeader = "X-Reviewer-Id"

// AuthConfig controls how reviewer identity is read from requests. Identity
// is issued elsewhere; the API only verifies it.
type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
}

// AllowReviewerHeader reports whether the unauthenticated header is honoured.
func (c AuthConfig) AllowReviewerHeader() bool {
	return strings.TrimSpace(c.JWTSecret) == ""
}

type Principal struct {
	ReviewerID string
	Source     string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// reviewerFromContext returns the authenticated reviewer or a 401.
func reviewerFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ReviewerID != "" {
		return p.ReviewerID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "reviewer identity required", nil)
}

// optionalReviewer returns the reviewer id if one was presented.
func optionalReviewer(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.ReviewerID
	}
	return ""
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ReviewerID: claims.Subject, Source: "jwt"}, nil
}

// IssueToken signs an HS256 token naming reviewerID as subject.
func IssueToken(secret, reviewerID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(reviewerID) == "" {
		return "", errors.New("reviewer id required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  reviewerID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches the reviewer principal when one is presented.
// Anonymous requests pass through; operations that need a reviewer reject
// them. Presented but invalid credentials are always refused.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			header := strings.TrimSpace(req.Header.Get(ReviewerHeader))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Warn("reviewer token rejected",
						"event", "auth_token_rejected",
						"module", "api",
						"layer", "transport",
						"error", err.Error(),
					)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if header != "" {
				if !cfg.AllowReviewerHeader() {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "bearer token required", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), Principal{ReviewerID: header, Source: "header"})))
				return
			}

			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
