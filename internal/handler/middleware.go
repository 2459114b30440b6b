package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

type contextKey string

const claimsKey contextKey = "investigator"

// JWTAuthMiddleware validates Bearer tokens and injects the investigator
// claims into context. Case-scoped tokens are checked against {caseId}.
func JWTAuthMiddleware(tokens *service.TokenService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.Warn("auth: missing token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				logger.Warn("auth: invalid token format",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := tokens.Validate(strings.TrimSpace(tokenString))
			if err != nil {
				logger.Warn("auth: invalid or expired token",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireCaseAccess rejects case-scoped tokens that do not grant {caseId}.
// It is a no-op when auth is disabled.
func requireCaseAccess(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := InvestigatorFromContext(r.Context())
			caseID := chi.URLParam(r, "caseId")
			if claims != nil && !claims.CanAccess(caseID) {
				logger.Warn("auth: case not granted",
					zap.String("investigator", claims.Sub),
					zap.String("case_id", caseID),
				)
				writeError(w, http.StatusForbidden, "token does not grant case "+caseID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InvestigatorFromContext returns the authenticated claims, or nil when
// auth is disabled.
func InvestigatorFromContext(ctx context.Context) *service.InvestigatorClaims {
	v, _ := ctx.Value(claimsKey).(*service.InvestigatorClaims)
	return v
}

// BulkheadMiddleware rejects requests with 429 while every analysis slot is
// taken.
func BulkheadMiddleware(bh *resilience.Bulkhead, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !bh.TryAcquire() {
				handleServiceError(w, &domain.ErrBusy{Resource: "analysis"}, logger)
				return
			}
			defer bh.Release()
			next.ServeHTTP(w, r)
		})
	}
}
