// Package middleware guards HTTP endpoints with bearer authentication,
// role-based access checks and per-IP rate limiting.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ssdp-platform/trust/common/httputil"
	"github.com/ssdp-platform/trust/common/logging"
	commonmw "github.com/ssdp-platform/trust/common/middleware"
	"github.com/ssdp-platform/trust/trust/internal/models"
	"github.com/ssdp-platform/trust/trust/internal/ratelimit"
)

// EventRateLimitExceeded is the security event recorded on throttling.
const EventRateLimitExceeded = "rate_limit_exceeded"

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   models.Role
}

// ActorFromContext returns the authenticated actor, or nil.
func ActorFromContext(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey).(*Actor)
	return a
}

// WithActor stores a in ctx.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// AccessChecker decides access requests. *rbac.Guard implements it.
type AccessChecker interface {
	CheckAccess(ctx context.Context, req models.AccessRequest) (bool, error)
}

// SecurityRecorder records security events. *audit.Logger implements it.
type SecurityRecorder interface {
	LogSecurityEvent(ctx context.Context, userID, eventType string, details map[string]any, severity models.Severity) (*models.AuditLogEntry, error)
}

// IDFunc extracts the target resource id from a request.
type IDFunc func(r *http.Request) string

// PathValue returns an IDFunc reading a named path wildcard.
func PathValue(name string) IDFunc {
	return func(r *http.Request) string { return r.PathValue(name) }
}

type Security struct {
	verifier *TokenVerifier
	checker  AccessChecker
	recorder SecurityRecorder
	logger   *logging.Logger
}

func NewSecurity(verifier *TokenVerifier, checker AccessChecker, recorder SecurityRecorder, logger *logging.Logger) *Security {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Security{verifier: verifier, checker: checker, recorder: recorder, logger: logger}
}

// Authenticate verifies the bearer token and places the Actor in the request
// context.
func (s *Security) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header", "")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization header", "")
			return
		}

		claims, err := s.verifier.Verify(token)
		if err != nil {
			s.logger.WithContext(r.Context()).Debug("token rejected", logging.IP(commonmw.ClientIP(r)), logging.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid or expired token", "")
			return
		}

		ctx := WithActor(r.Context(), &Actor{UserID: claims.UserID, Role: models.Role(claims.Role)})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission allows the request only if the actor may perform action
// on the resource. idFunc may be nil for collection endpoints.
func (s *Security) RequirePermission(action string, resourceType models.ResourceType, idFunc IDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if actor == nil {
				writeError(w, http.StatusUnauthorized, "authentication required", "")
				return
			}

			req := models.AccessRequest{
				UserID:       actor.UserID,
				Role:         actor.Role,
				Action:       action,
				ResourceType: resourceType,
				IPAddress:    commonmw.ClientIP(r),
				UserAgent:    r.UserAgent(),
			}
			if idFunc != nil {
				req.ResourceID = idFunc(r)
			}

			granted, err := s.checker.CheckAccess(r.Context(), req)
			if err != nil {
				s.logger.WithContext(r.Context()).Warn("access check failed",
					logging.UserID(actor.UserID),
					logging.Permission(req.Permission()),
					logging.Error(err),
				)
			}
			if !granted {
				writeError(w, http.StatusForbidden, fmt.Sprintf("%s permission required", req.Permission()), req.Permission())
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// RateLimit throttles requests per client IP. Throttled requests are
// recorded as security events. Limiter failures let the request through.
func (s *Security) RateLimit(limiter ratelimit.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := commonmw.ClientIP(r)
			allowed, err := limiter.Allow(r.Context(), "ip:"+ip)
			if err != nil {
				s.logger.WithContext(r.Context()).Warn("rate limiter unavailable", logging.IP(ip), logging.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			userID := "anonymous"
			if a := ActorFromContext(r.Context()); a != nil {
				userID = a.UserID
			}
			if _, err := s.recorder.LogSecurityEvent(r.Context(), userID, EventRateLimitExceeded, map[string]any{
				"ip_address": ip,
				"path":       r.URL.Path,
				"method":     r.Method,
			}, models.SeverityWarning); err != nil {
				s.logger.WithContext(r.Context()).Error("failed to record rate limit event", logging.Error(err))
			}
			s.logger.WithContext(r.Context()).Info("rate limit exceeded", logging.IP(ip), slog.String("path", r.URL.Path))

			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many requests", "")
		})
	}
}

func writeError(w http.ResponseWriter, status int, detail, permission string) {
	code, title := httputil.StatusCode(status)
	httputil.WriteErrors(w, status, httputil.ErrorObject{
		Status:     status,
		Code:       code,
		Title:      title,
		Detail:     detail,
		Permission: permission,
	})
}
