package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"klawfield/internal/engine"
	"klawfield/internal/ratelimit"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	Logger    *log.Logger
}

type Principal struct {
	UserID    string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c AuthConfig) ttl() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return 24 * time.Hour
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func requireUser(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
}

func requireAdmin(ctx context.Context, e engine.Engine) (Principal, huma.StatusError) {
	p, authErr := requireUser(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if e.Config == nil || !e.Config.IsAdminEmail(p.Email) {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden", "Admin access required.", nil)
	}
	return p, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

func issueToken(cfg AuthConfig, userID, email string, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.ttl())),
		},
		Email: email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &sessionClaims{}
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
	p := Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		JTI:    claims.ID,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func revokedKey(jti string) string { return "revoked:" + jti }

// newAuthMiddleware resolves an optional bearer token into a Principal.
// Requests without a token pass through anonymous; handlers that need a user
// enforce it themselves. A token that is present but invalid or revoked is
// rejected here.
func newAuthMiddleware(basePath string, cfg AuthConfig, rdb *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "Unauthorized", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "Unauthorized", nil))
				return
			}
			if rdb != nil {
				ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
				n, err := rdb.Exists(ctx, revokedKey(principal.JTI)).Result()
				cancel()
				if err != nil {
					cfg.logger().Printf("auth: revocation check failed: %v", err)
				} else if n > 0 {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "Unauthorized", nil))
					return
				}
			}
			ctx := withPrincipal(req.Context(), principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	if he, ok := err.(interface{ GetHeaders() http.Header }); ok {
		for k, values := range he.GetHeaders() {
			for _, v := range values {
				w.Header().Add(k, v)
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

// clientIP resolves the caller address behind one trusted proxy hop.
func clientIP(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestFromContext(ctx context.Context) *http.Request {
	r, _ := ctx.Value(requestKey{}).(*http.Request)
	return r
}

// checkRate consumes one unit and converts denial into a 429 envelope with a
// Retry-After header.
func checkRate(ctx context.Context, l *ratelimit.Limiter, key string, limit int, msg string) huma.StatusError {
	res := l.Allow(ctx, key, limit, time.Minute)
	if res.Allowed {
		return nil
	}
	return &apiError{
		status:  http.StatusTooManyRequests,
		headers: http.Header{"Retry-After": []string{strconv.Itoa(res.RetryAfterSeconds)}},
		Body: apiErrorBody{
			Code:    "rate_limited",
			Message: msg,
			Details: map[string]any{"retryAfterSeconds": res.RetryAfterSeconds},
		},
	}
}

type credentialsRequest struct {
	Email    string `json:"email" example:"claw@example.com"`
	Password string `json:"password" minLength:"8" maxLength:"128"`
}

type sessionResponse struct {
	User  userBody `json:"user"`
	Token string   `json:"token"`
}

type userBody struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func registerAuth(api huma.API, e engine.Engine, cfg AuthConfig, rdb *redis.Client, limiter *ratelimit.Limiter) {
	limits := e.Config.RateLimits

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Create an account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body credentialsRequest `json:"body"`
	}) (*struct {
		Body sessionResponse `json:"body"`
	}, error) {
		ip := clientIP(requestFromContext(ctx))
		if err := checkRate(ctx, limiter, "register:"+ip, limits.RegisterPerMinute,
			"Too many registration attempts. Try again shortly."); err != nil {
			return nil, err
		}
		identity, err := e.Register(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := issueToken(cfg, identity.ID, identity.Email, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sessionResponse `json:"body"`
		}{Body: sessionResponse{User: userBody{ID: identity.ID, Email: identity.Email}, Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a session token",
		Errors:      []int{http.StatusUnauthorized, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body credentialsRequest `json:"body"`
	}) (*struct {
		Body sessionResponse `json:"body"`
	}, error) {
		ip := clientIP(requestFromContext(ctx))
		if err := checkRate(ctx, limiter, "login:"+ip, limits.LoginPerMinute,
			"Too many login attempts. Try again shortly."); err != nil {
			return nil, err
		}
		identity, err := e.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := issueToken(cfg, identity.ID, identity.Email, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sessionResponse `json:"body"`
		}{Body: sessionResponse{User: userBody{ID: identity.ID, Email: identity.Email}, Token: token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Revoke the current session token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if rdb != nil && p.JTI != "" {
			ttl := time.Until(p.ExpiresAt)
			if ttl <= 0 {
				ttl = time.Minute
			}
			if err := rdb.Set(ctx, revokedKey(p.JTI), "1", ttl).Err(); err != nil {
				return nil, handleError(fmt.Errorf("revoke session: %w", err))
			}
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
