// Package auth verifies HS256 bearer tokens and carries the caller's claims
// through the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/hlog"
)

// Roles known to the traceability platform.
const (
	RoleFarmer       = "farmer"
	RoleManufacturer = "manufacturer"
	RoleProcessor    = "processor"
	RoleDistributor  = "distributor"
	RoleRetailer     = "retailer"
	RoleConsumer     = "consumer"
	RoleAdmin        = "admin"
)

// Claims is the token payload issued by the account service.
type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey string

const ctxKeyClaims ctxKey = "traceledger.claims"

// FromContext returns the verified claims, or nil for anonymous requests.
func FromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return c
}

// WithClaims stores c in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, c)
}

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Verifier validates tokens signed with a shared secret. A Verifier with an
// empty secret is disabled: every request passes as anonymous.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Enabled reports whether tokens are checked.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Parse validates raw and returns its claims.
func (v *Verifier) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Optional attaches claims when a valid token is present and otherwise lets
// the request through anonymously.
func (v *Verifier) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.Enabled() {
			if raw := bearer(r); raw != "" {
				if c, err := v.Parse(raw); err == nil {
					r = r.WithContext(WithClaims(r.Context(), c))
				} else {
					hlog.FromRequest(r).Debug().Err(err).Msg("ignoring invalid token")
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Required rejects requests without a valid token. When the verifier is
// disabled it behaves like Optional.
func (v *Verifier) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		c, err := v.Parse(bearer(r))
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("authentication failed")
			msg := ErrInvalidToken.Error()
			if errors.Is(err, ErrNoToken) {
				msg = ErrNoToken.Error()
			}
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
	})
}

// RequireRole allows only callers holding one of roles. It must run after
// Required; anonymous callers are let through only when v is disabled.
func (v *Verifier) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			c := FromContext(r.Context())
			if c == nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
				return
			}
			for _, role := range roles {
				if c.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
