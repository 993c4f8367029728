package rewardsd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyIdentity contextKey = "identity"

// Role is the authorization level attached to a request.
type Role string

const (
	// RoleAdmin may configure the reward token, manage surveys and
	// withdraw custody funds.
	RoleAdmin Role = "admin"
	// RoleUser may submit claims and read participation state.
	RoleUser Role = "user"
)

// Identity is the authenticated principal attached to a request context.
type Identity struct {
	Subject string
	Role    Role
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	return identity, ok
}

// AuthOptions configures the request authenticator.
type AuthOptions struct {
	// BearerToken authenticates operational automation as an admin.
	BearerToken string
	// JWTSecret verifies HS256 tokens minted by the identity provider.
	JWTSecret []byte
	// AdminSubjects lists JWT subjects allowed to assume the admin role.
	AdminSubjects []string
}

// Authenticator validates incoming requests and resolves their identity.
type Authenticator struct {
	bearerToken string
	jwtSecret   []byte

	mu            sync.RWMutex
	adminSubjects map[string]struct{}
}

// NewAuthenticator constructs an Authenticator. At least one mechanism must
// be configured.
func NewAuthenticator(opts AuthOptions) (*Authenticator, error) {
	token := strings.TrimSpace(opts.BearerToken)
	if token == "" && len(opts.JWTSecret) == 0 {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	a := &Authenticator{
		bearerToken:   token,
		jwtSecret:     opts.JWTSecret,
		adminSubjects: make(map[string]struct{}, len(opts.AdminSubjects)),
	}
	for _, subject := range opts.AdminSubjects {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			a.adminSubjects[trimmed] = struct{}{}
		}
	}
	return a, nil
}

// IsAdministrator reports whether the subject may perform admin operations.
// The ledger engine consults this as its access control.
func (a *Authenticator) IsAdministrator(subject string) bool {
	if a == nil {
		return false
	}
	if subject == opsSubject && a.bearerToken != "" {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.adminSubjects[strings.TrimSpace(subject)]
	return ok
}

// opsSubject identifies requests authenticated by the static bearer token.
const opsSubject = "ops"

// Middleware resolves the request identity and stores it in the context.
// Requests without valid credentials are rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.authenticate(r)
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests whose identity does not carry the admin role.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || identity.Role != RoleAdmin {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) authenticate(r *http.Request) (Identity, error) {
	raw := parseBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return Identity{}, fmt.Errorf("missing credentials")
	}
	if a.bearerToken != "" && raw == a.bearerToken {
		return Identity{Subject: opsSubject, Role: RoleAdmin}, nil
	}
	if len(a.jwtSecret) > 0 {
		return a.authenticateJWT(raw)
	}
	return Identity{}, fmt.Errorf("invalid credentials")
}

func (a *Authenticator) authenticateJWT(raw string) (Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Identity{}, fmt.Errorf("subject claim required")
	}
	role := RoleUser
	if rawRole, ok := claims["role"].(string); ok && Role(rawRole) == RoleAdmin {
		// Admin claims are honoured only for allowlisted subjects.
		if !a.IsAdministrator(subject) {
			return Identity{}, fmt.Errorf("subject not permitted to assume admin role")
		}
		role = RoleAdmin
	}
	return Identity{Subject: subject, Role: role}, nil
}

func parseBearer(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
