package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeAdmin allows init, listing, killswitch and pump-hash calls.
	ScopeAdmin = "options:admin"
	// ScopePump allows oracle quote pushes.
	ScopePump = "oracle:pump"

	defaultTokenLeeway = 2 * time.Minute
)

var errNoOperatorSecret = errors.New("auth secret not configured")

// AuthConfig configures the operator bearer token check that guards
// administrative routes. When disabled every request passes through.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	// Leeway tolerates clock drift on exp and nbf. Defaults to two minutes.
	Leeway time.Duration
	// Now overrides the validation clock.
	Now func() time.Time
}

// OperatorClaims is the payload of an operator token. Scopes are space
// separated as in OAuth2.
type OperatorClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *OperatorClaims) Scopes() []string { return strings.Fields(c.Scope) }

// Grants reports whether every required scope is present.
func (c *OperatorClaims) Grants(required ...string) bool {
	held := c.Scopes()
	for _, want := range required {
		found := false
		for _, have := range held {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type operatorKey struct{}

// Operator returns the claims the token middleware attached to ctx.
func Operator(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorKey{}).(*OperatorClaims)
	return claims, ok
}

// Authenticator validates operator tokens.
type Authenticator struct {
	enabled bool
	secret  []byte
	parser  *jwt.Parser
	logger  *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultTokenLeeway
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(leeway),
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	return &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(strings.TrimSpace(cfg.HMACSecret)),
		parser:  jwt.NewParser(opts...),
		logger:  logger,
	}
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(raw string) (*OperatorClaims, error) {
	if len(a.secret) == 0 {
		return nil, errNoOperatorSecret
	}
	claims := &OperatorClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects requests without a valid token carrying every scope in
// required: 401 for a missing or invalid token, 403 for a missing scope.
func (a *Authenticator) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || !a.enabled {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.Verify(raw)
			if err != nil {
				a.logger.Warn("operator token rejected",
					slog.String("requestId", RequestID(r.Context())),
					slog.String("reason", err.Error()))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !claims.Grants(required...) {
				a.logger.Warn("operator scope denied",
					slog.String("requestId", RequestID(r.Context())),
					slog.String("subject", claims.Subject),
					slog.String("scope", claims.Scope))
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, claims)))
		})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// IssueToken mints an HS256 operator token carrying the given scopes. A zero
// ttl issues a token without expiry.
func IssueToken(secret, issuer, audience, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errNoOperatorSecret
	}
	claims := OperatorClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
