package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"kalefi/observability/logging"
)

// AuthConfig lists the credentials accepted on mutating routes.
type AuthConfig struct {
	APITokens []string
	// JWTSecret enables HS256 bearer tokens in addition to static tokens.
	JWTSecret string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated API principal.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(principalKey{}).(string)
	return value, ok && value != ""
}

// Authenticator guards the mutating routes with an API token or a JWT.
type Authenticator struct {
	tokens   [][]byte
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	logger   *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	auth := &Authenticator{
		secret:   []byte(strings.TrimSpace(cfg.JWTSecret)),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		skew:     cfg.ClockSkew,
		logger:   logger,
	}
	if auth.skew <= 0 {
		auth.skew = 2 * time.Minute
	}
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			auth.tokens = append(auth.tokens, []byte(trimmed))
		}
	}
	return auth
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.tokens) > 0 || len(a.secret) > 0)
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("X-API-Token"))
		}
		if token == "" {
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "missing api token")
			return
		}
		principal, err := a.authenticate(token)
		if err != nil {
			a.logger.Warn("lending api auth rejected",
				logging.MaskField("token", token),
				slog.String("reason", err.Error()))
			writeErrorCode(w, http.StatusUnauthorized, "unauthenticated", "invalid api token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(token string) (string, error) {
	candidate := []byte(token)
	for _, allowed := range a.tokens {
		if subtle.ConstantTimeCompare(candidate, allowed) == 1 {
			return "token", nil
		}
	}
	if len(a.secret) == 0 {
		return "", errors.New("unknown token")
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return "", err
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		subject = "jwt"
	}
	return subject, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
