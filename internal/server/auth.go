package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"gateflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	Logger    *slog.Logger
}

// Principal is the authenticated caller of the ops API.
type Principal struct {
	Subject     string
	Permissions []string
	Source      string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Subject != "" {
		return p, nil
	}
	return Principal{}, errUnauthorized
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// SignToken mints an HS256 token for subject. A zero ttl yields a token
// without expiry.
func SignToken(secret, subject string, permissions []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Permissions: permissions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Credential sources recorded on a Principal.
const (
	SourceJWT    = "jwt"
	SourceAPIKey = "api_key"
)

var (
	errNoSecret      = errors.New("jwt secret not configured")
	errNoKeyStore    = errors.New("api key store not configured")
	errUnauthorized  = newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	errBadCredential = newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
)

// authenticator resolves the caller of a request from a bearer JWT or an
// X-Api-Key header. The bearer token wins when both are sent.
type authenticator struct {
	secret string
	keys   repo.Repo
	log    *slog.Logger
}

func newAuthenticator(cfg AuthConfig, keys repo.Repo) authenticator {
	return authenticator{secret: cfg.JWTSecret, keys: keys, log: cfg.logger()}
}

func (a authenticator) fromToken(token string) (Principal, error) {
	if strings.TrimSpace(a.secret) == "" {
		return Principal{}, errNoSecret
	}
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{Subject: claims.Subject, Permissions: claims.Permissions, Source: SourceJWT}, nil
}

func (a authenticator) fromAPIKey(ctx context.Context, key string) (Principal, error) {
	if a.keys.DB == nil {
		return Principal{}, errNoKeyStore
	}
	stored, err := a.keys.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if stored.Subject == "" {
		return Principal{}, errors.New("api key has no subject")
	}
	return Principal{Subject: stored.Subject, Permissions: stored.Scopes, Source: SourceAPIKey}, nil
}

// resolve returns the request's principal or the error to send back.
func (a authenticator) resolve(req *http.Request) (Principal, huma.StatusError) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, errBadCredential
		}
		p, err := a.fromToken(token)
		if err != nil {
			a.log.Debug("bearer token rejected", "path", req.URL.Path, "err", err)
			return Principal{}, errBadCredential
		}
		return p, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err := a.fromAPIKey(req.Context(), key)
		if err != nil {
			a.log.Debug("api key rejected", "path", req.URL.Path, "err", err)
			return Principal{}, errBadCredential
		}
		return p, nil
	}
	return Principal{}, errUnauthorized
}

// middleware guards every route under basePath except the public ones.
func (a authenticator) middleware(basePath string, public ...string) func(http.Handler) http.Handler {
	open := map[string]bool{}
	for _, p := range public {
		open[path.Join(basePath, p)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, err := a.resolve(req)
			if err != nil {
				writeStatusError(w, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func writeStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
