package controller

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "cx_session"
	roleAdmin     = "admin"
	roleUser      = "user"
)

// Principal is who a request acts for.
type Principal struct {
	Subject string
	Admin   bool
}

type principalKey struct{}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ValidateToken checks if the Authorization header contains a valid AdminToken
func (c *Controller) ValidateToken(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		return c.AdminToken != "" && token == c.AdminToken
	}
	return false
}

// session parses the session cookie. Only HMAC-signed tokens are accepted.
func (c *Controller) session(r *http.Request) (jwt.MapClaims, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	tok, err := jwt.Parse(cookie.Value,
		func(t *jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

// principal resolves the caller from the admin token or the session cookie.
func (c *Controller) principal(r *http.Request) (Principal, bool) {
	if c.ValidateToken(r) {
		return Principal{Subject: "api-token", Admin: true}, true
	}
	claims, ok := c.session(r)
	if !ok {
		return Principal{}, false
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, false
	}
	role, _ := claims["role"].(string)
	return Principal{Subject: sub, Admin: role == roleAdmin}, true
}

// RequireAuth middleware
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := c.principal(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// RequireAdmin middleware
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := c.principal(r)
		switch {
		case !ok:
			writeError(w, http.StatusUnauthorized, "unauthorized")
		case !p.Admin:
			writeError(w, http.StatusForbidden, "forbidden")
		default:
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		}
	})
}

// SignSession returns a session token for username with role.
func (c *Controller) SignSession(username, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  username,
		"role": role,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	})
	return token.SignedString(c.JWTSecret)
}

// IssueSession issues a session cookie
func (c *Controller) IssueSession(w http.ResponseWriter, username, role string) error {
	ttl := 8 * time.Hour
	ss, err := c.SignSession(username, role, ttl)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    ss,
		Path:     "/",
		HttpOnly: true,
		Secure:   os.Getenv("ENVIRONMENT") == "production",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
	return nil
}
