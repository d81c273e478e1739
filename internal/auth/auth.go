// Package auth resolves the user behind an HTTP or WebSocket request.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/crypto/hkdf"

	"github.com/Martin-Hayot/auction-engine/pkg/errors"
	"github.com/Martin-Hayot/auction-engine/pkg/types"
)

// Session cookies issued by Auth.js. The cookie name doubles as the HKDF salt.
const (
	SessionCookie       = "authjs.session-token"
	SecureSessionCookie = "__Secure-authjs.session-token"
)

type Authenticator interface {
	Authenticate(r *http.Request) (types.User, error)
}

// UserLookup resolves the e-mail carried by a session token to a stored user.
type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
}

// DeriveEncryptionKey derives the 64 byte A256CBC-HS512 key Auth.js uses for its session JWE.
func DeriveEncryptionKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New(errors.ErrInternalServer, "auth secret not set")
	}
	info := fmt.Sprintf("Auth.js Generated Encryption Key (%s)", salt)

	kdf := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(info))
	key := make([]byte, 64)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return key, nil
}

// CookieAuthenticator validates Auth.js session cookies and loads the matching user.
type CookieAuthenticator struct {
	secret []byte
	keys   map[string][]byte
	users  UserLookup
}

func NewCookieAuthenticator(secret string, users UserLookup) (*CookieAuthenticator, error) {
	a := &CookieAuthenticator{
		secret: []byte(secret),
		keys:   make(map[string][]byte),
		users:  users,
	}
	for _, name := range []string{SessionCookie, SecureSessionCookie} {
		key, err := DeriveEncryptionKey(secret, name)
		if err != nil {
			return nil, err
		}
		a.keys[name] = key
	}
	return a, nil
}

func (a *CookieAuthenticator) Authenticate(r *http.Request) (types.User, error) {
	for _, name := range []string{SecureSessionCookie, SessionCookie} {
		cookie, err := r.Cookie(name)
		if err != nil {
			continue
		}
		email, err := a.validate(cookie.Value, a.keys[name])
		if err != nil {
			log.Debug("Rejected session token", "cookie", name, "err", err)
			return types.User{}, err
		}

		user, err := a.users.GetUserByEmail(r.Context(), email)
		if err != nil {
			return types.User{}, err
		}
		return user, nil
	}
	return types.User{}, errors.New(errors.ErrInvalidToken, "missing session token cookie")
}

// validate decrypts the JWE, re-signs its claims as a JWT to run the standard claim checks
// and returns the e-mail claim.
func (a *CookieAuthenticator) validate(encrypted string, key []byte) (string, error) {
	decrypted, err := jwe.Decrypt([]byte(encrypted), jwe.WithKey(jwa.DIRECT(), key))
	if err != nil {
		return "", invalid(err, "failed to decrypt session token")
	}

	var claims map[string]any
	if err := json.Unmarshal(decrypted, &claims); err != nil {
		return "", invalid(err, "failed to unmarshal decrypted payload")
	}

	token := jwt.New()
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			return "", invalid(err, "invalid session token claim")
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign JWT")
	}

	parsed, err := jwt.Parse(signed, jwt.WithKey(jwa.HS256(), a.secret), jwt.WithValidate(true))
	if err != nil {
		return "", invalid(err, "failed to validate token")
	}
	if exp, ok := parsed.Expiration(); ok && exp.Before(time.Now()) {
		return "", errors.New(errors.ErrInvalidToken, "session token expired")
	}

	email, _ := claims["email"].(string)
	if email == "" {
		return "", errors.New(errors.ErrInvalidToken, "session token has no email")
	}
	return email, nil
}

func invalid(err error, message string) error {
	return &errors.AppError{Code: errors.ErrInvalidToken, Message: message, Err: err}
}

// DevAuthenticator trusts the caller: the user comes from the X-User-ID header or the user
// query parameter. Only for local development.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(r *http.Request) (types.User, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		id = r.URL.Query().Get("user")
	}
	if id == "" {
		return types.User{}, errors.New(errors.ErrInvalidToken, "missing X-User-ID header")
	}

	role := types.Role(r.Header.Get("X-User-Role"))
	if role != types.RoleAdmin {
		role = types.RoleBidder
	}
	return types.User{ID: id, DisplayName: id, Role: role}, nil
}

type contextKey struct{}

func WithUser(ctx context.Context, u types.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

func UserFrom(ctx context.Context) (types.User, bool) {
	u, ok := ctx.Value(contextKey{}).(types.User)
	return u, ok
}

// Middleware rejects unauthenticated requests and stores the user in the request context.
func Middleware(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := a.Authenticate(r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(errors.As(err).ToJSON()))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireRole fails with ErrForbidden unless u has role.
func RequireRole(u types.User, role types.Role) error {
	if u.Role != role {
		return errors.New(errors.ErrForbidden, "insufficient permissions").WithMeta("required", role)
	}
	return nil
}
