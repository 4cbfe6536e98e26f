// Package middleware содержит HTTP middleware сервиса экзаменационных пулов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour

	roleStudent = "student"
	roleStaff   = "staff"
)

// Identity — проверенная личность, извлечённая из подписанного cookie.
type Identity struct {
	StudentID int64
	Staff     bool
}

// AuthMiddleware выполняет проверку аутентификации по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет личность в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		identity, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireStaff пропускает только запросы с ролью персонала. Должен стоять после Middleware.
func (a *AuthMiddleware) RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentityFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !identity.Staff {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанной личности.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, identity Identity) {
	value := a.signIdentity(identity)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) signIdentity(identity Identity) string {
	payload := encodePayload(identity)
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	signature := mac.Sum(nil)
	return payload + "." + hex.EncodeToString(signature)
}

func encodePayload(identity Identity) string {
	role := roleStudent
	if identity.Staff {
		role = roleStaff
	}
	return strconv.FormatInt(identity.StudentID, 10) + ":" + role
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Identity, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Identity{}, false
	}

	payload := parts[0]
	signature := parts[1]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Identity{}, false
	}

	payloadParts := strings.Split(payload, ":")
	if len(payloadParts) != 2 {
		return Identity{}, false
	}

	id, err := strconv.ParseInt(payloadParts[0], 10, 64)
	if err != nil {
		return Identity{}, false
	}

	switch payloadParts[1] {
	case roleStudent:
		return Identity{StudentID: id}, true
	case roleStaff:
		return Identity{StudentID: id, Staff: true}, true
	}

	return Identity{}, false
}

// GetIdentityFromContext извлекает личность из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
