// Package auth verifies the signed bearer tokens clients present at upgrade
// time and turns their claims into a per-connection user identity.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permission names carried in the token's permissions claim.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

// SubprotocolPrefix marks the auth entry in the Sec-WebSocket-Protocol list.
// Browsers cannot set arbitrary headers on a WebSocket upgrade, so the token
// rides in a subprotocol entry of the form "auth.<base64url(token)>".
const SubprotocolPrefix = "auth."

var (
	ErrTokenMissing   = errors.New("auth: no bearer token in subprotocol or query")
	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrWrongIssuer    = errors.New("auth: issuer mismatch")
	ErrWrongAudience  = errors.New("auth: audience mismatch")
	ErrMultipleTokens = errors.New("auth: more than one auth.* subprotocol entry")
)

// Claims is the token payload.
type Claims struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// User is the verified identity bound to a connection.
type User struct {
	UserID      string
	Username    string
	Permissions map[string]struct{}
	ExpiresAt   time.Time
}

// Can reports whether the user holds the named permission. Admin implies
// every other permission.
func (u *User) Can(permission string) bool {
	if _, ok := u.Permissions[PermissionAdmin]; ok {
		return true
	}
	_, ok := u.Permissions[permission]
	return ok
}

// Expired reports whether the token backing this user has lapsed.
// Checked lazily on every inbound frame.
func (u *User) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && u.ExpiresAt.Before(now)
}

// Verifier validates HMAC-SHA256 signed tokens against the configured
// issuer and audience.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

// Verify parses and validates a token string and returns the user identity.
func (v *Verifier) Verify(tokenString string) (*User, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, ErrWrongIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrWrongAudience
		default:
			return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	user := &User{
		UserID:      claims.UserID,
		Username:    claims.Username,
		Permissions: make(map[string]struct{}, len(claims.Permissions)),
	}
	for _, p := range claims.Permissions {
		user.Permissions[p] = struct{}{}
	}
	if claims.ExpiresAt != nil {
		user.ExpiresAt = claims.ExpiresAt.Time
	}
	return user, nil
}

// ExtractToken pulls the bearer token out of an upgrade request.
//
// Priority order: the auth.* Sec-WebSocket-Protocol entry, then the token
// query parameter. When the subprotocol form is used, the returned echo is
// the exact entry the server must select during the upgrade so the browser
// handshake completes.
func ExtractToken(r *http.Request) (token string, echo string, err error) {
	var authEntry string
	for _, header := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, entry := range strings.Split(header, ",") {
			entry = strings.TrimSpace(entry)
			if !strings.HasPrefix(entry, SubprotocolPrefix) {
				continue
			}
			if authEntry != "" {
				return "", "", ErrMultipleTokens
			}
			authEntry = entry
		}
	}

	if authEntry != "" {
		raw, decErr := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(authEntry, SubprotocolPrefix))
		if decErr != nil {
			// Tolerate padded base64url from less careful clients.
			raw, decErr = base64.URLEncoding.DecodeString(strings.TrimPrefix(authEntry, SubprotocolPrefix))
		}
		if decErr != nil {
			return "", "", fmt.Errorf("%w: bad base64url subprotocol: %v", ErrTokenInvalid, decErr)
		}
		return string(raw), authEntry, nil
	}

	if q := r.URL.Query().Get("token"); q != "" {
		return q, "", nil
	}

	return "", "", ErrTokenMissing
}

// Mint signs a token with the verifier's secret. Exists for tests and for the
// development token route; production tokens come from the external authority.
func (v *Verifier) Mint(userID, username string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      userID,
		Username:    username,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
