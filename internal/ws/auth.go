package ws

import (
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yuyash/auto-forex-web-service-sub002/pkg/types"
)

// Close codes sent before dropping an unauthorised connection.
const (
	CloseGenericError    = 4000
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
)

// Claims is the JWT payload the fan-out endpoints accept: the brokerage
// accounts the subject may watch and whether they hold the staff flag.
type Claims struct {
	Accounts []string `json:"accounts"`
	Staff    bool     `json:"staff"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens on WebSocket upgrade requests.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate extracts and verifies the token from the Authorization
// header or the token query parameter.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		header := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			raw = after
		}
	}
	if raw == "" {
		return nil, types.E(types.KindAuthorisation, "no token supplied")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.E(types.KindAuthorisation, "unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, types.Wrap(types.KindAuthorisation, err, "invalid token")
	}
	return &claims, nil
}

// CanWatch reports whether the claims grant access to an account's
// streams. The demo account is open to any authenticated client, and
// staff see everything.
func (c *Claims) CanWatch(accountID string) bool {
	if accountID == DemoAccountID || c.Staff {
		return true
	}
	return slices.Contains(c.Accounts, accountID)
}
