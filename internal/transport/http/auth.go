package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/dmehra2102/surplus-exchange/internal/actor"
)

// Claims is the token payload: the subject is the user id, role is SELLER or BUYER.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	log    *slog.Logger
	secret []byte
}

func NewAuthenticator(log *slog.Logger, secret string) *Authenticator {
	return &Authenticator{log: log, secret: []byte(secret)}
}

// Issue signs a token for a. Used by the dev tooling and tests.
func (a *Authenticator) Issue(who actor.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(who.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(token string) (actor.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return actor.Actor{}, err
	}
	who := actor.Actor{ID: claims.Subject, Role: actor.Role(strings.ToUpper(claims.Role))}
	if who.ID == "" || !who.Role.Valid() {
		return actor.Actor{}, errors.New("token carries no usable subject or role")
	}
	return who, nil
}

// Middleware resolves the bearer token into an actor.Actor on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Fields(r.Header.Get("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: "bearer token required"})
			return
		}
		who, err := a.Parse(parts[1])
		if err != nil {
			a.log.Warn("token rejected", "path", r.URL.Path, "err", err)
			msg := "token is invalid"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token has expired"
			}
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthenticated", Message: msg})
			return
		}
		next.ServeHTTP(w, r.WithContext(actor.WithActor(r.Context(), who)))
	})
}

func actorID(r *http.Request) string {
	who, _ := actor.FromContext(r.Context())
	return who.ID
}
