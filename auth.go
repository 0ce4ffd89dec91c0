package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

var TOKEN_LIFESPAN = time.Hour

var (
	ErrNoToken      = errors.New("Bearer token not provided")
	ErrBadToken     = errors.New("Invalid token")
	ErrTokenExpired = errors.New("Token has expired")
	ErrBadPassword  = errors.New("Invalid password")
)

type ctxKey string

const ctxKeyClaims ctxKey = "claims"

// Operator is a local account allowed to drive the motor over the API.
type Operator struct {
	ID       int    `storm:"increment"`
	Email    string `storm:"unique"`
	Name     string
	Password string
	Admin    bool
}

func (o *Operator) SetPassword(pass []byte) error {
	hash, err := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	o.Password = string(hash)
	return nil
}

// VerifyPassword passes bcrypt errors through untouched.
func (o *Operator) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(o.Password), pass)
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *Credentials) Bind(r *http.Request) error {
	if c.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

type TokenPayload struct {
	Token string `json:"token"`
}

type operatorClaims struct {
	jwt.StandardClaims
	Admin bool `json:"adm,omitempty"`
}

func issueToken(email string, admin bool) (string, error) {
	now := time.Now().UTC()
	claims := operatorClaims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    ENV.JWT_ISSUER,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(TOKEN_LIFESPAN).Unix(),
			Subject:   email,
		},
		Admin: admin,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(ENV.jwtSecret)
}

func parseToken(raw string) (*operatorClaims, error) {
	claims := new(operatorClaims)
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return ENV.jwtSecret, nil
	})

	var verr *jwt.ValidationError
	switch {
	case errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0:
		return nil, ErrTokenExpired
	case err != nil, !token.Valid:
		return nil, ErrBadToken
	}
	return claims, nil
}

// requestToken checks the query string, then the Authorization header, then the jwt cookie. Browsers cannot set
// headers on a websocket upgrade, hence the query string.
func requestToken(r *http.Request) string {
	if raw := r.URL.Query().Get("jwt"); raw != "" {
		return raw
	}

	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.EqualFold(bearer[:6], "bearer") {
		return bearer[7:]
	}

	if cookie, err := r.Cookie("jwt"); err == nil {
		return cookie.Value
	}
	return ""
}

// authenticate looks the operator up by email and checks the password.
func authenticate(db *storm.DB, creds *Credentials) (*Operator, error) {
	op := new(Operator)
	if err := db.One("Email", creds.Email, op); err != nil {
		return nil, err
	}
	if err := op.VerifyPassword([]byte(creds.Password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrBadPassword
		}
		return nil, err
	}
	return op, nil
}

func Login(w http.ResponseWriter, r *http.Request) {
	creds := new(Credentials)
	if err := render.Bind(r, creds); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	op, err := authenticate(ENV.DB, creds)
	switch {
	case errors.Is(err, storm.ErrNotFound):
		render.Render(w, r, ErrNotFound)
		return
	case errors.Is(err, ErrBadPassword):
		log.Warn().Str("email", creds.Email).Msg("login refused")
		render.Render(w, r, ErrPermissionDenied(err))
		return
	case err != nil:
		log.Error().Err(err).Str("email", creds.Email).Msg("login failed")
		render.Render(w, r, ErrRender(err))
		return
	}

	token, err := issueToken(op.Email, op.Admin)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	log.Info().Str("email", op.Email).Msg("login")
	render.JSON(w, r, TokenPayload{token})
}

// RefreshToken swaps a still valid token for one with a fresh expiry.
func RefreshToken(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(ctxKeyClaims).(*operatorClaims)
	if !ok {
		render.Render(w, r, ErrUnauthorized(ErrNoToken))
		return
	}

	token, err := issueToken(claims.Subject, claims.Admin)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}
	render.JSON(w, r, TokenPayload{token})
}

func ValidateJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := requestToken(r)
		if raw == "" {
			render.Render(w, r, ErrUnauthorized(ErrNoToken))
			return
		}

		claims, err := parseToken(raw)
		if err != nil {
			render.Render(w, r, ErrUnauthorized(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, claims)))
	})
}

// authenticated guards r with ValidateJWT unless running in debug mode.
func authenticated(r chi.Router) {
	if ENV.DEBUG {
		return
	}
	r.Use(ValidateJWT)
}
