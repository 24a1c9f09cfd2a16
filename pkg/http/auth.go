package xhttp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const claimsKey = "auth_claims"

var (
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrExpiredToken = errors.New("bearer token expired")
)

// Claims is the part of a Supabase access token the API acts on.
type Claims struct {
	Subject     string `json:"sub"`
	Role        string `json:"role"`
	ExpiresAt   int64  `json:"exp"`
	AppMetadata struct {
		Role string `json:"role"`
	} `json:"app_metadata"`
}

// HasRole reports whether either the database role or the app_metadata role
// is one of roles.
func (c Claims) HasRole(roles ...string) bool {
	for _, r := range roles {
		if r == "" {
			continue
		}
		if c.Role == r || c.AppMetadata.Role == r {
			return true
		}
	}
	return false
}

type jwtHeader struct {
	Alg string `json:"alg"`
}

// VerifyJWT checks an HS256 token signed with secret and returns its claims.
// A token without exp or with an empty secret never verifies.
func VerifyJWT(token, secret string, now time.Time) (Claims, error) {
	if secret == "" {
		return Claims{}, ErrInvalidToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}

	var header jwtHeader
	if err := decodeSegment(parts[0], &header); err != nil || header.Alg != "HS256" {
		return Claims{}, ErrInvalidToken
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.ExpiresAt == 0 || now.Unix() >= claims.ExpiresAt {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func decodeSegment(seg string, dst any) error {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// AuthMiddleware rejects requests whose bearer token does not verify against
// secret and stores the verified claims for ClaimsFrom.
func AuthMiddleware(secret string) MiddlewareFunc {
	return func(next RequestHandler) RequestHandler {
		return func(ctx *RequestCtx) {
			token := BearerToken(ctx)
			if token == "" {
				writeUnauthorized(ctx, "missing bearer token")
				return
			}
			claims, err := VerifyJWT(token, secret, time.Now())
			if err != nil {
				writeUnauthorized(ctx, err.Error())
				return
			}
			ctx.SetUserValue(claimsKey, claims)
			next(ctx)
		}
	}
}

// ClaimsFrom returns the claims AuthMiddleware verified for this request.
func ClaimsFrom(ctx *RequestCtx) (Claims, bool) {
	c, ok := ctx.UserValue(claimsKey).(Claims)
	return c, ok
}

func writeUnauthorized(ctx *RequestCtx, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(StatusUnauthorized)
	ctx.Response.SetBodyRaw(b)
}
