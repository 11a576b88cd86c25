package middleware // middleware contains reusable HTTP middleware functions

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// injects the token's subject and role claims into the request context.  The
// provided secret must match the one used when issuing tokens.  Handlers
// read the authenticated buyer through BuyerID.
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			if err := applyToken(c, secret, strings.TrimPrefix(auth, "Bearer ")); err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
			}
			return next(c)
		}
	}
}

// OptionalJWT is JWTAuth for public routes: requests without a token pass
// through as guests, while a present but invalid token is still rejected.
func OptionalJWT(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if auth == "" {
				return next(c)
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
			}
			if err := applyToken(c, secret, strings.TrimPrefix(auth, "Bearer ")); err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
			}
			return next(c)
		}
	}
}

type authError string

func (e authError) Error() string { return string(e) }

// applyToken parses raw with HS256 and stores the sub and role claims.
func applyToken(c echo.Context, secret, raw string) error {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, echo.ErrUnauthorized
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		return authError("invalid token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return authError("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return authError("invalid claims")
	}
	c.Set(ctxUserID, sub)
	c.Set(ctxRole, claims["role"])
	return nil
}
