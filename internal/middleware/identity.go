package middleware

import "github.com/labstack/echo/v4"

// Context keys written by the JWT middleware.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// BuyerID returns the authenticated subject stored by JWTAuth or
// OptionalJWT.  Guests yield ("", false).
func BuyerID(c echo.Context) (string, bool) {
	s, ok := c.Get(ctxUserID).(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// rateIdentity is the user part of a rate limit key.
func rateIdentity(c echo.Context) string {
	if id, ok := BuyerID(c); ok {
		return id
	}
	return "anon"
}
