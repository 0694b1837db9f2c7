package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

var bodyTooLarge = []byte(`{"error":"Request Entity Too Large"}`)

// BodyLimit wraps echo's BodyLimit so that a 413, whether raised from the
// Content-Length header or while the body is read downstream, is answered
// like every other synthesized error: JSON with the CORS policy attached.
func BodyLimit(limit string, p CORSPolicy) echo.MiddlewareFunc {
	limiter := echomw.BodyLimit(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := limiter(next)
		return func(c echo.Context) error {
			err := h(c)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge || c.Response().Committed {
				return err
			}
			p.Apply(c.Response().Header())
			return c.Blob(http.StatusRequestEntityTooLarge, echo.MIMEApplicationJSON, bodyTooLarge)
		}
	}
}
