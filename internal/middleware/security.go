package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// securityHeaders are set on every response. Cross-Origin-Resource-Policy is
// cross-origin because the images are meant to be embedded by other sites.
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "SAMEORIGIN"},
	{"X-DNS-Prefetch-Control", "off"},
	{"X-Download-Options", "noopen"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
	{"Referrer-Policy", "no-referrer"},
	{"Strict-Transport-Security", "max-age=15552000; includeSubDomains"},
	{"Cross-Origin-Resource-Policy", "cross-origin"},
	{"X-XSS-Protection", "0"},
}

// SecurityHeaders returns an Echo middleware that adds security headers
// to responses and strips hop-by-hop headers from requests.
// Headers are set before the handler runs since handlers commit the
// response when they write the body.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			header := c.Response().Header()
			for _, kv := range securityHeaders {
				header.Set(kv[0], kv[1])
			}

			return next(c)
		}
	}
}
