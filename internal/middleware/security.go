package middleware

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are stripped from inbound requests.
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

// upgradeHeaders carry the WebSocket handshake and survive on upgrade requests.
var upgradeHeaders = map[string]bool{
	"Connection": true,
	"Upgrade":    true,
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. WebSocket handshakes keep
// their Connection and Upgrade headers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			upgrade := websocket.IsWebSocketUpgrade(req)
			for _, h := range hopByHopHeaders {
				if upgrade && upgradeHeaders[h] {
					continue
				}
				req.Header.Del(h)
			}

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
