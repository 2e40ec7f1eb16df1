package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CSRFMiddleware enforces double-submit CSRF protection for cookie-authenticated requests.
// Safe methods get a csrf cookie when they arrive without one.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requiresCSRFCheck(c.Request.Method) {
			if _, err := c.Cookie(s.csrfCookieName); err != nil {
				if _, err := s.IssueCSRFCookie(c); err != nil {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "csrf token unavailable"})
					return
				}
			}
			c.Next()
			return
		}
		authHeader := c.GetHeader(s.headerName)
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			// explicit bearer authorization is exempt
			c.Next()
			return
		}
		headerToken := c.GetHeader(s.csrfHeaderName)
		cookieToken, err := c.Cookie(s.csrfCookieName)
		if err != nil || headerToken == "" || cookieToken == "" || headerToken != cookieToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// IssueCSRFCookie sets a fresh csrf cookie readable by the page script and returns its value.
func (s *Service) IssueCSRFCookie(c *gin.Context) (string, error) {
	token, err := s.NewCSRFToken()
	if err != nil {
		return "", err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.csrfCookieName, token, int(s.tokenTTL.Seconds()), "/", "", false, false)
	return token, nil
}

// SetAuthCookie stores the session token in an http-only cookie.
func (s *Service) SetAuthCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, token, int(s.tokenTTL.Seconds()), "/", "", false, true)
}

// ClearAuthCookie expires the session token cookie.
func (s *Service) ClearAuthCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cookieName, "", -1, "/", "", false, true)
}

func requiresCSRFCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
