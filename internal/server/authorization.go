package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/rebill/internal/authorization"
	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
)

const (
	headerAuthorization = "Authorization"
	contextPrincipalKey = "principal"
)

// APIKeyRequired resolves the bearer key to an operator principal.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerAuthorization))
		scheme, token, found := strings.Cut(raw, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.authzSvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextPrincipalKey, principal)
		ctx := obscontext.WithActor(c.Request.Context(), "api_key", principal.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), principal.Subject, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func principalFromContext(c *gin.Context) (authorization.Principal, bool) {
	value, ok := c.Get(contextPrincipalKey)
	if !ok {
		return authorization.Principal{}, false
	}
	principal, ok := value.(authorization.Principal)
	return principal, ok && principal.Subject != ""
}
