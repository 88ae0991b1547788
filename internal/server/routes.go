package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avauthz/internal/auth/jwt"
	"github.com/vyrodovalexey/avauthz/internal/authorizer"
	"github.com/vyrodovalexey/avauthz/internal/authz"
	"github.com/vyrodovalexey/avauthz/internal/handler"
	"github.com/vyrodovalexey/avauthz/internal/observability"
)

// Forward-auth headers set by the proxy in front of /v1/check.
const (
	ForwardedMethodHeader = "X-Forwarded-Method"
	ForwardedURIHeader    = "X-Forwarded-Uri"
	// PrincipalHeader carries the authorized principal back to the proxy.
	PrincipalHeader = "X-Auth-Principal"
)

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/readyz", s.readyz)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.engine.Group("/v1")
	v1.POST("/authorize", s.authorize)
	v1.Any("/check", s.check)
}

// authorize answers an API gateway authorizer event with a policy document.
func (s *Server) authorize(c *gin.Context) {
	var req handler.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	doc, err := s.authorizer.Handle(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// check is the forward-auth endpoint: the proxy forwards the original
// request's headers and names its method and URI.
func (s *Server) check(c *gin.Context) {
	doc, err := s.authorizer.Handle(c.Request.Context(), forwardedRequest(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if doc.Effect() != authz.EffectAllow {
		c.JSON(http.StatusForbidden, gin.H{"message": "Forbidden"})
		return
	}
	c.Header(PrincipalHeader, doc.PrincipalID)
	c.Status(http.StatusOK)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	if err := s.authorizer.Ready(c.Request.Context()); err != nil {
		s.logger.WithContext(c.Request.Context()).Warn("readiness check failed", observability.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case jwt.IsAuthenticationError(err):
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
	case errors.Is(err, authorizer.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Service Unavailable"})
	default:
		s.logger.WithContext(c.Request.Context()).Error("authorization failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal Server Error"})
	}
}

func forwardedRequest(c *gin.Context) *handler.Request {
	method := c.GetHeader(ForwardedMethodHeader)
	if method == "" {
		method = c.Request.Method
	}
	path, query := c.Request.URL.Path, c.Request.URL.Query()
	if raw := c.GetHeader(ForwardedURIHeader); raw != "" {
		if u, err := url.ParseRequestURI(raw); err == nil {
			path, query = u.Path, u.Query()
		}
	}

	return &handler.Request{
		Method:       method,
		ResourcePath: path,
		Headers:      flatten(c.Request.Header),
		QueryParams:  flatten(query),
		SourceIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	}
}

// flatten keeps the first value of each key.
func flatten[M ~map[string][]string](m M) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
