package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func webfingerNotFound() gin.H {
	return gin.H{"detail": "Not Found"}
}

// handleWebfinger answers acct: and actor URI lookups of local accounts.
func (s *Server) handleWebfinger(c *gin.Context) {
	c.Header("Content-Type", jrdJSON)

	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "resource is required"})
		return
	}
	wf, err := s.fed.LocalWebfinger(c.Request.Context(), resource)
	if err != nil {
		s.internalError(c, "Webfinger lookup failed", err)
		return
	}
	if wf == nil {
		c.JSON(http.StatusNotFound, webfingerNotFound())
		return
	}
	c.JSON(http.StatusOK, wf)
}
