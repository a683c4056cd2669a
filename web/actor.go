package web

import (
	"github.com/deemkeen/fedcore/activitypub"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleActor(c *gin.Context) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}
	renderActivity(c, s.fed.RenderPerson(acc))
}

func (s *Server) handleFollowers(c *gin.Context) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}
	n, err := s.store.CountFollowers(c.Request.Context(), acc.Id)
	if err != nil {
		s.internalError(c, "Failed to count followers", err)
		return
	}
	renderActivity(c, countCollection(s.fed.ApId(acc)+"/followers", n))
}

func (s *Server) handleFollowing(c *gin.Context) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}
	n, err := s.store.CountFollowing(c.Request.Context(), acc.Id)
	if err != nil {
		s.internalError(c, "Failed to count following", err)
		return
	}
	renderActivity(c, countCollection(s.fed.ApId(acc)+"/following", n))
}

// countCollection only reveals the size of a relationship collection.
func countCollection(id string, total int) gin.H {
	return gin.H{
		"@context":   activitypub.ContextActivityStreams,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": total,
	}
}
