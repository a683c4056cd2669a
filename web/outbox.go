package web

import (
	"net/http"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (s *Server) handleOutbox(c *gin.Context) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}
	outbox, err := s.fed.RenderOutbox(c.Request.Context(), acc)
	if err != nil {
		s.internalError(c, "Failed to render outbox", err)
		return
	}
	renderActivity(c, outbox)
}

// handleNote serves a local note as an ActivityPub object. Only public and
// home notes are served; anything else looks like it does not exist.
func (s *Server) handleNote(c *gin.Context) {
	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid note ID"})
		return
	}

	ctx := c.Request.Context()
	note, err := s.store.ReadNoteById(ctx, noteId)
	if err != nil {
		s.internalError(c, "Failed to read note", err)
		return
	}
	if note == nil || !note.IsLocal() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	if note.IsDeleted() {
		c.JSON(http.StatusGone, gin.H{"error": "Note deleted"})
		return
	}
	if note.Visibility != domain.VisibilityPublic && note.Visibility != domain.VisibilityHome {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}

	obj, err := s.fed.RenderNote(ctx, note)
	if err != nil {
		s.internalError(c, "Failed to render note", err)
		return
	}
	renderActivity(c, s.fed.RenderActivity(obj))
}
