package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedSize = 20

func (s *Server) handleFeed(c *gin.Context) {
	acc := s.localAccount(c)
	if acc == nil {
		return
	}
	rss, err := s.renderFeed(c.Request.Context(), acc)
	if err != nil {
		s.internalError(c, "Failed to render feed", err)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

// renderFeed renders the latest public notes of acc as RSS.
func (s *Server) renderFeed(ctx context.Context, acc *domain.Account) (string, error) {
	notes, err := s.store.ReadNotesByUserId(ctx, acc.Id, feedSize)
	if err != nil {
		return "", err
	}

	author := &feeds.Author{Name: acc.DisplayName}
	if author.Name == "" {
		author.Name = acc.Username
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s notes - %s", util.Name, acc.Username),
		Link:        &feeds.Link{Href: acc.URL},
		Description: acc.Summary,
		Author:      author,
		Created:     acc.CreatedAt,
	}

	for i := range notes {
		note := &notes[i]
		if note.IsDeleted() || note.Visibility != domain.VisibilityPublic {
			continue
		}
		obj, err := s.fed.RenderNote(ctx, note)
		if err != nil {
			return "", err
		}
		content, _ := obj["content"].(string)
		title := note.ContentWarning
		if title == "" {
			title = note.CreatedAt.Format(time.RFC1123)
		}
		link := s.fed.NoteApId(note)
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          link,
			Title:       title,
			Link:        &feeds.Link{Href: link},
			Description: note.Message,
			Content:     content,
			Author:      author,
			Created:     note.CreatedAt,
		})
	}
	if len(feed.Items) > 0 {
		feed.Updated = feed.Items[0].Created
	}
	return feed.ToRss()
}
