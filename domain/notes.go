package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityHome      Visibility = "home"
	VisibilityFollowers Visibility = "followers"
	VisibilitySpecified Visibility = "specified"
)

// MaxAttachments caps how many remote attachments a note keeps.
const MaxAttachments = 16

type Attachment struct {
	URL       string
	MediaType string
	Name      string
	Sensitive bool
}

type PollChoice struct {
	Text  string
	Votes int
}

type Poll struct {
	Choices   []PollChoice
	Multiple  bool
	ExpiresAt *time.Time
}

// Expired reports whether voting has closed at now.
func (p *Poll) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// ChoiceIndex returns the index of the choice with the given text, or -1.
func (p *Poll) ChoiceIndex(text string) int {
	for i, c := range p.Choices {
		if c.Text == text {
			return i
		}
	}
	return -1
}

type Note struct {
	Id               uuid.UUID
	UserId           uuid.UUID
	UserHost         string
	URI              string // empty for local notes
	URL              string
	Message          string
	ContentWarning   string
	Name             string
	Visibility       Visibility
	VisibleUserIds   []uuid.UUID
	MentionedUserIds []uuid.UUID
	Hashtags         []string
	Emojis           []string
	Attachments      []Attachment
	ReferenceIds     []uuid.UUID
	ReplyId          *uuid.UUID
	RenoteId         *uuid.UUID
	Sensitive        bool
	Poll             *Poll
	CreatedAt        time.Time
	UpdatedAt        *time.Time
	DeletedAt        *time.Time
}

func (note *Note) IsLocal() bool {
	return note.UserHost == ""
}

func (note *Note) IsDeleted() bool {
	return note.DeletedAt != nil
}

// IsPureRenote is a renote without own text, poll or attachments.
func (note *Note) IsPureRenote() bool {
	return note.RenoteId != nil && note.Message == "" && note.Poll == nil && len(note.Attachments) == 0
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUserId: %s \n\tURI: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.UserId, note.URI, note.Message, note.CreatedAt)
}
