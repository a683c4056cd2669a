package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow represents a follow relationship. Accepted is false while the request is pending.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string // ActivityPub Follow activity id
	CreatedAt       time.Time
	Accepted        bool
}

// Reaction is a like or emoji reaction on a note
type Reaction struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	Reaction  string
	URI       string
	CreatedAt time.Time
}

type PollVote struct {
	Id        uuid.UUID
	NoteId    uuid.UUID
	AccountId uuid.UUID
	Choice    int
	CreatedAt time.Time
}

// Emoji is a custom emoji, keyed by (Host, Name)
type Emoji struct {
	Id        uuid.UUID
	Name      string
	Host      string
	URI       string
	URL       string
	UpdatedAt *time.Time
}

// Activity represents an ActivityPub activity (for logging/deduplication)
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	AccountId    uuid.UUID // signing account
	InboxURI     string
	ActivityJSON string
	LowSeverity  bool
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}

type JobPriority string

const (
	PriorityNormal JobPriority = "normal"
	PriorityLazy   JobPriority = "lazy"
)

// InboxJob is an accepted inbound activity waiting to be processed.
type InboxJob struct {
	Id           uuid.UUID
	ActivityJSON string
	KeyId        string
	Algorithm    string
	Signature    string
	// SignedHeaders maps each signed header name to the value received, so
	// the signature can be verified again after the request is gone.
	SignedHeaders map[string]string
	Method        string
	Path          string
	Host          string
	IP            string
	Priority      JobPriority
	Attempts      int
	CreatedAt     time.Time
}
