package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local or remote actor. Local accounts have an empty Host.
type Account struct {
	Id             uuid.UUID
	Username       string
	Host           string
	URI            string
	URL            string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	FeaturedURI    string
	PublicKeyPem   string
	PrivateKeyPem  string
	KeyId          string
	DisplayName    string
	Summary        string
	AvatarURL      string
	CanonicalHost  string
	IsBot          bool
	IsLocked       bool
	IsSuspended    bool
	IsSilenced     bool
	IsDeleted      bool
	LastFetchedAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

func (acc *Account) IsLocal() bool {
	return acc.Host == ""
}

func (acc *Account) IsRemote() bool {
	return acc.Host != ""
}

// Acct renders user@host, or just the username for local accounts.
func (acc *Account) Acct() string {
	if acc.IsLocal() {
		return acc.Username
	}
	return acc.Username + "@" + acc.Host
}

// NeedsResync reports whether the cached remote profile is older than maxAge.
func (acc *Account) NeedsResync(now time.Time, maxAge time.Duration) bool {
	if acc.IsLocal() {
		return false
	}
	if acc.LastFetchedAt == nil {
		return true
	}
	return now.Sub(*acc.LastFetchedAt) > maxAge
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tHost: %s \n\tURI: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.Host, acc.URI, acc.CreatedAt)
}
