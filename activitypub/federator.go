// Package activitypub is the federation core: object resolution, identity
// discovery, the note pipeline, inbox intake and outbound delivery.
package activitypub

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the federation core needs. Read methods return
// (nil, nil) when nothing matches.
type Store interface {
	CreateAccount(ctx context.Context, acc *domain.Account) error
	UpdateAccount(ctx context.Context, acc *domain.Account) error
	TouchAccountFetchedAt(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateAccountCanonicalHost(ctx context.Context, id uuid.UUID, host string) error
	ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
	ReadAccountByKeyId(ctx context.Context, keyId string) (*domain.Account, error)
	ReadAccountByUsername(ctx context.Context, username, host string) (*domain.Account, error)
	ReadAccountByCanonicalHost(ctx context.Context, username, canonicalHost string) (*domain.Account, error)
	ReadLocalAccounts(ctx context.Context) ([]domain.Account, error)

	CreateNote(ctx context.Context, note *domain.Note) error
	UpdateNoteContent(ctx context.Context, note *domain.Note) error
	UpdateNotePoll(ctx context.Context, noteId uuid.UUID, poll *domain.Poll) error
	DeleteNote(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	ReadNoteByURI(ctx context.Context, uri string) (*domain.Note, error)
	ReadRenote(ctx context.Context, userId, targetId uuid.UUID) (*domain.Note, error)
	ReadNotesByUserId(ctx context.Context, userId uuid.UUID, limit int) ([]domain.Note, error)

	CreateFollow(ctx context.Context, follow *domain.Follow) error
	ReadFollow(ctx context.Context, followerId, followeeId uuid.UUID) (*domain.Follow, error)
	ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	AcceptFollow(ctx context.Context, id uuid.UUID) error
	DeleteFollow(ctx context.Context, id uuid.UUID) error
	ReadFollowers(ctx context.Context, accountId uuid.UUID) ([]domain.Account, error)

	CreateReaction(ctx context.Context, r *domain.Reaction) error
	ReadReaction(ctx context.Context, accountId, noteId uuid.UUID) (*domain.Reaction, error)
	ReadReactionByURI(ctx context.Context, uri string) (*domain.Reaction, error)
	DeleteReaction(ctx context.Context, id uuid.UUID) error

	CreatePollVote(ctx context.Context, v *domain.PollVote) error
	ReadPollVotes(ctx context.Context, noteId, accountId uuid.UUID) ([]domain.PollVote, error)

	ReadEmoji(ctx context.Context, host, name string) (*domain.Emoji, error)
	CreateEmoji(ctx context.Context, e *domain.Emoji) error
	UpdateEmoji(ctx context.Context, e *domain.Emoji) error

	CreateActivity(ctx context.Context, a *domain.Activity) error
	MarkActivityProcessed(ctx context.Context, id uuid.UUID) error
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)

	EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(ctx context.Context, id uuid.UUID) error

	EnqueueInboxJob(ctx context.Context, job *domain.InboxJob) error
	ClaimInboxJobs(ctx context.Context, limit int) ([]domain.InboxJob, error)
	ReleaseInboxJob(ctx context.Context, id uuid.UUID) error
	DeleteInboxJob(ctx context.Context, id uuid.UUID) error
}

// HostPolicy answers moderation questions about remote hosts. Hosts are
// passed in normalized form.
type HostPolicy interface {
	IsBlocked(host string) bool
	IsSilenced(host string) bool
	IsClosed(host string) bool
}

type Transcoder interface {
	HTMLToText(content string) string
	TextToHTML(text string) (string, error)
}

// Publisher receives change notifications for local subscribers.
type Publisher interface {
	Publish(eventType string, body any)
}

const (
	// outbound request timeout, for fetches and deliveries alike
	requestTimeout = 10 * time.Second

	userResyncAge   = 24 * time.Hour
	authorStaleness = 6 * time.Hour
)

// Federator carries everything the federation core shares between
// operations. Per-operation state lives in a Resolver.
type Federator struct {
	conf      *util.AppConfig
	domain    string
	store     Store
	policy    HostPolicy
	markup    Transcoder
	publisher Publisher
	client    *http.Client
	locks     *LockMap
	log       *zap.Logger
	userAgent string
	now       func() time.Time
	handlers  map[string]handlerFunc

	instanceActor atomic.Pointer[domain.Account]
	refreshes     sync.WaitGroup
}

type Option func(*Federator)

// WithHTTPClient replaces the client used for every outbound request.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Federator) { f.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(f *Federator) { f.now = now }
}

func NewFederator(conf *util.AppConfig, store Store, policy HostPolicy, markup Transcoder, publisher Publisher, log *zap.Logger, opts ...Option) *Federator {
	f := &Federator{
		conf:      conf,
		domain:    util.NormalizeHost(conf.Conf.SslDomain),
		store:     store,
		policy:    policy,
		markup:    markup,
		publisher: publisher,
		client:    &http.Client{Timeout: requestTimeout},
		locks:     NewLockMap(),
		log:       log,
		userAgent: conf.Conf.UserAgent,
		now:       time.Now,
	}
	if f.userAgent == "" {
		f.userAgent = util.DefaultUserAgent(conf.Conf.SslDomain)
	}
	for _, opt := range opts {
		opt(f)
	}
	f.handlers = f.handlerTable()
	return f
}

// Domain is the normalized public host of this server.
func (f *Federator) Domain() string {
	return f.domain
}

// Wait blocks until background profile refreshes have finished.
func (f *Federator) Wait() {
	f.refreshes.Wait()
}

func (f *Federator) baseURL() string {
	return "https://" + util.ASCIIHost(f.domain)
}

// IsSelfOrigin reports whether uri points at this server.
func (f *Federator) IsSelfOrigin(uri string) bool {
	return util.HostOf(uri) == f.domain
}

// ActorURI is the id of a local account.
func (f *Federator) ActorURI(username string) string {
	return f.baseURL() + "/users/" + username
}

func (f *Federator) NoteURI(id uuid.UUID) string {
	return f.baseURL() + "/notes/" + id.String()
}

func (f *Federator) SharedInboxURI() string {
	return f.baseURL() + "/inbox"
}

// ApId is the id a stored account is known by on the network.
func (f *Federator) ApId(acc *domain.Account) string {
	if acc.IsLocal() {
		return f.ActorURI(acc.Username)
	}
	return acc.URI
}

// NoteApId is the id a stored note is known by on the network.
func (f *Federator) NoteApId(note *domain.Note) string {
	if note.URI != "" {
		return note.URI
	}
	return f.NoteURI(note.Id)
}

// localPath returns the path of a URI on this server, or "" for foreign URIs.
func (f *Federator) localPath(uri string) string {
	if !f.IsSelfOrigin(uri) {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Path
}

// PrepareLocalAccount fills the network-facing fields of a new local account
// and generates its key pair when missing.
func (f *Federator) PrepareLocalAccount(acc *domain.Account) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	acc.Host = ""
	acc.URI = f.ActorURI(acc.Username)
	acc.URL = f.baseURL() + "/@" + acc.Username
	acc.InboxURI = acc.URI + "/inbox"
	acc.SharedInboxURI = f.SharedInboxURI()
	acc.OutboxURI = acc.URI + "/outbox"
	acc.FollowersURI = acc.URI + "/followers"
	acc.KeyId = acc.URI + "#main-key"
	if acc.PrivateKeyPem == "" {
		keys, err := util.GeneratePemKeypair(2048)
		if err != nil {
			return err
		}
		acc.PrivateKeyPem = keys.Private
		acc.PublicKeyPem = keys.Public
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = f.now()
	}
	return nil
}
