package activitypub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var misskeyMarkdownType = regexp.MustCompile(`^text/x\.misskeymarkdown(;.*)?$`)

// FetchNote looks a note up in the store without touching the network.
// Local notes are found by their /notes/<id> URL.
func (f *Federator) FetchNote(ctx context.Context, uri string) (*domain.Note, error) {
	if f.IsSelfOrigin(uri) {
		path := f.localPath(uri)
		if !strings.HasPrefix(path, "/notes/") {
			return nil, nil
		}
		id, err := uuid.Parse(strings.TrimPrefix(path, "/notes/"))
		if err != nil {
			return nil, nil
		}
		return f.store.ReadNoteById(ctx, id)
	}
	return f.store.ReadNoteByURI(ctx, uri)
}

// ResolveNote returns the stored note for uri, fetching and creating it when
// it is not known yet. Concurrent calls for the same uri create one note.
// The object is always fetched by uri, never taken from an activity.
func (f *Federator) ResolveNote(ctx context.Context, uri string, r *Resolver) (*domain.Note, error) {
	if uri == "" {
		return nil, &ValidationError{Reason: "empty note uri"}
	}
	if host := util.HostOf(uri); f.policy.IsBlocked(host) {
		return nil, &PolicyRejection{Host: host, Reason: "blocked"}
	}
	if r == nil {
		r = f.NewResolver()
	}

	unhold, err := r.hold(uri)
	if err != nil {
		return nil, err
	}
	defer unhold()

	release, err := f.locks.Acquire(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer release()

	exists, err := f.FetchNote(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to look up note %s: %w", uri, err)
	}
	if exists != nil {
		return exists, nil
	}
	if f.IsSelfOrigin(uri) {
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot resolve local note %s", uri)}
	}
	return f.CreateNote(ctx, URIRef(uri), r)
}

// CreateNote resolves a post and stores it with its author, audience,
// reply, quote and references. (nil, nil) means the note was skipped:
// suspended author, empty specified audience or a reply that was a vote.
func (f *Federator) CreateNote(ctx context.Context, ref Ref, r *Resolver) (*domain.Note, error) {
	if r == nil {
		r = f.NewResolver()
	}
	log := f.log.Named("note")

	obj, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	note, ok := obj.(*Note)
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("%s is a %s, not a post", ref.Id, obj.ObjectType())}
	}
	if err := f.checkNoteOrigin(ref, note); err != nil {
		return nil, err
	}

	log.Info("Creating note", zap.String("uri", note.Id))

	author, err := f.ResolvePerson(ctx, note.AttributedTo.Id, r)
	if err != nil {
		return nil, err
	}
	if author.IsSuspended || author.IsDeleted {
		log.Info("Skipping note of unavailable author", zap.String("uri", note.Id), zap.String("author", author.Acct()))
		return nil, nil
	}

	aud, err := f.parseAudience(ctx, author, note.To, note.Cc, r)
	if err != nil {
		return nil, err
	}
	if aud.visibility == domain.VisibilitySpecified && len(aud.visibleUsers) == 0 {
		log.Info("Skipping note with empty audience", zap.String("uri", note.Id))
		return nil, nil
	}

	mentions := f.extractMentions(ctx, note.Tag, r)
	hashtags := extractHashtags(note.Tag)
	attachments := collectAttachments(note)

	var reply *domain.Note
	if !note.InReplyTo.IsZero() {
		reply, err = f.ResolveNote(ctx, note.InReplyTo.Id, r)
		switch {
		case err != nil && isPermanentFailure(err):
			log.Warn("Ignoring unavailable inReplyTo", zap.String("uri", note.Id), zap.String("inReplyTo", note.InReplyTo.Id), zap.Error(err))
			reply = nil
		case err != nil:
			return nil, err
		case reply == nil:
			return nil, &ResolutionFailure{URI: note.InReplyTo.Id, Reason: "inReplyTo not found"}
		}
	}

	quote, err := f.resolveQuote(ctx, note, r)
	if err != nil {
		return nil, err
	}

	references := f.fetchReferences(ctx, note, r)

	var cw string
	if note.Summary != nil {
		cw = *note.Summary
	}
	text := f.noteText(note)

	if reply != nil && reply.Poll != nil && note.Name != "" {
		f.voteByReply(ctx, author, reply, note.Name)
		return nil, nil
	}

	emojis, err := f.extractEmojis(ctx, note.Tag, author.Host)
	if err != nil {
		log.Info("Failed to extract emojis", zap.String("uri", note.Id), zap.Error(err))
	}

	f.refreshStaleAuthor(ctx, author)

	now := f.now()
	created := now
	if p := parseTime(note.Published); p != nil && !p.After(now) {
		created = *p
	}

	n := &domain.Note{
		Id:               uuid.New(),
		UserId:           author.Id,
		UserHost:         author.Host,
		URI:              note.Id,
		URL:              note.URL.Id,
		Message:          text,
		ContentWarning:   cw,
		Name:             note.Name,
		Visibility:       aud.visibility,
		VisibleUserIds:   accountIds(aud.visibleUsers),
		MentionedUserIds: accountIds(mentions),
		Hashtags:         hashtags,
		Emojis:           emojis,
		Attachments:      attachments,
		ReferenceIds:     references,
		Sensitive:        note.Sensitive,
		Poll:             extractPoll(note),
		CreatedAt:        created,
	}
	if reply != nil {
		n.ReplyId = &reply.Id
	}
	if quote != nil {
		n.RenoteId = &quote.Id
	}

	if err := f.store.CreateNote(ctx, n); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return f.store.ReadNoteByURI(ctx, note.Id)
		}
		return nil, fmt.Errorf("failed to store note %s: %w", note.Id, err)
	}
	f.publisher.Publish("noteCreated", map[string]string{"id": n.Id.String(), "uri": n.URI})
	return n, nil
}

// checkNoteOrigin binds a post to where it came from: the uri it was
// fetched by, its own id and its author must be on the same host.
func (f *Federator) checkNoteOrigin(ref Ref, note *Note) error {
	if note.Id == "" {
		return &ValidationError{Reason: "post has no id"}
	}
	idHost := util.HostOf(note.Id)
	if ref.Id != "" && util.HostOf(ref.Id) != idHost {
		return &ValidationError{Reason: fmt.Sprintf("post id %s is not on the host of %s", note.Id, ref.Id)}
	}
	if note.AttributedTo.Id == "" {
		return &ValidationError{Reason: "post has no attributedTo"}
	}
	if util.HostOf(note.AttributedTo.Id) != idHost {
		return &ValidationError{Reason: fmt.Sprintf("attributedTo %s is not on the host of %s", note.AttributedTo.Id, note.Id)}
	}
	if f.IsSelfOrigin(note.Id) {
		return &ValidationError{Reason: fmt.Sprintf("post %s claims to be local", note.Id)}
	}
	return nil
}

// resolveQuote tries every quote field. Permanent failures mean no quote,
// anything else fails the note so it can be retried.
func (f *Federator) resolveQuote(ctx context.Context, note *Note, r *Resolver) (*domain.Note, error) {
	var uris []string
	seen := make(map[string]struct{})
	for _, u := range []string{note.MisskeyQuote, note.QuoteURL, note.QuoteURI} {
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		uris = append(uris, u)
	}
	if len(uris) == 0 {
		return nil, nil
	}

	temporary := false
	for _, u := range uris {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
			continue
		}
		quote, err := f.ResolveNote(ctx, u, r)
		if err == nil && quote != nil {
			return quote, nil
		}
		var vErr *ValidationError
		var pErr *PolicyRejection
		if err != nil && !isPermanentFailure(err) && !errors.As(err, &vErr) && !errors.As(err, &pErr) {
			temporary = true
		}
	}
	if temporary {
		return nil, &ResolutionFailure{URI: note.Id, Reason: "quote resolve failed"}
	}
	return nil, nil
}

// fetchReferences resolves the references collection of a post. Any
// failure, including an oversized collection, leaves the note without
// references.
func (f *Federator) fetchReferences(ctx context.Context, note *Note, r *Resolver) []uuid.UUID {
	if note.References.IsZero() {
		return nil
	}
	var refs []uuid.UUID
	err := r.WalkCollection(ctx, note.References, func(ctx context.Context, item Ref) bool {
		if item.Id == "" {
			return false
		}
		n, err := f.ResolveNote(ctx, item.Id, r)
		if err != nil || n == nil {
			return false
		}
		refs = append(refs, n.Id)
		return true
	})
	if err != nil {
		f.log.Named("note").Info("Dropping references", zap.String("uri", note.Id), zap.Error(err))
		return nil
	}
	return refs
}

// noteText picks the body of a post: _misskey_content, then a Misskey
// markdown source, then the HTML content converted to text.
func (f *Federator) noteText(note *Note) string {
	switch {
	case note.MisskeyContent != nil:
		return strings.TrimSpace(*note.MisskeyContent)
	case note.Source != nil && misskeyMarkdownType.MatchString(note.Source.MediaType):
		return strings.TrimSpace(note.Source.Content)
	default:
		return f.markup.HTMLToText(note.Content)
	}
}

// refreshStaleAuthor refetches the author in the background when its
// profile is older than six hours.
func (f *Federator) refreshStaleAuthor(ctx context.Context, author *domain.Account) {
	if author.IsLocal() || !author.NeedsResync(f.now(), authorStaleness) {
		return
	}
	f.refreshes.Add(1)
	go func() {
		defer f.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*requestTimeout)
		defer cancel()
		if err := f.UpdatePerson(ctx, author.URI, nil); err != nil {
			f.log.Named("person").Warn("Background refresh failed", zap.String("uri", author.URI), zap.Error(err))
		}
	}()
}

// UpdateNote applies an Update of a post by its author.
func (f *Federator) UpdateNote(ctx context.Context, actor *domain.Account, object Ref, r *Resolver) (Result, error) {
	if object.Id == "" {
		return skipResult("object has no id"), nil
	}
	obj, err := r.Resolve(ctx, object)
	if err != nil {
		return Result{}, err
	}
	note, ok := obj.(*Note)
	if !ok {
		return skipResult("object is a %s, not a post", obj.ObjectType()), nil
	}
	if note.AttributedTo.Id != actor.URI {
		return Result{}, &ValidationError{Reason: "attributedTo of the update is not the actor"}
	}
	if util.HostOf(note.Id) != util.HostOf(actor.URI) {
		return Result{}, &ValidationError{Reason: "updated post is not on the actor's host"}
	}

	release, err := f.locks.Acquire(ctx, note.Id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	origin, err := f.FetchNote(ctx, note.Id)
	if err != nil {
		return Result{}, err
	}
	if origin == nil || origin.IsDeleted() {
		return skipResult("old note is not found"), nil
	}
	if origin.UserId != actor.Id {
		return skipResult("actor is not the author of the note"), nil
	}

	now := f.now()
	origin.Message = f.noteText(note)
	origin.ContentWarning = ""
	if note.Summary != nil {
		origin.ContentWarning = *note.Summary
	}
	origin.UpdatedAt = &now
	if err := f.store.UpdateNoteContent(ctx, origin); err != nil {
		return Result{}, fmt.Errorf("failed to update note %s: %w", note.Id, err)
	}
	if err := f.updateQuestion(ctx, origin, note); err != nil {
		return Result{}, fmt.Errorf("failed to update poll of %s: %w", note.Id, err)
	}

	f.publisher.Publish("noteUpdated", map[string]any{
		"id":        origin.Id.String(),
		"text":      origin.Message,
		"cw":        origin.ContentWarning,
		"updatedAt": now.Format(time.RFC3339),
	})
	return okResult(), nil
}

// DeleteNote tombstones a remote note on behalf of its author.
func (f *Federator) DeleteNote(ctx context.Context, actor *domain.Account, uri string) (Result, error) {
	release, err := f.locks.Acquire(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	defer release()

	note, err := f.FetchNote(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	if note == nil || note.IsDeleted() {
		return skipResult("note not found"), nil
	}
	if note.UserId != actor.Id {
		return skipResult("actor is not the author of the note"), nil
	}
	return f.tombstone(ctx, note)
}

// UndoAnnounce removes the actor's renote of the announced object. The
// target is looked up by uri first, local or remote alike.
func (f *Federator) UndoAnnounce(ctx context.Context, actor *domain.Account, announce *Activity) (Result, error) {
	targetURI := announce.Object.Id
	target, err := f.FetchNote(ctx, targetURI)
	if err != nil {
		return Result{}, err
	}
	if target == nil {
		return skipResult("target note is not found"), nil
	}
	renote, err := f.store.ReadRenote(ctx, actor.Id, target.Id)
	if err != nil {
		return Result{}, err
	}
	if renote == nil {
		return skipResult("target renote is not found"), nil
	}
	return f.tombstone(ctx, renote)
}

func (f *Federator) tombstone(ctx context.Context, note *domain.Note) (Result, error) {
	deleted, err := f.store.DeleteNote(ctx, note.Id, f.now())
	if err != nil {
		return Result{}, fmt.Errorf("failed to delete note %s: %w", note.Id, err)
	}
	if !deleted {
		return skipResult("note already deleted"), nil
	}
	f.publisher.Publish("noteDeleted", map[string]string{"id": note.Id.String()})
	return okResult(), nil
}

// Announce stores a renote of the announced post.
func (f *Federator) Announce(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	uri := activity.Id
	if uri == "" {
		return skipResult("announce has no id"), nil
	}
	if util.HostOf(uri) != util.HostOf(actor.URI) {
		return Result{}, &ValidationError{Reason: "announce id is not on the actor's host"}
	}
	targetURI := activity.Object.Id
	if host := util.HostOf(targetURI); f.policy.IsBlocked(host) {
		return skipResult("blocked target host %s", host), nil
	}

	release, err := f.locks.Acquire(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	defer release()

	exists, err := f.FetchNote(ctx, uri)
	if err != nil {
		return Result{}, err
	}
	if exists != nil {
		return skipResult("note exists"), nil
	}

	target, err := f.ResolveNote(ctx, targetURI, r)
	if err != nil {
		if isPermanentFailure(err) {
			return skipResult("target note is not available: %v", err), nil
		}
		return Result{}, err
	}
	if target == nil {
		return skipResult("target note is not available"), nil
	}

	aud, err := f.parseAudience(ctx, actor, activity.To, activity.Cc, r)
	if err != nil {
		return Result{}, err
	}
	if aud.visibility == domain.VisibilitySpecified && len(aud.visibleUsers) == 0 {
		return skipResult("empty audience"), nil
	}

	now := f.now()
	created := now
	if p := parseTime(activity.Published); p != nil && !p.After(now) {
		created = *p
	}
	renote := &domain.Note{
		Id:             uuid.New(),
		UserId:         actor.Id,
		UserHost:       actor.Host,
		URI:            uri,
		Visibility:     aud.visibility,
		VisibleUserIds: accountIds(aud.visibleUsers),
		RenoteId:       &target.Id,
		CreatedAt:      created,
	}
	if err := f.store.CreateNote(ctx, renote); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return skipResult("note exists"), nil
		}
		return Result{}, fmt.Errorf("failed to store renote %s: %w", uri, err)
	}
	f.publisher.Publish("noteCreated", map[string]string{"id": renote.Id.String(), "uri": uri})
	return okResult(), nil
}

func accountIds(accounts []*domain.Account) []uuid.UUID {
	var ids []uuid.UUID
	for _, acc := range accounts {
		ids = append(ids, acc.Id)
	}
	return ids
}
