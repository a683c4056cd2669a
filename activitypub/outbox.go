package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoFollowRequest is returned when there is no pending request to accept.
var ErrNoFollowRequest = errors.New("no follow request")

// ErrNotReacted is returned when removing a reaction that does not exist.
var ErrNotReacted = errors.New("not reacted")

const misskeyMarkdown = "text/x.misskeymarkdown"

// outboxPageSize is how many recent notes the outbox collection embeds.
const outboxPageSize = 20

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// RenderActivity adds the JSON-LD context and, for objects without one,
// a fresh id on this server.
func (f *Federator) RenderActivity(x map[string]any) map[string]any {
	if x == nil {
		return nil
	}
	out := map[string]any{"@context": []any{ContextActivityStreams, ContextSecurity}}
	for k, v := range x {
		out[k] = v
	}
	if id, _ := out["id"].(string); id == "" {
		out["id"] = f.baseURL() + "/" + uuid.New().String()
	}
	return out
}

// RenderPerson renders a local account as an actor.
func (f *Federator) RenderPerson(acc *domain.Account) map[string]any {
	id := f.ApId(acc)
	typ := "Person"
	if acc.IsBot {
		typ = "Service"
	}
	person := map[string]any{
		"@context":                  []any{ContextActivityStreams, ContextSecurity},
		"id":                        id,
		"type":                      typ,
		"preferredUsername":         acc.Username,
		"name":                      acc.DisplayName,
		"summary":                   acc.Summary,
		"inbox":                     id + "/inbox",
		"outbox":                    id + "/outbox",
		"followers":                 id + "/followers",
		"following":                 id + "/following",
		"url":                       f.baseURL() + "/@" + acc.Username,
		"manuallyApprovesFollowers": acc.IsLocked,
		"endpoints":                 map[string]any{"sharedInbox": f.SharedInboxURI()},
		"publicKey": map[string]any{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": acc.PublicKeyPem,
		},
	}
	if acc.AvatarURL != "" {
		person["icon"] = map[string]any{"type": "Image", "url": acc.AvatarURL}
	}
	return person
}

// RenderNote renders a stored note. Notes with a poll become a Question.
func (f *Federator) RenderNote(ctx context.Context, note *domain.Note) (map[string]any, error) {
	author, err := f.store.ReadAccountById(ctx, note.UserId)
	if err != nil {
		return nil, err
	}
	if author == nil {
		return nil, fmt.Errorf("author %s of note %s not found", note.UserId, note.Id)
	}

	attributedTo := f.ApId(author)
	followers := author.FollowersURI
	if followers == "" {
		followers = attributedTo + "/followers"
	}

	var to, cc []string
	switch note.Visibility {
	case domain.VisibilityPublic:
		to, cc = []string{PublicCollection}, []string{followers}
	case domain.VisibilityHome:
		to, cc = []string{followers}, []string{PublicCollection}
	case domain.VisibilityFollowers:
		to = []string{followers}
	case domain.VisibilitySpecified:
		for _, id := range note.VisibleUserIds {
			acc, err := f.store.ReadAccountById(ctx, id)
			if err != nil {
				return nil, err
			}
			if acc != nil {
				to = append(to, f.ApId(acc))
			}
		}
	}

	tags := []any{}
	for _, id := range note.MentionedUserIds {
		acc, err := f.store.ReadAccountById(ctx, id)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			continue
		}
		href := f.ApId(acc)
		name := "@" + acc.Username + "@" + f.domain
		if acc.IsRemote() {
			name = "@" + acc.Acct()
		}
		tags = append(tags, map[string]any{"type": "Mention", "href": href, "name": name})
		if !IRIs(to).Contains(href) && !IRIs(cc).Contains(href) {
			cc = append(cc, href)
		}
	}
	for _, tag := range note.Hashtags {
		tags = append(tags, map[string]any{
			"type": "Hashtag",
			"name": "#" + tag,
			"href": f.baseURL() + "/tags/" + tag,
		})
	}

	attachments := []any{}
	for _, a := range note.Attachments {
		attachments = append(attachments, map[string]any{
			"type":      "Document",
			"mediaType": a.MediaType,
			"url":       a.URL,
			"name":      a.Name,
			"sensitive": a.Sensitive,
		})
	}

	content, err := f.markup.TextToHTML(note.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to render note %s: %w", note.Id, err)
	}

	id := f.NoteApId(note)
	obj := map[string]any{
		"id":               id,
		"type":             "Note",
		"attributedTo":     attributedTo,
		"content":          content,
		"_misskey_content": note.Message,
		"source":           map[string]any{"content": note.Message, "mediaType": misskeyMarkdown},
		"published":        rfc3339(note.CreatedAt),
		"to":               to,
		"cc":               cc,
		"sensitive":        note.Sensitive,
		"tag":              tags,
		"attachment":       attachments,
		"url":              id,
	}
	if note.ContentWarning != "" {
		obj["summary"] = note.ContentWarning
	}
	if note.Name != "" {
		obj["name"] = note.Name
	}
	if note.UpdatedAt != nil {
		obj["updated"] = rfc3339(*note.UpdatedAt)
	}

	if note.ReplyId != nil {
		reply, err := f.store.ReadNoteById(ctx, *note.ReplyId)
		if err != nil {
			return nil, err
		}
		if reply != nil {
			obj["inReplyTo"] = f.NoteApId(reply)
		}
	}
	if note.RenoteId != nil {
		quote, err := f.store.ReadNoteById(ctx, *note.RenoteId)
		if err != nil {
			return nil, err
		}
		if quote != nil {
			obj["_misskey_quote"] = f.NoteApId(quote)
			obj["quoteUri"] = f.NoteApId(quote)
		}
	}

	if p := note.Poll; p != nil {
		obj["type"] = "Question"
		options := make([]any, 0, len(p.Choices))
		for _, c := range p.Choices {
			options = append(options, map[string]any{
				"type":    "Note",
				"name":    c.Text,
				"replies": map[string]any{"type": "Collection", "totalItems": c.Votes},
			})
		}
		if p.Multiple {
			obj["anyOf"] = options
		} else {
			obj["oneOf"] = options
		}
		if p.ExpiresAt != nil {
			obj["endTime"] = rfc3339(*p.ExpiresAt)
		}
	}
	return obj, nil
}

func (f *Federator) RenderCreate(object map[string]any, actor *domain.Account) map[string]any {
	create := map[string]any{
		"type":      "Create",
		"actor":     f.ApId(actor),
		"object":    object,
		"published": object["published"],
		"to":        object["to"],
		"cc":        object["cc"],
	}
	if id, ok := object["id"].(string); ok {
		create["id"] = id + "/activity"
	}
	return create
}

func (f *Federator) RenderUpdate(object map[string]any, actor *domain.Account) map[string]any {
	return map[string]any{
		"type":      "Update",
		"actor":     f.ApId(actor),
		"object":    object,
		"published": rfc3339(f.now()),
		"to":        []string{PublicCollection},
	}
}

// RenderDelete renders the deletion of a local object as a Tombstone.
func (f *Federator) RenderDelete(objectURI string, actor *domain.Account) map[string]any {
	return map[string]any{
		"type":      "Delete",
		"actor":     f.ApId(actor),
		"object":    map[string]any{"id": objectURI, "type": "Tombstone"},
		"published": rfc3339(f.now()),
	}
}

func (f *Federator) RenderFollow(follower, followee *domain.Account, requestId string) map[string]any {
	follow := map[string]any{
		"type":   "Follow",
		"actor":  f.ApId(follower),
		"object": f.ApId(followee),
	}
	if requestId != "" {
		follow["id"] = requestId
	} else if follower.IsLocal() {
		follow["id"] = f.baseURL() + "/follows/" + follower.Id.String() + "/" + followee.Id.String()
	}
	return follow
}

func (f *Federator) RenderAccept(object map[string]any, actor *domain.Account) map[string]any {
	return map[string]any{
		"type":   "Accept",
		"actor":  f.ApId(actor),
		"object": object,
	}
}

// RenderUndo wraps object in an Undo. Objects of this server get the
// derived id "<object id>/undo".
func (f *Federator) RenderUndo(object map[string]any, actor *domain.Account) map[string]any {
	undo := map[string]any{
		"type":      "Undo",
		"actor":     f.ApId(actor),
		"object":    object,
		"published": rfc3339(f.now()),
	}
	if id, ok := object["id"].(string); ok && f.IsSelfOrigin(id) {
		undo["id"] = id + "/undo"
	}
	return undo
}

func (f *Federator) RenderLike(reaction *domain.Reaction, actor *domain.Account, note *domain.Note) map[string]any {
	return map[string]any{
		"id":                f.baseURL() + "/likes/" + reaction.Id.String(),
		"type":              "Like",
		"actor":             f.ApId(actor),
		"object":            f.NoteApId(note),
		"content":           reaction.Reaction,
		"_misskey_reaction": reaction.Reaction,
	}
}

// RenderOutbox renders the latest public notes of acc as an
// OrderedCollection of Create activities.
func (f *Federator) RenderOutbox(ctx context.Context, acc *domain.Account) (map[string]any, error) {
	notes, err := f.store.ReadNotesByUserId(ctx, acc.Id, outboxPageSize)
	if err != nil {
		return nil, err
	}
	items := []any{}
	for i := range notes {
		note := &notes[i]
		if note.IsDeleted() || (note.Visibility != domain.VisibilityPublic && note.Visibility != domain.VisibilityHome) {
			continue
		}
		obj, err := f.RenderNote(ctx, note)
		if err != nil {
			return nil, err
		}
		items = append(items, f.RenderCreate(obj, acc))
	}
	return map[string]any{
		"@context":     ContextActivityStreams,
		"id":           f.ApId(acc) + "/outbox",
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}, nil
}

// PublicToHome returns a copy of activity addressed to home instead of
// public. The activity passed in is not modified.
func PublicToHome(activity map[string]any, followersURI string) (map[string]any, error) {
	raw, err := json.Marshal(activity)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	demote := func(m map[string]any) {
		to := addressList(m["to"])
		if !to.HasPublic() {
			return
		}
		var keep IRIs
		for _, v := range to {
			if !(IRIs{v}).HasPublic() {
				keep = append(keep, v)
			}
		}
		if !keep.Contains(followersURI) {
			keep = append(keep, followersURI)
		}
		cc := addressList(m["cc"])
		var rest IRIs
		for _, v := range cc {
			if v != followersURI {
				rest = append(rest, v)
			}
		}
		m["to"] = []string(keep)
		m["cc"] = append([]string{PublicCollection}, rest...)
	}
	demote(out)
	if obj, ok := out["object"].(map[string]any); ok {
		demote(obj)
	}
	return out, nil
}

func addressList(v any) IRIs {
	switch t := v.(type) {
	case string:
		return IRIs{t}
	case []any:
		var out IRIs
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// PublishNote stores a new local note and delivers it to the author's
// followers and to every remote account it mentions or addresses.
func (f *Federator) PublishNote(ctx context.Context, author *domain.Account, note *domain.Note) error {
	if !author.IsLocal() {
		return fmt.Errorf("cannot publish for remote account %s", author.Acct())
	}
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	note.UserId = author.Id
	note.UserHost = ""
	if note.Visibility == "" {
		note.Visibility = domain.VisibilityPublic
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = f.now()
	}
	if err := f.store.CreateNote(ctx, note); err != nil {
		return fmt.Errorf("failed to store note: %w", err)
	}
	f.publisher.Publish("noteCreated", map[string]string{"id": note.Id.String(), "uri": f.NoteApId(note)})

	if !f.conf.Conf.WithAp {
		return nil
	}
	obj, err := f.RenderNote(ctx, note)
	if err != nil {
		return err
	}
	return f.deliverNoteActivity(ctx, author, note, f.RenderActivity(f.RenderCreate(obj, author)))
}

// UpdateLocalNote changes the text of a local note and delivers an Update.
func (f *Federator) UpdateLocalNote(ctx context.Context, author *domain.Account, noteId uuid.UUID, text, cw string) error {
	note, err := f.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return err
	}
	if note == nil || note.IsDeleted() || note.UserId != author.Id {
		return fmt.Errorf("note %s not found", noteId)
	}
	now := f.now()
	note.Message, note.ContentWarning, note.UpdatedAt = text, cw, &now
	if err := f.store.UpdateNoteContent(ctx, note); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	f.publisher.Publish("noteUpdated", map[string]any{"id": note.Id.String(), "text": text, "cw": cw, "updatedAt": rfc3339(now)})

	if !f.conf.Conf.WithAp {
		return nil
	}
	obj, err := f.RenderNote(ctx, note)
	if err != nil {
		return err
	}
	return f.deliverNoteActivity(ctx, author, note, f.RenderActivity(f.RenderUpdate(obj, author)))
}

// DeleteLocalNote tombstones a local note and delivers a Delete.
func (f *Federator) DeleteLocalNote(ctx context.Context, author *domain.Account, noteId uuid.UUID) error {
	note, err := f.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return err
	}
	if note == nil || note.UserId != author.Id {
		return fmt.Errorf("note %s not found", noteId)
	}
	res, err := f.tombstone(ctx, note)
	if err != nil {
		return err
	}
	if res.Status != StatusOK || !f.conf.Conf.WithAp {
		return nil
	}
	return f.deliverNoteActivity(ctx, author, note, f.RenderActivity(f.RenderDelete(f.NoteApId(note), author)))
}

// DeliverQuestionUpdate sends the current vote counts of a local poll to
// the author's followers and the remote accounts it addresses.
func (f *Federator) DeliverQuestionUpdate(ctx context.Context, noteId uuid.UUID) error {
	note, err := f.store.ReadNoteById(ctx, noteId)
	if err != nil {
		return err
	}
	if note == nil || note.Poll == nil || !note.IsLocal() {
		return nil
	}
	author, err := f.store.ReadAccountById(ctx, note.UserId)
	if err != nil {
		return err
	}
	if author == nil {
		return nil
	}
	obj, err := f.RenderNote(ctx, note)
	if err != nil {
		return err
	}
	return f.deliverNoteActivity(ctx, author, note, f.RenderActivity(f.RenderUpdate(obj, author)))
}

func (f *Federator) deliverNoteActivity(ctx context.Context, author *domain.Account, note *domain.Note, activity map[string]any) error {
	dm := f.NewDeliverManager(author, activity)
	if note.Visibility != domain.VisibilitySpecified {
		dm.AddFollowersRecipe()
	}
	ids := append(append([]uuid.UUID(nil), note.MentionedUserIds...), note.VisibleUserIds...)
	seen := make(map[uuid.UUID]struct{})
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		acc, err := f.store.ReadAccountById(ctx, id)
		if err != nil {
			return err
		}
		if acc != nil && acc.IsRemote() {
			dm.AddDirectRecipe(acc)
		}
	}
	return dm.Execute(ctx, false)
}

// SendFollow records a pending follow of a remote account and delivers
// the Follow.
func (f *Federator) SendFollow(ctx context.Context, follower, followee *domain.Account) error {
	if !follower.IsLocal() || !followee.IsRemote() {
		return fmt.Errorf("follow from %s to %s is not local to remote", follower.Acct(), followee.Acct())
	}
	activity := f.RenderFollow(follower, followee, "")
	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower.Id,
		TargetAccountId: followee.Id,
		URI:             activity["id"].(string),
		CreatedAt:       f.now(),
	}
	if err := f.store.CreateFollow(ctx, follow); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("failed to store follow: %w", err)
	}
	return f.DeliverToUser(ctx, follower, f.RenderActivity(activity), followee, false)
}

// AcceptFollowRequest accepts a pending follow request of follower to the
// local followee and, for remote followers, delivers the Accept.
func (f *Federator) AcceptFollowRequest(ctx context.Context, followee, follower *domain.Account) error {
	request, err := f.store.ReadFollow(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if request == nil || request.Accepted {
		return ErrNoFollowRequest
	}
	if err := f.store.AcceptFollow(ctx, request.Id); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	f.publisher.Publish("followed", map[string]string{"followerId": follower.Id.String(), "followeeId": followee.Id.String()})

	if follower.IsRemote() {
		content := f.RenderActivity(f.RenderAccept(f.RenderFollow(follower, followee, request.URI), followee))
		return f.DeliverToUser(ctx, followee, content, follower, false)
	}
	return nil
}

// deliverAccept answers an inbound Follow.
func (f *Federator) deliverAccept(ctx context.Context, followee, follower *domain.Account, follow *Activity) error {
	content := f.RenderActivity(f.RenderAccept(f.RenderFollow(follower, followee, follow.Id), followee))
	return f.DeliverToUser(ctx, followee, content, follower, false)
}

// DeleteReaction removes user's reaction on note. Reactions of local users
// are retracted with an Undo(Like) to the note author and, at low
// severity, the user's followers.
func (f *Federator) DeleteReaction(ctx context.Context, user *domain.Account, note *domain.Note) error {
	exists, err := f.store.ReadReaction(ctx, user.Id, note.Id)
	if err != nil {
		return err
	}
	if exists == nil {
		return ErrNotReacted
	}
	if err := f.store.DeleteReaction(ctx, exists.Id); err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	f.publisher.Publish("unreacted", map[string]string{"noteId": note.Id.String(), "userId": user.Id.String(), "reaction": exists.Reaction})

	if !user.IsLocal() || !f.conf.Conf.WithAp {
		return nil
	}
	content := f.RenderActivity(f.RenderUndo(f.RenderLike(exists, user, note), user))
	if !note.IsLocal() {
		author, err := f.store.ReadAccountById(ctx, note.UserId)
		if err != nil {
			return err
		}
		if author != nil {
			if err := f.DeliverToUser(ctx, user, content, author, false); err != nil {
				f.log.Named("deliver").Warn("Failed to deliver Undo to note author", zap.String("author", author.Acct()), zap.Error(err))
			}
		}
	}
	return f.DeliverToFollowers(ctx, user, content, true)
}
