package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// handlerFunc processes one verified inbound activity of actor.
type handlerFunc func(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error)

var likeTypes = []string{"Like", "Dislike", "EmojiReaction", "EmojiReact"}

func isLikeType(t string) bool { return isOneOf(t, likeTypes) }

func (f *Federator) handlerTable() map[string]handlerFunc {
	table := map[string]handlerFunc{
		"Create":   f.handleCreate,
		"Update":   f.handleUpdate,
		"Delete":   f.handleDelete,
		"Follow":   f.handleFollow,
		"Accept":   f.handleAccept,
		"Reject":   f.handleReject,
		"Announce": f.handleAnnounce,
		"Undo":     f.handleUndo,
	}
	for _, t := range likeTypes {
		table[t] = f.handleLike
	}
	return table
}

// ProcessInboxJob verifies and applies a queued inbound activity. Errors
// of type *AuthenticationError, *ValidationError and *PolicyRejection mean
// the job can never succeed.
func (f *Federator) ProcessInboxJob(ctx context.Context, job *domain.InboxJob) (Result, error) {
	log := f.log.Named("inbox")

	obj, err := DecodeObject([]byte(job.ActivityJSON))
	if err != nil {
		return Result{}, err
	}
	activity, ok := obj.(*Activity)
	if !ok {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("%s is not an activity", obj.ObjectType())}
	}

	actorURI := activity.Actor.Id
	signerHost := util.HostOf(job.KeyId)
	if signerHost == "" || util.HostOf(actorURI) != signerHost {
		return Result{}, &AuthenticationError{Reason: "keyId host does not match actor host"}
	}
	if f.policy.IsBlocked(signerHost) {
		return Result{}, &PolicyRejection{Host: signerHost, Reason: "blocked"}
	}
	if f.IsSelfOrigin(actorURI) {
		return skipResult("activity of a local actor"), nil
	}

	r := f.NewResolver().BindSigner(signerHost)

	actor, err := f.store.ReadAccountByURI(ctx, actorURI)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read actor %s: %w", actorURI, err)
	}
	if actor == nil {
		if activity.Type == "Delete" {
			return skipResult("delete of an unknown actor"), nil
		}
		if actor, err = f.ResolvePerson(ctx, actorURI, r); err != nil {
			return Result{}, err
		}
	}

	if err := f.verifyJob(ctx, job, actor); err != nil {
		return Result{}, err
	}
	// verification may have refetched the profile
	if actor, err = f.store.ReadAccountByURI(ctx, actorURI); err != nil {
		return Result{}, fmt.Errorf("failed to reload actor %s: %w", actorURI, err)
	}
	if actor == nil {
		return skipResult("actor vanished"), nil
	}

	if actor.IsSuspended {
		return skipResult("actor is suspended"), nil
	}

	var record *domain.Activity
	if activity.Id != "" {
		record = &domain.Activity{
			ActivityURI:  activity.Id,
			ActivityType: activity.Type,
			ActorURI:     actorURI,
			ObjectURI:    activity.Object.Id,
			RawJSON:      job.ActivityJSON,
			CreatedAt:    f.now(),
		}
		if err := f.store.CreateActivity(ctx, record); err != nil {
			if !errors.Is(err, db.ErrDuplicate) {
				log.Warn("Failed to log activity", zap.String("id", activity.Id), zap.Error(err))
				record = nil
			} else {
				// an earlier attempt that failed left the row unprocessed
				logged, err := f.store.ReadActivityByURI(ctx, activity.Id)
				if err != nil {
					return Result{}, fmt.Errorf("failed to read activity %s: %w", activity.Id, err)
				}
				if logged == nil || logged.Processed {
					return skipResult("activity already processed"), nil
				}
				record = logged
			}
		}
	}

	handler, ok := f.handlers[activity.Type]
	if !ok {
		return skipResult("unsupported activity type %s", activity.Type), nil
	}
	res, err := handler(ctx, actor, activity, r)
	if err != nil {
		return Result{}, err
	}
	if record != nil {
		if err := f.store.MarkActivityProcessed(ctx, record.Id); err != nil {
			log.Warn("Failed to mark activity processed", zap.String("id", activity.Id), zap.Error(err))
		}
	}
	return res, nil
}

// verifyJob checks the captured HTTP signature against the actor's key.
// A keyId the stored actor does not know triggers one profile refetch for
// key rotation.
func (f *Federator) verifyJob(ctx context.Context, job *domain.InboxJob, actor *domain.Account) error {
	if actor.KeyId != "" && actor.KeyId != job.KeyId {
		if err := f.UpdatePerson(ctx, actor.URI, nil); err != nil {
			return err
		}
		refreshed, err := f.store.ReadAccountByURI(ctx, actor.URI)
		if err != nil {
			return err
		}
		if refreshed == nil || refreshed.KeyId != job.KeyId {
			return &AuthenticationError{Reason: "keyId is not the key of the actor"}
		}
		actor = refreshed
	}

	req, err := replayRequest(job)
	if err != nil {
		return err
	}
	return VerifySignature(req, job.Algorithm, actor.PublicKeyPem)
}

// replayRequest rebuilds the signed parts of an inbound request.
func replayRequest(job *domain.InboxJob) (*http.Request, error) {
	req, err := http.NewRequest(job.Method, "https://"+job.Host+job.Path, nil)
	if err != nil {
		return nil, &AuthenticationError{Reason: fmt.Sprintf("cannot replay request: %v", err)}
	}
	req.Host = job.Host
	for name, value := range job.SignedHeaders {
		if strings.HasPrefix(name, "(") || name == "host" {
			continue
		}
		req.Header.Set(name, value)
	}
	req.Header.Set("Signature", job.Signature)
	return req, nil
}

func (f *Federator) handleCreate(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	uri := activity.Object.Id
	if uri == "" {
		return skipResult("object has no id"), nil
	}
	if util.HostOf(uri) != actor.Host || !r.fromSigner(uri) {
		return Result{}, &ValidationError{Reason: "created object is not on the actor's host"}
	}
	if activity.Object.Embedded() {
		var head ObjectBase
		if err := json.Unmarshal(activity.Object.Raw, &head); err == nil && !IsPost(head.Type) {
			return skipResult("unsupported object type %s", head.Type), nil
		}
	}

	note, err := f.ResolveNote(ctx, uri, r)
	if err != nil {
		return Result{}, err
	}
	if note == nil {
		return skipResult("note was not created"), nil
	}
	return okResult(), nil
}

func (f *Federator) handleUpdate(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	if activity.Object.Id == "" {
		return skipResult("object has no id"), nil
	}
	obj, err := r.Resolve(ctx, activity.Object)
	if err != nil {
		return Result{}, err
	}
	switch o := obj.(type) {
	case *Person:
		if o.Id != actor.URI {
			return Result{}, &ValidationError{Reason: "actor updates another actor"}
		}
		// always refetched, the embedded copy is not trusted
		if err := f.UpdatePerson(ctx, actor.URI, nil); err != nil {
			return Result{}, err
		}
		return okResult(), nil
	case *Note:
		return f.UpdateNote(ctx, actor, activity.Object, r)
	default:
		return skipResult("unsupported object type %s", obj.ObjectType()), nil
	}
}

func (f *Federator) handleDelete(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	uri := activity.Object.Id
	if uri == "" {
		return skipResult("object has no id"), nil
	}
	if uri == actor.URI {
		if actor.IsDeleted {
			return skipResult("actor already deleted"), nil
		}
		actor.IsDeleted = true
		if err := f.store.UpdateAccount(ctx, actor); err != nil {
			return Result{}, fmt.Errorf("failed to delete actor %s: %w", actor.URI, err)
		}
		f.publisher.Publish("accountDeleted", map[string]string{"id": actor.Id.String(), "uri": actor.URI})
		return okResult(), nil
	}
	if util.HostOf(uri) != actor.Host {
		return Result{}, &ValidationError{Reason: "deleted object is not on the actor's host"}
	}
	return f.DeleteNote(ctx, actor, uri)
}

// localFollowee returns the local account a Follow points at.
func (f *Federator) localFollowee(ctx context.Context, uri string) (*domain.Account, error) {
	path := f.localPath(uri)
	if !strings.HasPrefix(path, "/users/") {
		return nil, nil
	}
	return f.store.ReadAccountByUsername(ctx, strings.TrimPrefix(path, "/users/"), "")
}

func (f *Federator) handleFollow(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	followee, err := f.localFollowee(ctx, activity.Object.Id)
	if err != nil {
		return Result{}, err
	}
	if followee == nil || followee.IsDeleted || followee.IsSuspended {
		return skipResult("followee not found"), nil
	}

	exists, err := f.store.ReadFollow(ctx, actor.Id, followee.Id)
	if err != nil {
		return Result{}, err
	}
	if exists != nil {
		if exists.Accepted {
			// the remote side lost our Accept
			if err := f.deliverAccept(ctx, followee, actor, activity); err != nil {
				return Result{}, err
			}
		}
		return skipResult("already following"), nil
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       actor.Id,
		TargetAccountId: followee.Id,
		URI:             activity.Id,
		CreatedAt:       f.now(),
		Accepted:        !followee.IsLocked,
	}
	if err := f.store.CreateFollow(ctx, follow); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return skipResult("already following"), nil
		}
		return Result{}, fmt.Errorf("failed to store follow: %w", err)
	}

	if !follow.Accepted {
		f.publisher.Publish("followRequested", map[string]string{"followerId": actor.Id.String(), "followeeId": followee.Id.String()})
		return okResult(), nil
	}
	f.publisher.Publish("followed", map[string]string{"followerId": actor.Id.String(), "followeeId": followee.Id.String()})
	if err := f.deliverAccept(ctx, followee, actor, activity); err != nil {
		return Result{}, err
	}
	return okResult(), nil
}

// followOfObject finds the follow of a local account that an Accept, Reject
// or Undo from actor refers to.
func (f *Federator) followOfObject(ctx context.Context, actor *domain.Account, object Ref, r *Resolver) (*domain.Follow, error) {
	if object.Id != "" && !object.Embedded() {
		if follow, err := f.store.ReadFollowByURI(ctx, object.Id); err != nil || follow != nil {
			return follow, err
		}
	}
	obj, err := r.Resolve(ctx, object)
	if err != nil {
		return nil, err
	}
	follow, ok := obj.(*Activity)
	if !ok || follow.Type != "Follow" {
		return nil, &ValidationError{Reason: "object is not a Follow"}
	}
	if follow.Id != "" {
		if found, err := f.store.ReadFollowByURI(ctx, follow.Id); err != nil || found != nil {
			return found, err
		}
	}
	local, err := f.localFollowee(ctx, follow.Actor.Id)
	if err != nil || local == nil {
		return nil, err
	}
	return f.store.ReadFollow(ctx, local.Id, actor.Id)
}

func (f *Federator) handleAccept(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	follow, err := f.followOfObject(ctx, actor, activity.Object, r)
	if err != nil {
		return Result{}, err
	}
	if follow == nil || follow.TargetAccountId != actor.Id {
		return skipResult("follow request not found"), nil
	}
	if follow.Accepted {
		return skipResult("follow already accepted"), nil
	}
	if err := f.store.AcceptFollow(ctx, follow.Id); err != nil {
		return Result{}, fmt.Errorf("failed to accept follow: %w", err)
	}
	f.publisher.Publish("followAccepted", map[string]string{"followerId": follow.AccountId.String(), "followeeId": actor.Id.String()})
	return okResult(), nil
}

func (f *Federator) handleReject(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	follow, err := f.followOfObject(ctx, actor, activity.Object, r)
	if err != nil {
		return Result{}, err
	}
	if follow == nil || follow.TargetAccountId != actor.Id {
		return skipResult("follow request not found"), nil
	}
	if err := f.store.DeleteFollow(ctx, follow.Id); err != nil {
		return Result{}, fmt.Errorf("failed to delete follow: %w", err)
	}
	f.publisher.Publish("followRejected", map[string]string{"followerId": follow.AccountId.String(), "followeeId": actor.Id.String()})
	return okResult(), nil
}

func (f *Federator) handleLike(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	targetURI := activity.Object.Id
	if f.conf.Federation.InboxForeignLikeOpeMode == util.OpeModeIgnore && !f.IsSelfOrigin(targetURI) {
		return skipResult("ignore foreign Like"), nil
	}

	note, err := f.FetchNote(ctx, targetURI)
	if err != nil {
		return Result{}, err
	}
	if note == nil || note.IsDeleted() {
		return skipResult("target note not found %s", targetURI), nil
	}

	if _, err := f.extractEmojis(ctx, activity.Tag, actor.Host); err != nil {
		f.log.Named("inbox").Debug("Failed to extract reaction emojis", zap.Error(err))
	}

	reaction := activity.MisskeyReaction
	if reaction == "" {
		reaction = activity.Content
	}
	if reaction == "" {
		reaction = activity.Name
	}
	if reaction == "" {
		reaction = "like"
	}
	if activity.Type == "Dislike" {
		reaction = "dislike:" + reaction
	}

	exists, err := f.store.ReadReaction(ctx, actor.Id, note.Id)
	if err != nil {
		return Result{}, err
	}
	if exists != nil {
		return skipResult("already reacted"), nil
	}
	if err := f.store.CreateReaction(ctx, &domain.Reaction{
		Id:        uuid.New(),
		AccountId: actor.Id,
		NoteId:    note.Id,
		Reaction:  reaction,
		URI:       activity.Id,
		CreatedAt: f.now(),
	}); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return skipResult("already reacted"), nil
		}
		return Result{}, fmt.Errorf("failed to store reaction: %w", err)
	}
	f.publisher.Publish("reacted", map[string]string{"noteId": note.Id.String(), "userId": actor.Id.String(), "reaction": reaction})
	return okResult(), nil
}

func (f *Federator) handleAnnounce(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	if !r.fromSigner(activity.Id) {
		return Result{}, &ValidationError{Reason: "announce was not sent by its origin"}
	}
	return f.Announce(ctx, actor, activity, r)
}

func (f *Federator) handleUndo(ctx context.Context, actor *domain.Account, activity *Activity, r *Resolver) (Result, error) {
	if activity.Object.IsZero() {
		return skipResult("undo without object"), nil
	}

	// a bare reference may already be gone remotely; look it up locally first
	if !activity.Object.Embedded() {
		if follow, err := f.store.ReadFollowByURI(ctx, activity.Object.Id); err != nil {
			return Result{}, err
		} else if follow != nil {
			return f.undoFollow(ctx, actor, follow)
		}
		if reaction, err := f.store.ReadReactionByURI(ctx, activity.Object.Id); err != nil {
			return Result{}, err
		} else if reaction != nil {
			return f.undoReaction(ctx, actor, reaction)
		}
		// renotes are stored under the id of their Announce
		if renote, err := f.FetchNote(ctx, activity.Object.Id); err != nil {
			return Result{}, err
		} else if renote != nil && renote.IsPureRenote() {
			if renote.UserId != actor.Id {
				return Result{}, &ValidationError{Reason: "actor undoes an announce of another actor"}
			}
			return f.tombstone(ctx, renote)
		}
	}

	obj, err := r.Resolve(ctx, activity.Object)
	if err != nil {
		f.log.Named("inbox").Info("Undo object not resolvable", zap.String("object", activity.Object.Id), zap.Error(err))
		return skipResult("failed to resolve undo object"), nil
	}
	undone, ok := obj.(*Activity)
	if !ok {
		return skipResult("undo object is a %s", obj.ObjectType()), nil
	}
	if undone.Actor.Id != "" && undone.Actor.Id != actor.URI {
		return Result{}, &ValidationError{Reason: "actor undoes an activity of another actor"}
	}

	switch {
	case undone.Type == "Follow":
		followee, err := f.localFollowee(ctx, undone.Object.Id)
		if err != nil {
			return Result{}, err
		}
		if followee == nil {
			return skipResult("follow not found"), nil
		}
		follow, err := f.store.ReadFollow(ctx, actor.Id, followee.Id)
		if err != nil {
			return Result{}, err
		}
		if follow == nil {
			return skipResult("follow not found"), nil
		}
		return f.undoFollow(ctx, actor, follow)
	case undone.Type == "Accept":
		follow, err := f.followOfObject(ctx, actor, undone.Object, r)
		if err != nil {
			return Result{}, err
		}
		if follow == nil || follow.TargetAccountId != actor.Id {
			return skipResult("follow not found"), nil
		}
		if err := f.store.DeleteFollow(ctx, follow.Id); err != nil {
			return Result{}, err
		}
		f.publisher.Publish("unfollowed", map[string]string{"followerId": follow.AccountId.String(), "followeeId": actor.Id.String()})
		return okResult(), nil
	case isLikeType(undone.Type):
		note, err := f.FetchNote(ctx, undone.Object.Id)
		if err != nil {
			return Result{}, err
		}
		if note == nil {
			return skipResult("target note not found"), nil
		}
		reaction, err := f.store.ReadReaction(ctx, actor.Id, note.Id)
		if err != nil {
			return Result{}, err
		}
		if reaction == nil {
			return skipResult("reaction not found"), nil
		}
		return f.undoReaction(ctx, actor, reaction)
	case undone.Type == "Announce":
		return f.UndoAnnounce(ctx, actor, undone)
	default:
		return skipResult("unsupported undo of %s", undone.Type), nil
	}
}

func (f *Federator) undoFollow(ctx context.Context, actor *domain.Account, follow *domain.Follow) (Result, error) {
	if follow.AccountId != actor.Id {
		return skipResult("follow of another actor"), nil
	}
	if err := f.store.DeleteFollow(ctx, follow.Id); err != nil {
		return Result{}, fmt.Errorf("failed to delete follow: %w", err)
	}
	f.publisher.Publish("unfollowed", map[string]string{"followerId": actor.Id.String(), "followeeId": follow.TargetAccountId.String()})
	return okResult(), nil
}

func (f *Federator) undoReaction(ctx context.Context, actor *domain.Account, reaction *domain.Reaction) (Result, error) {
	if reaction.AccountId != actor.Id {
		return skipResult("reaction of another actor"), nil
	}
	if err := f.store.DeleteReaction(ctx, reaction.Id); err != nil {
		return Result{}, fmt.Errorf("failed to delete reaction: %w", err)
	}
	f.publisher.Publish("unreacted", map[string]string{"noteId": reaction.NoteId.String(), "userId": actor.Id.String()})
	return okResult(), nil
}
