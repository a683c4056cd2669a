package activitypub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) storeNote(t *testing.T, note *domain.Note) *domain.Note {
	t.Helper()
	require.NoError(t, e.store.CreateNote(context.Background(), note))
	return note
}

func TestRenderNote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.account(t, env.remoteActor(t, "r.example", "bob"))
	followers := alice.URI + "/followers"

	t.Run("public", func(t *testing.T) {
		note := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "hello **world**", Visibility: domain.VisibilityPublic})

		obj, err := env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.Equal(t, "Note", obj["type"])
		assert.Equal(t, env.f.NoteURI(note.Id), obj["id"])
		assert.Equal(t, alice.URI, obj["attributedTo"])
		assert.Equal(t, []string{PublicCollection}, obj["to"])
		assert.Equal(t, []string{followers}, obj["cc"])
		assert.Contains(t, obj["content"], "<strong>world</strong>")
		assert.Equal(t, "hello **world**", obj["_misskey_content"])
		assert.NotContains(t, obj, "summary")
		assert.NotContains(t, obj, "inReplyTo")
	})

	t.Run("home", func(t *testing.T) {
		note := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "hi", Visibility: domain.VisibilityHome, ContentWarning: "cw"})

		obj, err := env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.Equal(t, []string{followers}, obj["to"])
		assert.Equal(t, []string{PublicCollection}, obj["cc"])
		assert.Equal(t, "cw", obj["summary"])
	})

	t.Run("mentions and hashtags", func(t *testing.T) {
		note := env.storeNote(t, &domain.Note{
			UserId:           alice.Id,
			Message:          "hi @bob@r.example #go",
			MentionedUserIds: []uuid.UUID{bob.Id},
			Hashtags:         []string{"go"},
		})

		obj, err := env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.Equal(t, []string{followers, bob.URI}, obj["cc"])
		assert.Equal(t, []any{
			map[string]any{"type": "Mention", "href": bob.URI, "name": "@bob@r.example"},
			map[string]any{"type": "Hashtag", "name": "#go", "href": "https://" + testDomain + "/tags/go"},
		}, obj["tag"])
	})

	t.Run("specified", func(t *testing.T) {
		note := env.storeNote(t, &domain.Note{
			UserId:         alice.Id,
			Message:        "psst",
			Visibility:     domain.VisibilitySpecified,
			VisibleUserIds: []uuid.UUID{bob.Id, uuid.New()},
		})

		obj, err := env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.Equal(t, []string{bob.URI}, obj["to"])
		assert.Empty(t, obj["cc"])
	})

	t.Run("reply and quote", func(t *testing.T) {
		parent := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "first"})
		remote := env.storeNote(t, &domain.Note{UserId: bob.Id, UserHost: "r.example", URI: "https://r.example/notes/9", Message: "theirs"})
		note := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "second", ReplyId: &parent.Id, RenoteId: &remote.Id})

		obj, err := env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.Equal(t, env.f.NoteURI(parent.Id), obj["inReplyTo"])
		assert.Equal(t, "https://r.example/notes/9", obj["quoteUri"])
		assert.Equal(t, "https://r.example/notes/9", obj["_misskey_quote"])
	})

	t.Run("poll", func(t *testing.T) {
		ends := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
		note := env.storeNote(t, &domain.Note{
			UserId:  alice.Id,
			Message: "which?",
			Poll: &domain.Poll{
				Choices:   []domain.PollChoice{{Text: "tea", Votes: 2}, {Text: "coffee"}},
				ExpiresAt: &ends,
			},
		})

		obj, err := env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.Equal(t, "Question", obj["type"])
		assert.Equal(t, "2030-01-02T03:04:05Z", obj["endTime"])
		assert.NotContains(t, obj, "anyOf")
		options := obj["oneOf"].([]any)
		require.Len(t, options, 2)
		assert.Equal(t, map[string]any{
			"type":    "Note",
			"name":    "tea",
			"replies": map[string]any{"type": "Collection", "totalItems": 2},
		}, options[0])

		note.Poll.Multiple = true
		obj, err = env.f.RenderNote(ctx, note)
		require.NoError(t, err)
		assert.NotContains(t, obj, "oneOf")
		assert.Len(t, obj["anyOf"], 2)
	})

	t.Run("unknown author", func(t *testing.T) {
		_, err := env.f.RenderNote(ctx, &domain.Note{Id: uuid.New(), UserId: uuid.New()})
		assert.Error(t, err)
	})
}

func TestRenderActivity(t *testing.T) {
	env := newTestEnv(t)

	out := env.f.RenderActivity(map[string]any{"type": "Like"})
	assert.Equal(t, []any{ContextActivityStreams, ContextSecurity}, out["@context"])
	id, _ := out["id"].(string)
	assert.True(t, strings.HasPrefix(id, "https://"+testDomain+"/"), id)

	out = env.f.RenderActivity(map[string]any{"id": "https://" + testDomain + "/likes/1", "type": "Like"})
	assert.Equal(t, "https://"+testDomain+"/likes/1", out["id"])

	assert.Nil(t, env.f.RenderActivity(nil))
}

func TestRenderUndo(t *testing.T) {
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")

	local := env.f.RenderUndo(map[string]any{"id": "https://" + testDomain + "/likes/1", "type": "Like"}, alice)
	assert.Equal(t, "https://"+testDomain+"/likes/1/undo", local["id"])
	assert.Equal(t, alice.URI, local["actor"])

	remote := env.f.RenderUndo(map[string]any{"id": "https://r.example/likes/1", "type": "Like"}, alice)
	assert.NotContains(t, remote, "id")
}

func TestPublicToHome(t *testing.T) {
	followers := "https://" + testDomain + "/users/alice/followers"
	activity := map[string]any{
		"type": "Create",
		"to":   []any{PublicCollection},
		"cc":   []any{followers, "https://r.example/users/bob"},
		"object": map[string]any{
			"type": "Note",
			"to":   "as:Public",
			"cc":   []any{followers},
		},
	}

	out, err := PublicToHome(activity, followers)
	require.NoError(t, err)
	assert.Equal(t, []string{followers}, out["to"])
	assert.Equal(t, []string{PublicCollection, "https://r.example/users/bob"}, out["cc"])
	object := out["object"].(map[string]any)
	assert.Equal(t, []string{followers}, object["to"])
	assert.Equal(t, []string{PublicCollection}, object["cc"])

	assert.Equal(t, []any{PublicCollection}, activity["to"])
	assert.Equal(t, "as:Public", activity["object"].(map[string]any)["to"])

	private := map[string]any{"type": "Create", "to": []any{followers}}
	out, err = PublicToHome(private, followers)
	require.NoError(t, err)
	assert.Equal(t, []any{followers}, out["to"])
}

func TestRenderOutbox(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")

	deletedAt := time.Now()
	env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "public", Visibility: domain.VisibilityPublic})
	env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "home", Visibility: domain.VisibilityHome})
	env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "followers", Visibility: domain.VisibilityFollowers})
	env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "gone", DeletedAt: &deletedAt})

	outbox, err := env.f.RenderOutbox(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, alice.URI+"/outbox", outbox["id"])
	assert.Equal(t, "OrderedCollection", outbox["type"])
	assert.Equal(t, 2, outbox["totalItems"])
	for _, item := range outbox["orderedItems"].([]any) {
		create := item.(map[string]any)
		assert.Equal(t, "Create", create["type"])
		note := create["object"].(map[string]any)
		assert.Contains(t, []string{"public", "home"}, note["_misskey_content"])
		assert.Equal(t, note["id"].(string)+"/activity", create["id"])
	}
}

func TestPublishNote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.account(t, env.remoteActor(t, "r.example", "bob"))
	env.follow(t, bob, alice)

	note := &domain.Note{Message: "hello fediverse"}
	require.NoError(t, env.f.PublishNote(ctx, alice, note))
	assert.True(t, env.pub.has("noteCreated"))

	stored, err := env.store.ReadNoteById(ctx, note.Id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.VisibilityPublic, stored.Visibility)

	items := env.pendingDeliveries(t)
	require.Len(t, items, 1)
	assert.Equal(t, "https://r.example/inbox", items[0].InboxURI)
	create := decodeActivity(t, items[0].ActivityJSON)
	assert.Equal(t, "Create", create["type"])
	assert.Equal(t, env.f.NoteURI(note.Id)+"/activity", create["id"])
	assert.Equal(t, env.f.NoteURI(note.Id), create["object"].(map[string]any)["id"])

	assert.Error(t, env.f.PublishNote(ctx, bob, &domain.Note{Message: "nope"}))
}

func TestPublishSpecifiedNote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.account(t, env.remoteActor(t, "r.example", "bob"))
	carol := env.account(t, env.remoteActor(t, "s.example", "carol"))
	env.follow(t, bob, alice)

	require.NoError(t, env.f.PublishNote(ctx, alice, &domain.Note{
		Message:          "just you",
		Visibility:       domain.VisibilitySpecified,
		VisibleUserIds:   []uuid.UUID{carol.Id},
		MentionedUserIds: []uuid.UUID{carol.Id},
	}))

	items := env.pendingDeliveries(t)
	require.Len(t, items, 1)
	assert.Equal(t, carol.URI+"/inbox", items[0].InboxURI)
}

func TestUpdateAndDeleteLocalNote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.account(t, env.remoteActor(t, "r.example", "bob"))
	env.follow(t, bob, alice)

	note := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "draft"})

	require.NoError(t, env.f.UpdateLocalNote(ctx, alice, note.Id, "final", "spoiler"))
	assert.True(t, env.pub.has("noteUpdated"))
	items := env.pendingDeliveries(t)
	require.Len(t, items, 1)
	update := decodeActivity(t, items[0].ActivityJSON)
	assert.Equal(t, "Update", update["type"])
	object := update["object"].(map[string]any)
	assert.Equal(t, "final", object["_misskey_content"])
	assert.Equal(t, "spoiler", object["summary"])
	assert.Contains(t, object, "updated")
	require.NoError(t, env.store.DeleteDelivery(ctx, items[0].Id))

	assert.Error(t, env.f.UpdateLocalNote(ctx, bob, note.Id, "hijack", ""))

	require.NoError(t, env.f.DeleteLocalNote(ctx, alice, note.Id))
	assert.True(t, env.pub.has("noteDeleted"))
	items = env.pendingDeliveries(t)
	require.Len(t, items, 1)
	del := decodeActivity(t, items[0].ActivityJSON)
	assert.Equal(t, "Delete", del["type"])
	assert.Equal(t, map[string]any{"id": env.f.NoteURI(note.Id), "type": "Tombstone"}, del["object"])
	require.NoError(t, env.store.DeleteDelivery(ctx, items[0].Id))

	// deleting twice sends nothing
	require.NoError(t, env.f.DeleteLocalNote(ctx, alice, note.Id))
	assert.Empty(t, env.pendingDeliveries(t))
	assert.Error(t, env.f.UpdateLocalNote(ctx, alice, note.Id, "again", ""))
}

func TestDeliverQuestionUpdate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.account(t, env.remoteActor(t, "r.example", "bob"))
	env.follow(t, bob, alice)

	plain := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "no poll"})
	require.NoError(t, env.f.DeliverQuestionUpdate(ctx, plain.Id))
	assert.Empty(t, env.pendingDeliveries(t))

	poll := env.storeNote(t, &domain.Note{UserId: alice.Id, Message: "vote", Poll: &domain.Poll{
		Choices: []domain.PollChoice{{Text: "yes", Votes: 3}, {Text: "no", Votes: 1}},
	}})
	require.NoError(t, env.f.DeliverQuestionUpdate(ctx, poll.Id))
	items := env.pendingDeliveries(t)
	require.Len(t, items, 1)
	update := decodeActivity(t, items[0].ActivityJSON)
	assert.Equal(t, "Update", update["type"])
	object := update["object"].(map[string]any)
	assert.Equal(t, "Question", object["type"])
	first := object["oneOf"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(3), first["replies"].(map[string]any)["totalItems"])
}

func TestSendFollowAndAccept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.remoteActor(t, "r.example", "bob")
	bobAcc := env.account(t, bob)

	require.NoError(t, env.f.SendFollow(ctx, alice, bobAcc))
	// a second request is a no-op
	require.NoError(t, env.f.SendFollow(ctx, alice, bobAcc))

	items := env.pendingDeliveries(t)
	require.Len(t, items, 1)
	assert.Equal(t, bob.uri+"/inbox", items[0].InboxURI)
	follow := decodeActivity(t, items[0].ActivityJSON)
	assert.Equal(t, "Follow", follow["type"])
	assert.Equal(t, alice.URI, follow["actor"])
	assert.Equal(t, bob.uri, follow["object"])

	pending, err := env.store.ReadFollow(ctx, alice.Id, bobAcc.Id)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.False(t, pending.Accepted)
	assert.Equal(t, follow["id"], pending.URI)

	rec := env.postActivity(t, bob, map[string]any{
		"@context": ContextActivityStreams,
		"id":       bob.uri + "/accepts/1",
		"type":     "Accept",
		"actor":    bob.uri,
		"object": map[string]any{
			"id":     follow["id"],
			"type":   "Follow",
			"actor":  alice.URI,
			"object": bob.uri,
		},
	})
	require.Equal(t, 202, rec.Code, rec.Body.String())
	_, err = env.inbox.RunOnce(ctx)
	require.NoError(t, err)

	accepted, err := env.store.ReadFollow(ctx, alice.Id, bobAcc.Id)
	require.NoError(t, err)
	require.NotNil(t, accepted)
	assert.True(t, accepted.Accepted)
	assert.True(t, env.pub.has("followAccepted"))

	assert.Error(t, env.f.SendFollow(ctx, bobAcc, alice))
}

func TestAcceptFollowRequestFromLocalAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	carl := env.localAccount(t, "carl")

	assert.ErrorIs(t, env.f.AcceptFollowRequest(ctx, alice, carl), ErrNoFollowRequest)

	require.NoError(t, env.store.CreateFollow(ctx, &domain.Follow{AccountId: carl.Id, TargetAccountId: alice.Id}))
	require.NoError(t, env.f.AcceptFollowRequest(ctx, alice, carl))
	assert.True(t, env.pub.has("followed"))
	assert.Empty(t, env.pendingDeliveries(t))
}

func TestDeleteReaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.account(t, env.remoteActor(t, "r.example", "bob"))
	note := env.storeNote(t, &domain.Note{UserId: bob.Id, UserHost: "r.example", URI: "https://r.example/notes/1", Message: "theirs"})

	assert.ErrorIs(t, env.f.DeleteReaction(ctx, alice, note), ErrNotReacted)

	reaction := &domain.Reaction{AccountId: alice.Id, NoteId: note.Id, Reaction: "👍"}
	require.NoError(t, env.store.CreateReaction(ctx, reaction))

	require.NoError(t, env.f.DeleteReaction(ctx, alice, note))
	assert.True(t, env.pub.has("unreacted"))

	gone, err := env.store.ReadReaction(ctx, alice.Id, note.Id)
	require.NoError(t, err)
	assert.Nil(t, gone)

	items := env.pendingDeliveries(t)
	require.Len(t, items, 1)
	assert.Equal(t, bob.URI+"/inbox", items[0].InboxURI)
	undo := decodeActivity(t, items[0].ActivityJSON)
	assert.Equal(t, "Undo", undo["type"])
	likeId := "https://" + testDomain + "/likes/" + reaction.Id.String()
	assert.Equal(t, likeId+"/undo", undo["id"])
	like := undo["object"].(map[string]any)
	assert.Equal(t, "Like", like["type"])
	assert.Equal(t, likeId, like["id"])
	assert.Equal(t, note.URI, like["object"])
	assert.Equal(t, "👍", like["_misskey_reaction"])
}
