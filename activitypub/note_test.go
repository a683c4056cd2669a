package activitypub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNoteCreatesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	note := bob.note("/notes/1", nil)
	uri := note["id"].(string)

	const workers = 8
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.f.ResolveNote(ctx, uri, nil)
			if assert.NoError(t, err) && assert.NotNil(t, n) {
				ids[i] = n.Id
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, bob.host.fetchCount("/notes/1"))
	assert.Equal(t, 1, env.pub.count("noteCreated"))

	stored, err := env.store.ReadNoteByURI(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, ids[0], stored.Id)
	assert.Equal(t, "hello", stored.Message)
	assert.Equal(t, domain.VisibilityPublic, stored.Visibility)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), stored.CreatedAt.UTC())
}

func TestCreateNoteChecksOrigin(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"author on another host", map[string]any{"attributedTo": "https://other.example/users/eve"}},
		{"id on another host", map[string]any{"id": "https://other.example/notes/1"}},
		{"claims to be local", map[string]any{"id": "https://" + testDomain + "/notes/1", "attributedTo": "https://" + testDomain + "/users/alice"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			bob := env.remoteActor(t, "r.example", "bob")
			note := bob.note("/notes/1", tt.fields)

			_, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)

			for _, uri := range []string{bob.host.uri("/notes/1"), note["id"].(string)} {
				stored, err := env.store.ReadNoteByURI(ctx, uri)
				require.NoError(t, err)
				assert.Nil(t, stored)
			}
			assert.False(t, env.pub.has("noteCreated"))
		})
	}
}

func TestCreateNoteRejectsNonPost(t *testing.T) {
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")

	_, err := env.f.CreateNote(context.Background(), URIRef(bob.uri), nil)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestResolveNoteBlockedHost(t *testing.T) {
	env := newTestEnv(t, withPolicy(policy.File{BlockedHosts: []string{"r.example"}}))
	bob := env.remoteActor(t, "r.example", "bob")
	bob.note("/notes/1", nil)

	_, err := env.f.ResolveNote(context.Background(), bob.host.uri("/notes/1"), nil)
	var pr *PolicyRejection
	require.True(t, errors.As(err, &pr))
	assert.Equal(t, 0, bob.host.fetchCount("/notes/1"))
}

func TestCreateNoteVisibility(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		to   []any
		cc   []any
		want domain.Visibility
	}{
		{"public", []any{PublicCollection}, nil, domain.VisibilityPublic},
		{"short public form", []any{"as:Public"}, nil, domain.VisibilityPublic},
		{"home", []any{"https://r.example/users/bob/followers"}, []any{PublicCollection}, domain.VisibilityHome},
		{"followers", []any{"https://r.example/users/bob/followers"}, nil, domain.VisibilityFollowers},
		{"specified", []any{"https://" + testDomain + "/users/alice"}, nil, domain.VisibilitySpecified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			alice := env.localAccount(t, "alice")
			bob := env.remoteActor(t, "r.example", "bob")
			bob.note("/notes/1", map[string]any{"to": tt.to, "cc": tt.cc})

			n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
			require.NoError(t, err)
			require.NotNil(t, n)
			assert.Equal(t, tt.want, n.Visibility)
			if tt.want == domain.VisibilitySpecified {
				assert.Equal(t, []uuid.UUID{alice.Id}, n.VisibleUserIds)
			} else {
				assert.Empty(t, n.VisibleUserIds)
			}
		})
	}
}

func TestCreateNoteSkipsEmptySpecifiedAudience(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	bob.note("/notes/1", map[string]any{"to": []any{"https://r.example/users/ghost"}, "cc": nil})

	n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
	require.NoError(t, err)
	assert.Nil(t, n)

	stored, err := env.store.ReadNoteByURI(ctx, bob.host.uri("/notes/1"))
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCreateNoteSkipsSuspendedAuthor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	acc := env.account(t, bob)
	acc.IsSuspended = true
	require.NoError(t, env.store.UpdateAccount(ctx, acc))
	bob.note("/notes/1", nil)

	n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestCreateNoteContent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.localAccount(t, "alice")
	bob := env.remoteActor(t, "r.example", "bob")

	yes := true
	attachments := []any{}
	for i := 0; i < 20; i++ {
		attachments = append(attachments, map[string]any{"type": "Document", "mediaType": "image/png", "url": bob.host.uri("/media/" + uuid.NewString() + ".png")})
	}
	bob.note("/notes/1", map[string]any{
		"summary":    "spoiler",
		"sensitive":  yes,
		"attachment": attachments,
		"tag": []any{
			map[string]any{"type": "Mention", "href": alice.URI, "name": "@alice@" + testDomain},
			map[string]any{"type": "Mention", "href": "https://r.example/users/ghost", "name": "@ghost"},
			map[string]any{"type": "Hashtag", "name": "#Go"},
			map[string]any{"type": "Emoji", "name": ":blob:", "id": "https://r.example/emojis/blob", "updated": "2024-01-01T00:00:00Z",
				"icon": map[string]any{"type": "Image", "url": "https://r.example/blob.png"}},
		},
		"url": "https://r.example/@bob/1",
	})

	n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
	require.NoError(t, err)
	require.NotNil(t, n)

	assert.Equal(t, "spoiler", n.ContentWarning)
	assert.True(t, n.Sensitive)
	assert.Len(t, n.Attachments, domain.MaxAttachments)
	for _, a := range n.Attachments {
		assert.True(t, a.Sensitive)
	}
	assert.Equal(t, []uuid.UUID{alice.Id}, n.MentionedUserIds)
	assert.Equal(t, []string{"Go"}, n.Hashtags)
	assert.Equal(t, []string{"blob"}, n.Emojis)
	assert.Equal(t, "https://r.example/@bob/1", n.URL)

	emoji, err := env.store.ReadEmoji(ctx, "r.example", "blob")
	require.NoError(t, err)
	require.NotNil(t, emoji)
	assert.Equal(t, "https://r.example/blob.png", emoji.URL)
}

func TestCreateNoteFuturePublishedIsClamped(t *testing.T) {
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	bob.note("/notes/1", map[string]any{"published": time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)})

	before := time.Now()
	n, err := env.f.CreateNote(context.Background(), URIRef(bob.host.uri("/notes/1")), nil)
	require.NoError(t, err)
	assert.False(t, n.CreatedAt.Before(before.Add(-time.Second)))
	assert.True(t, n.CreatedAt.Before(time.Now().Add(time.Second)))
}

func TestNoteText(t *testing.T) {
	env := newTestEnv(t)
	mfm := "**bold** $[x2 big]"

	tests := []struct {
		name string
		note *Note
		want string
	}{
		{"misskey content wins", &Note{Content: "<p>html</p>", MisskeyContent: &mfm, Source: &Source{Content: "source", MediaType: "text/x.misskeymarkdown"}}, mfm},
		{"misskey markdown source", &Note{Content: "<p>html</p>", Source: &Source{Content: " source ", MediaType: "text/x.misskeymarkdown"}}, "source"},
		{"other source is ignored", &Note{Content: "<p>html</p>", Source: &Source{Content: "source", MediaType: "text/markdown"}}, "html"},
		{"html", &Note{Content: "<p>one</p><p>two</p>"}, "one\n\ntwo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.f.noteText(tt.note))
		})
	}
}

func TestCreateNoteReply(t *testing.T) {
	ctx := context.Background()

	t.Run("parent is created first", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		carol := env.remoteActor(t, "s.example", "carol")
		parent := carol.note("/notes/p", nil)
		bob.note("/notes/1", map[string]any{"inReplyTo": parent["id"]})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		require.NotNil(t, n.ReplyId)

		stored, err := env.store.ReadNoteByURI(ctx, parent["id"].(string))
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, stored.Id, *n.ReplyId)
	})

	t.Run("gone parent is dropped", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		bob.host.fail("/notes/gone", http.StatusNotFound)
		bob.note("/notes/1", map[string]any{"inReplyTo": bob.host.uri("/notes/gone")})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Nil(t, n.ReplyId)
	})

	t.Run("unavailable parent fails the note", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		bob.host.fail("/notes/busy", http.StatusServiceUnavailable)
		bob.note("/notes/1", map[string]any{"inReplyTo": bob.host.uri("/notes/busy")})

		_, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.Error(t, err)
		assert.False(t, isPermanentFailure(err))

		stored, err := env.store.ReadNoteByURI(ctx, bob.host.uri("/notes/1"))
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("reply to local note", func(t *testing.T) {
		env := newTestEnv(t)
		alice := env.localAccount(t, "alice")
		local := &domain.Note{Message: "hi"}
		require.NoError(t, env.f.PublishNote(ctx, alice, local))
		bob := env.remoteActor(t, "r.example", "bob")
		bob.note("/notes/1", map[string]any{"inReplyTo": env.f.NoteURI(local.Id)})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		require.NotNil(t, n.ReplyId)
		assert.Equal(t, local.Id, *n.ReplyId)
	})

	t.Run("self reply loop", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		bob.note("/notes/a", map[string]any{"inReplyTo": bob.host.uri("/notes/b")})
		bob.note("/notes/b", map[string]any{"inReplyTo": bob.host.uri("/notes/a")})

		done := make(chan error, 1)
		go func() {
			_, err := env.f.ResolveNote(ctx, bob.host.uri("/notes/a"), nil)
			done <- err
		}()
		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("circular reply chain did not terminate")
		}
	})
}

func TestCreateNoteQuote(t *testing.T) {
	ctx := context.Background()

	t.Run("quoted note", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		quoted := bob.note("/notes/q", nil)
		bob.note("/notes/1", map[string]any{"_misskey_quote": quoted["id"], "quoteUrl": quoted["id"]})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		require.NotNil(t, n.RenoteId)
		assert.False(t, n.IsPureRenote())
	})

	t.Run("falls back to the next field", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		quoted := bob.note("/notes/q", nil)
		bob.host.fail("/notes/gone", http.StatusGone)
		bob.note("/notes/1", map[string]any{"_misskey_quote": bob.host.uri("/notes/gone"), "quoteUri": quoted["id"]})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		assert.NotNil(t, n.RenoteId)
	})

	t.Run("gone quote is dropped", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		bob.host.fail("/notes/gone", http.StatusGone)
		bob.note("/notes/1", map[string]any{"quoteUri": bob.host.uri("/notes/gone")})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		assert.Nil(t, n.RenoteId)
	})

	t.Run("temporary failure fails the note", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		bob.host.fail("/notes/busy", http.StatusInternalServerError)
		bob.note("/notes/1", map[string]any{"quoteUri": bob.host.uri("/notes/busy")})

		_, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		var rf *ResolutionFailure
		require.True(t, errors.As(err, &rf))
		assert.Equal(t, "quote resolve failed", rf.Reason)
	})
}

func TestCreateNoteReferences(t *testing.T) {
	ctx := context.Background()

	t.Run("resolved", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		ref := bob.note("/notes/ref", nil)
		bob.host.put("/notes/1/refs", map[string]any{"type": "OrderedCollection", "orderedItems": []any{ref["id"]}})
		bob.note("/notes/1", map[string]any{"references": bob.host.uri("/notes/1/refs")})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		require.Len(t, n.ReferenceIds, 1)
	})

	t.Run("looping collection leaves none", func(t *testing.T) {
		env := newTestEnv(t)
		bob := env.remoteActor(t, "r.example", "bob")
		chainPages(bob.host, 5, 0, bob.host.uri("/c/p2"))
		bob.note("/notes/1", map[string]any{"references": bob.host.uri("/c")})

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/notes/1")), nil)
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Empty(t, n.ReferenceIds)
	})
}

func TestReplyVotesInPoll(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, expires time.Time) (*testEnv, *domain.Note, *remoteActor) {
		env := newTestEnv(t)
		alice := env.localAccount(t, "alice")
		poll := &domain.Note{
			Message: "tea or coffee?",
			Poll: &domain.Poll{
				Choices:   []domain.PollChoice{{Text: "tea"}, {Text: "coffee"}},
				ExpiresAt: &expires,
			},
		}
		require.NoError(t, env.f.PublishNote(ctx, alice, poll))
		bob := env.remoteActor(t, "r.example", "bob")
		bob.note("/votes/1", map[string]any{
			"name":      "coffee",
			"content":   "",
			"inReplyTo": env.f.NoteURI(poll.Id),
			"to":        []any{alice.URI},
			"cc":        nil,
		})
		return env, poll, bob
	}

	t.Run("open poll", func(t *testing.T) {
		env, poll, bob := setup(t, time.Now().Add(time.Hour))

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/votes/1")), nil)
		require.NoError(t, err)
		assert.Nil(t, n, "votes are not stored as notes")

		stored, err := env.store.ReadNoteById(ctx, poll.Id)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.Poll.Choices[0].Votes)
		assert.Equal(t, 1, stored.Poll.Choices[1].Votes)
		assert.True(t, env.pub.has("pollVoted"))

		vote, err := env.store.ReadNoteByURI(ctx, bob.host.uri("/votes/1"))
		require.NoError(t, err)
		assert.Nil(t, vote)
	})

	t.Run("expired poll", func(t *testing.T) {
		env, poll, bob := setup(t, time.Now().Add(-time.Hour))

		n, err := env.f.CreateNote(ctx, URIRef(bob.host.uri("/votes/1")), nil)
		require.NoError(t, err)
		assert.Nil(t, n)

		stored, err := env.store.ReadNoteById(ctx, poll.Id)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.Poll.Choices[1].Votes)
		assert.False(t, env.pub.has("pollVoted"))
	})
}

func TestUpdateNote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	carol := env.remoteActor(t, "r.example", "carol")
	note := bob.note("/notes/1", nil)

	created, err := env.f.CreateNote(ctx, URIRef(note["id"].(string)), nil)
	require.NoError(t, err)
	bobAcc := env.account(t, bob)
	carolAcc := env.account(t, carol)

	note["content"] = "<p>edited</p>"
	note["summary"] = "cw"
	bob.host.put("/notes/1", note)

	_, err = env.f.UpdateNote(ctx, carolAcc, URIRef(note["id"].(string)), env.f.NewResolver())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))

	res, err := env.f.UpdateNote(ctx, bobAcc, URIRef(note["id"].(string)), env.f.NewResolver())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	stored, err := env.store.ReadNoteById(ctx, created.Id)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Message)
	assert.Equal(t, "cw", stored.ContentWarning)
	assert.NotNil(t, stored.UpdatedAt)
	assert.True(t, env.pub.has("noteUpdated"))

	unknown := bob.note("/notes/unknown", nil)
	res, err = env.f.UpdateNote(ctx, bobAcc, URIRef(unknown["id"].(string)), env.f.NewResolver())
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, res.Status)
}

func TestUpdateQuestionCounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	question := bob.note("/notes/q", map[string]any{
		"type":  "Question",
		"oneOf": []any{map[string]any{"type": "Note", "name": "a", "replies": map[string]any{"totalItems": 1}}},
	})
	created, err := env.f.CreateNote(ctx, URIRef(question["id"].(string)), nil)
	require.NoError(t, err)
	require.NotNil(t, created.Poll)

	question["oneOf"] = []any{map[string]any{"type": "Note", "name": "a", "replies": map[string]any{"totalItems": 7}}}
	bob.host.put("/notes/q", question)

	_, err = env.f.UpdateNote(ctx, env.account(t, bob), URIRef(question["id"].(string)), env.f.NewResolver())
	require.NoError(t, err)

	stored, err := env.store.ReadNoteById(ctx, created.Id)
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Poll.Choices[0].Votes)
}

func TestDeleteNote(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	carol := env.remoteActor(t, "r.example", "carol")
	note := bob.note("/notes/1", nil)
	uri := note["id"].(string)
	_, err := env.f.CreateNote(ctx, URIRef(uri), nil)
	require.NoError(t, err)

	res, err := env.f.DeleteNote(ctx, env.account(t, carol), uri)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, res.Status)

	res, err = env.f.DeleteNote(ctx, env.account(t, bob), uri)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, env.pub.has("noteDeleted"))

	stored, err := env.store.ReadNoteByURI(ctx, uri)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())

	res, err = env.f.DeleteNote(ctx, env.account(t, bob), uri)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, res.Status)
}

func TestAnnounceAndUndo(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	carol := env.remoteActor(t, "s.example", "carol")
	target := bob.note("/notes/1", nil)
	carolAcc := env.account(t, carol)

	announce := mustActivity(t, map[string]any{
		"id":        carol.host.uri("/announces/1"),
		"type":      "Announce",
		"actor":     carol.uri,
		"object":    target["id"],
		"to":        []any{PublicCollection},
		"published": "2024-01-02T03:04:05Z",
	})

	res, err := env.f.Announce(ctx, carolAcc, announce, env.f.NewResolver())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	renote, err := env.store.ReadNoteByURI(ctx, announce.Id)
	require.NoError(t, err)
	require.NotNil(t, renote)
	assert.True(t, renote.IsPureRenote())
	assert.Equal(t, domain.VisibilityPublic, renote.Visibility)

	res, err = env.f.Announce(ctx, carolAcc, announce, env.f.NewResolver())
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, res.Status)

	res, err = env.f.UndoAnnounce(ctx, carolAcc, announce)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	renote, err = env.store.ReadNoteByURI(ctx, announce.Id)
	require.NoError(t, err)
	assert.True(t, renote.IsDeleted())
}

func TestAnnounceRequiresActorHost(t *testing.T) {
	env := newTestEnv(t)
	bob := env.remoteActor(t, "r.example", "bob")
	carol := env.remoteActor(t, "s.example", "carol")
	target := bob.note("/notes/1", nil)

	announce := mustActivity(t, map[string]any{
		"id":     bob.host.uri("/announces/1"),
		"type":   "Announce",
		"actor":  carol.uri,
		"object": target["id"],
		"to":     []any{PublicCollection},
	})
	_, err := env.f.Announce(context.Background(), env.account(t, carol), announce, env.f.NewResolver())
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestUndoAnnounceWithoutRenote(t *testing.T) {
	env := newTestEnv(t)
	carol := env.remoteActor(t, "s.example", "carol")
	announce := mustActivity(t, map[string]any{
		"id":     carol.host.uri("/announces/1"),
		"type":   "Announce",
		"actor":  carol.uri,
		"object": "https://r.example/notes/unknown",
	})

	res, err := env.f.UndoAnnounce(context.Background(), env.account(t, carol), announce)
	require.NoError(t, err)
	assert.Equal(t, StatusSkip, res.Status)
}
