package web

import (
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoteRoute(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.localAccount(t, "alice")
	deletedAt := time.Now()

	public := ts.note(t, &domain.Note{UserId: alice.Id, Message: "hello *there*", Visibility: domain.VisibilityPublic})
	home := ts.note(t, &domain.Note{UserId: alice.Id, Message: "home", Visibility: domain.VisibilityHome})
	followers := ts.note(t, &domain.Note{UserId: alice.Id, Message: "friends", Visibility: domain.VisibilityFollowers})
	direct := ts.note(t, &domain.Note{UserId: alice.Id, Message: "psst", Visibility: domain.VisibilitySpecified})
	deleted := ts.note(t, &domain.Note{UserId: alice.Id, Message: "gone", DeletedAt: &deletedAt})
	remote := ts.note(t, &domain.Note{UserId: alice.Id, UserHost: "r.example", URI: "https://r.example/notes/1", Message: "theirs"})

	w := ts.get("/notes/" + public.Id.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, activityJSON, w.Header().Get("Content-Type"))
	obj := decodeJSON(t, w)
	assert.Equal(t, "https://"+testDomain+"/notes/"+public.Id.String(), obj["id"])
	assert.Equal(t, "Note", obj["type"])
	assert.Equal(t, alice.URI, obj["attributedTo"])
	assert.Contains(t, obj["content"], "<em>there</em>")
	assert.NotEmpty(t, obj["@context"])

	assert.Equal(t, http.StatusOK, ts.get("/notes/"+home.Id.String()).Code)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"followers only", "/notes/" + followers.Id.String(), http.StatusNotFound},
		{"direct", "/notes/" + direct.Id.String(), http.StatusNotFound},
		{"deleted", "/notes/" + deleted.Id.String(), http.StatusGone},
		{"remote", "/notes/" + remote.Id.String(), http.StatusNotFound},
		{"unknown", "/notes/" + uuid.NewString(), http.StatusNotFound},
		{"not a uuid", "/notes/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ts.get(tt.path).Code)
		})
	}
}

func TestOutboxRoute(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.localAccount(t, "alice")
	ts.note(t, &domain.Note{UserId: alice.Id, Message: "one"})
	ts.note(t, &domain.Note{UserId: alice.Id, Message: "two", Visibility: domain.VisibilityHome})
	ts.note(t, &domain.Note{UserId: alice.Id, Message: "three", Visibility: domain.VisibilityFollowers})

	w := ts.get("/users/alice/outbox")
	require.Equal(t, http.StatusOK, w.Code)
	outbox := decodeJSON(t, w)
	assert.Equal(t, alice.URI+"/outbox", outbox["id"])
	assert.Equal(t, float64(2), outbox["totalItems"])
	assert.Len(t, outbox["orderedItems"], 2)

	assert.Equal(t, http.StatusNotFound, ts.get("/users/nobody/outbox").Code)
}
