package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/markup"
	"github.com/deemkeen/fedcore/policy"
	"github.com/deemkeen/fedcore/stream"
	"github.com/deemkeen/fedcore/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDomain = "local.example"

// RSA key generation dominates test time, so keys are shared per binary.
var (
	testKeysMu sync.Mutex
	testKeys   = map[int]*util.RsaKeyPair{}
)

func testKeyPair(t *testing.T, idx int) *util.RsaKeyPair {
	t.Helper()
	testKeysMu.Lock()
	defer testKeysMu.Unlock()
	if k, ok := testKeys[idx]; ok {
		return k
	}
	k, err := util.GeneratePemKeypair(2048)
	require.NoError(t, err)
	testKeys[idx] = k
	return k
}

// served is one canned response of a fake remote server.
type served struct {
	status      int
	contentType string
	body        []byte
}

type posted struct {
	req  *http.Request
	body []byte
}

// remoteHost is an in-memory fediverse server: it serves objects by path,
// answers webfinger queries and records what is posted to it.
type remoteHost struct {
	name string

	mu        sync.Mutex
	objects   map[string]served
	webfinger map[string]WebfingerResponse
	fetches   map[string]int
	inboxCode int
	posts     []posted
}

func (h *remoteHost) uri(path string) string {
	return "https://" + h.name + path
}

func (h *remoteHost) put(path string, obj any) {
	body, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	h.putRaw(path, http.StatusOK, "application/activity+json", body)
}

func (h *remoteHost) putRaw(path string, status int, contentType string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[path] = served{status: status, contentType: contentType, body: body}
}

func (h *remoteHost) fail(path string, status int) {
	h.putRaw(path, status, "text/plain", []byte(http.StatusText(status)))
}

func (h *remoteHost) setWebfinger(resource string, wf WebfingerResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.webfinger[resource] = wf
}

func (h *remoteHost) fetchCount(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches[path]
}

func (h *remoteHost) received() []posted {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]posted(nil), h.posts...)
}

func (h *remoteHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		h.posts = append(h.posts, posted{req: r, body: body})
		code := h.inboxCode
		if code == 0 {
			code = http.StatusAccepted
		}
		w.WriteHeader(code)
		return
	}

	h.fetches[r.URL.Path]++
	if r.URL.Path == "/.well-known/webfinger" {
		wf, ok := h.webfinger[r.URL.Query().Get("resource")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		_ = json.NewEncoder(w).Encode(wf)
		return
	}

	obj, ok := h.objects[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", obj.contentType)
	w.WriteHeader(obj.status)
	_, _ = w.Write(obj.body)
}

// fakeNet routes outbound requests to remote hosts by URL host.
type fakeNet struct {
	mu    sync.Mutex
	hosts map[string]*remoteHost
}

func (n *fakeNet) host(name string) *remoteHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosts[name]
	if !ok {
		h = &remoteHost{
			name:      name,
			objects:   make(map[string]served),
			webfinger: make(map[string]WebfingerResponse),
			fetches:   make(map[string]int),
		}
		n.hosts[name] = h
	}
	return h
}

func (n *fakeNet) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	h, ok := n.hosts[req.URL.Host]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial tcp: lookup %s: no such host", req.URL.Host)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []stream.Event
}

func (p *recordingPublisher) Publish(eventType string, body any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, stream.Event{Type: eventType, Body: body})
}

func (p *recordingPublisher) has(eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type testEnv struct {
	conf  *util.AppConfig
	store *db.DB
	net   *fakeNet
	pub   *recordingPublisher
	f     *Federator
	inbox *Inbox
}

type envConfig struct {
	conf    *util.AppConfig
	policy  policy.File
	fedOpts []Option
}

type envOption func(*envConfig)

func withPolicy(p policy.File) envOption {
	return func(c *envConfig) { c.policy = p }
}

func withConf(fn func(*util.AppConfig)) envOption {
	return func(c *envConfig) { fn(c.conf) }
}

func withClock(now func() time.Time) envOption {
	return func(c *envConfig) { c.fedOpts = append(c.fedOpts, WithClock(now)) }
}

// testClock is a settable clock for the federator.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	conf, err := util.ParseConf([]byte("conf:\n  sslDomain: " + testDomain + "\n"))
	require.NoError(t, err)
	cfg := &envConfig{conf: conf}
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := db.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	net := &fakeNet{hosts: make(map[string]*remoteHost)}
	pub := &recordingPublisher{}
	fedOpts := append([]Option{WithHTTPClient(&http.Client{Transport: net})}, cfg.fedOpts...)
	f := NewFederator(conf, store, policy.New(cfg.policy), markup.NewTranscoder(), pub, zap.NewNop(), fedOpts...)
	// background refreshes must finish before the database closes
	t.Cleanup(f.Wait)

	env := &testEnv{conf: conf, store: store, net: net, pub: pub, f: f}

	keys := testKeyPair(t, 0)
	instance := &domain.Account{Username: InstanceActorName, IsBot: true, IsLocked: true, PrivateKeyPem: keys.Private, PublicKeyPem: keys.Public}
	require.NoError(t, f.PrepareLocalAccount(instance))
	require.NoError(t, store.CreateAccount(context.Background(), instance))
	_, err = f.EnsureInstanceActor(context.Background())
	require.NoError(t, err)

	env.inbox = NewInbox(f)
	return env
}

func (e *testEnv) localAccount(t *testing.T, username string) *domain.Account {
	t.Helper()
	keys := testKeyPair(t, 0)
	acc := &domain.Account{Username: username, DisplayName: username, PrivateKeyPem: keys.Private, PublicKeyPem: keys.Public}
	require.NoError(t, e.f.PrepareLocalAccount(acc))
	require.NoError(t, e.store.CreateAccount(context.Background(), acc))
	return acc
}

// remoteActor is an actor served by a fake remote host.
type remoteActor struct {
	host     *remoteHost
	username string
	uri      string
	keyId    string
	keys     *util.RsaKeyPair
	object   map[string]any
}

func (a *remoteActor) acct() string {
	return a.username + "@" + a.host.name
}

// remoteActor publishes a Person on host together with its webfinger
// entries. Mutators run on the actor JSON before it is served.
func (e *testEnv) remoteActor(t *testing.T, host, username string, mutators ...func(map[string]any)) *remoteActor {
	t.Helper()
	h := e.net.host(host)
	keys := testKeyPair(t, 1)
	uri := h.uri("/users/" + username)
	person := map[string]any{
		"@context":          []any{ContextActivityStreams, ContextSecurity},
		"id":                uri,
		"type":              "Person",
		"preferredUsername": username,
		"name":              username,
		"inbox":             uri + "/inbox",
		"outbox":            uri + "/outbox",
		"followers":         uri + "/followers",
		"endpoints":         map[string]any{"sharedInbox": h.uri("/inbox")},
		"publicKey": map[string]any{
			"id":           uri + "#main-key",
			"owner":        uri,
			"publicKeyPem": keys.Public,
		},
	}
	for _, m := range mutators {
		m(person)
	}
	h.put("/users/"+username, person)

	wf := WebfingerResponse{
		Subject: "acct:" + username + "@" + host,
		Links:   []WebfingerLink{{Rel: "self", Type: "application/activity+json", Href: uri}},
	}
	h.setWebfinger("acct:"+username+"@"+host, wf)
	h.setWebfinger(uri, wf)

	return &remoteActor{host: h, username: username, uri: uri, keyId: uri + "#main-key", keys: keys, object: person}
}

// account returns the stored account of a, resolving it first if needed.
func (e *testEnv) account(t *testing.T, a *remoteActor) *domain.Account {
	t.Helper()
	acc, err := e.f.ResolvePerson(context.Background(), a.uri, nil)
	require.NoError(t, err)
	require.NotNil(t, acc)
	return acc
}

// note publishes a post by author at path and returns its JSON.
func (a *remoteActor) note(path string, fields map[string]any) map[string]any {
	n := map[string]any{
		"@context":     ContextActivityStreams,
		"id":           a.host.uri(path),
		"type":         "Note",
		"attributedTo": a.uri,
		"content":      "<p>hello</p>",
		"published":    "2024-01-02T03:04:05Z",
		"to":           []any{PublicCollection},
		"cc":           []any{a.uri + "/followers"},
	}
	maps.Copy(n, fields)
	a.host.put(path, n)
	return n
}

// signedPost builds an inbox POST signed with the actor's key.
func (e *testEnv) signedPost(t *testing.T, a *remoteActor, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/activity+json")
	key, err := ParsePrivateKey(a.keys.Private)
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, key, a.keyId, body))
	return req
}

func (e *testEnv) postActivity(t *testing.T, a *remoteActor, activity map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	e.inbox.HandleInbox(rec, e.signedPost(t, a, "/inbox", body))
	return rec
}

func (e *testEnv) claimAll(t *testing.T) []domain.InboxJob {
	t.Helper()
	jobs, err := e.store.ClaimInboxJobs(context.Background(), 100)
	require.NoError(t, err)
	return jobs
}

func (e *testEnv) jobCount(t *testing.T) int {
	t.Helper()
	n, err := e.store.CountInboxJobs(context.Background())
	require.NoError(t, err)
	return n
}

func (e *testEnv) pendingDeliveries(t *testing.T) []domain.DeliveryQueueItem {
	t.Helper()
	// everything still queued, whenever it comes due
	items, err := e.store.ReadPendingDeliveries(context.Background(), time.Now().AddDate(10, 0, 0), 100)
	require.NoError(t, err)
	return items
}

func decodeActivity(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func mustActivity(t *testing.T, m map[string]any) *Activity {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	obj, err := DecodeObject(raw)
	require.NoError(t, err)
	act, ok := obj.(*Activity)
	require.True(t, ok, "decoded %T", obj)
	return act
}
