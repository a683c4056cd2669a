package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxObjectSize      = 64 << 10
	maxCollectionPages = 100
	maxCollectionItems = 100
	resolveBudget      = 1024

	acceptActivityJSON = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

const reasonTooManyReferences = "too many references"

// Resolver fetches remote objects for one operation. Every URI is fetched
// at most once; later lookups get the first answer, error included.
type Resolver struct {
	f          *Federator
	signer     *domain.Account
	signerHost string

	mu      sync.Mutex
	history map[string]fetched
	// notes whose lock is held somewhere up this resolution chain
	held map[string]struct{}
}

// NewResolver starts a resolution context. Fetches are signed as the
// instance actor when one has been set.
func (f *Federator) NewResolver() *Resolver {
	return &Resolver{
		f:       f,
		history: make(map[string]fetched),
		held:    make(map[string]struct{}),
		signer:  f.fetchActor(),
	}
}

// SignAs makes the resolver present acc on every GET.
func (r *Resolver) SignAs(acc *domain.Account) *Resolver {
	r.signer = acc
	return r
}

// BindSigner records the host of the transport signer. Objects resolved
// through this resolver must originate from it.
func (r *Resolver) BindSigner(host string) *Resolver {
	r.signerHost = util.NormalizeHost(host)
	return r
}

// fromSigner reports whether uri lives on the host that signed the request
// this resolver works for. Unbound resolvers accept everything.
func (r *Resolver) fromSigner(uri string) bool {
	return r.signerHost == "" || util.HostOf(uri) == r.signerHost
}

// Resolve returns an embedded object as is and fetches everything else.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Object, error) {
	if ref.Embedded() {
		return DecodeObject(ref.Raw)
	}
	if ref.Id == "" {
		return nil, &ValidationError{Reason: "empty object reference"}
	}
	return r.ResolveURI(ctx, ref.Id)
}

func (r *Resolver) ResolveURI(ctx context.Context, uri string) (Object, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid object uri %q", uri)}
	}
	host := util.NormalizeHost(u.Hostname())
	if r.f.policy.IsBlocked(host) {
		return nil, &PolicyRejection{Host: host, Reason: "blocked"}
	}

	if r.f.IsSelfOrigin(uri) {
		return r.f.resolveLocal(ctx, uri)
	}

	if prev, ok, err := r.recall(uri); err != nil || ok {
		if err != nil {
			return nil, err
		}
		if prev.err != nil {
			return nil, prev.err
		}
		return DecodeObject(prev.raw)
	}

	raw, err := r.f.apGet(ctx, uri, r.signer)
	r.remember(uri, fetched{raw: raw, err: err})
	if err != nil {
		return nil, err
	}
	return DecodeObject(raw)
}

// fetched is the outcome of one GET.
type fetched struct {
	raw []byte
	err error
}

// recall returns the earlier outcome for uri. It fails once the operation
// has fetched resolveBudget distinct URIs.
func (r *Resolver) recall(uri string) (fetched, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, seen := r.history[uri]; seen {
		return prev, true, nil
	}
	if len(r.history) >= resolveBudget {
		return fetched{}, false, &ResolutionFailure{URI: uri, Reason: "resolution budget exhausted"}
	}
	return fetched{}, false, nil
}

func (r *Resolver) remember(uri string, res fetched) {
	r.mu.Lock()
	r.history[uri] = res
	r.mu.Unlock()
}

// hold marks uri as locked by this chain. It fails when the chain already
// holds it, which means the references loop back.
func (r *Resolver) hold(uri string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.held[uri]; held {
		return nil, &ResolutionFailure{URI: uri, Reason: "circular reference"}
	}
	r.held[uri] = struct{}{}
	return func() {
		r.mu.Lock()
		delete(r.held, uri)
		r.mu.Unlock()
	}, nil
}

// WalkCollection visits the items of a paged collection: the root, its
// first page and then every next page. visit reports whether it accepted
// the item. More than 100 pages, more than 100 accepted items or a page
// seen twice is a ResolutionFailure and the caller must discard whatever
// it collected.
func (r *Resolver) WalkCollection(ctx context.Context, ref Ref, visit func(ctx context.Context, item Ref) bool) error {
	root, err := r.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	var page *CollectionPage
	switch c := root.(type) {
	case *Collection:
		if c.First.IsZero() {
			page = &CollectionPage{ObjectBase: c.ObjectBase, Items: c.Items, OrderedItems: c.OrderedItems}
			break
		}
		first, err := r.Resolve(ctx, c.First)
		if err != nil {
			return err
		}
		p, ok := first.(*CollectionPage)
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("first page of %s is a %s", c.Id, first.ObjectType())}
		}
		page = p
	case *CollectionPage:
		page = c
	default:
		return &ValidationError{Reason: fmt.Sprintf("%s is not a collection", root.ObjectType())}
	}

	visited := make(map[string]struct{})
	pages, accepted := 0, 0
	for {
		pages++
		if pages > maxCollectionPages {
			return &ResolutionFailure{URI: ref.Id, Reason: reasonTooManyReferences}
		}
		if page.Id != "" {
			visited[page.Id] = struct{}{}
		}

		for _, item := range page.AllItems() {
			if visit(ctx, item) {
				accepted++
				if accepted > maxCollectionItems {
					return &ResolutionFailure{URI: ref.Id, Reason: reasonTooManyReferences}
				}
			}
		}

		if page.Next.IsZero() {
			return nil
		}
		if _, seen := visited[page.Next.Id]; seen {
			return &ResolutionFailure{URI: ref.Id, Reason: reasonTooManyReferences}
		}
		next, err := r.Resolve(ctx, page.Next)
		if err != nil {
			return err
		}
		p, ok := next.(*CollectionPage)
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("next page of %s is a %s", ref.Id, next.ObjectType())}
		}
		page = p
	}
}

// Resolve fetches a single object with a fresh resolution context.
func (f *Federator) Resolve(ctx context.Context, uri string) (Object, error) {
	return f.NewResolver().ResolveURI(ctx, uri)
}

func (f *Federator) apGet(ctx context.Context, uri string, signer *domain.Account) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid object uri %q", uri)}
	}
	req.Header.Set("Accept", acceptActivityJSON)
	req.Header.Set("User-Agent", f.userAgent)

	if signer != nil {
		key, err := ParsePrivateKey(signer.PrivateKeyPem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key of %s: %w", signer.Username, err)
		}
		if err := SignRequest(req, key, f.ActorURI(signer.Username)+"#main-key", nil); err != nil {
			return nil, err
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ResolutionFailure{URI: uri, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ResolutionFailure{URI: uri, Reason: fmt.Sprintf("remote server returned status %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}
	if !isActivityContentType(resp.Header.Get("Content-Type")) {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported content type %q from %s", resp.Header.Get("Content-Type"), uri)}
	}
	if resp.ContentLength > maxObjectSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("response from %s is too large", uri)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return nil, &ResolutionFailure{URI: uri, Reason: "failed to read response", Err: err}
	}
	if len(body) > maxObjectSize {
		return nil, &ValidationError{Reason: fmt.Sprintf("response from %s is too large", uri)}
	}
	if !json.Valid(body) {
		return nil, &ValidationError{Reason: fmt.Sprintf("response from %s is not json", uri)}
	}
	return body, nil
}

func isActivityContentType(contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/activity+json":
		return true
	case "application/ld+json":
		for _, p := range strings.Fields(params["profile"]) {
			if p == ContextActivityStreams {
				return true
			}
		}
	}
	return false
}

// resolveLocal renders objects of this server instead of fetching them.
func (f *Federator) resolveLocal(ctx context.Context, uri string) (Object, error) {
	path := strings.Trim(f.localPath(uri), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot resolve local uri %s", uri)}
	}

	var rendered any
	switch parts[0] {
	case "notes":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("cannot resolve local uri %s", uri)}
		}
		note, err := f.store.ReadNoteById(ctx, id)
		if err != nil {
			return nil, err
		}
		if note == nil || note.IsDeleted() {
			return nil, &ResolutionFailure{URI: uri, Reason: "local note not found"}
		}
		rendered, err = f.RenderNote(ctx, note)
		if err != nil {
			return nil, err
		}
	case "users":
		acc, err := f.store.ReadAccountByUsername(ctx, parts[1], "")
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, &ResolutionFailure{URI: uri, Reason: "local account not found"}
		}
		rendered = f.RenderPerson(acc)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot resolve local uri %s", uri)}
	}

	raw, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal local object: %w", err)
	}
	obj, err := DecodeObject(raw)
	if err != nil {
		f.log.Error("Local object does not decode", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}
	return obj, nil
}
