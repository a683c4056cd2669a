package activitypub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"go.uber.org/zap"
)

// InstanceActorName is the local account that signs fetches made on behalf
// of the server itself.
const InstanceActorName = "instance.actor"

// EnsureInstanceActor loads or creates the instance actor and makes every
// new resolver sign its fetches with it.
func (f *Federator) EnsureInstanceActor(ctx context.Context) (*domain.Account, error) {
	acc, err := f.store.ReadAccountByUsername(ctx, InstanceActorName, "")
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &domain.Account{Username: InstanceActorName, IsBot: true, IsLocked: true}
		if err := f.PrepareLocalAccount(acc); err != nil {
			return nil, err
		}
		if err := f.store.CreateAccount(ctx, acc); err != nil && !errors.Is(err, db.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create instance actor: %w", err)
		}
		if acc, err = f.store.ReadAccountByUsername(ctx, InstanceActorName, ""); err != nil {
			return nil, err
		}
	}
	f.instanceActor.Store(acc)
	return acc, nil
}

func (f *Federator) fetchActor() *domain.Account {
	return f.instanceActor.Load()
}

// ResolvePerson returns the stored account for an actor URI, creating it
// from the remote actor on first sight.
func (f *Federator) ResolvePerson(ctx context.Context, uri string, r *Resolver) (*domain.Account, error) {
	if f.IsSelfOrigin(uri) {
		path := f.localPath(uri)
		if !strings.HasPrefix(path, "/users/") {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s is not a local actor", uri)}
		}
		acc, err := f.store.ReadAccountByUsername(ctx, strings.TrimPrefix(path, "/users/"), "")
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, &ResolutionFailure{URI: uri, Reason: "local account not found"}
		}
		return acc, nil
	}

	acc, err := f.store.ReadAccountByURI(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to read account %s: %w", uri, err)
	}
	if acc != nil {
		return acc, nil
	}
	return f.CreatePerson(ctx, uri, r)
}

// CreatePerson fetches a remote actor and stores it.
func (f *Federator) CreatePerson(ctx context.Context, uri string, r *Resolver) (*domain.Account, error) {
	if f.IsSelfOrigin(uri) {
		return nil, &ValidationError{Reason: fmt.Sprintf("cannot create local actor %s as remote", uri)}
	}
	if r == nil {
		r = f.NewResolver()
	}

	obj, err := r.ResolveURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	person, err := validateActor(obj, uri)
	if err != nil {
		return nil, err
	}

	now := f.now()
	acc := &domain.Account{Host: util.HostOf(person.Id), LastFetchedAt: &now, CreatedAt: now}
	applyPerson(acc, person)

	if err := f.store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// created concurrently
			return f.store.ReadAccountByURI(ctx, person.Id)
		}
		return nil, fmt.Errorf("failed to store account %s: %w", person.Id, err)
	}
	f.log.Named("person").Info("Registered remote actor", zap.String("acct", acc.Acct()), zap.String("uri", acc.URI))

	if err := f.CheckCanonical(ctx, acc.URI); err != nil {
		f.log.Named("person").Warn("Canonical host check failed", zap.String("uri", acc.URI), zap.Error(err))
	}
	return acc, nil
}

// UpdatePerson refetches a known remote actor. Unknown URIs are ignored.
func (f *Federator) UpdatePerson(ctx context.Context, uri string, r *Resolver) error {
	if f.IsSelfOrigin(uri) {
		return nil
	}
	acc, err := f.store.ReadAccountByURI(ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to read account %s: %w", uri, err)
	}
	if acc == nil {
		return nil
	}
	if r == nil {
		r = f.NewResolver()
	}

	obj, err := r.ResolveURI(ctx, uri)
	if err != nil {
		return err
	}
	person, err := validateActor(obj, uri)
	if err != nil {
		return err
	}
	return f.applyPersonUpdate(ctx, acc, person)
}

func (f *Federator) applyPersonUpdate(ctx context.Context, acc *domain.Account, person *Person) error {
	now := f.now()
	applyPerson(acc, person)
	acc.LastFetchedAt = &now
	acc.UpdatedAt = &now
	if err := f.store.UpdateAccount(ctx, acc); err != nil {
		return fmt.Errorf("failed to update account %s: %w", acc.URI, err)
	}
	f.publisher.Publish("accountUpdated", map[string]string{"id": acc.Id.String(), "uri": acc.URI})
	return nil
}

// validateActor checks that obj is an actor living where uri says it does.
func validateActor(obj Object, uri string) (*Person, error) {
	person, ok := obj.(*Person)
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("%s is a %s, not an actor", uri, obj.ObjectType())}
	}
	host := util.HostOf(uri)
	if util.HostOf(person.Id) != host {
		return nil, &ValidationError{Reason: fmt.Sprintf("actor id %s does not match host %s", person.Id, host)}
	}
	if util.HostOf(person.Inbox) == "" {
		return nil, &ValidationError{Reason: "actor has no inbox"}
	}
	if pk := person.PublicKey; pk != nil {
		if pk.Owner != "" && pk.Owner != person.Id {
			return nil, &ValidationError{Reason: "public key owner does not match actor"}
		}
		if util.HostOf(pk.Id) != host {
			return nil, &ValidationError{Reason: "public key id is on another host"}
		}
	}
	return person, nil
}

func applyPerson(acc *domain.Account, p *Person) {
	acc.Username = p.PreferredUsername
	acc.URI = p.Id
	acc.URL = p.URL.Id
	acc.InboxURI = p.Inbox
	acc.SharedInboxURI = p.SharedInbox()
	acc.OutboxURI = p.Outbox
	acc.FollowersURI = p.Followers
	acc.FeaturedURI = p.Featured
	acc.DisplayName = p.Name
	acc.Summary = p.Summary
	acc.IsBot = p.Type == "Service" || p.Type == "Application"
	acc.IsLocked = p.ManuallyApprovesFollowers
	if p.Icon != nil {
		acc.AvatarURL = p.Icon.URL.Id
	}
	if p.PublicKey != nil {
		acc.PublicKeyPem = p.PublicKey.PublicKeyPem
		acc.KeyId = p.PublicKey.Id
	}
}
