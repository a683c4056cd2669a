package activitypub

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"go.uber.org/zap"
)

var acctSubjectPattern = regexp.MustCompile(`^acct:([^@]+)@(.*)$`)

// ResolveSelf finds the actor link for acct (user@host, lowercase). When the
// server answers with a different subject, that subject is asked again at
// its own host and both answers must agree on the self link.
func (f *Federator) ResolveSelf(ctx context.Context, acct string) (*WebfingerLink, error) {
	acct = strings.ToLower(acct)
	log := f.log.Named("resolve-user")

	f1, err := f.Discover(ctx, acct, "")
	if err != nil {
		return nil, err
	}
	if strings.ToLower(f1.Subject) == "acct:"+acct {
		return &f1.Self, nil
	}

	m := acctSubjectPattern.FindStringSubmatch(strings.ToLower(f1.Subject))
	if m == nil {
		log.Error("Invalid webfinger subject", zap.String("acct", acct), zap.String("subject", f1.Subject))
		return nil, &ReconciliationError{Acct: acct, Reason: fmt.Sprintf("invalid subject %s", f1.Subject)}
	}
	acct2 := m[1] + "@" + m[2]

	f2, err := f.Discover(ctx, acct2, "")
	if err != nil {
		return nil, err
	}
	if strings.ToLower(f2.Subject) == "acct:"+acct2 && f1.Self.Href == f2.Self.Href {
		return &f2.Self, nil
	}

	log.Error("Webfinger subject mismatch", zap.String("acct", acct), zap.String("subject", f2.Subject))
	return nil, &ReconciliationError{Acct: acct, Reason: "subject mismatch"}
}

// CheckCanonical confirms which host an actor's identity belongs to and
// records it as the account's canonical host. The account URI is never
// changed here.
func (f *Federator) CheckCanonical(ctx context.Context, uri string) error {
	f1, err := f.Discover(ctx, uri, "")
	if err != nil {
		return err
	}

	u, err := url.Parse(uri)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("invalid uri %q", uri)}
	}
	queryHost := strings.ToLower(u.Host)

	acct1 := strings.ToLower(f1.Subject)
	m := acctSubjectPattern.FindStringSubmatch(acct1)
	if m == nil {
		return &ReconciliationError{Acct: uri, Reason: fmt.Sprintf("invalid subject %s", f1.Subject)}
	}
	host1 := m[2]
	if host1 == queryHost {
		return nil
	}

	f2, err := f.Discover(ctx, acct1, host1)
	if err != nil {
		return err
	}
	m2 := acctSubjectPattern.FindStringSubmatch(strings.ToLower(f2.Subject))
	if m2 == nil {
		return &ReconciliationError{Acct: acct1, Reason: fmt.Sprintf("invalid subject %s", f2.Subject)}
	}
	if m2[2] != host1 {
		return &ReconciliationError{Acct: acct1, Reason: "canonical host mismatch"}
	}

	acc, err := f.store.ReadAccountByURI(ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to read account %s: %w", uri, err)
	}
	if acc == nil {
		return nil
	}
	return f.store.UpdateAccountCanonicalHost(ctx, acc.Id, util.NormalizeHost(host1))
}

// ResolveUser returns the account for username@host. host "" or our own
// domain selects a local account. Unknown remote accounts are discovered and
// created; stale ones are resynced, and a failed resync falls back to the
// cached account.
func (f *Federator) ResolveUser(ctx context.Context, username, host string, resync bool) (*domain.Account, error) {
	log := f.log.Named("resolve-user")
	usernameLower := strings.ToLower(username)

	hostASCII := util.ASCIIHost(host)
	host = util.NormalizeHost(host)
	if host == "" || host == f.domain {
		return f.store.ReadAccountByUsername(ctx, usernameLower, "")
	}
	if !f.conf.Conf.WithAp {
		return nil, nil
	}

	acc, err := f.store.ReadAccountByUsername(ctx, usernameLower, host)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc, err = f.store.ReadAccountByCanonicalHost(ctx, usernameLower, host)
		if err != nil {
			return nil, err
		}
	}

	acct := usernameLower + "@" + hostASCII

	if acc == nil {
		self, err := f.ResolveSelf(ctx, acct)
		if err != nil {
			return nil, err
		}
		log.Info("Creating new remote user", zap.String("acct", acct))
		return f.CreatePerson(ctx, self.Href, nil)
	}

	now := f.now()
	if !resync && !acc.NeedsResync(now, userResyncAge) {
		return acc, nil
	}

	// touched before the attempt so an unreachable host is not retried by every caller
	if err := f.store.TouchAccountFetchedAt(ctx, acc.Id, now); err != nil {
		return nil, fmt.Errorf("failed to touch account %s: %w", acct, err)
	}
	acc.LastFetchedAt = &now

	resynced, err := f.resyncUser(ctx, acc, acct, hostASCII)
	if err != nil {
		log.Warn("Resync failed", zap.String("acct", acct), zap.Error(err))
		return acc, nil
	}
	return resynced, nil
}

func (f *Federator) resyncUser(ctx context.Context, acc *domain.Account, acct, hostASCII string) (*domain.Account, error) {
	log := f.log.Named("resolve-user")

	self, err := f.ResolveSelf(ctx, acct)
	if err != nil {
		return nil, err
	}

	if acc.URI != self.Href {
		u, err := url.Parse(self.Href)
		if err != nil || strings.ToLower(u.Hostname()) != hostASCII {
			return nil, &ValidationError{Reason: fmt.Sprintf("resynced uri %s is not on %s", self.Href, hostASCII)}
		}
		log.Info("Correcting account uri", zap.String("acct", acct), zap.String("from", acc.URI), zap.String("to", self.Href))
		acc.URI = self.Href
		if err := f.store.UpdateAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("failed to correct uri of %s: %w", acct, err)
		}
	}

	if err := f.UpdatePerson(ctx, self.Href, nil); err != nil {
		return nil, err
	}
	return f.store.ReadAccountByURI(ctx, self.Href)
}
