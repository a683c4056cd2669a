package activitypub

import (
	"context"

	"github.com/deemkeen/fedcore/domain"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

// concurrent actor lookups while resolving an audience
const audienceConcurrency = 2

type audience struct {
	visibility   domain.Visibility
	visibleUsers []*domain.Account
	mentioned    []*domain.Account
}

type audienceGroups struct {
	public    []string
	followers []string
	other     []string
}

func groupAudience(ids IRIs, actor *domain.Account) audienceGroups {
	followers := actor.FollowersURI
	if followers == "" {
		followers = actor.URI + "/followers"
	}

	var g audienceGroups
	for _, id := range ids {
		switch {
		case IRIs{id}.HasPublic():
			g.public = append(g.public, id)
		case id == followers:
			g.followers = append(g.followers, id)
		default:
			g.other = append(g.other, id)
		}
	}
	return g
}

// parseAudience derives visibility from to and cc. Addressed ids that do
// not resolve to actors are ignored.
func (f *Federator) parseAudience(ctx context.Context, actor *domain.Account, to, cc IRIs, r *Resolver) (*audience, error) {
	toGroups := groupAudience(to, actor)
	ccGroups := groupAudience(cc, actor)

	seen := make(map[string]struct{})
	var others []string
	for _, id := range append(toGroups.other, ccGroups.other...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}

	resolved := make([]*domain.Account, len(others))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(audienceConcurrency)
	for i, id := range others {
		i, id := i, id
		g.Go(func() error {
			acc, err := f.ResolvePerson(gctx, id, r)
			if err != nil {
				f.log.Named("note").Debug("Ignoring unresolvable audience entry", zap.String("id", id), zap.Error(err))
				return nil
			}
			resolved[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var users []*domain.Account
	for _, acc := range resolved {
		if acc != nil {
			users = append(users, acc)
		}
	}

	switch {
	case len(toGroups.public) > 0:
		return &audience{visibility: domain.VisibilityPublic, mentioned: users}, nil
	case len(ccGroups.public) > 0:
		return &audience{visibility: domain.VisibilityHome, mentioned: users}, nil
	case len(toGroups.followers) > 0:
		return &audience{visibility: domain.VisibilityFollowers, mentioned: users}, nil
	default:
		return &audience{visibility: domain.VisibilitySpecified, mentioned: users, visibleUsers: users}, nil
	}
}
