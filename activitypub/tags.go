package activitypub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// extractMentions resolves the Mention tags of an object. Mentions that do
// not resolve are dropped.
func (f *Federator) extractMentions(ctx context.Context, tags Tags, r *Resolver) []*domain.Account {
	var out []*domain.Account
	seen := make(map[uuid.UUID]struct{})
	for _, tag := range tags {
		if tag.Type != "Mention" || tag.Href == "" {
			continue
		}
		acc, err := f.ResolvePerson(ctx, tag.Href, r)
		if err != nil {
			f.log.Named("note").Debug("Ignoring unresolvable mention", zap.String("href", tag.Href), zap.Error(err))
			continue
		}
		if _, dup := seen[acc.Id]; dup {
			continue
		}
		seen[acc.Id] = struct{}{}
		out = append(out, acc)
	}
	return out
}

func extractHashtags(tags Tags) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tag := range tags {
		if tag.Type != "Hashtag" {
			continue
		}
		name := strings.TrimPrefix(tag.Name, "#")
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// extractEmojis registers the custom emojis of host found in tags, updating
// entries the remote side changed since we last saw them. It returns the
// emoji names.
func (f *Federator) extractEmojis(ctx context.Context, tags Tags, host string) ([]string, error) {
	host = util.NormalizeHost(host)
	log := f.log.Named("emoji")

	var names []string
	for _, tag := range tags {
		if tag.Type != "Emoji" || tag.Name == "" {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(tag.Name, ":"), ":")
		var iconURL string
		if tag.Icon != nil {
			iconURL = tag.Icon.URL.Id
		}

		exists, err := f.store.ReadEmoji(ctx, host, name)
		if err != nil {
			return names, fmt.Errorf("failed to read emoji %s: %w", name, err)
		}

		updated := parseTime(tag.Updated)
		if exists != nil {
			if (updated != nil && exists.UpdatedAt == nil) ||
				(tag.Id != "" && exists.URI == "") ||
				(updated != nil && exists.UpdatedAt != nil && updated.After(*exists.UpdatedAt)) {
				log.Info("Updating emoji", zap.String("host", host), zap.String("name", name))
				now := f.now()
				exists.URI = tag.Id
				exists.URL = iconURL
				exists.UpdatedAt = &now
				if err := f.store.UpdateEmoji(ctx, exists); err != nil {
					return names, fmt.Errorf("failed to update emoji %s: %w", name, err)
				}
			}
			names = append(names, name)
			continue
		}

		log.Info("Registering emoji", zap.String("host", host), zap.String("name", name))
		emoji := &domain.Emoji{
			Id:        uuid.New(),
			Name:      name,
			Host:      host,
			URI:       tag.Id,
			URL:       iconURL,
			UpdatedAt: updated,
		}
		if err := f.store.CreateEmoji(ctx, emoji); err != nil && !errors.Is(err, db.ErrDuplicate) {
			return names, fmt.Errorf("failed to register emoji %s: %w", name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// collectAttachments keeps the first MaxAttachments attachments. An
// attachment is sensitive when it says so or the note does.
func collectAttachments(note *Note) []domain.Attachment {
	list := note.Attachment
	if len(list) > domain.MaxAttachments {
		list = list[:domain.MaxAttachments]
	}
	var out []domain.Attachment
	for _, a := range list {
		if a.URL.Id == "" {
			continue
		}
		sensitive := a.Sensitive != nil && *a.Sensitive
		out = append(out, domain.Attachment{
			URL:       a.URL.Id,
			MediaType: a.MediaType,
			Name:      a.Name,
			Sensitive: sensitive || note.Sensitive,
		})
	}
	return out
}
