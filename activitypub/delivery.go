package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	deliveryBatchSize   = 50
	deliveryMaxAttempts = 10
	deliveryInterval    = 10 * time.Second
)

var deliveryBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

// Destination is one inbox an activity goes to.
type Destination struct {
	URL string
	// Origin is "sharedInbox" or "inbox".
	Origin string
	UserId uuid.UUID
}

// DeliverManager collects the recipients of one outbound activity.
type DeliverManager struct {
	f         *Federator
	actor     *domain.Account
	activity  map[string]any
	followers bool
	direct    []*domain.Account
}

func (f *Federator) NewDeliverManager(actor *domain.Account, activity map[string]any) *DeliverManager {
	return &DeliverManager{f: f, actor: actor, activity: activity}
}

// AddFollowersRecipe delivers to every remote follower of the actor.
func (dm *DeliverManager) AddFollowersRecipe() {
	dm.followers = true
}

// AddDirectRecipe delivers to the personal inbox of to.
func (dm *DeliverManager) AddDirectRecipe(to *domain.Account) {
	dm.direct = append(dm.direct, to)
}

// Destinations resolves the recipes into inbox URLs. Followers sharing an
// inbox get it once; a direct recipient whose shared inbox is already a
// destination is not added again.
func (dm *DeliverManager) Destinations(ctx context.Context) ([]Destination, error) {
	var out []Destination
	seen := make(map[string]struct{})
	add := func(d Destination) {
		if d.URL == "" || !(strings.HasPrefix(d.URL, "https:") || strings.HasPrefix(d.URL, "http:")) {
			return
		}
		if _, dup := seen[d.URL]; dup {
			return
		}
		seen[d.URL] = struct{}{}
		out = append(out, d)
	}

	if dm.followers {
		followers, err := dm.f.store.ReadFollowers(ctx, dm.actor.Id)
		if err != nil {
			return nil, fmt.Errorf("failed to read followers: %w", err)
		}
		for _, follower := range followers {
			if follower.IsLocal() {
				continue
			}
			if follower.SharedInboxURI != "" {
				add(Destination{URL: follower.SharedInboxURI, Origin: "sharedInbox"})
				continue
			}
			add(Destination{URL: follower.InboxURI, Origin: "inbox", UserId: follower.Id})
		}
	}

	for _, to := range dm.direct {
		if to.SharedInboxURI != "" {
			if _, ok := seen[to.SharedInboxURI]; ok {
				continue
			}
		}
		add(Destination{URL: to.InboxURI, Origin: "inbox", UserId: to.Id})
	}
	return out, nil
}

// Execute delivers the activity to every destination. Activities of remote
// actors are never delivered. A failing destination is logged and skipped.
func (dm *DeliverManager) Execute(ctx context.Context, lowSeverity bool) error {
	if !dm.actor.IsLocal() {
		return nil
	}
	log := dm.f.log.Named("deliver")

	destinations, err := dm.Destinations(ctx)
	if err != nil {
		return err
	}

	followersURI := dm.f.ApId(dm.actor) + "/followers"
	for _, dest := range destinations {
		host := util.HostOf(dest.URL)
		if dm.f.policy.IsBlocked(host) || dm.f.policy.IsClosed(host) {
			log.Debug("Skipping destination", zap.String("inbox", dest.URL))
			continue
		}

		activity := dm.activity
		if dm.f.policy.IsSilenced(host) {
			if activity, err = PublicToHome(dm.activity, followersURI); err != nil {
				log.Warn("Failed to demote activity", zap.String("inbox", dest.URL), zap.Error(err))
				continue
			}
		}
		if err := dm.f.deliver(ctx, dm.actor, activity, dest.URL, lowSeverity); err != nil {
			log.Warn("Deliver failed", zap.String("inbox", dest.URL), zap.Error(err))
		}
	}
	return nil
}

// DeliverToFollowers delivers activity to the remote followers of actor.
func (f *Federator) DeliverToFollowers(ctx context.Context, actor *domain.Account, activity map[string]any, lowSeverity bool) error {
	dm := f.NewDeliverManager(actor, activity)
	dm.AddFollowersRecipe()
	return dm.Execute(ctx, lowSeverity)
}

// DeliverToUser delivers activity to the inbox of a single account.
func (f *Federator) DeliverToUser(ctx context.Context, actor *domain.Account, activity map[string]any, to *domain.Account, lowSeverity bool) error {
	dm := f.NewDeliverManager(actor, activity)
	dm.AddDirectRecipe(to)
	return dm.Execute(ctx, lowSeverity)
}

// deliver queues activity for inbox, or posts it right away when delivery
// is configured to be synchronous.
func (f *Federator) deliver(ctx context.Context, actor *domain.Account, activity map[string]any, inbox string, lowSeverity bool) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	if f.conf.Federation.SyncDelivery {
		return f.postActivity(ctx, actor, inbox, body)
	}
	return f.store.EnqueueDelivery(ctx, &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		AccountId:    actor.Id,
		InboxURI:     inbox,
		ActivityJSON: string(body),
		LowSeverity:  lowSeverity,
		CreatedAt:    f.now(),
		NextRetryAt:  f.now(),
	})
}

// postActivity sends a signed POST of body to inbox as actor.
func (f *Federator) postActivity(ctx context.Context, actor *domain.Account, inbox string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", f.userAgent)

	key, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	if err := SignRequest(req, key, f.ActorURI(actor.Username)+"#main-key", body); err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &ResolutionFailure{URI: inbox, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxObjectSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ResolutionFailure{URI: inbox, Reason: fmt.Sprintf("remote server returned status %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}
	return nil
}

// StartDeliveryWorker drains the delivery queue until ctx is done.
func (f *Federator) StartDeliveryWorker(ctx context.Context) {
	f.log.Named("deliver").Info("Starting delivery worker")

	ticker := time.NewTicker(deliveryInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.ProcessDeliveryQueue(ctx)
			}
		}
	}()
}

// ProcessDeliveryQueue attempts every due delivery once. Failed items are
// rescheduled with backoff and dropped after ten attempts; 4xx answers
// other than 429 are not retried.
func (f *Federator) ProcessDeliveryQueue(ctx context.Context) {
	log := f.log.Named("deliver")

	items, err := f.store.ReadPendingDeliveries(ctx, f.now(), deliveryBatchSize)
	if err != nil {
		log.Error("Failed to read delivery queue", zap.Error(err))
		return
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		err := f.deliverQueued(ctx, &item)
		if err == nil {
			log.Debug("Delivered", zap.String("inbox", item.InboxURI))
			if err := f.store.DeleteDelivery(ctx, item.Id); err != nil {
				log.Error("Failed to remove delivered item", zap.Error(err))
			}
			continue
		}

		item.Attempts++
		if item.Attempts >= deliveryMaxAttempts || isUnretryable(err) {
			log.Warn("Giving up on delivery", zap.String("inbox", item.InboxURI), zap.Int("attempts", item.Attempts), zap.Error(err))
			if err := f.store.DeleteDelivery(ctx, item.Id); err != nil {
				log.Error("Failed to remove undeliverable item", zap.Error(err))
			}
			continue
		}
		backoff := deliveryBackoff[min(item.Attempts-1, len(deliveryBackoff)-1)]
		log.Info("Delivery failed, will retry",
			zap.String("inbox", item.InboxURI), zap.Int("attempt", item.Attempts), zap.Duration("backoff", backoff), zap.Error(err))
		if err := f.store.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, f.now().Add(backoff)); err != nil {
			log.Error("Failed to reschedule delivery", zap.Error(err))
		}
	}
}

func (f *Federator) deliverQueued(ctx context.Context, item *domain.DeliveryQueueItem) error {
	host := util.HostOf(item.InboxURI)
	if f.policy.IsBlocked(host) || f.policy.IsClosed(host) {
		return &PolicyRejection{Host: host, Reason: "blocked or closed"}
	}
	actor, err := f.store.ReadAccountById(ctx, item.AccountId)
	if err != nil {
		return err
	}
	if actor == nil || !actor.IsLocal() {
		return &ValidationError{Reason: fmt.Sprintf("signing account %s is gone", item.AccountId)}
	}
	return f.postActivity(ctx, actor, item.InboxURI, []byte(item.ActivityJSON))
}

func isUnretryable(err error) bool {
	var pr *PolicyRejection
	var ve *ValidationError
	if errors.As(err, &pr) || errors.As(err, &ve) {
		return true
	}
	var rf *ResolutionFailure
	if errors.As(err, &rf) {
		return rf.StatusCode >= 400 && rf.StatusCode < 500 && rf.StatusCode != http.StatusTooManyRequests
	}
	return false
}
