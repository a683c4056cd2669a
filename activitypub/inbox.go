package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	inboxPollInterval  = time.Second
	inboxJobTimeout    = 2 * time.Minute
	inboxMaxAttempts   = 5
	defaultClockSkew   = 5 * time.Minute
	reasonInvalidHost  = "Invalid Host"
	reasonInvalidBody  = "Invalid Body"
	reasonBodyTooLarge = "Request Entity Too Large"
)

// Inbox accepts signed activities over HTTP, queues them and runs the
// workers that process the queue.
type Inbox struct {
	f       *Federator
	limiter *signerLimiter
	log     *zap.Logger
	skew    time.Duration
	workers int
}

func NewInbox(f *Federator) *Inbox {
	skew := time.Duration(f.conf.Federation.ClockSkewSeconds) * time.Second
	if skew <= 0 {
		skew = defaultClockSkew
	}
	return &Inbox{
		f:       f,
		limiter: newSignerLimiter(massDeleteLimit, massDeleteWindow),
		log:     f.log.Named("inbox"),
		skew:    skew,
		workers: max(f.conf.Federation.InboxWorkers, 1),
	}
}

// inboundHead is the part of an activity intake looks at.
type inboundHead struct {
	Type   json.RawMessage `json:"type"`
	Object Ref             `json:"object"`
}

// activityType reduces a type that may be an array to its first entry.
func activityType(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// HandleInbox is the intake for both the shared and the personal inboxes.
// It authenticates the transport, applies the intake policies and queues
// the activity. Processing happens later; 202 says nothing about it.
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request) {
	f := in.f
	if !f.conf.Conf.WithAp {
		http.NotFound(w, r)
		return
	}

	if util.NormalizeHost(r.Host) != f.domain {
		in.log.Warn("Invalid host", zap.String("host", r.Host))
		http.Error(w, reasonInvalidHost, http.StatusBadRequest)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, reasonBodyTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, reasonInvalidBody, http.StatusBadRequest)
		return
	}
	var head inboundHead
	if len(body) == 0 || json.Unmarshal(body, &head) != nil {
		http.Error(w, reasonInvalidBody, http.StatusBadRequest)
		return
	}

	params, err := ParseSignatureHeader(r.Header, f.now(), in.skew)
	if err != nil {
		in.log.Warn("Signature parse error", zap.Error(err))
		http.Error(w, authReason(err), http.StatusUnauthorized)
		return
	}
	if err := CheckAlgorithm(params.Algorithm); err != nil {
		in.log.Warn("Invalid signature algorithm", zap.String("algorithm", params.Algorithm))
		http.Error(w, authReason(err), http.StatusUnauthorized)
		return
	}
	if err := VerifyDigest(r.Header, body); err != nil {
		in.log.Warn("Digest check failed", zap.Error(err))
		http.Error(w, authReason(err), http.StatusUnauthorized)
		return
	}

	host := util.HostOf(params.KeyId)
	if host == "" {
		http.Error(w, reasonInvalidHeader, http.StatusBadRequest)
		return
	}
	if f.policy.IsBlocked(host) {
		in.log.Info("Blocked instance", zap.String("host", host))
		w.WriteHeader(http.StatusForbidden)
		return
	}

	typ := activityType(head.Type)
	lazy := false

	if typ == "Delete" || typ == "Undo" {
		if !in.limiter.Allow(params.KeyId, f.now()) {
			in.log.Info("Inbox limit exceeded", zap.String("keyId", params.KeyId), zap.String("type", typ))
			if f.conf.Federation.InboxMassDelOpeMode == util.OpeModeIgnore {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			lazy = true
		}
	}

	if isLikeType(typ) {
		targetHost := util.HostOf(head.Object.Id)
		if targetHost == "" {
			http.Error(w, reasonInvalidBody, http.StatusBadRequest)
			return
		}
		if targetHost != f.domain {
			if f.conf.Federation.InboxForeignLikeOpeMode == util.OpeModeIgnore {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			lazy = true
		}
	}

	id, err := in.Submit(r.Context(), body, params, r, lazy)
	if err != nil {
		in.log.Error("Failed to queue activity", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"queueId": id.String()})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, maxObjectSize))
	return buf.Bytes(), err
}

func authReason(err error) string {
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return reasonInvalidHeader
}

// Submit queues an authenticated activity together with everything needed
// to verify its signature again later.
func (in *Inbox) Submit(ctx context.Context, body []byte, params *SignatureParams, r *http.Request, lazy bool) (uuid.UUID, error) {
	signed := make(map[string]string, len(params.Headers))
	for _, name := range params.Headers {
		switch name {
		case "(request-target)":
			signed[name] = strings.ToLower(r.Method) + " " + r.URL.RequestURI()
		case "host":
			signed[name] = r.Host
		default:
			signed[name] = r.Header.Get(name)
		}
	}

	priority := domain.PriorityNormal
	if lazy {
		priority = domain.PriorityLazy
	}
	job := &domain.InboxJob{
		Id:            uuid.New(),
		ActivityJSON:  string(body),
		KeyId:         params.KeyId,
		Algorithm:     params.Algorithm,
		Signature:     params.Raw,
		SignedHeaders: signed,
		Method:        r.Method,
		Path:          r.URL.RequestURI(),
		Host:          r.Host,
		IP:            clientIP(r),
		Priority:      priority,
		CreatedAt:     in.f.now(),
	}
	if err := in.f.store.EnqueueInboxJob(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.Id, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Run processes queued jobs with a bounded pool until ctx is done.
func (in *Inbox) Run(ctx context.Context) error {
	in.log.Info("Starting inbox workers", zap.Int("workers", in.workers))
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := in.RunOnce(ctx)
		if err != nil {
			in.log.Error("Failed to claim inbox jobs", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(inboxPollInterval):
		}
	}
}

// RunOnce claims one batch of jobs and processes it. It returns how many
// jobs were claimed.
func (in *Inbox) RunOnce(ctx context.Context) (int, error) {
	jobs, err := in.f.store.ClaimInboxJobs(ctx, in.workers)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)
	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			in.processJob(gctx, job)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (in *Inbox) processJob(ctx context.Context, job *domain.InboxJob) {
	jctx, cancel := context.WithTimeout(ctx, inboxJobTimeout)
	defer cancel()

	res, err := in.f.ProcessInboxJob(jctx, job)
	if err == nil {
		in.log.Info("Processed activity", zap.String("job", job.Id.String()), zap.String("result", res.String()))
		in.finish(ctx, job)
		return
	}

	if ctx.Err() != nil {
		// shutting down; let another worker pick it up
		if err := in.f.store.ReleaseInboxJob(context.WithoutCancel(ctx), job.Id); err != nil {
			in.log.Error("Failed to release job", zap.String("job", job.Id.String()), zap.Error(err))
		}
		return
	}

	if isPermanentJobError(err) || job.Attempts >= inboxMaxAttempts {
		in.log.Warn("Dropping activity", zap.String("job", job.Id.String()), zap.String("keyId", job.KeyId),
			zap.Int("attempts", job.Attempts), zap.Error(err))
		in.finish(ctx, job)
		return
	}
	// the claim expires and the job is retried then
	in.log.Info("Activity failed, will retry", zap.String("job", job.Id.String()), zap.Int("attempts", job.Attempts), zap.Error(err))
}

func (in *Inbox) finish(ctx context.Context, job *domain.InboxJob) {
	if err := in.f.store.DeleteInboxJob(ctx, job.Id); err != nil {
		in.log.Error("Failed to delete job", zap.String("job", job.Id.String()), zap.Error(err))
	}
}

func isPermanentJobError(err error) bool {
	var ae *AuthenticationError
	var ve *ValidationError
	var pr *PolicyRejection
	return errors.As(err, &ae) || errors.As(err, &ve) || errors.As(err, &pr) || isPermanentFailure(err)
}
