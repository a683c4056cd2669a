package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/deemkeen/fedcore/util"
)

type WebfingerLink struct {
	Rel      string `json:"rel,omitempty"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// Discovery is the part of a webfinger response the reconciler relies on.
type Discovery struct {
	Subject string
	Self    WebfingerLink
}

var acctQueryPattern = regexp.MustCompile(`^([^@]+)@(.*)`)

const webfingerAccept = "application/jrd+json, application/json"

// webfingerURL builds the query URL for an http(s) URI or an [acct:]user@host
// query. queryHost overrides the host asked.
func webfingerURL(query, queryHost string) (string, error) {
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		u, err := url.Parse(query)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid query (%s)", query)
		}
		host := queryHost
		if host == "" {
			host = u.Hostname()
		}
		return fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", u.Scheme, util.ASCIIHost(host), url.QueryEscape(query)), nil
	}

	query = strings.TrimPrefix(query, "acct:")
	m := acctQueryPattern.FindStringSubmatch(query)
	if m == nil {
		return "", fmt.Errorf("invalid query (%s)", query)
	}
	host := queryHost
	if host == "" {
		host = m[2]
	}
	return fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s", util.ASCIIHost(host), url.QueryEscape("acct:"+query)), nil
}

// Discover runs a webfinger query and returns its subject and self link.
// There are no retries here.
func (f *Federator) Discover(ctx context.Context, query, queryHost string) (*Discovery, error) {
	target, err := webfingerURL(query, queryHost)
	if err != nil {
		return nil, &DiscoveryError{Query: query, Reason: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &DiscoveryError{Query: query, Reason: "invalid request", Err: err}
	}
	req.Header.Set("Accept", webfingerAccept)
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Query: query, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DiscoveryError{Query: query, Reason: fmt.Sprintf("remote server returned status %d", resp.StatusCode)}
	}

	var wf WebfingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxObjectSize)).Decode(&wf); err != nil {
		return nil, &DiscoveryError{Query: query, Reason: "malformed response", Err: err}
	}

	var self *WebfingerLink
	for i := range wf.Links {
		if strings.ToLower(wf.Links[i].Rel) == "self" {
			self = &wf.Links[i]
			break
		}
	}
	if self == nil {
		return nil, &DiscoveryError{Query: query, Reason: "self link not found"}
	}
	if wf.Subject == "" {
		return nil, &DiscoveryError{Query: query, Reason: "subject not found"}
	}
	return &Discovery{Subject: wf.Subject, Self: *self}, nil
}

// LocalWebfinger answers a webfinger query for one of our own accounts.
// It returns nil when the resource is not ours or does not exist.
func (f *Federator) LocalWebfinger(ctx context.Context, resource string) (*WebfingerResponse, error) {
	var username string
	switch {
	case strings.HasPrefix(resource, "acct:") || !strings.Contains(resource, "://"):
		m := acctQueryPattern.FindStringSubmatch(strings.TrimPrefix(resource, "acct:"))
		if m == nil || util.NormalizeHost(m[2]) != f.domain {
			return nil, nil
		}
		username = m[1]
	case f.IsSelfOrigin(resource):
		path := f.localPath(resource)
		if !strings.HasPrefix(path, "/users/") {
			return nil, nil
		}
		username = strings.TrimPrefix(path, "/users/")
	default:
		return nil, nil
	}

	acc, err := f.store.ReadAccountByUsername(ctx, username, "")
	if err != nil || acc == nil || acc.IsDeleted {
		return nil, err
	}

	actor := f.ActorURI(acc.Username)
	return &WebfingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, f.domain),
		Aliases: []string{actor},
		Links: []WebfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: actor},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: acc.URL},
		},
	}, nil
}
