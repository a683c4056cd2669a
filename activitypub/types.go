package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// Object is any decoded remote object. The concrete type is one of *Note,
// *Person, *Collection, *CollectionPage, *Emoji, *Tombstone, *Activity or
// *UnknownObject.
type Object interface {
	ObjectId() string
	ObjectType() string
}

type ObjectBase struct {
	Context any    `json:"@context,omitempty"`
	Id      string `json:"id,omitempty"`
	Type    string `json:"type"`
}

func (o *ObjectBase) ObjectId() string   { return o.Id }
func (o *ObjectBase) ObjectType() string { return o.Type }

// Ref points at an object, either by id or by embedding it. Arrays are
// reduced to their first element and Link objects to their href.
type Ref struct {
	Id  string
	Raw json.RawMessage
}

// URIRef builds a reference to an object that is not embedded.
func URIRef(uri string) Ref {
	return Ref{Id: uri}
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &r.Id)
	case '[':
		var refs []Ref
		if err := json.Unmarshal(b, &refs); err != nil {
			return err
		}
		if len(refs) > 0 {
			*r = refs[0]
		}
		return nil
	case '{':
		var head struct {
			Id   string `json:"id"`
			Href string `json:"href"`
		}
		if err := json.Unmarshal(b, &head); err != nil {
			return err
		}
		r.Id = head.Id
		if r.Id == "" {
			r.Id = head.Href
		}
		r.Raw = append(json.RawMessage(nil), b...)
		return nil
	}
	return fmt.Errorf("unexpected object reference %s", b)
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return r.Raw, nil
	}
	if r.Id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.Id)
}

func (r Ref) IsZero() bool {
	return r.Id == "" && r.Raw == nil
}

func (r Ref) Embedded() bool {
	return r.Raw != nil
}

// Refs accepts a single reference or an array of them.
type Refs []Ref

func (rs *Refs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		var refs []Ref
		if err := json.Unmarshal(b, &refs); err != nil {
			return err
		}
		*rs = refs
		return nil
	}
	var r Ref
	if err := r.UnmarshalJSON(b); err != nil {
		return err
	}
	*rs = Refs{r}
	return nil
}

// IRIs is an addressing field such as to or cc.
type IRIs []string

func (is *IRIs) UnmarshalJSON(b []byte) error {
	var refs Refs
	if err := refs.UnmarshalJSON(b); err != nil {
		return err
	}
	out := make(IRIs, 0, len(refs))
	for _, r := range refs {
		if r.Id != "" {
			out = append(out, r.Id)
		}
	}
	*is = out
	return nil
}

func (is IRIs) Contains(iri string) bool {
	for _, v := range is {
		if v == iri {
			return true
		}
	}
	return false
}

// HasPublic also accepts the compact forms some servers send.
func (is IRIs) HasPublic() bool {
	return is.Contains(PublicCollection) || is.Contains("as:Public") || is.Contains("Public")
}

type Image struct {
	Type      string `json:"type,omitempty"`
	URL       Ref    `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Tag is an entry of a tag array: Mention, Hashtag or Emoji.
type Tag struct {
	Id      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Href    string `json:"href,omitempty"`
	Updated string `json:"updated,omitempty"`
	Icon    *Image `json:"icon,omitempty"`
}

type Tags []Tag

func (ts *Tags) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		for _, r := range raw {
			var t Tag
			// entries that are not objects carry nothing usable
			if err := json.Unmarshal(r, &t); err == nil {
				*ts = append(*ts, t)
			}
		}
		return nil
	}
	var t Tag
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*ts = Tags{t}
	return nil
}

type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       Ref    `json:"url"`
	Name      string `json:"name,omitempty"`
	Sensitive *bool  `json:"sensitive,omitempty"`
}

type Attachments []Attachment

func (as *Attachments) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		var list []Attachment
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*as = list
		return nil
	}
	var a Attachment
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*as = Attachments{a}
	return nil
}

type Source struct {
	Content   string `json:"content"`
	MediaType string `json:"mediaType"`
}

type PollOption struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Replies struct {
		TotalItems int `json:"totalItems"`
	} `json:"replies"`
}

// Note covers every post-like type: Note, Question, Article, Page and Event.
type Note struct {
	ObjectBase
	AttributedTo   Ref          `json:"attributedTo"`
	Content        string       `json:"content,omitempty"`
	MisskeyContent *string      `json:"_misskey_content,omitempty"`
	Source         *Source      `json:"source,omitempty"`
	Summary        *string      `json:"summary,omitempty"`
	Name           string       `json:"name,omitempty"`
	Published      string       `json:"published,omitempty"`
	Updated        string       `json:"updated,omitempty"`
	To             IRIs         `json:"to,omitempty"`
	Cc             IRIs         `json:"cc,omitempty"`
	InReplyTo      Ref          `json:"inReplyTo"`
	Tag            Tags         `json:"tag,omitempty"`
	Attachment     Attachments  `json:"attachment,omitempty"`
	Sensitive      bool         `json:"sensitive,omitempty"`
	URL            Ref          `json:"url"`
	MisskeyQuote   string       `json:"_misskey_quote,omitempty"`
	QuoteURI       string       `json:"quoteUri,omitempty"`
	QuoteURL       string       `json:"quoteUrl,omitempty"`
	References     Ref          `json:"references"`
	OneOf          []PollOption `json:"oneOf,omitempty"`
	AnyOf          []PollOption `json:"anyOf,omitempty"`
	EndTime        string       `json:"endTime,omitempty"`
	Closed         string       `json:"closed,omitempty"`
}

// QuoteRef returns the first quote field that is set.
func (n *Note) QuoteRef() string {
	switch {
	case n.MisskeyQuote != "":
		return n.MisskeyQuote
	case n.QuoteURI != "":
		return n.QuoteURI
	default:
		return n.QuoteURL
	}
}

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Person covers every actor type: Person, Service, Group, Organization and Application.
type Person struct {
	ObjectBase
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name,omitempty"`
	Summary           string `json:"summary,omitempty"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox,omitempty"`
	Followers         string `json:"followers,omitempty"`
	Following         string `json:"following,omitempty"`
	Featured          string `json:"featured,omitempty"`
	Endpoints         *struct {
		SharedInbox string `json:"sharedInbox,omitempty"`
	} `json:"endpoints,omitempty"`
	PublicKey                 *PublicKey `json:"publicKey,omitempty"`
	Icon                      *Image     `json:"icon,omitempty"`
	URL                       Ref        `json:"url"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers,omitempty"`
	Suspended                 bool       `json:"suspended,omitempty"`
}

func (p *Person) SharedInbox() string {
	if p.Endpoints == nil {
		return ""
	}
	return p.Endpoints.SharedInbox
}

// Collection covers Collection and OrderedCollection.
type Collection struct {
	ObjectBase
	TotalItems   int  `json:"totalItems,omitempty"`
	First        Ref  `json:"first"`
	Items        Refs `json:"items,omitempty"`
	OrderedItems Refs `json:"orderedItems,omitempty"`
}

// CollectionPage covers CollectionPage and OrderedCollectionPage.
type CollectionPage struct {
	ObjectBase
	PartOf       string `json:"partOf,omitempty"`
	Next         Ref    `json:"next"`
	Items        Refs   `json:"items,omitempty"`
	OrderedItems Refs   `json:"orderedItems,omitempty"`
}

func (p *CollectionPage) AllItems() Refs {
	if len(p.OrderedItems) > 0 {
		return p.OrderedItems
	}
	return p.Items
}

func (c *Collection) AllItems() Refs {
	if len(c.OrderedItems) > 0 {
		return c.OrderedItems
	}
	return c.Items
}

type Emoji struct {
	ObjectBase
	Name    string `json:"name"`
	Updated string `json:"updated,omitempty"`
	Icon    *Image `json:"icon,omitempty"`
}

type Tombstone struct {
	ObjectBase
	FormerType string `json:"formerType,omitempty"`
}

type Activity struct {
	ObjectBase
	Actor           Ref    `json:"actor"`
	Object          Ref    `json:"object"`
	Target          Ref    `json:"target"`
	To              IRIs   `json:"to,omitempty"`
	Cc              IRIs   `json:"cc,omitempty"`
	Published       string `json:"published,omitempty"`
	Content         string `json:"content,omitempty"`
	Name            string `json:"name,omitempty"`
	MisskeyReaction string `json:"_misskey_reaction,omitempty"`
	Tag             Tags   `json:"tag,omitempty"`
}

// UnknownObject keeps a valid object of a type nothing here handles.
type UnknownObject struct {
	ObjectBase
	Raw json.RawMessage `json:"-"`
}

var (
	postTypes       = []string{"Note", "Question", "Article", "Page", "Event"}
	actorTypes      = []string{"Person", "Service", "Group", "Organization", "Application"}
	collectionTypes = []string{"Collection", "OrderedCollection"}
	pageTypes       = []string{"CollectionPage", "OrderedCollectionPage"}
	activityTypes   = []string{
		"Create", "Update", "Delete", "Follow", "Accept", "Reject", "Add", "Remove",
		"Like", "Dislike", "EmojiReaction", "EmojiReact", "Announce", "Undo",
		"Block", "Flag", "Move", "Read",
	}
)

func isOneOf(t string, types []string) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func IsPost(t string) bool       { return isOneOf(t, postTypes) }
func IsActor(t string) bool      { return isOneOf(t, actorTypes) }
func IsCollection(t string) bool { return isOneOf(t, collectionTypes) }
func IsPage(t string) bool       { return isOneOf(t, pageTypes) }
func IsActivity(t string) bool   { return isOneOf(t, activityTypes) }

// DecodeObject validates raw JSON against the schema for its type and decodes
// it into the matching variant. Failures are *ValidationError.
func DecodeObject(raw []byte) (Object, error) {
	var base ObjectBase
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed object: %v", err)}
	}

	var obj Object
	var schema string
	switch {
	case IsPost(base.Type):
		obj, schema = &Note{}, schemaNote
	case IsActor(base.Type):
		obj, schema = &Person{}, schemaPerson
	case IsCollection(base.Type):
		obj, schema = &Collection{}, schemaCollection
	case IsPage(base.Type):
		obj, schema = &CollectionPage{}, schemaCollection
	case IsActivity(base.Type):
		obj, schema = &Activity{}, schemaActivity
	case base.Type == "Emoji":
		obj, schema = &Emoji{}, schemaEmoji
	case base.Type == "Tombstone":
		obj, schema = &Tombstone{}, schemaObject
	default:
		obj, schema = &UnknownObject{Raw: append(json.RawMessage(nil), raw...)}, schemaObject
	}

	if err := validateSchema(schema, raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed %s: %v", base.Type, err)}
	}
	return obj, nil
}

// parseTime accepts the timestamp forms seen in the wild and returns nil
// for anything else.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
