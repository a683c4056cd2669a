// Package markup converts between the HTML carried by federated objects and
// the plain text stored for notes.
package markup

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type Transcoder struct {
	md goldmark.Markdown
}

func NewTranscoder() *Transcoder {
	return &Transcoder{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// TextToHTML renders stored note text for outbound objects. Raw HTML in the
// text is dropped.
func (t *Transcoder) TextToHTML(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.md.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// HTMLToText flattens remote HTML content into plain text. Paragraphs become
// blank-line separated blocks and links keep their target.
func (t *Transcoder) HTMLToText(content string) string {
	if content == "" {
		return ""
	}
	doc, err := xhtml.Parse(strings.NewReader(content))
	if err != nil {
		return content
	}
	var w textWriter
	w.walk(doc)
	return strings.TrimSpace(w.String())
}

type textWriter struct {
	strings.Builder
}

func (w *textWriter) children(n *xhtml.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *textWriter) block() {
	s := w.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		w.WriteString("\n")
		return
	}
	w.WriteString("\n\n")
}

func (w *textWriter) walk(n *xhtml.Node) {
	switch n.Type {
	case xhtml.TextNode:
		w.WriteString(n.Data)
		return
	case xhtml.DocumentNode:
		w.children(n)
		return
	case xhtml.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head:
	case atom.Br:
		w.WriteString("\n")
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.block()
		w.children(n)
		w.block()
	case atom.Blockquote:
		var inner textWriter
		inner.children(n)
		w.block()
		for _, line := range strings.Split(strings.TrimSpace(inner.String()), "\n") {
			w.WriteString("> " + line + "\n")
		}
		w.block()
	case atom.Li:
		w.WriteString("- ")
		w.children(n)
		w.WriteString("\n")
	case atom.A:
		w.link(n)
	default:
		w.children(n)
	}
}

func (w *textWriter) link(n *xhtml.Node) {
	var inner textWriter
	inner.children(n)
	text := inner.String()
	href := attr(n, "href")

	switch {
	case href == "":
		w.WriteString(text)
	case strings.HasPrefix(text, "@") || strings.HasPrefix(text, "#"):
		// mentions and hashtags keep their display form
		w.WriteString(text)
	case text == "" || text == href || strings.TrimPrefix(strings.TrimPrefix(href, "https://"), "http://") == text:
		w.WriteString(href)
	default:
		w.WriteString("[" + text + "](" + href + ")")
	}
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
