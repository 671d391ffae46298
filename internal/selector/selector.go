// Package selector evaluates typed selectors against a parsed HTML
// document. Four selector types are supported: css, xpath, jsonld and
// meta. Evaluation is total: any parse or selector error yields a miss,
// never a panic, so one bad selector cannot poison a fallback chain.
package selector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Type identifies how a selector expression is interpreted.
type Type string

const (
	TypeCSS    Type = "css"
	TypeXPath  Type = "xpath"
	TypeJSONLD Type = "jsonld"
	TypeMeta   Type = "meta"
)

// Selector is one typed selector with its confidence weight.
type Selector struct {
	Type       Type    `json:"type"`
	Selector   string  `json:"selector"`
	Attribute  string  `json:"attribute,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Document is an HTML page parsed once for evaluation of many selectors.
type Document struct {
	doc    *goquery.Document // css and meta
	root   *html.Node        // xpath
	jsonld []string          // raw ld+json script bodies
}

// Parse builds a Document from raw HTML. The underlying parsers are
// error-tolerant, so Parse succeeds on arbitrary input.
func Parse(rawHTML string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}
	root, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}

	var blobs []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			blobs = append(blobs, text)
		}
	})

	return &Document{doc: doc, root: root, jsonld: blobs}, nil
}

// Evaluate runs one selector against the document. The second return is
// false on a miss: no match, empty value, unknown type, or any error
// inside the underlying engine.
func (d *Document) Evaluate(sel Selector) (value string, ok bool) {
	// A broken selector must stay contained; the chain moves on.
	defer func() {
		if r := recover(); r != nil {
			value, ok = "", false
		}
	}()

	switch sel.Type {
	case TypeCSS:
		return d.evalCSS(sel)
	case TypeXPath:
		return d.evalXPath(sel)
	case TypeJSONLD:
		return d.evalJSONLD(sel)
	case TypeMeta:
		return d.evalMeta(sel)
	default:
		return "", false
	}
}

func (d *Document) evalCSS(sel Selector) (string, bool) {
	match := d.doc.Find(sel.Selector).First()
	if match.Length() == 0 {
		return "", false
	}
	if sel.Attribute != "" {
		v, exists := match.Attr(sel.Attribute)
		v = strings.TrimSpace(v)
		return v, exists && v != ""
	}
	text := collapseWhitespace(match.Text())
	return text, text != ""
}

func (d *Document) evalXPath(sel Selector) (string, bool) {
	node, err := htmlquery.Query(d.root, sel.Selector)
	if err != nil || node == nil {
		return "", false
	}
	if sel.Attribute != "" {
		v := strings.TrimSpace(htmlquery.SelectAttr(node, sel.Attribute))
		return v, v != ""
	}
	text := collapseWhitespace(htmlquery.InnerText(node))
	return text, text != ""
}

func (d *Document) evalMeta(sel Selector) (string, bool) {
	var content string
	d.doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		prop, _ := s.Attr("property")
		name, _ := s.Attr("name")
		if strings.EqualFold(prop, sel.Selector) || strings.EqualFold(name, sel.Selector) {
			content, _ = s.Attr("content")
			return false
		}
		return true
	})
	content = strings.TrimSpace(content)
	return content, content != ""
}

// collapseWhitespace trims and collapses all whitespace runs to single
// spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
