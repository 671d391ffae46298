package selector

import (
	"strings"

	"github.com/tidwall/gjson"
)

// evalJSONLD walks a dot-separated path (such as "offers.price") through
// every ld+json block on the page. Top-level arrays and @graph arrays are
// flattened; the first path resolution to a scalar wins.
func (d *Document) evalJSONLD(sel Selector) (string, bool) {
	path := strings.TrimSpace(sel.Selector)
	if path == "" {
		return "", false
	}
	segs := strings.Split(path, ".")

	for _, candidate := range d.jsonldCandidates() {
		if v, ok := walkPath(candidate, segs); ok {
			return v, true
		}
	}
	return "", false
}

// jsonldCandidates flattens every parsed ld+json block into the list of
// objects a path may be resolved against, in document order.
func (d *Document) jsonldCandidates() []gjson.Result {
	var out []gjson.Result
	for _, blob := range d.jsonld {
		if !gjson.Valid(blob) {
			continue
		}
		root := gjson.Parse(blob)

		var tops []gjson.Result
		if root.IsArray() {
			tops = root.Array()
		} else {
			tops = []gjson.Result{root}
		}

		for _, top := range tops {
			out = append(out, top)
			if graph := top.Get(`\@graph`); graph.IsArray() {
				out = append(out, graph.Array()...)
			}
		}
	}
	return out
}

// walkPath resolves the remaining path segments against v. Arrays are
// searched element by element so "offers.price" also matches an offers
// array.
func walkPath(v gjson.Result, segs []string) (string, bool) {
	if len(segs) == 0 {
		if isScalar(v) {
			s := v.String()
			return s, s != ""
		}
		return "", false
	}

	if v.IsArray() {
		for _, item := range v.Array() {
			if s, ok := walkPath(item, segs); ok {
				return s, true
			}
		}
		return "", false
	}

	if !v.IsObject() {
		return "", false
	}

	child := v.Get(escapeKey(segs[0]))
	if !child.Exists() {
		return "", false
	}
	return walkPath(child, segs[1:])
}

func isScalar(v gjson.Result) bool {
	switch v.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return true
	default:
		return false
	}
}

// escapeKey quotes gjson path metacharacters so segments are matched as
// literal keys.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '\\', '*', '?', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
