// Package extractor applies a domain pattern to fetched HTML and produces
// typed, per-field results with the confidence of whichever selector
// matched. Extraction is total: any subset of fields may come back null,
// but the call itself never fails on arbitrary input.
package extractor

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pricewatch/pricewatch/internal/selector"
)

// Field carries one extracted value, the selector type that produced it,
// and that selector's confidence. A missed field is {nil, nil, 0}.
type Field struct {
	Value      *string `json:"value"`
	Method     *string `json:"method"`
	Confidence float64 `json:"confidence"`
}

// Result is an extraction outcome keyed by field name. Currency is the
// code sniffed from the raw price text, empty when the page showed none.
type Result struct {
	Fields   map[string]Field `json:"fields"`
	Currency string           `json:"currency,omitempty"`
}

// Get returns the named field, or a zero Field when absent.
func (r *Result) Get(name string) Field {
	if r == nil || r.Fields == nil {
		return Field{}
	}
	return r.Fields[name]
}

// PriceValue returns the parsed price when the price field was extracted.
func (r *Result) PriceValue() (float64, bool) {
	f := r.Get(FieldPrice)
	if f.Value == nil {
		return 0, false
	}
	return ParsePrice(*f.Value)
}

// Available reports stock state. An absent availability field means
// available: pages that show a price without stock wording are treated as
// purchasable.
func (r *Result) Available() bool {
	f := r.Get(FieldAvailability)
	if f.Value == nil {
		return true
	}
	return ParseAvailability(*f.Value)
}

// Empty reports whether nothing at all was extracted.
func (r *Result) Empty() bool {
	for _, f := range r.Fields {
		if f.Value != nil {
			return false
		}
	}
	return true
}

// Extract evaluates every field cascade of the pattern against the HTML.
// Per field the primary selector runs first, then the fallbacks in order;
// the recorded confidence is always the matching selector's own.
func Extract(rawHTML, pageURL string, p *Pattern) *Result {
	result := &Result{Fields: make(map[string]Field)}
	if p == nil {
		return result
	}

	doc, err := selector.Parse(rawHTML)
	if err != nil {
		// Parsing is tolerant; an error here means no document at all.
		for field := range p.Patterns {
			result.Fields[field] = Field{}
		}
		return result
	}

	for field, cascade := range p.Patterns {
		f, raw := extractField(doc, field, cascade, pageURL)
		result.Fields[field] = f
		// Price post-processing strips everything but digits, so the
		// currency has to be read off the raw hit.
		if field == FieldPrice && f.Value != nil {
			result.Currency = DetectCurrency(raw)
		}
	}
	return result
}

func extractField(doc *selector.Document, field string, cascade FieldPattern, pageURL string) (Field, string) {
	for _, sel := range append([]selector.Selector{cascade.Primary}, cascade.Fallbacks...) {
		raw, ok := doc.Evaluate(sel)
		if !ok {
			continue
		}
		value, ok := postProcess(field, raw, pageURL)
		if !ok {
			continue
		}
		method := string(sel.Type)
		return Field{Value: &value, Method: &method, Confidence: sel.Confidence}, raw
	}
	return Field{}, ""
}

// postProcess normalizes a raw selector hit for its field. A false return
// rejects the hit so the cascade continues with the next fallback.
func postProcess(field, raw, pageURL string) (string, bool) {
	switch field {
	case FieldPrice:
		v, ok := ParsePrice(raw)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case FieldImage:
		return resolveImageURL(raw, pageURL), true
	default:
		return raw, true
	}
}

var priceRe = regexp.MustCompile(`-?\d+([.,]\d+)?`)

// ParsePrice pulls the first numeric substring out of a raw price string.
// Both "." and "," are accepted as the decimal separator; thousands
// grouping is not disambiguated ("1,299" parses as 1.299). Zero and
// negative prices are rejected.
func ParsePrice(raw string) (float64, bool) {
	v, ok := ScanNumber(raw)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// ScanNumber returns the first numeric substring of raw, including zero
// and negative values.
func ScanNumber(raw string) (float64, bool) {
	match := priceRe.FindString(raw)
	if match == "" {
		return 0, false
	}
	match = strings.ReplaceAll(match, ",", ".")
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var currencyCodeRe = regexp.MustCompile(`\b(EUR|USD|GBP|CHF|PLN|CZK|SEK|NOK|DKK|JPY|CAD|AUD)\b`)

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"$", "USD"},
}

// DetectCurrency sniffs a currency code out of a raw price string. ISO
// codes win over symbols; "$" alone is treated as USD. Returns "" when
// nothing recognizable is present, letting the store's currency hint take
// over.
func DetectCurrency(raw string) string {
	if m := currencyCodeRe.FindString(strings.ToUpper(raw)); m != "" {
		return m
	}
	for _, c := range currencySymbols {
		if strings.Contains(raw, c.symbol) {
			return c.code
		}
	}
	return ""
}

// Out-of-stock wording across the shops we track, including the schema.org
// availability URLs.
var unavailableMarkers = []string{
	"outofstock",
	"out of stock",
	"out-of-stock",
	"soldout",
	"sold out",
	"unavailable",
	"not available",
	"no longer available",
	"discontinued",
	"ausverkauft",
	"nicht verfügbar",
	"nicht lieferbar",
	"agotado",
	"épuisé",
	"uitverkocht",
}

// ParseAvailability maps an extracted availability value to a stock flag.
// Unknown wording counts as available.
func ParseAvailability(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return true
	}
	if v == "false" || v == "0" || v == "no" {
		return false
	}
	for _, marker := range unavailableMarkers {
		if strings.Contains(v, marker) {
			return false
		}
	}
	return true
}

// resolveImageURL resolves a relative image reference against the page
// URL. Unparseable input is returned unchanged.
func resolveImageURL(raw, pageURL string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
