package extractor

import (
	"strings"
	"testing"

	"github.com/pricewatch/pricewatch/internal/selector"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
<meta property="og:title" content="Widget Deluxe">
</head>
<body>
  <h1 class="title">Widget Deluxe</h1>
  <span class="price">$29.99</span>
  <span class="price-sold">Sold out</span>
  <div data-price="49,00"></div>
  <img id="main" src="/img/widget.jpg">
  <span class="stock">In stock</span>
  <span class="sku">W-1000</span>
</body>
</html>`

func sel(typ selector.Type, expr, attr string, conf float64) selector.Selector {
	return selector.Selector{Type: typ, Selector: expr, Attribute: attr, Confidence: conf}
}

func TestExtract_PrimaryHit(t *testing.T) {
	p := &Pattern{
		StoreDomain: "shop.example.com",
		Patterns: map[string]FieldPattern{
			FieldPrice: {Primary: sel(selector.TypeCSS, ".price", "", 0.9)},
			FieldTitle: {Primary: sel(selector.TypeCSS, "h1.title", "", 0.8)},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)

	price := result.Get(FieldPrice)
	if price.Value == nil || *price.Value != "29.99" {
		t.Fatalf("price value = %v, want 29.99", price.Value)
	}
	if price.Method == nil || *price.Method != "css" {
		t.Errorf("price method = %v, want css", price.Method)
	}
	if price.Confidence != 0.9 {
		t.Errorf("price confidence = %v, want 0.9", price.Confidence)
	}

	title := result.Get(FieldTitle)
	if title.Value == nil || *title.Value != "Widget Deluxe" {
		t.Errorf("title value = %v, want Widget Deluxe", title.Value)
	}
}

func TestExtract_FallbackCarriesOwnConfidence(t *testing.T) {
	p := &Pattern{
		StoreDomain: "shop.example.com",
		Patterns: map[string]FieldPattern{
			FieldPrice: {
				Primary: sel(selector.TypeCSS, ".price-missing", "", 0.9),
				Fallbacks: []selector.Selector{
					sel(selector.TypeCSS, "[data-price]", "data-price", 0.7),
				},
			},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)

	price := result.Get(FieldPrice)
	if price.Value == nil || *price.Value != "49" {
		t.Fatalf("price value = %v, want 49", price.Value)
	}
	if price.Confidence != 0.7 {
		t.Errorf("confidence = %v, want the fallback's 0.7", price.Confidence)
	}
	if v, ok := result.PriceValue(); !ok || v != 49.0 {
		t.Errorf("PriceValue() = (%v, %v), want (49, true)", v, ok)
	}
}

func TestExtract_NonNumericPrimaryFallsThrough(t *testing.T) {
	// The primary matches an element, but its text has no usable number;
	// the cascade must continue to the fallback.
	p := &Pattern{
		Patterns: map[string]FieldPattern{
			FieldPrice: {
				Primary: sel(selector.TypeCSS, ".price-sold", "", 0.9),
				Fallbacks: []selector.Selector{
					sel(selector.TypeCSS, ".price", "", 0.6),
				},
			},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)
	price := result.Get(FieldPrice)
	if price.Value == nil || *price.Value != "29.99" {
		t.Fatalf("price value = %v, want 29.99 from fallback", price.Value)
	}
	if price.Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6", price.Confidence)
	}
}

func TestExtract_MissedFieldIsNull(t *testing.T) {
	p := &Pattern{
		Patterns: map[string]FieldPattern{
			FieldPrice: {Primary: sel(selector.TypeCSS, ".nope", "", 0.9)},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)
	price := result.Get(FieldPrice)
	if price.Value != nil || price.Method != nil || price.Confidence != 0 {
		t.Errorf("missed field = %+v, want {nil, nil, 0}", price)
	}
	if !result.Empty() {
		t.Error("result with only misses should be Empty")
	}
}

func TestExtract_RelativeImageResolved(t *testing.T) {
	p := &Pattern{
		Patterns: map[string]FieldPattern{
			FieldImage: {Primary: sel(selector.TypeCSS, "img#main", "src", 0.8)},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)
	img := result.Get(FieldImage)
	if img.Value == nil || *img.Value != "https://shop.example.com/img/widget.jpg" {
		t.Errorf("image value = %v, want resolved absolute URL", img.Value)
	}
}

func TestExtract_UnknownFieldNamesAreExtracted(t *testing.T) {
	p := &Pattern{
		Patterns: map[string]FieldPattern{
			"sku_text": {Primary: sel(selector.TypeCSS, ".sku", "", 0.5)},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)
	f := result.Get("sku_text")
	if f.Value == nil || *f.Value != "W-1000" {
		t.Errorf("unknown field value = %v, want W-1000", f.Value)
	}
}

func TestExtract_TotalOnArbitraryInput(t *testing.T) {
	p := &Pattern{
		Patterns: map[string]FieldPattern{
			FieldPrice: {Primary: sel(selector.TypeCSS, ".price", "", 0.9)},
			FieldTitle: {Primary: sel(selector.TypeXPath, "//h1", "", 0.9)},
		},
	}

	for _, in := range []string{"", "garbage", "<div>unclosed", strings.Repeat("<<>>", 500)} {
		result := Extract(in, "https://shop.example.com/p/1", p)
		if result == nil {
			t.Fatalf("Extract(%.10q) returned nil", in)
		}
		if got := result.Get(FieldPrice); got.Value != nil {
			t.Errorf("Extract(%.10q): unexpected price hit %v", in, *got.Value)
		}
	}

	// A nil pattern is also survivable.
	if result := Extract(samplePage, "https://shop.example.com/p/1", nil); !result.Empty() {
		t.Error("Extract with nil pattern should be empty")
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"$29.99", 29.99, true},
		{"29.99 EUR", 29.99, true},
		{"49,00", 49.0, true},
		{"Price: 135", 135, true},
		{"1,299", 1.299, true}, // thousands grouping is not disambiguated
		{"0", 0, false},
		{"0.00", 0, false},
		{"-5.99", 0, false},
		{"free", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParsePrice(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("ParsePrice(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestExtract_CurrencyFromRawPriceText(t *testing.T) {
	p := &Pattern{
		StoreDomain: "shop.example.com",
		Patterns: map[string]FieldPattern{
			FieldPrice: {Primary: sel(selector.TypeCSS, ".price", "", 0.9)},
		},
	}

	result := Extract(samplePage, "https://shop.example.com/p/42", p)
	if result.Currency != "USD" {
		t.Errorf("currency = %q, want USD from $ prefix", result.Currency)
	}

	bare := `<html><body><span class="price">29.99</span></body></html>`
	result = Extract(bare, "https://shop.example.com/p/42", p)
	if result.Currency != "" {
		t.Errorf("currency = %q, want empty for bare number", result.Currency)
	}
}

func TestDetectCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"€29,99", "EUR"},
		{"29.99 EUR", "EUR"},
		{"$49.00", "USD"},
		{"USD 49.00", "USD"},
		{"£12.50", "GBP"},
		{"1 299 CZK", "CZK"},
		{"chf 99.00", "CHF"},
		{"EURO 20", ""}, // not a standalone code
		{"29.99", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := DetectCurrency(tt.in); got != tt.want {
			t.Errorf("DetectCurrency(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAvailability(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"In stock", true},
		{"https://schema.org/InStock", true},
		{"InStock", true},
		{"available", true},
		{"https://schema.org/OutOfStock", false},
		{"Out of stock", false},
		{"Sold out", false},
		{"Ausverkauft", false},
		{"false", false},
		{"", true},
		{"ships in 2 days", true},
	}

	for _, tt := range tests {
		if got := ParseAvailability(tt.in); got != tt.want {
			t.Errorf("ParseAvailability(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResultAvailable_DefaultsTrue(t *testing.T) {
	r := &Result{Fields: map[string]Field{}}
	if !r.Available() {
		t.Error("absent availability field should default to available")
	}

	v := "Sold out"
	m := "css"
	r.Fields[FieldAvailability] = Field{Value: &v, Method: &m, Confidence: 0.5}
	if r.Available() {
		t.Error("sold-out wording should be unavailable")
	}
}

func TestParsePattern(t *testing.T) {
	valid := `{
		"store_domain": "shop.example.com",
		"patterns": {
			"price": {
				"primary": {"type": "css", "selector": ".price", "confidence": 0.9},
				"fallbacks": [{"type": "meta", "selector": "product:price:amount", "confidence": 0.6}]
			},
			"title": {"primary": {"type": "css", "selector": "h1", "confidence": 0.8}}
		}
	}`

	p, err := ParsePattern(valid)
	if err != nil {
		t.Fatalf("ParsePattern(valid) error: %v", err)
	}
	if p.StoreDomain != "shop.example.com" {
		t.Errorf("StoreDomain = %q", p.StoreDomain)
	}
	if len(p.Patterns) != 2 {
		t.Errorf("got %d fields, want 2", len(p.Patterns))
	}

	invalid := []struct {
		name string
		raw  string
	}{
		{"not json", "{"},
		{"no fields", `{"store_domain": "x", "patterns": {}}`},
		{"empty primary", `{"patterns": {"price": {"primary": {"type": "css", "selector": "", "confidence": 0.5}}}}`},
		{"bad type", `{"patterns": {"price": {"primary": {"type": "regex", "selector": "x", "confidence": 0.5}}}}`},
		{"confidence out of range", `{"patterns": {"price": {"primary": {"type": "css", "selector": ".p", "confidence": 1.5}}}}`},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePattern(tt.raw); err == nil {
				t.Errorf("ParsePattern should fail for %s", tt.name)
			}
		})
	}
}
