package extractor

import (
	"encoding/json"
	"fmt"

	"github.com/pricewatch/pricewatch/internal/selector"
)

// Well-known field names. Unknown names in a pattern are preserved and
// extracted like any other; only price and title are critical.
const (
	FieldPrice         = "price"
	FieldTitle         = "title"
	FieldImage         = "image"
	FieldAvailability  = "availability"
	FieldArticleNumber = "article_number"
	FieldModelNumber   = "model_number"
)

// CriticalFields are the fields a listing cannot be tracked without.
var CriticalFields = []string{FieldPrice, FieldTitle}

// FieldPattern is the selector cascade for one field: a primary selector
// and ordered fallbacks.
type FieldPattern struct {
	Primary   selector.Selector   `json:"primary"`
	Fallbacks []selector.Selector `json:"fallbacks,omitempty"`
}

// Pattern is a domain's full extraction recipe.
type Pattern struct {
	StoreDomain string                  `json:"store_domain"`
	Patterns    map[string]FieldPattern `json:"patterns"`
}

// ParsePattern decodes and sanity-checks pattern JSON.
func ParsePattern(raw string) (*Pattern, error) {
	var p Pattern
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to parse pattern json: %w", err)
	}
	if len(p.Patterns) == 0 {
		return nil, fmt.Errorf("pattern has no fields")
	}
	for field, fp := range p.Patterns {
		if fp.Primary.Selector == "" {
			return nil, fmt.Errorf("field %q has no primary selector", field)
		}
		for _, sel := range append([]selector.Selector{fp.Primary}, fp.Fallbacks...) {
			switch sel.Type {
			case selector.TypeCSS, selector.TypeXPath, selector.TypeJSONLD, selector.TypeMeta:
			default:
				return nil, fmt.Errorf("field %q has unknown selector type %q", field, sel.Type)
			}
			if sel.Confidence < 0 || sel.Confidence > 1 {
				return nil, fmt.Errorf("field %q has confidence %v outside [0,1]", field, sel.Confidence)
			}
		}
	}
	return &p, nil
}
