// Package nlu extracts structured answers from free-text customer messages.
//
// Extraction never fails hard: an Extractor that cannot find a value returns
// a zero Extraction and the caller decides whether to reprompt.
package nlu

import "context"

const (
	FieldIntent          = "intent"
	FieldService         = "service"
	FieldFrequency       = "frequency"
	FieldAddress         = "address"
	FieldPropertySize    = "property_size"
	FieldQuoteAcceptance = "quote_acceptance"
	FieldSlotChoice      = "slot_choice"
	FieldHumanRequest    = "human_request"
)

type Extraction struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Found reports whether the extraction met threshold.
func (e Extraction) Found(threshold float64) bool {
	return e.Value != "" && e.Confidence >= threshold
}

type ExtractContext struct {
	TemplateID string
	// Options are the labels offered to the customer when the field is a choice.
	Options   []string
	Collected map[string]string
}

type Extractor interface {
	Extract(ctx context.Context, field string, text string, ec ExtractContext) Extraction
}
