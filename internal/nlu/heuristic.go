package nlu

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// HeuristicExtractor is the keyword/regex extractor used when no language
// model is configured. It is deterministic.
type HeuristicExtractor struct{}

var (
	serviceRules = []struct {
		value string
		re    *regexp.Regexp
	}{
		{"mowing", regexp.MustCompile(`(?i)\b(mow|mows|mowing|mowed|lawn cut|grass cut|cut (my|the) (grass|lawn))\b`)},
		{"aeration", regexp.MustCompile(`(?i)\baerat(e|ion|ing)\b`)},
		{"fertilization", regexp.MustCompile(`(?i)\b(fertili[sz](e|er|ation|ing)|weed control)\b`)},
		{"cleanup", regexp.MustCompile(`(?i)\b(clean ?up|leaf|leaves|yard waste)\b`)},
		{"trimming", regexp.MustCompile(`(?i)\b(trim|trimming|hedges?|shrubs?|edging)\b`)},
		{"irrigation", regexp.MustCompile(`(?i)\b(irrigation|sprinklers?)\b`)},
	}
	vagueServiceRe = regexp.MustCompile(`(?i)\b(lawn|grass|yard)\b`)

	frequencyRules = []struct {
		value string
		re    *regexp.Regexp
		conf  float64
	}{
		{"biweekly", regexp.MustCompile(`(?i)\b(bi-?weekly|every other week|every (2|two) weeks)\b`), 0.95},
		{"weekly", regexp.MustCompile(`(?i)\b(weekly|every week|once a week|each week)\b`), 0.95},
		{"monthly", regexp.MustCompile(`(?i)\b(monthly|every month|once a month)\b`), 0.9},
		{"one_time", regexp.MustCompile(`(?i)\b(one[- ]time|just once|once|single visit|one[- ]off)\b`), 0.85},
	}
	vagueFrequencyRe = regexp.MustCompile(`(?i)\b(regular|recurring|ongoing)\b`)

	quoteIntentRe = regexp.MustCompile(`(?i)\b(quote|price|pricing|estimate|how much|cost)\b`)

	addressRe     = regexp.MustCompile(`(?i)\b(\d{1,6}\s+(?:[a-z][a-z0-9.'-]*\s+){0,4}?(?:st|street|ave|avenue|rd|road|dr|drive|ln|lane|ct|court|blvd|boulevard|way|pl|place|cir|circle|ter|terrace|pkwy|parkway|hwy|highway|trl|trail|loop))\b`)
	weakAddressRe = regexp.MustCompile(`(?i)\b(\d{1,6}\s+[a-z][a-z'-]+)`)

	acresRe       = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(?:acres?|ac)\b`)
	sqftRe        = regexp.MustCompile(`(?i)\b(\d[\d,]*)\s*(?:sq\.?\s*ft|sqft|square\s+feet|sf)\b`)
	quarterAcreRe = regexp.MustCompile(`(?i)\b(quarter|1/4)\s+(?:of\s+an\s+)?acre\b`)
	halfAcreRe    = regexp.MustCompile(`(?i)\b(half|1/2)\s+(?:an\s+)?acre\b`)
	oneAcreRe     = regexp.MustCompile(`(?i)\b(an|one)\s+acre\b`)
	sizeWordRules = []struct {
		value string
		re    *regexp.Regexp
	}{
		{"small", regexp.MustCompile(`(?i)\b(small|tiny|little)\b`)},
		{"medium", regexp.MustCompile(`(?i)\b(medium|average|normal|mid-?sized?)\b`)},
		{"large", regexp.MustCompile(`(?i)\b(large|big|huge)\b`)},
	}

	yesRe = regexp.MustCompile(`(?i)\b(yes|yeah|yep|yup|sure|book it|book|schedule|sounds good|let'?s do it|go ahead)\b`)
	noRe  = regexp.MustCompile(`(?i)\b(no|nope|too expensive|too much|not interested|pass)\b`)

	slotNumberRe  = regexp.MustCompile(`(?i)^\s*(?:option|slot|number|#)?\s*([1-9])\b`)
	slotOrdinals  = []string{"first", "second", "third", "fourth", "fifth"}
	weekdayNames  = []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
	humanAskRe    = regexp.MustCompile(`(?i)\b(human|real person|a person|agent|representative|operator|call me|speak (to|with)|talk (to|with))\b`)
)

func (HeuristicExtractor) Extract(ctx context.Context, field string, text string, ec ExtractContext) Extraction {
	text = strings.TrimSpace(text)
	if text == "" {
		return Extraction{}
	}
	switch field {
	case FieldService:
		return extractService(text)
	case FieldFrequency:
		return extractFrequency(text)
	case FieldIntent:
		return extractIntent(text)
	case FieldAddress:
		return extractAddress(text)
	case FieldPropertySize:
		return extractPropertySize(text)
	case FieldQuoteAcceptance:
		return extractConfirmation(text)
	case FieldSlotChoice:
		return extractSlotChoice(text, ec.Options)
	case FieldHumanRequest:
		if humanAskRe.MatchString(text) {
			return Extraction{Value: "yes", Confidence: 0.95}
		}
		return Extraction{}
	default:
		return Extraction{}
	}
}

func extractService(text string) Extraction {
	for _, r := range serviceRules {
		if r.re.MatchString(text) {
			return Extraction{Value: r.value, Confidence: 0.92}
		}
	}
	if vagueServiceRe.MatchString(text) {
		return Extraction{Value: "mowing", Confidence: 0.55}
	}
	return Extraction{}
}

func extractFrequency(text string) Extraction {
	for _, r := range frequencyRules {
		if r.re.MatchString(text) {
			return Extraction{Value: r.value, Confidence: r.conf}
		}
	}
	if vagueFrequencyRe.MatchString(text) {
		return Extraction{Value: "weekly", Confidence: 0.5}
	}
	return Extraction{}
}

func extractIntent(text string) Extraction {
	freq := extractFrequency(text)
	if freq.Confidence >= 0.8 {
		if freq.Value == "one_time" {
			return Extraction{Value: "one_time", Confidence: 0.9}
		}
		return Extraction{Value: "recurring", Confidence: 0.9}
	}
	if quoteIntentRe.MatchString(text) {
		return Extraction{Value: "quote", Confidence: 0.8}
	}
	if extractService(text).Value != "" {
		return Extraction{Value: "service_request", Confidence: 0.6}
	}
	return Extraction{}
}

func extractAddress(text string) Extraction {
	if m := addressRe.FindStringSubmatch(text); m != nil {
		return Extraction{Value: strings.TrimSpace(m[1]), Confidence: 0.9}
	}
	if m := weakAddressRe.FindStringSubmatch(text); m != nil {
		return Extraction{Value: strings.TrimSpace(m[1]), Confidence: 0.45}
	}
	return Extraction{}
}

func extractPropertySize(text string) Extraction {
	if m := acresRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return Extraction{Value: formatAcres(v), Confidence: 0.9}
		}
	}
	if m := sqftRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil && v > 0 {
			return Extraction{Value: fmt.Sprintf("%d sqft", v), Confidence: 0.9}
		}
	}
	switch {
	case quarterAcreRe.MatchString(text):
		return Extraction{Value: formatAcres(0.25), Confidence: 0.85}
	case halfAcreRe.MatchString(text):
		return Extraction{Value: formatAcres(0.5), Confidence: 0.85}
	case oneAcreRe.MatchString(text):
		return Extraction{Value: formatAcres(1), Confidence: 0.85}
	}
	for _, r := range sizeWordRules {
		if r.re.MatchString(text) {
			return Extraction{Value: r.value, Confidence: 0.75}
		}
	}
	return Extraction{}
}

func extractConfirmation(text string) Extraction {
	lower := strings.ToLower(strings.Trim(text, " .!"))
	yes := yesRe.MatchString(text) || lower == "y" || lower == "ok" || lower == "okay"
	no := noRe.MatchString(text) || lower == "n"
	switch {
	case yes && no:
		return Extraction{Value: "yes", Confidence: 0.3}
	case yes:
		return Extraction{Value: "yes", Confidence: 0.9}
	case no:
		return Extraction{Value: "no", Confidence: 0.9}
	}
	return Extraction{}
}

func extractSlotChoice(text string, options []string) Extraction {
	if len(options) == 0 {
		return Extraction{}
	}
	if m := slotNumberRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= len(options) {
			return Extraction{Value: strconv.Itoa(n), Confidence: 0.95}
		}
	}
	lower := strings.ToLower(text)
	for i, ord := range slotOrdinals {
		if i < len(options) && strings.Contains(lower, ord) {
			return Extraction{Value: strconv.Itoa(i + 1), Confidence: 0.85}
		}
	}
	for _, day := range weekdayNames {
		if !strings.Contains(lower, day) && !containsWord(lower, day[:3]) {
			continue
		}
		for i, opt := range options {
			if strings.HasPrefix(strings.ToLower(opt), day[:3]) {
				return Extraction{Value: strconv.Itoa(i + 1), Confidence: 0.8}
			}
		}
	}
	return Extraction{}
}

func containsWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if f == word {
			return true
		}
	}
	return false
}

func formatAcres(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " acres"
}

// ParseLotSqft converts a normalized property_size value to square feet.
// Unknown values yield 0.
func ParseLotSqft(value string) int {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "small":
		return 5000
	case "medium":
		return 10000
	case "large":
		return 20000
	}
	if strings.HasSuffix(v, " acres") {
		f, err := strconv.ParseFloat(strings.TrimSuffix(v, " acres"), 64)
		if err != nil {
			return 0
		}
		return int(f * 43560)
	}
	if strings.HasSuffix(v, " sqft") {
		n, err := strconv.Atoi(strings.TrimSuffix(v, " sqft"))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
