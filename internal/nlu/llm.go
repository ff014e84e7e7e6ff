package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LLMExtractor asks an OpenAI-compatible chat completions endpoint for a
// single field. Any transport or parse failure falls back to Fallback, so a
// flaky model degrades to heuristics instead of breaking the conversation.
type LLMExtractor struct {
	BaseURL   string
	Model     string
	APIKey    string
	MaxTokens int
	Client    *http.Client
	Fallback  Extractor
	Logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value Extraction
	exp   time.Time
}

var cacheTTL = 10 * time.Minute

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const extractSystemPrompt = `You extract one structured field from an SMS sent to a lawn care company.
Reply with JSON only: {"value": "<normalized value or empty string>", "confidence": <0..1>}.
Field guide:
- intent: recurring | one_time | quote | service_request
- service: mowing | aeration | fertilization | cleanup | trimming | irrigation
- frequency: weekly | biweekly | monthly | one_time
- address: street address exactly as written, e.g. "123 Oak St"
- property_size: "<n> acres" | "<n> sqft" | small | medium | large
- quote_acceptance: yes | no
- slot_choice: 1-based index of the chosen option
- human_request: yes when the customer asks for a person`

func (x *LLMExtractor) Extract(ctx context.Context, field string, text string, ec ExtractContext) Extraction {
	key := field + "\x00" + text + "\x00" + strings.Join(ec.Options, "\x1f")
	if v, ok := x.cacheGet(key); ok {
		return v
	}
	res, err := x.ask(ctx, field, text, ec)
	if err != nil {
		x.Logger.Warn().Err(err).Str("field", field).Msg("llm extraction failed, using fallback")
		return x.fallback(ctx, field, text, ec)
	}
	x.cacheSet(key, res)
	return res
}

func (x *LLMExtractor) fallback(ctx context.Context, field, text string, ec ExtractContext) Extraction {
	if x.Fallback == nil {
		return HeuristicExtractor{}.Extract(ctx, field, text, ec)
	}
	return x.Fallback.Extract(ctx, field, text, ec)
}

func (x *LLMExtractor) ask(ctx context.Context, field, text string, ec ExtractContext) (Extraction, error) {
	if strings.TrimSpace(x.BaseURL) == "" {
		return Extraction{}, fmt.Errorf("NLU_URL is not set")
	}
	user := fmt.Sprintf("field: %s\nmessage: %s", field, text)
	if len(ec.Options) > 0 {
		user += "\noptions:\n"
		for i, o := range ec.Options {
			user += fmt.Sprintf("%d. %s\n", i+1, o)
		}
	}
	payload := struct {
		Model       string        `json:"model"`
		Temperature float64       `json:"temperature"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		Messages    []chatMessage `json:"messages"`
	}{
		Model:     x.Model,
		MaxTokens: x.MaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: user},
		},
	}
	b, _ := json.Marshal(payload)
	url := strings.TrimRight(x.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Extraction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(x.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+x.APIKey)
	}

	client := x.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Extraction{}, fmt.Errorf("nlu request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Extraction{}, fmt.Errorf("nlu http error: %s", resp.Status)
	}

	var res struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Extraction{}, err
	}
	if len(res.Choices) == 0 {
		return Extraction{}, fmt.Errorf("empty nlu response")
	}
	return parseExtraction(res.Choices[0].Message.Content)
}

func parseExtraction(content string) (Extraction, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	var out Extraction
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	out.Value = strings.TrimSpace(out.Value)
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}

func (x *LLMExtractor) cacheGet(key string) (Extraction, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.cache[key]; ok {
		if time.Now().Before(e.exp) {
			return e.value, true
		}
		delete(x.cache, key)
	}
	return Extraction{}, false
}

func (x *LLMExtractor) cacheSet(key string, value Extraction) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cache == nil {
		x.cache = map[string]cacheEntry{}
	}
	x.cache[key] = cacheEntry{value: value, exp: time.Now().Add(cacheTTL)}
}
