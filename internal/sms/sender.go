package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type SendResult struct {
	ProviderID string `json:"provider_id"`
}

// Sender delivers one outbound text. Delivery is best-effort; callers log
// failures and never roll back the session.
type Sender interface {
	Send(ctx context.Context, from, to, text string) (SendResult, error)
}

// LogSender writes messages to the log instead of a provider. Used when no
// SMS provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(ctx context.Context, from, to, text string) (SendResult, error) {
	id := "log_" + uuid.NewString()
	s.Logger.Info().
		Str("provider_id", id).
		Str("from", from).
		Str("to", to).
		Str("text", text).
		Msg("sms outbound (log sender)")
	return SendResult{ProviderID: id}, nil
}

// HTTPSender posts to a Twilio-compatible Messages endpoint.
type HTTPSender struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Client     *http.Client
}

func NewHTTPSender(baseURL, accountSID, authToken string) *HTTPSender {
	return &HTTPSender{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AccountSID: accountSID,
		AuthToken:  authToken,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) Send(ctx context.Context, from, to, text string) (SendResult, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.BaseURL, url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.AccountSID, s.AuthToken)

	resp, err := s.Client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return SendResult{}, fmt.Errorf("send sms: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return SendResult{}, fmt.Errorf("send sms: decode response: %w", err)
	}
	return SendResult{ProviderID: out.SID}, nil
}
