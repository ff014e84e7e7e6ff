package service

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

const ProviderJobber = "jobber"

type OAuthConfig struct {
	AuthorizeURL string
	ClientID     string
	RedirectURL  string
	StateTTL     time.Duration
}

// OAuthService starts and completes the scheduling-system connection flow.
// State rows live in the store with an expiry and are checked lazily when
// consumed; the token exchange itself belongs to the writeback worker.
type OAuthService struct {
	Store  Store
	Config OAuthConfig
	Logger zerolog.Logger
	Now    func() time.Time
}

type ConnectResult struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CallbackResult struct {
	BusinessID        string `json:"business_id"`
	Provider          string `json:"provider"`
	ExternalAccountID string `json:"external_account_id,omitempty"`
	Connected         bool   `json:"connected"`
}

func (s *OAuthService) Connect(ctx context.Context, businessID, userID string) (ConnectResult, error) {
	u, err := s.Store.GetUser(ctx, businessID, userID)
	if err != nil {
		return ConnectResult{}, err
	}
	if u.Role != models.RoleOwner && u.Role != models.RoleAdmin {
		return ConnectResult{}, apperr.Forbidden("role %s cannot connect integrations", u.Role)
	}
	if s.Config.AuthorizeURL == "" || s.Config.ClientID == "" {
		return ConnectResult{}, apperr.Invalid("jobber integration is not configured")
	}

	now := s.now()
	ttl := s.Config.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	st := models.OAuthState{
		State:      uuid.NewString(),
		BusinessID: businessID,
		UserID:     userID,
		Provider:   ProviderJobber,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.Store.SaveOAuthState(ctx, st); err != nil {
		return ConnectResult{}, err
	}

	base, err := url.Parse(s.Config.AuthorizeURL)
	if err != nil {
		return ConnectResult{}, err
	}
	q := base.Query()
	q.Set("response_type", "code")
	q.Set("client_id", s.Config.ClientID)
	q.Set("state", st.State)
	if s.Config.RedirectURL != "" {
		q.Set("redirect_uri", s.Config.RedirectURL)
	}
	base.RawQuery = q.Encode()
	return ConnectResult{URL: base.String(), State: st.State, ExpiresAt: st.ExpiresAt}, nil
}

// Callback consumes the state once. An unknown, reused or expired state is
// rejected. When the provider reports the account id it is stored on the
// business for later writebacks.
func (s *OAuthService) Callback(ctx context.Context, state, code, accountID string) (CallbackResult, error) {
	if strings.TrimSpace(state) == "" || strings.TrimSpace(code) == "" {
		return CallbackResult{}, apperr.Invalid("state and code are required")
	}
	st, err := s.Store.ConsumeOAuthState(ctx, state, s.now())
	if err != nil {
		return CallbackResult{}, err
	}
	out := CallbackResult{BusinessID: st.BusinessID, Provider: st.Provider, Connected: true}
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		biz, err := s.Store.GetBusiness(ctx, st.BusinessID)
		if err != nil {
			return CallbackResult{}, err
		}
		biz.JobberAccountID = accountID
		if err := s.Store.UpsertBusiness(ctx, biz, nil); err != nil {
			return CallbackResult{}, err
		}
		out.ExternalAccountID = accountID
	}
	s.Logger.Info().Str("business_id", st.BusinessID).Str("provider", st.Provider).Msg("integration connected")
	return out, nil
}

func (s *OAuthService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
