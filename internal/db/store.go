package db

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turfline/backend/internal/apperr"
	"github.com/turfline/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(format, args...)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) UpsertBusiness(ctx context.Context, b models.Business, phones []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO businesses (id, account_id, name, service_template_id, click_to_call_enabled, jobber_account_id)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET
				account_id = EXCLUDED.account_id,
				name = EXCLUDED.name,
				service_template_id = EXCLUDED.service_template_id,
				click_to_call_enabled = EXCLUDED.click_to_call_enabled,
				jobber_account_id = EXCLUDED.jobber_account_id
		`, b.ID, b.AccountID, b.Name, b.ServiceTemplateID, b.ClickToCallEnabled, b.JobberAccountID)
		if err != nil {
			return err
		}
		for _, p := range phones {
			if _, err := tx.Exec(ctx, `
				INSERT INTO business_phones (phone, business_id) VALUES ($1,$2)
				ON CONFLICT (phone) DO UPDATE SET business_id = EXCLUDED.business_id
			`, p, b.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

const businessColumns = `b.id, b.account_id, b.name, b.service_template_id, b.click_to_call_enabled, b.jobber_account_id`

func scanBusiness(row pgx.Row) (models.Business, error) {
	var b models.Business
	err := row.Scan(&b.ID, &b.AccountID, &b.Name, &b.ServiceTemplateID, &b.ClickToCallEnabled, &b.JobberAccountID)
	return b, err
}

// ResolveBusinessByPhone maps the number a customer texted to its business.
func (s *Store) ResolveBusinessByPhone(ctx context.Context, phone string) (models.Business, error) {
	b, err := scanBusiness(s.Pool.QueryRow(ctx, `
		SELECT `+businessColumns+`
		FROM business_phones p JOIN businesses b ON b.id = p.business_id
		WHERE p.phone = $1
	`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Business{}, apperr.ErrNoTenant
	}
	return b, err
}

func (s *Store) GetBusiness(ctx context.Context, id string) (models.Business, error) {
	b, err := scanBusiness(s.Pool.QueryRow(ctx, `SELECT `+businessColumns+` FROM businesses b WHERE b.id = $1`, id))
	return b, notFound(err, "business %s", id)
}

func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (id, business_id, name, role) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET business_id = EXCLUDED.business_id, name = EXCLUDED.name, role = EXCLUDED.role
	`, u.ID, u.BusinessID, u.Name, u.Role)
	return err
}

func (s *Store) GetUser(ctx context.Context, businessID, userID string) (models.User, error) {
	var u models.User
	err := s.Pool.QueryRow(ctx, `SELECT id, business_id, name, role FROM users WHERE id = $1 AND business_id = $2`, userID, businessID).
		Scan(&u.ID, &u.BusinessID, &u.Name, &u.Role)
	return u, notFound(err, "user %s", userID)
}

func (s *Store) SaveOAuthState(ctx context.Context, st models.OAuthState) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO oauth_states (state, business_id, user_id, provider, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, st.State, st.BusinessID, st.UserID, st.Provider, st.CreatedAt, st.ExpiresAt)
	return err
}

// ConsumeOAuthState deletes the state and returns it if it had not expired
// at now. Expired rows are removed on the way.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (models.OAuthState, error) {
	var st models.OAuthState
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			DELETE FROM oauth_states WHERE state = $1
			RETURNING state, business_id, user_id, provider, created_at, expires_at
		`, state).Scan(&st.State, &st.BusinessID, &st.UserID, &st.Provider, &st.CreatedAt, &st.ExpiresAt)
		return notFound(err, "oauth state")
	})
	return st, err
}
