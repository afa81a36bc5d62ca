package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// LicenseStore reads licenses from the licenses table.
type LicenseStore struct {
	db DB
}

var _ crawler.LicenseChecker = (*LicenseStore)(nil)

// NewLicenseStore constructs a LicenseStore over db.
func NewLicenseStore(db DB) (*LicenseStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LicenseStore{db: db}, nil
}

// CheckLicense implements crawler.LicenseChecker. Unknown users get an
// inactive license.
func (s *LicenseStore) CheckLicense(ctx context.Context, email string) (crawler.License, error) {
	var lic crawler.License
	err := s.db.QueryRow(ctx, `SELECT active, expires_at FROM licenses WHERE email = $1`, normalizeEmail(email)).
		Scan(&lic.Active, &lic.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.License{}, nil
		}
		return crawler.License{}, fmt.Errorf("check license: %w", err)
	}
	return lic, nil
}

// Grant activates email until expiresAt; nil never expires.
func (s *LicenseStore) Grant(ctx context.Context, email string, expiresAt *time.Time) error {
	query := `
INSERT INTO licenses (email, active, expires_at) VALUES ($1, TRUE, $2)
ON CONFLICT (email) DO UPDATE SET active = TRUE, expires_at = EXCLUDED.expires_at`
	if _, err := s.db.Exec(ctx, query, normalizeEmail(email), expiresAt); err != nil {
		return fmt.Errorf("grant license: %w", err)
	}
	return nil
}

// Revoke deactivates email.
func (s *LicenseStore) Revoke(ctx context.Context, email string) error {
	if _, err := s.db.Exec(ctx, `UPDATE licenses SET active = FALSE WHERE email = $1`, normalizeEmail(email)); err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
