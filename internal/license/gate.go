// Package license decides whether a user may start crawl jobs.
package license

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Gate checks a user's license against the current time.
type Gate struct {
	checker crawler.LicenseChecker
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewGate wires a license checker and clock.
func NewGate(checker crawler.LicenseChecker, clock crawler.Clock, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{checker: checker, clock: clock, logger: logger.Named("license")}
}

// Verify returns nil when email holds an active license that has not expired.
// A missing, inactive or expired license yields crawler.ErrLicenseInvalid; a
// lookup failure is returned as-is.
func (g *Gate) Verify(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fmt.Errorf("empty user email: %w", crawler.ErrLicenseInvalid)
	}
	lic, err := g.checker.CheckLicense(ctx, email)
	if err != nil {
		return fmt.Errorf("check license: %w", err)
	}
	now := g.clock.Now()
	if !Valid(lic, now) {
		g.logger.Info("license rejected",
			zap.String("user_email", email),
			zap.Bool("active", lic.Active),
			zap.Timep("expires_at", lic.ExpiresAt),
		)
		return fmt.Errorf("user %s: %w", email, crawler.ErrLicenseInvalid)
	}
	return nil
}

// Valid reports whether lic is usable at now. A nil expiry never lapses.
func Valid(lic crawler.License, now time.Time) bool {
	if !lic.Active {
		return false
	}
	return lic.ExpiresAt == nil || lic.ExpiresAt.After(now)
}
