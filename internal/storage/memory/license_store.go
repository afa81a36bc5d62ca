package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// LicenseStore keeps licenses in memory, seeded from configuration.
type LicenseStore struct {
	mu       sync.RWMutex
	licenses map[string]crawler.License
}

var _ crawler.LicenseChecker = (*LicenseStore)(nil)

// NewLicenseStore constructs an empty LicenseStore.
func NewLicenseStore() *LicenseStore {
	return &LicenseStore{licenses: make(map[string]crawler.License)}
}

// Grant activates email until expiresAt; nil never expires.
func (s *LicenseStore) Grant(email string, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[normalizeEmail(email)] = crawler.License{Active: true, ExpiresAt: expiresAt}
}

// Revoke deactivates email.
func (s *LicenseStore) Revoke(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic := s.licenses[normalizeEmail(email)]
	lic.Active = false
	s.licenses[normalizeEmail(email)] = lic
}

// CheckLicense implements crawler.LicenseChecker.
func (s *LicenseStore) CheckLicense(_ context.Context, email string) (crawler.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.licenses[normalizeEmail(email)], nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
