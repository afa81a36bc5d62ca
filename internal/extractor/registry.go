package extractor

import (
	"fmt"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// knownSites are accepted site names, whether or not an extractor exists.
var knownSites = map[crawler.Site]bool{
	crawler.SiteSmartStore: true,
	crawler.SiteNaverBlog:  true,
	crawler.SiteCoupang:    true,
	crawler.SiteGmarket:    true,
	crawler.SiteAuction:    true,
	crawler.SiteElevenst:   true,
}

// Registry maps sites to their extractor.
type Registry struct {
	bySite map[crawler.Site]Extractor
}

// NewRegistry indexes the given extractors by site.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{bySite: make(map[crawler.Site]Extractor, len(extractors))}
	for _, e := range extractors {
		r.bySite[e.Site()] = e
	}
	return r
}

// DefaultRegistry wires every built-in variant to one block detector.
func DefaultRegistry(detector *BlockDetector) *Registry {
	if detector == nil {
		detector = DefaultBlockDetector()
	}
	return NewRegistry(NewSmartStore(detector), NewNaverBlog(detector))
}

// For returns the extractor for site or crawler.ErrUnsupportedSite.
func (r *Registry) For(site crawler.Site) (Extractor, error) {
	if e, ok := r.bySite[site]; ok {
		return e, nil
	}
	if knownSites[site] {
		return nil, fmt.Errorf("site %s has no extractor: %w", site, crawler.ErrUnsupportedSite)
	}
	return nil, fmt.Errorf("unknown site %q: %w", site, crawler.ErrUnsupportedSite)
}

// Supports reports whether site has an extractor.
func (r *Registry) Supports(site crawler.Site) bool {
	_, ok := r.bySite[site]
	return ok
}

// Sites returns the sites with an extractor.
func (r *Registry) Sites() []crawler.Site {
	sites := make([]crawler.Site, 0, len(r.bySite))
	for site := range r.bySite {
		sites = append(sites, site)
	}
	return sites
}
