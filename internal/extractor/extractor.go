// Package extractor turns loaded result pages into crawler.Items. Each
// supported site has one variant; unknown or unimplemented sites are rejected
// by the Registry.
package extractor

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Source yields the document currently loaded in a page. crawler.Page
// satisfies it.
type Source interface {
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
}

// PageRequest describes the page being extracted.
type PageRequest struct {
	TargetURL  string
	PageNumber int
	Config     crawler.JobConfig
	// Accepted is the number of items already kept by earlier pages.
	Accepted int
}

// Extractor parses one site's result pages.
type Extractor interface {
	Site() crawler.Site
	ExtractPage(ctx context.Context, src Source, req PageRequest) (crawler.PageResult, error)
}

// Paginator is implemented by extractors whose page addresses can be derived
// from the target URL alone. The runner uses it to skip a failed page.
type Paginator interface {
	PageURL(targetURL string, pageNumber int) (string, error)
}

var (
	_ Paginator = (*SmartStore)(nil)
	_ Paginator = (*NaverBlog)(nil)
)

// siteParser is the site-specific half of an extractor.
type siteParser interface {
	// parse returns the page's items in document order and whether a list
	// container was recognized at all.
	parse(doc *goquery.Document, base *url.URL, req PageRequest) ([]crawler.Item, bool)
	// nextPage returns the URL of the page after req.PageNumber.
	nextPage(doc *goquery.Document, current *url.URL, req PageRequest) (string, bool)
}

// extract runs the shared pipeline: parsing, block detection, filters and
// caps.
func extract(ctx context.Context, src Source, req PageRequest, detector *BlockDetector, p siteParser) (crawler.PageResult, error) {
	if req.PageNumber <= 0 {
		req.PageNumber = 1
	}
	html, err := src.HTML(ctx)
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("page %d: read html: %w: %w", req.PageNumber, crawler.ErrExtraction, err)
	}
	base := baseURL(ctx, src, req.TargetURL)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("page %d: parse html: %w: %w", req.PageNumber, crawler.ErrExtraction, err)
	}
	items, matched := p.parse(doc, base, req)
	if reason, blocked := detector.Blocked(doc, html, matched); blocked {
		return crawler.PageResult{}, fmt.Errorf("page %d: %s: %w", req.PageNumber, reason, crawler.ErrExtractionFatal)
	}
	if !matched {
		if req.PageNumber == 1 {
			return crawler.PageResult{}, fmt.Errorf("page 1: no list container: %w", crawler.ErrExtraction)
		}
		return crawler.PageResult{}, nil
	}

	result := crawler.PageResult{Candidates: len(items)}
	remaining := -1
	if req.Config.MaxItems > 0 {
		remaining = req.Config.MaxItems - req.Accepted
		if remaining < 0 {
			remaining = 0
		}
	}
	for _, item := range items {
		if remaining >= 0 && len(result.Items) >= remaining {
			break
		}
		if req.Config.Filters.Match(item) {
			result.Items = append(result.Items, item)
		}
	}

	capReached := remaining >= 0 && len(result.Items) >= remaining
	lastPage := req.Config.MaxPages > 0 && req.PageNumber >= req.Config.MaxPages
	if len(items) == 0 || capReached || lastPage {
		return result, nil
	}
	result.NextCursor, result.HasNext = p.nextPage(doc, base, req)
	return result, nil
}

func baseURL(ctx context.Context, src Source, fallback string) *url.URL {
	if loc, err := src.Location(ctx); err == nil && loc != "" {
		if u, err := url.Parse(loc); err == nil && u.Host != "" {
			return u
		}
	}
	u, err := url.Parse(fallback)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// withQuery returns u with the given query parameters set.
func withQuery(u *url.URL, params map[string]string) string {
	next := *u
	q := next.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	next.RawQuery = q.Encode()
	next.Fragment = ""
	return next.String()
}

// firstMatch returns the selection of the first selector with any match.
func firstMatch(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		if found := doc.Find(sel); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func textOf(s *goquery.Selection, selector string) string {
	return cleanText(s.Find(selector).First().Text())
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil || base.Host == "" {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
