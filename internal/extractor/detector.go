package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// BlockDetector recognizes captcha, bot-check and access-denied pages using
// simple HTML signals.
//
// Selectors are specific enough to trust on any page. Hints and keywords also
// occur in ordinary user content, so once a list container has been found
// they are only checked against the document title.
type BlockDetector struct {
	minHTMLBytes int
	selectors    []string
	hints        []string
	keywords     [][]byte
}

// Default signals seen on Naver bot checks and generic block pages.
var (
	DefaultBlockSelectors = []string{
		".captcha_img",
		".verify_img",
		`[alt*="보안문자"]`,
		".bot_check",
		".human_verify",
		`input[name="captcha"]`,
		`iframe[src*="captcha"]`,
	}
	DefaultBlockHints = []string{
		`[class*="captcha"]`,
	}
	DefaultBlockKeywords = []string{
		"자동입력 방지",
		"비정상적인 접근",
		"접근이 제한",
		"일시적으로 제한",
		"access denied",
		"too many requests",
		"unusual traffic",
	}
)

// NewBlockDetector constructs a detector. minBytes flags documents shorter
// than the threshold; zero disables the check.
func NewBlockDetector(minBytes int, selectors, hints, keywords []string) *BlockDetector {
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &BlockDetector{
		minHTMLBytes: minBytes,
		selectors:    selectors,
		hints:        hints,
		keywords:     lowerKeywords,
	}
}

// DefaultBlockDetector uses the default selectors and keywords.
func DefaultBlockDetector() *BlockDetector {
	return NewBlockDetector(0, DefaultBlockSelectors, DefaultBlockHints, DefaultBlockKeywords)
}

// Blocked reports whether the document is a block page and why. listFound
// tells the detector that the site parser located its list container.
func (d *BlockDetector) Blocked(doc *goquery.Document, html string, listFound bool) (string, bool) {
	if d == nil {
		return "", false
	}
	if d.minHTMLBytes > 0 && len(html) < d.minHTMLBytes {
		return fmt.Sprintf("document shorter than %d bytes", d.minHTMLBytes), true
	}
	if sel, ok := matchedSelector(doc, d.selectors); ok {
		return fmt.Sprintf("block element %q present", sel), true
	}
	if listFound {
		if doc == nil {
			return "", false
		}
		if kw, ok := d.matchedKeyword(doc.Find("title").Text()); ok {
			return fmt.Sprintf("block title %q present", kw), true
		}
		return "", false
	}
	if sel, ok := matchedSelector(doc, d.hints); ok {
		return fmt.Sprintf("block element %q present", sel), true
	}
	if kw, ok := d.matchedKeyword(html); ok {
		return fmt.Sprintf("block text %q present", kw), true
	}
	return "", false
}

func matchedSelector(doc *goquery.Document, selectors []string) (string, bool) {
	if doc == nil {
		return "", false
	}
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

func (d *BlockDetector) matchedKeyword(text string) (string, bool) {
	if text == "" || len(d.keywords) == 0 {
		return "", false
	}
	lower := bytes.ToLower([]byte(text))
	for _, kw := range d.keywords {
		if bytes.Contains(lower, kw) {
			return string(kw), true
		}
	}
	return "", false
}
