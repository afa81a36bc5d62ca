package extractor

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

var (
	naverBlogPostLists = []string{
		"#postBottomTitleListBody tr",
		".blog2_post",
		".post_item",
		".list_post_article",
	}
	logNoPathRe = regexp.MustCompile(`^\d{6,}$`)
)

// naverBlogPageSize is the number of posts on one category list page.
const naverBlogPageSize = 5

// NaverBlog extracts post listings from Naver blog category pages.
type NaverBlog struct {
	detector *BlockDetector
}

// NewNaverBlog constructs the Naver blog variant.
func NewNaverBlog(detector *BlockDetector) *NaverBlog {
	return &NaverBlog{detector: detector}
}

// Site implements Extractor.
func (b *NaverBlog) Site() crawler.Site { return crawler.SiteNaverBlog }

// ExtractPage implements Extractor.
func (b *NaverBlog) ExtractPage(ctx context.Context, src Source, req PageRequest) (crawler.PageResult, error) {
	return extract(ctx, src, req, b.detector, naverBlogParser{})
}

// PageURL returns the list page pageNumber of the blog at targetURL.
func (b *NaverBlog) PageURL(targetURL string, pageNumber int) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	return naverBlogPage(u, pageNumber), nil
}

func naverBlogPage(u *url.URL, pageNumber int) string {
	return withQuery(u, map[string]string{
		"currentPage": strconv.Itoa(pageNumber),
		"startIndex":  strconv.Itoa((pageNumber-1)*naverBlogPageSize + 1),
	})
}

type naverBlogParser struct{}

func (naverBlogParser) parse(doc *goquery.Document, base *url.URL, req PageRequest) ([]crawler.Item, bool) {
	posts := firstMatch(doc, listSelectors(req.Config, SelPostList, naverBlogPostLists))
	if posts == nil {
		return nil, false
	}
	blogID := base.Query().Get("blogId")
	items := make([]crawler.Item, 0, posts.Length())
	posts.Each(func(_ int, el *goquery.Selection) {
		if item, ok := parsePost(el, base, blogID, req.Config); ok {
			items = append(items, item)
		}
	})
	return items, true
}

func (naverBlogParser) nextPage(doc *goquery.Document, current *url.URL, req PageRequest) (string, bool) {
	if nav := doc.Find("#postBottomTitleListNavigation"); nav.Length() > 0 && nav.Find(".next").Length() == 0 {
		return "", false
	}
	return naverBlogPage(current, req.PageNumber+1), true
}

func parsePost(el *goquery.Selection, base *url.URL, blogID string, cfg crawler.JobConfig) (crawler.Item, bool) {
	link := el
	if goquery.NodeName(el) != "a" {
		link = el.Find("a[href]").First()
	}
	href := strings.TrimSpace(link.AttrOr("href", ""))
	if href == "" || strings.Contains(href, "PostList") {
		return crawler.Item{}, false
	}
	title := textOf(el, cfg.Selector(SelTitle, ".title, .pcol2, .ell"))
	if title == "" {
		title = cleanText(link.Text())
	}
	if title == "" {
		return crawler.Item{}, false
	}

	postURL := resolve(base, href)
	logNo := logNoFrom(postURL)
	extra := map[string]any{}
	if logNo != "" {
		extra["logNo"] = logNo
	}
	if blogID != "" {
		extra["blogId"] = blogID
	}
	if comments := parseNumber(strings.Trim(textOf(el, ".meta_data .num.pcol3"), "()")); comments != nil {
		extra["commentCount"] = int(*comments)
	}

	return crawler.Item{
		NativeID:  logNo,
		Type:      crawler.ItemTypePost,
		Title:     title,
		Content:   textOf(el, cfg.Selector(SelContent, ".post_content, .desc, .se-main-container")),
		URL:       postURL,
		Date:      parseDate(textOf(el, cfg.Selector(SelDate, ".date, .se_publishDate, .publish_date"))),
		Author:    textOf(el, cfg.Selector(SelAuthor, ".nick, .author")),
		ImageURLs: postThumbnail(el, base),
		Extra:     extra,
	}, true
}

// logNoFrom reads the post number from ?logNo= or a /{blogId}/{logNo} path.
func logNoFrom(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if v := u.Query().Get("logNo"); v != "" {
		return v
	}
	if last := path.Base(u.Path); logNoPathRe.MatchString(last) {
		return last
	}
	return ""
}

func postThumbnail(el *goquery.Selection, base *url.URL) []string {
	img := el.Find("img").First()
	if img.Length() == 0 {
		return nil
	}
	if src := firstAttr(img, "src", "data-src"); src != "" {
		return []string{resolve(base, src)}
	}
	return nil
}
