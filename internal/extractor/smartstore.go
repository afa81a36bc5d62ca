package extractor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Selector override keys accepted in JobConfig.Selectors.
const (
	SelReviewList    = "reviewList"
	SelProductList   = "productList"
	SelPostList      = "postList"
	SelContent       = "content"
	SelRating        = "rating"
	SelAuthor        = "author"
	SelDate          = "date"
	SelVerified      = "verified"
	SelTitle         = "title"
	SelPrice         = "price"
	SelOriginalPrice = "originalPrice"
	SelDiscount      = "discount"
)

var (
	smartStoreReviewLists = []string{
		".review_list_item",
		".reviewItems",
		`[data-testid="review-item"]`,
		".review-item",
	}
	smartStoreProductLists = []string{
		".product_list_item",
		".productItems",
		`[data-testid="product-item"]`,
		".product-item",
	}
)

// SmartStore extracts reviews or product listings from Naver SmartStore.
type SmartStore struct {
	detector *BlockDetector
}

// NewSmartStore constructs the SmartStore variant.
func NewSmartStore(detector *BlockDetector) *SmartStore {
	return &SmartStore{detector: detector}
}

// Site implements Extractor.
func (s *SmartStore) Site() crawler.Site { return crawler.SiteSmartStore }

// ExtractPage implements Extractor.
func (s *SmartStore) ExtractPage(ctx context.Context, src Source, req PageRequest) (crawler.PageResult, error) {
	return extract(ctx, src, req, s.detector, smartStoreParser{})
}

// PageURL returns the listing page pageNumber of targetURL.
func (s *SmartStore) PageURL(targetURL string, pageNumber int) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	return withQuery(u, map[string]string{"page": strconv.Itoa(pageNumber)}), nil
}

type smartStoreParser struct{}

func (smartStoreParser) parse(doc *goquery.Document, base *url.URL, req PageRequest) ([]crawler.Item, bool) {
	cfg := req.Config
	if reviews := firstMatch(doc, listSelectors(cfg, SelReviewList, smartStoreReviewLists)); reviews != nil {
		items := make([]crawler.Item, 0, reviews.Length())
		reviews.Each(func(i int, el *goquery.Selection) {
			items = append(items, parseReview(el, base, cfg, req.PageNumber, i+1))
		})
		return items, true
	}
	if products := firstMatch(doc, listSelectors(cfg, SelProductList, smartStoreProductLists)); products != nil {
		items := make([]crawler.Item, 0, products.Length())
		products.Each(func(i int, el *goquery.Selection) {
			items = append(items, parseProduct(el, base, cfg, req.PageNumber, i+1))
		})
		return items, true
	}
	return nil, false
}

func (smartStoreParser) nextPage(_ *goquery.Document, current *url.URL, req PageRequest) (string, bool) {
	return withQuery(current, map[string]string{"page": strconv.Itoa(req.PageNumber + 1)}), true
}

// listSelectors puts a configured override ahead of the defaults.
func listSelectors(cfg crawler.JobConfig, key string, defaults []string) []string {
	if override := cfg.Selector(key, ""); override != "" {
		return append([]string{override}, defaults...)
	}
	return defaults
}

func parseReview(el *goquery.Selection, base *url.URL, cfg crawler.JobConfig, page, order int) crawler.Item {
	ratingEl := el.Find(cfg.Selector(SelRating, ".rating, .star-rating, .review-rating")).First()
	ratingText := cleanText(ratingEl.Text())
	if ratingText == "" {
		ratingText = ratingEl.AttrOr("aria-label", "")
	}

	id := firstAttr(el, "data-review-id", "id")
	if id == "" {
		id = fmt.Sprintf("review_%d_%d", page, order)
	}

	return crawler.Item{
		NativeID:  id,
		Type:      crawler.ItemTypeReview,
		Content:   textOf(el, cfg.Selector(SelContent, ".review_content, .review-text, .content")),
		Rating:    parseRating(ratingText),
		Date:      parseDate(textOf(el, cfg.Selector(SelDate, ".review-date, .date, .created-at"))),
		Author:    textOf(el, cfg.Selector(SelAuthor, ".reviewer, .review-author, .user-name")),
		Verified:  el.Find(cfg.Selector(SelVerified, ".verified, .confirmed, .purchased")).Length() > 0,
		ImageURLs: reviewImages(el, base),
		Extra:     map[string]any{"reviewId": id},
	}
}

func parseProduct(el *goquery.Selection, base *url.URL, cfg crawler.JobConfig, page, order int) crawler.Item {
	link := el.Find("a").First()
	id := link.AttrOr("data-product-id", "")
	if id == "" {
		id = firstAttr(el, "data-product-id", "data-id")
	}
	if id == "" {
		id = fmt.Sprintf("product_%d_%d", page, order)
	}

	var images []string
	if img := el.Find("img").First(); img.Length() > 0 {
		if src := firstAttr(img, "src", "data-src"); src != "" {
			images = append(images, resolve(base, src))
		}
	}

	return crawler.Item{
		NativeID:      id,
		Type:          crawler.ItemTypeProduct,
		Title:         textOf(el, cfg.Selector(SelTitle, ".product-title, .title, .name, h3, h4")),
		URL:           resolve(base, link.AttrOr("href", "")),
		Price:         parseNumber(textOf(el, cfg.Selector(SelPrice, ".price, .current-price, .sale-price"))),
		OriginalPrice: parseNumber(textOf(el, cfg.Selector(SelOriginalPrice, ".original-price, .before-price, .regular-price"))),
		Discount:      parseNumber(textOf(el, cfg.Selector(SelDiscount, ".discount, .sale-rate"))),
		Rating:        parseRating(textOf(el, cfg.Selector(SelRating, ".rating, .star-rating"))),
		ImageURLs:     images,
		Extra:         map[string]any{"productId": id},
	}
}

func reviewImages(el *goquery.Selection, base *url.URL) []string {
	var images []string
	el.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := firstAttr(img, "src", "data-src")
		if src == "" || strings.Contains(src, "icon") || strings.Contains(src, "sprite") {
			return
		}
		images = append(images, resolve(base, src))
	})
	return images
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(s.AttrOr(name, "")); v != "" {
			return v
		}
	}
	return ""
}
