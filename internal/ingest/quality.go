package ingest

import (
	"math"

	"github.com/jae-tech/digduck-crawler/internal/crawler"
)

// Field weights of the quality score.
const (
	weightTitle    = 0.20
	weightPrice    = 0.20
	weightRating   = 0.20
	weightContent  = 0.15
	weightNativeID = 0.10
	weightDate     = 0.05
	weightAuthor   = 0.05
	weightImages   = 0.05
)

type qualityField struct {
	weight  float64
	present func(crawler.Item) bool
}

var (
	fieldTitle    = qualityField{weightTitle, func(it crawler.Item) bool { return it.Title != "" }}
	fieldPrice    = qualityField{weightPrice, func(it crawler.Item) bool { return it.Price != nil }}
	fieldRating   = qualityField{weightRating, func(it crawler.Item) bool { return it.Rating != nil }}
	fieldContent  = qualityField{weightContent, func(it crawler.Item) bool { return it.Content != "" }}
	fieldNativeID = qualityField{weightNativeID, func(it crawler.Item) bool { return it.NativeID != "" }}
	fieldDate     = qualityField{weightDate, func(it crawler.Item) bool { return it.Date != nil }}
	fieldAuthor   = qualityField{weightAuthor, func(it crawler.Item) bool { return it.Author != "" }}
	fieldImages   = qualityField{weightImages, func(it crawler.Item) bool { return len(it.ImageURLs) > 0 }}

	// applicableFields lists the fields an item type can carry at all.
	applicableFields = map[crawler.ItemType][]qualityField{
		crawler.ItemTypeReview:  {fieldContent, fieldRating, fieldNativeID, fieldDate, fieldAuthor, fieldImages},
		crawler.ItemTypeProduct: {fieldTitle, fieldPrice, fieldRating, fieldNativeID, fieldImages},
		crawler.ItemTypePost:    {fieldTitle, fieldContent, fieldNativeID, fieldDate, fieldAuthor, fieldImages},
	}
	allFields = []qualityField{
		fieldTitle, fieldPrice, fieldRating, fieldContent, fieldNativeID, fieldDate, fieldAuthor, fieldImages,
	}
)

// QualityScore rates how complete an item is in [0, 1]. Only fields the item
// type can carry count towards the denominator.
func QualityScore(item crawler.Item) float64 {
	fields, ok := applicableFields[item.Type]
	if !ok {
		fields = allFields
	}
	var total, got float64
	for _, f := range fields {
		total += f.weight
		if f.present(item) {
			got += f.weight
		}
	}
	if total == 0 {
		return 0
	}
	return math.Round(got/total*1000) / 1000
}
