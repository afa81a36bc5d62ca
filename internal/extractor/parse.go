package extractor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	numberRe     = regexp.MustCompile(`\d+(?:\.\d+)?`)
	fullDateRe   = regexp.MustCompile(`(\d{4})\s*[.\-/년]\s*(\d{1,2})\s*[.\-/월]\s*(\d{1,2})`)
	shortDateRe  = regexp.MustCompile(`^(\d{2})\.(\d{1,2})\.(\d{1,2})\.?$`)

	// kst avoids a tzdata dependency for Asia/Seoul, which has no DST.
	kst = time.FixedZone("KST", 9*60*60)
)

func cleanText(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// parseRating reads "4.5점", "별점 4점", "8/10" style text or counts ★.
// Ten-point scores are halved onto the five-point scale.
func parseRating(text string) *float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if m := numberRe.FindString(text); m != "" {
		v, err := strconv.ParseFloat(m, 64)
		if err == nil {
			if v > 5 {
				v /= 2
			}
			return &v
		}
	}
	if stars := strings.Count(text, "★"); stars > 0 {
		v := float64(stars)
		return &v
	}
	return nil
}

// parseNumber keeps digits and dots, so "12,900원" reads as 12900.
func parseNumber(text string) *float64 {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	digits := strings.Trim(b.String(), ".")
	if digits == "" {
		return nil
	}
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseDate understands "2024.03.10", "2024-3-10", "2024년 3월 10일",
// "24.03.10." and RFC3339. Dates are interpreted in Korean time.
func parseDate(text string) *time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if m := fullDateRe.FindStringSubmatch(text); m != nil {
		return civilDate(m[1], m[2], m[3])
	}
	if m := shortDateRe.FindStringSubmatch(text); m != nil {
		return civilDate("20"+m[1], m[2], m[3])
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return &t
	}
	return nil
}

func civilDate(y, m, d string) *time.Time {
	year, err1 := strconv.Atoi(y)
	month, err2 := strconv.Atoi(m)
	day, err3 := strconv.Atoi(d)
	if err1 != nil || err2 != nil || err3 != nil || month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, kst)
	return &t
}
