package mapping

import (
	"strings"
	"unicode/utf8"

	"github.com/adrg/strutil/metrics"
)

var headerNoise = strings.NewReplacer(" ", "", "\t", "", "-", "", "_", "")

// Normalize uppercases s and strips whitespace, hyphens and underscores.
func Normalize(s string) string {
	return headerNoise.Replace(strings.ToUpper(strings.TrimSpace(s)))
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
// Two empty strings score 1; one empty string scores 0.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	lev := metrics.NewLevenshtein()
	lev.CaseSensitive = true
	distance := lev.Distance(a, b)
	return 1 - float64(distance)/float64(max(la, lb))
}
