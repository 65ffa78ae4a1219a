package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	fundingRangeRegex  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[-–—]\s*(\d+(?:\.\d+)?)`)
	fundingSingleRegex = regexp.MustCompile(`\d+(?:\.\d+)?`)
	currencyStripper   = strings.NewReplacer("$", "", ",", "", "USD", "", "usd", "")
)

// ParseFundingRange reads a free-text amount such as "$10,000 - $50,000" or
// "$25,000". A range yields (min, max), a single number yields (n, n) and text
// without digits yields (0, 0). The result is clamped so 0 <= min <= max.
func ParseFundingRange(text string) (float64, float64) {
	clean := currencyStripper.Replace(text)
	if strings.TrimSpace(clean) == "" {
		return 0, 0
	}

	if m := fundingRangeRegex.FindStringSubmatch(clean); len(m) == 3 {
		lo, _ := strconv.ParseFloat(m[1], 64)
		hi, _ := strconv.ParseFloat(m[2], 64)
		return clampFunding(lo, hi)
	}

	if m := fundingSingleRegex.FindString(clean); m != "" {
		v, _ := strconv.ParseFloat(m, 64)
		return clampFunding(v, v)
	}

	return 0, 0
}

// clampFunding enforces non-negative amounts and max >= min.
func clampFunding(lo, hi float64) (float64, float64) {
	if lo < 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
