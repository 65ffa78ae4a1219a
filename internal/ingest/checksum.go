package ingest

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/david/grant-ingest/internal/models"
)

const (
	checksumDescriptionRunes = 500
	openEndedDeadline        = "open-ended"
)

type checksumInput struct {
	Title       string  `json:"title"`
	FundingMin  float64 `json:"fundingMin"`
	FundingMax  float64 `json:"fundingMax"`
	Deadline    string  `json:"deadline"`
	Description string  `json:"description"`
}

// Checksum fingerprints the volatile fields of a normalized grant. It only
// drives change detection. A defaulted deadline hashes as a constant so an
// open-ended record keeps the same fingerprint from one run to the next.
func Checksum(n models.NormalizedGrant) string {
	deadline := openEndedDeadline
	if !n.DeadlineDefaulted && !n.Deadline.IsZero() {
		deadline = n.Deadline.UTC().Format(time.RFC3339Nano)
	}

	in := checksumInput{
		Title:       n.Title,
		FundingMin:  n.FundingAmountMin,
		FundingMax:  n.FundingAmountMax,
		Deadline:    deadline,
		Description: truncateRunes(n.Description, checksumDescriptionRunes),
	}
	// Marshalling a struct of strings and floats cannot fail.
	data, _ := json.Marshal(in)
	return strconv.FormatUint(xxhash.Sum64(data), 36)
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
