package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	isoDateRegex   = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	usDateRegex    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(20\d{2})\b`)
	monthNameRegex = regexp.MustCompile(`\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\.?\s+(\d{1,2}),?\s+(20\d{2})\b`)
)

// parseDateRobust attempts to parse the date formats seen across US grant feeds.
// Date-only values resolve to the end of that day in UTC.
func parseDateRobust(text string) (time.Time, error) {
	text = cleanDateString(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	text = strings.ReplaceAll(text, "a.m.", "AM")
	text = strings.ReplaceAll(text, "p.m.", "PM")
	text = strings.ReplaceAll(text, " am", " AM")
	text = strings.ReplaceAll(text, " pm", " PM")

	// Try ISO format first (most reliable)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04:05.000"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), nil
		}
	}
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return toEndOfDay(t), nil
	}

	formats := []string{
		"01/02/2006",
		"1/2/2006",
		"01/02/2006 3:04 PM",
		"1/2/2006 3:04 PM",
		"01/02/2006 15:04",
		"1/2/2006 15:04",
		"01/02/2006 3 PM",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"January 2, 2006",
		"January 2, 2006 3:04 PM",
		"Jan 2, 2006",
		"2 January 2006",
		"02 Jan 2006",
		"Mon, 02 Jan 2006",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, text); err == nil {
			// If format has time, return as is. If date only, end of day.
			if strings.Contains(format, ":") || strings.Contains(format, "PM") {
				return t, nil
			}
			return toEndOfDay(t), nil
		}
	}

	if t := parseDateWithRegex(text); !t.IsZero() {
		return toEndOfDay(t), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

// parseUSDate parses the MM/DD/YYYY format used by Grants.gov and NSF.
func parseUSDate(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	for _, layout := range []string{"01/02/2006", "1/2/2006"} {
		if t, err := time.Parse(layout, text); err == nil {
			return toEndOfDay(t), true
		}
	}
	if t, err := parseDateRobust(text); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// toEndOfDay sets the time to 23:59:59.999999999 UTC
func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999999999, time.UTC)
}

// parseDateWithRegex extracts the first recognizable date embedded in free text.
func parseDateWithRegex(text string) time.Time {
	if matches := isoDateRegex.FindStringSubmatch(text); len(matches) == 4 {
		if t, err := time.Parse("2006-01-02", matches[0]); err == nil {
			return t
		}
	}

	if matches := usDateRegex.FindStringSubmatch(text); len(matches) == 4 {
		dateStr := fmt.Sprintf("%s/%s/%s", matches[1], matches[2], matches[3])
		if t, err := time.Parse("1/2/2006", dateStr); err == nil {
			return t
		}
	}

	if matches := monthNameRegex.FindStringSubmatch(text); len(matches) == 4 {
		dateStr := fmt.Sprintf("%s %s %s", matches[1], matches[2], matches[3])
		for _, layout := range []string{"January 2 2006", "Jan 2 2006"} {
			if t, err := time.Parse(layout, dateStr); err == nil {
				return t
			}
		}
	}

	return time.Time{}
}

// cleanDateString removes common prefixes and cleans up date strings
func cleanDateString(s string) string {
	prefixes := []string{
		"Closing date:", "Deadline:", "Application deadline:",
		"Due date:", "Expires:", "Ends:",
	}
	sLower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(sLower, strings.ToLower(p)); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}
