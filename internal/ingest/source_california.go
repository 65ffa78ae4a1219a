package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// CaliforniaGrantRow is one row of the California Grants Portal export.
type CaliforniaGrantRow struct {
	GrantID             string `json:"grantId"`
	Title               string `json:"title"`
	AgencyDept          string `json:"agencyDept,omitempty"`
	Status              string `json:"status,omitempty"`
	OpenDate            string `json:"openDate,omitempty"`
	ApplicationDeadline string `json:"applicationDeadline,omitempty"`
	EstAvailFunds       string `json:"estAvailFunds,omitempty"`
	GrantURL            string `json:"grantUrl,omitempty"`
	Description         string `json:"description,omitempty"`
	EligibleApplicants  string `json:"eligibleApplicants,omitempty"`
	Categories          string `json:"categories,omitempty"`
	Geography           string `json:"geographicEligibility,omitempty"`
	MatchingFunds       string `json:"matchingFundsRequired,omitempty"`
}

// caColumns lists accepted header names per field. The portal renamed
// several columns between export versions.
var caColumns = map[string][]string{
	"GrantID":             {"GrantID", "PortalID"},
	"Title":               {"Title", "GrantTitle"},
	"AgencyDept":          {"AgencyDept", "Agency"},
	"Status":              {"Status"},
	"OpenDate":            {"OpenDate"},
	"ApplicationDeadline": {"ApplicationDeadline", "Deadline"},
	"EstAvailFunds":       {"EstAvailFunds", "EstAmounts"},
	"GrantURL":            {"GrantURL", "AgencyURL"},
	"Description":         {"Description", "Purpose"},
	"EligibleApplicants":  {"EligibleApplicants", "ApplicantType"},
	"Categories":          {"Categories"},
	"Geography":           {"GeographicEligibility", "Geography"},
	"MatchingFunds":       {"MatchingFundsRequired", "MatchingFunds"},
}

// ParseCaliforniaCSV parses the export. Quoted fields may contain commas,
// doubled quotes and line breaks. Rows whose width differs from the header
// are skipped.
func ParseCaliforniaCSV(text string) ([]CaliforniaGrantRow, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(text, "\ufeff")))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col := func(record []string, field string) string {
		for _, name := range caColumns[field] {
			if i, ok := index[strings.ToLower(name)]; ok && i < len(record) {
				if v := strings.TrimSpace(record[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var rows []CaliforniaGrantRow
	skipped := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				skipped++
				continue
			}
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if len(record) != len(header) {
			skipped++
			continue
		}

		rows = append(rows, CaliforniaGrantRow{
			GrantID:             col(record, "GrantID"),
			Title:               col(record, "Title"),
			AgencyDept:          col(record, "AgencyDept"),
			Status:              col(record, "Status"),
			OpenDate:            col(record, "OpenDate"),
			ApplicationDeadline: col(record, "ApplicationDeadline"),
			EstAvailFunds:       col(record, "EstAvailFunds"),
			GrantURL:            col(record, "GrantURL"),
			Description:         col(record, "Description"),
			EligibleApplicants:  col(record, "EligibleApplicants"),
			Categories:          col(record, "Categories"),
			Geography:           col(record, "Geography"),
			MatchingFunds:       col(record, "MatchingFunds"),
		})
	}
	if skipped > 0 {
		log.Printf("[CAGrants] Skipped %d malformed CSV rows", skipped)
	}
	return rows, nil
}

// isOpen keeps rows whose deadline is absent, unparsable or in the future.
func (row CaliforniaGrantRow) isOpen(now time.Time) bool {
	if strings.EqualFold(row.Status, "closed") {
		return false
	}
	if row.ApplicationDeadline == "" {
		return true
	}
	deadline, err := parseDateRobust(row.ApplicationDeadline)
	if err != nil {
		return true
	}
	return deadline.After(now)
}

// CaliforniaClient downloads the portal CSV export and keeps open grants.
type CaliforniaClient struct {
	cfg        SourceConfig
	api        *APIClient
	discoverer *CSVLinkDiscoverer
	now        func() time.Time
}

func NewCaliforniaClient(cfg SourceConfig, api *APIClient) *CaliforniaClient {
	c := &CaliforniaClient{cfg: cfg, api: api, now: time.Now}
	if cfg.DiscoveryURL != "" {
		c.discoverer = NewCSVLinkDiscoverer("grants")
	}
	return c
}

func (c *CaliforniaClient) FetchAll(ctx context.Context) ([]Record, error) {
	text, err := c.download(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := ParseCaliforniaCSV(text)
	if err != nil {
		return nil, err
	}

	now := c.now()
	var records []Record
	for _, row := range rows {
		if row.GrantID == "" || row.Title == "" || !row.isOpen(now) {
			continue
		}
		records = append(records, Record{Source: c.cfg.Name, ExternalID: row.GrantID, Payload: row})
	}
	log.Printf("[CAGrants] Parsed %d rows, %d open", len(rows), len(records))
	return records, nil
}

// download fetches the configured export, rediscovering its URL from the
// dataset page when the configured resource is gone.
func (c *CaliforniaClient) download(ctx context.Context) (string, error) {
	text, err := c.api.GetText(ctx, c.cfg.APIBaseURL, nil)
	if err == nil {
		return text, nil
	}
	if c.discoverer == nil || ctx.Err() != nil {
		return "", err
	}

	log.Printf("[CAGrants] CSV download failed, rediscovering resource from %s: %v", c.cfg.DiscoveryURL, err)
	link, discErr := c.discoverer.Discover(ctx, c.cfg.DiscoveryURL)
	if discErr != nil {
		return "", errors.Join(err, discErr)
	}
	return c.api.GetText(ctx, link, nil)
}
