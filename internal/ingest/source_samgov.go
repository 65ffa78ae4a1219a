package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
)

// SAMAssistanceListing is a federal assistance program (CFDA listing).
type SAMAssistanceListing struct {
	AssistanceListingNumber string          `json:"assistanceListingNumber"`
	ProgramTitle            string          `json:"programTitle"`
	PopularName             string          `json:"popularName,omitempty"`
	FederalAgency           string          `json:"federalAgency,omitempty"`
	Objectives              string          `json:"objectives,omitempty"`
	TypesOfAssistance       []string        `json:"typesOfAssistance,omitempty"`
	UseAndUseRestrictions   string          `json:"useAndUseRestrictions,omitempty"`
	ApplicantEligibility    string          `json:"applicantEligibility,omitempty"`
	BeneficiaryEligibility  string          `json:"beneficiaryEligibility,omitempty"`
	ApplicationProcedures   string          `json:"applicationProcedures,omitempty"`
	Deadlines               string          `json:"deadlines,omitempty"`
	Website                 string          `json:"website,omitempty"`
	RelatedPrograms         []string        `json:"relatedPrograms,omitempty"`
	Obligations             []SAMObligation `json:"obligations,omitempty"`
}

type SAMObligation struct {
	FiscalYear int        `json:"fiscalYear"`
	Amount     looseFloat `json:"amount"`
}

// latestObligation returns the amount for the most recent fiscal year.
func (l SAMAssistanceListing) latestObligation() float64 {
	year, amount := 0, 0.0
	for _, o := range l.Obligations {
		if o.FiscalYear >= year {
			year, amount = o.FiscalYear, o.Amount.Float64()
		}
	}
	return amount
}

type samSearchResponse struct {
	TotalRecords int                    `json:"totalRecords"`
	Listings     []SAMAssistanceListing `json:"assistanceListingsData"`
}

var errSAMKeyMissing = errors.New("SAM_GOV_API_KEY is not configured")

// SAMGovClient pages assistance listings per program-code prefix.
type SAMGovClient struct {
	cfg SourceConfig
	api *APIClient
}

func NewSAMGovClient(cfg SourceConfig, api *APIClient) *SAMGovClient {
	return &SAMGovClient{cfg: cfg, api: api}
}

func (c *SAMGovClient) FetchAll(ctx context.Context) ([]Record, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, errSAMKeyMissing)
	}

	endpoint := strings.TrimRight(firstNonEmpty(c.cfg.APIBaseURL, "https://api.sam.gov"), "/") + "/assistance-listings/v1/search"
	limit := c.cfg.Fetch.pageSize(50)
	maxPages := c.cfg.Fetch.maxPages(4)

	seen := make(map[string]bool)
	var records []Record
	var passes passErrors

	for _, prefix := range c.cfg.ProgramCodes {
		var passErr error
		for page := 0; page < maxPages; page++ {
			q := url.Values{}
			q.Set("api_key", c.cfg.APIKey)
			q.Set("assistanceListingNumber", prefix)
			q.Set("status", "active")
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(page*limit))

			var resp samSearchResponse
			if err := c.api.GetJSON(ctx, endpoint+"?"+q.Encode(), nil, &resp); err != nil {
				passErr = err
				break
			}

			for _, l := range resp.Listings {
				num := strings.TrimSpace(l.AssistanceListingNumber)
				if num == "" || seen[num] {
					continue
				}
				seen[num] = true
				records = append(records, Record{Source: c.cfg.Name, ExternalID: num, Payload: l})
			}

			if len(resp.Listings) < limit || (page+1)*limit >= resp.TotalRecords {
				break
			}
		}

		if passErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[SAMGov] Prefix %s failed: %v", prefix, passErr)
		}
		passes.record("prefix "+prefix, passErr)
	}

	if err := passes.err(c.cfg.Name); err != nil {
		return nil, err
	}
	log.Printf("[SAMGov] Fetched %d assistance listings", len(records))
	return records, nil
}
