package ingest

import (
	"context"
	"log"
	"strings"
	"time"
)

// USASpendingAward is one row of spending_by_award. Field names follow the
// display labels the API echoes back.
type USASpendingAward struct {
	AwardID             looseString `json:"Award ID"`
	RecipientName       string      `json:"Recipient Name"`
	AwardAmount         looseFloat  `json:"Award Amount"`
	TotalOutlays        looseFloat  `json:"Total Outlays"`
	Description         string      `json:"Description"`
	StartDate           string      `json:"Start Date"`
	EndDate             string      `json:"End Date"`
	AwardingAgency      string      `json:"Awarding Agency"`
	AwardingSubAgency   string      `json:"Awarding Sub Agency"`
	AwardType           string      `json:"Award Type"`
	CFDANumber          string      `json:"CFDA Number"`
	RecipientID         string      `json:"recipient_id"`
	GeneratedInternalID string      `json:"generated_internal_id"`
}

var usaSpendingFields = []string{
	"Award ID", "Recipient Name", "Award Amount", "Total Outlays", "Description",
	"Start Date", "End Date", "Awarding Agency", "Awarding Sub Agency", "Award Type",
	"CFDA Number", "recipient_id",
}

type usaSpendingRequest struct {
	Filters struct {
		AwardTypeCodes []string            `json:"award_type_codes"`
		ProgramNumbers []string            `json:"program_numbers"`
		TimePeriod     []map[string]string `json:"time_period"`
	} `json:"filters"`
	Fields []string `json:"fields"`
	Page   int      `json:"page"`
	Limit  int      `json:"limit"`
	Sort   string   `json:"sort"`
	Order  string   `json:"order"`
}

type usaSpendingResponse struct {
	Results      []USASpendingAward `json:"results"`
	PageMetadata struct {
		Page    int  `json:"page"`
		HasNext bool `json:"hasNext"`
	} `json:"page_metadata"`
}

// USASpendingClient pulls historical grant awards per program code.
type USASpendingClient struct {
	cfg SourceConfig
	api *APIClient
	now func() time.Time
}

func NewUSASpendingClient(cfg SourceConfig, api *APIClient) *USASpendingClient {
	return &USASpendingClient{cfg: cfg, api: api, now: time.Now}
}

func (c *USASpendingClient) FetchAll(ctx context.Context) ([]Record, error) {
	endpoint := strings.TrimRight(firstNonEmpty(c.cfg.APIBaseURL, "https://api.usaspending.gov"), "/") +
		"/api/v2/search/spending_by_award/"
	limit := c.cfg.Fetch.pageSize(50)
	maxPages := c.cfg.Fetch.maxPages(1)
	today := c.now().UTC().Format("2006-01-02")

	seen := make(map[string]bool)
	var records []Record
	var passes passErrors

	for _, code := range c.cfg.ProgramCodes {
		var req usaSpendingRequest
		req.Filters.AwardTypeCodes = []string{"02", "03", "04", "05"}
		req.Filters.ProgramNumbers = []string{code}
		req.Filters.TimePeriod = []map[string]string{{"start_date": "2023-01-01", "end_date": today}}
		req.Fields = usaSpendingFields
		req.Limit = limit
		req.Sort = "Award Amount"
		req.Order = "desc"

		var passErr error
		for page := 1; page <= maxPages; page++ {
			req.Page = page
			var resp usaSpendingResponse
			if err := c.api.PostJSON(ctx, endpoint, req, nil, &resp); err != nil {
				passErr = err
				break
			}

			for _, award := range resp.Results {
				id := award.AwardID.String()
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				if award.CFDANumber == "" {
					award.CFDANumber = code
				}
				records = append(records, Record{Source: c.cfg.Name, ExternalID: id, Payload: award})
			}

			if !resp.PageMetadata.HasNext {
				break
			}
		}

		if passErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[USASpending] Program %s failed: %v", code, passErr)
		}
		passes.record("program "+code, passErr)
	}

	if err := passes.err(c.cfg.Name); err != nil {
		return nil, err
	}
	log.Printf("[USASpending] Fetched %d awards across %d programs", len(records), len(c.cfg.ProgramCodes))
	return records, nil
}
