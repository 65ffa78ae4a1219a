package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NSFAward is one award from the NSF Award Search API.
type NSFAward struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	AbstractText      string     `json:"abstractText,omitempty"`
	AwardeeName       string     `json:"awardeeName,omitempty"`
	AwardeeCity       string     `json:"awardeeCity,omitempty"`
	AwardeeStateCode  string     `json:"awardeeStateCode,omitempty"`
	StartDate         string     `json:"startDate,omitempty"`
	ExpDate           string     `json:"expDate,omitempty"`
	EstimatedTotalAmt looseFloat `json:"estimatedTotalAmt,omitempty"`
	FundsObligatedAmt looseFloat `json:"fundsObligatedAmt,omitempty"`
	PIFirstName       string     `json:"piFirstName,omitempty"`
	PILastName        string     `json:"piLastName,omitempty"`
	PIEmail           string     `json:"piEmail,omitempty"`
	FundProgramName   string     `json:"fundProgramName,omitempty"`
}

const nsfPrintFields = "id,title,abstractText,awardeeName,awardeeCity,awardeeStateCode,startDate,expDate," +
	"estimatedTotalAmt,fundsObligatedAmt,piFirstName,piLastName,piEmail,fundProgramName"

type nsfResponse struct {
	Response struct {
		Award []NSFAward `json:"award"`
	} `json:"response"`
}

// NSFClient runs one keyword search per topic term and dedups by award id.
type NSFClient struct {
	cfg SourceConfig
	api *APIClient
	now func() time.Time
}

func NewNSFClient(cfg SourceConfig, api *APIClient) *NSFClient {
	return &NSFClient{cfg: cfg, api: api, now: time.Now}
}

// dateStart is the first day of the month two years back, in NSF's MM/DD/YYYY.
func (c *NSFClient) dateStart() string {
	t := c.now().AddDate(-2, 0, 0)
	return fmt.Sprintf("%02d/01/%d", int(t.Month()), t.Year())
}

func (c *NSFClient) FetchAll(ctx context.Context) ([]Record, error) {
	endpoint := strings.TrimRight(firstNonEmpty(c.cfg.APIBaseURL, "https://api.nsf.gov"), "/") + "/services/v1/awards.json"
	rpp := c.cfg.Fetch.pageSize(25)
	maxPages := c.cfg.Fetch.maxPages(1)
	start := c.dateStart()

	seen := make(map[string]bool)
	var records []Record
	var passes passErrors

	for _, keyword := range c.cfg.Keywords {
		var passErr error
		for page := 0; page < maxPages; page++ {
			q := url.Values{}
			q.Set("keyword", keyword)
			q.Set("printFields", nsfPrintFields)
			q.Set("dateStart", start)
			q.Set("offset", strconv.Itoa(page*rpp+1))
			q.Set("rpp", strconv.Itoa(rpp))

			var resp nsfResponse
			if err := c.api.GetJSON(ctx, endpoint+"?"+q.Encode(), nil, &resp); err != nil {
				passErr = err
				break
			}

			for _, award := range resp.Response.Award {
				if award.ID == "" || seen[award.ID] {
					continue
				}
				seen[award.ID] = true
				records = append(records, Record{Source: c.cfg.Name, ExternalID: award.ID, Payload: award})
			}

			if len(resp.Response.Award) < rpp {
				break
			}
		}

		if passErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[NSF] Keyword %q failed: %v", keyword, passErr)
		}
		passes.record(fmt.Sprintf("keyword %q", keyword), passErr)
	}

	if err := passes.err(c.cfg.Name); err != nil {
		return nil, err
	}
	log.Printf("[NSF] Fetched %d awards across %d keywords", len(records), len(c.cfg.Keywords))
	return records, nil
}
