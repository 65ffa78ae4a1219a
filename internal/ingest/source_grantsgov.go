package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// GrantsGovOpportunity is the provider record shared by both Grants.gov API
// generations once mapped out of their wire formats.
type GrantsGovOpportunity struct {
	ID                    string    `json:"id"`
	Number                string    `json:"number,omitempty"`
	Title                 string    `json:"title"`
	AgencyCode            string    `json:"agencyCode,omitempty"`
	AgencyName            string    `json:"agencyName,omitempty"`
	Status                string    `json:"oppStatus,omitempty"`
	OpenDate              string    `json:"openDate,omitempty"`
	CloseDate             string    `json:"closeDate,omitempty"`
	Synopsis              string    `json:"synopsis,omitempty"`
	AwardFloor            float64   `json:"awardFloor,omitempty"`
	AwardCeiling          float64   `json:"awardCeiling,omitempty"`
	EstimatedFunding      float64   `json:"estimatedTotalProgramFunding,omitempty"`
	ExpectedAwards        string    `json:"expectedNumberOfAwards,omitempty"`
	CFDAList              []string  `json:"cfdaList,omitempty"`
	EligibleApplicants    []string  `json:"eligibleApplicants,omitempty"`
	AdditionalEligibility string    `json:"additionalEligibilityInfo,omitempty"`
	FundingInstruments    []string  `json:"fundingInstrumentType,omitempty"`
	FundingCategories     []string  `json:"categoryOfFunding,omitempty"`
	CostSharing           bool      `json:"costSharing"`
	ApplicationURL        string    `json:"applicationUrl,omitempty"`
	FetchPath             FetchPath `json:"fetchPath"`
	// Partial marks a record built from a search hit after every detail request failed.
	Partial bool `json:"partial,omitempty"`
}

// GrantsGovClient searches Grants.gov for education related opportunities.
// With an API key it uses the keyed Simpler Grants search and falls back to
// the legacy search2/fetchOpportunity pair on any failure.
type GrantsGovClient struct {
	cfg       SourceConfig
	api       *APIClient
	modernURL string
	legacyURL string

	// OnFallback is invoked once per fetch that abandoned the modern endpoint.
	OnFallback func(err error)

	mu       sync.Mutex
	lastPath FetchPath
}

func NewGrantsGovClient(cfg SourceConfig, api *APIClient) *GrantsGovClient {
	modern := strings.TrimRight(firstNonEmpty(cfg.APIBaseURL, "https://api.simpler.grants.gov"), "/")
	legacy := strings.TrimRight(firstNonEmpty(cfg.LegacyBaseURL, "https://api.grants.gov"), "/")
	return &GrantsGovClient{cfg: cfg, api: api, modernURL: modern, legacyURL: legacy}
}

// LastFetchPath reports which endpoint served the most recent successful FetchAll.
func (c *GrantsGovClient) LastFetchPath() FetchPath {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPath
}

func (c *GrantsGovClient) FetchAll(ctx context.Context) ([]Record, error) {
	opps, path, err := c.fetchWithFallback(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastPath = path
	c.mu.Unlock()

	records := make([]Record, 0, len(opps))
	for _, opp := range opps {
		opp.FetchPath = path
		records = append(records, Record{Source: c.cfg.Name, ExternalID: opp.ID, Payload: opp})
	}
	log.Printf("[GrantsGov] Fetched %d opportunities via %s endpoint", len(records), path)
	return records, nil
}

// fetchWithFallback tries the modern endpoint when a key is configured, then
// the legacy endpoint. The error is only returned when the last attempt fails.
func (c *GrantsGovClient) fetchWithFallback(ctx context.Context) ([]GrantsGovOpportunity, FetchPath, error) {
	var modernErr error
	if c.cfg.APIKey != "" {
		opps, err := c.fetchModern(ctx)
		if err == nil {
			return opps, PathModern, nil
		}
		if ctx.Err() != nil {
			return nil, PathModern, err
		}
		modernErr = err
		log.Printf("[GrantsGov] Modern endpoint failed, falling back to legacy search2: %v", err)
		if c.OnFallback != nil {
			c.OnFallback(err)
		}
	} else {
		log.Printf("[GrantsGov] No API key configured, using legacy search2 endpoint")
	}

	opps, err := c.fetchLegacy(ctx)
	if err != nil {
		if modernErr != nil {
			return nil, PathLegacy, fmt.Errorf("grants.gov modern and legacy endpoints failed: %w", errors.Join(modernErr, err))
		}
		return nil, PathLegacy, err
	}
	return opps, PathLegacy, nil
}

// searchQuery is one pass over the search endpoint: by agency or by keyword.
type searchQuery struct {
	Agency  string
	Keyword string
}

func (q searchQuery) String() string {
	if q.Agency != "" {
		return "agency=" + q.Agency
	}
	return "keyword=" + q.Keyword
}

func (c *GrantsGovClient) queries() []searchQuery {
	var qs []searchQuery
	for _, a := range c.cfg.Agencies {
		qs = append(qs, searchQuery{Agency: a})
	}
	for _, k := range c.cfg.Keywords {
		qs = append(qs, searchQuery{Keyword: k})
	}
	if len(qs) == 0 {
		qs = append(qs, searchQuery{Keyword: "education"})
	}
	return qs
}

// --- modern (Simpler Grants) ---

type modernSearchRequest struct {
	Query      string                 `json:"query,omitempty"`
	Filters    map[string]modernOneOf `json:"filters"`
	Pagination modernPagination       `json:"pagination"`
}

type modernOneOf struct {
	OneOf []string `json:"one_of"`
}

type modernPagination struct {
	PageOffset int               `json:"page_offset"`
	PageSize   int               `json:"page_size"`
	SortOrder  []modernSortOrder `json:"sort_order"`
}

type modernSortOrder struct {
	OrderBy       string `json:"order_by"`
	SortDirection string `json:"sort_direction"`
}

type modernSearchResponse struct {
	Data           []modernOpportunity `json:"data"`
	PaginationInfo struct {
		TotalRecords int `json:"total_records"`
		TotalPages   int `json:"total_pages"`
	} `json:"pagination_info"`
}

type modernOpportunity struct {
	OpportunityID      looseString `json:"opportunity_id"`
	OpportunityNumber  string      `json:"opportunity_number"`
	OpportunityTitle   string      `json:"opportunity_title"`
	AgencyCode         string      `json:"agency_code"`
	AgencyName         string      `json:"agency_name"`
	OpportunityStatus  string      `json:"opportunity_status"`
	AssistanceListings []struct {
		AssistanceListingNumber string `json:"assistance_listing_number"`
		ProgramTitle            string `json:"program_title"`
	} `json:"opportunity_assistance_listings"`
	Summary struct {
		SummaryDescription              string      `json:"summary_description"`
		AwardFloor                      looseFloat  `json:"award_floor"`
		AwardCeiling                    looseFloat  `json:"award_ceiling"`
		EstimatedTotalProgramFunding    looseFloat  `json:"estimated_total_program_funding"`
		ExpectedNumberOfAwards          looseString `json:"expected_number_of_awards"`
		CloseDate                       string      `json:"close_date"`
		PostDate                        string      `json:"post_date"`
		ApplicantTypes                  []string    `json:"applicant_types"`
		ApplicantEligibilityDescription string      `json:"applicant_eligibility_description"`
		FundingInstruments              []string    `json:"funding_instruments"`
		FundingCategories               []string    `json:"funding_categories"`
		IsCostSharing                   bool        `json:"is_cost_sharing"`
		AdditionalInfoURL               string      `json:"additional_info_url"`
	} `json:"summary"`
}

func (m modernOpportunity) toOpportunity() GrantsGovOpportunity {
	opp := GrantsGovOpportunity{
		ID:                 m.OpportunityID.String(),
		Number:             m.OpportunityNumber,
		Title:              m.OpportunityTitle,
		AgencyCode:         m.AgencyCode,
		AgencyName:         m.AgencyName,
		Status:             m.OpportunityStatus,
		OpenDate:           m.Summary.PostDate,
		CloseDate:          m.Summary.CloseDate,
		Synopsis:           m.Summary.SummaryDescription,
		AwardFloor:         m.Summary.AwardFloor.Float64(),
		AwardCeiling:       m.Summary.AwardCeiling.Float64(),
		EstimatedFunding:   m.Summary.EstimatedTotalProgramFunding.Float64(),
		ExpectedAwards:     m.Summary.ExpectedNumberOfAwards.String(),
		EligibleApplicants: m.Summary.ApplicantTypes,
		FundingInstruments: m.Summary.FundingInstruments,
		FundingCategories:  m.Summary.FundingCategories,
		CostSharing:        m.Summary.IsCostSharing,
		ApplicationURL:     m.Summary.AdditionalInfoURL,
	}
	opp.AdditionalEligibility = m.Summary.ApplicantEligibilityDescription
	for _, l := range m.AssistanceListings {
		if l.AssistanceListingNumber != "" {
			opp.CFDAList = append(opp.CFDAList, l.AssistanceListingNumber)
		}
	}
	return opp
}

// fetchModern fails as a whole on the first failing query so the caller can fall back.
func (c *GrantsGovClient) fetchModern(ctx context.Context) ([]GrantsGovOpportunity, error) {
	header := http.Header{}
	header.Set("X-API-Key", c.cfg.APIKey)
	endpoint := c.modernURL + "/v1/opportunities/search"
	pageSize := c.cfg.Fetch.pageSize(25)
	maxPages := c.cfg.Fetch.maxPages(20)

	seen := make(map[string]bool)
	var out []GrantsGovOpportunity

	for _, q := range c.queries() {
		req := modernSearchRequest{
			Query: q.Keyword,
			Filters: map[string]modernOneOf{
				"opportunity_status": {OneOf: []string{"posted", "forecasted"}},
			},
			Pagination: modernPagination{
				PageSize:  pageSize,
				SortOrder: []modernSortOrder{{OrderBy: "post_date", SortDirection: "descending"}},
			},
		}
		if q.Agency != "" {
			req.Filters["agency"] = modernOneOf{OneOf: []string{q.Agency}}
		}

		for page := 1; page <= maxPages; page++ {
			req.Pagination.PageOffset = page
			var resp modernSearchResponse
			if err := c.api.PostJSON(ctx, endpoint, req, header, &resp); err != nil {
				return nil, fmt.Errorf("modern search %s page %d: %w", q, page, err)
			}

			for _, m := range resp.Data {
				opp := m.toOpportunity()
				if opp.ID == "" || seen[opp.ID] {
					continue
				}
				seen[opp.ID] = true
				out = append(out, opp)
			}

			if len(resp.Data) == 0 || page >= resp.PaginationInfo.TotalPages {
				break
			}
		}
	}
	return out, nil
}

// --- legacy (search2 + fetchOpportunity) ---

type legacySearchRequest struct {
	Keyword        string `json:"keyword,omitempty"`
	Agencies       string `json:"agencies,omitempty"`
	OppStatuses    string `json:"oppStatuses"`
	SortBy         string `json:"sortBy"`
	Rows           int    `json:"rows"`
	StartRecordNum int    `json:"startRecordNum"`
}

type legacySearchResponse struct {
	Data struct {
		HitCount int         `json:"hitCount"`
		OppHits  []legacyHit `json:"oppHits"`
	} `json:"data"`
	ErrorCode int    `json:"errorcode"`
	Msg       string `json:"msg"`
}

type legacyHit struct {
	ID         looseString `json:"id"`
	Number     string      `json:"number"`
	Title      string      `json:"title"`
	Agency     string      `json:"agency"`
	AgencyCode string      `json:"agencyCode"`
	OpenDate   string      `json:"openDate"`
	CloseDate  string      `json:"closeDate"`
	OppStatus  string      `json:"oppStatus"`
	DocType    string      `json:"docType"`
	CFDAList   []string    `json:"cfdaList"`
}

// stub is the partial record used when no detail request succeeds.
func (h legacyHit) stub() GrantsGovOpportunity {
	return GrantsGovOpportunity{
		ID:         h.ID.String(),
		Number:     h.Number,
		Title:      h.Title,
		AgencyCode: h.AgencyCode,
		AgencyName: h.Agency,
		Status:     h.OppStatus,
		OpenDate:   h.OpenDate,
		CloseDate:  h.CloseDate,
		CFDAList:   h.CFDAList,
		Partial:    true,
	}
}

type legacyDetailResponse struct {
	Data      legacyDetail `json:"data"`
	ErrorCode int          `json:"errorcode"`
	Msg       string       `json:"msg"`
}

type legacyDescription struct {
	Description string `json:"description"`
}

type legacyDetail struct {
	ID                looseString `json:"id"`
	OpportunityNumber string      `json:"opportunityNumber"`
	OpportunityTitle  string      `json:"opportunityTitle"`
	OwningAgencyCode  string      `json:"owningAgencyCode"`
	Synopsis          *struct {
		SynopsisDesc              string              `json:"synopsisDesc"`
		ResponseDate              string              `json:"responseDate"`
		PostingDate               string              `json:"postingDate"`
		AwardCeiling              looseFloat          `json:"awardCeiling"`
		AwardFloor                looseFloat          `json:"awardFloor"`
		EstimatedFunding          looseFloat          `json:"estimatedFunding"`
		NumberOfAwards            looseString         `json:"numberOfAwards"`
		ApplicantEligibilityDesc  string              `json:"applicantEligibilityDesc"`
		ApplicantTypes            []legacyDescription `json:"applicantTypes"`
		FundingInstruments        []legacyDescription `json:"fundingInstruments"`
		FundingActivityCategories []legacyDescription `json:"fundingActivityCategories"`
		CostSharing               bool                `json:"costSharing"`
		FundingDescLinkURL        string              `json:"fundingDescLinkUrl"`
		AgencyName                string              `json:"agencyName"`
	} `json:"synopsis"`
	CFDAs []struct {
		CFDANumber   string `json:"cfdaNumber"`
		ProgramTitle string `json:"programTitle"`
	} `json:"cfdas"`
}

func descriptions(items []legacyDescription) []string {
	var out []string
	for _, it := range items {
		if d := strings.TrimSpace(it.Description); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// merge overlays the detail payload on the search hit.
func (d legacyDetail) merge(h legacyHit) GrantsGovOpportunity {
	opp := h.stub()
	opp.Partial = false
	if d.OpportunityTitle != "" {
		opp.Title = d.OpportunityTitle
	}
	if d.OpportunityNumber != "" {
		opp.Number = d.OpportunityNumber
	}
	if d.OwningAgencyCode != "" {
		opp.AgencyCode = d.OwningAgencyCode
	}
	if len(d.CFDAs) > 0 {
		opp.CFDAList = nil
		for _, cf := range d.CFDAs {
			if cf.CFDANumber != "" {
				opp.CFDAList = append(opp.CFDAList, cf.CFDANumber)
			}
		}
	}
	if s := d.Synopsis; s != nil {
		opp.Synopsis = s.SynopsisDesc
		opp.AwardCeiling = s.AwardCeiling.Float64()
		opp.AwardFloor = s.AwardFloor.Float64()
		opp.EstimatedFunding = s.EstimatedFunding.Float64()
		opp.ExpectedAwards = s.NumberOfAwards.String()
		opp.EligibleApplicants = descriptions(s.ApplicantTypes)
		opp.AdditionalEligibility = s.ApplicantEligibilityDesc
		opp.FundingInstruments = descriptions(s.FundingInstruments)
		opp.FundingCategories = descriptions(s.FundingActivityCategories)
		opp.CostSharing = s.CostSharing
		opp.ApplicationURL = s.FundingDescLinkURL
		if opp.AgencyName == "" {
			opp.AgencyName = s.AgencyName
		}
		if opp.CloseDate == "" {
			opp.CloseDate = s.ResponseDate
		}
	}
	return opp
}

func (c *GrantsGovClient) fetchLegacy(ctx context.Context) ([]GrantsGovOpportunity, error) {
	hits, err := c.searchLegacy(ctx)
	if err != nil {
		return nil, err
	}
	return c.fetchDetails(ctx, hits)
}

// searchLegacy pages search2 per query until startRecordNum reaches hitCount.
// A failing query is skipped unless every query fails.
func (c *GrantsGovClient) searchLegacy(ctx context.Context) ([]legacyHit, error) {
	endpoint := c.legacyURL + "/v1/api/search2"
	rows := c.cfg.Fetch.pageSize(25)
	maxPages := c.cfg.Fetch.maxPages(20)

	seen := make(map[string]bool)
	var hits []legacyHit
	var errs []error
	queries := c.queries()

	for _, q := range queries {
		req := legacySearchRequest{
			Keyword:     q.Keyword,
			Agencies:    q.Agency,
			OppStatuses: "forecasted|posted",
			SortBy:      "openDate|desc",
			Rows:        rows,
		}

		var queryErr error
		for page := 0; page < maxPages; page++ {
			req.StartRecordNum = page * rows
			log.Printf("[GrantsGov] Fetching page startRecord=%d rows=%d %s", req.StartRecordNum, rows, q)

			var resp legacySearchResponse
			if err := c.api.PostJSON(ctx, endpoint, req, nil, &resp); err != nil {
				queryErr = err
				break
			}
			if resp.ErrorCode != 0 {
				queryErr = fmt.Errorf("search2 error %d: %s", resp.ErrorCode, resp.Msg)
				break
			}

			for _, h := range resp.Data.OppHits {
				id := h.ID.String()
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				hits = append(hits, h)
			}

			if len(resp.Data.OppHits) == 0 || req.StartRecordNum+rows >= resp.Data.HitCount {
				break
			}
		}

		if queryErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[GrantsGov] Legacy search %s failed: %v", q, queryErr)
			errs = append(errs, fmt.Errorf("%s: %w", q, queryErr))
		}
	}

	if len(errs) == len(queries) {
		return nil, fmt.Errorf("grants.gov legacy search failed: %w", errors.Join(errs...))
	}
	return hits, nil
}

// fetchDetails enriches every hit with a bounded number of requests in flight.
// A hit whose detail cannot be fetched is kept as a partial record.
func (c *GrantsGovClient) fetchDetails(ctx context.Context, hits []legacyHit) ([]GrantsGovOpportunity, error) {
	out := make([]GrantsGovOpportunity, len(hits))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Fetch.concurrency())
	for i, h := range hits {
		g.Go(func() error {
			detail, err := c.fetchDetail(gctx, h.ID.String())
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Printf("[GrantsGov] Failed to fetch details for %s, keeping search stub: %v", h.ID, err)
				out[i] = h.stub()
				return nil
			}
			out[i] = detail.merge(h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchDetail tries POST first and GET second.
func (c *GrantsGovClient) fetchDetail(ctx context.Context, id string) (*legacyDetail, error) {
	endpoint := c.legacyURL + "/v1/api/fetchOpportunity"

	var postResp legacyDetailResponse
	postErr := c.api.PostJSON(ctx, endpoint, map[string]string{"opportunityId": id}, nil, &postResp)
	if postErr == nil && postResp.ErrorCode == 0 {
		return &postResp.Data, nil
	}
	if postErr == nil {
		postErr = fmt.Errorf("fetchOpportunity error %d: %s", postResp.ErrorCode, postResp.Msg)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var getResp legacyDetailResponse
	getErr := c.api.GetJSON(ctx, endpoint+"?oppId="+url.QueryEscape(id), nil, &getResp)
	if getErr == nil && getResp.ErrorCode == 0 {
		return &getResp.Data, nil
	}
	if getErr == nil {
		getErr = fmt.Errorf("fetchOpportunity error %d: %s", getResp.ErrorCode, getResp.Msg)
	}
	return nil, errors.Join(fmt.Errorf("POST: %w", postErr), fmt.Errorf("GET: %w", getErr))
}
