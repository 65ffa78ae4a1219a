package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ProPublicaOrganization is a nonprofit from the Nonprofit Explorer search,
// optionally enriched with giving history from its 990-PF filings.
type ProPublicaOrganization struct {
	EIN             looseString `json:"ein"`
	Name            string      `json:"name"`
	City            string      `json:"city,omitempty"`
	State           string      `json:"state,omitempty"`
	NTEECode        string      `json:"ntee_code,omitempty"`
	AssetAmount     looseFloat  `json:"asset_amount,omitempty"`
	IncomeAmount    looseFloat  `json:"income_amount,omitempty"`
	RevenueAmount   looseFloat  `json:"revenue_amount,omitempty"`
	AvgAnnualGiving float64     `json:"avg_annual_giving,omitempty"`
}

// ProPublicaFiling is one IRS filing summary.
type ProPublicaFiling struct {
	TaxPeriodYear int         `json:"tax_prd_yr"`
	FormType      looseString `json:"formtype"`
	TotRevenue    looseFloat  `json:"totrevenue"`
	TotFuncExpns  looseFloat  `json:"totfuncexpns"`
	TotAssetsEnd  looseFloat  `json:"totassetsend"`
}

type proPublicaSearchResponse struct {
	Organizations []ProPublicaOrganization `json:"organizations"`
}

type proPublicaOrgResponse struct {
	Organization    ProPublicaOrganization `json:"organization"`
	FilingsWithData []ProPublicaFiling     `json:"filings_with_data"`
}

// isFoundation keeps education-related (NTEE T*) or self-described foundations and funds.
func (o ProPublicaOrganization) isFoundation() bool {
	if strings.HasPrefix(strings.ToUpper(o.NTEECode), "T") {
		return true
	}
	name := strings.ToLower(o.Name)
	return strings.Contains(name, "foundation") || strings.Contains(name, "fund")
}

// ProPublicaClient finds grant-making foundations by topical search terms.
type ProPublicaClient struct {
	cfg     SourceConfig
	api     *APIClient
	baseURL string
}

func NewProPublicaClient(cfg SourceConfig, api *APIClient) *ProPublicaClient {
	base := strings.TrimRight(firstNonEmpty(cfg.APIBaseURL, "https://projects.propublica.org/nonprofits/api/v2"), "/")
	return &ProPublicaClient{cfg: cfg, api: api, baseURL: base}
}

func (c *ProPublicaClient) FetchAll(ctx context.Context) ([]Record, error) {
	seen := make(map[string]bool)
	var orgs []ProPublicaOrganization
	var passes passErrors

	for _, term := range c.cfg.Keywords {
		var resp proPublicaSearchResponse
		err := c.api.GetJSON(ctx, c.baseURL+"/search.json?q="+url.QueryEscape(term), nil, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[ProPublica] Search %q failed: %v", term, err)
		}
		passes.record(fmt.Sprintf("search %q", term), err)

		for _, org := range resp.Organizations {
			ein := org.EIN.String()
			if ein == "" || seen[ein] || !org.isFoundation() {
				continue
			}
			seen[ein] = true
			orgs = append(orgs, org)
		}
	}

	if err := passes.err(c.cfg.Name); err != nil {
		return nil, err
	}

	if c.cfg.Enrich && len(orgs) > 0 {
		if err := c.enrich(ctx, orgs); err != nil {
			return nil, err
		}
	}

	records := make([]Record, 0, len(orgs))
	for _, org := range orgs {
		records = append(records, Record{Source: c.cfg.Name, ExternalID: org.EIN.String(), Payload: org})
	}
	log.Printf("[ProPublica] Found %d foundations across %d search terms", len(records), len(c.cfg.Keywords))
	return records, nil
}

// enrich fills AvgAnnualGiving from the latest filings. Failures leave the
// organization as found by search.
func (c *ProPublicaClient) enrich(ctx context.Context, orgs []ProPublicaOrganization) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Fetch.concurrency())

	var mu sync.Mutex
	failed := 0
	for i := range orgs {
		g.Go(func() error {
			avg, err := c.averageGiving(gctx, orgs[i].EIN.String())
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			orgs[i].AvgAnnualGiving = avg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		log.Printf("[ProPublica] Filing enrichment failed for %d of %d foundations", failed, len(orgs))
	}
	return nil
}

// averageGiving averages total functional expenses over the three most recent 990-PF filings.
func (c *ProPublicaClient) averageGiving(ctx context.Context, ein string) (float64, error) {
	var resp proPublicaOrgResponse
	if err := c.api.GetJSON(ctx, c.baseURL+"/organizations/"+url.PathEscape(ein)+".json", nil, &resp); err != nil {
		return 0, err
	}

	var pf []ProPublicaFiling
	for _, f := range resp.FilingsWithData {
		if strings.EqualFold(f.FormType.String(), "990PF") || f.FormType.String() == "2" {
			pf = append(pf, f)
		}
	}
	sort.Slice(pf, func(i, j int) bool { return pf[i].TaxPeriodYear > pf[j].TaxPeriodYear })
	if len(pf) > 3 {
		pf = pf[:3]
	}
	if len(pf) == 0 {
		return 0, nil
	}

	var total float64
	for _, f := range pf {
		total += f.TotFuncExpns.Float64()
	}
	return total / float64(len(pf)), nil
}
