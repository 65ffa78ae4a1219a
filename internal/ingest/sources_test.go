package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func externalIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ExternalID)
	}
	return ids
}

func TestUSASpendingClient_DedupsAcrossPrograms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/search/spending_by_award/", r.URL.Path)
		var req usaSpendingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2026-03-01", req.Filters.TimePeriod[0]["end_date"])

		switch req.Filters.ProgramNumbers[0] {
		case "84.010":
			w.Write([]byte(`{"results":[
				{"Award ID":"S010A1","Recipient Name":"District One","Award Amount":1000000,"CFDA Number":"84.010"},
				{"Award ID":"S010A2","Recipient Name":"District Two","Award Amount":"250000.50"}
			],"page_metadata":{"page":1,"hasNext":false}}`))
		case "10.553":
			w.Write([]byte(`{"results":[
				{"Award ID":"S010A2","Recipient Name":"District Two","Award Amount":250000.5},
				{"Award ID":"FNS-3","Recipient Name":"Food Bank","Award Amount":80000}
			],"page_metadata":{"page":1,"hasNext":false}}`))
		default:
			http.Error(w, "bad program", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := SourceConfig{Name: "usaspending", APIBaseURL: srv.URL, ProgramCodes: []string{"84.010", "10.553", "99.999"}}
	client := NewUSASpendingClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch))
	client.now = func() time.Time { return testNow }

	records, err := client.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"S010A1", "S010A2", "FNS-3"}, externalIDs(records))

	// The program code fills a missing CFDA number.
	award := records[2].Payload.(USASpendingAward)
	assert.Equal(t, "10.553", award.CFDANumber)
	assert.Equal(t, 250000.5, records[1].Payload.(USASpendingAward).AwardAmount.Float64())
}

func TestUSASpendingClient_AllProgramsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := SourceConfig{Name: "usaspending", APIBaseURL: srv.URL, ProgramCodes: []string{"84.010", "84.027"}}
	_, err := NewUSASpendingClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch)).FetchAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "all 2 requests failed")
}

func TestNSFClient_DedupsAcrossKeywords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "03/01/2024", q.Get("dateStart"))
		assert.Equal(t, "1", q.Get("offset"))
		switch q.Get("keyword") {
		case "STEM education":
			w.Write([]byte(`{"response":{"award":[
				{"id":"2400001","title":"Robotics Clubs","estimatedTotalAmt":"300000"},
				{"id":"2400002","title":"Math Circles","fundsObligatedAmt":120000}
			]}}`))
		case "K-12 outreach":
			w.Write([]byte(`{"response":{"award":[
				{"id":"2400002","title":"Math Circles"},
				{"id":"2400003","title":"Science Fair Mentoring"}
			]}}`))
		default:
			http.Error(w, "timeout", http.StatusGatewayTimeout)
		}
	}))
	defer srv.Close()

	cfg := SourceConfig{Name: "nsf_awards", APIBaseURL: srv.URL, Keywords: []string{"STEM education", "broken", "K-12 outreach"}}
	client := NewNSFClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch))
	client.now = func() time.Time { return testNow }

	records, err := client.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2400001", "2400002", "2400003"}, externalIDs(records))
	assert.Equal(t, 300000.0, records[0].Payload.(NSFAward).EstimatedTotalAmt.Float64())
}

func TestProPublicaClient_FiltersAndEnriches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/search.json", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("q") {
		case "education foundation":
			w.Write([]byte(`{"organizations":[
				{"ein":131624241,"name":"Example Education Foundation","city":"New York","state":"NY","ntee_code":"T20"},
				{"ein":"200000009","name":"City Hospital","ntee_code":"E22"},
				{"ein":"300000001","name":"Reading Fund","ntee_code":"B90"}
			]}`))
		case "school grants":
			w.Write([]byte(`{"organizations":[
				{"ein":"131624241","name":"Example Education Foundation","ntee_code":"T20"}
			]}`))
		}
	})
	mux.HandleFunc("/organizations/131624241.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"organization":{"ein":131624241},"filings_with_data":[
			{"tax_prd_yr":2020,"formtype":2,"totfuncexpns":100},
			{"tax_prd_yr":2023,"formtype":2,"totfuncexpns":400},
			{"tax_prd_yr":2021,"formtype":"990PF","totfuncexpns":200},
			{"tax_prd_yr":2022,"formtype":2,"totfuncexpns":300},
			{"tax_prd_yr":2024,"formtype":0,"totfuncexpns":999999}
		]}`))
	})
	mux.HandleFunc("/organizations/300000001.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := SourceConfig{
		Name:       "propublica_990",
		APIBaseURL: srv.URL,
		Keywords:   []string{"education foundation", "school grants"},
		Enrich:     true,
	}
	records, err := NewProPublicaClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch)).FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"131624241", "300000001"}, externalIDs(records))

	enriched := records[0].Payload.(ProPublicaOrganization)
	assert.Equal(t, 300.0, enriched.AvgAnnualGiving)
	assert.Zero(t, records[1].Payload.(ProPublicaOrganization).AvgAnnualGiving)
}

func TestSAMGovClient_RequiresKey(t *testing.T) {
	cfg := SourceConfig{Name: "sam_gov", ProgramCodes: []string{"84"}}
	_, err := NewSAMGovClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch)).FetchAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errSAMKeyMissing)
}

func TestSAMGovClient_KeyNeverInErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SUPER-SECRET-KEY", r.URL.Query().Get("api_key"))
		http.Error(w, "invalid request", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := SourceConfig{Name: "sam_gov", APIBaseURL: srv.URL, APIKey: "SUPER-SECRET-KEY", ProgramCodes: []string{"84"}}
	_, err := NewSAMGovClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch)).FetchAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.NotContains(t, err.Error(), "SUPER-SECRET-KEY")
}

func TestSAMGovClient_PagesPrefixes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/assistance-listings/v1/search", r.URL.Path)
		assert.Equal(t, "sam-key", q.Get("api_key"))
		switch q.Get("assistanceListingNumber") {
		case "10":
			w.Write([]byte(`{"totalRecords":2,"assistanceListingsData":[
				{"assistanceListingNumber":"10.553","programTitle":"School Breakfast Program"},
				{"assistanceListingNumber":"10.555","programTitle":"National School Lunch Program",
				 "obligations":[{"fiscalYear":2025,"amount":"16,000,000"}]}
			]}`))
		case "84":
			w.Write([]byte(`{"totalRecords":1,"assistanceListingsData":[
				{"assistanceListingNumber":"84.010","programTitle":"Title I Grants"},
				{"assistanceListingNumber":" 10.553 ","programTitle":"Duplicate"}
			]}`))
		}
	}))
	defer srv.Close()

	cfg := SourceConfig{Name: "sam_gov", APIBaseURL: srv.URL, APIKey: "sam-key", ProgramCodes: []string{"10", "84"}}
	records, err := NewSAMGovClient(cfg, NewAPIClient(cfg.Name, cfg.Fetch)).FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10.553", "10.555", "84.010"}, externalIDs(records))
	assert.Equal(t, 16000000.0, records[1].Payload.(SAMAssistanceListing).latestObligation())
}

func TestNewClients_CoversRegistry(t *testing.T) {
	reg, err := LoadRegistry("")
	require.NoError(t, err)

	clients := NewClients(reg, nil)
	assert.Len(t, clients, 6)
	for _, name := range reg.Names() {
		assert.Contains(t, clients, name)
	}
	_, ok := clients["grants_gov"].(fetchPathReporter)
	assert.True(t, ok)
}
