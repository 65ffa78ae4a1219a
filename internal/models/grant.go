package models

import (
	"time"

	"github.com/google/uuid"
)

// GrantCategory is the catalog category used for filtering and scoring.
type GrantCategory string

const (
	CategoryFederal           GrantCategory = "FEDERAL"
	CategoryState             GrantCategory = "STATE"
	CategoryNutrition         GrantCategory = "NUTRITION"
	CategoryArts              GrantCategory = "ARTS"
	CategorySTEM              GrantCategory = "STEM"
	CategoryInfrastructure    GrantCategory = "INFRASTRUCTURE"
	CategoryPrivateFoundation GrantCategory = "PRIVATE_FOUNDATION"
	CategoryCorporate         GrantCategory = "CORPORATE"
	CategoryOther             GrantCategory = "OTHER"
)

// GrantSourceType is the kind of funder behind a grant.
type GrantSourceType string

const (
	SourceTypeFederal           GrantSourceType = "FEDERAL"
	SourceTypeState             GrantSourceType = "STATE"
	SourceTypeLocal             GrantSourceType = "LOCAL"
	SourceTypePrivateFoundation GrantSourceType = "PRIVATE_FOUNDATION"
	SourceTypeCorporate         GrantSourceType = "CORPORATE"
)

// NormalizedGrant is the canonical shape every provider record is mapped into
// before it is persisted. It is never stored directly.
type NormalizedGrant struct {
	Title               string          `json:"title"`
	Category            GrantCategory   `json:"category"`
	SourceType          GrantSourceType `json:"source_type"`
	FundingAmountMin    float64         `json:"funding_amount_min"`
	FundingAmountMax    float64         `json:"funding_amount_max"`
	Deadline            time.Time       `json:"deadline"`
	DeadlineDefaulted   bool            `json:"deadline_defaulted"`
	ExternalID          string          `json:"external_id"`
	SourceURL           string          `json:"source_url,omitempty"`
	ApplicationURL      string          `json:"application_url,omitempty"`
	CFDA                string          `json:"cfda,omitempty"`
	AgencyCode          string          `json:"agency_code,omitempty"`
	Description         string          `json:"description,omitempty"`
	EligibilityCriteria string          `json:"eligibility_criteria,omitempty"`
	Requirements        *Requirements   `json:"requirements"`
	IsActive            bool            `json:"is_active"`
}

// Grant is the user-facing catalog entry derived from the latest NormalizedGrant
// of one raw record.
type Grant struct {
	ID                  uuid.UUID       `json:"id"`
	Title               string          `json:"title"`
	Category            GrantCategory   `json:"category"`
	SourceType          GrantSourceType `json:"source_type"`
	FundingAmountMin    float64         `json:"funding_amount_min"`
	FundingAmountMax    float64         `json:"funding_amount_max"`
	Deadline            time.Time       `json:"deadline"`
	ExternalID          string          `json:"external_id"`
	SourceURL           string          `json:"source_url,omitempty"`
	ApplicationURL      string          `json:"application_url,omitempty"`
	CFDA                string          `json:"cfda,omitempty"`
	AgencyCode          string          `json:"agency_code,omitempty"`
	Description         string          `json:"description,omitempty"`
	EligibilityCriteria string          `json:"eligibility_criteria,omitempty"`
	Requirements        *Requirements   `json:"requirements"`
	IsActive            bool            `json:"is_active"`
	IngestionSourceID   *uuid.UUID      `json:"ingestion_source_id,omitempty"`
	LastSyncedAt        *time.Time      `json:"last_synced_at,omitempty"`
	Embedding           []float32       `json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// GrantFromNormalized builds a new catalog entry owned by sourceID.
func GrantFromNormalized(sourceID uuid.UUID, n NormalizedGrant, syncedAt time.Time) *Grant {
	src := sourceID
	at := syncedAt
	return &Grant{
		Title:               n.Title,
		Category:            n.Category,
		SourceType:          n.SourceType,
		FundingAmountMin:    n.FundingAmountMin,
		FundingAmountMax:    n.FundingAmountMax,
		Deadline:            n.Deadline,
		ExternalID:          n.ExternalID,
		SourceURL:           n.SourceURL,
		ApplicationURL:      n.ApplicationURL,
		CFDA:                n.CFDA,
		AgencyCode:          n.AgencyCode,
		Description:         n.Description,
		EligibilityCriteria: n.EligibilityCriteria,
		Requirements:        n.Requirements,
		IsActive:            n.IsActive,
		IngestionSourceID:   &src,
		LastSyncedAt:        &at,
	}
}

// GrantUpdate carries the fields ingestion is allowed to overwrite on an
// existing Grant.
type GrantUpdate struct {
	Title               string
	FundingAmountMin    float64
	FundingAmountMax    float64
	Deadline            time.Time
	Description         string
	EligibilityCriteria string
	Requirements        *Requirements
	IsActive            bool
	LastSyncedAt        time.Time
	Embedding           []float32
}

// UpdateFromNormalized selects the mutable subset of n.
func UpdateFromNormalized(n NormalizedGrant, syncedAt time.Time) GrantUpdate {
	return GrantUpdate{
		Title:               n.Title,
		FundingAmountMin:    n.FundingAmountMin,
		FundingAmountMax:    n.FundingAmountMax,
		Deadline:            n.Deadline,
		Description:         n.Description,
		EligibilityCriteria: n.EligibilityCriteria,
		Requirements:        n.Requirements,
		IsActive:            n.IsActive,
		LastSyncedAt:        syncedAt,
	}
}

// Apply copies the update onto g.
func (u GrantUpdate) Apply(g *Grant) {
	g.Title = u.Title
	g.FundingAmountMin = u.FundingAmountMin
	g.FundingAmountMax = u.FundingAmountMax
	g.Deadline = u.Deadline
	g.Description = u.Description
	g.EligibilityCriteria = u.EligibilityCriteria
	g.Requirements = u.Requirements
	g.IsActive = u.IsActive
	at := u.LastSyncedAt
	g.LastSyncedAt = &at
	if len(u.Embedding) > 0 {
		g.Embedding = u.Embedding
	}
}
