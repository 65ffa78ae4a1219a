package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/david/grant-ingest/internal/models"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

var htmlPolicy = bluemonday.UGCPolicy()

// TruncateText cuts a string to max runes, appending ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	if utf8Len(text) <= maxLen {
		return text
	}
	if maxLen > 3 {
		return truncateRunes(text, maxLen-3) + "..."
	}
	return truncateRunes(text, maxLen)
}

func utf8Len(s string) int {
	return len([]rune(s))
}

// HTMLToText converts HTML to plain text, collapsing whitespace. Unsafe
// elements are dropped before text extraction.
func HTMLToText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return cleanText(html)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlPolicy.Sanitize(html)))
	if err != nil {
		return cleanText(html) // Fallback to original if parsing fails
	}
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find("p, li, div, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return cleanText(doc.Text())
}

// Normalizer maps provider records onto NormalizedGrant. It never fails on
// malformed field values: amounts degrade to 0 and dates to an open-ended deadline.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize dispatches on the payload type. The only error is a payload type
// without a mapping.
func (n *Normalizer) Normalize(rec Record) (models.NormalizedGrant, error) {
	var g models.NormalizedGrant
	switch p := rec.Payload.(type) {
	case GrantsGovOpportunity:
		g = n.grantsGov(p)
	case *GrantsGovOpportunity:
		g = n.grantsGov(*p)
	case CaliforniaGrantRow:
		g = n.california(p)
	case *CaliforniaGrantRow:
		g = n.california(*p)
	case USASpendingAward:
		g = n.usaSpending(p)
	case *USASpendingAward:
		g = n.usaSpending(*p)
	case NSFAward:
		g = n.nsf(p)
	case *NSFAward:
		g = n.nsf(*p)
	case ProPublicaOrganization:
		g = n.proPublica(p)
	case *ProPublicaOrganization:
		g = n.proPublica(*p)
	case SAMAssistanceListing:
		g = n.samGov(p)
	case *SAMAssistanceListing:
		g = n.samGov(*p)
	case models.NormalizedGrant:
		g = p
	default:
		return models.NormalizedGrant{}, fmt.Errorf("no normalizer for %s payload %T", rec.Source, rec.Payload)
	}

	if g.ExternalID == "" {
		g.ExternalID = rec.ExternalID
	}
	g.Title = cleanText(g.Title)
	g.FundingAmountMin, g.FundingAmountMax = clampFunding(g.FundingAmountMin, g.FundingAmountMax)
	if g.Requirements == nil {
		g.Requirements = models.NewRequirements()
	}
	if g.Deadline.IsZero() {
		g.Deadline, g.DeadlineDefaulted = n.openEnded(1), true
	}
	return g, nil
}

// deadline parses raw or falls back to now plus the given number of years.
func (n *Normalizer) deadline(raw string, fallbackYears int) (time.Time, bool) {
	if strings.TrimSpace(raw) != "" {
		if t, err := parseDateRobust(raw); err == nil {
			return t, false
		}
	}
	return n.openEnded(fallbackYears), true
}

func (n *Normalizer) openEnded(years int) time.Time {
	return n.now().UTC().AddDate(years, 0, 0)
}

func (n *Normalizer) grantsGov(opp GrantsGovOpportunity) models.NormalizedGrant {
	var cfda string
	if len(opp.CFDAList) > 0 {
		cfda = strings.TrimSpace(opp.CFDAList[0])
	}
	description := HTMLToText(opp.Synopsis)

	min := opp.AwardFloor
	max := opp.AwardCeiling
	if max == 0 {
		max = opp.EstimatedFunding
	}
	if max == 0 {
		max = min
	}

	sourceURL := "https://www.grants.gov/search-results-detail/" + opp.ID
	if _, err := uuid.Parse(opp.ID); err == nil {
		sourceURL = "https://simpler.grants.gov/opportunity/" + opp.ID
	}

	var eligibility []string
	if len(opp.EligibleApplicants) > 0 {
		eligibility = append(eligibility, strings.Join(opp.EligibleApplicants, ", "))
	}
	if extra := HTMLToText(opp.AdditionalEligibility); extra != "" {
		eligibility = append(eligibility, extra)
	}

	req := models.NewRequirements().
		Set("opportunityNumber", opp.Number).
		Set("eligibleApplicants", opp.EligibleApplicants).
		Set("fundingInstrumentType", opp.FundingInstruments).
		Set("categoryOfFunding", opp.FundingCategories).
		Set("costSharing", opp.CostSharing).
		Set("expectedNumberOfAwards", opp.ExpectedAwards).
		Set("cfdaList", opp.CFDAList)
	if opp.Partial {
		req.Set("detailUnavailable", true)
	}

	deadline, defaulted := n.deadline(opp.CloseDate, 1)
	return models.NormalizedGrant{
		Title:               opp.Title,
		Category:            InferCategory(cfda, opp.Title, description, strings.Join(opp.FundingCategories, " ")),
		SourceType:          models.SourceTypeFederal,
		FundingAmountMin:    min,
		FundingAmountMax:    max,
		Deadline:            deadline,
		DeadlineDefaulted:   defaulted,
		ExternalID:          opp.ID,
		SourceURL:           sourceURL,
		ApplicationURL:      firstNonEmpty(opp.ApplicationURL, sourceURL),
		CFDA:                cfda,
		AgencyCode:          opp.AgencyCode,
		Description:         description,
		EligibilityCriteria: strings.Join(eligibility, "\n"),
		Requirements:        req,
		IsActive:            strings.EqualFold(opp.Status, "posted"),
	}
}

func (n *Normalizer) california(row CaliforniaGrantRow) models.NormalizedGrant {
	min, max := ParseFundingRange(row.EstAvailFunds)
	description := HTMLToText(row.Description)

	req := models.NewRequirements().
		Set("agency", row.AgencyDept).
		Set("geographicEligibility", row.Geography).
		Set("categories", splitList(row.Categories, ",;"))
	if row.MatchingFunds != "" {
		req.Set("matchingFundsRequired", strings.HasPrefix(strings.ToLower(row.MatchingFunds), "yes"))
	}

	sourceURL := firstNonEmpty(row.GrantURL, "https://www.grants.ca.gov/grants/")
	deadline, defaulted := n.deadline(row.ApplicationDeadline, 1)
	return models.NormalizedGrant{
		Title:               row.Title,
		Category:            californiaCategory(row.Categories, row.Title, description),
		SourceType:          models.SourceTypeState,
		FundingAmountMin:    min,
		FundingAmountMax:    max,
		Deadline:            deadline,
		DeadlineDefaulted:   defaulted,
		ExternalID:          row.GrantID,
		SourceURL:           sourceURL,
		ApplicationURL:      sourceURL,
		Description:         description,
		EligibilityCriteria: cleanText(row.EligibleApplicants),
		Requirements:        req,
		IsActive:            true,
	}
}

func (n *Normalizer) usaSpending(a USASpendingAward) models.NormalizedGrant {
	id := a.AwardID.String()
	program := firstNonEmpty(a.CFDANumber, "Federal Award")
	title := fmt.Sprintf("%s - %s", firstNonEmpty(a.RecipientName, "Unknown Recipient"), program)
	amount := a.AwardAmount.Float64()

	req := models.NewRequirements().
		Set("awardType", a.AwardType).
		Set("awardingAgency", a.AwardingAgency).
		Set("subAgency", a.AwardingSubAgency).
		Set("recipient", a.RecipientName).
		Set("startDate", a.StartDate)
	if a.TotalOutlays != 0 {
		req.Set("totalOutlays", a.TotalOutlays.Float64())
	}

	deadline, defaulted := n.deadline(a.EndDate, 1)
	return models.NormalizedGrant{
		Title:             title,
		Category:          InferCategory(a.CFDANumber, title, a.Description),
		SourceType:        models.SourceTypeFederal,
		FundingAmountMin:  amount,
		FundingAmountMax:  amount,
		Deadline:          deadline,
		DeadlineDefaulted: defaulted,
		ExternalID:        id,
		SourceURL:         "https://www.usaspending.gov/award/" + firstNonEmpty(a.GeneratedInternalID, id),
		CFDA:              a.CFDANumber,
		Description:       cleanText(a.Description),
		Requirements:      req,
		// Historical awards are reference data, not open opportunities.
		IsActive: false,
	}
}

func (n *Normalizer) nsf(a NSFAward) models.NormalizedGrant {
	const nsfCFDA = "47.076"
	amount := a.EstimatedTotalAmt.Float64()
	if amount == 0 {
		amount = a.FundsObligatedAmt.Float64()
	}

	var location, pi string
	if a.AwardeeCity != "" || a.AwardeeStateCode != "" {
		location = strings.Trim(a.AwardeeCity+", "+a.AwardeeStateCode, ", ")
	}
	pi = strings.TrimSpace(a.PIFirstName + " " + a.PILastName)

	req := models.NewRequirements().
		Set("awardee", a.AwardeeName).
		Set("awardeeLocation", location).
		Set("principalInvestigator", pi).
		Set("piEmail", a.PIEmail).
		Set("programName", a.FundProgramName).
		Set("startDate", a.StartDate)

	deadline, defaulted := time.Time{}, true
	if t, ok := parseUSDate(a.ExpDate); ok {
		deadline, defaulted = t, false
	} else {
		deadline = n.openEnded(1)
	}

	return models.NormalizedGrant{
		Title:             a.Title,
		Category:          InferCategory(nsfCFDA, a.Title, a.AbstractText),
		SourceType:        models.SourceTypeFederal,
		FundingAmountMin:  amount,
		FundingAmountMax:  amount,
		Deadline:          deadline,
		DeadlineDefaulted: defaulted,
		ExternalID:        a.ID,
		SourceURL:         "https://www.nsf.gov/awardsearch/showAward?AWD_ID=" + a.ID,
		CFDA:              nsfCFDA,
		AgencyCode:        "NSF",
		Description:       HTMLToText(a.AbstractText),
		Requirements:      req,
		IsActive:          deadline.After(n.now()),
	}
}

func (n *Normalizer) proPublica(o ProPublicaOrganization) models.NormalizedGrant {
	ein := o.EIN.String()
	estimated := o.AvgAnnualGiving
	if estimated == 0 {
		estimated = math.Round(o.AssetAmount.Float64() * 0.05)
	}
	if estimated == 0 {
		estimated = o.IncomeAmount.Float64()
	}

	ntee := firstNonEmpty(o.NTEECode, "Unknown")
	description := fmt.Sprintf("Private foundation based in %s, %s. NTEE Code: %s", o.City, o.State, ntee)

	req := models.NewRequirements().
		Set("ein", ein).
		Set("nteeCode", o.NTEECode)
	if o.AssetAmount != 0 {
		req.Set("assets", o.AssetAmount.Float64())
	}
	if revenue := firstPositive(o.RevenueAmount.Float64(), o.IncomeAmount.Float64()); revenue != 0 {
		req.Set("annualRevenue", revenue)
	}
	if o.AvgAnnualGiving != 0 {
		req.Set("avgAnnualGiving", o.AvgAnnualGiving)
	}

	sourceURL := "https://projects.propublica.org/nonprofits/organizations/" + ein
	return models.NormalizedGrant{
		Title:             o.Name,
		Category:          models.CategoryPrivateFoundation,
		SourceType:        models.SourceTypePrivateFoundation,
		FundingAmountMin:  math.Min(1000, estimated),
		FundingAmountMax:  estimated,
		Deadline:          n.openEnded(2),
		DeadlineDefaulted: true,
		ExternalID:        ein,
		SourceURL:         sourceURL,
		ApplicationURL:    sourceURL,
		Description:       description,
		Requirements:      req,
		IsActive:          true,
	}
}

func (n *Normalizer) samGov(l SAMAssistanceListing) models.NormalizedGrant {
	title := firstNonEmpty(l.ProgramTitle, l.PopularName)
	description := HTMLToText(l.Objectives)

	req := models.NewRequirements().
		Set("federalAgency", l.FederalAgency).
		Set("popularName", l.PopularName).
		Set("typesOfAssistance", l.TypesOfAssistance).
		Set("useAndUseRestrictions", HTMLToText(l.UseAndUseRestrictions)).
		Set("beneficiaryEligibility", HTMLToText(l.BeneficiaryEligibility)).
		Set("applicationProcedures", HTMLToText(l.ApplicationProcedures)).
		Set("relatedPrograms", l.RelatedPrograms)

	sourceURL := "https://sam.gov/fal/" + l.AssistanceListingNumber + "/view"
	deadline, defaulted := n.deadline(l.Deadlines, 1)
	return models.NormalizedGrant{
		Title:               title,
		Category:            InferCategory(l.AssistanceListingNumber, title, description),
		SourceType:          models.SourceTypeFederal,
		FundingAmountMax:    l.latestObligation(),
		Deadline:            deadline,
		DeadlineDefaulted:   defaulted,
		ExternalID:          l.AssistanceListingNumber,
		SourceURL:           sourceURL,
		ApplicationURL:      firstNonEmpty(l.Website, sourceURL),
		CFDA:                l.AssistanceListingNumber,
		Description:         description,
		EligibilityCriteria: HTMLToText(l.ApplicantEligibility),
		Requirements:        req,
		IsActive:            true,
	}
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
