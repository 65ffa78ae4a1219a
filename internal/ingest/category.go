package ingest

import (
	"regexp"
	"strings"

	"github.com/david/grant-ingest/internal/models"
)

// cfdaCategories maps the two-digit agency prefix of a CFDA / assistance
// listing number to a catalog category.
var cfdaCategories = map[string]models.GrantCategory{
	"10": models.CategoryNutrition,      // USDA
	"11": models.CategoryOther,          // Commerce
	"12": models.CategoryOther,          // Defense
	"14": models.CategoryInfrastructure, // HUD
	"15": models.CategoryOther,          // Interior
	"16": models.CategoryOther,          // Justice
	"17": models.CategoryOther,          // Labor
	"20": models.CategoryInfrastructure, // Transportation
	"45": models.CategoryArts,           // NEA / NEH / IMLS
	"47": models.CategorySTEM,           // NSF
	"66": models.CategoryInfrastructure, // EPA
	"84": models.CategoryFederal,        // Education
	"93": models.CategoryOther,          // HHS
}

type keywordRule struct {
	category models.GrantCategory
	pattern  *regexp.Regexp
}

// keywordRules are evaluated in order and the first match wins. Nutrition
// precedes STEM so a school meal program that mentions engineering stays NUTRITION.
var keywordRules = []keywordRule{
	{models.CategoryNutrition, regexp.MustCompile(`(?i)\b(lunch|nutrition|food|meal|snap|breakfast)\b`)},
	{models.CategoryArts, regexp.MustCompile(`(?i)\b(art|arts|music|theater|theatre|dance|cultural|creative)\b`)},
	{models.CategorySTEM, regexp.MustCompile(`(?i)\b(stem|science|technology|engineering|math|mathematics|research)\b`)},
	{models.CategoryInfrastructure, regexp.MustCompile(`(?i)\b(infrastructure|building|facility|facilities|construction|energy)\b`)},
	{models.CategoryState, regexp.MustCompile(`(?i)\b(state|california|texas|florida)\b`)},
}

// CategoryFromCFDA maps a program code such as "84.010" through the prefix table.
func CategoryFromCFDA(cfda string) (models.GrantCategory, bool) {
	cfda = strings.TrimSpace(cfda)
	if len(cfda) < 2 {
		return "", false
	}
	prefix := cfda
	if i := strings.IndexByte(cfda, '.'); i >= 0 {
		prefix = cfda[:i]
	}
	cat, ok := cfdaCategories[prefix]
	return cat, ok
}

// CategoryFromKeywords runs the ordered keyword rules over the joined text,
// defaulting to FEDERAL.
func CategoryFromKeywords(texts ...string) models.GrantCategory {
	joined := strings.Join(texts, " ")
	for _, rule := range keywordRules {
		if rule.pattern.MatchString(joined) {
			return rule.category
		}
	}
	return models.CategoryFederal
}

// InferCategory applies the program-code table first and falls back to keywords
// when the code is absent or its prefix is unmapped.
func InferCategory(cfda string, texts ...string) models.GrantCategory {
	if cat, ok := CategoryFromCFDA(cfda); ok {
		return cat
	}
	return CategoryFromKeywords(texts...)
}

// californiaCategory maps the portal's own Categories column before keyword inference.
func californiaCategory(categories string, texts ...string) models.GrantCategory {
	c := strings.ToLower(categories)
	switch {
	case c == "":
	case containsAny(c, "food", "nutrition", "agriculture"):
		return models.CategoryNutrition
	case containsAny(c, "art", "culture", "humanities"):
		return models.CategoryArts
	case containsAny(c, "science", "technology", "stem"):
		return models.CategorySTEM
	case containsAny(c, "infrastructure", "energy", "environment"):
		return models.CategoryInfrastructure
	case containsAny(c, "education", "school"):
		return models.CategoryState
	}
	return CategoryFromKeywords(append(texts, categories)...)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
