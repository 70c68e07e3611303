package matching

import (
	"context"
	"regexp"
	"strings"

	"github.com/drfirst/go-rxscan/internal/catalog"
	"github.com/drfirst/go-rxscan/internal/domain/prescription"
	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

// Strategy is one fallback tier. Try returns every candidate it considers a
// substitute for the entry; the engine excludes, ranks and truncates them.
// A nil slice with a nil error means the tier found nothing.
type Strategy interface {
	Name() prescription.MatchReason
	Try(ctx context.Context, entry prescription.MedicineEntry) ([]prescription.ProductMatch, error)
}

// DefaultStrategies returns the fallback chain in priority order.
func DefaultStrategies(cat catalog.Catalog, tax *Taxonomy, fetch int) []Strategy {
	l := lookup{cat: cat, fetch: fetch}
	return []Strategy{
		&IngredientStrategy{lookup: l},
		&GroupStrategy{lookup: l, taxonomy: tax},
		&IndicationStrategy{lookup: l, taxonomy: tax},
		&SimilarityStrategy{lookup: l},
	}
}

const (
	confidenceIngredient       = 0.85
	confidenceIngredientDosage = 0.90
	confidenceGroup            = 0.75
	confidenceGroupDosage      = 0.80
	confidenceIndication       = 0.70
	confidenceGenericBase      = 0.35
	confidenceGenericSpan      = 0.25
	confidenceGenericCap       = 0.60
	minGenericSimilarity       = 0.3
)

var ingredientSeparator = regexp.MustCompile(`(?i)\s*[+,;&/]\s*|\s+(?:and|và|va|with)\s+`)

type lookup struct {
	cat   catalog.Catalog
	fetch int
}

// reference finds the catalog product the prescriber named, when the catalog
// carries it under a different strength. Its ingredient, group and indication
// stand in for what the prescription line does not say.
func (l lookup) reference(ctx context.Context, entry prescription.MedicineEntry) (*prescription.Product, error) {
	for _, name := range []string{entry.BrandName, entry.GenericName} {
		if name == "" {
			continue
		}
		products, err := l.cat.SearchByName(ctx, name, l.fetch)
		if err != nil {
			return nil, err
		}
		want := nameKey(name)
		for i := range products {
			if nameKey(products[i].Name) == want || nameKey(products[i].Brand) == want {
				return &products[i], nil
			}
		}
	}
	return nil, nil
}

// IngredientStrategy suggests products with the same active ingredients.
type IngredientStrategy struct {
	lookup
}

func (s *IngredientStrategy) Name() prescription.MatchReason { return prescription.ReasonSameIngredient }

func (s *IngredientStrategy) Try(ctx context.Context, entry prescription.MedicineEntry) ([]prescription.ProductMatch, error) {
	ingredients := entryIngredients(entry)
	if len(ingredients) == 0 {
		return nil, nil
	}
	products, err := s.cat.SearchByActiveIngredient(ctx, ingredients[0], s.fetch)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		// brand-only lines name no ingredient; borrow the referenced product's
		ref, err := s.reference(ctx, entry)
		if err != nil {
			return nil, err
		}
		if ref == nil || ref.ActiveIngredient == "" {
			return nil, nil
		}
		ingredients = splitIngredients(ref.ActiveIngredient)
		if len(ingredients) == 0 {
			return nil, nil
		}
		if products, err = s.cat.SearchByActiveIngredient(ctx, ingredients[0], s.fetch); err != nil {
			return nil, err
		}
	}

	var out []prescription.ProductMatch
	for _, p := range products {
		if !sameIngredients(ingredients, splitIngredients(p.ActiveIngredient)) {
			continue
		}
		if !entry.Form.CompatibleWith(productForm(p)) {
			continue
		}
		conf := confidenceIngredient
		if dosageEqual(entry.Dosage, productDosage(p)) {
			conf = confidenceIngredientDosage
		}
		out = append(out, fallback(p, conf, prescription.ReasonSameIngredient))
	}
	return out, nil
}

// GroupStrategy suggests products of the same therapeutic class and a
// compatible dosage form. Products filed under a different class are never
// offered, even when a catalog label contains the search term.
type GroupStrategy struct {
	lookup
	taxonomy *Taxonomy
}

func (s *GroupStrategy) Name() prescription.MatchReason { return prescription.ReasonSameGroup }

func (s *GroupStrategy) Try(ctx context.Context, entry prescription.MedicineEntry) ([]prescription.ProductMatch, error) {
	group, err := s.groupOf(ctx, entry)
	if err != nil || group == "" {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []prescription.ProductMatch
	for _, label := range s.taxonomy.SearchLabels(group) {
		products, err := s.cat.SearchByTherapeuticGroup(ctx, label, s.fetch)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			if s.taxonomy.CanonicalGroup(p.TherapeuticGroup) != group {
				continue
			}
			if !entry.Form.CompatibleWith(productForm(p)) {
				continue
			}
			conf := confidenceGroup
			if dosageEqual(entry.Dosage, productDosage(p)) {
				conf = confidenceGroupDosage
			}
			out = append(out, fallback(p, conf, prescription.ReasonSameGroup))
		}
	}
	return out, nil
}

func (s *GroupStrategy) groupOf(ctx context.Context, entry prescription.MedicineEntry) (string, error) {
	for _, ing := range entryIngredients(entry) {
		if g, ok := s.taxonomy.GroupOf(ing); ok {
			return g, nil
		}
	}
	ref, err := s.reference(ctx, entry)
	if err != nil || ref == nil {
		return "", err
	}
	if ref.TherapeuticGroup != "" {
		return s.taxonomy.CanonicalGroup(ref.TherapeuticGroup), nil
	}
	for _, ing := range splitIngredients(ref.ActiveIngredient) {
		if g, ok := s.taxonomy.GroupOf(ing); ok {
			return g, nil
		}
	}
	return "", nil
}

// IndicationStrategy suggests products sharing an indication keyword.
type IndicationStrategy struct {
	lookup
	taxonomy *Taxonomy
}

func (s *IndicationStrategy) Name() prescription.MatchReason { return prescription.ReasonSameIndication }

func (s *IndicationStrategy) Try(ctx context.Context, entry prescription.MedicineEntry) ([]prescription.ProductMatch, error) {
	keywords, err := s.keywords(ctx, entry)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []prescription.ProductMatch
	for _, kw := range keywords {
		products, err := s.cat.SearchByIndication(ctx, kw, s.fetch)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			if !entry.Form.CompatibleWith(productForm(p)) {
				continue
			}
			out = append(out, fallback(p, confidenceIndication, prescription.ReasonSameIndication))
		}
		if len(out) > 0 {
			break
		}
	}
	return out, nil
}

func (s *IndicationStrategy) keywords(ctx context.Context, entry prescription.MedicineEntry) ([]string, error) {
	var kws []string
	for _, ing := range entryIngredients(entry) {
		kws = append(kws, s.taxonomy.Indications(ing)...)
	}
	if len(kws) == 0 {
		ref, err := s.reference(ctx, entry)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			for _, kw := range strings.FieldsFunc(ref.Indication, func(r rune) bool { return r == ',' || r == ';' }) {
				kws = append(kws, strings.TrimSpace(kw))
			}
			for _, ing := range splitIngredients(ref.ActiveIngredient) {
				kws = append(kws, s.taxonomy.Indications(ing)...)
			}
		}
	}
	return dedupKeys(kws), nil
}

// SimilarityStrategy is the broadest tier: a name search by the leading token
// scored by spelling similarity.
type SimilarityStrategy struct {
	lookup
}

func (s *SimilarityStrategy) Name() prescription.MatchReason { return prescription.ReasonGenericSimilar }

func (s *SimilarityStrategy) Try(ctx context.Context, entry prescription.MedicineEntry) ([]prescription.ProductMatch, error) {
	name := nameKey(entry.GenericName)
	fields := strings.Fields(entry.GenericName)
	if name == "" || len(fields) == 0 {
		return nil, nil
	}
	token := strings.Trim(fields[0], ".,;:-()")
	if token == "" {
		return nil, nil
	}

	products, err := s.cat.SearchByName(ctx, token, s.fetch)
	if err != nil {
		return nil, err
	}
	if r := []rune(token); len(products) == 0 && len(r) > 4 {
		if products, err = s.cat.SearchByName(ctx, string(r[:4]), s.fetch); err != nil {
			return nil, err
		}
	}

	var out []prescription.ProductMatch
	for _, p := range products {
		if !entry.Form.CompatibleWith(productForm(p)) {
			continue
		}
		sim := Similarity(name, nameKey(p.Name))
		if p.Brand != "" {
			sim = max(sim, Similarity(name, nameKey(p.Brand)))
		}
		if entry.BrandName != "" {
			sim = max(sim, Similarity(nameKey(entry.BrandName), nameKey(p.Name)))
		}
		if sim < minGenericSimilarity {
			continue
		}
		conf := min(confidenceGenericCap, confidenceGenericBase+confidenceGenericSpan*sim)
		out = append(out, fallback(p, conf, prescription.ReasonGenericSimilar))
	}
	return out, nil
}

func fallback(p prescription.Product, conf float64, reason prescription.MatchReason) prescription.ProductMatch {
	return prescription.ProductMatch{
		ProductID:  p.ID,
		MatchType:  prescription.MatchFallback,
		Confidence: conf,
		Reason:     reason,
		Product:    p,
	}
}

// entryIngredients returns the entry's ingredients, falling back to its
// generic name.
func entryIngredients(e prescription.MedicineEntry) []string {
	src := e.Ingredients
	if len(src) == 0 && e.GenericName != "" {
		src = []string{e.GenericName}
	}
	var out []string
	for _, ing := range src {
		if nameKey(ing) != "" {
			out = append(out, strings.TrimSpace(ing))
		}
	}
	return out
}

// splitIngredients splits a catalog active-ingredient field into its parts.
func splitIngredients(field string) []string {
	var out []string
	for _, part := range ingredientSeparator.Split(field, -1) {
		if nameKey(part) != "" {
			out = append(out, strings.TrimSpace(part))
		}
	}
	return out
}

// sameIngredients reports whether both lists name the same ingredients in any
// order. A product ingredient may carry extra words such as a salt name.
func sameIngredients(want, have []string) bool {
	if len(want) == 0 || len(want) != len(have) {
		return false
	}
	used := make([]bool, len(have))
	for _, w := range want {
		found := false
		for i, h := range have {
			if !used[i] && wordsSubset(nameKey(w), nameKey(h)) {
				used[i], found = true, true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func wordsSubset(sub, super string) bool {
	have := make(map[string]struct{})
	for _, w := range strings.Fields(super) {
		have[w] = struct{}{}
	}
	for _, w := range strings.Fields(sub) {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

func dedupKeys(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		k := textnorm.LooseKey(s)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}
