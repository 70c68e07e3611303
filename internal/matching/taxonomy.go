package matching

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/drfirst/go-rxscan/internal/prescription/textnorm"
)

// Group is one therapeutic class. Aliases are alternative spellings used by
// catalogs, in any language.
type Group struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Ingredients []string `json:"ingredients"`
	Indications []string `json:"indications,omitempty"`
}

// TaxonomyFile is the on-disk form of a taxonomy extension.
type TaxonomyFile struct {
	Groups []Group `json:"groups"`
}

// Taxonomy maps active ingredients to therapeutic groups and indication
// keywords.
type Taxonomy struct {
	groups      map[string]*Group // canonical key -> group
	aliases     map[string]string // alias key -> canonical key
	ingredients map[string]string // ingredient key -> canonical key
}

// NewTaxonomy builds a taxonomy from groups.
func NewTaxonomy(groups ...Group) *Taxonomy {
	t := &Taxonomy{
		groups:      make(map[string]*Group),
		aliases:     make(map[string]string),
		ingredients: make(map[string]string),
	}
	t.Merge(groups...)
	return t
}

// Merge adds groups. A group whose name matches an existing group extends it.
func (t *Taxonomy) Merge(groups ...Group) {
	for _, g := range groups {
		key := textnorm.LooseKey(g.Name)
		if key == "" {
			continue
		}
		if canonical, ok := t.aliases[key]; ok {
			key = canonical
		}
		existing, ok := t.groups[key]
		if !ok {
			existing = &Group{Name: g.Name}
			t.groups[key] = existing
			t.aliases[key] = key
		}
		existing.Aliases = append(existing.Aliases, g.Aliases...)
		existing.Ingredients = append(existing.Ingredients, g.Ingredients...)
		existing.Indications = append(existing.Indications, g.Indications...)
		for _, a := range g.Aliases {
			if k := textnorm.LooseKey(a); k != "" {
				t.aliases[k] = key
			}
		}
		for _, ing := range g.Ingredients {
			if k := textnorm.LooseKey(ing); k != "" {
				t.ingredients[k] = key
			}
		}
	}
}

// CanonicalGroup returns the canonical key of a therapeutic group label. An
// unknown label is its own canonical key.
func (t *Taxonomy) CanonicalGroup(label string) string {
	key := textnorm.LooseKey(label)
	if canonical, ok := t.aliases[key]; ok {
		return canonical
	}
	return key
}

// GroupOf returns the canonical group of an ingredient.
func (t *Taxonomy) GroupOf(ingredient string) (string, bool) {
	key := textnorm.LooseKey(ingredient)
	if g, ok := t.ingredients[key]; ok {
		return g, true
	}
	// "amoxicilin trihydrate" still belongs to the amoxicilin group
	for _, w := range strings.Fields(key) {
		if g, ok := t.ingredients[w]; ok {
			return g, true
		}
	}
	return "", false
}

// SearchLabels returns every label under which a catalog may file the group.
func (t *Taxonomy) SearchLabels(canonical string) []string {
	g, ok := t.groups[canonical]
	if !ok {
		return []string{canonical}
	}
	labels := append([]string{g.Name}, g.Aliases...)
	sort.Strings(labels[1:])
	return labels
}

// Indications returns indication keywords for an ingredient's group.
func (t *Taxonomy) Indications(ingredient string) []string {
	canonical, ok := t.GroupOf(ingredient)
	if !ok {
		return nil
	}
	return append([]string(nil), t.groups[canonical].Indications...)
}

// LoadTaxonomy decodes a TaxonomyFile.
func LoadTaxonomy(r io.Reader) (TaxonomyFile, error) {
	var f TaxonomyFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return TaxonomyFile{}, fmt.Errorf("decode taxonomy: %w", err)
	}
	return f, nil
}

// LoadTaxonomyFile reads a taxonomy extension from disk.
func LoadTaxonomyFile(path string) (TaxonomyFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return TaxonomyFile{}, fmt.Errorf("open taxonomy file: %w", err)
	}
	defer f.Close()
	return LoadTaxonomy(f)
}

// DefaultTaxonomy returns the built-in table.
func DefaultTaxonomy() *Taxonomy {
	return NewTaxonomy(
		Group{
			Name:        "NSAID",
			Aliases:     []string{"NSAIDs", "Non-steroidal anti-inflammatory", "Non-steroidal anti-inflammatory drug", "Kháng viêm không steroid", "Chống viêm không steroid", "Thuốc kháng viêm không steroid"},
			Ingredients: []string{"celecoxib", "etoricoxib", "meloxicam", "diclofenac", "ibuprofen", "naproxen", "piroxicam", "ketoprofen", "aceclofenac", "indomethacin", "ketorolac"},
			Indications: []string{"inflammation", "arthritis", "joint pain", "kháng viêm", "viêm khớp", "đau khớp"},
		},
		Group{
			Name:        "Analgesic",
			Aliases:     []string{"Analgesics", "Analgesic antipyretic", "Giảm đau", "Giảm đau hạ sốt", "Hạ sốt"},
			Ingredients: []string{"paracetamol", "acetaminophen"},
			Indications: []string{"fever", "pain", "hạ sốt", "giảm đau", "sốt"},
		},
		Group{
			Name:        "Antibiotic",
			Aliases:     []string{"Antibiotics", "Antibacterial", "Kháng sinh"},
			Ingredients: []string{"amoxicillin", "cefuroxime", "cefixime", "cefadroxil", "cephalexin", "azithromycin", "clarithromycin", "ciprofloxacin", "levofloxacin", "doxycycline", "metronidazole"},
			Indications: []string{"bacterial infection", "infection", "nhiễm khuẩn", "nhiễm trùng"},
		},
		Group{
			Name:        "Antihistamine",
			Aliases:     []string{"Antihistamines", "Kháng histamin", "Chống dị ứng"},
			Ingredients: []string{"loratadine", "desloratadine", "cetirizine", "levocetirizine", "fexofenadine", "chlorpheniramine"},
			Indications: []string{"allergy", "rhinitis", "urticaria", "dị ứng", "mề đay", "viêm mũi dị ứng"},
		},
		Group{
			Name:        "Proton pump inhibitor",
			Aliases:     []string{"PPI", "Ức chế bơm proton"},
			Ingredients: []string{"omeprazole", "esomeprazole", "pantoprazole", "lansoprazole", "rabeprazole"},
			Indications: []string{"reflux", "gastric ulcer", "trào ngược", "loét dạ dày", "viêm dạ dày"},
		},
		Group{
			Name:        "Mucolytic",
			Aliases:     []string{"Expectorant", "Long đờm", "Tiêu đờm"},
			Ingredients: []string{"ambroxol", "bromhexine", "acetylcysteine", "carbocisteine"},
			Indications: []string{"cough", "sputum", "ho", "đờm"},
		},
		Group{
			Name:        "Corticosteroid",
			Aliases:     []string{"Corticoid", "Glucocorticoid"},
			Ingredients: []string{"prednisolone", "methylprednisolone", "dexamethasone", "betamethasone"},
			Indications: []string{"inflammation", "allergy", "kháng viêm"},
		},
		Group{
			Name:        "Antidiabetic",
			Aliases:     []string{"Hạ đường huyết", "Điều trị đái tháo đường"},
			Ingredients: []string{"metformin", "gliclazide", "glimepiride", "sitagliptin"},
			Indications: []string{"diabetes", "đái tháo đường", "tiểu đường"},
		},
		Group{
			Name:        "Antihypertensive",
			Aliases:     []string{"Hạ huyết áp", "Điều trị tăng huyết áp"},
			Ingredients: []string{"amlodipine", "nifedipine", "losartan", "telmisartan", "perindopril", "enalapril", "bisoprolol"},
			Indications: []string{"hypertension", "tăng huyết áp", "cao huyết áp"},
		},
		Group{
			Name:        "Statin",
			Aliases:     []string{"HMG-CoA reductase inhibitor", "Hạ mỡ máu"},
			Ingredients: []string{"atorvastatin", "rosuvastatin", "simvastatin", "pravastatin"},
			Indications: []string{"dyslipidemia", "cholesterol", "mỡ máu"},
		},
	)
}
