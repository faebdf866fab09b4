package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/vet-kb/backend/internal/storage/models"
)

// Normalizer maps surface forms to canonical drug names: NFKC, case fold,
// punctuation stripped, separators collapsed, trailing salt forms removed,
// then the explicit synonym table. Unlisted variants stay distinct.
type Normalizer struct {
	synonyms map[string]string
	salts    map[string]bool
}

func NewNormalizer(synonyms map[string]string, saltForms []string) *Normalizer {
	n := &Normalizer{
		synonyms: make(map[string]string, len(synonyms)),
		salts:    make(map[string]bool, len(saltForms)),
	}
	for _, s := range saltForms {
		n.salts[clean(s)] = true
	}
	for variant, canonical := range synonyms {
		n.synonyms[n.base(variant)] = n.base(canonical)
	}
	return n
}

func (n *Normalizer) Normalize(s string) string {
	b := n.base(s)
	if c, ok := n.synonyms[b]; ok {
		return c
	}
	return b
}

func (n *Normalizer) base(s string) string {
	words := strings.Fields(clean(s))
	for len(words) > 1 && n.salts[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// clean folds case and reduces punctuation: separators become spaces, other
// symbols are dropped.
func clean(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '/' || r == '_' || r == '+':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Vocabulary is the curated name list keyed by normalized name.
type Vocabulary map[string]models.Category

func NewVocabulary(raw map[string]models.Category, n *Normalizer) Vocabulary {
	v := make(Vocabulary, len(raw))
	for name, cat := range raw {
		v[n.Normalize(name)] = cat
	}
	return v
}

func (v Vocabulary) Category(canonical string) (models.Category, bool) {
	cat, ok := v[canonical]
	return cat, ok
}
