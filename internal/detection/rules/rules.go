// Package rules holds the declarative detection tables (suffix classes,
// vocabulary, stoplists, synonyms, dosage and context patterns) and the
// compiled Engine that evaluates them.
package rules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vet-kb/backend/internal/storage/models"
)

//go:embed default.yaml
var defaultRules []byte

const SupportedVersion = 1

type Ruleset struct {
	Version         int                 `yaml:"version"`
	MinTokenLength  int                 `yaml:"min_token_length"`
	SuffixClasses   []SuffixClass       `yaml:"suffix_classes"`
	Vocabulary      []VocabularyEntry   `yaml:"vocabulary"`
	Synonyms        []Synonym           `yaml:"synonyms"`
	SaltForms       []string            `yaml:"salt_forms"`
	Stoplists       map[string][]string `yaml:"stoplists"`
	DosagePatterns  []string            `yaml:"dosage_patterns"`
	RegimenPatterns []string            `yaml:"regimen_patterns"`
	TreatmentCues   []string            `yaml:"treatment_cues"`
	FocusAreas      []FocusRule         `yaml:"focus_areas"`
	Species         []SpeciesRule       `yaml:"species"`
	QueryExpansions map[string][]string `yaml:"query_expansions"`
	TOC             TOCRule             `yaml:"toc"`
}

type SuffixClass struct {
	Category models.Category `yaml:"category"`
	Suffixes []string        `yaml:"suffixes"`
}

type VocabularyEntry struct {
	Name     string          `yaml:"name"`
	Category models.Category `yaml:"category"`
}

type Synonym struct {
	Canonical string   `yaml:"canonical"`
	Variants  []string `yaml:"variants"`
}

type FocusRule struct {
	Area     models.FocusArea `yaml:"area"`
	Keywords []string         `yaml:"keywords"`
}

type SpeciesRule struct {
	Name  string   `yaml:"name"`
	Terms []string `yaml:"terms"`
}

type TOCRule struct {
	MinLines          int      `yaml:"min_lines"`
	NumberedLineRatio float64  `yaml:"numbered_line_ratio"`
	MaxWordsPerLine   int      `yaml:"max_words_per_line"`
	Markers           []string `yaml:"markers"`
}

func Parse(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *Ruleset) Validate() error {
	if rs.Version != SupportedVersion {
		return fmt.Errorf("unsupported rules version %d (want %d)", rs.Version, SupportedVersion)
	}
	for _, sc := range rs.SuffixClasses {
		if !sc.Category.Valid() {
			return fmt.Errorf("suffix class has unknown category %q", sc.Category)
		}
	}
	for _, v := range rs.Vocabulary {
		if v.Name == "" {
			return fmt.Errorf("vocabulary entry with empty name")
		}
		if v.Category != "" && !v.Category.Valid() {
			return fmt.Errorf("vocabulary entry %q has unknown category %q", v.Name, v.Category)
		}
	}
	for _, s := range rs.Synonyms {
		if s.Canonical == "" || len(s.Variants) == 0 {
			return fmt.Errorf("synonym entry %q needs a canonical name and variants", s.Canonical)
		}
	}
	if len(rs.DosagePatterns) == 0 {
		return fmt.Errorf("rules define no dosage patterns")
	}
	return nil
}

// DefaultRuleset returns the embedded rule tables.
func DefaultRuleset() (*Ruleset, error) {
	return Parse(defaultRules)
}

func Default() (*Engine, error) {
	rs, err := DefaultRuleset()
	if err != nil {
		return nil, err
	}
	return Compile(rs)
}

// LoadFile compiles the rules at path, or the embedded defaults when path is empty.
func LoadFile(path string) (*Engine, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Compile(rs)
}
