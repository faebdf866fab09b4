// Package dosing holds the clinical arithmetic that sits next to the
// knowledge base: weight-based doses, constant rate infusion bags and
// class-level interaction checks. Results carry their working steps and
// warnings so a caller can show how a number was reached.
package dosing

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTables []byte

const tablesVersion = 1

// ErrInvalidInput marks a request that cannot be calculated at all.
var ErrInvalidInput = errors.New("invalid dosing input")

type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type DoseRange struct {
	Drug string  `yaml:"drug"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Unit string  `yaml:"unit"`
}

type Stock struct {
	Value float64 `yaml:"value"`
	Unit  string  `yaml:"unit"`
}

type InteractionRule struct {
	Classes    [2]string `yaml:"classes"`
	Severity   Severity  `yaml:"severity"`
	Effect     string    `yaml:"effect"`
	Management string    `yaml:"management"`
}

type Tables struct {
	Version             int                 `yaml:"version"`
	SpeciesWeights      map[string]Bounds   `yaml:"species_weights"`
	DoseRanges          []DoseRange         `yaml:"dose_ranges"`
	HighAlert           []string            `yaml:"high_alert"`
	StockConcentrations map[string]Stock    `yaml:"stock_concentrations"`
	Classes             map[string][]string `yaml:"classes"`
	Interactions        []InteractionRule   `yaml:"interactions"`
}

func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse dosing tables: %w", err)
	}
	if t.Version != tablesVersion {
		return nil, fmt.Errorf("unsupported dosing tables version %d (want %d)", t.Version, tablesVersion)
	}
	for _, r := range t.DoseRanges {
		if r.Min <= 0 || r.Max < r.Min {
			return nil, fmt.Errorf("dose range for %q is not a positive interval", r.Drug)
		}
	}
	for _, r := range t.Interactions {
		if !r.Severity.Valid() {
			return nil, fmt.Errorf("interaction %v has unknown severity %q", r.Classes, r.Severity)
		}
		for _, c := range r.Classes {
			if _, ok := t.Classes[c]; !ok {
				return nil, fmt.Errorf("interaction %v names unknown class %q", r.Classes, c)
			}
		}
	}
	return &t, nil
}

type rangeKey struct{ drug, unit string }

// Calculator evaluates requests against a fixed set of tables. It is safe
// for concurrent use.
type Calculator struct {
	weights   map[string]Bounds
	ranges    map[rangeKey]DoseRange
	highAlert map[string]bool
	stock     map[string]Stock
	classes   map[string][]string
	rules     []InteractionRule
}

func New(t *Tables) *Calculator {
	c := &Calculator{
		weights:   make(map[string]Bounds, len(t.SpeciesWeights)),
		ranges:    make(map[rangeKey]DoseRange, len(t.DoseRanges)),
		highAlert: make(map[string]bool, len(t.HighAlert)),
		stock:     make(map[string]Stock, len(t.StockConcentrations)),
		classes:   make(map[string][]string),
		rules:     t.Interactions,
	}
	for species, b := range t.SpeciesWeights {
		c.weights[key(species)] = b
	}
	for _, r := range t.DoseRanges {
		c.ranges[rangeKey{key(r.Drug), r.Unit}] = r
	}
	for _, d := range t.HighAlert {
		c.highAlert[key(d)] = true
	}
	for d, s := range t.StockConcentrations {
		c.stock[key(d)] = s
	}
	for class, drugs := range t.Classes {
		for _, d := range drugs {
			c.classes[key(d)] = append(c.classes[key(d)], class)
		}
	}
	return c
}

// Default returns a Calculator over the embedded tables.
func Default() (*Calculator, error) {
	t, err := ParseTables(defaultTables)
	if err != nil {
		return nil, err
	}
	return New(t), nil
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// checkPatient flags weights outside the species bounds. Unknown species
// are not checked.
func (c *Calculator) checkPatient(species string, weightKg float64) []string {
	b, ok := c.weights[key(species)]
	if !ok {
		return nil
	}
	if weightKg < b.Min || weightKg > b.Max {
		return []string{fmt.Sprintf("Weight %.2f kg is outside the expected %g-%g kg for a %s; confirm the units",
			weightKg, b.Min, b.Max, key(species))}
	}
	return nil
}

func (c *Calculator) checkDrug(drug string, dose float64, unit string) []string {
	var warnings []string
	if r, ok := c.ranges[rangeKey{key(drug), unit}]; ok && (dose < r.Min || dose > r.Max) {
		warnings = append(warnings, fmt.Sprintf("%s: %g %s is outside the usual %g-%g %s",
			drug, dose, unit, r.Min, r.Max, unit))
	}
	if c.highAlert[key(drug)] {
		warnings = append(warnings, fmt.Sprintf("%s is a high-alert drug; have the calculation double-checked", drug))
	}
	return warnings
}
