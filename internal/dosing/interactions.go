package dosing

import "sort"

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
)

func (s Severity) Valid() bool {
	return s == SeverityMinor || s == SeverityModerate || s == SeverityMajor
}

func (s Severity) rank() int {
	switch s {
	case SeverityMajor:
		return 2
	case SeverityModerate:
		return 1
	}
	return 0
}

type Interaction struct {
	Drugs      [2]string `json:"drugs"`
	Classes    [2]string `json:"classes"`
	Severity   Severity  `json:"severity"`
	Effect     string    `json:"effect"`
	Management string    `json:"management"`
}

// Interactions checks every pair of the given drugs against the class
// rules, most severe first. Drugs without a known class never match, and
// a drug listed twice is not paired with itself.
func (c *Calculator) Interactions(drugs []string) []Interaction {
	seen := make(map[string]bool, len(drugs))
	var names []string
	for _, d := range drugs {
		if k := key(d); k != "" && !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}

	var out []Interaction
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if it, ok := c.pair(names[i], names[j]); ok {
				out = append(out, it)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.rank() > out[j].Severity.rank()
	})
	return out
}

// pair returns the most severe rule matching a and b in either order.
func (c *Calculator) pair(a, b string) (Interaction, bool) {
	var best Interaction
	found := false
	for _, r := range c.rules {
		for _, order := range [2][2]string{{a, b}, {b, a}} {
			if !c.inClass(order[0], r.Classes[0]) || !c.inClass(order[1], r.Classes[1]) {
				continue
			}
			if !found || r.Severity.rank() > best.Severity.rank() {
				best = Interaction{
					Drugs:      order,
					Classes:    r.Classes,
					Severity:   r.Severity,
					Effect:     r.Effect,
					Management: r.Management,
				}
				found = true
			}
		}
	}
	return best, found
}

func (c *Calculator) inClass(drug, class string) bool {
	for _, cl := range c.classes[drug] {
		if cl == class {
			return true
		}
	}
	return false
}

// Classes returns the interaction classes a drug belongs to.
func (c *Calculator) Classes(drug string) []string {
	out := append([]string(nil), c.classes[key(drug)]...)
	sort.Strings(out)
	return out
}
