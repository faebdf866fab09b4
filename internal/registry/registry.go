// Package registry aggregates filtered mentions into the ValidatedDrug
// registry. A Registry is owned by one corpus build and passed explicitly;
// once sealed it is read-only and safe to share between goroutines.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vet-kb/backend/internal/storage/models"
)

var ErrSealed = errors.New("registry is sealed")

type entry struct {
	drug  models.ValidatedDrug
	votes map[models.Category]int
	chunk map[string]bool
}

type Registry struct {
	norm    *Normalizer
	vocab   Vocabulary
	entries map[string]*entry
	sealed  bool
}

func New(norm *Normalizer, vocab Vocabulary) *Registry {
	return &Registry{
		norm:    norm,
		vocab:   vocab,
		entries: make(map[string]*entry),
	}
}

// Build aggregates mentions, seals the registry and verifies its invariants.
// The result does not depend on the order of mentions.
func Build(mentions []models.CandidateMention, norm *Normalizer, vocab Vocabulary) (*Registry, error) {
	r := New(norm, vocab)
	for _, m := range mentions {
		if err := r.Add(m); err != nil {
			return nil, err
		}
	}
	r.Seal()
	if err := r.CheckInvariants(mentions); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Add(m models.CandidateMention) error {
	if r.sealed {
		return ErrSealed
	}
	name := r.norm.Normalize(m.SurfaceText)
	if name == "" {
		return nil
	}

	e, ok := r.entries[name]
	if !ok {
		_, confirmed := r.vocab.Category(name)
		e = &entry{
			drug:  models.ValidatedDrug{CanonicalName: name, Confirmed: confirmed},
			votes: make(map[models.Category]int),
			chunk: make(map[string]bool),
		}
		r.entries[name] = e
	}

	e.drug.MentionCount++
	e.drug.HasDosage = e.drug.HasDosage || m.HasDosage
	e.chunk[m.ChunkID] = true
	if m.SuffixClass != "" {
		e.votes[m.SuffixClass]++
	}
	return nil
}

// Seal fixes categories and chunk lists. Further Adds fail.
func (r *Registry) Seal() {
	if r.sealed {
		return
	}
	for name, e := range r.entries {
		if cat, ok := r.vocab.Category(name); ok && cat != "" {
			e.drug.Category = cat
		} else {
			e.drug.Category = majority(e.votes)
		}
		ids := make([]string, 0, len(e.chunk))
		for id := range e.chunk {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		e.drug.ChunkIDs = ids
	}
	r.sealed = true
}

// majority picks the most voted category; ties and no votes give other.
func majority(votes map[models.Category]int) models.Category {
	best, bestVotes, tied := models.CategoryOther, 0, false
	for cat, n := range votes {
		switch {
		case n > bestVotes:
			best, bestVotes, tied = cat, n, false
		case n == bestVotes:
			tied = true
		}
	}
	if tied || bestVotes == 0 {
		return models.CategoryOther
	}
	return best
}

// CheckInvariants recounts mentions and compares them with the registry.
func (r *Registry) CheckInvariants(mentions []models.CandidateMention) error {
	expected := make(map[string]int, len(r.entries))
	for _, m := range mentions {
		if name := r.norm.Normalize(m.SurfaceText); name != "" {
			expected[name]++
		}
	}

	for name, want := range expected {
		e, ok := r.entries[name]
		if !ok {
			return &models.ValidationInconsistency{CanonicalName: name, Expected: want, Actual: 0}
		}
		if e.drug.MentionCount != want {
			return &models.ValidationInconsistency{CanonicalName: name, Expected: want, Actual: e.drug.MentionCount}
		}
	}

	for name, e := range r.entries {
		if _, ok := expected[name]; !ok {
			return &models.ValidationInconsistency{CanonicalName: name, Expected: 0, Actual: e.drug.MentionCount}
		}
		_, inVocab := r.vocab.Category(name)
		if e.drug.Confirmed != inVocab {
			return &models.ValidationInconsistency{
				CanonicalName: name,
				Detail:        fmt.Sprintf("confirmed=%t but vocabulary membership=%t", e.drug.Confirmed, inVocab),
			}
		}
		if r.sealed && !e.drug.Category.Valid() {
			return &models.ValidationInconsistency{
				CanonicalName: name,
				Detail:        fmt.Sprintf("unknown category %q", e.drug.Category),
			}
		}
	}
	return nil
}

// Drugs returns the entries sorted by canonical name.
func (r *Registry) Drugs() []models.ValidatedDrug {
	out := make([]models.ValidatedDrug, 0, len(r.entries))
	for _, e := range r.entries {
		d := e.drug
		d.ChunkIDs = append([]string(nil), e.drug.ChunkIDs...)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Lookup(name string) (models.ValidatedDrug, bool) {
	e, ok := r.entries[r.norm.Normalize(name)]
	if !ok {
		return models.ValidatedDrug{}, false
	}
	return e.drug, true
}

// FindInText returns registry drugs named in text, trying word n-grams up to
// three words long.
func (r *Registry) FindInText(text string) []models.ValidatedDrug {
	words := strings.FieldsFunc(text, func(c rune) bool {
		return !(c == '-' || c == '/' || c == '\'' || isWordRune(c))
	})
	seen := make(map[string]bool)
	var out []models.ValidatedDrug
	for size := 3; size >= 1; size-- {
		for i := 0; i+size <= len(words); i++ {
			name := r.norm.Normalize(strings.Join(words[i:i+size], " "))
			if seen[name] {
				continue
			}
			if e, ok := r.entries[name]; ok {
				seen[name] = true
				out = append(out, e.drug)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out
}

func isWordRune(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c > 127
}

// ChunkDrugs maps each chunk id to the canonical names mentioned in it.
func (r *Registry) ChunkDrugs() map[string][]string {
	out := make(map[string][]string)
	for name, e := range r.entries {
		for id := range e.chunk {
			out[id] = append(out[id], name)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// FromDrugs rebuilds a sealed registry from persisted entries.
func FromDrugs(drugs []models.ValidatedDrug, norm *Normalizer, vocab Vocabulary) (*Registry, error) {
	r := New(norm, vocab)
	for _, d := range drugs {
		name := norm.Normalize(d.CanonicalName)
		if name != d.CanonicalName {
			return nil, &models.ValidationInconsistency{
				CanonicalName: d.CanonicalName,
				Detail:        fmt.Sprintf("stored name normalizes to %q", name),
			}
		}
		if _, dup := r.entries[name]; dup {
			return nil, &models.ValidationInconsistency{CanonicalName: name, Detail: "duplicate entry"}
		}
		if !d.Category.Valid() {
			return nil, &models.ValidationInconsistency{CanonicalName: name, Detail: fmt.Sprintf("unknown category %q", d.Category)}
		}
		e := &entry{drug: d, votes: map[models.Category]int{}, chunk: make(map[string]bool, len(d.ChunkIDs))}
		for _, id := range d.ChunkIDs {
			e.chunk[id] = true
		}
		e.drug.ChunkIDs = append([]string(nil), d.ChunkIDs...)
		r.entries[name] = e
	}
	r.sealed = true
	return r, nil
}

// Handle publishes the registry currently used for queries. Swapping in a
// new registry never disturbs readers of the old one.
type Handle struct {
	current atomic.Pointer[Registry]
}

func NewHandle(r *Registry) *Handle {
	h := &Handle{}
	if r != nil {
		h.current.Store(r)
	}
	return h
}

// Load returns the current registry, or nil when none is loaded.
func (h *Handle) Load() *Registry {
	return h.current.Load()
}

func (h *Handle) Store(r *Registry) {
	h.current.Store(r)
}
