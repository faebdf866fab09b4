package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vet-kb/backend/internal/storage/models"
)

var (
	tokenPattern   = regexp.MustCompile(`\p{L}[\p{L}\p{N}-]*[\p{L}\p{N}]`)
	wordPattern    = regexp.MustCompile(`[\p{L}\p{N}]+`)
	trailingNumber = regexp.MustCompile(`(?:\.{2,}|\s)\s*\d{1,4}\s*$`)
	leaderDots     = regexp.MustCompile(`\.{3,}`)
)

// Token is a word-like span of text with byte offsets.
type Token struct {
	Text  string
	Start int
	End   int
}

func Tokenize(text string) []Token {
	locs := tokenPattern.FindAllStringIndex(text, -1)
	tokens := make([]Token, 0, len(locs))
	for _, loc := range locs {
		tokens = append(tokens, Token{Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
	}
	return tokens
}

// Words returns the lower-cased alphanumeric words of text.
func Words(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

type suffixRule struct {
	suffix   string
	category models.Category
}

type phraseRule struct {
	area     models.FocusArea
	keywords []string
}

type speciesRule struct {
	name  string
	terms map[string]bool
}

// Engine is an immutable, compiled Ruleset. It is safe for concurrent use.
type Engine struct {
	version    int
	minToken   int
	suffixes   []suffixRule
	vocab      map[string]models.Category
	phrases    []string
	phraseRes  []*regexp.Regexp
	stop       map[string]string
	synonyms   map[string]string
	saltForms  []string
	dosage     []*regexp.Regexp
	regimen    []*regexp.Regexp
	cues       []*regexp.Regexp
	focus      []phraseRule
	species    []speciesRule
	expansions map[string][]string
	toc        TOCRule
}

func Compile(rs *Ruleset) (*Engine, error) {
	e := &Engine{
		version:    rs.Version,
		minToken:   rs.MinTokenLength,
		vocab:      make(map[string]models.Category, len(rs.Vocabulary)),
		stop:       make(map[string]string),
		synonyms:   make(map[string]string),
		expansions: make(map[string][]string, len(rs.QueryExpansions)),
		toc:        rs.TOC,
	}
	if e.minToken <= 0 {
		e.minToken = 4
	}
	if e.toc.MinLines <= 0 {
		e.toc.MinLines = 3
	}
	if e.toc.NumberedLineRatio <= 0 {
		e.toc.NumberedLineRatio = 0.5
	}
	if e.toc.MaxWordsPerLine <= 0 {
		e.toc.MaxWordsPerLine = 8
	}

	for _, sc := range rs.SuffixClasses {
		for _, s := range sc.Suffixes {
			e.suffixes = append(e.suffixes, suffixRule{suffix: strings.ToLower(s), category: sc.Category})
		}
	}
	sort.SliceStable(e.suffixes, func(i, j int) bool {
		return len(e.suffixes[i].suffix) > len(e.suffixes[j].suffix)
	})

	for _, v := range rs.Vocabulary {
		name := strings.ToLower(strings.TrimSpace(v.Name))
		cat := v.Category
		if cat == "" {
			cat = models.CategoryOther
		}
		e.vocab[name] = cat
	}

	for _, syn := range rs.Synonyms {
		canonical := strings.ToLower(strings.TrimSpace(syn.Canonical))
		for _, v := range syn.Variants {
			e.synonyms[strings.ToLower(strings.TrimSpace(v))] = canonical
		}
	}
	if err := e.compilePhrases(); err != nil {
		return nil, err
	}

	lists := make([]string, 0, len(rs.Stoplists))
	for name := range rs.Stoplists {
		lists = append(lists, name)
	}
	sort.Strings(lists)
	for _, list := range lists {
		for _, term := range rs.Stoplists[list] {
			term = strings.ToLower(strings.TrimSpace(term))
			if _, seen := e.stop[term]; !seen {
				e.stop[term] = list
			}
		}
	}

	for _, s := range rs.SaltForms {
		e.saltForms = append(e.saltForms, strings.ToLower(s))
	}

	var err error
	if e.dosage, err = compileAll("dosage", rs.DosagePatterns); err != nil {
		return nil, err
	}
	if e.regimen, err = compileAll("regimen", rs.RegimenPatterns); err != nil {
		return nil, err
	}
	if e.cues, err = compileAll("treatment cue", rs.TreatmentCues); err != nil {
		return nil, err
	}

	for _, f := range rs.FocusAreas {
		kw := make([]string, 0, len(f.Keywords))
		for _, k := range f.Keywords {
			kw = append(kw, strings.ToLower(k))
		}
		e.focus = append(e.focus, phraseRule{area: f.Area, keywords: kw})
	}
	for _, s := range rs.Species {
		terms := make(map[string]bool, len(s.Terms))
		for _, t := range s.Terms {
			terms[strings.ToLower(t)] = true
		}
		e.species = append(e.species, speciesRule{name: s.Name, terms: terms})
	}
	for k, v := range rs.QueryExpansions {
		e.expansions[strings.ToLower(k)] = v
	}

	return e, nil
}

// compilePhrases builds the multi-word matchers for vocabulary names and for
// synonym variants of known names. Names that differ only in their word
// separators share one matcher.
func (e *Engine) compilePhrases() error {
	var names []string
	for name := range e.vocab {
		names = append(names, name)
	}
	for variant, canonical := range e.synonyms {
		if _, ok := e.vocab[canonical]; ok {
			names = append(names, variant)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	seen := make(map[string]bool)
	for _, name := range names {
		if !strings.ContainsAny(name, " /") {
			continue
		}
		parts := strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == '/' })
		for i := range parts {
			parts[i] = regexp.QuoteMeta(parts[i])
		}
		pattern := `(?i)\b` + strings.Join(parts, `[\s/-]+`) + `\b`
		if seen[pattern] {
			continue
		}
		seen[pattern] = true
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid vocabulary phrase %q: %w", name, err)
		}
		e.phrases = append(e.phrases, name)
		e.phraseRes = append(e.phraseRes, re)
	}
	return nil
}

func compileAll(kind string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (e *Engine) Version() int        { return e.version }
func (e *Engine) MinTokenLength() int { return e.minToken }

// KnownName reports whether name, or the canonical name it is a listed
// variant of, is in the curated vocabulary.
func (e *Engine) KnownName(name string) (models.Category, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if cat, ok := e.vocab[lower]; ok {
		return cat, true
	}
	if canonical, ok := e.synonyms[lower]; ok {
		cat, ok := e.vocab[canonical]
		return cat, ok
	}
	return "", false
}

// Phrases returns the multi-word vocabulary names and variants, longest first.
func (e *Engine) Phrases() []string {
	return e.phrases
}

// PhraseMatch is a multi-word vocabulary hit.
type PhraseMatch struct {
	Name  string
	Start int
	End   int
}

// PhraseSpans finds multi-word vocabulary names in text, tolerating
// whitespace, slash and hyphen variants between the words.
func (e *Engine) PhraseSpans(text string) []PhraseMatch {
	var out []PhraseMatch
	for i, re := range e.phraseRes {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, PhraseMatch{Name: e.phrases[i], Start: loc[0], End: loc[1]})
		}
	}
	return out
}

// Vocabulary returns a copy of the curated names and their categories.
func (e *Engine) Vocabulary() map[string]models.Category {
	out := make(map[string]models.Category, len(e.vocab))
	for k, v := range e.vocab {
		out[k] = v
	}
	return out
}

func (e *Engine) Synonyms() map[string]string {
	out := make(map[string]string, len(e.synonyms))
	for k, v := range e.synonyms {
		out[k] = v
	}
	return out
}

func (e *Engine) SaltForms() []string {
	return append([]string(nil), e.saltForms...)
}

// SuffixClass returns the category of the longest suffix token ends with.
// The token must keep a root of at least two letters in front of the suffix.
func (e *Engine) SuffixClass(token string) (models.Category, bool) {
	lower := strings.ToLower(token)
	for _, s := range e.suffixes {
		if len(lower) >= len(s.suffix)+2 && strings.HasSuffix(lower, s.suffix) {
			return s.category, true
		}
	}
	return "", false
}

// Stopped reports the stoplist containing term, if any.
func (e *Engine) Stopped(term string) (string, bool) {
	list, ok := e.stop[strings.ToLower(strings.TrimSpace(term))]
	return list, ok
}

// DosageSpans returns the numeric dose matches in text, ordered by start.
func (e *Engine) DosageSpans(text string) [][2]int {
	var spans [][2]int
	for _, re := range e.dosage {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, [2]int{loc[0], loc[1]})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] > spans[j][1]
	})
	return spans
}

func (e *Engine) HasDosage(text string) bool {
	for _, re := range e.dosage {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// HasRegimen reports a route or frequency marker such as PO or BID.
func (e *Engine) HasRegimen(text string) bool {
	for _, re := range e.regimen {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// TreatmentCueBefore reports whether prefix ends with a treatment phrase.
func (e *Engine) TreatmentCueBefore(prefix string) bool {
	for _, re := range e.cues {
		if re.MatchString(prefix) {
			return true
		}
	}
	return false
}

// FocusArea classifies text by keyword hits. Ties go to the area declared first.
func (e *Engine) FocusArea(text string) models.FocusArea {
	lower := strings.ToLower(text)
	best, bestHits := models.FocusGeneral, 0
	for _, f := range e.focus {
		hits := 0
		for _, kw := range f.keywords {
			hits += strings.Count(lower, kw)
		}
		if hits > bestHits {
			best, bestHits = f.area, hits
		}
	}
	return best
}

func (e *Engine) Species(text string) []string {
	words := Words(text)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}
	var out []string
	for _, s := range e.species {
		for term := range s.terms {
			if seen[term] {
				out = append(out, s.name)
				break
			}
		}
	}
	return out
}

// SpeciesName maps a species term such as "canine" to its rule name.
func (e *Engine) SpeciesName(term string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(term))
	for _, s := range e.species {
		if s.name == lower || s.terms[lower] {
			return s.name, true
		}
	}
	return "", false
}

// Expand returns terms plus their clinical expansions, without duplicates.
func (e *Engine) Expand(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	add := func(t string) {
		t = strings.ToLower(t)
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range terms {
		add(t)
	}
	for _, t := range terms {
		for _, x := range e.expansions[strings.ToLower(t)] {
			add(x)
		}
	}
	return out
}

// IsTOCLike reports whether text looks like a table of contents or index:
// short lines that mostly end in page numbers.
func (e *Engine) IsTOCLike(text string) bool {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < e.toc.MinLines {
		return false
	}

	numbered, short := 0, 0
	for _, l := range lines {
		if trailingNumber.MatchString(l) || leaderDots.MatchString(l) {
			numbered++
		}
		if len(strings.Fields(l)) <= e.toc.MaxWordsPerLine {
			short++
		}
	}
	ratio := float64(numbered) / float64(len(lines))
	if ratio >= e.toc.NumberedLineRatio && short*2 >= len(lines) {
		return true
	}

	head := strings.ToLower(strings.TrimSpace(lines[0]))
	for _, m := range e.toc.Markers {
		if head == m && ratio >= e.toc.NumberedLineRatio/2 {
			return true
		}
	}
	return false
}
