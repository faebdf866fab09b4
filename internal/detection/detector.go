// Package detection finds candidate drug-name mentions in chunks and
// filters out false positives. All rules come from a compiled rules.Engine.
package detection

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/storage/models"
)

const (
	dosageWindowAfter  = 100
	dosageWindowBefore = 40
	cueLookback        = 40
	maxCueGap          = 16
)

type Detector struct {
	engine *rules.Engine
}

func NewDetector(engine *rules.Engine) *Detector {
	return &Detector{engine: engine}
}

type span struct{ start, end int }

// Detect returns every candidate in the chunk. A span hit by several
// strategies yields one mention carrying the highest-priority kind.
func (d *Detector) Detect(chunk models.Chunk) ([]models.CandidateMention, error) {
	if chunk.ID == "" {
		return nil, &models.DetectionError{ChunkID: chunk.ID, Reason: "missing chunk id"}
	}
	if !utf8.ValidString(chunk.Text) {
		return nil, &models.DetectionError{ChunkID: chunk.ID, Reason: "text is not valid UTF-8"}
	}

	text := chunk.Text
	dosage := d.engine.DosageSpans(text)
	found := make(map[span]*models.CandidateMention)

	add := func(start, end int, kind models.PatternKind, class models.Category) {
		key := span{start, end}
		if m, ok := found[key]; ok {
			if kind.Priority() > m.PatternKind.Priority() {
				m.PatternKind = kind
				m.SuffixClass = class
			} else if m.SuffixClass == "" {
				m.SuffixClass = class
			}
			return
		}
		found[key] = &models.CandidateMention{
			ChunkID:     chunk.ID,
			SurfaceText: text[start:end],
			StartOffset: start,
			PatternKind: kind,
			SuffixClass: class,
			HasDosage:   nearDosage(dosage, start, end),
		}
	}

	for _, tok := range rules.Tokenize(text) {
		for _, t := range splitHyphenated(tok) {
			d.matchToken(text, t, dosage, add)
		}
	}

	for _, p := range d.engine.PhraseSpans(text) {
		cat, _ := d.engine.KnownName(p.Name)
		add(p.Start, p.End, models.PatternKnownName, cat)
	}

	mentions := make([]models.CandidateMention, 0, len(found))
	for _, m := range found {
		mentions = append(mentions, *m)
	}
	sortMentions(mentions)
	return mentions, nil
}

func (d *Detector) matchToken(text string, tok rules.Token, dosage [][2]int,
	add func(start, end int, kind models.PatternKind, class models.Category)) {
	if utf8.RuneCountInString(tok.Text) < d.engine.MinTokenLength() {
		return
	}

	if cat, ok := d.engine.KnownName(tok.Text); ok {
		add(tok.Start, tok.End, models.PatternKnownName, cat)
	}
	if cat, ok := d.engine.SuffixClass(tok.Text); ok {
		add(tok.Start, tok.End, models.PatternSuffix, cat)
	}
	// Capitalization says nothing at the start of a sentence.
	if isCapitalized(tok.Text) && !sentenceInitial(text, tok.Start) &&
		(doseFollows(text, tok.End, dosage) || d.cuePrecedes(text, tok.Start)) {
		add(tok.Start, tok.End, models.PatternContextCue, "")
	}
}

func (d *Detector) cuePrecedes(text string, start int) bool {
	from := start - cueLookback
	if from < 0 {
		from = 0
	}
	return d.engine.TreatmentCueBefore(text[from:start])
}

// splitHyphenated yields the token itself and, for hyphenated tokens, each part.
func splitHyphenated(tok rules.Token) []rules.Token {
	if !strings.Contains(tok.Text, "-") {
		return []rules.Token{tok}
	}
	out := []rules.Token{tok}
	offset := tok.Start
	for _, part := range strings.Split(tok.Text, "-") {
		if part != "" {
			out = append(out, rules.Token{Text: part, Start: offset, End: offset + len(part)})
		}
		offset += len(part) + 1
	}
	return out
}

// sentenceInitial reports whether the token at start opens the text, a line
// or a sentence, ignoring spaces and opening quotes or brackets.
func sentenceInitial(text string, start int) bool {
	prefix := strings.TrimRight(text[:start], " \t\"'([")
	if prefix == "" {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(prefix)
	return strings.ContainsRune(".:;!?\n\r•", r)
}

func isCapitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

// doseFollows reports a numeric dose starting within a couple of words after end.
func doseFollows(text string, end int, dosage [][2]int) bool {
	for _, d := range dosage {
		if d[0] < end {
			continue
		}
		gap := text[end:d[0]]
		return len(gap) <= maxCueGap && len(strings.Fields(gap)) <= 2 && !strings.ContainsAny(gap, ";\n")
	}
	return false
}

func nearDosage(dosage [][2]int, start, end int) bool {
	for _, d := range dosage {
		if d[0] >= end && d[0]-end <= dosageWindowAfter {
			return true
		}
		if d[1] <= start && start-d[1] <= dosageWindowBefore {
			return true
		}
	}
	return false
}

func sortMentions(ms []models.CandidateMention) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.ChunkID != b.ChunkID {
			return a.ChunkID < b.ChunkID
		}
		if a.StartOffset != b.StartOffset {
			return a.StartOffset < b.StartOffset
		}
		if a.End() != b.End() {
			return a.End() > b.End()
		}
		return a.PatternKind.Priority() > b.PatternKind.Priority()
	})
}
