// Package quality grades a built corpus. Score is pure: the same chunks and
// drugs always produce the same report.
package quality

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/vet-kb/backend/internal/storage/models"
)

const (
	IssueTruncated   = "truncated_sentence"
	IssueEncoding    = "encoding_artifacts"
	IssueDuplicate   = "duplicate_adjacent"
	IssueTooShort    = "too_short"
	IssueRepetitive  = "low_unique_word_ratio"
	minChunkChars    = 50
	maxQuestionMarks = 3
	minUniqueRatio   = 0.5
	minWordsForRatio = 20
)

var (
	danglingEndings = []string{"see", "refer", "continued", "cont", "and", "or", "the", "of", "with"}
	mojibake        = []string{"Ã", "â€", "Â", "ï¿½"}
)

type Weights struct {
	Completeness float64
	Coverage     float64
	Integrity    float64
}

// Band is a grade floor on the 0-100 scale.
type Band struct {
	Min   float64
	Grade string
}

type Config struct {
	Weights Weights
	Bands   []Band
}

func DefaultConfig() Config {
	return Config{
		Weights: Weights{Completeness: 0.4, Coverage: 0.25, Integrity: 0.35},
		Bands: []Band{
			{Min: 90, Grade: "EXCELLENT"},
			{Min: 75, Grade: "GOOD"},
			{Min: 65, Grade: "FAIR"},
			{Min: 0, Grade: "POOR"},
		},
	}
}

type ChunkAssessment struct {
	ChunkID   string   `json:"chunk_id"`
	Issues    []string `json:"issues,omitempty"`
	DrugCount int      `json:"drug_count"`
}

func (a ChunkAssessment) Flagged() bool { return len(a.Issues) > 0 }

// AssessChunks flags structural problems per chunk, in sequence order.
func AssessChunks(chunks []models.Chunk, drugs []models.ValidatedDrug) []ChunkAssessment {
	ordered := append([]models.Chunk(nil), chunks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SequenceIndex < ordered[j].SequenceIndex })

	perChunk := make(map[string]int)
	for _, d := range drugs {
		for _, id := range d.ChunkIDs {
			perChunk[id]++
		}
	}

	out := make([]ChunkAssessment, 0, len(ordered))
	prev := ""
	for _, c := range ordered {
		a := ChunkAssessment{ChunkID: c.ID, DrugCount: perChunk[c.ID]}
		text := strings.TrimSpace(c.Text)
		collapsed := strings.Join(strings.Fields(text), " ")

		if len(text) < minChunkChars {
			a.Issues = append(a.Issues, IssueTooShort)
		}
		if truncated(text) {
			a.Issues = append(a.Issues, IssueTruncated)
		}
		if hasEncodingArtifacts(text) {
			a.Issues = append(a.Issues, IssueEncoding)
		}
		if collapsed != "" && collapsed == prev {
			a.Issues = append(a.Issues, IssueDuplicate)
		}
		if repetitive(text) {
			a.Issues = append(a.Issues, IssueRepetitive)
		}
		prev = collapsed
		out = append(out, a)
	}
	return out
}

func Score(chunks []models.Chunk, drugs []models.ValidatedDrug, cfg Config) models.QualityReport {
	report := models.QualityReport{
		ChunkCount:  len(chunks),
		DrugCount:   len(drugs),
		IssueCounts: models.IssueTally{},
	}

	if len(drugs) > 0 {
		withDose := 0
		for _, d := range drugs {
			if d.HasDosage {
				withDose++
			}
		}
		report.CompletenessScore = ratio(withDose, len(drugs))
	}

	assessments := AssessChunks(chunks, drugs)
	if len(chunks) > 0 {
		bearing, flagged := 0, 0
		for _, a := range assessments {
			if a.DrugCount > 0 {
				bearing++
			}
			if a.Flagged() {
				flagged++
			}
			for _, issue := range a.Issues {
				report.IssueCounts[issue]++
			}
		}
		report.CoverageScore = ratio(bearing, len(chunks))
		report.DrugBearingChunkRatio = report.CoverageScore
		report.FlaggedChunks = flagged
		report.IntegrityScore = 1 - ratio(flagged, len(chunks))
	}

	w := cfg.Weights
	total := w.Completeness + w.Coverage + w.Integrity
	if total > 0 {
		blend := (w.Completeness*report.CompletenessScore + w.Coverage*report.CoverageScore + w.Integrity*report.IntegrityScore) / total
		report.OverallScore = round2(blend * 100)
	}
	report.OverallGrade = Grade(report.OverallScore, cfg.Bands)
	return report
}

// Grade maps a 0-100 score onto the highest band whose floor it reaches.
func Grade(score float64, bands []Band) string {
	sorted := append([]Band(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
	for _, b := range sorted {
		if score >= b.Min {
			return b.Grade
		}
	}
	if len(sorted) > 0 {
		return sorted[len(sorted)-1].Grade
	}
	return ""
}

func truncated(text string) bool {
	if text == "" {
		return true
	}
	if strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…") {
		return true
	}
	words := strings.Fields(text)
	if len(words) < 5 {
		return true
	}
	last := strings.ToLower(strings.TrimFunc(words[len(words)-1], unicode.IsPunct))
	for _, d := range danglingEndings {
		if last == d && !endsWithTerminal(text) {
			return true
		}
	}
	return false
}

func endsWithTerminal(text string) bool {
	r := []rune(text)
	switch r[len(r)-1] {
	case '.', '!', '?', ':', ')', '"', '\'':
		return true
	}
	return false
}

func hasEncodingArtifacts(text string) bool {
	if strings.ContainsRune(text, unicode.ReplacementChar) {
		return true
	}
	for _, m := range mojibake {
		if strings.Contains(text, m) {
			return true
		}
	}
	if strings.Count(text, "?") > maxQuestionMarks {
		return true
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' && r != '\f' {
			return true
		}
	}
	return false
}

func repetitive(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < minWordsForRatio {
		return false
	}
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	return ratio(len(unique), len(words)) < minUniqueRatio
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
