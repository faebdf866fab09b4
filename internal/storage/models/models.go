package models

import (
	"strings"
	"time"
)

type Document struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Pages     []Page    `json:"pages"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one page of extracted text. Unreadable pages keep their number so
// the segmenter can report them.
type Page struct {
	Number     int      `json:"number"`
	Blocks     []string `json:"blocks"`
	Unreadable bool     `json:"unreadable,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

func (p Page) Text() string {
	return strings.Join(p.Blocks, "\n")
}

type FocusArea string

const (
	FocusDosage       FocusArea = "dosage_information"
	FocusSafety       FocusArea = "safety_information"
	FocusAdverse      FocusArea = "adverse_effects"
	FocusIndications  FocusArea = "indications"
	FocusPharmacology FocusArea = "pharmacology"
	FocusMonitoring   FocusArea = "monitoring"
	FocusGeneral      FocusArea = "general_medical"
)

func (f FocusArea) Valid() bool {
	switch f {
	case FocusDosage, FocusSafety, FocusAdverse, FocusIndications, FocusPharmacology, FocusMonitoring, FocusGeneral:
		return true
	}
	return false
}

type Chunk struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	PageStart        int       `json:"page_start"`
	PageEnd          int       `json:"page_end"`
	SequenceIndex    int       `json:"sequence_index"`
	SourceDocumentID string    `json:"source_document_id"`
	StartOffset      int       `json:"start_offset"`
	EndOffset        int       `json:"end_offset"`
	FocusArea        FocusArea `json:"focus_area"`
	Species          []string  `json:"species,omitempty"`
}

type PatternKind string

const (
	PatternKnownName  PatternKind = "known-name"
	PatternSuffix     PatternKind = "suffix-match"
	PatternContextCue PatternKind = "context-cue"
)

// Priority orders pattern kinds when several strategies hit the same span.
func (k PatternKind) Priority() int {
	switch k {
	case PatternKnownName:
		return 3
	case PatternSuffix:
		return 2
	case PatternContextCue:
		return 1
	default:
		return 0
	}
}

type Category string

const (
	CategoryAntibiotic     Category = "antibiotic"
	CategoryAntifungal     Category = "antifungal"
	CategoryAnesthetic     Category = "anesthetic/analgesic"
	CategoryCardiovascular Category = "cardiovascular"
	CategoryAntiparasitic  Category = "antiparasitic"
	CategoryHormone        Category = "hormone/steroid"
	CategoryOther          Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryAntibiotic, CategoryAntifungal, CategoryAnesthetic, CategoryCardiovascular,
		CategoryAntiparasitic, CategoryHormone, CategoryOther:
		return true
	}
	return false
}

type CandidateMention struct {
	ChunkID     string      `json:"chunk_id"`
	SurfaceText string      `json:"surface_text"`
	StartOffset int         `json:"start_offset"`
	PatternKind PatternKind `json:"pattern_kind"`
	// SuffixClass is the category hinted by the rule that matched, if any.
	SuffixClass Category `json:"suffix_class,omitempty"`
	HasDosage   bool     `json:"has_dosage,omitempty"`
}

func (m CandidateMention) End() int {
	return m.StartOffset + len(m.SurfaceText)
}

type ValidatedDrug struct {
	CanonicalName string   `json:"canonical_name"`
	MentionCount  int      `json:"mention_count"`
	Category      Category `json:"category"`
	Confirmed     bool     `json:"confirmed"`
	HasDosage     bool     `json:"has_dosage"`
	ChunkIDs      []string `json:"chunk_ids"`
}

type QualityReport struct {
	ChunkCount            int        `json:"chunk_count"`
	DrugCount             int        `json:"drug_count"`
	DrugBearingChunkRatio float64    `json:"drug_bearing_chunk_ratio"`
	CompletenessScore     float64    `json:"completeness_score"`
	CoverageScore         float64    `json:"coverage_score"`
	IntegrityScore        float64    `json:"integrity_score"`
	OverallScore          float64    `json:"overall_score"`
	OverallGrade          string     `json:"overall_grade"`
	FlaggedChunks         int        `json:"flagged_chunks"`
	IssueCounts           IssueTally `json:"issue_counts"`
}

// IssueTally counts flagged chunks by issue kind.
type IssueTally map[string]int

type QueryState string

const (
	StateReceived            QueryState = "received"
	StateEmbedded            QueryState = "embedded"
	StateCandidatesRetrieved QueryState = "candidates_retrieved"
	StateReranked            QueryState = "reranked"
	StateAnswered            QueryState = "answered"
	StateFailed              QueryState = "failed"
)

type QueryRequest struct {
	Query     string    `json:"query"`
	Species   string    `json:"species,omitempty"`
	FocusArea FocusArea `json:"focus_area,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

type QueryResult struct {
	ID                 string       `json:"id"`
	Answer             string       `json:"answer"`
	Confidence         float64      `json:"confidence"`
	SupportingChunkIDs []string     `json:"supporting_chunk_ids"`
	State              QueryState   `json:"state"`
	LowConfidence      bool         `json:"low_confidence"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	Sources            []Source     `json:"sources,omitempty"`
	Trace              []QueryState `json:"trace"`
	LatencyMS          int64        `json:"latency_ms"`
}

// Source is a supporting chunk with its re-rank breakdown.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	Lexical    float64 `json:"lexical"`
	Context    float64 `json:"context"`
	PageStart  int     `json:"page_start"`
	PageEnd    int     `json:"page_end"`
}

type QueryRecord struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id,omitempty"`
	QueryText     string     `json:"query"`
	Answer        string     `json:"answer"`
	Confidence    float64    `json:"confidence"`
	State         QueryState `json:"state"`
	LowConfidence bool       `json:"low_confidence"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ChunkIDs      []string   `json:"chunk_ids"`
	Sources       []Source   `json:"sources,omitempty"`
	LatencyMS     int64      `json:"latency_ms"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Feedback struct {
	ID        int64     `json:"id"`
	QueryID   string    `json:"query_id"`
	Helpful   bool      `json:"helpful"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EvaluationSummary is the aggregate outcome of one evaluation run.
type EvaluationSummary struct {
	ID                string    `json:"id"`
	Dataset           string    `json:"dataset"`
	Cases             int       `json:"cases"`
	HitRate           float64   `json:"hit_rate"`
	MeanConfidence    float64   `json:"mean_confidence"`
	LowConfidenceRate float64   `json:"low_confidence_rate"`
	FailedRate        float64   `json:"failed_rate"`
	CreatedAt         time.Time `json:"created_at"`
}

// RunSummary records the outcome of one corpus build.
type RunSummary struct {
	RunID               string    `json:"run_id"`
	DocumentID          string    `json:"document_id"`
	PagesSkipped        int       `json:"pages_skipped"`
	ChunkCount          int       `json:"chunk_count"`
	ChunksSkipped       int       `json:"chunks_skipped"`
	MentionsDetected    int       `json:"mentions_detected"`
	MentionsAfterFilter int       `json:"mentions_after_filter"`
	DrugCount           int       `json:"drug_count"`
	ConfirmedDrugs      int       `json:"confirmed_drugs"`
	OverallGrade        string    `json:"overall_grade"`
	Errors              []string  `json:"errors,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}
