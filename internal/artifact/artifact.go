// Package artifact persists build outputs as versioned JSON envelopes.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/ingestion"
	"github.com/vet-kb/backend/internal/quality"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
)

// SchemaVersion is written into every envelope. Readers accept any minor
// version of the same major.
const SchemaVersion = "1.0"

type Kind string

const (
	KindCorpus   Kind = "corpus"
	KindRegistry Kind = "registry"
	KindReport   Kind = "quality_report"
)

var ErrNotFound = errors.New("artifact not found")

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Kind          Kind            `json:"kind"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Store keeps artifact bytes by name.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

type CorpusPayload struct {
	Document models.Document           `json:"document"`
	Chunks   []models.Chunk            `json:"chunks"`
	Mentions []models.CandidateMention `json:"mentions"`
	Summary  models.RunSummary         `json:"summary"`
}

type RegistryPayload struct {
	RulesVersion int                    `json:"rules_version"`
	Drugs        []models.ValidatedDrug `json:"drugs"`
}

type ReportPayload struct {
	Report      models.QualityReport      `json:"report"`
	Assessments []quality.ChunkAssessment `json:"assessments"`
}

func Encode(kind Kind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return json.MarshalIndent(Envelope{
		SchemaVersion: SchemaVersion,
		Kind:          kind,
		CreatedAt:     time.Now().UTC(),
		Payload:       raw,
	}, "", "  ")
}

// Decode unwraps an envelope of the given kind into out. A different kind or
// major schema version fails with models.ErrSchemaVersion.
func Decode(data []byte, kind Kind, out any) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("failed to parse %s envelope: %w", kind, err)
	}
	if env.Kind != kind {
		return env, fmt.Errorf("%w: expected kind %q, found %q", models.ErrSchemaVersion, kind, env.Kind)
	}
	if major(env.SchemaVersion) != major(SchemaVersion) {
		return env, fmt.Errorf("%w: %s artifact has version %q, reader supports %q",
			models.ErrSchemaVersion, kind, env.SchemaVersion, SchemaVersion)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return env, fmt.Errorf("failed to parse %s payload: %w", kind, err)
	}
	return env, nil
}

func major(version string) string {
	m, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return m
}

// FileName is the object name an artifact kind is stored under.
func FileName(kind Kind) string {
	return string(kind) + ".json"
}

func put(ctx context.Context, s Store, kind Kind, payload any) error {
	data, err := Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, FileName(kind), data); err != nil {
		return fmt.Errorf("failed to store %s: %w", kind, err)
	}
	return nil
}

func get(ctx context.Context, s Store, kind Kind, out any) error {
	data, err := s.Get(ctx, FileName(kind))
	if err != nil {
		return err
	}
	_, err = Decode(data, kind, out)
	return err
}

// SaveCorpus writes the corpus, registry and quality report of one build.
func SaveCorpus(ctx context.Context, s Store, c *ingestion.Corpus, rulesVersion int) error {
	if err := put(ctx, s, KindCorpus, CorpusPayload{
		Document: c.Document,
		Chunks:   c.Chunks,
		Mentions: c.Mentions,
		Summary:  c.Summary,
	}); err != nil {
		return err
	}
	if err := put(ctx, s, KindRegistry, RegistryPayload{RulesVersion: rulesVersion, Drugs: c.Registry.Drugs()}); err != nil {
		return err
	}
	return put(ctx, s, KindReport, ReportPayload{Report: c.Report, Assessments: c.Assessments})
}

func LoadCorpus(ctx context.Context, s Store) (CorpusPayload, error) {
	var p CorpusPayload
	err := get(ctx, s, KindCorpus, &p)
	return p, err
}

func LoadReport(ctx context.Context, s Store) (ReportPayload, error) {
	var p ReportPayload
	err := get(ctx, s, KindReport, &p)
	return p, err
}

// LoadRegistry rebuilds the sealed registry using the normalizer and
// vocabulary of engine.
func LoadRegistry(ctx context.Context, s Store, engine *rules.Engine) (*registry.Registry, error) {
	var p RegistryPayload
	if err := get(ctx, s, KindRegistry, &p); err != nil {
		return nil, err
	}
	norm := registry.NewNormalizer(engine.Synonyms(), engine.SaltForms())
	return registry.FromDrugs(p.Drugs, norm, registry.NewVocabulary(engine.Vocabulary(), norm))
}
