package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vet-kb/backend/internal/detection/rules"
	"github.com/vet-kb/backend/internal/ingestion"
	"github.com/vet-kb/backend/internal/quality"
	"github.com/vet-kb/backend/internal/registry"
	"github.com/vet-kb/backend/internal/storage/models"
)

func testCorpus(t *testing.T, engine *rules.Engine) *ingestion.Corpus {
	t.Helper()
	norm := registry.NewNormalizer(engine.Synonyms(), engine.SaltForms())
	vocab := registry.NewVocabulary(engine.Vocabulary(), norm)
	reg, err := registry.FromDrugs([]models.ValidatedDrug{{
		CanonicalName: "acepromazine",
		MentionCount:  2,
		Category:      models.CategoryAnesthetic,
		Confirmed:     true,
		HasDosage:     true,
		ChunkIDs:      []string{"c1"},
	}}, norm, vocab)
	require.NoError(t, err)

	chunks := []models.Chunk{{ID: "c1", Text: "Acepromazine 0.05 mg/kg IV in dogs.", PageStart: 1, PageEnd: 1, SourceDocumentID: "doc"}}
	return &ingestion.Corpus{
		Document: models.Document{ID: "doc", Title: "Formulary"},
		Chunks:   chunks,
		Mentions: []models.CandidateMention{
			{ChunkID: "c1", SurfaceText: "Acepromazine", PatternKind: models.PatternKnownName, HasDosage: true},
		},
		Registry:    reg,
		Report:      models.QualityReport{ChunkCount: 1, DrugCount: 1, OverallGrade: "GOOD"},
		Assessments: []quality.ChunkAssessment{{ChunkID: "c1", DrugCount: 1}},
		Summary:     models.RunSummary{RunID: "run-1", DocumentID: "doc", DrugCount: 1},
	}
}

func TestSaveAndLoadCorpus(t *testing.T) {
	ctx := context.Background()
	engine, err := rules.Default()
	require.NoError(t, err)

	store, err := NewDirStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	require.NoError(t, SaveCorpus(ctx, store, testCorpus(t, engine), engine.Version()))

	for _, kind := range []Kind{KindCorpus, KindRegistry, KindReport} {
		_, err := os.Stat(filepath.Join(store.Dir(), FileName(kind)))
		assert.NoError(t, err, kind)
	}

	corpus, err := LoadCorpus(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "doc", corpus.Document.ID)
	require.Len(t, corpus.Chunks, 1)
	assert.Equal(t, "c1", corpus.Chunks[0].ID)
	assert.Equal(t, "run-1", corpus.Summary.RunID)

	reg, err := LoadRegistry(ctx, store, engine)
	require.NoError(t, err)
	drug, ok := reg.Lookup("acepromazine")
	require.True(t, ok)
	assert.Equal(t, 2, drug.MentionCount)
	assert.True(t, drug.Confirmed)
	assert.Equal(t, []string{"c1"}, drug.ChunkIDs)

	report, err := LoadReport(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, "GOOD", report.Report.OverallGrade)
	assert.Len(t, report.Assessments, 1)
}

func TestDecode(t *testing.T) {
	envelope := func(version string, kind Kind) []byte {
		data, err := json.Marshal(Envelope{SchemaVersion: version, Kind: kind, Payload: json.RawMessage(`{"rules_version":3}`)})
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name       string
		data       []byte
		wantSchema bool
		wantErr    bool
	}{
		{name: "current version", data: envelope(SchemaVersion, KindRegistry)},
		{name: "newer minor", data: envelope("1.7", KindRegistry)},
		{name: "newer major", data: envelope("2.0", KindRegistry), wantErr: true, wantSchema: true},
		{name: "wrong kind", data: envelope(SchemaVersion, KindReport), wantErr: true, wantSchema: true},
		{name: "not json", data: []byte("{"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p RegistryPayload
			_, err := Decode(tt.data, KindRegistry, &p)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, 3, p.RulesVersion)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantSchema, errors.Is(err, models.ErrSchemaVersion))
			assert.Equal(t, tt.wantSchema, models.IsFatal(err))
		})
	}
}

func TestEncodeStampsEnvelope(t *testing.T) {
	data, err := Encode(KindReport, ReportPayload{Report: models.QualityReport{OverallGrade: "FAIR"}})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, KindReport, env.Kind)
	assert.False(t, env.CreatedAt.IsZero())
}

func TestDirStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "registry.json")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "registry.json", []byte("one")))
	require.NoError(t, store.Put(ctx, "registry.json", []byte("two")))
	data, err := store.Get(ctx, "registry.json")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	for _, bad := range []string{"", "..", "../escape.json", "nested/file.json"} {
		assert.Error(t, store.Put(ctx, bad, []byte("x")), bad)
	}
}

func TestLoadMissingArtifact(t *testing.T) {
	engine, err := rules.Default()
	require.NoError(t, err)
	store, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	_, err = LoadRegistry(context.Background(), store, engine)
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeObjects struct {
	exists  bool
	made    []string
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	f.exists = true
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _, name string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[name] = buf.Bytes()
	f.types[name] = opts.ContentType
	return minio.UploadInfo{Key: name, Size: int64(buf.Len())}, nil
}

func (f *fakeObjects) GetObject(context.Context, string, string, minio.GetObjectOptions) (*minio.Object, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeObjects) StatObject(_ context.Context, _, name string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if _, ok := f.objects[name]; !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey"}
	}
	return minio.ObjectInfo{Key: name}, nil
}

func TestMinIOStore(t *testing.T) {
	ctx := context.Background()
	api := &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
	store := newMinIOStore(api, MinIOOptions{Bucket: "vet-kb", Prefix: "builds/latest"}, nil)

	require.NoError(t, store.ensureBucket(ctx))
	require.NoError(t, store.ensureBucket(ctx))
	assert.Equal(t, []string{"vet-kb"}, api.made, "bucket is created once")

	require.NoError(t, store.Put(ctx, "registry.json", []byte(`{}`)))
	assert.Equal(t, []byte(`{}`), api.objects["builds/latest/registry.json"])
	assert.Equal(t, "application/json", api.types["builds/latest/registry.json"])

	_, err := store.Get(ctx, "report.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, "registry.json")
	assert.True(t, models.IsRetryable(err))
}
