package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vet-kb/backend/internal/storage/models"
)

const minimalRules = `
version: 1
min_token_length: 4
suffix_classes:
  - category: antibiotic
    suffixes: [mycin]
vocabulary:
  - {name: zorbamycin, category: antibiotic}
dosage_patterns:
  - '\d+\s*mg'
`

func TestParseValidates(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "minimal", yaml: minimalRules},
		{name: "wrong version", yaml: "version: 2\ndosage_patterns: ['mg']\n", wantErr: "unsupported rules version"},
		{name: "unknown category", yaml: "version: 1\nsuffix_classes: [{category: vitamin, suffixes: [ol]}]\ndosage_patterns: ['mg']\n", wantErr: "unknown category"},
		{name: "empty vocabulary name", yaml: "version: 1\nvocabulary: [{name: ''}]\ndosage_patterns: ['mg']\n", wantErr: "empty name"},
		{name: "synonym without variants", yaml: "version: 1\nsynonyms: [{canonical: x}]\ndosage_patterns: ['mg']\n", wantErr: "canonical name and variants"},
		{name: "no dosage patterns", yaml: "version: 1\n", wantErr: "no dosage patterns"},
		{name: "malformed yaml", yaml: "version: [", wantErr: "failed to parse rules"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	rs, err := Parse([]byte(minimalRules))
	require.NoError(t, err)
	rs.DosagePatterns = append(rs.DosagePatterns, "(unclosed")

	_, err = Compile(rs)
	assert.ErrorContains(t, err, "invalid dosage pattern")
}

func TestDefaultEngine(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	t.Run("known names", func(t *testing.T) {
		cat, ok := e.KnownName("Acepromazine")
		assert.True(t, ok)
		assert.Equal(t, models.CategoryAnesthetic, cat)

		_, ok = e.KnownName("zorbamycin")
		assert.False(t, ok)
	})

	t.Run("listed variants resolve to their canonical category", func(t *testing.T) {
		tests := []struct {
			name string
			want models.Category
			ok   bool
		}{
			{"TMP-SMX", models.CategoryAntibiotic, true},
			{"amoxicillin/clavulanate", models.CategoryAntibiotic, true},
			{"tiletamine zolazepam", models.CategoryAnesthetic, true},
			{"salbutamol", "", false},
			{"adrenaline", "", false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				cat, ok := e.KnownName(tt.name)
				assert.Equal(t, tt.ok, ok)
				assert.Equal(t, tt.want, cat)
			})
		}
	})

	t.Run("suffix classes keep a root", func(t *testing.T) {
		cat, ok := e.SuffixClass("Zorbamycin")
		assert.True(t, ok)
		assert.Equal(t, models.CategoryAntibiotic, cat)

		cat, ok = e.SuffixClass("milbemycin")
		assert.True(t, ok)
		assert.Equal(t, models.CategoryAntiparasitic, cat, "longest suffix wins")

		_, ok = e.SuffixClass("caine")
		assert.False(t, ok)
	})

	t.Run("dosage and regimen", func(t *testing.T) {
		assert.True(t, e.HasDosage("0.05 mg/kg IV"))
		assert.True(t, e.HasDosage("give 250 mg twice"))
		assert.False(t, e.HasDosage("see page 12"))
		assert.True(t, e.HasRegimen("one tablet PO BID"))
		assert.False(t, e.HasRegimen("the pony was calm"))
	})

	t.Run("treatment cue", func(t *testing.T) {
		assert.True(t, e.TreatmentCueBefore("The dog was treated with "))
		assert.False(t, e.TreatmentCueBefore("The dog was weighed and "))
	})

	t.Run("focus area", func(t *testing.T) {
		assert.Equal(t, models.FocusDosage, e.FocusArea("Dosing: 2 mg/kg PO BID"))
		assert.Equal(t, models.FocusAdverse, e.FocusArea("Side effects include vomiting."))
		assert.Equal(t, models.FocusGeneral, e.FocusArea("Weigh the patient."))
	})

	t.Run("species", func(t *testing.T) {
		assert.Equal(t, []string{"dog", "cat"}, e.Species("Safe in dogs and feline patients."))
		name, ok := e.SpeciesName("Equine")
		assert.True(t, ok)
		assert.Equal(t, "horse", name)
		_, ok = e.SpeciesName("dragon")
		assert.False(t, ok)
	})

	t.Run("expansions", func(t *testing.T) {
		assert.Equal(t, []string{"dose", "dosage", "dosing", "administration", "mg/kg"}, e.Expand([]string{"dose"}))
		assert.Equal(t, []string{"zzz"}, e.Expand([]string{"zzz"}))
	})

	t.Run("stoplists", func(t *testing.T) {
		list, ok := e.Stopped("Dosage")
		assert.True(t, ok)
		assert.Equal(t, "common_words", list)
		_, ok = e.Stopped("acepromazine")
		assert.False(t, ok)
	})
}

func TestIsTOCLike(t *testing.T) {
	e, err := Default()
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"dotted leaders", "Contents\nAcepromazine ........ 12\nAtropine ........ 15\nBupivacaine ........ 18\n", true},
		{"index page numbers", "Index\nAcepromazine 12\nAtropine 15\nBupivacaine 18", true},
		{"prose", "Acepromazine 0.05 mg/kg IV.\nMonitor blood pressure during recovery in all patients.\nReduce the dose in giant breeds.", false},
		{"too short", "Atropine 15\nBupivacaine 18", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsTOCLike(tt.text))
		})
	}
}

func TestHolderReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalRules), 0o644))

	def, err := Default()
	require.NoError(t, err)
	h := NewHolder(def)

	require.NoError(t, h.Reload(path))
	_, ok := h.Get().KnownName("zorbamycin")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("version: 9\n"), 0o644))
	assert.Error(t, h.Reload(path))
	_, ok = h.Get().KnownName("zorbamycin")
	assert.True(t, ok, "a bad file must not replace the loaded rules")
}

func TestHolderNotifiesOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalRules), 0o644))

	def, err := Default()
	require.NoError(t, err)
	h := NewHolder(def)

	var got []*Engine
	h.OnReload(func(e *Engine) { got = append(got, e) })

	tests := []struct {
		name    string
		content string
		wantErr bool
		calls   int
	}{
		{"valid file notifies", minimalRules, false, 1},
		{"invalid file does not", "version: 9\n", true, 1},
		{"next valid file notifies again", minimalRules, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			err := h.Reload(path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			require.Len(t, got, tt.calls)
			assert.Same(t, h.Get(), got[len(got)-1])
		})
	}
}

func TestHolderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\ndosage_patterns: ['mg']\n"), 0o644))

	initial, err := LoadFile(path)
	require.NoError(t, err)
	h := NewHolder(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx, path, zap.NewNop()))

	require.NoError(t, os.WriteFile(path, []byte(minimalRules), 0o644))
	assert.Eventually(t, func() bool {
		_, ok := h.Get().KnownName("zorbamycin")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLoadFileDefaultsWhenPathEmpty(t *testing.T) {
	e, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, SupportedVersion, e.Version())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read rules file")
}
