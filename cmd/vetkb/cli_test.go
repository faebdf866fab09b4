package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vet-kb/backend/internal/app"
	"github.com/vet-kb/backend/internal/dosing"
	"github.com/vet-kb/backend/internal/storage/models"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `
sqlite:
  path: ` + filepath.Join(dir, "vetkb.db") + `
artifacts:
  dir: ` + filepath.Join(dir, "artifacts") + `
llm:
  apiKey: ""
  embeddingDim: 256
indexer:
  requestsPerSec: 0
logging:
  level: error
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"build", "index", "query", "report", "evaluate", "calc"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestBuildQueryReportEvaluate(t *testing.T) {
	cfgPath := writeTestConfig(t)
	dir := t.TempDir()

	source := filepath.Join(dir, "formulary.txt")
	require.NoError(t, os.WriteFile(source, []byte("Acepromazine dose for dogs is 0.05 mg/kg IV."), 0o644))

	out, err := execute(t, "build", source, "--config", cfgPath, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Drugs:    1 (")

	out, err = execute(t, "index", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var stats struct {
		Total   int `json:"total"`
		Indexed int `json:"indexed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, stats.Total, stats.Indexed)

	out, err = execute(t, "query", "Acepromazine", "dose", "for", "dogs", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var result models.QueryResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, models.StateAnswered, result.State)
	assert.Contains(t, result.Answer, "Acepromazine")

	out, err = execute(t, "report", "--config", cfgPath, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Grade: ")
	assert.Contains(t, out, "Flagged chunks: ")

	dataset := filepath.Join(dir, "smoke.json")
	require.NoError(t, os.WriteFile(dataset, []byte(`[
		{"query": "Acepromazine dose for dogs", "expected_drugs": ["acepromazine"], "category": "dosage"}
	]`), 0o644))
	out, err = execute(t, "evaluate", dataset, "--config", cfgPath, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Dataset: smoke")
	assert.Contains(t, out, "Total Queries: 1")
}

func TestQueryRejectsUnknownFocus(t *testing.T) {
	original := openApp
	defer func() { openApp = original }()
	opened := false
	openApp = func(ctx context.Context) (*app.App, error) {
		opened = true
		return original(ctx)
	}

	_, err := execute(t, "query", "meloxicam", "--focus", "pricing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown focus area")
	assert.False(t, opened)

	queryFocus = ""
}

func TestEvaluateMissingDataset(t *testing.T) {
	_, err := execute(t, "evaluate", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open dataset")
}

func TestCalcCommands(t *testing.T) {
	defer func() {
		calcSpecies, calcWeight, calcDrug = "", 0, ""
		calcMgPerKg, calcMgPerML = 0, 0
		calcBag, calcFlow, calcHours, calcInfusion = 0, 0, 0, nil
		jsonOutput = false
	}()

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "dose",
			args: []string{"calc", "dose", "--drug", "acepromazine", "--species", "dog", "--weight", "20", "--mg-per-kg", "0.05", "--mg-per-ml", "10"},
			want: []string{"Dose = 0.05 mg/kg x 20 kg = 1.00 mg", "Volume = 1.00 mg / 10 mg/mL = 0.10 mL"},
		},
		{
			name: "cri",
			args: []string{"calc", "cri", "--weight", "20", "--bag", "1000", "--flow", "50", "--drug", "lidocaine=50 mcg/kg/min@2%"},
			want: []string{"add 60.00 mL (1200.00 mg)", "final bag 1060.0 mL"},
		},
		{
			name: "interactions",
			args: []string{"calc", "interactions", "meloxicam", "prednisolone"},
			want: []string{"[major] meloxicam + prednisolone"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}

	t.Run("rejects a malformed infusion drug", func(t *testing.T) {
		_, err := execute(t, "calc", "cri", "--weight", "20", "--bag", "1000", "--flow", "50", "--drug", "lidocaine=fast")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no leading number")
	})
}

func TestParseInfusionDrug(t *testing.T) {
	tests := []struct {
		raw     string
		want    dosing.InfusionDrug
		wantErr bool
	}{
		{raw: "lidocaine=50 mcg/kg/min", want: dosing.InfusionDrug{Name: "lidocaine", Dose: 50, DoseUnit: "mcg/kg/min"}},
		{raw: " ketamine = 0.6 mg/kg/hr @ 100 mg/mL", want: dosing.InfusionDrug{
			Name: "ketamine", Dose: 0.6, DoseUnit: "mg/kg/hr", Concentration: 100, ConcentrationUnit: "mg/mL"}},
		{raw: "lidocaine=3mg/kg/hr@2%", want: dosing.InfusionDrug{
			Name: "lidocaine", Dose: 3, DoseUnit: "mg/kg/hr", Concentration: 2, ConcentrationUnit: "%"}},
		{raw: "lidocaine", wantErr: true},
		{raw: "=2 mg/kg/hr", wantErr: true},
		{raw: "lidocaine=2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseInfusionDrug(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
