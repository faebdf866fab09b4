package dosing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := Default()
	require.NoError(t, err)
	return c
}

func TestDose(t *testing.T) {
	c := newCalculator(t)

	tests := []struct {
		name         string
		req          DoseRequest
		wantMg       float64
		wantML       float64
		wantWarnings []string
	}{
		{
			name:   "dose and volume",
			req:    DoseRequest{Drug: "Meloxicam", Species: "dog", WeightKg: 10, MgPerKg: 0.2, MgPerML: 1.5},
			wantMg: 2, wantML: 1.3333,
		},
		{
			name:   "no concentration leaves volume empty",
			req:    DoseRequest{Drug: "Meloxicam", WeightKg: 4, MgPerKg: 0.1},
			wantMg: 0.4,
		},
		{
			name:         "dose above the usual range",
			req:          DoseRequest{Drug: "Acepromazine", Species: "dog", WeightKg: 20, MgPerKg: 0.5},
			wantMg:       10,
			wantWarnings: []string{"outside the usual 0.01-0.1 mg/kg"},
		},
		{
			name:         "weight implausible for species",
			req:          DoseRequest{Drug: "Meloxicam", Species: "Cat", WeightKg: 25, MgPerKg: 0.05},
			wantMg:       1.25,
			wantWarnings: []string{"outside the expected 0.3-12 kg for a cat"},
		},
		{
			name:         "high-alert drug in range",
			req:          DoseRequest{Drug: "morphine", Species: "dog", WeightKg: 10, MgPerKg: 0.5},
			wantMg:       5,
			wantWarnings: []string{"high-alert drug"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Dose(tt.req)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantMg, res.TotalMg, 1e-4)
			assert.InDelta(t, tt.wantML, res.VolumeML, 1e-4)
			assert.NotEmpty(t, res.Steps)
			require.Len(t, res.Warnings, len(tt.wantWarnings))
			for i, w := range tt.wantWarnings {
				assert.Contains(t, res.Warnings[i], w)
			}
		})
	}
}

func TestDoseRejectsInvalidInput(t *testing.T) {
	c := newCalculator(t)

	tests := []struct {
		name string
		req  DoseRequest
	}{
		{"missing drug", DoseRequest{WeightKg: 10, MgPerKg: 1}},
		{"zero weight", DoseRequest{Drug: "meloxicam", MgPerKg: 0.1}},
		{"negative dose", DoseRequest{Drug: "meloxicam", WeightKg: 10, MgPerKg: -1}},
		{"negative concentration", DoseRequest{Drug: "meloxicam", WeightKg: 10, MgPerKg: 0.1, MgPerML: -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Dose(tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestCRI(t *testing.T) {
	c := newCalculator(t)

	t.Run("microgram per minute rate with stock concentration", func(t *testing.T) {
		res, err := c.CRI(CRIRequest{
			Species: "dog", WeightKg: 20, BagML: 1000, FlowMLPerHr: 50,
			Drugs: []InfusionDrug{{Name: "Lidocaine", Dose: 50, DoseUnit: "μg/kg/min"}},
		})
		require.NoError(t, err)
		assert.InDelta(t, 20, res.RunHours, 1e-9)
		require.Len(t, res.Drugs, 1)
		line := res.Drugs[0]
		assert.InDelta(t, 3, line.MgPerKgPerHr, 1e-9)
		assert.InDelta(t, 60, line.MgPerHr, 1e-9)
		assert.InDelta(t, 1200, line.TotalMg, 1e-9)
		assert.InDelta(t, 20, line.MgPerML, 1e-9)
		assert.InDelta(t, 60, line.VolumeToAddML, 1e-9)
		assert.InDelta(t, 1060, res.FinalBagML, 1e-9)
		assert.Empty(t, res.Warnings)
		assert.Equal(t, "Final bag volume = 1060.0 mL", res.Steps[len(res.Steps)-1])
	})

	t.Run("flow derived from duration for a three-drug bag", func(t *testing.T) {
		res, err := c.CRI(CRIRequest{
			Species: "dog", WeightKg: 20, BagML: 500, DurationHours: 10,
			Drugs: []InfusionDrug{
				{Name: "Morphine", Dose: 0.1, DoseUnit: "mg/kg/hr"},
				{Name: "Lidocaine", Dose: 3, DoseUnit: "mg/kg/hr", Concentration: 2, ConcentrationUnit: "%"},
				{Name: "Ketamine", Dose: 0.6, DoseUnit: "mg/kg/h", Concentration: 100, ConcentrationUnit: "mg/mL"},
			},
		})
		require.NoError(t, err)
		assert.InDelta(t, 50, res.FlowMLPerHr, 1e-9)
		assert.InDelta(t, 10, res.RunHours, 1e-9)

		want := map[string]float64{"Morphine": 20.0 / 15, "Lidocaine": 30, "Ketamine": 1.2}
		for _, line := range res.Drugs {
			assert.InDelta(t, want[line.Name], line.VolumeToAddML, 1e-6, line.Name)
		}
		assert.InDelta(t, 32.5333, res.DrugVolumeML, 1e-4)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "Morphine is a high-alert drug")
		assert.Empty(t, res.Interactions)
	})

	t.Run("large drug volume is flagged", func(t *testing.T) {
		res, err := c.CRI(CRIRequest{
			WeightKg: 30, BagML: 250, FlowMLPerHr: 10,
			Drugs: []InfusionDrug{{Name: "fentanyl", Dose: 5, DoseUnit: "mcg/kg/hr"}},
		})
		require.NoError(t, err)
		assert.InDelta(t, 75, res.DrugVolumeML, 1e-9)
		assert.Contains(t, res.Warnings, "Drug volume displaces 30.0% of the bag; remove that much fluid first or use a stronger stock")
	})

	t.Run("combined infusion reports interactions", func(t *testing.T) {
		res, err := c.CRI(CRIRequest{
			WeightKg: 10, BagML: 500, FlowMLPerHr: 25,
			Drugs: []InfusionDrug{
				{Name: "Fentanyl", Dose: 3, DoseUnit: "mcg/kg/hr"},
				{Name: "Dexmedetomidine", Dose: 1, DoseUnit: "mcg/kg/hr"},
			},
		})
		require.NoError(t, err)
		require.Len(t, res.Interactions, 1)
		assert.Equal(t, SeverityMajor, res.Interactions[0].Severity)
	})
}

func TestCRIRejectsInvalidInput(t *testing.T) {
	c := newCalculator(t)
	lido := InfusionDrug{Name: "lidocaine", Dose: 2, DoseUnit: "mg/kg/hr"}

	tests := []struct {
		name string
		req  CRIRequest
	}{
		{"zero weight", CRIRequest{BagML: 500, FlowMLPerHr: 10, Drugs: []InfusionDrug{lido}}},
		{"zero bag", CRIRequest{WeightKg: 10, FlowMLPerHr: 10, Drugs: []InfusionDrug{lido}}},
		{"no flow or duration", CRIRequest{WeightKg: 10, BagML: 500, Drugs: []InfusionDrug{lido}}},
		{"no drugs", CRIRequest{WeightKg: 10, BagML: 500, FlowMLPerHr: 10}},
		{"unsupported dose unit", CRIRequest{WeightKg: 10, BagML: 500, FlowMLPerHr: 10,
			Drugs: []InfusionDrug{{Name: "lidocaine", Dose: 2, DoseUnit: "mg/day"}}}},
		{"no concentration and no stock", CRIRequest{WeightKg: 10, BagML: 500, FlowMLPerHr: 10,
			Drugs: []InfusionDrug{{Name: "esmolol", Dose: 50, DoseUnit: "mcg/kg/min"}}}},
		{"unsupported concentration unit", CRIRequest{WeightKg: 10, BagML: 500, FlowMLPerHr: 10,
			Drugs: []InfusionDrug{{Name: "lidocaine", Dose: 2, DoseUnit: "mg/kg/hr", Concentration: 2, ConcentrationUnit: "g/L"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CRI(tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestInteractions(t *testing.T) {
	c := newCalculator(t)

	tests := []struct {
		name  string
		drugs []string
		want  []Interaction
	}{
		{
			name:  "nsaid with corticosteroid",
			drugs: []string{"Meloxicam", "Prednisolone"},
			want: []Interaction{{Drugs: [2]string{"meloxicam", "prednisolone"},
				Classes: [2]string{"nsaid", "corticosteroid"}, Severity: SeverityMajor}},
		},
		{
			name:  "rule orientation does not depend on input order",
			drugs: []string{"furosemide", "enalapril"},
			want: []Interaction{{Drugs: [2]string{"enalapril", "furosemide"},
				Classes: [2]string{"ace_inhibitor", "loop_diuretic"}, Severity: SeverityModerate}},
		},
		{
			name:  "most severe first",
			drugs: []string{"enalapril", "furosemide", "carprofen", "robenacoxib"},
			want: []Interaction{
				{Drugs: [2]string{"carprofen", "robenacoxib"}, Classes: [2]string{"nsaid", "cox2_nsaid"}, Severity: SeverityMajor},
				{Drugs: [2]string{"enalapril", "furosemide"}, Classes: [2]string{"ace_inhibitor", "loop_diuretic"}, Severity: SeverityModerate},
			},
		},
		{
			name:  "azole raises a substrate",
			drugs: []string{"midazolam", "fluconazole"},
			want: []Interaction{{Drugs: [2]string{"fluconazole", "midazolam"},
				Classes: [2]string{"azole_antifungal", "cyp_substrate"}, Severity: SeverityMajor}},
		},
		{
			name:  "same drug twice",
			drugs: []string{"Meloxicam", " meloxicam "},
		},
		{
			name:  "unclassified drugs",
			drugs: []string{"amoxicillin", "maropitant"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Interactions(tt.drugs)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				assert.Equal(t, w.Drugs, got[i].Drugs)
				assert.Equal(t, w.Classes, got[i].Classes)
				assert.Equal(t, w.Severity, got[i].Severity)
				assert.NotEmpty(t, got[i].Management)
			}
		})
	}
}

func TestClasses(t *testing.T) {
	c := newCalculator(t)
	assert.Equal(t, []string{"cyp_substrate", "opioid"}, c.Classes("Fentanyl"))
	assert.Empty(t, c.Classes("maropitant"))
}

func TestParseTablesRejectsBadTables(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"version", "version: 2\n", "unsupported dosing tables version"},
		{"range", "version: 1\ndose_ranges:\n  - {drug: x, min: 2, max: 1, unit: mg/kg}\n", "not a positive interval"},
		{"severity", "version: 1\nclasses: {a: [x]}\ninteractions:\n  - {classes: [a, a], severity: fatal}\n", "unknown severity"},
		{"class", "version: 1\nclasses: {a: [x]}\ninteractions:\n  - {classes: [a, b], severity: minor}\n", "unknown class"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTables([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
