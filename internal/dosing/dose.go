package dosing

import "fmt"

type DoseRequest struct {
	Drug      string  `json:"drug"`
	Species   string  `json:"species,omitempty"`
	WeightKg  float64 `json:"weight_kg"`
	MgPerKg   float64 `json:"mg_per_kg"`
	MgPerML   float64 `json:"mg_per_ml,omitempty"`
	Frequency string  `json:"frequency,omitempty"`
}

type DoseResult struct {
	Drug     string   `json:"drug"`
	TotalMg  float64  `json:"total_mg"`
	VolumeML float64  `json:"volume_ml,omitempty"`
	Steps    []string `json:"steps"`
	Warnings []string `json:"warnings,omitempty"`
}

// Dose computes a single weight-based dose. The volume is only computed
// when a concentration is given.
func (c *Calculator) Dose(req DoseRequest) (*DoseResult, error) {
	if req.Drug == "" {
		return nil, invalid("drug is required")
	}
	if req.WeightKg <= 0 {
		return nil, invalid("weight must be positive, got %g kg", req.WeightKg)
	}
	if req.MgPerKg <= 0 {
		return nil, invalid("dose must be positive, got %g mg/kg", req.MgPerKg)
	}
	if req.MgPerML < 0 {
		return nil, invalid("concentration cannot be negative")
	}

	res := &DoseResult{Drug: req.Drug, TotalMg: req.MgPerKg * req.WeightKg}
	res.Steps = append(res.Steps, fmt.Sprintf("Dose = %g mg/kg x %g kg = %.2f mg", req.MgPerKg, req.WeightKg, res.TotalMg))
	if req.MgPerML > 0 {
		res.VolumeML = res.TotalMg / req.MgPerML
		res.Steps = append(res.Steps, fmt.Sprintf("Volume = %.2f mg / %g mg/mL = %.2f mL", res.TotalMg, req.MgPerML, res.VolumeML))
	}
	if req.Frequency != "" {
		res.Steps = append(res.Steps, "Give "+req.Frequency)
	}

	res.Warnings = append(res.Warnings, c.checkPatient(req.Species, req.WeightKg)...)
	res.Warnings = append(res.Warnings, c.checkDrug(req.Drug, req.MgPerKg, "mg/kg")...)
	return res, nil
}
