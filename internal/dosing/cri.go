package dosing

import (
	"fmt"
	"strings"
)

// MaxDisplacement is the share of the bag that added drug volume may take
// before the result is flagged.
const MaxDisplacement = 0.20

var doseUnitToMgPerKgHr = map[string]float64{
	"mg/kg/hr":      1,
	"mg/kg/h":       1,
	"mg/kg/hour":    1,
	"mcg/kg/hr":     1.0 / 1000,
	"mcg/kg/h":      1.0 / 1000,
	"mcg/kg/hour":   1.0 / 1000,
	"mcg/kg/min":    60.0 / 1000,
	"mcg/kg/minute": 60.0 / 1000,
}

var concUnitToMgPerML = map[string]float64{
	"mg/ml":  1,
	"mcg/ml": 1.0 / 1000,
	"%":      10,
}

type InfusionDrug struct {
	Name              string  `json:"name"`
	Dose              float64 `json:"dose"`
	DoseUnit          string  `json:"dose_unit"`
	Concentration     float64 `json:"concentration,omitempty"`
	ConcentrationUnit string  `json:"concentration_unit,omitempty"`
}

type CRIRequest struct {
	Species       string         `json:"species,omitempty"`
	WeightKg      float64        `json:"weight_kg"`
	BagML         float64        `json:"bag_ml"`
	FlowMLPerHr   float64        `json:"flow_ml_per_hr,omitempty"`
	DurationHours float64        `json:"duration_hours,omitempty"`
	Drugs         []InfusionDrug `json:"drugs"`
}

type InfusionLine struct {
	Name          string  `json:"name"`
	MgPerKgPerHr  float64 `json:"mg_per_kg_per_hr"`
	MgPerHr       float64 `json:"mg_per_hr"`
	TotalMg       float64 `json:"total_mg"`
	MgPerML       float64 `json:"mg_per_ml"`
	VolumeToAddML float64 `json:"volume_to_add_ml"`
}

type CRIResult struct {
	RunHours     float64        `json:"run_hours"`
	FlowMLPerHr  float64        `json:"flow_ml_per_hr"`
	Drugs        []InfusionLine `json:"drugs"`
	DrugVolumeML float64        `json:"drug_volume_ml"`
	FinalBagML   float64        `json:"final_bag_ml"`
	Steps        []string       `json:"steps"`
	Warnings     []string       `json:"warnings,omitempty"`
	Interactions []Interaction  `json:"interactions,omitempty"`
}

// CRI works out how much of each drug to add to a fluid bag so that the
// bag, run at the given flow rate, delivers each drug at its per-kg rate
// for the whole run. A missing flow rate is derived from the duration.
func (c *Calculator) CRI(req CRIRequest) (*CRIResult, error) {
	if req.WeightKg <= 0 {
		return nil, invalid("weight must be positive, got %g kg", req.WeightKg)
	}
	if req.BagML <= 0 {
		return nil, invalid("bag volume must be positive, got %g mL", req.BagML)
	}
	if len(req.Drugs) == 0 {
		return nil, invalid("at least one drug is required")
	}

	res := &CRIResult{FlowMLPerHr: req.FlowMLPerHr}
	switch {
	case req.FlowMLPerHr > 0:
	case req.DurationHours > 0:
		res.FlowMLPerHr = req.BagML / req.DurationHours
		res.Steps = append(res.Steps, fmt.Sprintf("Flow rate = %g mL / %g hr = %.2f mL/hr", req.BagML, req.DurationHours, res.FlowMLPerHr))
	default:
		return nil, invalid("a flow rate or a run duration is required")
	}
	res.RunHours = req.BagML / res.FlowMLPerHr
	res.Steps = append(res.Steps, fmt.Sprintf("Run time = %g mL / %.2f mL/hr = %.2f hr", req.BagML, res.FlowMLPerHr, res.RunHours))

	names := make([]string, 0, len(req.Drugs))
	for _, d := range req.Drugs {
		line, steps, err := c.infusionLine(d, req.WeightKg, res.RunHours)
		if err != nil {
			return nil, err
		}
		res.Drugs = append(res.Drugs, line)
		res.Steps = append(res.Steps, steps...)
		res.DrugVolumeML += line.VolumeToAddML
		res.Warnings = append(res.Warnings, c.checkDrug(d.Name, line.MgPerKgPerHr, "mg/kg/hr")...)
		names = append(names, d.Name)
	}

	res.FinalBagML = req.BagML + res.DrugVolumeML
	res.Steps = append(res.Steps,
		fmt.Sprintf("Total drug volume = %.2f mL", res.DrugVolumeML),
		fmt.Sprintf("Final bag volume = %.1f mL", res.FinalBagML))

	if share := res.DrugVolumeML / req.BagML; share > MaxDisplacement {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"Drug volume displaces %.1f%% of the bag; remove that much fluid first or use a stronger stock", share*100))
	}
	res.Warnings = append(res.Warnings, c.checkPatient(req.Species, req.WeightKg)...)
	res.Interactions = c.Interactions(names)
	return res, nil
}

func (c *Calculator) infusionLine(d InfusionDrug, weightKg, runHours float64) (InfusionLine, []string, error) {
	if d.Name == "" {
		return InfusionLine{}, nil, invalid("infusion drug needs a name")
	}
	if d.Dose <= 0 {
		return InfusionLine{}, nil, invalid("%s: dose must be positive", d.Name)
	}
	toRate, ok := doseUnitToMgPerKgHr[normalizeUnit(d.DoseUnit)]
	if !ok {
		return InfusionLine{}, nil, invalid("%s: unsupported dose unit %q", d.Name, d.DoseUnit)
	}

	conc, concUnit := d.Concentration, d.ConcentrationUnit
	if conc <= 0 {
		s, ok := c.stock[key(d.Name)]
		if !ok {
			return InfusionLine{}, nil, invalid("%s: concentration is required", d.Name)
		}
		conc, concUnit = s.Value, s.Unit
	}
	toMgPerML, ok := concUnitToMgPerML[normalizeUnit(concUnit)]
	if !ok {
		return InfusionLine{}, nil, invalid("%s: unsupported concentration unit %q", d.Name, concUnit)
	}

	line := InfusionLine{
		Name:         d.Name,
		MgPerKgPerHr: d.Dose * toRate,
		MgPerML:      conc * toMgPerML,
	}
	line.MgPerHr = line.MgPerKgPerHr * weightKg
	line.TotalMg = line.MgPerHr * runHours
	line.VolumeToAddML = line.TotalMg / line.MgPerML

	var steps []string
	if toRate != 1 {
		steps = append(steps, fmt.Sprintf("%s: %g %s = %.4f mg/kg/hr", d.Name, d.Dose, d.DoseUnit, line.MgPerKgPerHr))
	}
	steps = append(steps,
		fmt.Sprintf("%s: %.4f mg/kg/hr x %g kg = %.3f mg/hr", d.Name, line.MgPerKgPerHr, weightKg, line.MgPerHr),
		fmt.Sprintf("%s: %.3f mg/hr x %.2f hr = %.2f mg", d.Name, line.MgPerHr, runHours, line.TotalMg),
		fmt.Sprintf("%s: %.2f mg / %g mg/mL = %.2f mL to add", d.Name, line.TotalMg, line.MgPerML, line.VolumeToAddML))
	return line, steps, nil
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(u), " ", ""))
	u = strings.NewReplacer("µg", "mcg", "μg", "mcg", "ug/", "mcg/").Replace(u)
	return u
}
