package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vet-kb/backend/internal/dosing"
)

var (
	calcSpecies  string
	calcWeight   float64
	calcDrug     string
	calcMgPerKg  float64
	calcMgPerML  float64
	calcBag      float64
	calcFlow     float64
	calcHours    float64
	calcInfusion []string
)

var calcCmd = &cobra.Command{
	Use:   "calc",
	Short: "Dose, infusion and interaction calculators",
}

var calcDoseCmd = &cobra.Command{
	Use:   "dose",
	Short: "Weight-based dose and volume",
	Args:  cobra.NoArgs,
	RunE:  runCalcDose,
}

const calcCRIExample = `  vetkb calc cri --weight 20 --bag 1000 --flow 50 --drug "lidocaine=50 mcg/kg/min"
  vetkb calc cri --weight 8 --bag 250 --hours 24 --drug "ketamine=0.6 mg/kg/hr@100 mg/mL"`

var calcCRICmd = &cobra.Command{
	Use:     "cri",
	Short:   "Constant rate infusion bag",
	Example: calcCRIExample,
	Args:    cobra.NoArgs,
	RunE:    runCalcCRI,
}

var calcInteractionsCmd = &cobra.Command{
	Use:   "interactions [drug] [drug]...",
	Short: "Check drugs for class-level interactions",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCalcInteractions,
}

func init() {
	for _, cmd := range []*cobra.Command{calcDoseCmd, calcCRICmd} {
		cmd.Flags().StringVarP(&calcSpecies, "species", "s", "", "patient species, used to sanity check the weight")
		cmd.Flags().Float64VarP(&calcWeight, "weight", "w", 0, "patient weight in kg")
	}
	calcDoseCmd.Flags().StringVar(&calcDrug, "drug", "", "drug name")
	calcDoseCmd.Flags().Float64Var(&calcMgPerKg, "mg-per-kg", 0, "dose in mg/kg")
	calcDoseCmd.Flags().Float64Var(&calcMgPerML, "mg-per-ml", 0, "product concentration in mg/mL")

	calcCRICmd.Flags().Float64Var(&calcBag, "bag", 0, "fluid bag volume in mL")
	calcCRICmd.Flags().Float64Var(&calcFlow, "flow", 0, "flow rate in mL/hr")
	calcCRICmd.Flags().Float64Var(&calcHours, "hours", 0, "run duration in hours, when no flow rate is given")
	calcCRICmd.Flags().StringArrayVar(&calcInfusion, "drug", nil, `infusion drug as "name=dose unit[@concentration unit]"`)

	calcCmd.AddCommand(calcDoseCmd, calcCRICmd, calcInteractionsCmd)
	rootCmd.AddCommand(calcCmd)
}

func runCalcDose(cmd *cobra.Command, _ []string) error {
	calc, err := dosing.Default()
	if err != nil {
		return err
	}
	res, err := calc.Dose(dosing.DoseRequest{
		Drug:     calcDrug,
		Species:  calcSpecies,
		WeightKg: calcWeight,
		MgPerKg:  calcMgPerKg,
		MgPerML:  calcMgPerML,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, res)
	}
	printSteps(cmd, res.Steps, res.Warnings)
	return nil
}

func runCalcCRI(cmd *cobra.Command, _ []string) error {
	drugs := make([]dosing.InfusionDrug, 0, len(calcInfusion))
	for _, raw := range calcInfusion {
		d, err := parseInfusionDrug(raw)
		if err != nil {
			return err
		}
		drugs = append(drugs, d)
	}

	calc, err := dosing.Default()
	if err != nil {
		return err
	}
	res, err := calc.CRI(dosing.CRIRequest{
		Species:       calcSpecies,
		WeightKg:      calcWeight,
		BagML:         calcBag,
		FlowMLPerHr:   calcFlow,
		DurationHours: calcHours,
		Drugs:         drugs,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, res)
	}

	for _, line := range res.Drugs {
		cmd.Printf("%-16s add %.2f mL (%.2f mg)\n", line.Name, line.VolumeToAddML, line.TotalMg)
	}
	cmd.Printf("Run time %.1f hr at %.1f mL/hr, final bag %.1f mL\n", res.RunHours, res.FlowMLPerHr, res.FinalBagML)
	printSteps(cmd, res.Steps, res.Warnings)
	printInteractions(cmd, res.Interactions)
	return nil
}

func runCalcInteractions(cmd *cobra.Command, args []string) error {
	calc, err := dosing.Default()
	if err != nil {
		return err
	}
	found := calc.Interactions(args)
	if jsonOutput {
		if found == nil {
			found = []dosing.Interaction{}
		}
		return printJSON(cmd, found)
	}
	if len(found) == 0 {
		cmd.Println("No known interactions")
		return nil
	}
	printInteractions(cmd, found)
	return nil
}

// parseInfusionDrug reads "name=dose unit" with an optional
// "@concentration unit" suffix.
func parseInfusionDrug(raw string) (dosing.InfusionDrug, error) {
	name, rest, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return dosing.InfusionDrug{}, fmt.Errorf("infusion drug %q: want name=dose unit", raw)
	}
	dosePart, concPart, hasConc := strings.Cut(rest, "@")

	d := dosing.InfusionDrug{Name: strings.TrimSpace(name)}
	var err error
	if d.Dose, d.DoseUnit, err = parseAmount(dosePart); err != nil {
		return dosing.InfusionDrug{}, fmt.Errorf("infusion drug %q: dose: %w", raw, err)
	}
	if hasConc {
		if d.Concentration, d.ConcentrationUnit, err = parseAmount(concPart); err != nil {
			return dosing.InfusionDrug{}, fmt.Errorf("infusion drug %q: concentration: %w", raw, err)
		}
	}
	return d, nil
}

func parseAmount(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	switch {
	case i < 0:
		return 0, "", fmt.Errorf("%q has no unit", s)
	case i == 0:
		return 0, "", fmt.Errorf("%q has no leading number", s)
	}
	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", err
	}
	return v, strings.TrimSpace(s[i:]), nil
}

func printSteps(cmd *cobra.Command, steps, warnings []string) {
	for _, s := range steps {
		cmd.Printf("  %s\n", s)
	}
	for _, w := range warnings {
		cmd.Printf("WARNING: %s\n", w)
	}
}

func printInteractions(cmd *cobra.Command, found []dosing.Interaction) {
	for _, it := range found {
		cmd.Printf("[%s] %s + %s: %s %s\n", it.Severity, it.Drugs[0], it.Drugs[1], it.Effect, it.Management)
	}
}
