package main

import (
	"fmt"

	"github.com/genfin/furrow/internal/models"
	"github.com/genfin/furrow/internal/season"
	"github.com/spf13/cobra"
)

func newPestCmd() *cobra.Command {
	var (
		configPath string
		source     string
	)

	cmd := &cobra.Command{
		Use:   "pest <season-id>",
		Short: "Log a pest event",
		Long:  "Logs a pest-flagged event for the season and unlocks stage 5 if it is still LOCKED.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPest(cmd, configPath, args[0], source)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&source, "source", models.SourceManual, "event source (manual, sensor)")
	return cmd
}

func runPest(cmd *cobra.Command, configPath, id, source string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	unlocked, err := a.svc.PestEvent(cmd.Context(), id, source)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if unlocked {
		fmt.Fprintln(out, "Pest event logged, stage 5 unlocked")
	} else {
		fmt.Fprintln(out, "Pest event logged, stage 5 unchanged")
	}
	return nil
}

func newSensorCmd() *cobra.Command {
	var (
		configPath  string
		temperature float64
		moisture    float64
		ph          float64
	)

	cmd := &cobra.Command{
		Use:   "sensor <season-id>",
		Short: "Ingest a field sensor reading",
		Long: `Stores a sensor reading for the season. A hot, dry reading (temperature
above 35 with moisture below 15) counts as a pest event. Omitted values use
neutral defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r season.Reading
			if cmd.Flags().Changed("temperature") {
				r.Temperature = &temperature
			}
			if cmd.Flags().Changed("moisture") {
				r.Moisture = &moisture
			}
			if cmd.Flags().Changed("ph") {
				r.PH = &ph
			}
			return runSensor(cmd, configPath, args[0], r)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "air temperature in Celsius")
	cmd.Flags().Float64Var(&moisture, "moisture", 0, "soil moisture percent")
	cmd.Flags().Float64Var(&ph, "ph", 0, "soil pH")
	return cmd
}

func runSensor(cmd *cobra.Command, configPath, id string, r season.Reading) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ev, unlocked, err := a.svc.IngestSensorReading(cmd.Context(), id, r)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reading stored. Pest detected: %t\n", ev.PestDetected)
	if unlocked {
		fmt.Fprintln(out, "Stage 5 unlocked by sensor alert")
	}
	return nil
}

func newInsuranceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insurance",
		Short: "Parametric insurance commands",
	}

	cmd.AddCommand(newInsuranceBindCmd())
	cmd.AddCommand(newInsuranceTriggerCmd())
	return cmd
}

func newInsuranceBindCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "bind <season-id>",
		Short: "Bind the season's policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsuranceBind(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runInsuranceBind(cmd *cobra.Command, configPath, id string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.svc.BindPolicy(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Policy %s bound and %s\n", p.PolicyID, p.Status)
	return nil
}

func newInsuranceTriggerCmd() *cobra.Command {
	var (
		configPath string
		rainfall   float64
	)

	cmd := &cobra.Command{
		Use:   "trigger <season-id>",
		Short: "Check the drought trigger against a rainfall reading",
		Long:  "Claims the season's ACTIVE policy when rainfall is below 10mm.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsuranceTrigger(cmd, configPath, args[0], rainfall)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().Float64Var(&rainfall, "rainfall", 0, "season rainfall in mm")
	return cmd
}

func runInsuranceTrigger(cmd *cobra.Command, configPath, id string, rainfall float64) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	claimed, err := a.svc.CheckInsuranceTrigger(cmd.Context(), id, rainfall)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if claimed {
		fmt.Fprintln(out, "Drought trigger met, claim initiated")
	} else {
		fmt.Fprintln(out, "No insurance triggers met")
	}
	return nil
}
