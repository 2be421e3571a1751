package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/genfin/furrow/internal/season"
	"github.com/spf13/cobra"
)

func newSeasonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "season",
		Short: "Register and inspect seasons",
	}

	cmd.AddCommand(newSeasonRegisterCmd())
	cmd.AddCommand(newSeasonListCmd())
	cmd.AddCommand(newSeasonShowCmd())
	cmd.AddCommand(newSeasonNextCmd())
	return cmd
}

func newSeasonRegisterCmd() *cobra.Command {
	var (
		configPath string
		opts       season.RegisterOpts
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a farmer and open a season",
		Long:  "Creates the farmer, the season and its seven stages, opens the audit chain and records the initial score.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeasonRegister(cmd, configPath, opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.Name, "name", "", "farmer name (required)")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "farmer phone, unique (required)")
	cmd.Flags().StringVar(&opts.IDDocument, "id-document", "", "national id document")
	cmd.Flags().StringVar(&opts.Gender, "gender", "", "farmer gender")
	cmd.Flags().IntVar(&opts.Age, "age", 0, "farmer age (default 30)")
	cmd.Flags().StringVar(&opts.NextOfKin, "next-of-kin", "", "next of kin")
	cmd.Flags().StringVar(&opts.Crop, "crop", "", "crop planted (required)")
	cmd.Flags().Float64Var(&opts.PlotSize, "plot-size", 0, "plot size in acres (required)")
	cmd.Flags().StringVar(&opts.GeoTag, "geo", "", "plot location as lat,long")
	return cmd
}

func runSeasonRegister(cmd *cobra.Command, configPath string, opts season.RegisterOpts) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	s, err := a.svc.Register(cmd.Context(), opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registered season %s\n", s.ID)
	fmt.Fprintf(out, "  Farmer: %s (%s)\n", s.FarmerID, opts.Name)
	fmt.Fprintf(out, "  Crop:   %s on %g acres\n", s.Crop, s.PlotSize)
	fmt.Fprintf(out, "  Ends:   %s\n", s.EndDate.Format("2006-01-02"))
	return nil
}

func newSeasonListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List seasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeasonList(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSeasonList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.svc.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No seasons found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEASON\tFARMER\tCROP\tSTAGES\tSCORE\tRISK\tPOLICY\tSTATE")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/7\t%.1f\t%s\t%s\t%s\n",
			s.SeasonID, truncate(s.Name, 24), s.Crop, s.StagesCompleted, s.Score, s.RiskBand, s.PolicyStatus, s.ChainState)
	}
	w.Flush()
	return nil
}

func newSeasonShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <season-id>",
		Short: "Show season details",
		Long:  "Displays the season's farmer, stages, score breakdown, policy and latest chain state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeasonShow(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSeasonShow(cmd *cobra.Command, configPath, id string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	s, err := a.svc.Get(ctx, id)
	if err != nil {
		return err
	}
	stages, err := a.svc.Stages(ctx, id)
	if err != nil {
		return err
	}
	score, err := a.svc.CurrentScore(ctx, id)
	if err != nil {
		return err
	}
	policy, err := a.svc.CurrentPolicy(ctx, id)
	if err != nil {
		return err
	}
	state, err := a.svc.ChainState(ctx, id)
	if err != nil {
		return err
	}
	pest, err := a.svc.PestFlag(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Season:  %s\n", s.ID)
	if s.Farmer != nil {
		fmt.Fprintf(out, "Farmer:  %s (%s), age %d\n", s.Farmer.Name, s.Farmer.Phone, s.Farmer.Age)
	}
	fmt.Fprintf(out, "Crop:    %s on %g acres at %s\n", s.Crop, s.PlotSize, s.GeoTag)
	fmt.Fprintf(out, "Period:  %s to %s\n", s.StartDate.Format("2006-01-02"), s.EndDate.Format("2006-01-02"))
	fmt.Fprintf(out, "Chain:   %s\n", state)
	fmt.Fprintf(out, "Pest:    %t\n", pest)
	if policy != nil {
		fmt.Fprintf(out, "Policy:  %s (%s)\n", policy.PolicyID, policy.Status)
	} else {
		fmt.Fprintf(out, "Policy:  %s\n", season.PolicyNotGenerated)
	}
	if score != nil {
		fmt.Fprintf(out, "Score:   %.1f (%s)\n", score.Score, score.RiskBand)
		for _, f := range score.Factors {
			fmt.Fprintf(out, "  %-20s %g\n", f.Name, f.Weight)
		}
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tNAME\tSTATUS\tAMOUNT")
	for _, st := range stages {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\n", st.Number, st.Name, st.Status, st.Amount)
	}
	w.Flush()
	return nil
}

func newSeasonNextCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "next <season-id>",
		Short: "Show the next stage awaiting an upload or approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeasonNext(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runSeasonNext(cmd *cobra.Command, configPath, id string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	next, err := a.svc.NextActionable(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if next == nil {
		fmt.Fprintln(out, "No stage awaits an upload or approval.")
		return nil
	}
	fmt.Fprintf(out, "Stage %d (%s) is %s\n", next.Number, next.Name, next.Status)
	return nil
}

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
