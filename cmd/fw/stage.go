package main

import (
	"fmt"
	"strconv"

	"github.com/genfin/furrow/internal/season"
	"github.com/spf13/cobra"
)

func parseStage(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("stage number %q: %w", arg, err)
	}
	return n, nil
}

func newUploadCmd() *cobra.Command {
	var (
		configPath string
		fileType   string
		fileName   string
		ph         float64
	)

	cmd := &cobra.Command{
		Use:   "upload <season-id> <stage>",
		Short: "Record evidence for an unlocked stage",
		Long: `Records an upload for an UNLOCKED stage and moves it to PENDING.

A soil_test upload with --ph rescores the season; a pH above 6.5 adds a
soil quality boost.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseStage(args[1])
			if err != nil {
				return err
			}
			opts := season.UploadOpts{Stage: n, FileType: fileType, FileName: fileName}
			if cmd.Flags().Changed("ph") {
				opts.PH = &ph
			}
			return runUpload(cmd, configPath, args[0], opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&fileType, "type", "photo_evidence", "upload type (soil_test, photo_evidence, receipt, ...)")
	cmd.Flags().StringVar(&fileName, "file", "", "file name of the evidence")
	cmd.Flags().Float64Var(&ph, "ph", 0, "soil pH reading (soil_test only)")
	return cmd
}

func runUpload(cmd *cobra.Command, configPath, id string, opts season.UploadOpts) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	u, err := a.svc.Upload(cmd.Context(), id, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stage %d: %s uploaded, awaiting approval\n", u.StageNumber, u.FileType)
	if u.SoilBoost {
		fmt.Fprintln(out, "Soil quality boost applied")
	}
	return nil
}

func newApproveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "approve <season-id> <stage>",
		Short: "Approve a pending stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseStage(args[1])
			if err != nil {
				return err
			}
			return runApprove(cmd, configPath, args[0], n)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runApprove(cmd *cobra.Command, configPath, id string, n int) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.svc.Approve(cmd.Context(), id, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stage %d (%s) approved, ready for disbursement\n", st.Number, st.Name)
	return nil
}

func newDisburseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "disburse <season-id> <stage>",
		Short: "Disburse funds for an approved stage",
		Long:  "Pays out an APPROVED stage, unlocks its successor and rescores the season.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseStage(args[1])
			if err != nil {
				return err
			}
			return runDisburse(cmd, configPath, args[0], n)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDisburse(cmd *cobra.Command, configPath, id string, n int) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	d, err := a.svc.Disburse(cmd.Context(), id, n)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stage %d disbursed: $%.2f\n", d.Stage.Number, d.Amount)
	if d.Skipped {
		fmt.Fprintln(out, "Stage 5 skipped: no pest event on record")
	}
	if d.Unlocked > 0 {
		fmt.Fprintf(out, "Stage %d unlocked\n", d.Unlocked)
	}
	return nil
}
