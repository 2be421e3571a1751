package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/genfin/furrow/internal/report"
	"github.com/spf13/cobra"
)

func newChainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect a season's audit chain",
	}

	cmd.AddCommand(newChainHistoryCmd())
	cmd.AddCommand(newChainVerifyCmd())
	return cmd
}

func newChainHistoryCmd() *cobra.Command {
	var (
		configPath string
		full       bool
	)

	cmd := &cobra.Command{
		Use:   "history <season-id>",
		Short: "List chain entries from first to latest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChainHistory(cmd, configPath, args[0], full)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&full, "full", false, "print full hashes")
	return cmd
}

func runChainHistory(cmd *cobra.Command, configPath, id string, full bool) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tSTATE\tNOTE\tHASH")
	for e, err := range a.svc.History(cmd.Context(), id) {
		if err != nil {
			return err
		}
		hash := e.Hash
		if !full {
			hash = hash[:12]
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq, e.RecordedAt.UTC().Format(time.DateTime), e.State, truncate(e.Note, 40), hash)
	}
	return w.Flush()
}

func newChainVerifyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "verify <season-id>",
		Short: "Recompute every link of the season's chain",
		Long:  "Recomputes each entry's hash and checks it links to its predecessor. Exits non-zero when the chain is broken.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChainVerify(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runChainVerify(cmd *cobra.Command, configPath, id string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.svc.VerifyChain(cmd.Context(), id)
	if err != nil {
		return err
	}
	if !r.Valid {
		return fmt.Errorf("chain of %s broken at entry %d: %s", id, r.BrokenAt, r.Reason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Chain of %s is valid (%d entries)\n", id, r.Entries)
	return nil
}

func newReportCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "report <season-id>",
		Short: "Print the season's impact report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runReport(cmd *cobra.Command, configPath, id string) error {
	a, err := openApp(cmd, configPath, nil)
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := report.Build(cmd.Context(), a.svc, id, time.Now())
	if err != nil {
		return err
	}
	return report.Render(cmd.OutOrStdout(), snap)
}
