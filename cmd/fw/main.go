package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "furrow.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fw",
		Short:         "Furrow: staged agricultural loan ledger",
		Long:          "Furrow disburses seasonal farm loans in seven verified stages, scores each farmer and keeps a tamper-evident audit chain per season.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newSeasonCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newApproveCmd())
	cmd.AddCommand(newDisburseCmd())
	cmd.AddCommand(newPestCmd())
	cmd.AddCommand(newSensorCmd())
	cmd.AddCommand(newInsuranceCmd())
	cmd.AddCommand(newChainCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fw %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// addConfigFlag registers the --config flag shared by every command that
// touches the database.
func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Furrow config file")
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
