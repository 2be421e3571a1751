package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/genfin/furrow/internal/config"
	"github.com/genfin/furrow/internal/db"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Furrow database",
		Long:  "Creates the database (MySQL) or file (sqlite) and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded %s config from %s\n", cfg.Database.Driver, configPath)

	gormDB, err := connectForInit(cmd, cfg.Database)
	if err != nil {
		return err
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nFurrow database initialized successfully.")
	return nil
}

// connectForInit creates the MySQL database when needed, then connects.
func connectForInit(cmd *cobra.Command, c config.DatabaseConfig) (*gorm.DB, error) {
	out := cmd.OutOrStdout()
	if c.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(c)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", c.Host, c.Port)
		if err := db.CreateDatabase(adminDB, c.Name); err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Database %s ready\n", c.Name)
	}
	return db.Open(c)
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-create every Furrow table",
		Long: `Drops every Furrow table and migrates them again. All seasons, chains
and scores are lost.

Asks for confirmation unless --yes is given. When stdin is not a terminal
the command refuses to run without --yes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target := cfg.Database.Path
	if cfg.Database.Driver == "mysql" {
		target = cfg.Database.Name
	}

	if !skipConfirm {
		in := cmd.InOrStdin()
		if !interactive(in) {
			return fmt.Errorf("stdin is not a terminal: pass --yes to reset %s", target)
		}
		if !confirmReset(cmd, in, target) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.Reset(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped and re-created %d tables in %s\n", len(db.AllModels()), target)
	fmt.Fprintln(out, "\nFurrow database reset successfully.")
	return nil
}

// interactive reports whether in can answer a prompt. Readers other than
// files (as in tests) are taken as scripted answers.
func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

func confirmReset(cmd *cobra.Command, in io.Reader, target string) bool {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in %q.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}
