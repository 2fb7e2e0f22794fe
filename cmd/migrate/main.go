package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/marianozunino/opshub/internal/logging"
	"github.com/marianozunino/opshub/internal/migration"
)

var (
	dbPath string
	steps  int
)

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the opshub registry schema",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations (or --steps of them)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migration.Manager) error {
			if steps > 0 {
				return m.Steps(steps)
			}
			return m.Up()
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back --steps migrations, or all of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migration.Manager) error {
			return m.Down(steps)
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil || version < 0 {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withManager(func(m *migration.Manager) error {
			return m.Force(version)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migration.Manager) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			fmt.Printf("version=%d dirty=%t\n", version, dirty)
			return nil
		})
	},
}

func withManager(fn func(*migration.Manager) error) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	log, err := logging.New(logging.Options{Level: "info", AppName: "migrate"})
	if err != nil {
		return err
	}
	defer log.Close()

	m, err := migration.NewManager(dbPath, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	return fn(m)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/opshub.db", "Database path")
	upCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	downCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to roll back (0 = all)")

	rootCmd.AddCommand(upCmd, downCmd, forceCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
