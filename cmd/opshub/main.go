package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marianozunino/opshub/internal/app"
	"github.com/marianozunino/opshub/internal/auth"
	"github.com/marianozunino/opshub/internal/config"
	"github.com/marianozunino/opshub/internal/envcheck"
	"github.com/marianozunino/opshub/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opshub",
	Short: "Operations hub - upload intake, alerting and file cleanup",
	Long: `opshub serves the upload API used by the assembly and purchase order
modules, validates its environment at startup, raises alerts and prunes old
files on a schedule.

Quick start:
  opshub serve                          # Run the HTTP server
  opshub validate-env                   # Check configuration and exit
  opshub cleanup                        # Run the cleanup rules once
  opshub token --subject alice          # Mint an admin bearer token`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the cleanup scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		application, err := app.NewWithConfig(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}

		if err := application.Start(); err != nil {
			_ = application.Shutdown(context.Background())
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		application.Logger().Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return application.Shutdown(shutdownCtx)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply the cleanup rules once and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		application, err := app.NewWithConfig(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer application.Shutdown(context.Background())

		summary := application.RunCleanup(cmd.Context())
		return printJSON(summary)
	},
}

var validateEnvCmd = &cobra.Command{
	Use:     "validate-env",
	Aliases: []string{"check"},
	Short:   "Validate the environment without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.New(logging.Options{Level: "info"})
		if err != nil {
			return err
		}
		defer log.Close()

		report, err := envcheck.Validate(cfg, log.Logger)
		if perr := printJSON(report); perr != nil {
			return perr
		}
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token for the /system endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := envcheck.CheckSecret(cfg.SecretKey); err != nil {
			return fmt.Errorf("SECRET_KEY cannot sign tokens (%w); set it to the server's secret", err)
		}

		tok, err := auth.GenerateToken(cfg.SecretKey, subject, auth.RoleAdmin, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	return config.Load()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $CONFIG_PATH)")

	tokenCmd.Flags().StringP("subject", "s", "admin", "Token subject recorded in logs and alerts")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(validateEnvCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
