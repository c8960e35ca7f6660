package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"prepaidmeter/backend/libs/logging"
	app "prepaidmeter/backend/services/metering-service/internal/app"
	"prepaidmeter/backend/services/metering-service/internal/config"
	"prepaidmeter/backend/services/metering-service/internal/repository"
	"prepaidmeter/backend/services/metering-service/internal/service"
)

const serviceName = "metering-service"

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Prepaid electricity metering and billing engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the metering loops",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema or indexes of the configured store and exit",
	RunE:  runMigrate,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay an account's ledger and report drift against its cached balance",
	RunE:  runReconcile,
}

var reconcileAccount string

func init() {
	reconcileCmd.Flags().StringVar(&reconcileAccount, "account", "", "account ID to reconcile")
	_ = reconcileCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(serviceName)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() // best-effort flush

	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", zap.Error(err))
		return err
	}
	defer application.Close()

	if err := application.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := app.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("store ready", zap.String("driver", cfg.Store.Driver))
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := app.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reconciler := service.NewReconciler(store, repository.NewLedger(store, cfg.Store.ScanLimit, logger))
	report, err := reconciler.Reconcile(cmd.Context(), reconcileAccount)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Consistent() {
		return fmt.Errorf("account %s drifted: funds %s, borrowed %s", reconcileAccount, report.FundsDrift, report.BorrowedDrift)
	}
	return nil
}
