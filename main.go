package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Yulian302/lfusys-services-media/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "media",
		Short:         "Institution media upload service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API, the gRPC health service and background workers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Run one expiry sweep and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return sweepOnce(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the sessions table and the catalog schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context())
			},
		},
	)
	return root
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parentOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := SetupApp(ctx)
	if err != nil {
		log.Printf("setup failed: %v", err)
		return err
	}

	app.Services, err = BuildServices(ctx, app)
	if err != nil {
		return err
	}
	app.Services.Start()

	runErr := app.Run(ctx)
	if runErr != nil {
		app.Logger.Error("server stopped", "error", runErr)
	} else {
		app.Logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

func sweepOnce(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parentOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := SetupApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	}()

	app.Services, err = BuildServices(ctx, app)
	if err != nil {
		return err
	}

	res, err := app.Services.Uploads.ExpirySweep(ctx)
	if err != nil {
		app.Logger.Error("sweep finished with errors", "error", err)
	}
	out, _ := json.Marshal(res)
	fmt.Println(string(out))
	return err
}

func migrate(parent context.Context) error {
	ctx := parentOrBackground(parent)

	app, err := SetupApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	}()

	if app.DB == nil || app.DynamoDB == nil {
		return fmt.Errorf("migrate needs store.driver aws, got %q", app.Config.Store.Driver)
	}

	if err := store.NewSessionStoreImpl(app.DynamoDB, app.Config.Dynamo.SessionsTable).EnsureTable(ctx); err != nil {
		return fmt.Errorf("sessions table: %w", err)
	}
	if err := store.Migrate(ctx, app.DB); err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}

	app.Logger.Info("migration complete", "sessions_table", app.Config.Dynamo.SessionsTable)
	return nil
}

func parentOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
