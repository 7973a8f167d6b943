package main

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/recete-ai/recete-engine/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := sql.Open("pgx", cfg.Database.ConnectionString())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		if err := database.RunMigrations(db, cfg.Database.MigrationsPath, logger); err != nil {
			return err
		}
		logger.Info("Migrations applied", zap.String("path", cfg.Database.MigrationsPath))
		return nil
	},
}

var (
	reindexMerchant string
	reindexProduct  string
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild knowledge chunks for one product or every product of a merchant",
	RunE:  runReindex,
}

var drainLimit int

var drainEventsCmd = &cobra.Command{
	Use:   "drain-events",
	Short: "Process stored external events that have not been handled yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if drainLimit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.processor.ProcessExternalEvents(cmd.Context(), drainLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed=%d errors=%d\n", result.Processed, result.Errors)
		return nil
	},
}

func init() {
	reindexCmd.Flags().StringVar(&reindexMerchant, "merchant", "", "merchant ID (required)")
	reindexCmd.Flags().StringVar(&reindexProduct, "product", "", "product ID (default: every product of the merchant)")
	_ = reindexCmd.MarkFlagRequired("merchant")

	drainEventsCmd.Flags().IntVar(&drainLimit, "limit", 100, "maximum number of events to process")
}

func runReindex(cmd *cobra.Command, args []string) error {
	merchantID, err := uuid.Parse(reindexMerchant)
	if err != nil {
		return fmt.Errorf("invalid --merchant: %w", err)
	}
	var productIDs []uuid.UUID
	if reindexProduct != "" {
		productID, err := uuid.Parse(reindexProduct)
		if err != nil {
			return fmt.Errorf("invalid --product: %w", err)
		}
		productIDs = append(productIDs, productID)
	}

	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(productIDs) == 0 {
		tenantCtx, cleanup, err := a.getTenantCtx(ctx, merchantID)
		if err != nil {
			return fmt.Errorf("acquire merchant connection: %w", err)
		}
		products, err := a.products.ListByMerchant(tenantCtx, merchantID)
		cleanup()
		if err != nil {
			return fmt.Errorf("list products: %w", err)
		}
		for _, p := range products {
			productIDs = append(productIDs, p.ID)
		}
	}

	failed := 0
	for _, productID := range productIDs {
		tenantCtx, cleanup, err := a.getTenantCtx(ctx, merchantID)
		if err != nil {
			return fmt.Errorf("acquire merchant connection: %w", err)
		}
		result, err := a.indexer.ReindexProduct(tenantCtx, merchantID, productID)
		cleanup()
		if err != nil {
			failed++
			logger.Error("Reindex failed", zap.String("product_id", productID.String()), zap.Error(err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s chunks=%d tokens=%d\n", productID, result.ChunksCreated, result.TotalTokens)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d products failed to reindex", failed, len(productIDs))
	}
	return nil
}
