package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"famledger/internal/domain/reconciliation"
	"famledger/internal/infrastructure/postgres"
	"famledger/internal/shared/config"
	"famledger/internal/shared/logging"
)

const usage = `famledger Admin CLI - Management commands for the famledger API

Usage:
  admin <command> [options]

Commands:
  migrate          Apply database migrations and print the schema version
  reconcile        Print the reconciliation view of a family
  transfer-audit   List transfer links that are not reciprocal

Examples:
  # Apply the migrations embedded in the binary
  admin migrate

  # Apply migrations from a directory
  admin migrate --path=./migrations

  # Show exact matches, unmatched entries and discrepancies of a family
  admin reconcile --family-id=3f0c...

  # Reconcile with more concurrent account workers
  admin reconcile --family-id=3f0c... --workers=8 --timeout=5m

  # Find broken transfer links
  admin transfer-audit --family-id=3f0c...
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		runMigrate(os.Args[2:])
	case "reconcile":
		runReconcile(os.Args[2:])
	case "transfer-audit":
		runTransferAudit(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Logger) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	// The CLI prints results to stdout; keep logs readable on a terminal.
	logger, err := logging.New(cfg.Log.Level, "text")
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}
	return cfg, logger
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("path", "", "Directory of migration files (default: migrations embedded in the binary)")

	fs.Usage = func() {
		fmt.Println("Usage: admin migrate [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, logger := loadConfig()
	if *path == "" {
		*path = cfg.Database.MigrationsPath
	}
	connStr := cfg.Database.ConnectionString()

	if err := postgres.RunMigrations(connStr, *path); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}

	version, dirty, err := postgres.MigrationVersion(connStr, *path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read schema version")
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)
}

// openService connects to the database and builds a reconciliation service.
// Batch locks and change notifications are left out: the CLI only reads.
func openService(cfg *config.Config, logger logrus.FieldLogger, workers int) (*reconciliation.Service, *postgres.DB) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolConfig{MaxOpenConns: workers + 2})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	logger.Info("Connected to database")

	svc := reconciliation.NewService(
		postgres.NewTransactionRepository(db),
		postgres.NewAccountRepository(db),
		postgres.NewSettingsRepository(db),
		postgres.NewCategoryRepository(db),
		reconciliation.WithWorkers(workers),
		reconciliation.WithLogger(logger),
	)
	return svc, db
}

func runReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)

	familyID := fs.String("family-id", "", "Family to reconcile")
	workers := fs.Int("workers", reconciliation.DefaultWorkerCount, "Number of accounts reconciled concurrently")
	timeoutStr := fs.String("timeout", "5m", "Timeout for the operation (e.g., 30s, 5m)")

	fs.Usage = func() {
		fmt.Println("Usage: admin reconcile [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *familyID == "" {
		fmt.Println("Error: must specify --family-id")
		fs.Usage()
		os.Exit(1)
	}

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid timeout format")
	}

	cfg, logger := loadConfig()
	svc, db := openService(cfg, logger, *workers)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	startTime := time.Now()
	view, err := svc.Reconcile(ctx, *familyID)
	if err != nil {
		logger.WithError(err).Fatal("Reconciliation failed")
	}

	printView(view)
	logger.WithField("elapsed", time.Since(startTime)).Info("Reconciliation completed")
}

func printView(view *reconciliation.View) {
	fmt.Printf("\n=== Family %s ===\n", view.FamilyID)
	fmt.Printf("  Exact matches:      %d\n", view.TotalExactMatches)
	fmt.Printf("  Unmatched manuals:  %d\n", view.TotalUnmatchedManuals)

	for _, av := range view.Accounts {
		fmt.Printf("\n  --- %s ---\n", av.Account.Name)
		fmt.Printf("    Exact matches:      %d\n", len(av.ExactMatches))
		fmt.Printf("    Unmatched manuals:  %d\n", len(av.UnmatchedManuals))
		fmt.Printf("    Unmatched imports:  %d\n", len(av.UnmatchedImports))

		if d := av.Discrepancy; d != nil {
			fmt.Printf("    Balance at %s:  ledger %s, bank %s, difference %s\n",
				d.ReconciledUntil, d.CalculatedBalance.StringFixed(2), d.ReconciledBalance.StringFixed(2), d.Difference.StringFixed(2))
		}

		for i, m := range av.UnmatchedManuals {
			if i >= 5 {
				fmt.Printf("      ... and %d more\n", len(av.UnmatchedManuals)-5)
				break
			}
			fmt.Printf("      - %s %s %s\n", m.PostedAt, m.Amount.StringFixed(2), m.Description)
		}
	}
}

func runTransferAudit(args []string) {
	fs := flag.NewFlagSet("transfer-audit", flag.ExitOnError)

	familyID := fs.String("family-id", "", "Family to audit")
	timeoutStr := fs.String("timeout", "1m", "Timeout for the operation")

	fs.Usage = func() {
		fmt.Println("Usage: admin transfer-audit [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *familyID == "" {
		fmt.Println("Error: must specify --family-id")
		fs.Usage()
		os.Exit(1)
	}

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid timeout format")
	}

	cfg, logger := loadConfig()
	svc, db := openService(cfg, logger, 1)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	links, err := svc.AuditTransferLinks(ctx, *familyID)
	if err != nil {
		logger.WithError(err).Fatal("Transfer audit failed")
	}

	if len(links) == 0 {
		fmt.Println("No broken transfer links")
		return
	}

	fmt.Printf("Broken transfer links: %d\n", len(links))
	for _, l := range links {
		switch {
		case !l.PartnerExists:
			fmt.Printf("  - %s -> %s (partner missing)\n", l.TransactionID, l.LinkedID)
		case l.PartnerLinkID == nil:
			fmt.Printf("  - %s -> %s (partner not linked)\n", l.TransactionID, l.LinkedID)
		default:
			fmt.Printf("  - %s -> %s (partner points at %s)\n", l.TransactionID, l.LinkedID, *l.PartnerLinkID)
		}
	}
}
