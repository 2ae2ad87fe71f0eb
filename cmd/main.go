package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"xrptrader/internal/config"
	"xrptrader/internal/db"
	"xrptrader/internal/db/conf"
	"xrptrader/internal/engine"
	"xrptrader/internal/ledger"
	"xrptrader/internal/notifier"
	"xrptrader/internal/oracle"
)

func main() {
	// .env is optional; real deployments use environment variables directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("main | Failed to load .env: %v", err)
	}

	cfg := config.MustLoadConfig()
	log.Println("Starting XRP Trader")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Run migrations if enabled
	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	// Initialize database connection
	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("Failed to create DB config: %v", err)
	}

	storage, err := db.New(*dbConfig)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Println("Connected to Postgres")

	// Connect to the XRPL node
	ledgerClient, err := ledger.Dial(ctx, cfg.XRPLNodeURL, cfg.RequestTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to XRPL node %s: %v", cfg.XRPLNodeURL, err)
	}
	defer ledgerClient.Close()
	log.Printf("Connected to XRPL node %s", cfg.XRPLNodeURL)

	// Price oracle
	orc := oracle.NewDexscreener(cfg.OracleTimeout)

	// Set up notification system
	var n notifier.Notifier = notifier.NopNotifier{}
	if cfg.TelegramToken != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken)
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.PollInterval = cfg.PollInterval
	engineCfg.RequestTimeout = cfg.RequestTimeout
	engineCfg.SubmitTimeout = cfg.SubmitTimeout
	engineCfg.FeePercent = decimal.NewFromFloat(cfg.FeePercent)
	engineCfg.ReferralPercent = decimal.NewFromFloat(cfg.ReferralPercent)
	engineCfg.FeeWalletAddress = cfg.FeeWalletAddress

	eng := engine.New(engineCfg, storage, orc, ledgerClient, n)
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	log.Println("Graceful shutdown initiated...")

	eng.Stop()
	log.Println("Shutdown complete")
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log.Println("Running database migrations...")

	// Parse connection string to extract database name
	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Create a connection string to the postgres database to create our database
	baseConnStr := fmt.Sprintf("postgres://%s:%s@%s/postgres%s",
		u.User.Username(),
		func() string {
			p, _ := u.User.Password()
			return p
		}(),
		u.Host,
		func() string {
			if u.RawQuery != "" {
				return "?" + u.RawQuery
			}
			return ""
		}())

	// Connect to the postgres database
	baseDB, err := sql.Open("postgres", baseConnStr)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	// Check if our database exists
	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	// Create the database if it doesn't exist
	if !exists {
		log.Printf("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	// Connect to our database
	migrateDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer migrateDB.Close()

	// Read the schema.sql file
	schemaSQL, err := os.ReadFile("scripts/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	// Execute the schema.sql script
	_, err = migrateDB.ExecContext(ctx, string(schemaSQL))
	if err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Println("Database migrations completed successfully")
	return nil
}
