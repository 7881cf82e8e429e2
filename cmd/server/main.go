/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the claims adjudication server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Load rule set and benefit table (files or built-in defaults)
  4. Wire ledger, engine, registry, matcher, workflow
  5. Start the expiry scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: claims.db)
                   Use ":memory:" for in-memory database
  -rules           Path to a JSON rule set (default: built-in rules)
  -benefits        Path to a JSON benefit table (default: built-in table)
  -sweep-interval  Expiry sweep interval (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database and custom rules
  ./server -db="./data/claims.db" -rules="./config/rules.json"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - factory/rules.go: Rule set loading
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sufyanhr/waad-claims-engine/api"
	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/factory"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
	"github.com/sufyanhr/waad-claims-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "claims.db", "SQLite database path")
	rulesPath := flag.String("rules", "", "JSON rule set path (default: built-in rules)")
	benefitsPath := flag.String("benefits", "", "JSON benefit table path (default: built-in table)")
	sweepInterval := flag.Duration("sweep-interval", time.Hour, "pre-approval expiry sweep interval")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Load configuration
	rules, err := loadRules(*rulesPath)
	if err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}
	entries, err := loadBenefits(*benefitsPath)
	if err != nil {
		log.Fatalf("Failed to load benefits: %v", err)
	}

	ctx := context.Background()
	for _, e := range entries {
		if err := store.SaveBenefit(ctx, e); err != nil {
			log.Fatalf("Failed to seed benefit %s: %v", e.ID, err)
		}
	}
	log.Printf("[Main] Loaded %d rule(s), %d benefit entrie(s)", len(rules), len(entries))

	// Wire the domain
	ledger := benefit.NewLedger(store, store, store, store)
	registry := chronic.NewRegistry(store)
	workflow := preapproval.NewWorkflow(store, store)
	engine := benefit.NewEngine(store, ledger, registry, workflow)
	matcher := preapproval.NewMatcher(rules, registry, &preapproval.LedgerBalanceSource{
		Catalog: store,
		Ledger:  ledger,
	})

	// Scheduler
	scheduler := api.NewExpiryScheduler(workflow)
	scheduler.CheckInterval = *sweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Router and server
	handler := api.NewHandler(store, ledger, engine, registry, matcher, workflow)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("[Main] Server starting on http://localhost:%d", *port)
		log.Printf("[Main] API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func loadRules(path string) ([]preapproval.Rule, error) {
	if path == "" {
		return factory.ParseRules([]byte(factory.DefaultRulesJSON()))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return factory.LoadRules(f)
}

func loadBenefits(path string) ([]benefit.BenefitEntry, error) {
	if path == "" {
		return factory.ParseBenefits([]byte(factory.DefaultBenefitsJSON()))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return factory.LoadBenefits(f)
}
