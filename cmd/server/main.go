/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Initialize SQLite store
  3. Wire the engine (calculator, processor, ledger, builder, workflow,
     recurrence) and the API handler
  4. Seed preset scales when the catalog is empty (-seed)
  5. Start server and recurrence scheduler with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: commission.db, env DB_PATH)
           Use ":memory:" for in-memory database
  -seed    Install preset scales when the catalog is empty
  -org     Organisation the scheduler runs for (default: "default")

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the recurrence scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commission.db"

  # Run with in-memory database and demo scales
  ./server -db=":memory:" -seed

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
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
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	// .env is optional; flags still win over the environment.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envString("DB_PATH", "commission.db"), "SQLite database path")
	seed := flag.Bool("seed", false, "install preset scales when the catalog is empty")
	org := flag.String("org", "default", "organisation the scheduler runs for")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the engine
	recorder := commission.NewRecorder(store)
	ledger := commission.NewBalanceLedger(store, store.Reversals(), store.Balances(), recorder)
	calculator := commission.NewCalculator(store, store, recorder)
	processor := commission.NewProcessor(store, store.Reversals(), ledger, recorder)
	builder := commission.NewBuilder(store, store.Reversals(), store.Statements(), ledger, recorder)
	workflow := commission.NewWorkflow(store.Statements(), store, ledger, recorder)
	recurrence := commission.NewRecurrenceEngine(store.Recurrences(), store, calculator, recorder)

	handler := api.NewHandler(api.Deps{
		Calculator:  calculator,
		Processor:   processor,
		Ledger:      ledger,
		Builder:     builder,
		Workflow:    workflow,
		Recurrence:  recurrence,
		Scales:      store,
		Commissions: store,
		Reversals:   store.Reversals(),
		Balances:    store.Balances(),
		Recurrences: store.Recurrences(),
		Statements:  store.Statements(),
		Audit:       recorder,
	})

	if *seed {
		if err := seedScales(context.Background(), store, handler, commission.OrganisationID(*org)); err != nil {
			log.Fatalf("Failed to seed scales: %v", err)
		}
	}

	// Create router
	router := api.NewRouter(handler)

	// Recurrence scheduler
	scheduler := api.NewRecurrenceScheduler(recurrence)
	scheduler.Organisations = []commission.OrganisationID{commission.OrganisationID(*org)}
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// seedScales installs the preset scales for a fresh database. Existing
// catalogs are left alone.
func seedScales(ctx context.Context, store *sqlite.Store, handler *api.Handler, org commission.OrganisationID) error {
	existing, err := store.ActiveScales(ctx, org, "")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		log.Printf("Scale catalog already populated (%d scales), skipping seed", len(existing))
		return nil
	}

	presets := []string{
		factory.ProgressiveScaleJSON("progressive-default", string(org),
			"Progressive 5/8", "", "10000", "5", "8"),
		factory.WinnerTakeAllScaleJSON("accelerator-default", string(org),
			"Accelerator 5/8", "", "1000", "5", "8"),
		factory.MilestoneBonusScaleJSON("milestone-default", string(org),
			"Base 6 + 500 at 100k", "", "6", "100000", "500"),
	}
	for _, jsonStr := range presets {
		scale, err := handler.ScaleFactory.ParseScale(jsonStr)
		if err != nil {
			return err
		}
		if err := store.SaveScale(ctx, scale); err != nil {
			return err
		}
		log.Printf("Seeded scale %s", scale.ID)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
