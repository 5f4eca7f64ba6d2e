/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tuition ledger engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment config, then apply command-line flag overrides
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Configure HTTP router
  5. Start server with graceful shutdown

CONFIGURATION:
  Environment variables (flags override):
    PORT        HTTP server port (default: 8080)
    DB_PATH     SQLite database path (default: tuition.db)
                Use ":memory:" for an in-memory database
    JWT_SECRET  HMAC secret for bearer tokens (required outside dev)
    DEV_TOKENS  Enable POST /api/auth/token for local development

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/tuition.db"

  # Run with in-memory database and dev tokens
  DEV_TOKENS=true ./server -db=":memory:"

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
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/classhub/tuition-ledger/api"
	"github.com/classhub/tuition-ledger/store/sqlite"
)

// Config is the environment-driven server configuration.
type Config struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	DBPath    string `env:"DB_PATH" envDefault:"tuition.db"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	DevTokens bool   `env:"DEV_TOKENS" envDefault:"false"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	// Flags override the environment.
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	devTokens := flag.Bool("dev-tokens", cfg.DevTokens, "enable the dev token endpoint")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	auth := api.NewAuth(cfg.JWTSecret)
	handler := api.NewHandler(store, auth, *devTokens)

	// Create router
	router := api.NewRouter(handler)

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
