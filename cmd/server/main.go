/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the funds-transfer engine server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Open the store (PostgreSQL when DATABASE_URL is set, SQLite otherwise)
  3. Wire the event publisher (Kafka when KAFKA_BROKERS is set)
  4. Create the engine, handler, and router
  5. Start the server with graceful shutdown

CONFIGURATION:
  Flags take precedence over environment variables:
    -port     HTTP server port            (env PORT, default 8080)
    -db       SQLite database path        (env DB_PATH, default ledger.db;
              use ":memory:" for an in-memory database)
    -pg       PostgreSQL connection URL   (env DATABASE_URL)
    -brokers  Comma-separated Kafka list  (env KAFKA_BROKERS)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, wait up to 30s for active
  requests, close the store, exit.
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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/bank"
	"github.com/warp/ledger-engine/events"
	eventskafka "github.com/warp/ledger-engine/events/kafka"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	// .env is optional; flags and real env win over it.
	_ = godotenv.Load()

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envString("DB_PATH", "ledger.db"), "SQLite database path")
	pgURL := flag.String("pg", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL (overrides -db)")
	brokers := flag.String("brokers", os.Getenv("KAFKA_BROKERS"), "Comma-separated Kafka brokers")
	flag.Parse()

	// Store selection: PostgreSQL in production, SQLite by default.
	var (
		store  bank.Store
		closer interface{ Close() error }
	)
	if *pgURL != "" {
		pg, err := postgres.Open(*pgURL)
		if err != nil {
			log.Fatalf("Failed to open postgres store: %v", err)
		}
		store, closer = pg, pg
		log.Printf("Using PostgreSQL store")
	} else {
		sq, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		store, closer = sq, sq
		log.Printf("Using SQLite store at %s", *dbPath)
	}
	defer closer.Close()

	// Event publisher: Kafka when configured, local log otherwise.
	var publisher bank.Publisher = events.LogPublisher{}
	if *brokers != "" {
		kp := eventskafka.NewPublisher(strings.Split(*brokers, ","))
		defer kp.Close()
		publisher = kp
		log.Printf("Publishing ledger events to Kafka (%s)", *brokers)
	}

	engine := bank.NewEngine(store, publisher)
	handler := api.NewHandler(store, engine)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

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

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
