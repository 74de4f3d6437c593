/*
main.go - Application entry point

PURPOSE:
  Wires the loan engine together and runs the HTTP server with graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse flags; env values override flag defaults
  2. Open the SQLite store
  3. Build gateway, broadcaster (bus + websocket hub), state machine
  4. Start the recompute scheduler
  5. Serve, then drain on SIGINT/SIGTERM

CONFIGURATION:
  -port / PORT                     HTTP port (default 8080)
  -db / DB_PATH                    SQLite path (default loans.db, ":memory:" ok)
  -recompute / RECOMPUTE_INTERVAL  day-tick interval (default 1h)

SEE ALSO:
  - api/server.go: routing
  - api/scheduler.go: the day-tick worker
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

	"github.com/room19/loan-engine/api"
	"github.com/room19/loan-engine/broadcast"
	"github.com/room19/loan-engine/loan"
	"github.com/room19/loan-engine/payment"
	"github.com/room19/loan-engine/store/sqlite"
)

func main() {
	// .env is optional; real env vars win over file values.
	if err := godotenv.Load(); err == nil {
		log.Println("loaded configuration from .env")
	}

	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", envStr("DB_PATH", "loans.db"), "SQLite database path")
	recompute := flag.Duration("recompute", envDuration("RECOMPUTE_INTERVAL", time.Hour), "day-tick reconciliation interval")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer store.Close()

	clock := loan.SystemClock{}
	gateway := payment.New(clock)

	bus := broadcast.NewBus()
	hub := broadcast.NewHub()
	notifier := broadcast.Fanout{bus, hub}

	machine := loan.NewMachine(store, gateway, clock, notifier)
	handler := api.NewHandler(store, machine, gateway, clock)
	router := api.NewRouter(handler, hub)

	scheduler := api.NewRecomputeScheduler(machine)
	scheduler.CheckInterval = *recompute
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("loan engine listening on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("server stopped")
}

func envStr(key, fallback string) string {
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
