// Command ingest-server runs the Ingestion Endpoint HTTP service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcoelh0/web3cache-go/config"
	"github.com/jcoelh0/web3cache-go/httpx"
	"github.com/jcoelh0/web3cache-go/ingest"
	"github.com/jcoelh0/web3cache-go/store/postgres"
)

var version = "dev"

func main() {
	port := env("INGEST_PORT", "8080")

	dsn := os.Getenv("STORE_DSN")
	if dsn == "" {
		log.Fatal("STORE_DSN environment variable is required")
	}

	log.Printf("web3cache-ingest %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	cfg, err := config.Load(ctx, db)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfgData := cfg.Get()

	realtimeURL := envOr(cfgData.RealtimeURL, os.Getenv("REALTIME_URL"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", ingest.Health())
	mux.HandleFunc("POST /push-transactions", ingest.Handler(ingest.Deps{
		Store:       db,
		RealtimeURL: realtimeURL,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      httpx.Recover(httpx.Logging(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}
