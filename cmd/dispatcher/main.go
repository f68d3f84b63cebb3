// Command dispatcher runs the Dispatcher Loop: the cooperative scheduler
// that delivers signed webhook POSTs for pending work items.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/config"
	"github.com/jcoelh0/web3cache-go/dispatcher"
	"github.com/jcoelh0/web3cache-go/events"
	"github.com/jcoelh0/web3cache-go/httpx"
	"github.com/jcoelh0/web3cache-go/replay"
	"github.com/jcoelh0/web3cache-go/store"
	"github.com/jcoelh0/web3cache-go/store/postgres"
)

var version = "dev"

func main() {
	adminPort := env("DISPATCHER_ADMIN_PORT", "8090")

	dsn := os.Getenv("STORE_DSN")
	if dsn == "" {
		log.Fatal("STORE_DSN environment variable is required")
	}

	log.Printf("web3cache-dispatcher %s\n", version)

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

	readServiceURL := envOr(cfgData.ReadServiceURL, os.Getenv("READ_SERVICE_URL"))
	readClient := replay.NewReadServiceClient(readServiceURL)

	hub := events.NewHub()
	defer hub.Close()

	disp := dispatcher.New(db, cfg, hub)

	go func() {
		if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("dispatcher: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /admin/events", hub.Handler())
	mux.HandleFunc("POST /replay", replayHandler(db, readClient))

	srv := &http.Server{
		Addr:         ":" + adminPort,
		Handler:      httpx.Recover(httpx.Logging(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("admin surface listening on :%s", adminPort)
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

type replayRequest struct {
	SubID      uuid.UUID `json:"sub_id"`
	StartBlock int64     `json:"start_block"`
}

func replayHandler(st store.Store, readClient *replay.ReadServiceClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "malformed request")
			return
		}

		sub, err := st.GetSubscription(r.Context(), req.SubID)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sub == nil {
			httpx.WriteError(w, http.StatusNotFound, "subscription not found")
			return
		}

		if err := replay.Replay(r.Context(), st, readClient, sub, req.StartBlock); err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}

		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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
