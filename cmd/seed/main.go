// Command seed is an operator CLI standing in for the out-of-scope contract
// and subscription registration surface: it writes a Contract or
// Subscription directly into the store. Production registration normally
// happens through a collaborating service; this exists so the ingestion and
// dispatcher services can be exercised end-to-end without one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcoelh0/web3cache-go/store"
	"github.com/jcoelh0/web3cache-go/store/postgres"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	dsn := os.Getenv("STORE_DSN")
	if dsn == "" {
		log.Fatal("STORE_DSN environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	switch os.Args[1] {
	case "contract":
		seedContract(ctx, db, os.Args[2:])
	case "subscription":
		seedSubscription(ctx, db, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: seed contract   -id=... -network=... -address=... -events=a,b,c [-status=online] [-created-block=0]")
	fmt.Fprintln(os.Stderr, "       seed subscription -contract=... -url=... -api-key=... [-topics=a,b]")
}

func seedContract(ctx context.Context, st store.Store, args []string) {
	fs := flag.NewFlagSet("contract", flag.ExitOnError)
	id := fs.String("id", "", "contract_id")
	network := fs.String("network", "", "network name")
	address := fs.String("address", "", "contract address")
	events := fs.String("events", "", "comma-separated event names")
	status := fs.String("status", "online", "status_requirement")
	createdBlock := fs.Int64("created-block", 0, "created_block")
	_ = fs.Parse(args)

	if *id == "" || *address == "" {
		log.Fatal("seed contract: -id and -address are required")
	}

	c := &store.Contract{
		ContractID:        *id,
		Network:           *network,
		Address:           *address,
		Events:            splitCSV(*events),
		StatusRequirement: *status,
		CreatedBlock:      *createdBlock,
		CreatedAt:         time.Now(),
	}
	if err := st.CreateContract(ctx, c); err != nil {
		log.Fatalf("seed contract: %v", err)
	}
	out, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println(string(out))
}

func seedSubscription(ctx context.Context, st store.Store, args []string) {
	fs := flag.NewFlagSet("subscription", flag.ExitOnError)
	contractID := fs.String("contract", "", "contract_id")
	url := fs.String("url", "", "webhook delivery URL")
	apiKey := fs.String("api-key", "", "plaintext API key used as the HMAC signing secret")
	topics := fs.String("topics", "", "comma-separated topic filter")
	_ = fs.Parse(args)

	if *contractID == "" || *url == "" || *apiKey == "" {
		log.Fatal("seed subscription: -contract, -url and -api-key are required")
	}

	now := time.Now()
	s := &store.Subscription{
		SubID:      uuid.New(),
		APIKey:     *apiKey,
		ContractID: *contractID,
		URL:        *url,
		Topics:     splitCSV(*topics),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.CreateSubscription(ctx, s); err != nil {
		log.Fatalf("seed subscription: %v", err)
	}
	out, _ := json.MarshalIndent(s, "", "  ")
	fmt.Println(string(out))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
