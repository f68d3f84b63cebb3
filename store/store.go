// Package store defines the persistence abstraction for web3cache-go.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ---- domain types ----

// Contract is a tracked on-chain contract whose events are cached and fanned out.
type Contract struct {
	ContractID        string    `json:"contract_id"`
	Network           string    `json:"network"`
	Address           string    `json:"address"`
	Events            []string  `json:"events"`
	StatusRequirement string    `json:"status_requirement"`
	CreatedBlock      int64     `json:"created_block"`
	CreatedAt         time.Time `json:"created_at"`
}

// Subscription is a consumer's registration to receive webhook deliveries
// for a contract's events. APIKey is kept in plaintext: the webhook signer
// uses it verbatim as an HMAC-SHA256 secret when signing delivery JWTs.
type Subscription struct {
	SubID     uuid.UUID `json:"sub_id"`
	APIKey    string    `json:"-"`
	ContractID string   `json:"contract_id"`
	URL       string    `json:"url"`
	Topics    []string  `json:"topics"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventWaterMark records, per contract, the reset_nonce it was last observed
// under and the highest block_number accepted so far for each event name.
type EventWaterMark struct {
	ContractID string           `json:"contract_id"`
	ResetNonce int64            `json:"reset_nonce"`
	Marks      map[string]int64 `json:"marks"`
}

// WorkItem is one pending webhook delivery: a block's worth of transactions
// for one event, fanned out to one subscription.
type WorkItem struct {
	ItemID       uuid.UUID         `json:"item_id"`
	SubID        uuid.UUID         `json:"sub_id"`
	ContractID   string            `json:"contract_id"`
	EventName    string            `json:"event_name"`
	BlockNumber  int64             `json:"block_number"`
	Transactions []json.RawMessage `json:"transactions"`
	LockedUntil  time.Time         `json:"locked_until"`
}

// ---- store interface ----

// Store is the persistence abstraction backing both the ingestion endpoint
// and the dispatcher loop. All methods are context-aware.
type Store interface {
	// ---- contracts ----
	CreateContract(ctx context.Context, c *Contract) error
	GetContract(ctx context.Context, contractID string) (*Contract, error)

	// ---- subscriptions ----
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, subID uuid.UUID) (*Subscription, error)
	FindActiveSubscriptionsByContract(ctx context.Context, contractID string) ([]*Subscription, error)
	ListActiveSubscriptionIDs(ctx context.Context) ([]uuid.UUID, error)
	ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error)

	// ---- watermarks ----
	FindWaterMark(ctx context.Context, contractID string) (*EventWaterMark, error)
	UpsertWaterMark(ctx context.Context, contractID string, resetNonce int64, marks map[string]int64) error

	// ---- work items ----
	InsertWorkItems(ctx context.Context, items []*WorkItem) error
	FindWorkItemBatch(ctx context.Context, subID uuid.UUID, limit int) ([]*WorkItem, error)
	AnyWorkItemPending(ctx context.Context, subID uuid.UUID) (bool, error)
	ClaimWorkItem(ctx context.Context, itemID uuid.UUID, lockedUntil time.Time) (bool, error)
	ReleaseWorkItems(ctx context.Context, itemIDs []uuid.UUID, lockedUntil time.Time) error
	DeleteWorkItems(ctx context.Context, itemIDs []uuid.UUID) error
	DeleteWorkItemsForSubscription(ctx context.Context, subID uuid.UUID) error

	// ---- config ----
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	// ---- lifecycle ----
	Close() error
}
