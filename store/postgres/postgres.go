// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcoelh0/web3cache-go/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
// Called by cmd/migrate (as exported) and by Open (internally).
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), i.e. the document-store's "duplicate key" case that
// insertMany(ordered=false) treats as a tolerated partial success.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}

// ---- contracts ----

func (d *DB) CreateContract(ctx context.Context, c *store.Contract) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO contracts (contract_id, network, address, events, status_requirement, created_block)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (contract_id) DO UPDATE SET
			network = $2, address = $3, events = $4, status_requirement = $5, created_block = $6
	`, c.ContractID, c.Network, c.Address, c.Events, c.StatusRequirement, c.CreatedBlock)
	return err
}

func (d *DB) GetContract(ctx context.Context, contractID string) (*store.Contract, error) {
	var c store.Contract
	err := d.pool.QueryRow(ctx, `
		SELECT contract_id, network, address, events, status_requirement, created_block, created_at
		FROM contracts WHERE contract_id = $1
	`, contractID).Scan(&c.ContractID, &c.Network, &c.Address, &c.Events, &c.StatusRequirement, &c.CreatedBlock, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

// ---- subscriptions ----

func (d *DB) CreateSubscription(ctx context.Context, s *store.Subscription) error {
	if s.SubID == uuid.Nil {
		s.SubID = uuid.New()
	}
	return d.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (sub_id, api_key, contract_id, url, topics, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, s.SubID, s.APIKey, s.ContractID, s.URL, s.Topics, s.IsActive).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (d *DB) GetSubscription(ctx context.Context, subID uuid.UUID) (*store.Subscription, error) {
	var s store.Subscription
	err := d.pool.QueryRow(ctx, `
		SELECT sub_id, api_key, contract_id, url, topics, is_active, created_at, updated_at
		FROM subscriptions WHERE sub_id = $1
	`, subID).Scan(&s.SubID, &s.APIKey, &s.ContractID, &s.URL, &s.Topics, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return &s, err
}

func (d *DB) FindActiveSubscriptionsByContract(ctx context.Context, contractID string) ([]*store.Subscription, error) {
	return d.querySubs(ctx, `
		SELECT sub_id, api_key, contract_id, url, topics, is_active, created_at, updated_at
		FROM subscriptions WHERE contract_id = $1 AND is_active ORDER BY sub_id
	`, contractID)
}

func (d *DB) ListActiveSubscriptionIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := d.pool.Query(ctx, `SELECT sub_id FROM subscriptions WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *DB) ListActiveSubscriptions(ctx context.Context) ([]*store.Subscription, error) {
	return d.querySubs(ctx, `
		SELECT sub_id, api_key, contract_id, url, topics, is_active, created_at, updated_at
		FROM subscriptions WHERE is_active ORDER BY sub_id
	`)
}

func (d *DB) querySubs(ctx context.Context, q string, args ...any) ([]*store.Subscription, error) {
	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*store.Subscription
	for rows.Next() {
		var s store.Subscription
		if err := rows.Scan(&s.SubID, &s.APIKey, &s.ContractID, &s.URL, &s.Topics, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

// ---- watermarks ----

func (d *DB) FindWaterMark(ctx context.Context, contractID string) (*store.EventWaterMark, error) {
	var wm store.EventWaterMark
	var raw []byte
	err := d.pool.QueryRow(ctx, `
		SELECT contract_id, reset_nonce, marks FROM event_watermarks WHERE contract_id = $1
	`, contractID).Scan(&wm.ContractID, &wm.ResetNonce, &raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &wm.Marks); err != nil {
		return nil, err
	}
	return &wm, nil
}

// UpsertWaterMark implements the find-one-and-update(upsert=true) semantics:
// replace the row for contractID with resetNonce and marks wholesale.
func (d *DB) UpsertWaterMark(ctx context.Context, contractID string, resetNonce int64, marks map[string]int64) error {
	raw, err := json.Marshal(marks)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO event_watermarks (contract_id, reset_nonce, marks)
		VALUES ($1, $2, $3)
		ON CONFLICT (contract_id) DO UPDATE SET reset_nonce = $2, marks = $3
	`, contractID, resetNonce, raw)
	return err
}

// ---- work items ----

// InsertWorkItems implements insertMany(ordered=false): every item is
// attempted independently under its own savepoint, and a unique-index
// collision on one item never aborts the rest. A non-duplicate-key error on
// any item is surfaced to the caller (the ingestion endpoint maps this to a
// 400 "error inserting" response), matching the original's handling of
// insert_many failures.
func (d *DB) InsertWorkItems(ctx context.Context, items []*store.WorkItem) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, it := range items {
		if it.ItemID == uuid.Nil {
			it.ItemID = uuid.New()
		}
		txJSON, err := json.Marshal(it.Transactions)
		if err != nil {
			return err
		}
		lockedUntil := it.LockedUntil
		if lockedUntil.IsZero() {
			lockedUntil = time.Now()
		}
		sp, err := tx.Begin(ctx)
		if err != nil {
			return err
		}
		_, err = sp.Exec(ctx, `
			INSERT INTO work_items (item_id, sub_id, contract_id, event_name, block_number, transactions, locked_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, it.ItemID, it.SubID, it.ContractID, it.EventName, it.BlockNumber, txJSON, lockedUntil)
		if err != nil {
			_ = sp.Rollback(ctx)
			if isUniqueViolation(err) {
				continue
			}
			return err
		}
		if err := sp.Commit(ctx); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (d *DB) FindWorkItemBatch(ctx context.Context, subID uuid.UUID, limit int) ([]*store.WorkItem, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT item_id, sub_id, contract_id, event_name, block_number, transactions, locked_until
		FROM work_items WHERE sub_id = $1 ORDER BY sub_id, block_number LIMIT $2
	`, subID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*store.WorkItem
	for rows.Next() {
		var it store.WorkItem
		var raw []byte
		if err := rows.Scan(&it.ItemID, &it.SubID, &it.ContractID, &it.EventName, &it.BlockNumber, &raw, &it.LockedUntil); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &it.Transactions); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (d *DB) AnyWorkItemPending(ctx context.Context, subID uuid.UUID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM work_items WHERE sub_id = $1)`, subID,
	).Scan(&exists)
	return exists, err
}

// ClaimWorkItem is the Lease Protocol's atomic conditional update: it flips
// locked_until forward only if the row is currently unlocked (locked_until
// <= now), reporting whether the claim succeeded via the matched row count.
func (d *DB) ClaimWorkItem(ctx context.Context, itemID uuid.UUID, lockedUntil time.Time) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE work_items SET locked_until = $2
		WHERE item_id = $1 AND locked_until <= now()
	`, itemID, lockedUntil)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (d *DB) ReleaseWorkItems(ctx context.Context, itemIDs []uuid.UUID, lockedUntil time.Time) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := d.pool.Exec(ctx,
		`UPDATE work_items SET locked_until = $2 WHERE item_id = ANY($1)`, itemIDs, lockedUntil)
	return err
}

func (d *DB) DeleteWorkItems(ctx context.Context, itemIDs []uuid.UUID) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := d.pool.Exec(ctx, `DELETE FROM work_items WHERE item_id = ANY($1)`, itemIDs)
	return err
}

func (d *DB) DeleteWorkItemsForSubscription(ctx context.Context, subID uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM work_items WHERE sub_id = $1`, subID)
	return err
}

// ---- config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	return err
}
