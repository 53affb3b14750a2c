package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"betledger/internal/ledger"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore keeps the ledger document as versioned rows in Postgres.
// Selecting this backend is a deliberate consistency upgrade over the shared
// file: every save is a transaction against a single authoritative server,
// so concurrent writers no longer clobber each other at document
// granularity. That changes observable behavior under concurrent load
// compared to the file backend, which stays the default.
type PostgresStore struct {
	db   *sql.DB
	keep int // revisions retained per save
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, keep: 10}
}

// Connect opens and pings a Postgres connection with the pool settings used
// by the service.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Load returns the latest persisted document, or an empty one if none has
// been saved yet.
func (ps *PostgresStore) Load(ctx context.Context) (*ledger.Document, error) {
	row := ps.db.QueryRowContext(ctx, `
		SELECT data FROM bets.documents
		ORDER BY revision DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return ledger.NewDocument(), nil
		}
		return nil, fmt.Errorf("load ledger document: %w", err)
	}

	doc := ledger.NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("unmarshal ledger document: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

// Save inserts a new revision and prunes old ones in the same transaction.
func (ps *PostgresStore) Save(ctx context.Context, doc *ledger.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ledger document: %w", err)
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bets.documents (document_id, data, created_at)
		VALUES ($1, $2, $3)
	`, uuid.New(), data, time.Now().UTC()); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert ledger document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM bets.documents
		WHERE revision <= (
			SELECT COALESCE(MAX(revision), 0) - $1 FROM bets.documents
		)
	`, ps.keep); err != nil {
		tx.Rollback()
		return fmt.Errorf("prune ledger documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}
