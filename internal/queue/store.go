// Package queue persists conversion requests in the embedded database
// so they survive restarts, and drains them through the job executor
// using a pool of sleeping workers.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/meltforge/meltforge/internal/database"
	"github.com/meltforge/meltforge/internal/format"
	"github.com/meltforge/meltforge/internal/job"
)

var (
	ErrItemNotFound = errors.New("no queue item found with the given ID")

	// ErrItemRunning is returned when an item cannot be cancelled from
	// here because the engine executing it lives in another process.
	ErrItemRunning = errors.New("queue item is running; cancel it through the engine executing it")
)

type (
	// Item is one persisted conversion request. Status mirrors the job
	// state machine, with the addition that a persisted item returns to
	// QUEUED on restart if the process died while it was running.
	Item struct {
		ID        int64     `db:"id"`
		Source    string    `db:"source"`
		Target    string    `db:"target"`
		Output    string    `db:"output"`
		Options   string    `db:"options"`
		Status    string    `db:"status"`
		Plugin    string    `db:"plugin"`
		ErrorKind string    `db:"error_kind"`
		Message   string    `db:"message"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// Store provides CRUD access to the persistent queue.
	Store struct {
		db *sqlx.DB
	}
)

// DecodeOptions unpacks the item's JSON-encoded conversion options.
func (item *Item) DecodeOptions() map[string]any {
	if item.Options == "" {
		return nil
	}

	var options map[string]any
	if err := json.Unmarshal([]byte(item.Options), &options); err != nil {
		return nil
	}
	return options
}

func (item *Item) TargetKind() (format.Kind, error) {
	return format.ParseKind(item.Target)
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Add persists a new QUEUED item and returns it with its assigned ID.
func (store *Store) Add(source string, target format.Kind, output string, options map[string]any) (*Item, error) {
	encodedOptions := "{}"
	if len(options) > 0 {
		data, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("failed to encode queue item options: %w", err)
		}
		encodedOptions = string(data)
	}

	// Insert and read-back run in one transaction so the returned item
	// reflects exactly the row that was persisted.
	var item Item
	err := database.WrapTx(store.db, func(tx *sqlx.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO queue_items (source, target, output, options, status)
			VALUES ($1, $2, $3, $4, $5)`,
			source, string(target), output, encodedOptions, job.Queued.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert queue item: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return err
		}

		return tx.Get(&item, `SELECT * FROM queue_items WHERE id = $1`, id)
	})
	if err != nil {
		return nil, err
	}

	return &item, nil
}

// Get returns the item with the given ID.
func (store *Store) Get(id int64) (*Item, error) {
	var item Item
	if err := store.db.Get(&item, `SELECT * FROM queue_items WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}

	return &item, nil
}

// All returns every item in the queue, oldest first.
func (store *Store) All() ([]Item, error) {
	items := make([]Item, 0)
	if err := store.db.Select(&items, `SELECT * FROM queue_items ORDER BY id ASC`); err != nil {
		return nil, err
	}

	return items, nil
}

// Pending returns every item still awaiting execution, oldest first.
func (store *Store) Pending() ([]Item, error) {
	items := make([]Item, 0)
	if err := store.db.Select(&items,
		`SELECT * FROM queue_items WHERE status = $1 ORDER BY id ASC`,
		job.Queued.String(),
	); err != nil {
		return nil, err
	}

	return items, nil
}

// Claim transitions the item from QUEUED to RUNNING, returning false if
// another worker claimed it first (or it was cancelled in the interim).
func (store *Store) Claim(id int64) (bool, error) {
	result, err := store.db.Exec(`
		UPDATE queue_items
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status = $3`,
		job.Running.String(), id, job.Queued.String(),
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkCancelled transitions a QUEUED item straight to CANCELLED. Running
// items are cancelled through the executor instead, which records the
// outcome when the invocation winds down.
func (store *Store) MarkCancelled(id int64) (bool, error) {
	result, err := store.db.Exec(`
		UPDATE queue_items
		SET status = $1, error_kind = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = $4`,
		job.Cancelled.String(), job.ErrorCancelled.String(), id, job.Queued.String(),
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordOutcome writes a job's terminal state back to the item that
// spawned it.
func (store *Store) RecordOutcome(id int64, outcome job.Outcome) error {
	_, err := store.db.Exec(`
		UPDATE queue_items
		SET status = $1, plugin = $2, output = $3, error_kind = $4, message = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $6`,
		outcome.Status.String(), outcome.Plugin, outcome.OutputPath, errorKindColumn(outcome.ErrKind), outcome.Message, id,
	)
	return err
}

// Requeue returns every RUNNING item to QUEUED. Called on startup to
// recover items orphaned by an unclean shutdown mid-conversion.
func (store *Store) Requeue() (int64, error) {
	result, err := store.db.Exec(`
		UPDATE queue_items
		SET status = $1, plugin = '', updated_at = CURRENT_TIMESTAMP
		WHERE status = $2`,
		job.Queued.String(), job.Running.String(),
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func errorKindColumn(kind job.ErrorKind) string {
	if kind == job.ErrorNone {
		return ""
	}
	return kind.String()
}
