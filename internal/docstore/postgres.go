package docstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"classcheck/internal/metrics"
)

// Postgres stores documents as JSONB rows with a revision column for
// optimistic concurrency. Subscriptions poll the matching set and push a
// fresh snapshot whenever it changes.
type Postgres struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgres wraps an open connection and ensures the documents table.
func NewPostgres(ctx context.Context, db *sql.DB, pollInterval time.Duration) (*Postgres, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	p := &Postgres{db: db, pollInterval: pollInterval}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       JSONB NOT NULL,
			rev        BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: ensure documents table failed: %w", err)
	}
	return p, nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

func (p *Postgres) Set(ctx context.Context, collection, id string, data json.RawMessage, merge bool) error {
	if merge {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (collection, id) DO UPDATE SET
				data = documents.data || EXCLUDED.data,
				rev = documents.rev + 1,
				updated_at = NOW()
		`, collection, id, string(data))
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			rev = documents.rev + 1,
			updated_at = NOW()
	`, collection, id, string(data))
	return err
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return err
}

func (p *Postgres) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	query := `SELECT id, data FROM documents WHERE collection = $1`
	args := []any{collection}
	switch {
	case q.Field == "":
	case q.Op == OpEqual:
		query += ` AND data->>$2 = $3`
		args = append(args, q.Field, q.Value)
	case q.Op == OpArrayContains:
		// legacy rosters may hold {"email": ...} objects instead of strings
		query += ` AND (data->$2 @> to_jsonb(ARRAY[$3::text]) OR data->$2 @> jsonb_build_array(jsonb_build_object('email', $3::text)))`
		args = append(args, q.Field, q.Value)
	default:
		return nil, fmt.Errorf("postgres: unsupported query op %q", q.Op)
	}
	query += ` ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var doc Document
		var data []byte
		if err := rows.Scan(&doc.ID, &data); err != nil {
			return nil, err
		}
		doc.Data = data
		out = append(out, doc)
	}
	return out, rows.Err()
}

type pgTx struct {
	ctx    context.Context
	db     *sql.DB
	reads  map[[2]string]int64
	writes []pgWrite
}

type pgWrite struct {
	collection, id string
	data           json.RawMessage // nil means delete
}

func (t *pgTx) Get(collection, id string) (Document, error) {
	var data []byte
	var rev int64
	err := t.db.QueryRowContext(t.ctx,
		`SELECT data, rev FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		t.reads[[2]string{collection, id}] = 0
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t.reads[[2]string{collection, id}] = rev
	return Document{ID: id, Data: data}, nil
}

func (t *pgTx) Set(collection, id string, data json.RawMessage) {
	t.writes = append(t.writes, pgWrite{collection, id, append(json.RawMessage(nil), data...)})
}

func (t *pgTx) Delete(collection, id string) {
	t.writes = append(t.writes, pgWrite{collection: collection, id: id})
}

// RunTransaction commits inside a SQL transaction, guarding every read with
// its observed revision. A revision mismatch rolls back and retries fn.
func (p *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &pgTx{ctx: ctx, db: p.db, reads: make(map[[2]string]int64)}
		if err := fn(tx); err != nil {
			return err
		}
		ok, err := p.commit(ctx, tx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		metrics.TxRetries.Inc()
	}
	return ErrConflict
}

func (p *Postgres) commit(ctx context.Context, tx *pgTx) (bool, error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = sqlTx.Rollback() }()

	for key, wantRev := range tx.reads {
		var rev int64
		err := sqlTx.QueryRowContext(ctx,
			`SELECT rev FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
			key[0], key[1]).Scan(&rev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if wantRev != 0 {
				return false, nil
			}
		case err != nil:
			return false, err
		case rev != wantRev:
			return false, nil
		}
	}
	for _, w := range tx.writes {
		if w.data == nil {
			if _, err := sqlTx.ExecContext(ctx,
				`DELETE FROM documents WHERE collection = $1 AND id = $2`, w.collection, w.id); err != nil {
				return false, err
			}
			continue
		}
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (collection, id) DO UPDATE SET
				data = EXCLUDED.data,
				rev = documents.rev + 1,
				updated_at = NOW()
		`, w.collection, w.id, string(w.data)); err != nil {
			return false, err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe polls the query at the configured interval and pushes a full
// snapshot whenever the matching set changes.
func (p *Postgres) Subscribe(ctx context.Context, collection string, q Query, push func([]Document)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		var last []byte
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			docs, err := p.Query(subCtx, collection, q)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				log.Printf("postgres: subscription poll for %s failed: %v", collection, err)
			} else {
				digest, err := json.Marshal(docs)
				if err == nil && !bytes.Equal(digest, last) {
					last = digest
					push(docs)
				}
			}
			select {
			case <-ticker.C:
			case <-subCtx.Done():
				return
			}
		}
	}()

	var once sync.Once
	teardown := func() { once.Do(cancel) }
	return teardown, nil
}
