package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"waresync/internal/models"
)

// IndexSpec declares a secondary index over a top-level JSON field of the
// collection's documents.
type IndexSpec struct {
	Field  string
	Unique bool
}

// CollectionSpec declares one named record collection. The primary key is
// always the document key passed to Put/Add.
type CollectionSpec struct {
	Name    string
	Indexes []IndexSpec
}

// Item pairs a key with its document for bulk writes.
type Item struct {
	Key string
	Doc any
}

// Store is the durable client-side cache. It is backed by an embedded SQLite
// database with one table per collection; documents are stored as JSON and
// secondary indexes are expression indexes over json_extract. The remote
// store stays authoritative, so schema upgrades may drop and rebuild
// collections.
type Store struct {
	db    *sql.DB
	specs map[string]CollectionSpec
	log   *zap.Logger
}

// Open opens (or creates) the cache at path with the given schema version.
// Opening with a higher version than previously persisted drops and recreates
// every collection; a lower version is an error.
func Open(path string, version int, specs []CollectionSpec, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite permits one writer; serializing through a single connection also
	// gives each call record-level mutual exclusion.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, specs: make(map[string]CollectionSpec), log: log}
	for _, spec := range specs {
		s.specs[spec.Name] = spec
	}

	if err := s.migrate(version); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(version int) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (id INTEGER PRIMARY KEY CHECK (id = 1), version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var stored int
	err := s.db.QueryRow(`SELECT version FROM schema_meta WHERE id = 1`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_meta (id, version) VALUES (1, ?)`, version); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case stored > version:
		return fmt.Errorf("cache schema version %d is newer than requested %d", stored, version)
	case stored < version:
		s.log.Info("cache schema upgrade, rebuilding collections",
			zap.Int("from", stored), zap.Int("to", version))
		for name := range s.specs {
			if _, err := s.db.Exec(`DROP TABLE IF EXISTS ` + tableName(name)); err != nil {
				return fmt.Errorf("drop collection %s: %w", name, err)
			}
		}
		if _, err := s.db.Exec(`UPDATE schema_meta SET version = ? WHERE id = 1`, version); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}

	for name, spec := range s.specs {
		table := tableName(name)
		if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (k TEXT PRIMARY KEY, doc TEXT NOT NULL)`); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		for _, idx := range spec.Indexes {
			unique := ""
			if idx.Unique {
				unique = "UNIQUE "
			}
			stmt := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS idx_%s_%s ON %s (json_extract(doc, '$.%s'))`,
				unique, name, idx.Field, table, idx.Field)
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("create index %s.%s: %w", name, idx.Field, err)
			}
		}
	}
	return nil
}

func tableName(collection string) string {
	return "c_" + collection
}

func (s *Store) spec(collection string) (CollectionSpec, error) {
	spec, ok := s.specs[collection]
	if !ok {
		return CollectionSpec{}, fmt.Errorf("unknown collection %q", collection)
	}
	return spec, nil
}

// Get returns the raw document for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	if _, err := s.spec(collection); err != nil {
		return nil, err
	}
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM `+tableName(collection)+` WHERE k = ?`, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrNotFound, collection, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// GetInto decodes the document for key into dest.
func (s *Store) GetInto(ctx context.Context, collection, key string, dest any) error {
	doc, err := s.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, dest)
}

// GetAll returns every document in the collection, ordered by key.
func (s *Store) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if _, err := s.spec(collection); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM `+tableName(collection)+` ORDER BY k`)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Put upserts a document under key.
func (s *Store) Put(ctx context.Context, collection, key string, item any) error {
	if _, err := s.spec(collection); err != nil {
		return err
	}
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+tableName(collection)+` (k, doc) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET doc = excluded.doc`,
		key, string(doc))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Add inserts a document and fails with ErrConflict if the key (or a unique
// index value) already exists.
func (s *Store) Add(ctx context.Context, collection, key string, item any) error {
	if _, err := s.spec(collection); err != nil {
		return err
	}
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+tableName(collection)+` (k, doc) VALUES (?, ?)`, key, string(doc))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s/%s", models.ErrConflict, collection, key)
		}
		return fmt.Errorf("add %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes a document. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.spec(collection); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+tableName(collection)+` WHERE k = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// BulkPut upserts items best-effort inside one transaction: individual item
// failures are logged and skipped, the call fails only if the transaction
// itself cannot commit.
func (s *Store) BulkPut(ctx context.Context, collection string, items []Item) error {
	if _, err := s.spec(collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bulk put %s: %w", collection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+tableName(collection)+` (k, doc) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET doc = excluded.doc`)
	if err != nil {
		return fmt.Errorf("bulk put %s: %w", collection, err)
	}
	defer stmt.Close()

	for _, item := range items {
		doc, err := json.Marshal(item.Doc)
		if err != nil {
			s.log.Warn("bulk put: skipping unmarshalable item",
				zap.String("collection", collection), zap.String("key", item.Key), zap.Error(err))
			continue
		}
		if _, err := stmt.ExecContext(ctx, item.Key, string(doc)); err != nil {
			s.log.Warn("bulk put: item write failed",
				zap.String("collection", collection), zap.String("key", item.Key), zap.Error(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bulk put %s: %w", collection, err)
	}
	return nil
}

// GetByIndex returns all documents whose indexed field equals value. The
// field must be declared in the collection's spec.
func (s *Store) GetByIndex(ctx context.Context, collection, field string, value any) ([]json.RawMessage, error) {
	spec, err := s.spec(collection)
	if err != nil {
		return nil, err
	}
	declared := false
	for _, idx := range spec.Indexes {
		if idx.Field == field {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("collection %q has no index on %q", collection, field)
	}

	query := fmt.Sprintf(`SELECT doc FROM %s WHERE json_extract(doc, '$.%s') = ? ORDER BY k`, tableName(collection), field)
	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("get by index %s.%s: %w", collection, field, err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if _, err := s.spec(collection); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableName(collection)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Clear removes every document from the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	if _, err := s.spec(collection); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+tableName(collection)); err != nil {
		return fmt.Errorf("clear %s: %w", collection, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
