package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckStore is a Storage adapter backed by a single DuckDB database, for
// hosts that want SQL-queryable stream history. Records are rows keyed by
// their end offset; the fixed-width offset encoding makes string ordering
// match stream ordering, so range reads are plain comparisons.
type DuckStore struct {
	db *sql.DB
}

// NewDuckStore opens (or creates) the database at path and ensures the
// schema exists.
func NewDuckStore(path string) (*DuckStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB is single-writer; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS streams (
	path         VARCHAR PRIMARY KEY,
	id           VARCHAR NOT NULL,
	content_type VARCHAR NOT NULL,
	tail         VARCHAR NOT NULL,
	last_seq     VARCHAR NOT NULL DEFAULT '',
	ttl_seconds  BIGINT,
	expires_at   BIGINT,
	created_at   BIGINT NOT NULL,
	closed       BOOLEAN NOT NULL DEFAULT FALSE,
	closed_by    VARCHAR,
	producers    VARCHAR NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS records (
	path       VARCHAR NOT NULL,
	end_offset VARCHAR NOT NULL,
	data       BLOB NOT NULL,
	PRIMARY KEY (path, end_offset)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DuckStore{db: db}, nil
}

func (s *DuckStore) Create(path, id string, cfg StreamConfig, initial [][]byte) (*StreamMeta, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := s.headTx(tx, path)
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		return nil, false, err
	}
	if existing != nil {
		if !existing.IsExpired(time.Now()) {
			return existing, false, nil
		}
		if err := s.deleteTx(tx, path); err != nil {
			return nil, false, err
		}
	}

	contentType := cfg.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	meta := &StreamMeta{
		Path:        path,
		ID:          id,
		ContentType: contentType,
		Tail:        ZeroOffset,
		TTLSeconds:  cfg.TTLSeconds,
		ExpiresAt:   cfg.ExpiresAt,
		CreatedAt:   time.Now(),
		Producers:   make(map[string]*ProducerState),
	}

	var expiresAt *int64
	if cfg.ExpiresAt != nil {
		ts := cfg.ExpiresAt.Unix()
		expiresAt = &ts
	}
	if _, err := tx.Exec(
		`INSERT INTO streams (path, id, content_type, tail, ttl_seconds, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		path, id, contentType, ZeroOffset.String(), cfg.TTLSeconds, expiresAt, meta.CreatedAt.Unix(),
	); err != nil {
		return nil, false, fmt.Errorf("insert stream: %w", err)
	}

	if len(initial) > 0 {
		tail, err := insertRecords(tx, path, ZeroOffset, initial)
		if err != nil {
			return nil, false, err
		}
		meta.Tail = tail
		if _, err := tx.Exec(`UPDATE streams SET tail = ? WHERE path = ?`, tail.String(), path); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return meta.Clone(), true, nil
}

func (s *DuckStore) Head(path string) (*StreamMeta, error) {
	meta, err := s.headTx(s.db, path)
	if err != nil {
		return nil, err
	}
	if meta.IsExpired(time.Now()) {
		return nil, ErrStreamNotFound
	}
	return meta, nil
}

// querier lets headTx run against the pool or a transaction.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *DuckStore) headTx(q querier, path string) (*StreamMeta, error) {
	row := q.QueryRow(
		`SELECT id, content_type, tail, last_seq, ttl_seconds, expires_at, created_at, closed, closed_by, producers
		 FROM streams WHERE path = ?`, path)

	var (
		meta      = StreamMeta{Path: path}
		tail      string
		expiresAt sql.NullInt64
		ttl       sql.NullInt64
		createdAt int64
		closedBy  sql.NullString
		producers string
	)
	err := row.Scan(&meta.ID, &meta.ContentType, &tail, &meta.LastSeq,
		&ttl, &expiresAt, &createdAt, &meta.Closed, &closedBy, &producers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query stream: %w", err)
	}

	meta.Tail, err = ParseOffset(tail)
	if err != nil {
		return nil, fmt.Errorf("parse stored tail: %w", err)
	}
	meta.CreatedAt = time.Unix(createdAt, 0)
	if ttl.Valid {
		meta.TTLSeconds = &ttl.Int64
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		meta.ExpiresAt = &t
	}
	if closedBy.Valid && closedBy.String != "" {
		cb := &ClosedBy{}
		if err := json.Unmarshal([]byte(closedBy.String), cb); err != nil {
			return nil, fmt.Errorf("parse closed_by: %w", err)
		}
		meta.ClosedBy = cb
	}
	meta.Producers = make(map[string]*ProducerState)
	if producers != "" && producers != "{}" {
		if err := json.Unmarshal([]byte(producers), &meta.Producers); err != nil {
			return nil, fmt.Errorf("parse producers: %w", err)
		}
	}
	return &meta, nil
}

func (s *DuckStore) Delete(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.headTx(tx, path); err != nil {
		return err
	}
	if err := s.deleteTx(tx, path); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DuckStore) deleteTx(tx *sql.Tx, path string) error {
	if _, err := tx.Exec(`DELETE FROM records WHERE path = ?`, path); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM streams WHERE path = ?`, path)
	return err
}

func (s *DuckStore) Append(path string, records [][]byte, upd MetaUpdate) (Offset, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Offset{}, err
	}
	defer tx.Rollback()

	meta, err := s.headTx(tx, path)
	if err != nil {
		return Offset{}, err
	}
	if meta.IsExpired(time.Now()) {
		return Offset{}, ErrStreamNotFound
	}

	tail := meta.Tail
	if len(records) > 0 {
		tail, err = insertRecords(tx, path, tail, records)
		if err != nil {
			return Offset{}, err
		}
	}

	applyMetaUpdate(meta, upd)
	meta.Tail = tail

	var closedBy any
	if meta.ClosedBy != nil {
		b, err := json.Marshal(meta.ClosedBy)
		if err != nil {
			return Offset{}, err
		}
		closedBy = string(b)
	}
	producers, err := json.Marshal(meta.Producers)
	if err != nil {
		return Offset{}, err
	}
	if _, err := tx.Exec(
		`UPDATE streams SET tail = ?, last_seq = ?, closed = ?, closed_by = ?, producers = ? WHERE path = ?`,
		tail.String(), meta.LastSeq, meta.Closed, closedBy, string(producers), path,
	); err != nil {
		return Offset{}, fmt.Errorf("update stream: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Offset{}, err
	}
	return tail, nil
}

func insertRecords(tx *sql.Tx, path string, tail Offset, records [][]byte) (Offset, error) {
	for _, data := range records {
		tail = tail.Advance(uint64(len(data)))
		if _, err := tx.Exec(
			`INSERT INTO records (path, end_offset, data) VALUES (?, ?, ?)`,
			path, tail.String(), data,
		); err != nil {
			return Offset{}, fmt.Errorf("insert record: %w", err)
		}
	}
	return tail, nil
}

func (s *DuckStore) Read(path string, from Offset, maxBytes int64) ([]Record, Offset, bool, error) {
	meta, err := s.Head(path)
	if err != nil {
		return nil, Offset{}, false, err
	}
	if !from.Less(meta.Tail) {
		return nil, from, true, nil
	}

	rows, err := s.db.Query(
		`SELECT end_offset, data FROM records WHERE path = ? AND end_offset > ? ORDER BY end_offset`,
		path, from.String())
	if err != nil {
		return nil, Offset{}, false, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var (
		out  []Record
		size int64
	)
	next := from
	for rows.Next() {
		var (
			endStr string
			data   []byte
		)
		if err := rows.Scan(&endStr, &data); err != nil {
			return nil, Offset{}, false, err
		}
		end, err := ParseOffset(endStr)
		if err != nil {
			return nil, Offset{}, false, fmt.Errorf("parse record offset: %w", err)
		}
		if len(out) > 0 && maxBytes > 0 && size+int64(len(data)) > maxBytes {
			break
		}
		out = append(out, Record{Data: data, End: end})
		size += int64(len(data))
		next = end
	}
	if err := rows.Err(); err != nil {
		return nil, Offset{}, false, err
	}
	if len(out) == 0 {
		next = from
	}
	return out, next, !next.Less(meta.Tail), nil
}

func (s *DuckStore) Sweep(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT path FROM streams
		 WHERE (expires_at IS NOT NULL AND expires_at < ?)
		    OR (ttl_seconds IS NOT NULL AND created_at + ttl_seconds < ?)`,
		now.Unix(), now.Unix())
	if err != nil {
		return nil, err
	}
	var expired []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, path)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, path := range expired {
		if err := s.Delete(path); err != nil && !errors.Is(err, ErrStreamNotFound) {
			return expired, err
		}
	}
	return expired, nil
}

func (s *DuckStore) Close() error { return s.db.Close() }

var _ Storage = (*DuckStore)(nil)
