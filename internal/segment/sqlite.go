package segment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Compile-time interface check.
var _ Store = (*SQLite)(nil)

const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

// SQLite is the Store implementation backed by a single SQLite database.
type SQLite struct {
	db     *sql.DB
	path   string
	dim    int
	logger zerolog.Logger
}

// NewSQLite opens (creating if needed) the store at path and pins its
// embedding dimension. Reopening an existing store with a different
// dimension fails with ErrDimensionMismatch.
func NewSQLite(ctx context.Context, path string, dim int, logger zerolog.Logger) (*SQLite, error) {
	if dim <= 0 {
		return nil, wrap("open", "", fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dim))
	}

	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, wrap("open", "", fmt.Errorf("failed to open database: %w", err))
	}
	// WAL allows concurrent readers; writes are serialized by SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	s := &SQLite{
		db:     db,
		path:   path,
		dim:    dim,
		logger: logger.With().Str("component", "segment").Logger(),
	}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return wrap("open", "", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'dimension'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO store_meta (key, value) VALUES ('dimension', ?)", strconv.Itoa(s.dim))
		return wrap("open", "", err)
	case err != nil:
		return wrap("open", "", err)
	}

	pinned, err := strconv.Atoi(stored)
	if err != nil {
		return wrap("open", "", fmt.Errorf("%w: stored dimension %q", ErrCorrupt, stored))
	}
	if pinned != s.dim {
		return wrap("open", "", fmt.Errorf("%w: store was created with %d, configured %d", ErrDimensionMismatch, pinned, s.dim))
	}
	return nil
}

// Dimension implements Store.
func (s *SQLite) Dimension() int { return s.dim }

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Write implements Store.
func (s *SQLite) Write(ctx context.Context, seg Segment) error {
	if seg.Key == "" {
		return wrap("write", "", ErrEmptyKey)
	}
	if seg.Embedded() && len(seg.Embedding) != s.dim {
		return wrap("write", seg.Key, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(seg.Embedding), s.dim))
	}
	meta, err := encodeMeta(seg.Meta)
	if err != nil {
		return wrap("write", seg.Key, err)
	}

	now := time.Now().UTC()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}

	query := `INSERT INTO segments (key, embedding, metadata, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`
	if Mutable(seg.Key) {
		query = `INSERT INTO segments (key, embedding, metadata, content, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET metadata = excluded.metadata,
				content = excluded.content, updated_at = excluded.updated_at`
	}

	res, err := s.db.ExecContext(ctx, query,
		seg.Key, encodeVector(seg.Embedding), meta, seg.Content,
		seg.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return wrap("write", seg.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("write", seg.Key, err)
	}
	if n == 0 {
		return wrap("write", seg.Key, ErrDuplicateKey)
	}
	return nil
}

// Read implements Store.
func (s *SQLite) Read(ctx context.Context, key string) (Segment, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT key, embedding, metadata, content, created_at, updated_at FROM segments WHERE key = ?", key)
	seg, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, wrap("read", key, ErrNotFound)
	}
	if err != nil {
		return Segment{}, wrap("read", key, err)
	}
	return seg, nil
}

// Update implements Store.
func (s *SQLite) Update(ctx context.Context, key, content string, meta Metadata) error {
	if !Mutable(key) {
		return wrap("update", key, ErrImmutable)
	}
	encoded, err := encodeMeta(meta)
	if err != nil {
		return wrap("update", key, err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE segments SET content = ?, metadata = ?, updated_at = ? WHERE key = ?",
		content, encoded, time.Now().UTC().UnixNano(), key)
	if err != nil {
		return wrap("update", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update", key, err)
	}
	if n == 0 {
		return wrap("update", key, ErrNotFound)
	}
	return nil
}

// Scan implements Store.
func (s *SQLite) Scan(ctx context.Context, prefix string) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		query := "SELECT key, embedding, metadata, content, created_at, updated_at FROM segments"
		var args []any
		if prefix != "" {
			query += " WHERE key >= ? AND key < ?"
			args = append(args, prefix, prefixEnd(prefix))
		}
		query += " ORDER BY key"

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Segment{}, wrap("scan", prefix, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			seg, err := s.scanRow(rows)
			if errors.Is(err, ErrCorrupt) {
				s.logger.Warn().Err(err).Str("key", seg.Key).Msg("skipping corrupt segment")
				continue
			}
			if err != nil {
				yield(Segment{}, wrap("scan", prefix, err))
				return
			}
			if !yield(seg, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Segment{}, wrap("scan", prefix, err))
		}
	}
}

// Count implements Store.
func (s *SQLite) Count(ctx context.Context, prefix string) (int, error) {
	var n int
	var err error
	if prefix == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM segments").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM segments WHERE key >= ? AND key < ?", prefix, prefixEnd(prefix)).Scan(&n)
	}
	return n, wrap("count", prefix, err)
}

// SaveGraph implements Store.
func (s *SQLite) SaveGraph(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO index_checkpoints (name, data, updated_at) VALUES (?, ?, ?)",
		name, data, time.Now().UTC().UnixNano())
	return wrap("save_graph", name, err)
}

// LoadGraph implements Store.
func (s *SQLite) LoadGraph(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM index_checkpoints WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, wrap("load_graph", name, err)
}

// Checkpoint implements Store by folding the WAL into the database file.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return wrap("checkpoint", "", err)
}

// Optimize runs SQLite's planner statistics refresh.
func (s *SQLite) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	return wrap("optimize", "", err)
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRow decodes one row. Decode failures wrap ErrCorrupt and still return
// the key so callers can log it.
func (s *SQLite) scanRow(r rowScanner) (Segment, error) {
	var (
		seg       Segment
		blob      []byte
		meta      string
		createdAt int64
		updatedAt int64
	)
	if err := r.Scan(&seg.Key, &blob, &meta, &seg.Content, &createdAt, &updatedAt); err != nil {
		return Segment{}, err
	}
	seg.CreatedAt = time.Unix(0, createdAt).UTC()
	seg.UpdatedAt = time.Unix(0, updatedAt).UTC()

	var err error
	if seg.Embedding, err = decodeVector(blob, s.dim); err != nil {
		return Segment{Key: seg.Key}, err
	}
	if seg.Meta, err = decodeMeta(meta); err != nil {
		return Segment{Key: seg.Key}, err
	}
	return seg, nil
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(append([]byte(prefix), 0xff))
}
