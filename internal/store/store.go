// Package store persists resolved tracks so repeated loads skip the source
// plugins. A bounded in-memory tier sits in front of a sqlite table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/track"
)

const (
	defaultBusyTimeout = 5 * time.Second
	defaultMemorySize  = 512
	defaultTTL         = 24 * time.Hour
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS track_cache (
		identifier TEXT PRIMARY KEY,
		result     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_track_cache_created ON track_cache(created_at)`,
}

// Options describes parameters for opening the cache.
type Options struct {
	Path       string        // sqlite file path
	MemorySize int           // entries kept in memory (default 512)
	TTL        time.Duration // entry lifetime (default 24h)
	Now        func() time.Time
}

type entry struct {
	result  source.Result
	created time.Time
}

// Store is a two-tier track cache.
type Store struct {
	db     *sql.DB
	memory *lru.Cache[string, entry]
	ttl    time.Duration
	now    func() time.Time
	path   string
}

// Open initialises the cache database at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store: path is required")
	}
	if opts.MemorySize <= 0 {
		opts.MemorySize = defaultMemorySize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	memory, err := lru.New[string, entry](opts.MemorySize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: memory tier: %w", err)
	}

	return &Store{db: db, memory: memory, ttl: opts.TTL, now: opts.Now, path: opts.Path}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return tx.Commit()
}

// Close finalises the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database.
func (s *Store) Path() string {
	return s.path
}

// Get returns a cached result that has not expired.
func (s *Store) Get(ctx context.Context, identifier string) (source.Result, bool, error) {
	now := s.now()
	if e, ok := s.memory.Get(identifier); ok {
		if now.Sub(e.created) < s.ttl {
			return e.result, true, nil
		}
		s.memory.Remove(identifier)
	}

	var (
		raw     string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT result, created_at FROM track_cache WHERE identifier = ?`, identifier).Scan(&raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return source.Result{}, false, nil
	}
	if err != nil {
		return source.Result{}, false, fmt.Errorf("store: query %q: %w", identifier, err)
	}

	createdAt := time.UnixMilli(created)
	if now.Sub(createdAt) >= s.ttl {
		return source.Result{}, false, nil
	}

	res, err := decodeResult(raw)
	if err != nil {
		return source.Result{}, false, fmt.Errorf("store: decode %q: %w", identifier, err)
	}
	s.memory.Add(identifier, entry{result: res, created: createdAt})
	return res, true, nil
}

// Put stores res under identifier in both tiers.
func (s *Store) Put(ctx context.Context, identifier string, res source.Result) error {
	raw, err := encodeResult(res)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", identifier, err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO track_cache (identifier, result, created_at) VALUES (?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET result = excluded.result, created_at = excluded.created_at`,
		identifier, raw, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: upsert %q: %w", identifier, err)
	}
	s.memory.Add(identifier, entry{result: res, created: now})
	return nil
}

// Prune deletes expired rows and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM track_cache WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

// Len reports the number of entries in the memory tier.
func (s *Store) Len() int {
	return s.memory.Len()
}

// Rows hold tracks as tokens so fields hidden from JSON survive.
type row struct {
	LoadType source.LoadType      `json:"loadType"`
	Tracks   []string             `json:"tracks"`
	Playlist *source.PlaylistInfo `json:"playlist,omitempty"`
}

func encodeResult(res source.Result) (string, error) {
	r := row{LoadType: res.LoadType, Playlist: res.Playlist}
	for _, info := range res.Tracks {
		token, err := track.Encode(info)
		if err != nil {
			return "", err
		}
		r.Tracks = append(r.Tracks, token)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeResult(raw string) (source.Result, error) {
	var r row
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return source.Result{}, err
	}
	res := source.Result{LoadType: r.LoadType, Playlist: r.Playlist}
	for _, token := range r.Tracks {
		info, err := track.Decode(token)
		if err != nil {
			return source.Result{}, err
		}
		res.Tracks = append(res.Tracks, info)
	}
	return res, nil
}
