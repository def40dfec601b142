package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-context/internal/chunker"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/model"
)

// timeFormat is fixed-width so stored timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// DefaultRetrieveLimit is used when RetrieveParams.Limit is zero.
const DefaultRetrieveLimit = 5

// SQLiteStore implements MemoryStore, ArtifactStore and EventStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	clock  model.Clock
	logger *slog.Logger

	settings atomic.Pointer[Settings]

	enc *zstd.Encoder
	dec *zstd.Decoder

	// artifactLocks serializes writers per artifact id.
	artifactLocks sync.Map
}

// Settings are the store's tunables. They are swapped whole by Apply
// while the store is in use.
type Settings struct {
	// Embedder switches retrieval to embedding similarity. Keyword overlap
	// is used when it is nil or fails.
	Embedder      embedding.Embedder
	RetentionDays int  // default memory expiry
	MaxVersions   int  // bound on each artifact's version chain
	Compress      bool // zstd artifact content at rest
}

type options struct {
	clock    model.Clock
	logger   *slog.Logger
	settings Settings
}

// Option configures a SQLiteStore.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(c model.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithEmbedder switches retrieval to embedding similarity.
func WithEmbedder(e embedding.Embedder) Option { return func(o *options) { o.settings.Embedder = e } }

// WithRetentionDays sets the default memory expiry.
func WithRetentionDays(days int) Option { return func(o *options) { o.settings.RetentionDays = days } }

// WithMaxVersions bounds each artifact's version chain.
func WithMaxVersions(n int) Option { return func(o *options) { o.settings.MaxVersions = n } }

// WithCompression stores artifact content zstd-compressed.
func WithCompression(on bool) Option { return func(o *options) { o.settings.Compress = on } }

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: SQLite has a single writer, and transactions that
	// read then write would otherwise race for the upgrade.
	db.SetMaxOpenConns(1)

	o := options{
		clock:    model.SystemClock{},
		logger:   slog.Default(),
		settings: Settings{RetentionDays: 30, MaxVersions: 10},
	}
	for _, opt := range opts {
		opt(&o)
	}
	s := &SQLiteStore{db: db, path: dbPath, clock: o.clock, logger: o.logger}
	s.Apply(o.settings)

	if s.enc, err = zstd.NewWriter(nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	if s.dec, err = zstd.NewReader(nil); err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Apply replaces the store's settings. Calls in flight keep the settings
// they started with.
func (s *SQLiteStore) Apply(st Settings) { s.settings.Store(&st) }

func (s *SQLiteStore) current() *Settings { return s.settings.Load() }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		memory_type TEXT NOT NULL DEFAULT 'semantic',
		content     TEXT NOT NULL,
		tags        TEXT,
		metadata    TEXT,
		created_at  TEXT NOT NULL,
		expires_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);

	CREATE TABLE IF NOT EXISTS chunks (
		memory_id   TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		text        TEXT NOT NULL,
		vector      BLOB,
		PRIMARY KEY (memory_id, seq)
	);

	CREATE TABLE IF NOT EXISTS artifact_heads (
		artifact_id     TEXT PRIMARY KEY,
		current_version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifact_versions (
		artifact_id    TEXT NOT NULL,
		version        INTEGER NOT NULL,
		parent_version INTEGER,
		handle         TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		size_bytes     INTEGER NOT NULL,
		metadata       TEXT,
		encoding       TEXT NOT NULL DEFAULT 'raw',
		content        BLOB NOT NULL,
		PRIMARY KEY (artifact_id, version)
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		agent_id    TEXT,
		content     TEXT NOT NULL,
		critical    INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON session_events(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) now() time.Time { return s.clock.Now().UTC() }

func (s *SQLiteStore) Store(ctx context.Context, p StoreParams) (*model.Memory, error) {
	n := utf8.RuneCountInString(p.Content)
	if n < model.MinMemoryContent || n > model.MaxMemoryContent {
		return nil, model.Validationf("content length %d outside %d..%d", n, model.MinMemoryContent, model.MaxMemoryContent)
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, model.Validationf("content is blank")
	}

	now := s.now()
	mtype := p.Type
	if mtype == "" {
		mtype = model.DefaultMemoryType
	}

	mem := &model.Memory{
		ID:        model.NewID(now),
		Type:      mtype,
		Content:   p.Content,
		Tags:      p.Tags,
		Metadata:  p.Metadata,
		CreatedAt: now,
	}
	days := s.current().RetentionDays
	switch {
	case p.ExpiresAt != nil:
		t := p.ExpiresAt.UTC()
		if !t.After(now) {
			return nil, model.Validationf("expires_at %s is not in the future", t.Format(time.RFC3339))
		}
		mem.ExpiresAt = &t
	case days > 0:
		t := now.AddDate(0, 0, days)
		mem.ExpiresAt = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, memory_type, content, tags, metadata, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.Type, mem.Content, jsonOrNil(mem.Tags), jsonOrNil(mem.Metadata),
		now.Format(timeFormat), timeOrNil(mem.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	// Chunks carry lazily computed embedding vectors.
	for i, c := range chunker.Split(p.Content, chunker.ByteOptions()) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (memory_id, seq, text) VALUES (?, ?, ?)`, mem.ID, i, c.Text)
		if err != nil {
			return nil, fmt.Errorf("insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mem, nil
}

const memoryColumns = `id, memory_type, content, tags, metadata, created_at, expires_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE id = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		id, s.now().Format(timeFormat))
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, model.NotFoundf("memory %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns live memories, newest first.
func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	memories, err := s.candidates(ctx, p.Type, p.Tags)
	if err != nil {
		return nil, err
	}
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

// candidates loads live memories matching type and tags, newest first.
func (s *SQLiteStore) candidates(ctx context.Context, mtype string, tags []string) ([]model.Memory, error) {
	where := []string{"(expires_at IS NULL OR expires_at >= ?)"}
	args := []any{s.now().Format(timeFormat)}

	if mtype != "" {
		where = append(where, "memory_type = ?")
		args = append(args, mtype)
	}
	// Coarse prefilter; exact matching happens in HasTags.
	for _, tag := range tags {
		where = append(where, "tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if m.HasTags(tags) {
			memories = append(memories, m)
		}
	}
	return memories, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var tagsJSON, metaJSON, expiresAt sql.NullString
	var createdAt string

	err := row.Scan(&m.ID, &m.Type, &m.Content, &tagsJSON, &metaJSON, &createdAt, &expiresAt)
	if err != nil {
		return m, err
	}

	m.CreatedAt = parseTime(createdAt)
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
			return m, fmt.Errorf("memory %s: decode tags: %w", m.ID, err)
		}
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return m, fmt.Errorf("memory %s: decode metadata: %w", m.ID, err)
		}
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		m.ExpiresAt = &t
	}
	return m, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func jsonOrNil[T any](v T) any {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return nil
	}
	return string(b)
}
