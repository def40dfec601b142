package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rcliao/agent-context/internal/model"
)

// Content smaller than this is stored raw even with compression enabled.
const minCompressBytes = 512

const (
	encodingRaw  = "raw"
	encodingZstd = "zstd"
)

func (s *SQLiteStore) lockArtifact(id string) func() {
	v, _ := s.artifactLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateVersion appends a version to an artifact's chain. The new version
// is always current+1; an explicit ParentVersion that is not the current
// max fails with model.ErrStaleWrite. Versions beyond the configured bound
// are pruned oldest first and survivors are never renumbered.
func (s *SQLiteStore) CreateVersion(ctx context.Context, p CreateVersionParams) (*model.ArtifactVersion, error) {
	id := strings.TrimSpace(p.ArtifactID)
	if id == "" || id != p.ArtifactID || strings.ContainsAny(id, "@/ ") {
		return nil, model.Validationf("invalid artifact id %q", p.ArtifactID)
	}
	if p.ParentVersion != nil && *p.ParentVersion < 1 {
		return nil, model.Validationf("parent_version must be >= 1")
	}

	unlock := s.lockArtifact(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current := 0
	err = tx.QueryRowContext(ctx,
		`SELECT current_version FROM artifact_heads WHERE artifact_id = ?`, id).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read head: %w", err)
	}

	if p.ParentVersion != nil && *p.ParentVersion != current {
		return nil, fmt.Errorf("%w: artifact %s parent v%d, current v%d", model.ErrStaleWrite, id, *p.ParentVersion, current)
	}

	version := current + 1
	var parent *int
	if current > 0 {
		c := current
		parent = &c
	}

	// Compare-and-increment on the head pointer.
	var res sql.Result
	if current == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO artifact_heads (artifact_id, current_version) VALUES (?, 1)
			 ON CONFLICT(artifact_id) DO NOTHING`, id)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE artifact_heads SET current_version = ? WHERE artifact_id = ? AND current_version = ?`,
			version, id, current)
	}
	if err != nil {
		return nil, fmt.Errorf("advance head: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("%w: artifact %s moved past v%d", model.ErrStaleWrite, id, current)
	}

	now := s.now()
	av := &model.ArtifactVersion{
		ArtifactID:    id,
		Version:       version,
		ParentVersion: parent,
		CreatedAt:     now,
		SizeBytes:     len(p.Content),
		Metadata:      p.Metadata,
		Content:       p.Content,
	}
	av.Handle = av.Ref().String()

	st := s.current()
	stored, enc := p.Content, encodingRaw
	if st.Compress && len(p.Content) >= minCompressBytes {
		stored, enc = s.enc.EncodeAll(p.Content, nil), encodingZstd
	}
	if stored == nil {
		stored = []byte{}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifact_versions (artifact_id, version, parent_version, handle, created_at, size_bytes, metadata, encoding, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, version, parent, av.Handle, now.Format(timeFormat), av.SizeBytes,
		jsonOrNil(p.Metadata), enc, stored)
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if st.MaxVersions > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM artifact_versions WHERE artifact_id = ? AND version <= ?`,
			id, version-st.MaxVersions)
		if err != nil {
			return nil, fmt.Errorf("prune versions: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return av, nil
}

const versionColumns = `artifact_id, version, parent_version, handle, created_at, size_bytes, metadata, encoding`

func (s *SQLiteStore) GetVersion(ctx context.Context, artifactID string, version int) (*model.ArtifactVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+`, content FROM artifact_versions WHERE artifact_id = ? AND version = ?`,
		artifactID, version)
	av, err := s.scanVersion(row, true)
	if err == sql.ErrNoRows {
		return nil, model.NotFoundf("artifact %s v%d", artifactID, version)
	}
	if err != nil {
		return nil, err
	}
	return av, nil
}

// ListVersions returns surviving versions in ascending order, without content.
func (s *SQLiteStore) ListVersions(ctx context.Context, artifactID string) (*model.ArtifactHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_id = ? ORDER BY version`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := &model.ArtifactHistory{ArtifactID: artifactID}
	for rows.Next() {
		av, err := s.scanVersion(rows, false)
		if err != nil {
			return nil, err
		}
		h.Versions = append(h.Versions, *av)
		h.CurrentVersion = av.Version
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(h.Versions) == 0 {
		return nil, model.NotFoundf("artifact %s", artifactID)
	}
	return h, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, h model.Handle) (*model.ArtifactVersion, error) {
	return s.GetVersion(ctx, h.ArtifactID, h.Version)
}

// ListArtifacts returns every artifact id with its current version.
func (s *SQLiteStore) ListArtifacts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact_id, current_version FROM artifact_heads ORDER BY artifact_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var v int
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanVersion(row scanner, withContent bool) (*model.ArtifactVersion, error) {
	var av model.ArtifactVersion
	var parent sql.NullInt64
	var createdAt, enc string
	var meta sql.NullString
	var content []byte

	dest := []any{&av.ArtifactID, &av.Version, &parent, &av.Handle, &createdAt, &av.SizeBytes, &meta, &enc}
	if withContent {
		dest = append(dest, &content)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	av.CreatedAt = parseTime(createdAt)
	if parent.Valid {
		p := int(parent.Int64)
		av.ParentVersion = &p
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &av.Metadata); err != nil {
			return nil, fmt.Errorf("artifact %s: decode metadata: %w", av.Handle, err)
		}
	}
	if withContent {
		if enc == encodingZstd {
			raw, err := s.dec.DecodeAll(content, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress %s: %w", av.Handle, err)
			}
			content = raw
		}
		if content == nil {
			content = []byte{}
		}
		av.Content = content
	}
	return &av, nil
}
