package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath           string      `json:"db_path"`
	DBSizeBytes      int64       `json:"db_size_bytes"`
	TotalMemories    int         `json:"total_memories"`
	ActiveMemories   int         `json:"active_memories"`
	TotalChunks      int         `json:"total_chunks"`
	EmbeddedChunks   int         `json:"embedded_chunks"`
	Artifacts        int         `json:"artifacts"`
	ArtifactVersions int         `json:"artifact_versions"`
	Sessions         int         `json:"sessions"`
	Events           int         `json:"events"`
	Types            []TypeStats `json:"memory_types"`
}

// TypeStats holds per-type memory counts.
type TypeStats struct {
	Type  string `json:"memory_type"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	now := s.now().Format(timeFormat)

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE expires_at IS NULL OR expires_at >= ?`, now).Scan(&st.ActiveMemories)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.TotalChunks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE vector IS NOT NULL`).Scan(&st.EmbeddedChunks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifact_heads`).Scan(&st.Artifacts)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifact_versions`).Scan(&st.ArtifactVersions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_id) FROM session_events`).Scan(&st.Sessions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_events`).Scan(&st.Events)

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, COUNT(*) AS cnt
		FROM memories WHERE expires_at IS NULL OR expires_at >= ?
		GROUP BY memory_type ORDER BY cnt DESC, memory_type`, now)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts TypeStats
		rows.Scan(&ts.Type, &ts.Count)
		st.Types = append(st.Types, ts)
	}

	return st, nil
}
