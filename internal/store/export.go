package store

import (
	"context"
	"strings"

	"github.com/rcliao/agent-context/internal/model"
)

// ExportAll returns all live memories, optionally filtered by type.
func (s *SQLiteStore) ExportAll(ctx context.Context, mtype string) ([]model.Memory, error) {
	where := []string{"(expires_at IS NULL OR expires_at >= ?)"}
	args := []any{s.now().Format(timeFormat)}

	if mtype != "" {
		where = append(where, "memory_type = ?")
		args = append(args, mtype)
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id`

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
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// Import stores memories from an export. Each memory gets a new id; an
// expiry already in the past is dropped.
func (s *SQLiteStore) Import(ctx context.Context, memories []model.Memory) (int, error) {
	now := s.now()
	imported := 0
	for _, m := range memories {
		if m.Expired(now) {
			continue
		}
		_, err := s.Store(ctx, StoreParams{
			Type:      m.Type,
			Content:   m.Content,
			Tags:      m.Tags,
			Metadata:  m.Metadata,
			ExpiresAt: m.ExpiresAt,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
