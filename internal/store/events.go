package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rcliao/agent-context/internal/model"
)

func (s *SQLiteStore) AppendEvent(ctx context.Context, p AppendEventParams) (*model.Event, error) {
	if p.SessionID == "" {
		return nil, model.Validationf("session_id is required")
	}
	switch p.Kind {
	case model.EventInput, model.EventAgentOutput, model.EventObservation, model.EventSummary:
	default:
		return nil, model.Validationf("unknown event kind %q", p.Kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, p.SessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := s.now()
	ev := &model.Event{
		ID:        model.NewID(now),
		SessionID: p.SessionID,
		Seq:       seq + 1,
		Kind:      p.Kind,
		AgentID:   p.AgentID,
		Content:   p.Content,
		Critical:  p.Critical,
		CreatedAt: now,
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events returns a session's history in order. Unknown sessions yield an
// empty slice.
func (s *SQLiteStore) Events(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, kind, agent_id, content, critical, created_at
		 FROM session_events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var agentID *string
		var content, createdAt string
		var critical int
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &ev.Kind, &agentID, &content, &critical, &createdAt); err != nil {
			return nil, err
		}
		if agentID != nil {
			ev.AgentID = *agentID
		}
		if err := json.Unmarshal([]byte(content), &ev.Content); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
		}
		ev.Critical = critical != 0
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ReplaceEvents swaps a session's history in one transaction. Events are
// renumbered 1..n in the given order.
func (s *SQLiteStore) ReplaceEvents(ctx context.Context, sessionID string, events []model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	now := s.now()
	for i := range events {
		ev := events[i]
		ev.SessionID = sessionID
		ev.Seq = int64(i + 1)
		if ev.ID == "" {
			ev.ID = model.NewID(now)
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		if err := insertEvent(ctx, tx, &ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Sessions returns the ids of sessions with recorded history.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM session_events ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *model.Event) error {
	content, err := json.Marshal(ev.Content)
	if err != nil {
		return fmt.Errorf("encode event content: %w", err)
	}
	var agentID any
	if ev.AgentID != "" {
		agentID = ev.AgentID
	}
	critical := 0
	if ev.Critical {
		critical = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, seq, kind, agent_id, content, critical, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Seq, ev.Kind, agentID, string(content), critical, ev.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
