package lineage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-context/internal/model"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "lineage"), nil)
	require.NoError(t, err)
	return r
}

func TestRecordAndRead(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	require.NoError(t, r.RecordHandoff(ctx, model.HandoffEvent{
		EventID: "h1", SessionID: "s1", FromAgentID: "a", ToAgentID: "b", Mode: model.HandoffScoped,
	}))
	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{
		CompilationID: "c1", SessionID: "s1", AgentID: "b", Timestamp: time.Now().UTC(),
		TokensBefore: 100, TokensAfter: 80,
	}))

	entries, err := r.Lineage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryHandoff, entries[0].Type)
	assert.Equal(t, "h1", entries[0].Handoff.EventID)
	assert.Equal(t, model.EntryCompilation, entries[1].Type)

	c, err := r.Compilation(ctx, "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 80, c.TokensAfter)

	_, err = r.Compilation(ctx, "s1", "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	sessions, err := r.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sessions)
}

func TestUnknownSession(t *testing.T) {
	r := newRecorder(t)
	_, err := r.Lineage(context.Background(), "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestSessionIDValidation(t *testing.T) {
	r := newRecorder(t)
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		err := r.RecordCompilation(context.Background(), model.ContextCompilation{SessionID: id})
		assert.True(t, errors.Is(err, model.ErrValidation), "id %q", id)
	}
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{
				CompilationID: fmt.Sprintf("c%d", i), SessionID: "s1",
			}))
		}()
	}
	wg.Wait()

	entries, err := r.Lineage(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestTornTailIsIgnored(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{CompilationID: "c1", SessionID: "s1"}))

	f, err := os.OpenFile(filepath.Join(r.Dir(), "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"compil`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := r.Lineage(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAppendAfterTornTail(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{CompilationID: "c1", SessionID: "s1"}))

	path := filepath.Join(r.Dir(), "s1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"compil`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{CompilationID: "c2", SessionID: "s1"}))
	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{CompilationID: "c3", SessionID: "s1"}))

	entries, err := r.Lineage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "c3", entries[2].Compilation.CompilationID)

	got, err := r.Compilation(ctx, "s1", "c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.CompilationID)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), b[len(b)-1])
}

func TestUnreadableLineInTheMiddleIsSkipped(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{CompilationID: "c1", SessionID: "s1"}))

	f, err := os.OpenFile(filepath.Join(r.Dir(), "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, r.RecordCompilation(ctx, model.ContextCompilation{CompilationID: "c2", SessionID: "s1"}))

	entries, err := r.Lineage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c2", entries[1].Compilation.CompilationID)
}
