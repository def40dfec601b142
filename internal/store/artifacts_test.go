package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/rcliao/agent-context/internal/model"
)

func intp(i int) *int { return &i }

func TestArtifactVersionChain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v1, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "report", Content: []byte("draft")})
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	if v1.Version != 1 || v1.ParentVersion != nil {
		t.Errorf("unexpected v1: %+v", v1)
	}
	if v1.Handle != "artifact://report@v1" {
		t.Errorf("unexpected handle %q", v1.Handle)
	}

	v2, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "report", Content: []byte("final"), ParentVersion: intp(1)})
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	if v2.Version != 2 || v2.ParentVersion == nil || *v2.ParentVersion != 1 {
		t.Errorf("unexpected v2: %+v", v2)
	}

	// Omitted parent is computed.
	v3, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "report", Content: []byte("again")})
	if err != nil {
		t.Fatalf("v3: %v", err)
	}
	if *v3.ParentVersion != 2 {
		t.Errorf("expected parent 2, got %d", *v3.ParentVersion)
	}

	got, err := s.Resolve(ctx, model.Handle{ArtifactID: "report", Version: 2})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(got.Content) != "final" {
		t.Errorf("expected 'final', got %q", got.Content)
	}

	h, err := s.ListVersions(ctx, "report")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if h.CurrentVersion != 3 || len(h.Versions) != 3 {
		t.Errorf("unexpected history: %+v", h)
	}
}

func TestArtifactStaleWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "doc", Content: []byte("a")})
	s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "doc", Content: []byte("b")})

	_, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "doc", Content: []byte("c"), ParentVersion: intp(1)})
	if !errors.Is(err, model.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	_, err = s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "fresh", Content: []byte("c"), ParentVersion: intp(1)})
	if !errors.Is(err, model.ErrStaleWrite) {
		t.Errorf("parent on first version should be stale, got %v", err)
	}

	h, _ := s.ListVersions(ctx, "doc")
	if h.CurrentVersion != 2 {
		t.Errorf("stale write must not advance the chain, current=%d", h.CurrentVersion)
	}
}

func TestArtifactPruning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithMaxVersions(3))

	for i := 0; i < 5; i++ {
		if _, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "log", Content: []byte{byte(i)}}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	h, _ := s.ListVersions(ctx, "log")
	var versions []int
	for _, v := range h.Versions {
		versions = append(versions, v.Version)
	}
	if len(versions) != 3 || versions[0] != 3 || versions[2] != 5 {
		t.Errorf("expected versions 3..5, got %v", versions)
	}
	if _, err := s.GetVersion(ctx, "log", 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("pruned version should be not found, got %v", err)
	}
	v3, _ := s.GetVersion(ctx, "log", 3)
	if v3.ParentVersion == nil || *v3.ParentVersion != 2 {
		t.Errorf("dangling parent pointer should survive pruning, got %v", v3.ParentVersion)
	}
}

func TestArtifactCompression(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithCompression(true))

	content := bytes.Repeat([]byte("quarterly revenue table row\n"), 200)
	v, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "big", Content: content, Metadata: map[string]string{"mime": "text/plain"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.SizeBytes != len(content) {
		t.Errorf("size should be uncompressed length, got %d", v.SizeBytes)
	}

	var stored int
	s.db.QueryRow(`SELECT length(content) FROM artifact_versions WHERE artifact_id = 'big'`).Scan(&stored)
	if stored >= len(content) {
		t.Errorf("expected compressed storage, got %d bytes", stored)
	}

	got, err := s.GetVersion(ctx, "big", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Content, content) {
		t.Error("content did not round-trip")
	}
	if got.Metadata["mime"] != "text/plain" {
		t.Errorf("metadata lost: %v", got.Metadata)
	}
}

func TestArtifactConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithMaxVersions(100))

	const writers = 10
	var wg sync.WaitGroup
	versions := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "shared", Content: []byte{byte(i)}})
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			versions <- v.Version
		}(i)
	}
	wg.Wait()
	close(versions)

	var got []int
	for v := range versions {
		got = append(got, v)
	}
	sort.Ints(got)
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("expected contiguous versions 1..%d, got %v", writers, got)
		}
	}
}

func TestArtifactInvalidID(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"", " padded", "a@v1", "a/b"} {
		if _, err := s.CreateVersion(context.Background(), CreateVersionParams{ArtifactID: id}); !errors.Is(err, model.ErrValidation) {
			t.Errorf("id %q: expected validation error, got %v", id, err)
		}
	}
}

func TestApplySettings(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithMaxVersions(10))
	for i := 0; i < 5; i++ {
		_, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "doc", Content: []byte("x")})
		if err != nil {
			t.Fatal(err)
		}
	}

	s.Apply(Settings{MaxVersions: 2, RetentionDays: 30})
	if _, err := s.CreateVersion(ctx, CreateVersionParams{ArtifactID: "doc", Content: []byte("y")}); err != nil {
		t.Fatal(err)
	}
	hist, err := s.ListVersions(ctx, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.Versions) != 2 || hist.CurrentVersion != 6 {
		t.Fatalf("versions = %d, current = %d; want 2, 6", len(hist.Versions), hist.CurrentVersion)
	}
}
