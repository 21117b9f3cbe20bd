package state

import (
	"context"
	"testing"
)

func TestFileBackend_SaveLoad(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	if err := backend.Save(ctx, "treasury:wallet", []byte(`{"balance":100}`)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := backend.Load(ctx, "treasury:wallet")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != `{"balance":100}` {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestFileBackend_LoadMissingReturnsErrNotFound(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	_, err = backend.Load(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackend_Delete(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	backend.Save(ctx, "k", []byte("v"))
	if err := backend.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := backend.Load(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileBackend_List(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	backend.Save(ctx, "agent_auditor", []byte("1"))
	backend.Save(ctx, "agent_architect", []byte("1"))
	backend.Save(ctx, "other", []byte("1"))

	keys, err := backend.List(ctx, "agent_")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 matching keys, got %d: %v", len(keys), keys)
	}
}

func TestFileBackend_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	b1.Save(ctx, "wallet", []byte("42"))

	b2, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend (second instance): %v", err)
	}
	data, err := b2.Load(ctx, "wallet")
	if err != nil {
		t.Fatalf("Load from second instance: %v", err)
	}
	if string(data) != "42" {
		t.Fatalf("expected persisted value 42, got %s", data)
	}
}
