package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSchemaFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("writing schema file: %v", err)
	}
}

func TestApplySchemaCreatesAndAddsColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	schemaDir := t.TempDir()

	writeSchemaFile(t, schemaDir, "todos.sql", `
		CREATE TABLE todos (
			id TEXT PRIMARY KEY,
			title TEXT
		);
	`)
	if err := s.ApplySchema(schemaDir, false); err != nil {
		t.Fatalf("ApplySchema (create): %v", err)
	}
	cols, err := s.loadSchemaColumns(ctx, "todos")
	if err != nil {
		t.Fatalf("loadSchemaColumns: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("expected 2 recorded columns, got %v", cols)
	}

	writeSchemaFile(t, schemaDir, "todos.sql", `
		CREATE TABLE todos (
			id TEXT PRIMARY KEY,
			title TEXT,
			done INTEGER
		);
	`)
	if err := s.ApplySchema(schemaDir, false); err != nil {
		t.Fatalf("ApplySchema (add column): %v", err)
	}
	cols, err = s.loadSchemaColumns(ctx, "todos")
	if err != nil {
		t.Fatalf("loadSchemaColumns: %v", err)
	}
	if _, ok := cols["done"]; !ok {
		t.Fatalf("expected 'done' column to be added, got %v", cols)
	}
}

func TestApplySchemaNonDestructiveKeepsDroppedColumn(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	schemaDir := t.TempDir()

	writeSchemaFile(t, schemaDir, "todos.sql", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER);`)
	if err := s.ApplySchema(schemaDir, false); err != nil {
		t.Fatalf("ApplySchema (create): %v", err)
	}

	writeSchemaFile(t, schemaDir, "todos.sql", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT);`)
	if err := s.ApplySchema(schemaDir, false); err != nil {
		t.Fatalf("ApplySchema (non-destructive): %v", err)
	}
	cols, err := s.loadSchemaColumns(ctx, "todos")
	if err != nil {
		t.Fatalf("loadSchemaColumns: %v", err)
	}
	if _, ok := cols["done"]; !ok {
		t.Fatal("expected 'done' to survive a non-destructive apply")
	}
}

func TestApplySchemaDestructiveDropsColumn(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	schemaDir := t.TempDir()

	writeSchemaFile(t, schemaDir, "todos.sql", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER);`)
	if err := s.ApplySchema(schemaDir, false); err != nil {
		t.Fatalf("ApplySchema (create): %v", err)
	}

	writeSchemaFile(t, schemaDir, "todos.sql", `CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT);`)
	if err := s.ApplySchema(schemaDir, true); err != nil {
		t.Fatalf("ApplySchema (destructive): %v", err)
	}
	cols, err := s.loadSchemaColumns(ctx, "todos")
	if err != nil {
		t.Fatalf("loadSchemaColumns: %v", err)
	}
	if _, ok := cols["done"]; ok {
		t.Fatal("expected 'done' to be dropped by a destructive apply")
	}
}
