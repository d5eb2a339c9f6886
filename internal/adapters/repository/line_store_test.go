package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stockd/core/internal/domain/entities"
)

func newTestStore(t *testing.T) (*FileLineStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileLineStore(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return store.(*FileLineStore), dir
}

func writeStore(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func readStore(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	return string(b)
}

func TestCount(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		want    int
	}{
		{name: "absent file", content: nil, want: 0},
		{name: "empty file", content: strPtr(""), want: 0},
		{name: "records", content: strPtr("A1\nA2\nA3\n"), want: 3},
		{name: "no trailing newline", content: strPtr("A1\nA2"), want: 2},
		{name: "blank lines ignored", content: strPtr("\nA1\n   \n\t\nA2\n\n"), want: 2},
		{name: "crlf", content: strPtr("A1\r\nA2\r\n"), want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, dir := newTestStore(t)
			if tt.content != nil {
				writeStore(t, dir, "vcc.txt", *tt.content)
			}

			got, err := store.Count(context.Background(), "vcc")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCount_LongRecord(t *testing.T) {
	store, dir := newTestStore(t)
	long := strings.Repeat("x", 2<<20)
	writeStore(t, dir, "vcc.txt", long+"\nB2\n"+long)

	got, err := store.Count(context.Background(), "vcc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 3 {
		t.Errorf("expected 3, got %d", got)
	}

	record, err := store.PopFirst(context.Background(), "vcc")
	if err != nil || string(record) != long {
		t.Fatalf("expected the long record first, got %d bytes, err %v", len(record), err)
	}
}

func TestPopFirst_Order(t *testing.T) {
	store, dir := newTestStore(t)
	writeStore(t, dir, "vcc.txt", "A1\nA2\n")
	ctx := context.Background()

	rec, err := store.PopFirst(ctx, "vcc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != "A1" {
		t.Errorf("expected A1, got %q", rec)
	}
	if got := readStore(t, dir, "vcc.txt"); got != "A2\n" {
		t.Errorf("expected remaining store %q, got %q", "A2\n", got)
	}

	rec, err = store.PopFirst(ctx, "vcc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != "A2" {
		t.Errorf("expected A2, got %q", rec)
	}

	_, err = store.PopFirst(ctx, "vcc")
	if !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPopFirst_SkipsBlankLines(t *testing.T) {
	store, dir := newTestStore(t)
	writeStore(t, dir, "vcc.txt", "\n  \n A1 \nA2")

	rec, err := store.PopFirst(context.Background(), "vcc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != "A1" {
		t.Errorf("expected A1, got %q", rec)
	}
	if got := readStore(t, dir, "vcc.txt"); got != "A2" {
		t.Errorf("expected remaining store %q, got %q", "A2", got)
	}
}

func TestPopFirst_AbsentOrBlank(t *testing.T) {
	store, dir := newTestStore(t)

	if _, err := store.PopFirst(context.Background(), "vcc"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("absent store: expected ErrNotFound, got %v", err)
	}

	writeStore(t, dir, "mcacc.txt", "\n\n  \n")
	if _, err := store.PopFirst(context.Background(), "mcacc"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("blank store: expected ErrNotFound, got %v", err)
	}
	if got := readStore(t, dir, "mcacc.txt"); got != "\n\n  \n" {
		t.Errorf("blank store should be left untouched, got %q", got)
	}
}

func TestAppendMany(t *testing.T) {
	tests := []struct {
		name    string
		initial *string
		records []entities.Record
		want    string
	}{
		{
			name:    "creates file",
			records: []entities.Record{"B1", "B2"},
			want:    "B1\nB2\n",
		},
		{
			name:    "adds separator when tail lacks newline",
			initial: strPtr("A1"),
			records: []entities.Record{"B1"},
			want:    "A1\nB1\n",
		},
		{
			name:    "no extra separator after newline",
			initial: strPtr("A1\n"),
			records: []entities.Record{"B1", "B2"},
			want:    "A1\nB1\nB2\n",
		},
		{
			name:    "blank records skipped and trimmed",
			initial: strPtr(""),
			records: []entities.Record{"  B1 ", "", "   ", "B2"},
			want:    "B1\nB2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, dir := newTestStore(t)
			if tt.initial != nil {
				writeStore(t, dir, "vcc.txt", *tt.initial)
			}

			if err := store.AppendMany(context.Background(), "vcc", tt.records); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := readStore(t, dir, "vcc.txt"); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAppendMany_RejectsMultilineRecord(t *testing.T) {
	store, dir := newTestStore(t)
	writeStore(t, dir, "vcc.txt", "A1\n")

	err := store.AppendMany(context.Background(), "vcc", []entities.Record{"B1", "B2\nB3"})
	if !errors.Is(err, entities.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if got := readStore(t, dir, "vcc.txt"); got != "A1\n" {
		t.Errorf("store should be unchanged, got %q", got)
	}
}

func TestStorageErrorIsNotEmptyStock(t *testing.T) {
	store, dir := newTestStore(t)
	// A directory where the file should be makes every read fail.
	if err := os.Mkdir(filepath.Join(dir, "vcc.txt"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := store.PopFirst(context.Background(), "vcc"); !errors.Is(err, entities.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := store.Count(context.Background(), "vcc"); !errors.Is(err, entities.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable from Count, got %v", err)
	}
}

func TestCategoriesAreSeparateFiles(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendMany(ctx, "vcc", []entities.Record{"V1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.AppendMany(ctx, "mcacc", []entities.Record{"M1", "M2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := readStore(t, dir, "vcc.txt"); got != "V1\n" {
		t.Errorf("vcc: got %q", got)
	}
	if got := readStore(t, dir, "mcacc.txt"); got != "M1\nM2\n" {
		t.Errorf("mcacc: got %q", got)
	}
	if store.Path("vcc") != filepath.Join(dir, "vcc.txt") {
		t.Errorf("unexpected path %s", store.Path("vcc"))
	}
}

func strPtr(s string) *string { return &s }
