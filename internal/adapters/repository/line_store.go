package repository

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/ports"
)

const fileExtension = ".txt"

// FileLineStore keeps one newline-delimited text file per category.
type FileLineStore struct {
	dir string
}

// NewFileLineStore creates a line store rooted at dir. The directory is created if missing.
func NewFileLineStore(dir string) (ports.LineStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", entities.ErrStorageUnavailable, err)
	}
	return &FileLineStore{dir: dir}, nil
}

// Path returns the backing file of a category.
func (s *FileLineStore) Path(category entities.Category) string {
	return filepath.Join(s.dir, string(category)+fileExtension)
}

func (s *FileLineStore) Count(ctx context.Context, category entities.Category) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f, err := os.Open(s.Path(category))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, storageErr("open", category, err)
	}
	defer f.Close()

	// Records are unbounded in length; a Scanner would reject long ones.
	r := bufio.NewReader(f)
	count := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			count++
		}
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return 0, storageErr("read", category, err)
		}
	}
}

func (s *FileLineStore) PopFirst(ctx context.Context, category entities.Category) (entities.Record, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := s.Path(category)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", entities.ErrNotFound
		}
		return "", storageErr("read", category, err)
	}

	record, rest, ok := cutFirstRecord(data)
	if !ok {
		return "", entities.ErrNotFound
	}

	if err := replaceFile(path, rest); err != nil {
		return "", storageErr("rewrite", category, err)
	}

	return record, nil
}

func (s *FileLineStore) AppendMany(ctx context.Context, category entities.Category, records []entities.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, r := range records {
		line := strings.TrimSpace(string(r))
		if line == "" {
			continue
		}
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("%w: record spans multiple lines", entities.ErrInvalidPayload)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(s.Path(category), os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return storageErr("open", category, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return storageErr("stat", category, err)
	}

	if size := info.Size(); size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return storageErr("read tail", category, err)
		}
		if last[0] != '\n' {
			if _, err := f.Write([]byte{'\n'}); err != nil {
				return storageErr("append", category, err)
			}
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return storageErr("append", category, err)
	}

	if err := f.Sync(); err != nil {
		return storageErr("sync", category, err)
	}

	return nil
}

// cutFirstRecord returns the first non-blank line of data and the bytes that
// follow it. Blank lines before the record are dropped with it.
func cutFirstRecord(data []byte) (entities.Record, []byte, bool) {
	for len(data) > 0 {
		line, rest, _ := bytes.Cut(data, []byte{'\n'})
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return entities.Record(trimmed), rest, true
		}
		data = rest
	}
	return "", nil, false
}

// replaceFile swaps the contents of path through a temp file in the same
// directory so readers never observe a partially written store.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// CreateTemp uses 0600
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func storageErr(op string, category entities.Category, err error) error {
	return fmt.Errorf("%w: %s %s: %w", entities.ErrStorageUnavailable, op, category, err)
}
