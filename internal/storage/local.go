package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore implements BlobStore on a local directory, so a single-machine
// run needs no cloud credentials. Object generations are file mtimes in
// nanoseconds; conditional writes are serialized per key through an O_EXCL
// claim file, which also arbitrates between separate worker processes
// sharing the same workspace directory.
type LocalStore struct {
	base string
}

// NewLocalStore creates a store rooted at the given directory, creating it
// if needed.
func NewLocalStore(base string) (*LocalStore, error) {
	if base == "" {
		return nil, fmt.Errorf("base directory must be provided to create a local store")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory %s: %w", base, err)
	}
	return &LocalStore{base: base}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

func (s *LocalStore) Get(_ context.Context, key string) (*Object, error) {
	p := s.path(key)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return &Object{Data: data, Generation: info.ModTime().UnixNano()}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to finalize write of %s: %w", key, err)
	}
	return nil
}

// claimStaleAfter bounds how long a crashed writer can hold a claim file.
const claimStaleAfter = 10 * time.Second

func (s *LocalStore) PutIf(ctx context.Context, key string, data []byte, generation int64) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	if generation == 0 {
		// Create-if-absent is a single atomic O_EXCL create.
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				return ErrPreconditionFailed
			}
			return fmt.Errorf("failed to create %s: %w", key, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
		return f.Close()
	}

	release, err := s.acquireClaim(ctx, p)
	if err != nil {
		return err
	}
	defer release()

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPreconditionFailed
		}
		return fmt.Errorf("failed to stat %s: %w", key, err)
	}
	if info.ModTime().UnixNano() != generation {
		return ErrPreconditionFailed
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("failed to finalize write of %s: %w", key, err)
	}
	// The new generation must exceed the one we replaced.
	if now := time.Now(); now.UnixNano() <= generation {
		bumped := time.Unix(0, generation+1)
		_ = os.Chtimes(p, bumped, bumped)
	}
	return nil
}

// acquireClaim takes a per-key exclusive claim via an O_EXCL marker file.
// Claims left behind by a crashed process go stale after claimStaleAfter.
func (s *LocalStore) acquireClaim(ctx context.Context, p string) (func(), error) {
	claim := p + ".claim"
	for {
		f, err := os.OpenFile(claim, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(claim) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to acquire claim on %s: %w", p, err)
		}
		if info, statErr := os.Stat(claim); statErr == nil && time.Since(info.ModTime()) > claimStaleAfter {
			_ = os.Remove(claim)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	root := s.base
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".tmp") || strings.HasSuffix(p, ".claim") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
