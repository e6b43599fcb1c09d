// Package scratch owns the directory uploaded documents wait in until a
// consumer has processed them.
package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

const dirPerm os.FileMode = 0o750

type Store struct {
	dir   string
	owned bool
}

// Open prepares dir for uploads. An empty dir creates a private temporary
// directory that Close removes again.
func Open(dir string) (*Store, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "tender_")
		if err != nil {
			return nil, fmt.Errorf("create scratch dir: %w", err)
		}
		return &Store{dir: tmp, owned: true}, nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("ensure scratch dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes r to a file named after the bid, the task id and the client
// file name, so concurrent uploads for one bid never collide.
func (s *Store) Save(bid, taskID, filename string, r io.Reader) (string, error) {
	name := fmt.Sprintf("%s_%s_%s", sanitize(bid), taskID, sanitize(filepath.Base(filename)))
	path := filepath.Join(s.dir, name)
	if err := copyAtomic(path, r); err != nil {
		return "", err
	}
	return path, nil
}

// Close removes the directory if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}

// Remove deletes every path that exists. Failures are logged, never returned.
func Remove(paths ...string) {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}

		info, err := os.Stat(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Str("path", p).Msg("stat scratch file")
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("remove scratch file")
			continue
		}
		log.Debug().Str("path", p).Int64("bytes", info.Size()).Msg("scratch file removed")
	}
}

func copyAtomic(filename string, reader io.Reader) error {
	dir := filepath.Dir(filename)
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()
	if _, err := io.Copy(tempFile, reader); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("copy to temp: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

// sanitize keeps letters, digits, dots, dashes and underscores.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "file"
	}
	return s
}
