// Package archive stores notable tool results (timelines, search hits, posted
// tweets) as per-user, per-category JSONL files.
//
// Invariants:
// - User keys and categories are validated and path-safe.
// - Writes for the same user/category pair are serialized.
// - Append never reports partial lines: each item is one fsynced JSON line.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mlatt/aviary/internal/observability"
	"github.com/rs/zerolog"
)

// Entry is one archived item with its capture time
type Entry struct {
	SavedAt time.Time              `json:"saved_at"`
	Item    map[string]interface{} `json:"item"`
}

// Store writes and reads archive files under dir/<userKey>/<category>.jsonl
type Store struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

var categorySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// New creates an archive store rooted at dir
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("Archive store initialized")

	return &Store{
		dir:        dir,
		logger:     logger,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return fmt.Errorf("key cannot contain path separators or null bytes")
	}
	return nil
}

// SanitizeCategory maps a free-form label such as "search_rust is great" to a
// filesystem-safe category name.
func SanitizeCategory(category string) string {
	out := categorySanitizer.ReplaceAllString(category, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		out = "misc"
	}
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

func (s *Store) path(userKey, category string) string {
	return filepath.Join(s.dir, userKey, category+".jsonl")
}

func (s *Store) writeLock(userKey, category string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	key := userKey + "/" + category
	lock, ok := s.writeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.writeLocks[key] = lock
	}
	return lock
}

// Append archives items under the user's category. Callers treating this as
// fire-and-forget should run it on its own goroutine; errors are also
// reflected in metrics.
func (s *Store) Append(userKey, category string, items []map[string]interface{}) error {
	category = SanitizeCategory(category)

	err := s.append(userKey, category, items)
	observability.RecordArchiveAppend(category, err)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("user_key", userKey).
			Str("category", category).
			Msg("Archive append failed")
	}
	return err
}

func (s *Store) append(userKey, category string, items []map[string]interface{}) error {
	if err := validateKey(userKey); err != nil {
		return fmt.Errorf("invalid user key: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	lock := s.writeLock(userKey, category)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(userKey, category)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create user directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer file.Close()

	now := time.Now().UTC()
	for _, item := range items {
		data, err := json.Marshal(Entry{SavedAt: now, Item: item})
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive file: %w", err)
	}

	s.logger.Debug().
		Str("user_key", userKey).
		Str("category", category).
		Int("items", len(items)).
		Msg("Items archived")

	return nil
}

// Load reads all archived entries for the user's category, skipping corrupt
// lines.
func (s *Store) Load(userKey, category string) ([]Entry, error) {
	if err := validateKey(userKey); err != nil {
		return nil, fmt.Errorf("invalid user key: %w", err)
	}
	category = SanitizeCategory(category)

	file, err := os.Open(s.path(userKey, category))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn().
				Str("user_key", userKey).
				Str("category", category).
				Err(err).
				Msg("Skipping corrupt archive line")
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}

	return entries, nil
}

// Categories lists the archive categories present for a user
func (s *Store) Categories(userKey string) ([]string, error) {
	if err := validateKey(userKey); err != nil {
		return nil, fmt.Errorf("invalid user key: %w", err)
	}

	dirEntries, err := os.ReadDir(filepath.Join(s.dir, userKey))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user directory: %w", err)
	}

	var categories []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		categories = append(categories, strings.TrimSuffix(e.Name(), ".jsonl"))
	}

	sort.Strings(categories)
	return categories, nil
}
