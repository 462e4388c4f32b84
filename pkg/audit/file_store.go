package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore appends record snapshots as newline-delimited JSON. The latest
// snapshot for a request id wins on read.
type FileStore struct {
	basePath string
	file     *os.File
	mu       sync.Mutex
	encoder  *json.Encoder
	rotate   bool
	maxSize  int64 // Max file size in bytes before rotation
	maxFiles int   // Max number of rotated files to keep

	versions map[string]int64
}

// FileStoreConfig configures the file store
type FileStoreConfig struct {
	BasePath string // Base directory for audit files
	Rotate   bool   // Enable file rotation
	MaxSize  int64  // Max file size in bytes (default: 100MB)
	MaxFiles int    // Max number of files to keep (default: 10)
}

// DefaultFileStoreConfig returns default configuration
func DefaultFileStoreConfig() FileStoreConfig {
	return FileStoreConfig{
		BasePath: "/var/log/authbroker/audit",
		Rotate:   true,
		MaxSize:  100 * 1024 * 1024, // 100MB
		MaxFiles: 10,
	}
}

// NewFileStore creates a file-backed audit store
func NewFileStore(config FileStoreConfig) (*FileStore, error) {
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	s := &FileStore{
		basePath: config.BasePath,
		rotate:   config.Rotate,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		versions: make(map[string]int64),
	}
	if s.maxSize == 0 {
		s.maxSize = 100 * 1024 * 1024
	}
	if s.maxFiles == 0 {
		s.maxFiles = 10
	}

	existing, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for id, rec := range existing {
		s.versions[id] = rec.Version
	}

	if err := s.openFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) currentPath() string {
	return filepath.Join(s.basePath, "audit.ndjson")
}

// openFile opens or creates the current file
func (s *FileStore) openFile() error {
	filename := s.currentPath()

	if s.rotate {
		if info, err := os.Stat(filename); err == nil && info.Size() >= s.maxSize {
			if err := s.rotateFile(); err != nil {
				return fmt.Errorf("failed to rotate audit file: %w", err)
			}
		}
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}

	s.file = file
	s.encoder = json.NewEncoder(file)
	return nil
}

// rotateFile moves the current file aside
func (s *FileStore) rotateFile() error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	timestamp := time.Now().UTC().Format("2006-01-02-15-04-05.000000000")
	rotated := filepath.Join(s.basePath, fmt.Sprintf("audit-%s.ndjson", timestamp))
	if err := os.Rename(s.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename audit file: %w", err)
	}

	return s.cleanupOldFiles()
}

// rotatedFiles lists rotated files oldest first
func (s *FileStore) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(s.basePath, "audit-*.ndjson"))
	if err != nil {
		return nil, err
	}
	// Timestamped names sort chronologically
	sort.Strings(files)
	return files, nil
}

// cleanupOldFiles removes rotated files beyond the retention limit
func (s *FileStore) cleanupOldFiles() error {
	files, err := s.rotatedFiles()
	if err != nil {
		return err
	}
	if len(files) <= s.maxFiles {
		return nil
	}
	for _, file := range files[:len(files)-s.maxFiles] {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove old audit file %s: %w", file, err)
		}
	}
	return nil
}

// write appends a snapshot, rotating first if needed
func (s *FileStore) write(rec *Record) error {
	if s.rotate && s.file != nil {
		if info, err := s.file.Stat(); err == nil && info.Size() >= s.maxSize {
			if err := s.openFile(); err != nil {
				return err
			}
		}
	}
	if s.encoder == nil {
		return fmt.Errorf("audit file store is closed")
	}
	if err := s.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// Create implements Store
func (s *FileStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[rec.RequestID]; ok {
		return fmt.Errorf("%s: %w", rec.RequestID, ErrExists)
	}
	snapshot := rec.Clone()
	snapshot.Version = 1
	if err := s.write(snapshot); err != nil {
		return err
	}
	rec.Version = 1
	s.versions[rec.RequestID] = 1
	return nil
}

// Save implements Store
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[rec.RequestID]
	if !ok {
		return fmt.Errorf("%s: %w", rec.RequestID, ErrNotFound)
	}
	if current != rec.Version {
		return fmt.Errorf("%s at version %d: %w", rec.RequestID, rec.Version, ErrConflict)
	}
	snapshot := rec.Clone()
	snapshot.Version = current + 1
	if err := s.write(snapshot); err != nil {
		return err
	}
	rec.Version = snapshot.Version
	s.versions[rec.RequestID] = snapshot.Version
	return nil
}

// Get implements Store
func (s *FileStore) Get(ctx context.Context, requestID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	rec, ok := records[requestID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", requestID, ErrNotFound)
	}
	return rec, nil
}

// Search implements Store
func (s *FileStore) Search(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.Lock()
	records, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return filter.page(out), nil
}

// Prune removes rotated files last written before cutoff. Records in the
// current file are kept until it rotates.
func (s *FileStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.rotatedFiles()
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		records := make(map[string]*Record)
		if err := readFile(file, records); err != nil {
			return removed, err
		}
		if err := os.Remove(file); err != nil {
			return removed, fmt.Errorf("failed to remove audit file %s: %w", file, err)
		}
		for id := range records {
			delete(s.versions, id)
		}
		removed += int64(len(records))
	}
	return removed, nil
}

// Close closes the current file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		s.encoder = nil
		return err
	}
	return nil
}

// readAll collapses every file into the latest snapshot per request id
func (s *FileStore) readAll() (map[string]*Record, error) {
	files, err := s.rotatedFiles()
	if err != nil {
		return nil, err
	}
	files = append(files, s.currentPath())

	records := make(map[string]*Record)
	for _, file := range files {
		if err := readFile(file, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func readFile(path string, into map[string]*Record) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := FromJSON(line)
		if err != nil {
			return fmt.Errorf("failed to decode audit record in %s: %w", path, err)
		}
		if prev, ok := into[rec.RequestID]; !ok || rec.Version >= prev.Version {
			into[rec.RequestID] = rec
		}
	}
	return scanner.Err()
}
