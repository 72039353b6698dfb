package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupStamp keeps backup names lexically sortable by creation time.
const backupStamp = "20060102T150405.000"

// rollingFile appends to a single file and, once the size cap is hit,
// renames it to a timestamped backup and prunes old backups by count and age.
type rollingFile struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	written    int64
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

func newRollingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rollingFile, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rollingFile{
		path:       path,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return 0, err
	}
	if r.written+int64(len(p)) > r.maxBytes {
		if err := r.roll(); err != nil {
			return 0, err
		}
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *rollingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.written = 0
	return err
}

func (r *rollingFile) open() error {
	if r.file != nil {
		return nil
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	r.file = file
	r.written = info.Size()
	return nil
}

// roll closes and renames the active file, then prunes surplus backups.
func (r *rollingFile) roll() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.written = 0

	backup := fmt.Sprintf("%s.%s", r.path, time.Now().UTC().Format(backupStamp))
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	r.prune()
	return nil
}

func (r *rollingFile) prune() {
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return
	}
	backups := matches[:0]
	for _, match := range matches {
		if strings.HasPrefix(match, r.path+".") {
			backups = append(backups, match)
		}
	}
	sort.Strings(backups)

	if r.maxBackups > 0 && len(backups) > r.maxBackups {
		for _, stale := range backups[:len(backups)-r.maxBackups] {
			_ = os.Remove(stale)
		}
		backups = backups[len(backups)-r.maxBackups:]
	}
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for _, backup := range backups {
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
