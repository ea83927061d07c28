// Package phraselog maintains the on-disk log of phrases recently fed to the
// script model as negative context.
//
// The log is a plain append-only text file, one phrase per line, guarded by
// an advisory file lock so that the generator and any operator tooling can
// share it. Reads take a shared lock, writes an exclusive one; contention
// waits are bounded. The file rotates when it exceeds the size cap, keeping
// the newest half.
package phraselog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/gofrs/flock"
)

const (
	// lockWait bounds how long a caller blocks on the advisory lock.
	lockWait = 500 * time.Millisecond

	// lockPoll is the retry interval while waiting for the lock.
	lockPoll = 25 * time.Millisecond

	// sizeCap triggers rotation.
	sizeCap = 64 * 1024

	// similarityFloor is the Jaro-Winkler score above which two phrases
	// count as the same phrase for de-duplication.
	similarityFloor = 0.92
)

// ErrLockTimeout is returned when the advisory lock could not be acquired
// within the bounded wait.
var ErrLockTimeout = errors.New("phraselog: lock timeout")

// Log is a handle on the phrase log file.
type Log struct {
	path string
	lock *flock.Flock
}

// New creates a handle for the log at path. The file is created lazily on
// first append.
func New(path string) *Log {
	return &Log{path: path, lock: flock.New(path + ".lock")}
}

// Recent returns up to n of the newest phrases, newest first, under a shared
// lock. A missing file yields an empty slice.
func (l *Log) Recent(n int) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()
	locked, err := l.lock.TryRLockContext(ctx, lockPoll)
	if err != nil || !locked {
		return nil, ErrLockTimeout
	}
	defer l.lock.Unlock()

	lines, err := l.readLines()
	if err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	// Newest first.
	out := make([]string, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		out = append(out, lines[i])
	}
	return out, nil
}

// Append adds phrases under an exclusive lock, skipping near-duplicates of
// what is already logged, and rotates if the file exceeds the size cap.
func (l *Log) Append(phrases ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()
	locked, err := l.lock.TryLockContext(ctx, lockPoll)
	if err != nil || !locked {
		return ErrLockTimeout
	}
	defer l.lock.Unlock()

	existing, err := l.readLines()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("phraselog: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("phraselog: open: %w", err)
	}
	for _, p := range phrases {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\n", " "))
		if p == "" || isNearDuplicate(p, existing) {
			continue
		}
		if _, err := fmt.Fprintln(f, p); err != nil {
			_ = f.Close()
			return fmt.Errorf("phraselog: append: %w", err)
		}
		existing = append(existing, p)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("phraselog: close: %w", err)
	}

	return l.rotateLocked()
}

// readLines loads all phrases. Must be called with the lock held.
func (l *Log) readLines() ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("phraselog: open: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t != "" {
			lines = append(lines, t)
		}
	}
	return lines, sc.Err()
}

// rotateLocked halves the file when it exceeds the cap. Must be called with
// the exclusive lock held.
func (l *Log) rotateLocked() error {
	fi, err := os.Stat(l.path)
	if err != nil || fi.Size() <= sizeCap {
		return nil
	}

	lines, err := l.readLines()
	if err != nil {
		return err
	}
	keep := lines[len(lines)/2:]

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("phraselog: rotate: %w", err)
	}
	for _, line := range keep {
		if _, err := fmt.Fprintln(f, line); err != nil {
			_ = f.Close()
			return fmt.Errorf("phraselog: rotate: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("phraselog: rotate: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("phraselog: rotate: %w", err)
	}
	return nil
}

// isNearDuplicate reports whether p is effectively the same as a logged
// phrase. Jaro-Winkler tolerates the small wording shifts script models
// produce when they repeat themselves.
func isNearDuplicate(p string, existing []string) bool {
	lp := strings.ToLower(p)
	for _, e := range existing {
		if matchr.JaroWinkler(lp, strings.ToLower(e), true) >= similarityFloor {
			return true
		}
	}
	return false
}
