// Package filelock implements a cross-process advisory lock over a single
// file. At most one process holds the lock at a time. A dead holder is
// recovered once its lock file ages past the stale threshold and the pid
// recorded in it no longer runs; a live holder keeps the lock no matter
// how long it has held it, so long-lived locks like the daemon's are safe.
package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskweave/taskweave/internal/log"
	"github.com/taskweave/taskweave/internal/orchestration/faults"
	"github.com/taskweave/taskweave/internal/store/task"
)

const (
	// DefaultStaleAfter is how old a lock file's mtime must be before it
	// is presumed abandoned by a dead holder.
	DefaultStaleAfter = 30 * time.Second
	// DefaultMaxAttempts bounds acquisition retries.
	DefaultMaxAttempts = 10
	// DefaultRetryDelay is the base back-off between attempts. A random
	// jitter of up to half the base is added so competing processes do
	// not retry in lockstep.
	DefaultRetryDelay = 100 * time.Millisecond
)

// ErrNotHeld is returned by Release when the lock is not held by this Lock.
var ErrNotHeld = errors.New("lock not held")

// Lock is a cross-process advisory lock over path.
// Acquisition is idempotent within a single process: a re-entrant Acquire
// on a held Lock returns immediately.
type Lock struct {
	path        string
	staleAfter  time.Duration
	maxAttempts int
	retryDelay  time.Duration

	mu   sync.Mutex
	held bool
}

// Option configures a Lock.
type Option func(*Lock)

// WithStaleAfter overrides the stale-lock threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) { l.staleAfter = d }
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) Option {
	return func(l *Lock) { l.maxAttempts = n }
}

// WithRetryDelay overrides the base back-off between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Lock) { l.retryDelay = d }
}

// New creates a Lock over the given path.
func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:        path,
		staleAfter:  DefaultStaleAfter,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock, retrying up to the attempt budget.
// Returns a LockContention fault when the budget is exhausted; queue
// callers surface that as a retryable failure.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(l.retryDelay)/2 + 1)) //nolint:gosec // math/rand is fine for jitter
			time.Sleep(l.retryDelay + jitter)
		}

		ok, err := l.tryOnce()
		if err != nil {
			return err
		}
		if ok {
			l.held = true
			return nil
		}
	}

	return faults.New(faults.LockContention, "lock acquisition exceeded %d attempts for %s", l.maxAttempts, l.path)
}

// tryOnce attempts a single exclusive create, reaping a stale holder first.
// Returns (false, nil) when the lock is legitimately held by someone else.
func (l *Lock) tryOnce() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600) //nolint:gosec // G304: fixed layout
	if err == nil {
		_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
		cerr := f.Close()
		if werr != nil || cerr != nil {
			// Keep the lock. Without a readable pid, contenders fall
			// back to age-only reaping.
			log.Warn(log.CatLock, "Failed to record holder pid", "path", l.path)
		}
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("creating lock %s: %w", l.path, err)
	}

	// Someone holds it. Reap if the holder looks dead.
	info, serr := os.Stat(l.path)
	if serr != nil {
		if errors.Is(serr, fs.ErrNotExist) {
			return false, nil // Released between create and stat; next attempt wins.
		}
		return false, fmt.Errorf("inspecting lock %s: %w", l.path, serr)
	}
	if time.Since(info.ModTime()) > l.staleAfter {
		data, rerr := os.ReadFile(l.path) //nolint:gosec // G304: fixed layout
		if errors.Is(rerr, fs.ErrNotExist) {
			return false, nil // Released between stat and read; next attempt wins.
		}
		if rerr == nil {
			if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && task.IsProcessRunning(pid) {
				// A live holder in a long critical section, e.g. the
				// daemon holding runner.lock for its whole lifetime.
				// Age alone never reaps a running process's lock.
				return false, nil
			}
		}
		log.Warn(log.CatLock, "Reaping stale lock", "path", l.path, "age", time.Since(info.ModTime()))
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return false, fmt.Errorf("reaping stale lock %s: %w", l.path, rerr)
		}
		// Removed (or lost the removal race); do not take the lock here -
		// the exclusive create on the next attempt decides the winner.
	}
	return false, nil
}

// Release drops the lock. Tolerates the lock file already being gone
// (a peer may have reaped it as stale during a long critical section).
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return ErrNotHeld
	}
	l.held = false

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("releasing lock %s: %w", l.path, err)
	}
	return nil
}

// Held reports whether this process currently holds the lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// WithLock runs fn inside the critical section.
func (l *Lock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(); err != nil && !errors.Is(err, ErrNotHeld) {
			log.ErrorErr(log.CatLock, "Failed to release lock", err, "path", l.path)
		}
	}()
	return fn()
}
