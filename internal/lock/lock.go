// Package lock provides advisory file locks for serializing work on
// workstreams and the shared repository.
//
// Locks are flock(2)-based: the kernel releases them when the holding process
// dies, so a crashed holder never wedges the system. Lock files are created
// once and never deleted; deleting would race a concurrent open of the same
// path against a fresh inode.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the
// caller's deadline. It is distinct from I/O failures so callers can map it
// to a dedicated exit code.
var ErrTimeout = errors.New("lock acquisition timed out")

const pollInterval = time.Second

// GlobalScope is the lock scope serializing merges into the default branch.
const GlobalScope = "repo"

// Manager creates and tracks locks under a single directory.
type Manager struct {
	Dir string
}

// NewManager returns a Manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Manager{Dir: dir}, nil
}

// Handle is a held lock. Release is idempotent.
type Handle struct {
	scope string
	f     *os.File
	done  bool
}

// Scope returns the lock's scope name.
func (h *Handle) Scope() string { return h.scope }

// Release drops the lock. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil || h.done {
		return nil
	}
	h.done = true
	if err := unlock(h.f); err != nil {
		h.f.Close()
		return fmt.Errorf("unlock %s: %w", h.scope, err)
	}
	return h.f.Close()
}

func (m *Manager) path(scope string) string {
	return filepath.Join(m.Dir, scope+".lock")
}

// open creates the lock directory on demand and opens the scope's lock file.
func (m *Manager) open(scope string) (*os.File, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(m.path(scope), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", scope, err)
	}
	return f, nil
}

// Acquire takes the exclusive lock for scope, polling once per second until
// timeout. The holder's pid and acquisition time are stamped into the lock
// file for introspection.
func (m *Manager) Acquire(scope string, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := m.open(scope)
		if err != nil {
			return nil, err
		}
		ok, err := tryLock(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", scope, err)
		}
		if ok {
			stamp := fmt.Sprintf("pid=%d\nacquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if err := f.Truncate(0); err == nil {
				f.WriteAt([]byte(stamp), 0)
			}
			return &Handle{scope: scope, f: f}, nil
		}
		f.Close()
		if time.Now().After(deadline) {
			holder, _ := m.Holder(scope)
			if holder != "" {
				return nil, fmt.Errorf("%w: %s held by %s", ErrTimeout, scope, holder)
			}
			return nil, fmt.Errorf("%w: %s", ErrTimeout, scope)
		}
		time.Sleep(pollInterval)
	}
}

// TryAcquire takes the lock if free, returning (nil, nil) when it is held.
func (m *Manager) TryAcquire(scope string) (*Handle, error) {
	f, err := m.open(scope)
	if err != nil {
		return nil, err
	}
	ok, err := tryLock(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", scope, err)
	}
	if !ok {
		f.Close()
		return nil, nil
	}
	stamp := fmt.Sprintf("pid=%d\nacquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(stamp), 0)
	}
	return &Handle{scope: scope, f: f}, nil
}

// Held reports whether the lock for scope is currently held by some process.
func (m *Manager) Held(scope string) (bool, error) {
	f, err := m.open(scope)
	if err != nil {
		return false, err
	}
	defer f.Close()
	ok, err := tryLock(f)
	if err != nil {
		return false, err
	}
	if ok {
		unlock(f)
		return false, nil
	}
	return true, nil
}

// Holder returns the stamp of the last process to hold the scope's lock.
// The stamp is informational; liveness is decided by flock, not the pid.
func (m *Manager) Holder(scope string) (string, error) {
	data, err := os.ReadFile(m.path(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\n", " ")), nil
}

// CountHeld returns how many locks under the manager's directory are
// currently held. Used to warn about likely over-parallelization.
func (m *Manager) CountHeld() (int, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	held := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		scope := strings.TrimSuffix(e.Name(), ".lock")
		h, err := m.Held(scope)
		if err != nil {
			continue
		}
		if h {
			held++
		}
	}
	return held, nil
}
