package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultLockTimeout bounds how long Acquire waits for a lock file held by
// another process.
const DefaultLockTimeout = 10 * time.Minute

// LockDir is the directory under the derivatives root holding lock files.
const LockDir = ".locks"

// errLockHeld is returned by a single acquisition attempt while another
// owner holds the lock file.
var errLockHeld = errors.New("lock file held")

// LockRegistry provides per-node mutual exclusion. Within a process it is a
// keyed mutex; across processes sharing a derivatives root it adds a lock
// file per node id held with flock(2). The kernel releases the flock when
// the owning process dies, so a leftover file never blocks a later run.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*keyLock

	root    string // "" disables lock files
	timeout time.Duration
	host    string
}

// keyLock is one key's semaphore and the number of callers holding or
// waiting for it. The entry is dropped when refs reaches zero.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// LockOptions configures a LockRegistry.
type LockOptions struct {
	Root    string        // derivatives root; empty keeps locking in-process
	Timeout time.Duration // lock file wait bound (default DefaultLockTimeout)
}

// NewLockRegistry creates a new LockRegistry.
func NewLockRegistry(opts LockOptions) *LockRegistry {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLockTimeout
	}
	host, _ := os.Hostname()
	return &LockRegistry{
		locks:   make(map[string]*keyLock),
		root:    opts.Root,
		timeout: opts.Timeout,
		host:    host,
	}
}

// Acquire blocks until the caller holds the lock for id, ctx is done or the
// lock file wait times out. The returned release func must be called exactly
// once.
func (r *LockRegistry) Acquire(ctx context.Context, id NodeID) (func(), error) {
	key := id.String()
	if err := r.lockKey(ctx, key); err != nil {
		return nil, err
	}

	if r.root == "" {
		return func() { r.unlockKey(key) }, nil
	}

	path := r.lockPath(id)
	f, err := r.lockFile(ctx, path)
	if err != nil {
		r.unlockKey(key)
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		// Unlink while still holding the flock. A waiter that opened this
		// inode sees it is no longer at path and retries on a fresh file.
		_ = os.Remove(path)
		_ = f.Close()
		r.unlockKey(key)
	}, nil
}

// lockKey acquires the in-process semaphore for key.
func (r *LockRegistry) lockKey(ctx context.Context, key string) error {
	r.mu.Lock()
	kl, exists := r.locks[key]
	if !exists {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		r.release(key, kl)
		return ctx.Err()
	}
}

func (r *LockRegistry) unlockKey(key string) {
	r.mu.Lock()
	kl, exists := r.locks[key]
	r.mu.Unlock()

	if exists {
		<-kl.sem
		r.release(key, kl)
	}
}

// release drops one reference to key's entry.
func (r *LockRegistry) release(key string, kl *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kl.refs--
	if kl.refs == 0 && r.locks[key] == kl {
		delete(r.locks, key)
	}
}

func (r *LockRegistry) lockPath(id NodeID) string {
	name := id.Stage
	if id.Branch != "" {
		name += "@" + id.Branch
	}
	return filepath.Join(r.root, LockDir, SubjectDir(id.Subject), name+".lock")
}

// lockFile takes the flock on path, polling with exponential backoff while
// another owner holds it. The returned file keeps the lock until closed.
func (r *LockRegistry) lockFile(ctx context.Context, path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	var locked *os.File
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		f, err := r.tryLockFile(path)
		if err == nil {
			locked = f
			return nil
		}
		if errors.Is(err, errLockHeld) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = r.timeout

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if errors.Is(err, errLockHeld) {
		return nil, fmt.Errorf("still held after %s: %w", r.timeout, err)
	}
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// tryLockFile makes one non-blocking attempt. A flock won on an inode that
// was unlinked or replaced in the meantime does not count; the attempt is
// repeated on the file now at path.
func (r *LockRegistry) tryLockFile(path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, syscall.EWOULDBLOCK) {
				return nil, errLockHeld
			}
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		if !samePath(f, path) {
			f.Close()
			continue
		}

		// The content is informational; ownership is the flock.
		if err := f.Truncate(0); err == nil {
			_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), r.host)
		}
		return f, nil
	}
}

// samePath reports whether f is still the file linked at path.
func samePath(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}
