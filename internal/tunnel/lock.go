package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 25 * time.Millisecond

// Locker provides mutual exclusion keyed on interface name. Within a
// process it uses a per-name semaphore; across processes it holds an
// exclusive flock on <dir>/<name>.lock.
type Locker struct {
	dir string
	mu  sync.Mutex
	sem map[string]chan struct{}
}

// NewLocker returns a Locker keeping lock files in dir.
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir, sem: make(map[string]chan struct{})}
}

func (l *Locker) semaphore(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.sem[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.sem[name] = ch
	}
	return ch
}

// Lock blocks until the lock for name is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	sem := l.semaphore(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s lock: %w", name, ctx.Err())
	}

	f, err := l.flock(ctx, name)
	if err != nil {
		<-sem
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			_ = f.Close()
			<-sem
		})
	}, nil
}

func (l *Locker) flock(ctx context.Context, name string) (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(l.dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("wait for %s lock: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}
