// Package filelock implements advisory sidecar lock files for JSON stores
// shared between processes.
//
// A lock for target path P is the file P.lock created with O_EXCL. It carries
// a small JSON payload naming the owner so that abandoned locks can be
// recognised and broken once they are older than the staleness threshold.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchyard/internal/backoff"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// DefaultStale is the age after which a lock is treated as abandoned.
const DefaultStale = 30 * time.Second

// Suffix is appended to the target path to name the lock file.
const Suffix = ".lock"

var errHeld = errors.New("lock held")

// Observer receives the outcome of every acquisition.
type Observer interface {
	LockAcquired(path string, waited time.Duration, attempts int)
	LockContended(path string, waited time.Duration, attempts int)
	LockBroken(path string, age time.Duration)
}

// Options configures acquisition.
type Options struct {
	Policy   backoff.Policy
	Stale    time.Duration
	Now      func() time.Time
	Observer Observer
}

// DefaultOptions returns the store lock schedule with the default staleness.
func DefaultOptions() Options {
	return Options{Policy: backoff.LockPolicy(), Stale: DefaultStale}
}

func (o Options) withDefaults() Options {
	if o.Policy.Initial <= 0 && o.Policy.Retries == 0 {
		o.Policy = backoff.LockPolicy()
	}
	if o.Stale <= 0 {
		o.Stale = DefaultStale
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Payload is the content of a lock file.
type Payload struct {
	PID       int    `json:"pid"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"`
}

// Lock is a held sidecar lock.
type Lock struct {
	path  string
	token string
	once  sync.Once
	err   error
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file if it still belongs to this holder.
// It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		payload, err := readPayload(l.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			l.err = fmt.Errorf("release lock: %w", err)
			return
		}
		if payload.Token != l.token {
			// Broken as stale and re-taken by someone else.
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("release lock: %w", err)
		}
	})
	return l.err
}

// Acquire takes the sidecar lock for target, retrying per opts.Policy.
// Exhausted retries yield a *gwerrors.LockContentionError.
func Acquire(ctx context.Context, target string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	path := target + Suffix
	token := uuid.NewString()
	start := opts.Now()

	attempts, err := backoff.Retry(ctx, opts.Policy, func(err error) bool {
		return errors.Is(err, errHeld)
	}, func(int) error {
		return tryCreate(path, token, opts)
	})
	waited := opts.Now().Sub(start)
	if err == nil {
		if opts.Observer != nil {
			opts.Observer.LockAcquired(path, waited, attempts)
		}
		return &Lock{path: path, token: token}, nil
	}
	if errors.Is(err, backoff.ErrExhausted) {
		if opts.Observer != nil {
			opts.Observer.LockContended(path, waited, attempts)
		}
		return nil, &gwerrors.LockContentionError{Path: path, Attempts: attempts, Waited: waited, Cause: errHeld}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &gwerrors.LockContentionError{Path: path, Attempts: attempts, Waited: waited, Cause: ctxErr}
	}
	return nil, err
}

// With runs fn while holding the lock for target. The lock is released on
// every return path, including panics.
func With(ctx context.Context, target string, opts Options, fn func() error) (err error) {
	lock, err := Acquire(ctx, target, opts)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

func tryCreate(path, token string, opts Options) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err == nil {
		payload := Payload{PID: os.Getpid(), Token: token, CreatedAt: opts.Now().UnixMilli()}
		data, _ := json.Marshal(payload)
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return fmt.Errorf("write lock payload: %w", errors.Join(werr, cerr))
		}
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create lock: %w", err)
	}

	if seen, age, stale := isStale(path, opts); stale && breakStale(path, seen, token) {
		if opts.Observer != nil {
			opts.Observer.LockBroken(path, age)
		}
	}
	return errHeld
}

// observed identifies the lock file that was judged stale.
type observed struct {
	info  os.FileInfo
	token string
}

// isStale reports whether the lock at path is abandoned: older than the
// threshold, unreadable and old by mtime, or owned by a dead local process.
// The file is stat'ed before its payload is read, so a replacement that
// lands in between is judged by its own fresh payload.
func isStale(path string, opts Options) (observed, time.Duration, bool) {
	now := opts.Now()
	info, err := os.Stat(path)
	if err != nil {
		return observed{}, 0, false
	}
	seen := observed{info: info}
	payload, err := readPayload(path)
	if err != nil {
		age := now.Sub(info.ModTime())
		return seen, age, age > opts.Stale
	}
	seen.token = payload.Token
	age := now.Sub(time.UnixMilli(payload.CreatedAt))
	if age > opts.Stale {
		return seen, age, true
	}
	if payload.PID > 0 && payload.PID != os.Getpid() && !processAlive(payload.PID) {
		return seen, age, true
	}
	return seen, age, false
}

// breakStale moves the lock at path aside and deletes it only if it is the
// file judged stale. Another contender may have broken the stale lock and
// taken a fresh one since; that lock is linked back into place.
func breakStale(path string, seen observed, token string) bool {
	aside := path + ".stale-" + token
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	if isSame(aside, seen) {
		_ = os.Remove(aside)
		return true
	}
	// Link fails if yet another lock appeared; that one stays authoritative.
	_ = os.Link(aside, path)
	_ = os.Remove(aside)
	return false
}

func isSame(path string, seen observed) bool {
	info, err := os.Stat(path)
	if err != nil || !os.SameFile(info, seen.info) || !info.ModTime().Equal(seen.info.ModTime()) {
		return false
	}
	if seen.token == "" {
		return true
	}
	payload, err := readPayload(path)
	return err == nil && payload.Token == seen.token
}

func readPayload(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.CreatedAt == 0 {
		return nil, errors.New("invalid lock payload")
	}
	return &payload, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
