package gateway

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haasonsaas/switchyard/internal/backoff"
	"github.com/haasonsaas/switchyard/internal/filelock"
)

const (
	defaultGatewayLockWait  = 5 * time.Second
	defaultGatewayLockPoll  = 100 * time.Millisecond
	defaultGatewayLockStale = 30 * time.Second

	envAllowMultiGateway = "SWITCHYARD_ALLOW_MULTI_GATEWAY"
)

// GatewayLockError reports a state directory already served by another
// gateway.
type GatewayLockError struct {
	Path     string
	OwnerPID int
	Cause    error
}

func (e *GatewayLockError) Error() string {
	msg := "gateway already running"
	if e.OwnerPID > 0 {
		msg = fmt.Sprintf("%s (pid %d)", msg, e.OwnerPID)
	}
	msg += " for " + e.Path
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GatewayLockError) Unwrap() error { return e.Cause }

// GatewayLockHandle is a held gateway lock.
type GatewayLockHandle struct {
	LockPath string
	Listen   string
	file     *os.File
	released bool
}

// Release removes the lock file. Safe on a nil handle and after release.
func (h *GatewayLockHandle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	if h.file != nil {
		_ = h.file.Close()
	}
	if err := os.Remove(h.LockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// GatewayLockOptions configures AcquireGatewayLock.
type GatewayLockOptions struct {
	// StateDir holds the lock file.
	StateDir string
	// Listen distinguishes gateways sharing a state directory.
	Listen string
	// Wait bounds how long to wait for a live owner to exit.
	Wait time.Duration
	// Poll is the retry interval while waiting.
	Poll time.Duration
	// Stale is the age after which an unreadable lock file is discarded.
	Stale time.Duration
	// AllowMultiple skips locking entirely.
	AllowMultiple bool
}

type gatewayLockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
	Listen    string `json:"listen"`
}

// AcquireGatewayLock claims the state directory for one gateway process. A
// lock left by a dead process, or an unreadable one older than Stale, is
// taken over. It returns a nil handle when locking is disabled through
// options or SWITCHYARD_ALLOW_MULTI_GATEWAY=1.
func AcquireGatewayLock(ctx context.Context, opts GatewayLockOptions) (*GatewayLockHandle, error) {
	if opts.AllowMultiple || os.Getenv(envAllowMultiGateway) == "1" {
		return nil, nil
	}
	if opts.Wait <= 0 {
		opts.Wait = defaultGatewayLockWait
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultGatewayLockPoll
	}
	if opts.Stale <= 0 {
		opts.Stale = defaultGatewayLockStale
	}

	path := gatewayLockPath(opts.StateDir, opts.Listen)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	deadline := time.Now().Add(opts.Wait)
	var owner *gatewayLockPayload
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return writeGatewayLock(file, path, opts.Listen)
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, &GatewayLockError{Path: path, Cause: err}
		}

		owner = readGatewayLock(path)
		switch {
		case owner != nil && !pidAlive(owner.PID):
			_ = os.Remove(path)
			continue
		case owner == nil && lockFileOlderThan(path, opts.Stale):
			_ = os.Remove(path)
			continue
		}

		if !time.Now().Before(deadline) {
			break
		}
		if err := backoff.Sleep(ctx, opts.Poll); err != nil {
			return nil, err
		}
	}

	lockErr := &GatewayLockError{Path: path, Cause: fmt.Errorf("waited %s", opts.Wait)}
	if owner != nil {
		lockErr.OwnerPID = owner.PID
	}
	return nil, lockErr
}

func writeGatewayLock(file *os.File, path, listen string) (*GatewayLockHandle, error) {
	data, err := json.Marshal(gatewayLockPayload{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Listen:    listen,
	})
	if err == nil {
		_, err = file.Write(data)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write gateway lock: %w", err)
	}
	return &GatewayLockHandle{LockPath: path, Listen: listen, file: file}, nil
}

// gatewayLockPath names the lock after a short hash of the listen address.
func gatewayLockPath(stateDir, listen string) string {
	if stateDir == "" {
		stateDir = os.TempDir()
	}
	sum := sha1.Sum([]byte(listen))
	return filepath.Join(stateDir, "gateway."+hex.EncodeToString(sum[:])[:8]+filelock.Suffix)
}

func readGatewayLock(path string) *gatewayLockPayload {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var p gatewayLockPayload
	if err := json.Unmarshal(data, &p); err != nil || p.PID <= 0 {
		return nil
	}
	return &p
}

// pidAlive probes with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func lockFileOlderThan(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > age
}
