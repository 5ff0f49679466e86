// Package apperr holds the orchestrator's error taxonomy and the stable
// process exit code assigned to each kind.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Kind classifies an error for exit codes and monitor-loop policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindUsage
	KindDuplicateIdentity
	KindDuplicatePeer
	KindNotFound
	KindConfigWrite
	KindInterfaceApply
	KindPrivilege
	KindTrafficRead
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindDuplicateIdentity:
		return "duplicate_identity"
	case KindDuplicatePeer:
		return "duplicate_peer"
	case KindNotFound:
		return "not_found"
	case KindConfigWrite:
		return "config_write"
	case KindInterfaceApply:
		return "interface_apply"
	case KindPrivilege:
		return "privilege"
	case KindTrafficRead:
		return "traffic_read"
	default:
		return "unknown"
	}
}

// ExitCode is stable per kind; scripts rely on these values.
func (k Kind) ExitCode() int {
	switch k {
	case KindUsage:
		return 2
	case KindDuplicateIdentity:
		return 10
	case KindDuplicatePeer:
		return 11
	case KindNotFound:
		return 12
	case KindConfigWrite:
		return 13
	case KindInterfaceApply:
		return 14
	case KindPrivilege:
		return 15
	case KindTrafficRead:
		return 16
	default:
		return 1
	}
}

// DuplicateIdentityError: a key pair already exists for the identity.
type DuplicateIdentityError struct {
	Name string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("identity %q already has a key pair", e.Name)
}

// DuplicatePeerError: the peer name or allowed IP is already in use.
type DuplicatePeerError struct {
	Field string // "name" or "allowed_ip"
	Value string
	Owner string // peer that already holds Value
}

func (e *DuplicatePeerError) Error() string {
	if e.Owner != "" && e.Owner != e.Value {
		return fmt.Sprintf("peer %s %q already in use by %q", e.Field, e.Value, e.Owner)
	}
	return fmt.Sprintf("peer %s %q already in use", e.Field, e.Value)
}

// NotFoundError: a named object does not exist.
type NotFoundError struct {
	Resource string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Name)
}

// ConfigWriteError: an atomic config rewrite failed.
type ConfigWriteError struct {
	Path  string
	Cause error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("write config %s: %v", e.Path, e.Cause)
}

func (e *ConfigWriteError) Unwrap() error { return e.Cause }

// InterfaceApplyError: an activation step failed. Completed steps have been
// rolled back by the time this is returned.
type InterfaceApplyError struct {
	Interface string
	Step      string
	Cause     error
}

func (e *InterfaceApplyError) Error() string {
	return fmt.Sprintf("apply %s: step %s: %v", e.Interface, e.Step, e.Cause)
}

func (e *InterfaceApplyError) Unwrap() error { return e.Cause }

// PrivilegeError: the caller lacks the rights for a privileged action.
type PrivilegeError struct {
	Op    string
	Cause error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("%s: insufficient privileges: %v", e.Op, e.Cause)
}

func (e *PrivilegeError) Unwrap() error { return e.Cause }

// TrafficReadError: interface counters could not be read.
type TrafficReadError struct {
	Interface string
	Cause     error
}

func (e *TrafficReadError) Error() string {
	return fmt.Sprintf("read traffic counters for %s: %v", e.Interface, e.Cause)
}

func (e *TrafficReadError) Unwrap() error { return e.Cause }

// UsageError: bad command-line input.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// KindOf returns the most specific kind found in err's chain. A privilege
// failure anywhere in the chain wins, since it is always fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if IsPrivilege(err) {
		return KindPrivilege
	}
	var (
		dupID   *DuplicateIdentityError
		dupPeer *DuplicatePeerError
		nf      *NotFoundError
		cw      *ConfigWriteError
		ia      *InterfaceApplyError
		tr      *TrafficReadError
		usage   *UsageError
	)
	switch {
	case errors.As(err, &usage):
		return KindUsage
	case errors.As(err, &dupID):
		return KindDuplicateIdentity
	case errors.As(err, &dupPeer):
		return KindDuplicatePeer
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &ia):
		return KindInterfaceApply
	case errors.As(err, &cw):
		return KindConfigWrite
	case errors.As(err, &tr):
		return KindTrafficRead
	}
	return KindUnknown
}

// ExitCode maps err to the process exit status. nil maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}

// IsPrivilege reports whether err is, or is caused by, a permission failure.
func IsPrivilege(err error) bool {
	var pe *PrivilegeError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}

// Privileged wraps err in a PrivilegeError when it is a permission failure,
// and returns it unchanged otherwise.
func Privileged(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PrivilegeError
	if errors.As(err, &pe) {
		return err
	}
	if IsPrivilege(err) {
		return &PrivilegeError{Op: op, Cause: err}
	}
	return err
}

// IsTimeout reports whether err came from a bounded privileged call running out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// RunBounded runs fn with a deadline. A call that overruns returns an error
// wrapping context.DeadlineExceeded even if fn ignores its context; the
// goroutine running fn is left to finish on its own.
func RunBounded(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("privileged call timed out after %s: %w", timeout, ctx.Err())
	}
}
