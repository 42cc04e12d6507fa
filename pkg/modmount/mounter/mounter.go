// Package mounter executes mount plans. Each strategy (overlay, magic,
// image) is an executor method on one Executor; failures are contained at
// the narrowest scope possible: a failed path fails that path, a failed
// partition fails the modules on it, never the whole cycle.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/kellerow/modmount/pkg/modmount/logging"
	"github.com/kellerow/modmount/pkg/modmount/mode"
	"github.com/kellerow/modmount/pkg/modmount/mountops"
	"github.com/kellerow/modmount/pkg/modmount/planner"
	"github.com/kellerow/modmount/pkg/modmount/storage"
)

// ErrMountFailed wraps executor failures that fail a whole module.
var ErrMountFailed = errors.New("mount failed")

// PathError records one target path an executor could not apply.
type PathError struct {
	Path string
	Err  error
}

func (p PathError) Error() string {
	return fmt.Sprintf("%s: %v", p.Path, p.Err)
}

// Result is the outcome of executing one module's plan.
type Result struct {
	Module string
	Mode   mode.Mode

	// State is Mounted or Failed.
	State planner.State

	// MountPoints are the mounts created for this module.
	MountPoints []string

	// Skipped are target paths deliberately not applied (conflict losses,
	// unsupported kinds).
	Skipped []string

	// PathErrors are per-path failures that did not fail the module.
	PathErrors []PathError

	// Err is set when the module as a whole failed.
	Err error
}

// Failed reports whether the module ended the cycle unmounted.
func (r Result) Failed() bool { return r.State == planner.Failed }

// Executor runs mount plans against the kernel through a mountops seam.
type Executor struct {
	ops    mountops.Interface
	store  *storage.Manager
	source string

	// retries bounds EBUSY retry attempts per mount call.
	retries int

	log *logging.Logger
}

// NewExecutor creates an executor. retries < 1 disables retrying.
func NewExecutor(ops mountops.Interface, store *storage.Manager, mountSource string, retries int) *Executor {
	if ops == nil {
		ops = mountops.New()
	}
	return &Executor{
		ops:     ops,
		store:   store,
		source:  mountSource,
		retries: retries,
		log:     logging.Get("mounter"),
	}
}

// retryDelay is the base backoff between EBUSY retries.
const retryDelay = 50 * time.Millisecond

// mount performs one mount call with bounded EBUSY retries. EBUSY on a
// partition root is usually another process racing us during boot and
// clears within a few attempts.
func (e *Executor) mount(ctx context.Context, source, target, fstype string, flags uintptr, data string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.ops.Mount(source, target, fstype, flags, data)
		if err == nil || !errors.Is(err, syscall.EBUSY) || attempt >= e.retries {
			return err
		}
		e.log.Debug("mount busy, retrying", "target", target, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay << attempt):
		}
	}
}

// Unmount removes a mount point, falling back to a lazy detach when the
// target is busy. Used to clear orphans left by a crashed cycle.
func (e *Executor) Unmount(target string) error {
	err := e.ops.Unmount(target, 0)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EBUSY) {
		e.log.Warn("mount busy, detaching lazily", "target", target)
		return e.ops.Unmount(target, mountops.DetachLazy)
	}
	return fmt.Errorf("unmounting %s: %w", target, err)
}

// skip reports whether a target path was lost to a conflict.
func skip(mp *planner.ModulePlan, target string) bool {
	for _, s := range mp.SkipPaths {
		if s == target {
			return true
		}
	}
	return false
}
