// Package gpu implements the single-GPU scheduler: a fair FIFO mutex with a
// wall-clock deadline around each critical section, so that at most one
// GPU-consuming operation runs at a time across the whole process.
package gpu

import (
	"context"
	"fmt"
	"time"
)

// defaultDeadline is the wall-clock budget around a withGpu critical
// section — long enough to cover a cold model load with a first-time
// download.
const defaultDeadline = 6 * time.Minute

// Scheduler is a single-holder FIFO mutex. Acquire order is preserved:
// goroutines that call Acquire earlier are granted the lock first.
type Scheduler struct {
	turnstile chan struct{}
	deadline  time.Duration
}

// New creates a Scheduler with the default 6-minute critical-section
// deadline.
func New() *Scheduler {
	s := &Scheduler{
		turnstile: make(chan struct{}, 1),
		deadline:  defaultDeadline,
	}
	s.turnstile <- struct{}{}
	return s
}

// Acquire blocks until the mutex is free, honoring FIFO order via the
// buffered-channel turnstile: Go's runtime serves blocked receivers on a
// channel in the order they started receiving.
func (s *Scheduler) Acquire(ctx context.Context) error {
	select {
	case <-s.turnstile:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release hands the mutex to the next waiter, if any, else marks it free.
func (s *Scheduler) Release() {
	select {
	case s.turnstile <- struct{}{}:
	default:
		// Should never happen: Release without a matching Acquire.
	}
}

// WithGPU acquires the mutex, runs fn, and releases on every exit path
// (including panics), bounding fn's execution to the scheduler's deadline.
// On deadline, WithGPU returns a gpu_timeout error; the mutex is still
// released so a subsequent caller is not starved by a stuck fn.
func (s *Scheduler) WithGPU(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err = s.Acquire(ctx); err != nil {
		return fmt.Errorf("gpu_timeout: acquiring gpu mutex: %w", err)
	}
	defer s.Release()

	deadlineCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in gpu critical section: %v", r)
			}
		}()
		done <- fn(deadlineCtx)
	}()

	select {
	case err = <-done:
		return err
	case <-deadlineCtx.Done():
		return fmt.Errorf("gpu_timeout: critical section exceeded %s", s.deadline)
	}
}
