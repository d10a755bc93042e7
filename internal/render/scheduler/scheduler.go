// Package scheduler bounds how many render sessions run at once against the
// shared browser. Callers over the limit wait in strict arrival order.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned to callers waiting on or entering a closed scheduler
var ErrClosed = errors.New("scheduler is closed")

// Observer is notified after every change of the active or waiting count
type Observer interface {
	SchedulerChanged(active, waiting int)
}

// Stats is a snapshot of scheduler occupancy
type Stats struct {
	Max     int
	Active  int
	Waiting int
}

// Scheduler is a FIFO counting semaphore. A released slot is handed directly
// to the oldest waiter, so the active count never exceeds Max and no waiter
// can be overtaken by a later arrival.
type Scheduler struct {
	mu       sync.Mutex
	max      int
	active   int
	waiters  *list.List // of chan struct{}
	closed   bool
	observer Observer
	logger   *zap.Logger
}

// New creates a scheduler admitting at most max concurrent tasks (min 1)
func New(max int, logger *zap.Logger) *Scheduler {
	if max < 1 {
		max = 1
	}
	return &Scheduler{
		max:     max,
		waiters: list.New(),
		logger:  logger,
	}
}

// SetObserver registers o for occupancy updates. Call before first use.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Do runs task once a slot is free. The slot is released when task returns
// or panics.
func (s *Scheduler) Do(ctx context.Context, task func(context.Context) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return task(ctx)
}

// Execute is Do for tasks that produce a value
func Execute[T any](ctx context.Context, s *Scheduler, task func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(ctx context.Context) error {
		var taskErr error
		out, taskErr = task(ctx)
		return taskErr
	})
	return out, err
}

// Stats returns current occupancy
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Max: s.max, Active: s.active, Waiting: s.waiters.Len()}
}

// Close rejects new callers and wakes every waiter with ErrClosed.
// Tasks already running are unaffected.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan struct{}))
	}
	s.waiters.Init()
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Scheduler) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.active < s.max && s.waiters.Len() == 0 {
		s.active++
		s.notifyLocked()
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{}, 1)
	elem := s.waiters.PushBack(ready)
	s.notifyLocked()
	s.mu.Unlock()

	select {
	case _, ok := <-ready:
		if !ok {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case _, ok := <-ready:
			// handed a slot while giving up; pass it on
			s.mu.Unlock()
			if ok {
				s.release()
			}
			return ctx.Err()
		default:
		}
		if !s.closed {
			s.waiters.Remove(elem)
			s.notifyLocked()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if front := s.waiters.Front(); front != nil {
		// active count is unchanged: the slot moves to the waiter
		s.waiters.Remove(front)
		front.Value.(chan struct{}) <- struct{}{}
		s.notifyLocked()
		return
	}

	if s.active == 0 {
		s.logger.Error("Scheduler release without matching acquire")
		return
	}
	s.active--
	s.notifyLocked()
}

func (s *Scheduler) notifyLocked() {
	if s.observer != nil {
		s.observer.SchedulerChanged(s.active, s.waiters.Len())
	}
}
