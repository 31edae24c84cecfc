// Package task runs the long-lived goroutines of a bus: the receive loop, the
// stale packet sweep, and the deferred callback dispatcher.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-chainbus/logger"
)

// startTimeout bounds how long Start* waits for a goroutine to report that it is running.
const startTimeout = 5 * time.Second

// ErrStopped is returned when a task is started on a stopped manager.
var ErrStopped = errors.New("task: manager already stopped")

// Func is one iteration of a task. Return false to stop the task.
type Func func() bool

// Manager manages the lifecycle of the goroutines it starts.
//
// All tasks share one context derived from the parent given to NewManager.
// Stop cancels it; Wait blocks until every task has returned.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
}

// NewManager creates a Manager whose tasks end when ctx is cancelled or Stop is called.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by all tasks of this manager.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// StartInterval runs fn every interval until fn returns false or the manager stops.
// If runNow is true, fn also runs once right after the goroutine starts.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) error {
	if interval <= 0 {
		return fmt.Errorf("task: invalid interval %v for %s", interval, name)
	}

	mgr.logger.Debug("start interval task", "name", name, "interval", interval)

	return mgr.start(name, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if runNow && !mgr.callWithRecover(name, fn) {
			return
		}

		for {
			select {
			case <-mgr.ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(name, fn) {
					return
				}
			}
		}
	})
}

// StartNotified runs fn each time notify fires, and once more when the manager
// stops so that work signalled just before shutdown is not lost.
func (mgr *Manager) StartNotified(name string, fn func(), notify <-chan struct{}) error {
	if notify == nil {
		return fmt.Errorf("task: notify channel is nil for %s", name)
	}

	mgr.logger.Debug("start notified task", "name", name)

	return mgr.start(name, func() {
		for {
			select {
			case <-mgr.ctx.Done():
				mgr.callWithRecover(name, func() bool { fn(); return true })
				return
			case <-notify:
				mgr.callWithRecover(name, func() bool { fn(); return true })
			}
		}
	})
}

// Stop signals all running tasks to return.
func (mgr *Manager) Stop() {
	mgr.cancel()
}

// Wait blocks until all tasks have returned or timeout elapses.
// It reports whether every task finished in time.
func (mgr *Manager) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		mgr.logger.Error("task: wait timeout", "timeout", timeout, "running", mgr.TaskCount())
		return false
	}
}

// TaskCount returns the number of running tasks.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) start(name string, body func()) error {
	select {
	case <-mgr.ctx.Done():
		return ErrStopped
	default:
	}

	started := make(chan struct{})

	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()

		mgr.count.Add(1)
		close(started)

		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		body()
	}()

	select {
	case <-started:
		return nil
	case <-time.After(startTimeout):
		return fmt.Errorf("task: timeout waiting for %s to start", name)
	}
}

// callWithRecover runs fn. A panic is logged and the task keeps running.
func (mgr *Manager) callWithRecover(name string, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = true
		}
	}()

	return fn()
}
