package engine

import (
	"context"
	"sync"
	"time"
)

// abortController holds the cancellation token for one running thread. Abort
// cancels the context; every in-flight executor observes the cancellation and
// finishes its current unit before returning an aborted result.
type abortController struct {
	threadID string
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	aborted   bool
	abortedAt time.Time
	reason    string
}

func (c *abortController) abort(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return false
	}
	c.aborted = true
	c.abortedAt = time.Now().UTC()
	c.reason = reason
	c.cancel()
	return true
}

func (c *abortController) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

func (c *abortController) abortTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortedAt
}

// abortRegistry tracks the controllers for threads running in this process.
// A thread appears here from invoke until its terminal transition.
type abortRegistry struct {
	mu          sync.Mutex
	controllers map[string]*abortController
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{controllers: make(map[string]*abortController)}
}

// create registers a controller for a thread and returns it. The returned
// context is the root cancellation token for every step of the thread.
func (r *abortRegistry) create(parent context.Context, threadID string) *abortController {
	ctx, cancel := context.WithCancel(parent)
	ctrl := &abortController{threadID: threadID, ctx: ctx, cancel: cancel}
	r.mu.Lock()
	r.controllers[threadID] = ctrl
	r.mu.Unlock()
	return ctrl
}

func (r *abortRegistry) get(threadID string) (*abortController, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.controllers[threadID]
	return ctrl, ok
}

// remove drops the controller after the thread reaches a terminal status.
func (r *abortRegistry) remove(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctrl, ok := r.controllers[threadID]; ok {
		ctrl.cancel()
		delete(r.controllers, threadID)
	}
}
