/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package tlsfqueue provides external exclusion for a *tlsf.Pool shared
// across goroutines. The pool itself does no locking (see package tlsf);
// Queue runs every submitted func on exactly one persistent worker
// goroutine, so pool operations from any number of callers are always
// serialized onto a single writer, never interleaved.
package tlsfqueue

import (
	"context"
	"log"
)

type task struct {
	ctx  context.Context
	f    func()
	done chan struct{}
}

// Queue serializes work onto a single goroutine.
//
// Unlike an elastic worker pool, Queue never spins up additional
// goroutines: a pool handle must never be touched by two goroutines at
// once, so there is exactly one worker for the lifetime of the Queue.
type Queue struct {
	tasks        chan task
	quit         chan struct{}
	stopped      chan struct{}
	panicHandler func(ctx context.Context, r interface{})
}

// New creates a Queue and starts its single worker goroutine.
// bufSize controls how many pending calls may queue up before Go/CtxGo
// blocks the caller.
func New(bufSize int) *Queue {
	if bufSize < 0 {
		bufSize = 0
	}
	q := &Queue{
		tasks:   make(chan task, bufSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// SetPanicHandler sets a func for handling panics raised by submitted
// work. ctx is the one provided to CtxGo, r is the value returned by
// recover(). By default the panic and stack are logged with log.Printf.
func (q *Queue) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	q.panicHandler = f
}

// Go submits f to run on the worker and blocks until it has completed.
// The blocking wait (rather than GoPool's fire-and-forget Go) is what
// lets a caller treat Queue.Go as a drop-in synchronous wrapper around
// a *tlsf.Pool method.
func (q *Queue) Go(f func()) {
	q.CtxGo(context.Background(), f)
}

// CtxGo is Go with an explicit context, passed to the panic handler.
// CtxGo is a no-op once Close has been called.
func (q *Queue) CtxGo(ctx context.Context, f func()) {
	// checked first: once quit is closed, a send into a buffered tasks
	// channel would still be ready and could be picked by the select below
	select {
	case <-q.quit:
		return
	default:
	}
	done := make(chan struct{})
	select {
	case q.tasks <- task{ctx: ctx, f: f, done: done}:
	case <-q.quit:
		return
	}
	<-done
}

// Close stops accepting new work and waits for the worker to drain
// already-queued tasks and exit. Close must not be called concurrently
// with itself.
func (q *Queue) Close() {
	close(q.quit)
	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case t := <-q.tasks:
			q.runTask(t)
		case <-q.quit:
			q.drain()
			return
		}
	}
}

// drain runs any tasks that were already enqueued before quit fired.
func (q *Queue) drain() {
	for {
		select {
		case t := <-q.tasks:
			q.runTask(t)
		default:
			return
		}
	}
}

func (q *Queue) runTask(t task) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			if q.panicHandler != nil {
				q.panicHandler(t.ctx, r)
			} else {
				log.Printf("tlsfqueue: panic in worker: %v", r)
			}
		}
	}()
	t.f()
}
