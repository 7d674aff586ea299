// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaf

import (
	"fmt"
	"log/slog"
	"sync"
)

// workerPool runs callbacks on a fixed set of goroutines. Jobs submitted
// with the same key run on the same worker in submission order.
type workerPool struct {
	queues []chan func()
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

const workerQueueSize = 256

func newWorkerPool(n int, logger *slog.Logger) *workerPool {
	p := &workerPool{
		queues: make([]chan func(), n),
		logger: logger,
	}
	for i := range p.queues {
		q := make(chan func(), workerQueueSize)
		p.queues[i] = q
		p.wg.Add(1)
		go p.run(q)
	}
	return p
}

func (p *workerPool) run(q chan func()) {
	defer p.wg.Done()
	for job := range q {
		p.safe(job)
	}
}

// safe runs a caller supplied callback; a panicking callback must not take
// the worker down.
func (p *workerPool) safe(job func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("callback panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	job()
}

// submit queues job on the worker owning key. It blocks while that worker's
// queue is full and reports false once the pool is closed.
func (p *workerPool) submit(key uint32, job func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.queues[int(key)%len(p.queues)] <- job
	return true
}

// close stops accepting jobs, runs the queued ones and waits for the
// workers to exit.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
