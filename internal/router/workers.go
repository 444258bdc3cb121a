package router

import (
	"log/slog"
	"sync"
	"time"
)

type task func()

// workerPool serializes task execution per channel id. Each active channel
// gets one lazily created worker goroutine with a bounded queue; unrelated
// channels run fully in parallel. Workers retire after an idle period.
type workerPool struct {
	mu      sync.Mutex
	workers map[string]*channelWorker
	closed  bool

	queueSize   int
	idleTimeout time.Duration
	logger      *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

type channelWorker struct {
	queue chan task
}

func newWorkerPool(queueSize int, idleTimeout time.Duration, logger *slog.Logger) *workerPool {
	return &workerPool{
		workers:     make(map[string]*channelWorker),
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// submit enqueues a task for the channel's worker, creating the worker if
// needed. A full queue blocks the caller, which is the pool's backpressure.
// Tasks submitted after Close are dropped.
func (p *workerPool) submit(channelID string, t task) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}

	w, ok := p.workers[channelID]
	if !ok {
		w = &channelWorker{queue: make(chan task, p.queueSize)}
		p.workers[channelID] = w
		p.wg.Add(1)
		go p.run(channelID, w)
		p.logger.Debug("Started channel worker", "channel_id", channelID)
	}

	// Enqueue under the lock when there is room, so the worker cannot retire
	// between lookup and send.
	select {
	case w.queue <- t:
		p.mu.Unlock()
		return true
	default:
	}
	p.mu.Unlock()

	// Queue full: the worker is busy and will not retire; block outside the lock.
	select {
	case w.queue <- t:
		return true
	case <-p.done:
		return false
	}
}

func (p *workerPool) run(channelID string, w *channelWorker) {
	defer p.wg.Done()

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t := <-w.queue:
			t()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)

		case <-idle.C:
			p.mu.Lock()
			if len(w.queue) == 0 {
				delete(p.workers, channelID)
				p.mu.Unlock()
				p.logger.Debug("Retired idle channel worker", "channel_id", channelID)
				return
			}
			p.mu.Unlock()
			idle.Reset(p.idleTimeout)

		case <-p.done:
			// Drain what was accepted before shutdown, then exit.
			for {
				select {
				case t := <-w.queue:
					t()
				default:
					p.mu.Lock()
					delete(p.workers, channelID)
					p.mu.Unlock()
					return
				}
			}
		}
	}
}

// close stops accepting new tasks, lets workers drain accepted ones, and
// waits for them to exit.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}
