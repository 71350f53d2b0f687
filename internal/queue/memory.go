package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// InMemoryQueue runs each request on its own goroutine. Requests published
// before a consumer attaches are held until Consume is called.
type InMemoryQueue struct {
	mu      sync.Mutex
	handler Handler
	ctx     context.Context
	backlog []SendRequest
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup

	MaxRedeliveries int
	RedeliveryDelay time.Duration
	Log             zerolog.Logger
}

func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		timers:          make(map[*time.Timer]struct{}),
		MaxRedeliveries: 3,
		RedeliveryDelay: 500 * time.Millisecond,
		Log:             log,
	}
}

func (q *InMemoryQueue) Publish(_ context.Context, req SendRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dispatchLocked(req)
	return nil
}

func (q *InMemoryQueue) PublishDelayed(ctx context.Context, req SendRequest, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, req)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		q.dispatchLocked(req)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Consume attaches h and blocks until ctx is done. Pending delayed requests
// are dropped on return.
func (q *InMemoryQueue) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	q.handler = h
	q.ctx = ctx
	backlog := q.backlog
	q.backlog = nil
	for _, req := range backlog {
		go q.process(ctx, h, req)
	}
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	q.handler = nil
	for timer := range q.timers {
		if timer.Stop() {
			q.wg.Done()
		}
		delete(q.timers, timer)
	}
	q.mu.Unlock()
	return nil
}

// Wait blocks until every published request, delayed ones included, has
// been handled. Requests published before Consume count too.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *InMemoryQueue) dispatchLocked(req SendRequest) {
	q.wg.Add(1)
	if q.handler == nil {
		q.backlog = append(q.backlog, req)
		return
	}
	go q.process(q.ctx, q.handler, req)
}

func (q *InMemoryQueue) process(ctx context.Context, h Handler, req SendRequest) {
	defer q.wg.Done()
	for retry := 0; ; retry++ {
		err := h(ctx, req)
		if err == nil {
			return
		}
		if retry >= q.MaxRedeliveries || ctx.Err() != nil {
			q.Log.Error().Err(err).Int64("task_id", req.TaskID).Int("redeliveries", retry).
				Msg("dropping send request")
			return
		}
		q.Log.Warn().Err(err).Int64("task_id", req.TaskID).Int("redelivery", retry+1).
			Msg("send request failed, redelivering")

		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(retry+1) * q.RedeliveryDelay):
		}
	}
}

var _ Queue = (*InMemoryQueue)(nil)
