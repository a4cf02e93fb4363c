package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brojonat/escrowd/service/domain"
)

// Queue hands recorded events to asynchronous processing.
// service/nats.WebhookQueue is the multi-replica implementation.
type Queue interface {
	Enqueue(ctx context.Context, e *domain.WebhookEvent) error
}

// LocalQueue processes events in-process. Each ordering key gets its own
// lane, drained by one goroutine in enqueue order, so events for the same
// transaction never run concurrently or out of order.
type LocalQueue struct {
	handle func(ctx context.Context, eventID string) error
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	lanes map[string][]string
	wg    sync.WaitGroup
}

// NewLocalQueue creates a queue that calls handle for every event.
func NewLocalQueue(handle func(ctx context.Context, eventID string) error, logger *slog.Logger) *LocalQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		handle: handle,
		logger: logger.With("component", "webhook_local_queue"),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string][]string),
	}
}

// Enqueue appends the event to its lane. It never blocks on processing.
func (q *LocalQueue) Enqueue(_ context.Context, e *domain.WebhookEvent) error {
	key := e.OrderingKey()

	q.mu.Lock()
	defer q.mu.Unlock()
	pending, running := q.lanes[key]
	q.lanes[key] = append(pending, e.EventID)
	if !running {
		q.wg.Add(1)
		go q.drain(key)
	}
	return nil
}

func (q *LocalQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		ids := q.lanes[key]
		if len(ids) == 0 || q.ctx.Err() != nil {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		id := ids[0]
		q.lanes[key] = ids[1:]
		q.mu.Unlock()

		if err := q.handle(q.ctx, id); err != nil {
			// The event is marked FAILED and left for the retry sweep.
			q.logger.Warn("webhook event processing failed", "event_id", id, "ordering_key", key, "error", err)
		}
	}
}

// Wait blocks until every lane is drained.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// Close stops the lanes after their current event and waits for them.
// Events still queued stay PENDING for the sweep to redrive.
func (q *LocalQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
