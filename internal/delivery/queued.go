package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"rollcall/internal/attendance"
	"rollcall/internal/queue"
)

// Queued defers delivery to a worker. Deliver succeeds once the job is
// enqueued.
type Queued struct {
	q queue.Queue
}

// NewQueued creates a deliverer that enqueues jobs on q.
func NewQueued(q queue.Queue) *Queued {
	return &Queued{q: q}
}

// Deliver implements attendance.Deliverer.
func (d *Queued) Deliver(ctx context.Context, del attendance.Delivery) error {
	msg, err := queue.NewMessage(queue.TypeDelivery, del)
	if err != nil {
		return err
	}
	if err := d.q.Publish(ctx, msg); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// Worker sends queued deliveries, retrying failures until the attempt limit
// or the code's expiry runs out.
type Worker struct {
	q           queue.Queue
	deliverer   attendance.Deliverer
	maxAttempts int
	now         func() time.Time
}

// NewWorker creates a worker that consumes q and hands jobs to deliverer.
func NewWorker(q queue.Queue, deliverer attendance.Deliverer, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		q:           q,
		deliverer:   deliverer,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run processes messages until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	log.Println("delivery: worker started, waiting for messages...")
	for msg := range messages {
		w.Handle(ctx, msg)
	}
	log.Println("delivery: worker stopped")
	return nil
}

// Handle processes one message.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	if msg.Type != queue.TypeDelivery {
		return
	}
	var del attendance.Delivery
	if err := json.Unmarshal(msg.Body, &del); err != nil {
		log.Printf("delivery: dropping malformed job %s: %v", msg.ID, err)
		return
	}
	if !w.now().Before(del.ExpiresAt) {
		log.Printf("delivery: job %s for %s expired before sending", msg.ID, del.StudentID)
		return
	}

	err := w.deliverer.Deliver(ctx, del)
	if err == nil {
		return
	}
	msg.Attempts++
	if msg.Attempts >= w.maxAttempts {
		log.Printf("delivery: giving up on %s for %s after %d attempts: %v", msg.ID, del.StudentID, msg.Attempts, err)
		return
	}
	log.Printf("delivery: attempt %d for %s failed, requeueing: %v", msg.Attempts, del.StudentID, err)
	if perr := w.q.Publish(ctx, msg); perr != nil {
		log.Printf("delivery: requeue %s failed: %v", msg.ID, perr)
	}
}
