// Package queue serializes index mutations behind a single writer
// goroutine per document class, batching commits by a change-count
// threshold or a flush timeout instead of committing on every write.
// This replaces the original system's single write thread plus
// condition-variable queue with a goroutine reading off a channel,
// following the module's goroutines-over-cooperative-scheduling
// redesign.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/meshvault/meshvault/internal/index"
	"github.com/meshvault/meshvault/pkg/errors"
)

type item struct {
	mutate func(w *index.Writer)
	commit bool
	ack    chan error
}

// Queue serializes writes to one index.Writer.
type Queue struct {
	writer    *index.Writer
	items     chan item
	threshold int
	timeout   time.Duration

	pendingSeqno atomic.Int64
	commitSeqno  atomic.Int64

	changes int
	done    chan struct{}
	stopped chan struct{}
}

// New starts a Queue backed by writer. depth bounds the number of
// buffered operations before Put blocks (backpressure); threshold is
// the change count that forces an auto-commit; timeout is the maximum
// time pending changes may sit uncommitted (0 disables the timer).
func New(writer *index.Writer, depth, threshold int, timeout time.Duration) *Queue {
	q := &Queue{
		writer:    writer,
		items:     make(chan item, depth),
		threshold: threshold,
		timeout:   timeout,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	q.pendingSeqno.Store(1)
	go q.run()
	return q
}

// Put enqueues mutate for application by the writer goroutine. It
// returns the pending seqno of the batch mutate will land in. Put
// blocks if the queue is at capacity, giving natural backpressure
// instead of an unbounded buffer.
func (q *Queue) Put(mutate func(w *index.Writer)) (int64, error) {
	select {
	case q.items <- item{mutate: mutate}:
		return q.pendingSeqno.Load(), nil
	case <-q.done:
		return 0, errors.New(errors.ErrCodeQueueClosed, "queue is closed").WithComponent("queue")
	}
}

// Commit requests a flush without waiting for it to complete.
func (q *Queue) Commit() {
	select {
	case q.items <- item{commit: true}:
	case <-q.done:
	}
}

// CommitAndWait requests a flush and blocks until it has been applied.
func (q *Queue) CommitAndWait(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case q.items <- item{commit: true, ack: ack}:
	case <-q.done:
		return errors.New(errors.ErrCodeQueueClosed, "queue is closed").WithComponent("queue")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CommitSeqno returns the seqno of the last commit applied to the
// backing index.
func (q *Queue) CommitSeqno() int64 {
	return q.commitSeqno.Load()
}

// PendingSeqno returns the seqno of the batch currently accepting
// writes.
func (q *Queue) PendingSeqno() int64 {
	return q.pendingSeqno.Load()
}

// Stop drains remaining items, commits them if dirty, and shuts the
// writer goroutine down. It does not close the underlying index.Writer.
func (q *Queue) Stop() {
	select {
	case <-q.done:
		return
	default:
	}
	close(q.done)
	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)

	var timer *time.Timer
	var timerC <-chan time.Time
	if q.timeout > 0 {
		timer = time.NewTimer(q.timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case it, ok := <-q.items:
			if !ok {
				return
			}
			q.apply(it)
			q.drainAvailable()
		case <-timerC:
			if q.changes > 0 {
				q.flush(nil)
			}
			timer.Reset(q.timeout)
		case <-q.done:
			q.drainRemaining()
			return
		}
	}
}

// drainAvailable applies any items already queued without blocking,
// so a burst of Puts commits as one batch rather than one transaction
// per item.
func (q *Queue) drainAvailable() {
	for {
		select {
		case it, ok := <-q.items:
			if !ok {
				return
			}
			q.apply(it)
		default:
			return
		}
	}
}

func (q *Queue) drainRemaining() {
	for {
		select {
		case it, ok := <-q.items:
			if !ok {
				return
			}
			q.apply(it)
		default:
			if q.changes > 0 {
				q.flush(nil)
			}
			return
		}
	}
}

func (q *Queue) apply(it item) {
	if it.mutate != nil {
		it.mutate(q.writer)
		q.changes++
	}
	commit := it.commit
	if q.threshold > 0 && q.changes >= q.threshold {
		commit = true
	}
	if commit {
		q.flush(it.ack)
	} else if it.ack != nil {
		it.ack <- nil
	}
}

func (q *Queue) flush(ack chan error) {
	err := q.writer.Commit()
	if err == nil {
		q.changes = 0
		q.commitSeqno.Add(1)
		q.pendingSeqno.Add(1)
	}
	if ack != nil {
		ack <- err
	}
}
