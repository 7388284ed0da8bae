package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRecorderQueue is the recorder queue size when none is given.
const DefaultRecorderQueue = 1024

// RecorderHooks observes recorder outcomes. Any field may be nil.
type RecorderHooks struct {
	Dropped func()
	Failed  func()
}

type recordOp struct {
	create    *Entry
	requestID string
	update    Update
}

// Recorder serializes ledger writes on one goroutine so the request path never blocks.
// Writes for the same request keep their submission order.
type Recorder struct {
	ledger *Ledger
	hooks  RecorderHooks
	queue  chan recordOp

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}
}

// NewRecorder constructs a recorder with a queue of size entries.
func NewRecorder(ledger *Ledger, size int, hooks RecorderHooks) *Recorder {
	if size <= 0 {
		size = DefaultRecorderQueue
	}
	return &Recorder{
		ledger: ledger,
		hooks:  hooks,
		queue:  make(chan recordOp, size),
		done:   make(chan struct{}),
	}
}

// Run writes queued operations until Close. Remaining operations are flushed first.
// Run returns immediately when called again or after Close.
func (r *Recorder) Run(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	defer close(r.done)
	for op := range r.queue {
		r.apply(ctx, op)
	}
}

// Create queues a new entry. It reports false when the entry was dropped.
func (r *Recorder) Create(e Entry) bool {
	return r.enqueue(recordOp{create: &e})
}

// Update queues an update for requestID. It reports false when the update was dropped.
func (r *Recorder) Update(requestID string, u Update) bool {
	return r.enqueue(recordOp{requestID: requestID, update: u})
}

// Close stops accepting operations and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	// Run has not claimed the queue yet; drain it here so Close never returns early.
	if r.started.CompareAndSwap(false, true) {
		for op := range r.queue {
			r.apply(context.Background(), op)
		}
		close(r.done)
		return
	}
	<-r.done
}

func (r *Recorder) enqueue(op recordOp) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- op:
		return true
	default:
		requestID := op.requestID
		if op.create != nil {
			requestID = op.create.RequestID
		}
		log.Warnf("ledger: recorder queue full, dropping write for request %s", requestID)
		if r.hooks.Dropped != nil {
			r.hooks.Dropped()
		}
		return false
	}
}

func (r *Recorder) apply(ctx context.Context, op recordOp) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errWrite error
	if op.create != nil {
		_, errWrite = r.ledger.Create(writeCtx, *op.create)
		if errors.Is(errWrite, ErrDuplicate) {
			log.Warnf("ledger: duplicate request id %s ignored", op.create.RequestID)
			return
		}
	} else {
		_, errWrite = r.ledger.Update(writeCtx, op.requestID, op.update)
	}
	if errWrite != nil {
		log.WithError(errWrite).Warn("ledger: write failed")
		if r.hooks.Failed != nil {
			r.hooks.Failed()
		}
	}
}
