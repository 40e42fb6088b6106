// Package dispatch runs turns for many conversations concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/user/gopherchat/internal/metrics"
	"github.com/user/gopherchat/pkg/llm"
)

// DefaultLaneSize is the number of jobs a conversation may have waiting.
const DefaultLaneSize = 100

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Runner starts a turn. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, snap llm.Snapshot, toolDepth int) iter.Seq[llm.Event]
}

// Job is one turn for one conversation.
type Job struct {
	ConversationID string
	// Snapshot is called when the job reaches the front of its lane, so it
	// sees whatever earlier turns of the same conversation persisted.
	Snapshot  func() (llm.Snapshot, error)
	ToolDepth int
	// OnEvent receives the turn's events in order. It runs on the lane
	// goroutine and must not block for long.
	OnEvent func(llm.Event)
	// OnDone is called once after the last event, with the snapshot error if
	// the turn never started.
	OnDone func(error)
}

// Dispatcher keeps one FIFO lane per conversation, so turns within a
// conversation run one at a time in order, while a weighted semaphore bounds
// the number of turns running across all conversations.
type Dispatcher struct {
	runner    Runner
	lanes     map[string]chan *Job
	semaphore *semaphore.Weighted
	laneSize  int
	active    atomic.Int64
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// New creates a Dispatcher that allows up to maxConcurrent turns at once.
func New(runner Runner, maxConcurrent int64, logger *slog.Logger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:    runner,
		lanes:     make(map[string]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		laneSize:  DefaultLaneSize,
		logger:    logger,
	}
}

// Start binds the dispatcher to ctx. Cancelling ctx cancels every running
// turn. Must be called before Enqueue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels running turns, closes all lanes and waits for the lane
// goroutines to exit. Jobs still queued are completed with the context error.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
	}
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue adds job to its conversation's lane, creating the lane and its
// goroutine when the conversation has none. It fails when the lane is full.
func (d *Dispatcher) Enqueue(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || d.ctx == nil {
		return ErrStopped
	}

	lane, exists := d.lanes[job.ConversationID]
	if !exists {
		lane = make(chan *Job, d.laneSize)
		d.lanes[job.ConversationID] = lane
		d.wg.Add(1)
		go d.processLane(job.ConversationID, lane)
	}

	d.pending.Add(1)
	select {
	case lane <- job:
		return nil
	default:
		d.pending.Done()
		return fmt.Errorf("queue full for conversation %s", job.ConversationID)
	}
}

// Wait blocks until every enqueued job has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Active returns the number of turns currently running.
func (d *Dispatcher) Active() int64 {
	return d.active.Load()
}

// processLane runs the lane's jobs in order. Once the lane drains it is
// removed, so idle conversations hold no goroutine; the next Enqueue for the
// conversation starts a fresh lane.
func (d *Dispatcher) processLane(conversationID string, lane chan *Job) {
	defer d.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			d.process(conversationID, job)
		default:
			// Enqueue sends while holding mu, so an empty lane seen under mu
			// stays empty once it leaves the map.
			d.mu.Lock()
			if len(lane) == 0 {
				if d.lanes[conversationID] == lane {
					delete(d.lanes, conversationID)
				}
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) laneCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

func (d *Dispatcher) process(conversationID string, job *Job) {
	defer d.pending.Done()

	if err := d.semaphore.Acquire(d.ctx, 1); err != nil {
		finish(job, err)
		return
	}
	defer d.semaphore.Release(1)

	snap, err := job.Snapshot()
	if err != nil {
		d.logger.Error("load snapshot", "conversation_id", conversationID, "error", err)
		finish(job, fmt.Errorf("load snapshot: %w", err))
		return
	}

	d.active.Add(1)
	metrics.ActiveTurns.Inc()
	defer func() {
		d.active.Add(-1)
		metrics.ActiveTurns.Dec()
	}()

	var turnErr error
	for ev := range d.runner.Run(d.ctx, snap, job.ToolDepth) {
		if ev.Type == llm.EventFailed {
			turnErr = ev.Err
		}
		if job.OnEvent != nil {
			job.OnEvent(ev)
		}
	}
	if turnErr == nil && d.ctx.Err() != nil {
		turnErr = d.ctx.Err()
	}
	if turnErr != nil {
		d.logger.Warn("turn failed", "conversation_id", conversationID, "error", turnErr)
	}
	finish(job, turnErr)
}

func finish(job *Job, err error) {
	if job.OnDone != nil {
		job.OnDone(err)
	}
}
