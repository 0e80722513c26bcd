// Package taskbus implements the Task Dispatch Bus (C7): a worker pool that
// executes virtual-HTTP work out-of-band and routes the result back to the
// originating connection by correlation_id.
//
// Grounded on the reference server's WorkerPool (internal/single's
// worker_pool.go equivalent): a fixed number of goroutines draining a
// buffered channel, dropping work on a full queue rather than blocking the
// submitter, generalized here from fire-and-forget closures to
// correlation-tracked request/response Tasks.
package taskbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/channelserver/internal/chserr"
	"github.com/adred-codev/channelserver/internal/metrics"
	"github.com/adred-codev/channelserver/internal/wire"
)

// Task is one unit of virtual-HTTP work, matching the Task entity of §3.
type Task struct {
	TaskID        int64
	CorrelationID string
	OriginatingFd int64
	Method        string
	URI           string
	Body          []byte
	Identity      InjectedIdentity
}

// InjectedIdentity is the typed struct the Frame Router hands to the Task
// Dispatch Bus in place of free-form headers, per the design note in §9.
type InjectedIdentity struct {
	AccountID string
	ProfileID string
	ClientFd  int64
	TraceID   string
}

// Result is what a handler produces: ErrMessage is sent when IsError is set,
// Data otherwise (Data may be nil on success).
type Result struct {
	Status     int
	Data       any
	ErrMessage string
	IsError    bool
}

// Handler executes one task's work: the handler sees only the bus context
// and the Task (with its InjectedIdentity), so nothing leaks between frames
// because nothing is shared to begin with.
type Handler func(ctx context.Context, task Task) Result

// ResponseSink delivers a completed task's result back to the originating
// connection; implemented by the Connection Supervisor. If the origin
// connection is gone, Deliver returns false and the response is discarded
// with a warning log (per §4.7's cancellation policy).
type ResponseSink interface {
	Deliver(fd int64, payload []byte) (ok bool)
}

// Bus is the in-process Task Dispatch Bus.
type Bus struct {
	logger   zerolog.Logger
	handler  Handler
	sink     ResponseSink
	queue    chan Task
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	taskSeq  int64
	dropped  int64
}

// New builds a Bus with workerCount goroutines draining a queue sized
// workerCount*queueMultiplier, mirroring the reference WorkerPool's sizing.
func New(workerCount, queueMultiplier int, handler Handler, sink ResponseSink, logger zerolog.Logger) *Bus {
	if queueMultiplier <= 0 {
		queueMultiplier = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:  logger,
		handler: handler,
		sink:    sink,
		queue:   make(chan Task, workerCount*queueMultiplier),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. workerCount must match the value passed
// to New (kept separate so callers can reuse the same config value).
func (b *Bus) Start(workerCount int) {
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case task, ok := <-b.queue:
			if !ok {
				return
			}
			b.run(task)
		}
	}
}

func (b *Bus) run(task Task) {
	start := time.Now()
	defer func() {
		metrics.TaskDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("correlation_id", task.CorrelationID).
				Msg("task worker panic recovered")
			b.respond(task, Result{IsError: true, Status: 500, ErrMessage: "task crashed"})
		}
	}()

	result := b.handler(b.ctx, task)
	b.respond(task, result)
}

func (b *Bus) respond(task Task, result Result) {
	var envelope wire.Envelope
	if result.IsError {
		envelope = wire.APIError(task.CorrelationID, result.Status, result.ErrMessage)
	} else {
		envelope = wire.APIResponse(task.CorrelationID, result.Status, result.Data)
	}

	payload, err := wire.Marshal(envelope)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to marshal task response")
		return
	}

	if !b.sink.Deliver(task.OriginatingFd, payload) {
		b.logger.Warn().
			Int64("fd", task.OriginatingFd).
			Str("correlation_id", task.CorrelationID).
			Msg("dropping task response: origin connection gone")
	}
}

// Dispatch enqueues a task for asynchronous execution and returns its
// task_id immediately; the caller is responsible for sending the client the
// endpoint_queued acknowledgement. Non-blocking: if the queue is full the
// task is dropped and an error returned (CapacityExhausted-flavored, since
// the bus itself is a bounded resource).
func (b *Bus) Dispatch(originatingFd int64, method, uri string, body []byte, identity InjectedIdentity, correlationID string) (int64, error) {
	taskID := atomic.AddInt64(&b.taskSeq, 1)
	task := Task{
		TaskID:        taskID,
		CorrelationID: correlationID,
		OriginatingFd: originatingFd,
		Method:        method,
		URI:           uri,
		Body:          body,
		Identity:      identity,
	}

	metrics.TasksDispatched.Inc()
	select {
	case b.queue <- task:
		return taskID, nil
	default:
		atomic.AddInt64(&b.dropped, 1)
		metrics.TasksDropped.Inc()
		return 0, chserr.New(chserr.KindCapacityExhausted, "task queue full")
	}
}

// Dropped reports how many tasks have been dropped due to a full queue.
func (b *Bus) Dropped() int64 { return atomic.LoadInt64(&b.dropped) }

// Stop cancels the bus context, closes the queue and waits for the workers
// to exit. Tasks still queued may be discarded unrun; Dispatch must not be
// called after Stop (sending on the closed queue panics).
func (b *Bus) Stop() {
	b.cancel()
	close(b.queue)
	b.wg.Wait()
}
