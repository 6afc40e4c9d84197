// Package queue schedules Tasks against a transport: priority lanes,
// at-most-one-in-flight dispatch, timeout arming, and online-gating.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"drivercore/internal/errs"
	"drivercore/internal/logging"
	"drivercore/internal/metrics"
	"drivercore/pkg/task"
)

// Sender is the subset of Transport the Queue needs to dispatch a task.
// send returns false when the socket is absent or closed; the task is
// left to time out and retry, matching the transport contract's
// best-effort semantics.
type Sender interface {
	Send(payload []byte, t *task.Task) bool
}

// State is one of the Queue's lifecycle states.
type State int

const (
	Idle State = iota
	AwaitingOnline
	Delaying
	InFlight
	TimedOutRetrying
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingOnline:
		return "awaiting-online"
	case Delaying:
		return "delaying"
	case InFlight:
		return "in-flight"
	case TimedOutRetrying:
		return "timed-out-retrying"
	case Terminated:
		return "terminated"
	default:
		return "idle"
	}
}

// lane is one FIFO priority lane.
type lane struct {
	tasks []*task.Task
}

func (l *lane) push(t *task.Task) { l.tasks = append(l.tasks, t) }
func (l *lane) pushFront(t *task.Task) {
	l.tasks = append([]*task.Task{t}, l.tasks...)
}
func (l *lane) empty() bool { return len(l.tasks) == 0 }
func (l *lane) pop() *task.Task {
	t := l.tasks[0]
	l.tasks = l.tasks[1:]
	return t
}
func (l *lane) drain() []*task.Task {
	drained := l.tasks
	l.tasks = nil
	return drained
}

// Queue dispatches at most one Task at a time, in strict priority
// order and FIFO within a priority. Created bound to a Sender; call
// Run in its own goroutine for the lifetime of the owning module.
type Queue struct {
	sender  Sender
	log     *logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	lanes    [3]lane // indexed by task.Priority
	online   bool
	current  *task.Task
	previous *task.Task
	state    State

	// retryPayload holds the already-produced payload bytes for a task
	// that has been re-enqueued at its lane's head after a retry, so
	// dispatch can skip re-invoking its PayloadFunc (which runs exactly
	// once) when next() hands it back out.
	retryPayload map[*task.Task][]byte

	wake      chan struct{}
	rearm     chan struct{}
	retrySend chan struct{}
	terminate chan struct{}
	done      chan struct{}
}

// New builds a Queue that dispatches through sender.
func New(sender Sender, log *logging.Logger, reg *metrics.Registry) *Queue {
	return &Queue{
		sender:       sender,
		log:          log,
		metrics:      reg,
		retryPayload: make(map[*task.Task][]byte),
		wake:         make(chan struct{}, 1),
		rearm:        make(chan struct{}, 1),
		retrySend:    make(chan struct{}, 1),
		terminate:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Enqueue places t at the tail of its priority lane. Wait-free against
// the dispatch worker beyond the lane mutex itself.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	if q.state == Terminated {
		q.mu.Unlock()
		q.abort(t, "terminated")
		return
	}
	if t.ClearQueue {
		q.clearLocked("cleared")
	}
	q.lanes[t.Priority].push(t)
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(t.Priority.String()).Inc()
	}
	q.mu.Unlock()
	q.nudge()
}

func (q *Queue) clearLocked(reason string) {
	for i := range q.lanes {
		for _, t := range q.lanes[i].drain() {
			delete(q.retryPayload, t)
			q.abort(t, reason)
		}
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(task.Priority(i).String()).Set(0)
		}
	}
}

// SetOnline raises or lowers the gate dispatch waits on. Lowering does
// not abort an in-flight task: reconnection is expected to recover the
// session per the transport's reconnect contract.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	q.online = online
	q.mu.Unlock()
	if online {
		q.nudge()
	}
}

// AbortCurrent completes the in-flight task as Abort(reason), used by
// the transport when it terminates explicitly (e.g. a failed TLS
// handshake) rather than merely disconnecting.
func (q *Queue) AbortCurrent(reason string) {
	q.mu.Lock()
	cur := q.current
	q.mu.Unlock()
	if cur != nil {
		q.abort(cur, reason)
	}
}

// HandleResponse delivers one extracted message to the in-flight
// task's response parser, if any, and applies its verdict. Returns
// false when there is no in-flight task or it carries no parser, so
// the caller (Transport's read path) can fall back to the driver's
// general received callback. A panic inside the parser is recovered
// and treated as ParseAbort.
func (q *Queue) HandleResponse(data []byte) bool {
	q.mu.Lock()
	cur := q.current
	q.mu.Unlock()
	if cur == nil || cur.Parser == nil {
		return false
	}

	outcome := q.runParser(cur, data)
	switch outcome.Kind {
	case task.ParserSuccess:
		cur.Succeed(outcome.Value)
	case task.ParserAbortKind:
		q.abort(cur, outcome.Reason)
	case task.ParserRetryKind:
		if cur.RequestRetry(outcome.Reason) {
			if q.metrics != nil {
				q.metrics.TasksRetried.WithLabelValues(outcome.Reason).Inc()
			}
			select {
			case q.retrySend <- struct{}{}:
			default:
			}
		} else {
			// Retry budget exhausted: RequestRetry already completed
			// the task as Abort(outcome.Reason) itself.
			if q.metrics != nil {
				q.metrics.TasksAborted.WithLabelValues(outcome.Reason).Inc()
			}
			if q.log != nil {
				q.log.WithError(errs.Aborted(outcome.Reason)).Warn(fmt.Sprintf("task %s: retry budget exhausted", cur.Name))
			}
		}
	case task.ParserContinue:
		select {
		case q.rearm <- struct{}{}:
		default:
		}
	}
	return true
}

func (q *Queue) runParser(t *task.Task, data []byte) (outcome task.ParserOutcome) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprint(r)
			if q.log != nil {
				q.log.WithError(errs.ParserFailed(fmt.Errorf("%v", r))).Warn(fmt.Sprintf("task %s: response parser panicked", t.Name))
			}
			outcome = task.ParseAbort(reason)
		}
	}()
	return t.Parser(data, t)
}

// abort completes t as Abort(reason) and, if this call is the one that
// actually closed it, counts it against TasksAborted. Safe to call
// while holding q.mu: it never locks it itself.
func (q *Queue) abort(t *task.Task, reason string) {
	if !t.AbortNow(reason) {
		return
	}
	if q.metrics != nil {
		q.metrics.TasksAborted.WithLabelValues(reason).Inc()
	}
	if q.log != nil {
		classified := errs.Aborted(reason)
		if reason == "timeout" {
			classified = errs.Timeout()
		}
		q.log.WithError(classified).Warn(fmt.Sprintf("task %s aborted", t.Name))
	}
}

// nudge wakes the dispatch loop without blocking if it's already
// pending a wakeup.
func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// requeueAtHead re-enqueues t at the front of its priority lane with
// payload cached for replay, so a higher-priority task (or a
// clear_queue displacement) enqueued while t was retrying can preempt
// it instead of t monopolizing the in-flight slot across its retries.
func (q *Queue) requeueAtHead(t *task.Task, payload []byte) {
	q.mu.Lock()
	q.retryPayload[t] = payload
	q.lanes[t.Priority].pushFront(t)
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(t.Priority.String()).Inc()
	}
	q.nudge()
}

// takeRetryPayload reports whether t is being redispatched after a
// retry and, if so, returns the payload it should replay instead of
// invoking its PayloadFunc again.
func (q *Queue) takeRetryPayload(t *task.Task) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	payload, ok := q.retryPayload[t]
	if ok {
		delete(q.retryPayload, t)
	}
	return payload, ok
}

// Run is the dispatch loop: pop-dispatch-await in a cycle until
// Terminate is called. Intended to run on its own goroutine for the
// life of the owning module.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		t, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.clearLocked("terminated")
				q.state = Terminated
				q.mu.Unlock()
				return
			case <-q.terminate:
				return
			case <-q.wake:
				continue
			}
		}
		q.dispatch(ctx, t)
	}
}

// next pops the head of the highest non-empty lane while online, or
// reports none ready.
func (q *Queue) next() (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == Terminated {
		return nil, false
	}
	if !q.online {
		q.state = AwaitingOnline
		return nil, false
	}
	for p := task.High; p >= task.Low; p-- {
		if !q.lanes[p].empty() {
			t := q.lanes[p].pop()
			if q.metrics != nil {
				q.metrics.QueueDepth.WithLabelValues(p.String()).Dec()
			}
			return t, true
		}
	}
	q.state = Idle
	return nil, false
}

// dispatch runs one task through a single in-flight attempt: optional
// pre-delay (skipped on a retry redispatch), send, timeout arming
// (with re-arm on ParseContinueWaiting), then either the parser's
// verdict or a bare wait for the task's own completion. A retry does
// not loop inline here: it re-enqueues t at its lane's head and
// returns, so Run's next() cycle picks it back up and a higher-
// priority task (or a clear_queue) enqueued in the meantime can
// preempt it.
func (q *Queue) dispatch(ctx context.Context, t *task.Task) {
	payload, retrying := q.takeRetryPayload(t)
	if !retrying {
		if t.DelayBefore > 0 {
			q.setState(Delaying)
			select {
			case <-time.After(t.DelayBefore):
			case <-ctx.Done():
				q.abort(t, "terminated")
				return
			case <-q.terminate:
				q.abort(t, "terminated")
				return
			}
		}

		p, err := t.Payload()
		if err != nil {
			t.FailWith(err)
			return
		}
		payload = p
	}

	q.mu.Lock()
	q.current = t
	q.state = InFlight
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.QueueInFlight.Set(1)
		q.metrics.TasksDispatched.WithLabelValues(t.Priority.String()).Inc()
	}

	q.sender.Send(payload, t)
	retry := q.awaitOutcome(ctx, t, payload)

	q.mu.Lock()
	q.current = nil
	if !retry {
		q.previous = t
	}
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.QueueInFlight.Set(0)
	}
}

// awaitOutcome blocks until t resolves, its deadline fires, or a
// retry is requested. It reports whether it returned because of a
// retry: the caller's in-flight slot is free either way, but a retry
// means t has already been re-enqueued at its lane's head rather than
// completed (a Task's PayloadFunc runs exactly once, so a retry
// replays the cached payload bytes passed in rather than re-invoking
// it). A parser Continue verdict restarts the clock without retrying.
func (q *Queue) awaitOutcome(ctx context.Context, t *task.Task, payload []byte) (retry bool) {
	if t.Timeout <= 0 {
		for {
			select {
			case <-t.Done():
				return false
			case <-ctx.Done():
				q.abort(t, "terminated")
				return false
			case <-q.terminate:
				q.abort(t, "terminated")
				return false
			case <-q.retrySend:
				q.requeueAtHead(t, payload)
				return true
			case <-q.rearm:
			}
		}
	}

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()
	for {
		select {
		case <-t.Done():
			return false
		case <-ctx.Done():
			q.abort(t, "terminated")
			return false
		case <-q.terminate:
			q.abort(t, "terminated")
			return false
		case <-q.retrySend:
			q.requeueAtHead(t, payload)
			return true
		case <-q.rearm:
			// A response parser saw Continue: stay in flight, restart
			// the clock from now rather than extending the original
			// deadline.
			timer.Reset(t.Timeout)
		case <-timer.C:
			if q.metrics != nil {
				q.metrics.TasksTimedOut.Inc()
			}
			if t.RequestRetry("timeout") {
				q.setState(TimedOutRetrying)
				if q.metrics != nil {
					q.metrics.TasksRetried.WithLabelValues("timeout").Inc()
				}
				q.requeueAtHead(t, payload)
				return true
			}
			// Retry budget exhausted: RequestRetry already completed
			// the task as Abort("timeout") itself.
			if q.metrics != nil {
				q.metrics.TasksAborted.WithLabelValues("timeout").Inc()
			}
			if q.log != nil {
				q.log.WithError(errs.Timeout()).Warn(fmt.Sprintf("task %s: retry budget exhausted", t.Name))
			}
			return false
		}
	}
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// State reports the Queue's current lifecycle state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Terminate drains every lane as Abort("terminated"), stops the
// dispatch loop, and marks the Queue permanently Terminated. Idempotent.
func (q *Queue) Terminate() {
	q.mu.Lock()
	if q.state == Terminated {
		q.mu.Unlock()
		return
	}
	q.clearLocked("terminated")
	q.state = Terminated
	q.mu.Unlock()
	close(q.terminate)
	<-q.done
}

