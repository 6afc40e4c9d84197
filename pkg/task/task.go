// Package task implements one outstanding command against a
// Transport: its payload, deadline, optional response parser, and
// completion outcome.
package task

import (
	"sync"
	"time"
)

// Priority selects which of the Queue's three FIFO lanes a Task waits
// in.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "normal"
	}
}

// OutcomeKind tags the single terminal state a Task's completion slot
// resolves to.
type OutcomeKind int

const (
	// Pending means the task has not completed yet; Outcome() is not
	// meaningful until Done() is closed.
	Pending OutcomeKind = iota
	Success
	Abort
	Timeout
	Error
)

// Outcome is the terminal result observed exactly once on a Task's
// completion slot (invariant #2).
type Outcome struct {
	Kind   OutcomeKind
	Value  []byte
	Reason string
	Err    error
}

// ParserOutcomeKind tags what a response parser decided about one
// chunk of inbound data.
type ParserOutcomeKind int

const (
	ParserContinue ParserOutcomeKind = iota
	ParserSuccess
	ParserRetryKind
	ParserAbortKind
)

// ParserOutcome is what a response parser returns for one inbound
// message.
type ParserOutcome struct {
	Kind   ParserOutcomeKind
	Value  []byte
	Reason string
}

// ParseSuccess resolves the task with value.
func ParseSuccess(value []byte) ParserOutcome { return ParserOutcome{Kind: ParserSuccess, Value: value} }

// ParseRetry requests a retry per the task's remaining-retries rule.
func ParseRetry(reason string) ParserOutcome { return ParserOutcome{Kind: ParserRetryKind, Reason: reason} }

// ParseAbort terminates the task immediately.
func ParseAbort(reason string) ParserOutcome { return ParserOutcome{Kind: ParserAbortKind, Reason: reason} }

// ParseContinueWaiting keeps the task in flight awaiting more bytes.
func ParseContinueWaiting() ParserOutcome { return ParserOutcome{Kind: ParserContinue} }

// Parser is invoked with one extracted message and the task it may
// terminate or continue waiting on. A panic inside a Parser is
// recovered by the Queue and treated as ParseAbort(recovered value).
type Parser func(data []byte, t *Task) ParserOutcome

// PayloadFunc produces a task's wire payload. It is invoked exactly
// once, immediately before the Queue hands the task to the transport.
type PayloadFunc func() ([]byte, error)

// Config are the constructor parameters from spec.md §4.B.
type Config struct {
	Name        string
	Priority    Priority
	Retries     int
	Timeout     time.Duration
	DelayBefore time.Duration
	ClearQueue  bool
	Payload     PayloadFunc
	Parser      Parser
}

// Task is one outstanding command. Created by a driver, enqueued, at
// most once in flight, terminal on completion, never reused.
type Task struct {
	Name        string
	Priority    Priority
	Timeout     time.Duration
	DelayBefore time.Duration
	ClearQueue  bool
	Payload     PayloadFunc
	Parser      Parser

	mu               sync.Mutex
	retriesRemaining int
	done             chan struct{}
	closed           bool
	outcome          Outcome
}

// New builds a Task from cfg, ready to enqueue.
func New(cfg Config) *Task {
	return &Task{
		Name:             cfg.Name,
		Priority:         cfg.Priority,
		Timeout:          cfg.Timeout,
		DelayBefore:      cfg.DelayBefore,
		ClearQueue:       cfg.ClearQueue,
		Payload:          cfg.Payload,
		Parser:           cfg.Parser,
		retriesRemaining: cfg.Retries,
		done:             make(chan struct{}),
	}
}

// Done is closed exactly once, when the task reaches a terminal
// outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Outcome returns the terminal result. Only meaningful after Done()
// has closed.
func (t *Task) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// complete resolves the task exactly once; later calls are no-ops,
// matching the spec's "permitted only once" / idempotent-abort rules.
func (t *Task) complete(o Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	t.outcome = o
	close(t.done)
	return true
}

// Succeed resolves the task with a value. Returns false if the task
// had already completed.
func (t *Task) Succeed(value []byte) bool {
	return t.complete(Outcome{Kind: Success, Value: value})
}

// AbortNow resolves the task immediately as a terminal failure.
// Idempotent: a second call is a no-op.
func (t *Task) AbortNow(reason string) bool {
	return t.complete(Outcome{Kind: Abort, Reason: reason})
}

// FailWith resolves the task as Error(err), used for conditions the
// spec doesn't model as an Abort reason (e.g. a malformed payload
// producer).
func (t *Task) FailWith(err error) bool {
	return t.complete(Outcome{Kind: Error, Err: err})
}

// RequestRetry decrements the retry budget and reports whether the
// caller (the Queue) should re-enqueue the task at the head of its
// lane. When the budget is exhausted it completes the task as
// Abort(reason) itself and returns false.
func (t *Task) RequestRetry(reason string) (requeue bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if t.retriesRemaining <= 0 {
		t.closed = true
		t.outcome = Outcome{Kind: Abort, Reason: reason}
		close(t.done)
		t.mu.Unlock()
		return false
	}
	t.retriesRemaining--
	t.mu.Unlock()
	return true
}

// RetriesRemaining reports the current retry budget.
func (t *Task) RetriesRemaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retriesRemaining
}

// IsDone reports whether the task has already reached a terminal
// outcome, without blocking.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
