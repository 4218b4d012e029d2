package engine

import (
	"sync"
	"time"

	"github.com/loom-run/loom/internal/types"
)

// EventType identifies a run lifecycle or step-level event.
type EventType string

const (
	EventWorkflowStart     EventType = "workflow:start"
	EventWorkflowSuccess   EventType = "workflow:success"
	EventWorkflowError     EventType = "workflow:error"
	EventWorkflowCancelled EventType = "workflow:cancelled"

	EventStepStart   EventType = "step:start"
	EventStepSuccess EventType = "step:success"
	EventStepError   EventType = "step:error"
	EventStepCustom  EventType = "step:event"
	EventStepBranch  EventType = "step:branch"

	EventHumanRequested EventType = "step:human:requested"
	EventHumanCompleted EventType = "step:human:completed"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is one emitted run event. Events of a single run are emitted in
// strict causal order of the loop; Metadata is a deep-copied view of the
// run metadata at emission time.
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	RunID      types.ID       `json:"run_id"`
	StepID     string         `json:"step_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Payload    any            `json:"payload,omitempty"`
}

// Watcher is a synchronous event callback. Most events are delivered from
// the loop goroutine, but custom events emitted by concurrent-group
// children arrive from child goroutines, so watchers must be safe for
// concurrent use. Slow watchers slow the run.
type Watcher func(Event)

// eventStream is the at-most-one consumer queue behind Run.Stream. Pushes
// never block the run loop: a pump goroutine buffers internally and feeds a
// consumer-facing channel. Closing the input drains the buffer to the
// consumer and then closes the output; an abandoned consumer is detected
// through the stop channel so the pump never leaks.
type eventStream struct {
	in       chan Event
	out      chan Event
	stop     chan struct{}
	closeIn  sync.Once
	stopOnce sync.Once
}

func newEventStream() *eventStream {
	s := &eventStream{
		in:   make(chan Event, 16),
		out:  make(chan Event, 16),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *eventStream) pump() {
	var buf []Event
	in := s.in
	for {
		var outCh chan Event
		var next Event
		if len(buf) > 0 {
			outCh = s.out
			next = buf[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				s.flush(buf)
				return
			}
			buf = append(buf, ev)
		case outCh <- next:
			buf = buf[1:]
		case <-s.stop:
			// Consumer is gone; later pushes fall through their own
			// stop case, so nothing blocks.
			return
		}
	}
}

func (s *eventStream) flush(buf []Event) {
	for _, ev := range buf {
		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
	close(s.out)
}

func (s *eventStream) push(ev Event) {
	select {
	case s.in <- ev:
	case <-s.stop:
	}
}

// close ends the stream: buffered events are still delivered, then the
// consumer channel closes.
func (s *eventStream) close() {
	s.closeIn.Do(func() { close(s.in) })
}

// abandon tells the pump the consumer stopped reading.
func (s *eventStream) abandon() {
	s.stopOnce.Do(func() { close(s.stop) })
}
