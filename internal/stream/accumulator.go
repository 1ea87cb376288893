// Package stream implements the streaming response accumulator: it consumes
// the backend's incremental fragments, keeps the visible answer separate
// from the thinking trace, merges grounding metadata, and supports
// cooperative cancellation with an idempotent finalize.
package stream

import (
	"context"
	"strings"

	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

// State is the accumulator's position in its lifecycle:
// Idle → Sending → Streaming → {Finalizing, Cancelled, Errored}.
type State int

const (
	// StateIdle means no stream is associated yet.
	StateIdle State = iota
	// StateSending means the request is issued but no fragment has arrived.
	StateSending
	// StateStreaming means at least one fragment has been applied.
	StateStreaming
	// StateFinalizing is the terminal state of a normally completed stream.
	StateFinalizing
	// StateCancelled is the terminal state of a user-stopped stream.
	StateCancelled
	// StateErrored is the terminal state of a failed stream.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Result is the terminal snapshot of a stream. For a cancelled stream the
// content is whatever had accumulated; for an errored stream the caller
// replaces the content with an error message and discards the partial text.
type Result struct {
	State         State
	Content       string
	ThinkingSteps []string
	Grounding     *chattypes.GroundingMetadata
	URLContext    *chattypes.URLContextMetadata
	Err           error
}

// Accumulator folds stream fragments into a message-shaped result. It is not
// safe for concurrent use; the consuming loop is the single writer.
type Accumulator struct {
	state      State
	answer     strings.Builder
	steps      []string
	grounding  *chattypes.GroundingMetadata
	urlContext *chattypes.URLContextMetadata
	final      *Result
}

// New returns an accumulator in the Sending state: the request is on the
// wire, the placeholder message exists, no content has arrived.
func New() *Accumulator {
	return &Accumulator{state: StateSending}
}

// State returns the current lifecycle state.
func (a *Accumulator) State() State { return a.state }

// Content returns the visible answer text accumulated so far.
func (a *Accumulator) Content() string { return a.answer.String() }

// Steps returns a copy of the thinking trace accumulated so far.
func (a *Accumulator) Steps() []string {
	return append([]string(nil), a.steps...)
}

// Apply folds one fragment into the accumulator. Answer text is concatenated
// in arrival order; thought text and tool markers go to the thinking trace;
// grounding metadata is shallow-merged and only surfaced at finalize.
// Fragments arriving after a terminal state are dropped, so a cancel racing
// the final fragment cannot re-open the result.
func (a *Accumulator) Apply(f chattypes.Fragment) {
	if a.final != nil {
		return
	}
	a.state = StateStreaming

	a.answer.WriteString(f.Text)
	if f.Thought != "" {
		a.appendThought(f.Thought)
	}
	if f.ToolCall != "" {
		a.steps = append(a.steps, "Araç çağrısı: "+f.ToolCall)
	}
	if f.Grounding != nil {
		if a.grounding == nil {
			a.grounding = &chattypes.GroundingMetadata{}
		}
		a.grounding.Merge(f.Grounding)
	}
	if f.URLContext != nil {
		a.urlContext = f.URLContext
	}
}

// appendThought splits reasoning text into discrete trimmed lines and drops
// the empty ones.
func (a *Accumulator) appendThought(thought string) {
	for _, line := range strings.Split(thought, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			a.steps = append(a.steps, line)
		}
	}
}

// Finalize closes the accumulator as a normally completed stream. Calling
// any terminal transition again returns the first terminal result unchanged.
func (a *Accumulator) Finalize() Result {
	return a.seal(StateFinalizing, nil)
}

// Cancel closes the accumulator keeping the partial answer as final content.
func (a *Accumulator) Cancel() Result {
	return a.seal(StateCancelled, nil)
}

// Fail closes the accumulator with a stream error.
func (a *Accumulator) Fail(err error) Result {
	return a.seal(StateErrored, err)
}

func (a *Accumulator) seal(state State, err error) Result {
	if a.final != nil {
		return *a.final
	}
	a.state = state
	a.final = &Result{
		State:         state,
		Content:       a.answer.String(),
		ThinkingSteps: a.Steps(),
		Grounding:     a.grounding,
		URLContext:    a.urlContext,
		Err:           err,
	}
	return *a.final
}

// Consume drives the accumulator over a backend event channel until the
// stream ends, fails, or ctx is cancelled. flush is called after every
// applied fragment so the caller can publish intermediate state; the
// terminal state is returned, not flushed, and is produced exactly once.
//
// Cancellation is cooperative on two levels: ctx aborts the underlying
// transport, and this loop stops pulling events as soon as it observes the
// cancellation.
func (a *Accumulator) Consume(ctx context.Context, events <-chan chattypes.StreamEvent, flush func(*Accumulator)) Result {
	for {
		select {
		case <-ctx.Done():
			return a.Cancel()
		case ev, ok := <-events:
			if !ok {
				return a.Finalize()
			}
			if ev.Err != nil {
				if ctx.Err() != nil {
					// The transport error is just the echo of our own abort.
					return a.Cancel()
				}
				return a.Fail(ev.Err)
			}
			a.Apply(ev.Fragment)
			if flush != nil {
				flush(a)
			}
		}
	}
}
