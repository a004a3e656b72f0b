// Package events defines the outward event model for coderd runs.
//
// Every stage of a run, the engine prompt stages and the image build alike,
// produces events into a single ordered sequence. Consumers receive them
// through a Sink; ordering reflects emission order within a run.
package events

import "time"

// Origin identifies which collaborator produced an event.
type Origin string

const (
	// OriginEngine marks events produced by the code-generation engine.
	OriginEngine Origin = "engine"

	// OriginDocker marks events produced by the image build.
	OriginDocker Origin = "docker"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeMessage is a chunk of assistant response text.
	TypeMessage Type = "message"

	// TypeThought is a chunk of the engine's reasoning trace.
	TypeThought Type = "thought"

	// TypeToolCall describes a tool invocation by the engine.
	TypeToolCall Type = "tool_call"

	// TypeLog is a line of image-build output.
	TypeLog Type = "log"

	// TypeResult is the terminal outcome of the image build.
	TypeResult Type = "result"
)

// Stage identifies which part of the run produced an event.
type Stage string

const (
	StageRequest       Stage = "request"
	StageDockerfile    Stage = "dockerfile"
	StageDocumentation Stage = "documentation"
	StageBuild         Stage = "build"
)

// Event is one unit of run activity. Events are immutable once constructed.
type Event struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id,omitempty"`
	Stage   Stage     `json:"stage"`
	Origin  Origin    `json:"origin"`
	Type    Type      `json:"type"`
	Text    string    `json:"text"`
	Success bool      `json:"success,omitempty"`
}

// String renders the event with the same prefixes the event types carry on
// the wire: engine thoughts and tool calls are bracketed, and every build
// event is tagged [Docker] so callers can filter by origin.
func (e Event) String() string {
	switch {
	case e.Origin == OriginDocker:
		return "[Docker] " + e.Text
	case e.Type == TypeThought:
		return "[Thought] " + e.Text
	case e.Type == TypeToolCall:
		return "[Tool] " + e.Text
	default:
		return e.Text
	}
}

// Sink consumes events in emission order. Implementations must not retain
// the right to reorder; a run delivers events from a single goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans one event stream out to several sinks in order.
type MultiSink []Sink

// Emit delivers e to each sink in sequence.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Collector is a Sink that records every event it receives. Intended for
// tests and for buffering a completed run.
type Collector struct {
	Events []Event
}

// Emit appends e to the collected events.
func (c *Collector) Emit(e Event) {
	c.Events = append(c.Events, e)
}
