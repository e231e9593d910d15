// Package progress carries the one-directional stream of messages emitted
// while packages are checked and installed.
//
// Messages for a single package are delivered in the order they were
// emitted. Messages of different packages may interleave.
package progress

import "time"

// Kind is the category of a message.
type Kind string

const (
	// KindStatus reports a state change or a line of command output.
	KindStatus Kind = "status"

	// KindWarning reports something the user should look at.
	KindWarning Kind = "warning"

	// KindError reports a failure.
	KindError Kind = "error"
)

// Severity orders messages for filtering.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var severityRank = map[Severity]int{
	SeverityDebug:   0,
	SeverityInfo:    1,
	SeverityWarning: 2,
	SeverityError:   3,
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Message is a single progress event. It is never modified after emission.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`

	// RunID is the run that produced the message.
	RunID string `json:"run_id,omitempty"`

	// Kind is the message category.
	Kind Kind `json:"kind"`

	// Package is the package the message is about, if any.
	Package string `json:"package,omitempty"`

	// Text is the human-readable message.
	Text string `json:"text"`

	// Severity is the message severity.
	Severity Severity `json:"severity"`

	// Phase is the installation phase the package entered, for state changes.
	Phase string `json:"phase,omitempty"`

	// Stream is "stdout" or "stderr" for command output lines.
	Stream string `json:"stream,omitempty"`

	// Timestamp is when the message was emitted.
	Timestamp time.Time `json:"timestamp"`
}

// IsOutput reports whether the message carries a line of command output.
func (m Message) IsOutput() bool {
	return m.Stream != ""
}

// Sink receives messages. Emit must not be called concurrently for the same
// package.
type Sink interface {
	Emit(msg Message)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(msg Message)

// Emit calls f(msg).
func (f SinkFunc) Emit(msg Message) { f(msg) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(Message) {})

// Status builds a status message.
func Status(pkg, text string) Message {
	return Message{Kind: KindStatus, Package: pkg, Text: text, Severity: SeverityInfo}
}

// Warning builds a warning message.
func Warning(pkg, text string) Message {
	return Message{Kind: KindWarning, Package: pkg, Text: text, Severity: SeverityWarning}
}

// Error builds an error message.
func Error(pkg, text string) Message {
	return Message{Kind: KindError, Package: pkg, Text: text, Severity: SeverityError}
}
