package sequencer

import "github.com/MrWong99/glossa/pkg/types"

// EventKind identifies what an [Event] reports.
type EventKind int

const (
	// EventStep reports that a turn was entered and its record appended.
	EventStep EventKind = iota

	// EventTranscript carries a partial or final hypothesis for the open
	// learner turn.
	EventTranscript

	// EventMatch carries the score of a final hypothesis or a manual
	// override.
	EventMatch

	// EventAttempts reports a rejected attempt and whether the manual
	// override should be offered.
	EventAttempts

	// EventComplete is emitted exactly once when the conversation ends.
	EventComplete

	// EventFailure reports a terminal failure. The sequencer is stopped.
	EventFailure
)

// String returns the wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventStep:
		return "step"
	case EventTranscript:
		return "transcript"
	case EventMatch:
		return "match"
	case EventAttempts:
		return "override"
	case EventComplete:
		return "complete"
	case EventFailure:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a notification for the presentation layer. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Step is the StepIndex of the current turn.
	Step int

	// Record is the history index the event refers to.
	Record int

	// Speaker of the current turn.
	Speaker types.Speaker

	// Transcript and Confidence describe the hypothesis heard. IsFinal
	// distinguishes final from partial hypotheses.
	Transcript string
	Confidence float64
	IsFinal    bool

	// Score and MatchedTokens are set on EventMatch.
	Score         int
	MatchedTokens []string

	// Attempts and OverrideAvailable are set on EventAttempts.
	Attempts          int
	OverrideAvailable bool

	// DialogueID is set on EventComplete.
	DialogueID string

	// Err is set on EventFailure.
	Err error
}

// Listener receives sequencer events in order on the sequencer's own
// goroutine. Implementations must not block and must not call Close.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to [Listener].
type ListenerFunc func(Event)

// OnEvent calls f(e).
func (f ListenerFunc) OnEvent(e Event) { f(e) }
