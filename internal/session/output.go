package session

import (
	"time"

	"github.com/lexiqai/speaker-gateway/internal/speaker"
)

// OutputKind classifies an annotated output
type OutputKind string

const (
	OutputTranscribing OutputKind = "transcribing"
	OutputTranscribed  OutputKind = "transcribed"
	OutputTerminated   OutputKind = "terminated"
)

// Termination reasons carried by the terminal output and the summary
const (
	ReasonSessionStopped = "session_stopped" // backend finished the stream
	ReasonCanceled       = "canceled"        // backend canceled the stream
	ReasonStreamClosed   = "stream_closed"   // event channel closed
	ReasonStopped        = "stopped"         // Stop was called
	ReasonContextDone    = "context_done"    // the Run context ended
)

// Output is one annotated event pushed downstream
type Output struct {
	SessionID   string        `json:"sessionId"`
	Kind        OutputKind    `json:"kind"`
	SpeakerID   string        `json:"speakerId,omitempty"`
	SpeakerName string        `json:"speakerName,omitempty"`
	Text        string        `json:"text,omitempty"`
	IsFinal     bool          `json:"isFinal"`
	Offset      time.Duration `json:"offset,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Sink receives annotated outputs in session order. Publish is called from the
// session goroutine and should not block for long.
type Sink interface {
	Publish(Output)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Output)

// Publish calls f(out)
func (f SinkFunc) Publish(out Output) { f(out) }

// MultiSink fans an output out to several sinks in order
type MultiSink []Sink

// Publish forwards out to every sink
func (m MultiSink) Publish(out Output) {
	for _, s := range m {
		if s != nil {
			s.Publish(out)
		}
	}
}

type discardSink struct{}

func (discardSink) Publish(Output) {}

// Summary describes a finished session
type Summary struct {
	SessionID  string
	State      State
	Speakers   []speaker.Entry
	Utterances int // final utterances processed
	Reason     string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the session ran
func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
